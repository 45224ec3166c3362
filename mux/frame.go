// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package mux implements the channel multiplexer described in spec
// §4.6: a header-framed wire protocol and the per-(channel,
// sender-rank) buffer chain bookkeeping that lets many logical
// channels share one Group's connections.
package mux

import (
	"encoding/binary"
	"hash/crc32"
)

// frameHeaderSize is the fixed, little-endian header every frame
// carries ahead of its payload: channel_id, sender_rank,
// payload_bytes, element_count (each a uint32), and a one-byte flags
// field, per spec §4.6.
const frameHeaderSize = 4 + 4 + 4 + 4 + 1

// flagClose marks a zero-payload frame as an end-of-stream signal for
// the (channel_id, sender_rank) pair it names, rather than a data
// frame. It is the "close" control frame of spec §4.6, folded into
// the ordinary data frame shape instead of a separate magic-byte
// block type (see SPEC_FULL.md's discriminant note).
const flagClose byte = 1 << 0

// flagChecksummed marks a data frame as carrying a trailing 4-byte
// CRC32 (IEEE) checksum of its payload, after the payload itself. It
// strengthens transport-error detection (spec §7) without changing
// the element-level contract, the way mapio/block.go and
// sliceio/codec.go checksum their own payloads; see SPEC_FULL.md's
// CRC32 trailer note.
const flagChecksummed byte = 1 << 1

// checksumTrailerSize is the width of the trailing CRC32 a
// flagChecksummed frame carries.
const checksumTrailerSize = 4

type frameHeader struct {
	channelID    uint32
	senderRank   uint32
	payloadBytes uint32
	elementCount uint32
	flags        byte
}

func encodeFrameHeader(h frameHeader) []byte {
	b := make([]byte, frameHeaderSize)
	encodeFrameHeaderInto(b, h)
	return b
}

func encodeFrameHeaderInto(b []byte, h frameHeader) {
	binary.LittleEndian.PutUint32(b[0:4], h.channelID)
	binary.LittleEndian.PutUint32(b[4:8], h.senderRank)
	binary.LittleEndian.PutUint32(b[8:12], h.payloadBytes)
	binary.LittleEndian.PutUint32(b[12:16], h.elementCount)
	b[16] = h.flags
}

func decodeFrameHeader(b []byte) frameHeader {
	return frameHeader{
		channelID:    binary.LittleEndian.Uint32(b[0:4]),
		senderRank:   binary.LittleEndian.Uint32(b[4:8]),
		payloadBytes: binary.LittleEndian.Uint32(b[8:12]),
		elementCount: binary.LittleEndian.Uint32(b[12:16]),
		flags:        b[16],
	}
}

func appendChecksum(b []byte, payload []byte) []byte {
	var trailer [checksumTrailerSize]byte
	binary.LittleEndian.PutUint32(trailer[:], crc32.ChecksumIEEE(payload))
	return append(b, trailer[:]...)
}

func verifyChecksum(payload, trailer []byte) bool {
	return binary.LittleEndian.Uint32(trailer) == crc32.ChecksumIEEE(payload)
}

// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package mux

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/flowmesh/bufchain"
	"github.com/grailbio/flowmesh/netgroup"
)

// A Multiplexer shares one netgroup.Group's connections among many
// logical channels, each identified by a uint32 channel ID. Channel
// IDs are allocated by NewChannel and must be allocated in the same
// order by every member of the group — the same SPMD discipline the
// teacher's bigmachine invocation relies on for task IDs — so that a
// frame's channel_id names the same logical Channel on sender and
// receiver.
type Multiplexer struct {
	group *netgroup.Group
	disp  *netgroup.Dispatcher

	mu       sync.Mutex
	nextID   uint32
	channels map[uint32]*Channel
}

// NewMultiplexer returns a Multiplexer over group, whose received
// frames are dispatched to work on disp. Any failure disp observes —
// a dead connection, a checksum mismatch, a frame for an unallocated
// channel — is propagated to every channel the Multiplexer owns, per
// spec §7: a transport error must close every affected chain with an
// error flag and unblock its waiters, not just stop future reads.
func NewMultiplexer(group *netgroup.Group, disp *netgroup.Dispatcher) *Multiplexer {
	m := &Multiplexer{
		group:    group,
		disp:     disp,
		channels: make(map[uint32]*Channel),
	}
	disp.OnFail(m.failAll)
	return m
}

// failAll closes every channel currently known to the Multiplexer
// with err.
func (m *Multiplexer) failAll(err error) {
	m.mu.Lock()
	chans := make([]*Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		chans = append(chans, ch)
	}
	m.mu.Unlock()
	for _, ch := range chans {
		ch.Fail(err)
	}
}

// NewChannel allocates the next channel ID and creates its receive
// state. unordered selects arrival-order versus rank-order semantics
// for this channel, per spec §4.6. If the Multiplexer's dispatcher has
// already failed, the new channel is failed immediately too, so a
// channel allocated after a connection has already died does not sit
// forever waiting for senders that can never reach it.
func (m *Multiplexer) NewChannel(unordered bool) (uint32, *Channel) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	ch := newChannel(m.group.N, m.group.Rank, unordered)
	m.channels[id] = ch
	m.mu.Unlock()
	if err := m.disp.Err(); err != nil {
		ch.Fail(err)
	}
	return id, ch
}

func (m *Multiplexer) channel(id uint32) *Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channels[id]
}

// Serve registers a reader for every peer connection in the group,
// submitting received frames as work to disp. It returns immediately;
// call disp.Run to actually service the dispatch loop.
func (m *Multiplexer) Serve(ctx context.Context) {
	for peer := 0; peer < m.group.N; peer++ {
		if peer == m.group.Rank {
			continue
		}
		conn := m.group.Conn(peer)
		if conn == nil {
			continue
		}
		m.disp.Register(ctx, fmt.Sprintf("peer %d", peer), conn, m.readFrame)
	}
}

// readFrame is a netgroup.ReadFunc: it performs exactly one frame's
// blocking read (header, then payload) and returns a work closure
// that applies the frame's effect to the target Channel.
func (m *Multiplexer) readFrame(conn net.Conn) (func(), error) {
	hdr := make([]byte, frameHeaderSize)
	// io.EOF here means the peer closed between frames; a truncated
	// header is io.ErrUnexpectedEOF, a transport error.
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return nil, err
	}
	h := decodeFrameHeader(hdr)

	var payload []byte
	if h.payloadBytes > 0 {
		payload = make([]byte, h.payloadBytes)
		if _, err := io.ReadFull(conn, payload); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
	if h.flags&flagChecksummed != 0 {
		trailer := make([]byte, checksumTrailerSize)
		if _, err := io.ReadFull(conn, trailer); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
		if !verifyChecksum(payload, trailer) {
			return func() {
				m.disp.Fail(errors.E(errors.Integrity, "mux: checksum mismatch on received frame"))
			}, nil
		}
	}

	return func() {
		ch := m.channel(h.channelID)
		if ch == nil {
			m.disp.Fail(errors.E(errors.Invalid, "mux: frame for unallocated channel"))
			return
		}
		senderRank := int(h.senderRank)
		if h.flags&flagClose != 0 {
			if err := ch.CloseSender(senderRank); err != nil {
				m.disp.Fail(err)
			}
			return
		}
		if err := ch.Append(senderRank, bufchain.NewBuffer(payload, int(h.elementCount))); err != nil {
			m.disp.Fail(err)
		}
	}, nil
}

// SendBuffer delivers buf to channel id on peer: locally, by
// appending directly to the channel's own-rank chain, if peer is this
// group member's own rank; otherwise by writing a framed copy to the
// wire.
func (m *Multiplexer) SendBuffer(peer int, id uint32, buf *bufchain.Buffer) error {
	if peer == m.group.Rank {
		ch := m.channel(id)
		if ch == nil {
			return errors.E(errors.Invalid, "mux: send to unallocated channel")
		}
		return ch.Append(m.group.Rank, buf)
	}
	frame := make([]byte, frameHeaderSize, frameHeaderSize+buf.Len()+checksumTrailerSize)
	encodeFrameHeaderInto(frame, frameHeader{
		channelID:    id,
		senderRank:   uint32(m.group.Rank),
		payloadBytes: uint32(buf.Len()),
		elementCount: uint32(buf.Elements()),
		flags:        flagChecksummed,
	})
	frame = append(frame, buf.Bytes()...)
	frame = appendChecksum(frame, buf.Bytes())
	return m.group.WriteFrame(peer, frame)
}

// SendClose signals end-of-stream for channel id from this rank to
// peer.
func (m *Multiplexer) SendClose(peer int, id uint32) error {
	if peer == m.group.Rank {
		ch := m.channel(id)
		if ch == nil {
			return errors.E(errors.Invalid, "mux: close of unallocated channel")
		}
		return ch.CloseSender(m.group.Rank)
	}
	frame := encodeFrameHeader(frameHeader{
		channelID:  id,
		senderRank: uint32(m.group.Rank),
		flags:      flagClose,
	})
	return m.group.WriteFrame(peer, frame)
}

// peerSink adapts one (peer, channel) pair to stream.Sink, so a
// stream.Emitter can write directly into a network channel exactly as
// it would write into a local bufchain.Chain.
type peerSink struct {
	m    *Multiplexer
	peer int
	id   uint32
}

// PeerSink returns a stream.Sink-shaped value that ships buffers to
// peer over channel id. It is returned as BufferSink rather than
// stream.Sink to keep mux independent of the stream package; the
// method set is identical, so it satisfies stream.Sink structurally.
func (m *Multiplexer) PeerSink(peer int, id uint32) BufferSink {
	return peerSink{m: m, peer: peer, id: id}
}

func (s peerSink) Deliver(buf *bufchain.Buffer) error {
	return s.m.SendBuffer(s.peer, s.id, buf)
}

func (s peerSink) CloseStream() error {
	return s.m.SendClose(s.peer, s.id)
}

// BufferSink is the shape stream.Sink expects.
type BufferSink interface {
	Deliver(buf *bufchain.Buffer) error
	CloseStream() error
}

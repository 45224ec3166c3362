// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package stream provides the typed producer and consumer handles,
// Emitter and Iterator, that application code uses to write into and
// read from a channel's underlying buffer chain.
package stream

import (
	"bytes"
	"encoding/gob"
)

// A Codec serialises and deserialises values of type T. It is the
// external collaborator described in spec §6: the core treats an
// element's bytes as opaque, framing each one itself (see
// Emitter.Emit and Iterator.readExact), and delegates only the encoding of the value within
// that frame to the Codec. Implementations must be deterministic and
// side-effect-free.
type Codec[T any] interface {
	Encode(v T) ([]byte, error)
	Decode(p []byte) (T, error)
}

// GobCodec is the default Codec, used throughout flowmesh the way
// sliceio's gobEncoder/gobDecoder and the top-level Encoder/Decoder
// wrap encoding/gob in the teacher codebase. Each call encodes a
// single self-contained gob stream, so values are self-delimiting
// independent of any length prefix the core adds around them.
type GobCodec[T any] struct{}

// Encode implements Codec.
func (GobCodec[T]) Encode(v T) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode implements Codec.
func (GobCodec[T]) Decode(p []byte) (T, error) {
	var v T
	err := gob.NewDecoder(bytes.NewReader(p)).Decode(&v)
	return v, err
}

// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package stream

import (
	"encoding/binary"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/flowmesh/bufchain"
)

// A Sink is where a flushed buffer goes: appended to a local chain,
// or handed to a channel multiplexer to be framed and sent to a
// peer. ChainSink adapts a bufchain.Chain to it, and
// mux.Multiplexer.PeerSink returns a value with the same method set.
type Sink interface {
	// Deliver takes ownership of buf.
	Deliver(buf *bufchain.Buffer) error
	// CloseStream signals end-of-stream to the destination.
	CloseStream() error
}

// chainSink adapts a *bufchain.Chain to the Sink interface, used by
// local (non-network) emitters.
type chainSink struct{ c *bufchain.Chain }

func (s chainSink) Deliver(buf *bufchain.Buffer) error {
	return s.c.Append(buf)
}

func (s chainSink) CloseStream() error {
	s.c.Close()
	return nil
}

// ChainSink returns a Sink that appends directly to c.
func ChainSink(c *bufchain.Chain) Sink {
	return chainSink{c}
}

// DefaultFlushThreshold is the byte size at which an Emitter
// automatically flushes its builder, absent an explicit threshold.
const DefaultFlushThreshold = 1 << 16

// An Emitter is a typed producer that serialises values into a
// Builder and flushes the result to a Sink on threshold, on an
// explicit Flush, or on Close, per spec §4.4.
type Emitter[T any] struct {
	codec     Codec[T]
	sink      Sink
	builder   *bufchain.Builder
	threshold int
	closed    bool
}

// NewEmitter returns an open Emitter writing codec-encoded elements
// into sink, flushing whenever the builder's byte length reaches
// threshold.
func NewEmitter[T any](sink Sink, codec Codec[T], threshold int) *Emitter[T] {
	if threshold <= 0 {
		threshold = DefaultFlushThreshold
	}
	return &Emitter[T]{
		codec:     codec,
		sink:      sink,
		builder:   bufchain.NewBuilder(),
		threshold: threshold,
	}
}

// Emit serialises v into the emitter's builder, framing it with a
// 4-byte little-endian length prefix so the receiving Iterator can
// find element boundaries without understanding the codec. If the
// builder has reached its flush threshold, Emit flushes.
func (e *Emitter[T]) Emit(v T) error {
	if e.closed {
		return errors.E(errors.Invalid, "stream: emit on closed emitter")
	}
	data, err := e.codec.Encode(v)
	if err != nil {
		return errors.E(errors.Invalid, err)
	}
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := e.builder.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := e.builder.Write(data); err != nil {
		return err
	}
	e.builder.RecordElement()
	if e.builder.ReachedThreshold(e.threshold) {
		return e.Flush()
	}
	return nil
}

// Flush seals the current builder into a buffer and delivers it to
// the sink. It is a no-op if the builder has no recorded elements.
func (e *Emitter[T]) Flush() error {
	if e.builder.Elements() == 0 {
		return nil
	}
	buf := e.builder.Detach()
	return e.sink.Deliver(buf)
}

// Close flushes any partial buffer and signals end-of-stream to the
// sink. Close transitions the emitter to closed exactly once;
// calling Close twice is a usage error.
func (e *Emitter[T]) Close() error {
	if e.closed {
		return errors.E(errors.Invalid, "stream: double close of emitter")
	}
	e.closed = true
	if err := e.Flush(); err != nil {
		return err
	}
	return e.sink.CloseStream()
}

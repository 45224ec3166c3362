// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package bufchain implements the storage layer shared by every
// channel in flowmesh: an immutable byte Buffer, a Builder that
// grows one into existence, and a thread-safe, append-only Chain of
// buffers that backs a channel endpoint.
package bufchain

import "bytes"

// A Buffer is an immutable run of bytes together with the number of
// serialised elements it contains. Once constructed, a Buffer's
// bytes never change; it is safe to share a *Buffer across goroutines
// without further synchronization.
type Buffer struct {
	data     []byte
	elements int
}

// NewBuffer wraps already-framed bytes received off the wire into a
// Buffer, without going through a Builder. It is used by mux when
// reassembling a buffer from a received frame's payload.
func NewBuffer(data []byte, elements int) *Buffer {
	return &Buffer{data: data, elements: elements}
}

// Bytes returns the buffer's backing bytes. Callers must not mutate
// the returned slice.
func (b *Buffer) Bytes() []byte {
	if b == nil {
		return nil
	}
	return b.data
}

// Len returns the number of bytes in the buffer.
func (b *Buffer) Len() int {
	if b == nil {
		return 0
	}
	return len(b.data)
}

// Elements returns the number of serialised elements the buffer
// contains.
func (b *Buffer) Elements() int {
	if b == nil {
		return 0
	}
	return b.elements
}

// release drops the buffer's reference to its backing bytes. It is
// called by Chain.Delete; any subsequent access to the buffer is
// undefined, matching the contract in spec §4.2.
func (b *Buffer) release() {
	b.data = nil
	b.elements = 0
}

// A Builder is a growable byte region with a running element count.
// It is not safe for concurrent use; each Emitter owns exactly one
// Builder. Detach seals the builder's current contents into a new
// Buffer and resets the builder so that it shares no storage with
// the detached Buffer.
type Builder struct {
	buf      bytes.Buffer
	elements int
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Reserve ensures the builder has room for at least n more bytes
// without reallocating, the way mapio's blockBuffer pre-sizes its
// backing bytes.Buffer before a known-size append.
func (b *Builder) Reserve(n int) {
	b.buf.Grow(n)
}

// Write appends raw, already-framed bytes to the builder. It never
// fails: bytes.Buffer grows (by doubling capacity) as needed.
func (b *Builder) Write(p []byte) (int, error) {
	return b.buf.Write(p)
}

// RecordElement records that one more serialised element has been
// appended to the builder. It does not itself write any bytes; the
// caller has already done so via Write.
func (b *Builder) RecordElement() {
	b.elements++
}

// Len returns the builder's current byte length.
func (b *Builder) Len() int {
	return b.buf.Len()
}

// Elements returns the builder's current element count.
func (b *Builder) Elements() int {
	return b.elements
}

// ReachedThreshold reports whether the builder's byte length has
// reached the given flush threshold.
func (b *Builder) ReachedThreshold(threshold int) bool {
	return threshold > 0 && b.buf.Len() >= threshold
}

// Detach transfers ownership of the builder's current backing bytes
// to a new Buffer and resets the builder to empty. After Detach, the
// builder holds none of the detached buffer's bytes: the builder's
// next Write begins filling a brand new allocation, so mutating the
// builder can never corrupt a buffer it has already detached.
func (b *Builder) Detach() *Buffer {
	buf := &Buffer{
		data:     b.buf.Bytes(),
		elements: b.elements,
	}
	b.buf = bytes.Buffer{}
	b.elements = 0
	return buf
}

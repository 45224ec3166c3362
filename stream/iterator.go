// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package stream

import (
	"context"
	"encoding/binary"
	"io"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/flowmesh/bufchain"
)

// EOF is returned by Next when the source is exhausted: the cursor
// has passed the last element and the underlying chain is closed.
// It is a sentinel in the style of sliceio.EOF in the teacher
// codebase, signalling a graceful end of output rather than a
// transport or protocol failure.
var EOF = errors.New("stream: EOF")

// peekCtx is a context that is already done. readExact is called
// with it whenever HasNext wants to know if an element is available
// right now, without blocking: any point where reading would have to
// wait on a chain's condition variable instead returns
// context.Canceled immediately, which tryDecode distinguishes from a
// genuine caller-supplied cancellation via the blocking flag.
var peekCtx = func() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}()

// bufferSource is satisfied by both *bufchain.Chain and
// *bufchain.OrderedMerge: anything that can hand back buffers by
// increasing sequential index, blocking until one is ready or the
// source is exhausted.
type bufferSource interface {
	WaitBuffer(ctx context.Context, i int) (*bufchain.Buffer, bool, error)
}

// errSourceDone is an internal sentinel meaning the underlying source
// ended exactly on an element boundary: zero bytes of the next
// element had been read when it closed. It is translated to EOF at
// the Iterator API boundary.
var errSourceDone = errors.New("stream: source exhausted at element boundary")

// An Iterator is a typed consumer over a buffer source. It
// deserialises elements on demand and blocks on Next when none is
// yet available and the source is still open, per spec §4.3.
type Iterator[T any] struct {
	codec Codec[T]
	src   bufferSource

	bufIdx  int // next buffer index to request from src
	byteOff int
	cur     *bufchain.Buffer

	finished     bool
	havePending  bool
	pending      T
	pendingErr   error
}

// NewIterator returns an Iterator reading elements framed and encoded
// by codec from src.
func NewIterator[T any](src bufferSource, codec Codec[T]) *Iterator[T] {
	return &Iterator[T]{src: src, codec: codec}
}

// HasNext reports, without blocking, whether at least one fully
// serialised element is available at the cursor.
func (it *Iterator[T]) HasNext() bool {
	if it.finished {
		return false
	}
	if it.havePending {
		return true
	}
	v, err := it.tryDecode(peekCtx, false)
	switch {
	case err == nil:
		it.pending, it.havePending = v, true
		return true
	case err == context.Canceled:
		return false
	case err == EOF:
		// Not yet observable via HasNext (which never blocks to confirm
		// closure); Next will reach the same conclusion.
		return false
	default:
		it.pendingErr = err
		return false
	}
}

// Next blocks, if necessary, until an element is available or the
// source closes, then returns the next deserialised element and
// advances the cursor. It is undefined to call Next after IsFinished
// has returned true.
func (it *Iterator[T]) Next(ctx context.Context) (T, error) {
	var zero T
	if it.pendingErr != nil {
		err := it.pendingErr
		it.pendingErr = nil
		return zero, err
	}
	if it.havePending {
		v := it.pending
		it.pending, it.havePending = zero, false
		return v, nil
	}
	v, err := it.tryDecode(ctx, true)
	if err == EOF {
		it.finished = true
		return zero, EOF
	}
	if err != nil {
		return zero, err
	}
	return v, nil
}

// WaitForAll blocks until the underlying source is fully closed.
func (it *Iterator[T]) WaitForAll(ctx context.Context) error {
	for {
		switch src := it.src.(type) {
		case *bufchain.Chain:
			return src.WaitUntilClosed(ctx)
		case *bufchain.OrderedMerge:
			return src.WaitUntilClosed(ctx)
		default:
			// Fall back to polling via HasNext/blocking reads: drain the
			// source to its end, which can only happen once closed.
			if it.IsFinished() {
				return nil
			}
			if _, err := it.Next(ctx); err != nil && err != EOF {
				return err
			}
		}
	}
}

// IsFinished reports whether the cursor is past the last element and
// the source has closed.
func (it *Iterator[T]) IsFinished() bool {
	if it.finished {
		return true
	}
	if it.havePending || it.pendingErr != nil {
		return false
	}
	v, err := it.tryDecode(peekCtx, false)
	switch {
	case err == nil:
		it.pending, it.havePending = v, true
		return false
	case err == EOF:
		it.finished = true
		return true
	case err == context.Canceled:
		return false
	default:
		it.pendingErr = err
		return false
	}
}

// tryDecode attempts to read and decode one element. If blocking is
// false, any point that would otherwise wait on the source returns
// context.Canceled (via peekCtx) and the cursor is rolled back to
// where it started, so a failed non-blocking attempt never partially
// consumes input.
func (it *Iterator[T]) tryDecode(ctx context.Context, blocking bool) (T, error) {
	var zero T
	snapIdx, snapOff, snapCur := it.bufIdx, it.byteOff, it.cur

	rollback := func() {
		it.bufIdx, it.byteOff, it.cur = snapIdx, snapOff, snapCur
	}

	lenBytes, err := it.readExact(ctx, 4)
	if err != nil {
		if !blocking && err == context.Canceled {
			rollback()
			return zero, context.Canceled
		}
		if err == errSourceDone {
			rollback()
			return zero, EOF
		}
		rollback()
		return zero, err
	}
	n := int(binary.LittleEndian.Uint32(lenBytes))
	payload, err := it.readExact(ctx, n)
	if err != nil {
		if !blocking && err == context.Canceled {
			rollback()
			return zero, context.Canceled
		}
		// A length prefix was already committed, so running out of
		// payload bytes is a genuine protocol error, not EOF: do not
		// roll back, the stream is corrupt past this point.
		return zero, err
	}
	v, err := it.codec.Decode(payload)
	if err != nil {
		return zero, errors.E(errors.Invalid, err)
	}
	return v, nil
}

// readExact reads exactly n bytes starting at the cursor, fetching
// further buffers from src as needed. When the next buffer is not
// yet available and the caller only wants to peek (ctx is done), it
// returns context.Canceled and discards whatever it had copied into
// the reassembly scratch region. When the
// source closes cleanly at the current position (no bytes read yet
// for this call), it returns errSourceDone.
func (it *Iterator[T]) readExact(ctx context.Context, n int) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	if it.cur != nil {
		if avail := it.cur.Bytes()[it.byteOff:]; len(avail) >= n {
			it.byteOff += n
			return avail[:n], nil
		}
	}
	// Straddles a buffer boundary (or no buffer fetched yet): fall
	// back to a small reassembly scratch region sized exactly to the
	// element frame being read.
	scratch := make([]byte, 0, n)
	if it.cur != nil {
		scratch = append(scratch, it.cur.Bytes()[it.byteOff:]...)
		it.byteOff = it.cur.Len()
	}
	for len(scratch) < n {
		buf, ok, err := it.src.WaitBuffer(ctx, it.bufIdx)
		if err != nil {
			return nil, err
		}
		if !ok {
			if len(scratch) == 0 {
				return nil, errSourceDone
			}
			return nil, io.ErrUnexpectedEOF
		}
		it.bufIdx++
		it.cur = buf
		it.byteOff = 0
		take := n - len(scratch)
		if avail := buf.Bytes(); take > len(avail) {
			take = len(avail)
		}
		scratch = append(scratch, buf.Bytes()[:take]...)
		it.byteOff = take
	}
	return scratch, nil
}

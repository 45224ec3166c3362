// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bufchain

import (
	"context"
	"sort"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/flowmesh/ctxsync"
)

// Element is one entry of a Chain: an immutable buffer together with
// the cumulative element count through that buffer, as described in
// spec §3. OffsetOfFirst supports a future partial-prefix trimming
// feature; it is always zero in this implementation (see the open
// questions in DESIGN.md), and kept here only so the field has a
// name for when that feature arrives.
type Element struct {
	Buffer             *Buffer
	CumulativeElements int
	OffsetOfFirst      int
}

// A Chain is a thread-safe, append-only sequence of immutable
// buffers. It is the storage backing one channel endpoint: a local
// DIA, or one (channel, sender-rank) pair of a network channel.
//
// Unlike the C++ original, which special-cased empty std::deque
// iterators (some standard library implementations return a null
// iterator for an empty deque), a nil Go slice already has
// well-defined, non-nil-pointer-dereferencing begin/end semantics, so
// no sentinel push/pop workaround is needed here.
type Chain struct {
	mu       sync.Mutex
	cond     *ctxsync.Cond
	elements []Element
	closed   bool
	failErr  error
}

// New returns an empty, open Chain.
func New() *Chain {
	c := &Chain{}
	c.cond = ctxsync.NewCond(&c.mu)
	return c
}

// Append appends buf to the chain. It is thread-safe and runs in
// O(1); it wakes all current waiters.
func (c *Chain) Append(buf *Buffer) error {
	if buf.elements == 0 && buf.Len() == 0 {
		// A zero-byte, zero-element buffer carries nothing; appending it
		// would create a chain element indistinguishable from a sentinel.
		// This mirrors the "zero-element flush produces no buffer chain
		// element" boundary case in spec §8.
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.E(errors.Invalid, "bufchain: append to closed chain")
	}
	c.elements = append(c.elements, Element{
		Buffer:             buf,
		CumulativeElements: c.size() + buf.Elements(),
	})
	c.cond.Broadcast()
	return nil
}

// AppendBuilder seals b by detaching it and appends the result, the
// convenience form described in spec §4.2. A builder with no
// recorded elements produces no chain element at all.
func (c *Chain) AppendBuilder(b *Builder) error {
	if b.Elements() == 0 {
		return nil
	}
	return c.Append(b.Detach())
}

// Wait blocks until the next append or close, or until ctx is done.
// If the chain has failed, or fails while Wait is blocked, Wait
// returns the error recorded by Fail.
func (c *Chain) Wait(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failErr != nil {
		return c.failErr
	}
	if err := c.cond.Wait(ctx); err != nil {
		return err
	}
	return c.failErr
}

// WaitUntilClosed blocks until the chain is closed, or until ctx is
// done. If the chain was closed via Fail, WaitUntilClosed returns the
// recorded error instead of nil.
func (c *Chain) WaitUntilClosed(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for !c.closed {
		if err := c.cond.Wait(ctx); err != nil {
			return err
		}
	}
	return c.failErr
}

// Close closes the chain. Close is idempotent: closing an
// already-closed chain is a no-op, not an error, since a producer
// that forgets to close is a protocol error a stuck iterator
// reveals, not one Close itself needs to guard against.
func (c *Chain) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.cond.Broadcast()
	}
}

// IsClosed reports whether the chain has been closed.
func (c *Chain) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Fail closes the chain, as Close does, and records err as the
// chain's failure: every blocked or future Wait, WaitUntilClosed, and
// WaitBuffer call reports err instead of behaving as an ordinary
// graceful close. Only the first call to Fail (or, more precisely,
// the first call with the chain not already failed) sets the
// recorded error; later calls still wake waiters but leave the
// original error in place. This is what lets a dead connection or a
// checksum mismatch (spec §7) unblock a stuck Iterator.Next or
// WaitForAll instead of leaving it hanging.
func (c *Chain) Fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failErr == nil {
		c.failErr = err
	}
	if !c.closed {
		c.closed = true
	}
	c.cond.Broadcast()
}

// Err returns the error recorded by Fail, or nil if the chain has not
// failed.
func (c *Chain) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failErr
}

// Size returns the chain's cumulative element count, i.e. the
// element count of the last chain element, or zero if the chain is
// empty.
func (c *Chain) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size()
}

func (c *Chain) size() int {
	if len(c.elements) == 0 {
		return 0
	}
	return c.elements[len(c.elements)-1].CumulativeElements
}

// Len returns the number of buffers (chain elements) currently
// appended to the chain.
func (c *Chain) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.elements)
}

// BufferAt returns the buffer at chain-element index i, along with
// whether that index is currently populated.
func (c *Chain) BufferAt(i int) (*Buffer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i < 0 || i >= len(c.elements) {
		return nil, false
	}
	return c.elements[i].Buffer, true
}

// WaitBuffer blocks until the buffer at sequential chain-element
// index i is available, returning (buf, true, nil). If the chain is
// closed with fewer than i+1 elements, it returns (nil, false, nil) to
// signal that no further buffer will ever occupy that index — unless
// the chain was closed via Fail, in which case it returns (nil,
// false, err) with the recorded error so a blocked caller fails
// instead of seeing ordinary end-of-stream.
func (c *Chain) WaitBuffer(ctx context.Context, i int) (*Buffer, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		if i < len(c.elements) {
			return c.elements[i].Buffer, true, nil
		}
		if c.closed {
			return nil, false, c.failErr
		}
		if err := c.cond.Wait(ctx); err != nil {
			return nil, false, err
		}
	}
}

// Locate performs an O(log n) binary search over the chain's
// cumulative element counts to find the chain-element index and the
// within-element element offset of the globalIndex'th serialised
// element (0-based). It reports ok=false if globalIndex is beyond
// the chain's current size.
func (c *Chain) Locate(globalIndex int) (elemIdx, within int, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.elements)
	i := sort.Search(n, func(i int) bool {
		return c.elements[i].CumulativeElements > globalIndex
	})
	if i == n {
		return 0, 0, false
	}
	prev := 0
	if i > 0 {
		prev = c.elements[i-1].CumulativeElements
	}
	return i, globalIndex - prev, true
}

// Delete releases all buffers owned by the chain. Subsequent access
// to the chain or to any buffer it held is undefined.
func (c *Chain) Delete() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.elements {
		c.elements[i].Buffer.release()
	}
	c.elements = nil
}

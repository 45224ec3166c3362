// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bufchain

import (
	"context"
	"sync"
)

// OrderedMerge presents several per-rank chains as a single,
// sequential buffer source that yields rank 0's buffers in full,
// then rank 1's, and so on. It is the Go counterpart of c7a's
// OrderedBufferChain (c7a/data/buffer_chain.hpp): where the original
// eagerly moved already-complete per-rank buffers into a target
// chain once every sender was done, OrderedMerge instead streams
// lazily, blocking at a rank boundary until that rank closes. This
// is what lets a scatter receiver start consuming rank 0's elements
// before rank 1 (or even rank 0 itself, fully) has finished sending.
//
// OrderedMerge only supports sequential access via WaitBuffer, called
// with indices 0, 1, 2, ... in order; it does not support the
// positional binary search that Chain.Locate provides.
type OrderedMerge struct {
	chains []*Chain

	mu       sync.Mutex
	rank     int // index into chains of the rank currently being drained
	local    int // next unread buffer index within chains[rank]
	consumed int // total buffers yielded so far, across all ranks
}

// NewOrderedMerge returns a merge over chains, indexed by rank in the
// order they should be drained.
func NewOrderedMerge(chains []*Chain) *OrderedMerge {
	return &OrderedMerge{chains: chains}
}

// WaitBuffer blocks until the buffer at sequential global position i
// is available. i must be at most the number of buffers already
// yielded by this merge: the next position, or one already yielded,
// which is returned again (an Iterator re-requests positions when it
// rolls back a failed non-blocking read). It returns (nil, false,
// nil) once every rank has closed and been fully drained.
func (m *OrderedMerge) WaitBuffer(ctx context.Context, i int) (*Buffer, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		if i < m.consumed {
			// Every rank before m.rank is closed, so its buffers sit at
			// fixed global positions; walk them to find position i.
			for _, c := range m.chains {
				n := c.Len()
				if i < n {
					buf, _ := c.BufferAt(i)
					return buf, true, nil
				}
				i -= n
			}
			return nil, false, nil
		}
		if m.rank >= len(m.chains) {
			return nil, false, nil
		}
		cur := m.chains[m.rank]
		// Observe closure before the length, so that a buffer appended
		// just before the close is never skipped.
		closed := cur.IsClosed()
		if m.local < cur.Len() {
			buf, _ := cur.BufferAt(m.local)
			m.local++
			m.consumed++
			return buf, true, nil
		}
		if closed {
			if err := cur.Err(); err != nil {
				// A failed rank means the group's view of this channel can
				// never be completed correctly: surface the error instead of
				// silently moving on to the next rank as if cur had merely
				// finished normally.
				return nil, false, err
			}
			m.rank++
			m.local = 0
			continue
		}
		// Block on this rank's chain without holding our own lock, so
		// that a concurrent advance (there should be none, since merges
		// are consumed by a single iterator, but this keeps the lock
		// discipline simple and matches Chain's own rule of never
		// holding a lock across a blocking wait) can't deadlock us.
		m.mu.Unlock()
		err := cur.Wait(ctx)
		m.mu.Lock()
		if err != nil {
			return nil, false, err
		}
	}
}

// IsClosed reports whether the merge has drained every rank to
// completion.
func (m *OrderedMerge) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rank < len(m.chains) {
		return false
	}
	return true
}

// WaitUntilClosed blocks until every rank chain has closed, in rank
// order. If any rank chain failed, it returns that chain's recorded
// error.
func (m *OrderedMerge) WaitUntilClosed(ctx context.Context) error {
	for _, c := range m.chains {
		if err := c.WaitUntilClosed(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package mux

import (
	"context"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/flowmesh/bufchain"
)

// BufferSource is satisfied by both *bufchain.Chain and
// *bufchain.OrderedMerge; it is the shape stream.NewIterator expects
// of its source argument.
type BufferSource interface {
	WaitBuffer(ctx context.Context, i int) (*bufchain.Buffer, bool, error)
}

// A Channel is the receive-side state for one network channel: one
// buffer chain per sender rank, per spec §4.6, plus — for an
// unordered channel — a shared arrival chain that every sender
// appends the same buffer references into, in the true order frames
// were delivered to the dispatcher.
//
// An ordered channel's consumer reads rank 0's chain to completion,
// then rank 1's, and so on (via bufchain.OrderedMerge); an unordered
// channel's consumer reads the arrival chain directly. Either way,
// every per-rank chain is still maintained, because channel closure
// requires every rank to have been heard from: the "closure rule" of
// spec §4.6 is that a channel is fully closed only once all n senders
// have closed their stream to it.
type Channel struct {
	n         int
	selfRank  int
	unordered bool

	perSender []*bufchain.Chain
	arrival   *bufchain.Chain // nil unless unordered

	mu          sync.Mutex
	closedRank  []bool // closedRank[r] is true once rank r's first close has been counted
	closedCount int
}

func newChannel(n, selfRank int, unordered bool) *Channel {
	perSender := make([]*bufchain.Chain, n)
	for i := range perSender {
		perSender[i] = bufchain.New()
	}
	ch := &Channel{
		n:          n,
		selfRank:   selfRank,
		unordered:  unordered,
		perSender:  perSender,
		closedRank: make([]bool, n),
	}
	if unordered {
		ch.arrival = bufchain.New()
	}
	return ch
}

// Append records a buffer received from senderRank. If the channel is
// unordered and the buffer carries at least one element, the same
// buffer is also appended to the shared arrival chain, preserving
// delivery order across senders.
func (ch *Channel) Append(senderRank int, buf *bufchain.Buffer) error {
	if err := ch.perSender[senderRank].Append(buf); err != nil {
		return err
	}
	if ch.unordered && buf.Elements() > 0 {
		return ch.arrival.Append(buf)
	}
	return nil
}

// CloseSender closes senderRank's chain, marking that sender done
// with this channel. Once every rank has closed, an unordered
// channel's arrival chain is closed too (an ordered channel needs no
// equivalent signal: bufchain.OrderedMerge derives closure from the
// per-rank chains directly).
//
// A second CloseSender for the same rank is a protocol error — spec
// §7 names "duplicate END_OF_STREAM" explicitly — and is rejected
// without being counted again: counting it would let closedCount
// reach ch.n while some other rank's chain is still open, which would
// close an unordered channel's arrival chain, and so finish its
// iterator, before every rank has actually closed (spec §8's closure
// invariant).
func (ch *Channel) CloseSender(senderRank int) error {
	ch.mu.Lock()
	if ch.closedRank[senderRank] {
		ch.mu.Unlock()
		return errors.E(errors.Invalid, "mux: duplicate end-of-stream for sender rank")
	}
	ch.closedRank[senderRank] = true
	ch.closedCount++
	allClosed := ch.closedCount >= ch.n
	ch.mu.Unlock()

	ch.perSender[senderRank].Close()
	if allClosed && ch.unordered {
		ch.arrival.Close()
	}
	return nil
}

// Fail closes every chain the channel owns — every per-sender chain,
// plus the arrival chain for an unordered channel — with err, so that
// a dead connection or other transport failure (spec §7) unblocks any
// waiter instead of leaving it hanging.
func (ch *Channel) Fail(err error) {
	for _, c := range ch.perSender {
		c.Fail(err)
	}
	if ch.unordered {
		ch.arrival.Fail(err)
	}
}

// Source returns the buffer source a stream.Iterator should read
// from: the shared arrival chain for an unordered channel, or an
// OrderedMerge over the per-sender chains in rank order otherwise.
func (ch *Channel) Source() BufferSource {
	if ch.unordered {
		return ch.arrival
	}
	return bufchain.NewOrderedMerge(ch.perSender)
}

// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package mux_test

import (
	"context"
	"sort"
	"testing"

	"github.com/grailbio/flowmesh/mux"
	"github.com/grailbio/flowmesh/netgroup"
	"github.com/grailbio/flowmesh/stream"
)

// TestOrderedChannelScatter sets up a 3-worker group and has every
// worker emit its rank-tagged strings to every other worker (plus
// itself) over one ordered channel, then checks that every worker's
// iterator observes rank 0's elements in full before rank 1's, and
// rank 1's in full before rank 2's — the ordered-channel guarantee of
// spec §4.6.
func TestOrderedChannelScatter(t *testing.T) {
	const n = 3
	results := make([][]string, n)

	err := netgroup.ExecuteLocalMock(n, func(g *netgroup.Group) error {
		disp := netgroup.NewDispatcher()
		m := mux.NewMultiplexer(g, disp)
		id, ch := m.NewChannel(false /* ordered */)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		m.Serve(ctx)
		go disp.Run(ctx)

		emitters := make([]*stream.Emitter[string], n)
		for peer := 0; peer < n; peer++ {
			emitters[peer] = stream.NewEmitter[string](m.PeerSink(peer, id), stream.GobCodec[string]{}, stream.DefaultFlushThreshold)
		}
		for peer := 0; peer < n; peer++ {
			for e := 0; e < 2; e++ {
				if err := emitters[peer].Emit(rankString(g.Rank, e)); err != nil {
					return err
				}
			}
			if err := emitters[peer].Close(); err != nil {
				return err
			}
		}

		it := stream.NewIterator[string](ch.Source(), stream.GobCodec[string]{})
		var got []string
		for !it.IsFinished() {
			v, err := it.Next(context.Background())
			if err == stream.EOF {
				break
			}
			if err != nil {
				return err
			}
			got = append(got, v)
		}
		results[g.Rank] = got
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	var want []string
	for rank := 0; rank < n; rank++ {
		want = append(want, rankString(rank, 0), rankString(rank, 1))
	}
	for rank := 0; rank < n; rank++ {
		if got := results[rank]; !exactStrings(got, want) {
			t.Errorf("worker %d: got %v, want %v", rank, got, want)
		}
	}
}

func exactStrings(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

// TestUnorderedChannelClosureRule checks that an unordered channel's
// iterator finishes only once every one of the n senders has closed
// its stream to it — the closure rule of spec §4.6 — even though
// elements may arrive in any order.
func TestUnorderedChannelClosureRule(t *testing.T) {
	const n = 3
	results := make([][]string, n)

	err := netgroup.ExecuteLocalMock(n, func(g *netgroup.Group) error {
		disp := netgroup.NewDispatcher()
		m := mux.NewMultiplexer(g, disp)
		id, ch := m.NewChannel(true /* unordered */)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		m.Serve(ctx)
		go disp.Run(ctx)

		// Every worker sends exactly to worker 0.
		emit := stream.NewEmitter[string](m.PeerSink(0, id), stream.GobCodec[string]{}, stream.DefaultFlushThreshold)
		if err := emit.Emit(rankString(g.Rank, 0)); err != nil {
			return err
		}
		if err := emit.Close(); err != nil {
			return err
		}

		if g.Rank != 0 {
			return nil
		}
		it := stream.NewIterator[string](ch.Source(), stream.GobCodec[string]{})
		var got []string
		for !it.IsFinished() {
			v, err := it.Next(context.Background())
			if err == stream.EOF {
				break
			}
			if err != nil {
				return err
			}
			got = append(got, v)
		}
		results[0] = got
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	var want []string
	for rank := 0; rank < n; rank++ {
		want = append(want, rankString(rank, 0))
	}
	if got := results[0]; !equalStrings(got, want) {
		t.Errorf("got %v, want (in any order) %v", got, want)
	}
}

func rankString(rank, seq int) string {
	return string(rune('a'+rank)) + string(rune('0'+seq))
}

func equalStrings(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	g := append([]string(nil), got...)
	w := append([]string(nil), want...)
	sort.Strings(g)
	sort.Strings(w)
	for i := range g {
		if g[i] != w[i] {
			return false
		}
	}
	return true
}

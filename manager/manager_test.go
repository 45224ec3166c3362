// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package manager_test

import (
	"context"
	"testing"
	"time"

	"github.com/grailbio/flowmesh/manager"
	"github.com/grailbio/flowmesh/netgroup"
	"github.com/grailbio/flowmesh/stream"
)

// TestEmptyChannelsDoNotThrow is seed scenario 1: worker 0 allocates a
// channel and immediately closes both of its network emitters; worker
// 1, after a short delay, allocates the same channel and reads an
// iterator to completion without error.
func TestEmptyChannelsDoNotThrow(t *testing.T) {
	err := netgroup.ExecuteLocalMock(2, func(g *netgroup.Group) error {
		m := manager.New()
		m.Connect(g)
		defer m.Close()

		if g.Rank == 1 {
			time.Sleep(10 * time.Millisecond)
		}
		chID, err := m.AllocateNetworkChannel(false)
		if err != nil {
			return err
		}
		emitters, err := manager.GetNetworkEmitters[string](m, chID)
		if err != nil {
			return err
		}
		for _, e := range emitters {
			if err := e.Close(); err != nil {
				return err
			}
		}
		it, err := manager.GetIterator[string](m, chID)
		if err != nil {
			return err
		}
		if err := it.WaitForAll(context.Background()); err != nil {
			return err
		}
		if !it.IsFinished() {
			t.Error("expected iterator to be finished")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

// TestLocalOnlyScatter is seed scenario 2: a single worker scatters
// its whole source to itself.
func TestLocalOnlyScatter(t *testing.T) {
	err := netgroup.ExecuteLocalMock(1, func(g *netgroup.Group) error {
		m := manager.New()
		m.Connect(g)
		defer m.Close()

		srcID := m.AllocateDIA()
		emit, err := manager.GetLocalEmitter[string](m, srcID)
		if err != nil {
			return err
		}
		values := []string{"foo", "bar", "breakfast at tiffany's"}
		for _, v := range values {
			if err := emit.Emit(v); err != nil {
				return err
			}
		}
		if err := emit.Close(); err != nil {
			return err
		}

		chID, err := m.AllocateNetworkChannel(false)
		if err != nil {
			return err
		}
		if err := manager.Scatter[string](m, srcID, chID, []int{3}); err != nil {
			return err
		}

		it, err := manager.GetIterator[string](m, chID)
		if err != nil {
			return err
		}
		ctx := context.Background()
		for i, want := range values {
			v, err := it.Next(ctx)
			if err != nil {
				t.Fatalf("element %d: %v", i, err)
			}
			if v != want {
				t.Errorf("element %d: got %q, want %q", i, v, want)
			}
		}
		if !it.IsFinished() {
			t.Error("expected iterator to be finished")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

// TestTwoWorkerOrderedScatter is seed scenario 3.
func TestTwoWorkerOrderedScatter(t *testing.T) {
	w0 := []string{"foo", "bar"}
	w1 := []string{"hello", "world", "."}
	offsets := [][]int{
		{0, 2}, // worker 0's scatter: nothing to peer 0, both elements to peer 1
		{3, 3}, // worker 1's scatter: all three elements to peer 0, nothing to peer 1
	}
	want := [][]string{w1, w0} // worker 0 receives w1's range; worker 1 receives w0's range

	results := make([][]string, 2)
	err := netgroup.ExecuteLocalMock(2, func(g *netgroup.Group) error {
		m := manager.New()
		m.Connect(g)
		defer m.Close()

		srcID := m.AllocateDIA()
		emit, err := manager.GetLocalEmitter[string](m, srcID)
		if err != nil {
			return err
		}
		values := w0
		if g.Rank == 1 {
			values = w1
		}
		for _, v := range values {
			if err := emit.Emit(v); err != nil {
				return err
			}
		}
		if err := emit.Close(); err != nil {
			return err
		}

		chID, err := m.AllocateNetworkChannel(false)
		if err != nil {
			return err
		}
		if err := manager.Scatter[string](m, srcID, chID, offsets[g.Rank]); err != nil {
			return err
		}

		it, err := manager.GetIterator[string](m, chID)
		if err != nil {
			return err
		}
		ctx := context.Background()
		var got []string
		for !it.IsFinished() {
			v, err := it.Next(ctx)
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
	for rank := 0; rank < 2; rank++ {
		if !exactStrings(results[rank], want[rank]) {
			t.Errorf("worker %d: got %v, want %v", rank, results[rank], want[rank])
		}
	}
}

// TestThreeWorkerPartialExchange is seed scenario 4.
func TestThreeWorkerPartialExchange(t *testing.T) {
	sources := [][]string{
		{"1", "2"},
		{"3", "4", "5", "6"},
		{},
	}
	offsets := [][]int{
		{2, 2, 2},
		{0, 2, 4},
		{0, 0, 0},
	}
	want := [][]string{
		{"1", "2"},
		{"3", "4"},
		{"5", "6"},
	}

	results := make([][]string, 3)
	err := netgroup.ExecuteLocalMock(3, func(g *netgroup.Group) error {
		m := manager.New()
		m.Connect(g)
		defer m.Close()

		srcID := m.AllocateDIA()
		emit, err := manager.GetLocalEmitter[string](m, srcID)
		if err != nil {
			return err
		}
		for _, v := range sources[g.Rank] {
			if err := emit.Emit(v); err != nil {
				return err
			}
		}
		if err := emit.Close(); err != nil {
			return err
		}

		chID, err := m.AllocateNetworkChannel(false)
		if err != nil {
			return err
		}
		if err := manager.Scatter[string](m, srcID, chID, offsets[g.Rank]); err != nil {
			return err
		}

		it, err := manager.GetIterator[string](m, chID)
		if err != nil {
			return err
		}
		ctx := context.Background()
		var got []string
		for !it.IsFinished() {
			v, err := it.Next(ctx)
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
	for rank := 0; rank < 3; rank++ {
		if !exactStrings(results[rank], want[rank]) {
			t.Errorf("worker %d: got %v, want %v", rank, results[rank], want[rank])
		}
	}
}

// TestFinishRequiresAllEmittersClosed is seed scenario 5: a channel's
// iterator must not report finished until every one of the n senders
// has closed its emitter to it, even if the ones that have closed
// carried no elements.
func TestFinishRequiresAllEmittersClosed(t *testing.T) {
	err := netgroup.ExecuteLocalMock(3, func(g *netgroup.Group) error {
		m := manager.New()
		m.Connect(g)
		defer m.Close()

		chID, err := m.AllocateNetworkChannel(false)
		if err != nil {
			return err
		}
		emitters, err := manager.GetNetworkEmitters[string](m, chID)
		if err != nil {
			return err
		}

		switch g.Rank {
		case 0:
			// Only close the emitter targeting peer 0; peers 1 and 2 never
			// hear from worker 0 on this channel at all.
			if err := emitters[0].Close(); err != nil {
				return err
			}
		case 1:
			if err := emitters[0].Close(); err != nil {
				return err
			}
			if err := emitters[1].Close(); err != nil {
				return err
			}
			// emitters[2] deliberately left open: worker 2 must never
			// observe a finished iterator on this channel.
		case 2:
			// Worker 2 sends nothing and closes nothing, by design.
		}

		if g.Rank == 0 {
			it, err := manager.GetIterator[string](m, chID)
			if err != nil {
				return err
			}
			// Worker 0 only ever hears from itself and worker 1 (which did
			// close its [0] emitter); worker 2 never closes, so worker 0's
			// view of the channel must also never finish. Use a bounded
			// wait instead of blocking forever.
			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
			defer cancel()
			_ = it.WaitForAll(ctx)
			if it.IsFinished() {
				t.Error("worker 0: iterator must not be finished; worker 2 never closed")
			}
		}
		if g.Rank == 1 {
			it, err := manager.GetIterator[string](m, chID)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
			defer cancel()
			_ = it.WaitForAll(ctx)
			if it.IsFinished() {
				t.Error("worker 1: iterator must not be finished; worker 2 never closed")
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

// TestMultiFlushOrderingFromSingleSender is seed scenario 6.
func TestMultiFlushOrderingFromSingleSender(t *testing.T) {
	batches := [][]string{
		{"1"},
		{"2", "3"},
		{"4", "5", "6"},
	}
	var want []string
	for _, b := range batches {
		want = append(want, b...)
	}

	results := make([][]string, 2)
	err := netgroup.ExecuteLocalMock(2, func(g *netgroup.Group) error {
		m := manager.New()
		m.Connect(g)
		defer m.Close()

		chID, err := m.AllocateNetworkChannel(false)
		if err != nil {
			return err
		}
		emitters, err := manager.GetNetworkEmitters[string](m, chID)
		if err != nil {
			return err
		}

		if g.Rank == 0 {
			for _, batch := range batches {
				for _, v := range batch {
					if err := emitters[1].Emit(v); err != nil {
						return err
					}
				}
				if err := emitters[1].Flush(); err != nil {
					return err
				}
			}
		}
		for _, e := range emitters {
			if err := e.Close(); err != nil {
				return err
			}
		}

		if g.Rank == 1 {
			it, err := manager.GetIterator[string](m, chID)
			if err != nil {
				return err
			}
			ctx := context.Background()
			var got []string
			for !it.IsFinished() {
				v, err := it.Next(ctx)
				if err == stream.EOF {
					break
				}
				if err != nil {
					return err
				}
				got = append(got, v)
			}
			results[1] = got
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if !exactStrings(results[1], want) {
		t.Errorf("got %v, want %v", results[1], want)
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

// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package manager

import (
	"context"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/flowmesh/stream"
)

// These are free functions, not methods on *Manager, because Go does
// not allow a method to introduce type parameters beyond its
// receiver's: T is chosen per call site, exactly as it would be for
// mapio's generic readers in the wider example pack.

// GetLocalEmitter returns an Emitter writing into the local DIA named
// by id.
func GetLocalEmitter[T any](m *Manager, id uint64) (*stream.Emitter[T], error) {
	h, err := m.handle(id)
	if err != nil {
		return nil, err
	}
	if h.dia == nil {
		return nil, errors.E(errors.Invalid, "manager: id is not a local DIA")
	}
	return stream.NewEmitter[T](stream.ChainSink(h.dia), stream.GobCodec[T]{}, stream.DefaultFlushThreshold), nil
}

// GetNetworkEmitters returns one Emitter per group member for the
// network channel named by id, indexed by destination rank. Writing
// to the entry for the caller's own rank appends directly to the
// channel's local chain without touching the network.
func GetNetworkEmitters[T any](m *Manager, id uint64) ([]*stream.Emitter[T], error) {
	h, err := m.handle(id)
	if err != nil {
		return nil, err
	}
	if h.channel == nil {
		return nil, errors.E(errors.Invalid, "manager: id is not a network channel")
	}
	emitters := make([]*stream.Emitter[T], m.N())
	for peer := range emitters {
		emitters[peer] = stream.NewEmitter[T](m.mpx.PeerSink(peer, h.muxID), stream.GobCodec[T]{}, stream.DefaultFlushThreshold)
	}
	return emitters, nil
}

// GetIterator returns an Iterator over id's merged view: the DIA
// itself if id names a local DIA, or the rank-ordered (or
// arrival-ordered, for an unordered channel) merge of its per-sender
// chains if id names a network channel.
func GetIterator[T any](m *Manager, id uint64) (*stream.Iterator[T], error) {
	h, err := m.handle(id)
	if err != nil {
		return nil, err
	}
	if h.dia != nil {
		return stream.NewIterator[T](h.dia, stream.GobCodec[T]{}), nil
	}
	return stream.NewIterator[T](h.channel.Source(), stream.GobCodec[T]{}), nil
}

// Scatter ships disjoint ranges of a closed source DIA to every group
// member over a network channel, per spec §4.8. offsets has length
// N(); offsets[i] is the exclusive upper bound, in source elements,
// of the range destined for peer i, with an implicit lower bound of 0
// for peer 0 and offsets[i-1] for peer i>0. offsets must be monotone
// non-decreasing and offsets[N()-1] must equal the source's size.
//
// The range for the caller's own rank is appended directly to the
// channel's local chain; every other range is shipped as one or more
// framed buffers. After every range has been shipped, Scatter closes
// all N() emitters, signalling end-of-stream to every peer.
func Scatter[T any](m *Manager, srcID, channelID uint64, offsets []int) error {
	if len(offsets) != m.N() {
		return errors.E(errors.Invalid, "manager: scatter offsets must have length N()")
	}
	srcH, err := m.handle(srcID)
	if err != nil {
		return err
	}
	if srcH.dia == nil {
		return errors.E(errors.Invalid, "manager: scatter source must be a local DIA")
	}
	if !srcH.dia.IsClosed() {
		return errors.E(errors.Invalid, "manager: scatter source must be closed before scattering")
	}
	if size := srcH.dia.Size(); len(offsets) > 0 && offsets[len(offsets)-1] != size {
		return errors.E(errors.Invalid, "manager: offsets[n-1] must equal source size")
	}
	prev := 0
	for _, off := range offsets {
		if off < prev {
			return errors.E(errors.Invalid, "manager: offsets must be monotone non-decreasing")
		}
		prev = off
	}

	emitters, err := GetNetworkEmitters[T](m, channelID)
	if err != nil {
		return err
	}

	ctx := context.Background()
	it := stream.NewIterator[T](srcH.dia, stream.GobCodec[T]{})
	lower := 0
	for peer, upper := range offsets {
		for i := lower; i < upper; i++ {
			v, err := it.Next(ctx)
			if err != nil {
				return err
			}
			if err := emitters[peer].Emit(v); err != nil {
				return err
			}
		}
		if err := emitters[peer].Flush(); err != nil {
			return err
		}
		lower = upper
	}
	for _, e := range emitters {
		if err := e.Close(); err != nil {
			return err
		}
	}
	return nil
}

// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package manager implements the top-level façade described in spec
// §4.7: allocating local DIAs and network channels, handing out typed
// emitters and iterators over them, and driving Scatter.
package manager

import (
	"context"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/flowmesh/bufchain"
	"github.com/grailbio/flowmesh/mux"
	"github.com/grailbio/flowmesh/netgroup"
)

// handle is the tagged union an id resolves to: exactly one of dia or
// channel is non-nil. Keeping both kinds of allocation in one id
// space is what lets GetIterator read either a local DIA or a network
// channel's merged view uniformly.
type handle struct {
	dia     *bufchain.Chain
	channel *mux.Channel
	muxID   uint32 // valid only when channel != nil
}

// A Manager owns every DIA and network channel a worker has allocated
// and, once Connect has been called, the Multiplexer and Dispatcher
// that drive its network channels' I/O.
type Manager struct {
	mu      sync.Mutex
	nextID  uint64
	handles map[uint64]*handle

	group  *netgroup.Group
	disp   *netgroup.Dispatcher
	mpx    *mux.Multiplexer
	cancel context.CancelFunc
}

// New returns an unconnected Manager. AllocateDIA and its emitters
// and iterators work immediately; AllocateNetworkChannel requires
// Connect first.
func New() *Manager {
	return &Manager{handles: make(map[uint64]*handle)}
}

// AllocateDIA allocates a local buffer chain and returns its id.
func (m *Manager) AllocateDIA() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.handles[id] = &handle{dia: bufchain.New()}
	return id
}

// AllocateNetworkChannel allocates a multi-sender channel and returns
// its id. If unordered is true, the channel's merged view yields
// elements in arrival order; otherwise it yields rank 0's elements in
// full, then rank 1's, and so on, per spec §4.6. Every group member
// must call AllocateNetworkChannel the same number of times, in the
// same order, as every other member (see Multiplexer.NewChannel).
func (m *Manager) AllocateNetworkChannel(unordered bool) (uint64, error) {
	if m.mpx == nil {
		return 0, errors.E(errors.Invalid, "manager: AllocateNetworkChannel before Connect")
	}
	muxID, ch := m.mpx.NewChannel(unordered)
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.handles[id] = &handle{channel: ch, muxID: muxID}
	return id, nil
}

// Connect binds the manager to a communication group: it constructs a
// Multiplexer and Dispatcher over group and starts servicing incoming
// frames. Connect must be called before any AllocateNetworkChannel or
// Scatter call.
func (m *Manager) Connect(group *netgroup.Group) {
	ctx, cancel := context.WithCancel(context.Background())
	m.group = group
	m.disp = netgroup.NewDispatcher()
	m.mpx = mux.NewMultiplexer(group, m.disp)
	m.cancel = cancel
	m.mpx.Serve(ctx)
	go m.disp.Run(ctx)
}

// Close stops servicing the manager's group, if any, and closes its
// connections.
func (m *Manager) Close() error {
	if m.cancel != nil {
		m.cancel()
	}
	if m.group != nil {
		return m.group.Close()
	}
	return nil
}

// Rank returns the local group member's rank, or 0 if the manager has
// not been connected.
func (m *Manager) Rank() int {
	if m.group == nil {
		return 0
	}
	return m.group.Rank
}

// N returns the size of the manager's group, or 1 if the manager has
// not been connected.
func (m *Manager) N() int {
	if m.group == nil {
		return 1
	}
	return m.group.N
}

func (m *Manager) handle(id uint64) (*handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[id]
	if !ok {
		return nil, errors.E(errors.Invalid, "manager: unknown id")
	}
	return h, nil
}

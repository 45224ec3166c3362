// Copyright 2015 Timo Bingmann, Tobias Sturm.
// Adapted for flowmesh under the Apache 2.0 license.

// Package netgroup implements the communication Group and the
// single-threaded Dispatcher that delivers connection readiness to
// it, as described in spec §4.5. A Group is a fixed-size collection
// of point-to-point byte streams indexed by peer rank; the entry for
// the caller's own rank is unused.
package netgroup

import (
	"net"
	"sync"

	"github.com/grailbio/base/data"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// A Group owns n-1 bidirectional connections to the other members of
// a fixed-size, all-to-all connected worker set. Connections are
// constructed once, at job start, and are assumed stable for the
// job's lifetime: flowmesh does not attempt to reconnect a failed
// peer (spec §1 Non-goals).
type Group struct {
	// Rank is this member's index within the group, 0 <= Rank < N.
	Rank int
	// N is the size of the group.
	N int

	conns []net.Conn // conns[Rank] is unused

	sendMu []sync.Mutex // one send mutex per connection, keeps frames atomic on the wire
}

// New returns a Group of size n for the given rank, with connections
// supplied by conns (conns[rank] is ignored and may be nil).
func New(rank, n int, conns []net.Conn) *Group {
	if len(conns) != n {
		panic("netgroup: conns must have length n")
	}
	return &Group{
		Rank:   rank,
		N:      n,
		conns:  conns,
		sendMu: make([]sync.Mutex, n),
	}
}

// Conn returns the connection to peer, or nil if peer == g.Rank.
func (g *Group) Conn(peer int) net.Conn {
	if peer < 0 || peer >= g.N || peer == g.Rank {
		return nil
	}
	return g.conns[peer]
}

// WriteFrame writes p to the connection for peer, holding that
// connection's send mutex for the duration so that concurrent sends
// to the same peer never interleave their bytes on the wire.
func (g *Group) WriteFrame(peer int, p []byte) error {
	conn := g.Conn(peer)
	if conn == nil {
		return errors.E(errors.Invalid, "netgroup: no connection to peer")
	}
	g.sendMu[peer].Lock()
	defer g.sendMu[peer].Unlock()
	n, err := conn.Write(p)
	if err != nil {
		return errors.E(errors.Fatal, err)
	}
	log.Debug.Printf("netgroup: rank %d: wrote %s to peer %d", g.Rank, data.Size(n), peer)
	return nil
}

// Close closes every connection in the group.
func (g *Group) Close() error {
	var firstErr error
	for i, c := range g.conns {
		if i == g.Rank || c == nil {
			continue
		}
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

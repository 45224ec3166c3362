// Copyright 2015 Timo Bingmann, Tobias Sturm.
// Adapted for flowmesh under the Apache 2.0 license.

package netgroup

import (
	"net"

	"golang.org/x/sync/errgroup"
)

// ExecuteLocalMock constructs n groups wired together by in-memory
// pipes, so that group[i]'s connection to j and group[j]'s connection
// to i are the two ends of the same net.Pipe, and runs fn(group[i])
// concurrently for every i. It is the Go counterpart of c7a's
// NetGroup::ExecuteLocalMock (c7a/net/net_group.cpp), used throughout
// flowmesh's test suite for deterministic, in-process multi-worker
// scenarios.
//
// ExecuteLocalMock returns the first non-nil error returned by any
// fn(group[i]), after every invocation has completed.
func ExecuteLocalMock(n int, fn func(*Group) error) error {
	conns := make([][]net.Conn, n)
	for i := range conns {
		conns[i] = make([]net.Conn, n)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			a, b := net.Pipe()
			conns[i][j] = a
			conns[j][i] = b
		}
	}

	groups := make([]*Group, n)
	for i := range groups {
		groups[i] = New(i, n, conns[i])
	}

	var g errgroup.Group
	for i := range groups {
		i := i
		g.Go(func() error { return fn(groups[i]) })
	}
	return g.Wait()
}

// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package netgroup

import (
	"context"
	"io"
	"net"
	"sync"

	"github.com/grailbio/base/log"
)

// A ReadFunc performs exactly one blocking read from conn — for
// example, one wire frame's worth of header and payload — off the
// dispatcher thread, and returns a work closure that applies the
// corresponding state change (appending to a buffer chain, say).
// The returned work closure is later invoked on the dispatcher
// thread, so that even though reads for distinct peers proceed
// concurrently, state mutation is always serialized through a single
// goroutine. A non-nil error (other than io.EOF on graceful peer
// shutdown) is a transport error: fatal to the job per spec §7.
type ReadFunc func(conn net.Conn) (work func(), err error)

// Dispatcher is a single-threaded event loop: readiness for every
// registered connection is delivered, one at a time, to work
// closures produced by that connection's ReadFunc. This mirrors the
// "single-threaded dispatcher owning a polling primitive" of spec
// §4.5 — with one adaptation for idiomatic Go: rather than one
// thread polling raw socket readiness (the original c7a/thrill
// design, and what a raw epoll/kqueue loop would require), each
// connection gets its own reader goroutine that blocks in ReadFunc,
// and the dispatcher goroutine itself only ever runs the resulting
// work closures, one after another. Readers race to produce work;
// the dispatcher never does.
type Dispatcher struct {
	submit chan func()

	mu     sync.Mutex
	failed error
	onFail func(error)
}

// NewDispatcher returns a Dispatcher; call Run to start delivering
// work.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{submit: make(chan func())}
}

// OnFail registers f to be called, on the calling goroutine, the
// first time Fail is called — synchronously, before Fail returns. A
// mux.Multiplexer uses this to close every channel it owns with a
// retrievable error the moment its connections stop being trustworthy
// (spec §7: a transport error must unblock every waiter instead of
// leaving it blocked forever). OnFail must be called before Fail can
// race with it; it is not safe to register after Run starts if
// readers may already be failing concurrently.
func (d *Dispatcher) OnFail(f func(error)) {
	d.mu.Lock()
	d.onFail = f
	d.mu.Unlock()
}

// Run drains submitted work until ctx is done. It is the dispatcher
// thread: call it from exactly one goroutine.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case f := <-d.submit:
			f()
		case <-ctx.Done():
			return
		}
	}
}

// Register starts a reader goroutine for conn that repeatedly calls
// read, submitting each resulting work closure to the dispatcher.
// Register returns immediately; the reader goroutine runs until ctx
// is done or read returns an error.
func (d *Dispatcher) Register(ctx context.Context, name string, conn net.Conn, read ReadFunc) {
	go func() {
		for {
			work, err := read(conn)
			if err != nil {
				if err == io.EOF {
					// Peer closed the connection after its last frame: a
					// graceful shutdown, not a transport failure.
					return
				}
				d.Fail(err)
				log.Error.Printf("netgroup: dispatcher: %s: %v", name, err)
				return
			}
			if work == nil {
				continue
			}
			select {
			case d.submit <- work:
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Fail records a fatal transport error and invokes the callback
// registered via OnFail, if any. Only the first call has any effect;
// subsequent calls are no-ops.
func (d *Dispatcher) Fail(err error) {
	d.mu.Lock()
	if d.failed != nil {
		d.mu.Unlock()
		return
	}
	d.failed = err
	onFail := d.onFail
	d.mu.Unlock()
	if onFail != nil {
		onFail(err)
	}
}

// Err returns the first transport error recorded via Fail, or nil.
func (d *Dispatcher) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.failed
}

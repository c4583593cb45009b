package main

import (
	"sync"

	"github.com/sipstack/sipstack/sip"
)

// connRegistry is the minimal in-process side of the "transport connection
// pool" shared resource (spec §5/§9 "Shared resources"): it maps a
// ConnHandle to the live sip.Connection it names, satisfying
// outbound.Resolver so flow tokens decode back to a real connection. A
// real transport collaborator registers/forgets connections here as they
// open and close; dialing/listening itself stays out of scope (spec.md's
// "Out of scope" list names the transport layer as an external
// collaborator).
type connRegistry struct {
	mu    sync.RWMutex
	conns map[sip.ConnHandle]sip.Connection
}

func newConnRegistry() *connRegistry {
	return &connRegistry{conns: make(map[sip.ConnHandle]sip.Connection)}
}

// Register records conn under its own handle, called by the transport
// collaborator when a connection is accepted or dialed.
func (r *connRegistry) Register(conn sip.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[conn.Handle()] = conn
}

// Forget removes handle, called on connection close so a later flow-token
// decode for the same (reused) index but a stale generation correctly
// misses and surfaces flow_failed rather than finding a different peer.
func (r *connRegistry) Forget(handle sip.ConnHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, handle)
}

// Resolve implements outbound.Resolver.
func (r *connRegistry) Resolve(handle sip.ConnHandle) (sip.Connection, error) {
	r.mu.RLock()
	conn, ok := r.conns[handle]
	r.mu.RUnlock()
	if !ok {
		return nil, &sip.ErrConnGone{Handle: handle}
	}
	return conn, nil
}

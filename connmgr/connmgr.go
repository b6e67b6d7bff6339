// Package connmgr implements the ConnectionManager (spec.md §4.I):
// deduplication and the at-most-one-active-connection-per-peer invariant.
package connmgr

import (
	"context"
	"sync"

	golog "github.com/ipfs/go-log"

	"github.com/qri-io/swarmd/conn"
	"github.com/qri-io/swarmd/event"
	"github.com/qri-io/swarmd/peer"
)

var log = golog.Logger("connmgr")

// Manager tracks the active PeerConnections for every known remote peer.
type Manager struct {
	bus event.Bus

	mu    sync.Mutex
	byID  map[peer.ID][]*conn.PeerConnection
	peers map[peer.ID]*peer.Peer
}

// New constructs an empty ConnectionManager publishing PeerDisconnected
// events to bus.
func New(bus event.Bus) *Manager {
	return &Manager{
		bus:   bus,
		byID:  map[peer.ID][]*conn.PeerConnection{},
		peers: map[peer.ID]*peer.Peer{},
	}
}

// Add indexes c by its remote peer id (spec.md §4.I add). If an entry for
// this exact connection object is already present, it is returned
// unchanged rather than duplicated. Adding subscribes the manager to c's
// Closed notification so self-disposal flows through Remove too.
func (m *Manager) Add(c *conn.PeerConnection) *conn.PeerConnection {
	p := c.RemotePeer()
	if p == nil {
		return c
	}
	id := p.ID()

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.byID[id] {
		if existing == c {
			return existing
		}
	}
	m.byID[id] = append(m.byID[id], c)
	m.peers[id] = p
	if p.ConnectedAddr() == nil {
		p.SetConnectedAddr(c.RemoteAddr())
	}

	c.OnClosed(func(closed *conn.PeerConnection) {
		m.Remove(closed)
	})
	return c
}

// Remove drops c from its peer's connection list, disposes it, and — if
// that empties the list — clears the peer's connected address and
// publishes PeerDisconnected; otherwise the peer's connected address is
// set to the remaining, most-recently-added connection's remote address
// (spec.md §4.I remove(conn)).
func (m *Manager) Remove(c *conn.PeerConnection) {
	p := c.RemotePeer()
	if p == nil {
		_ = c.Dispose()
		return
	}
	id := p.ID()

	m.mu.Lock()
	conns := m.byID[id]
	found := false
	out := conns[:0]
	for _, existing := range conns {
		if existing == c {
			found = true
		} else {
			out = append(out, existing)
		}
	}
	if !found {
		m.mu.Unlock()
		_ = c.Dispose()
		return
	}
	if len(out) == 0 {
		delete(m.byID, id)
	} else {
		m.byID[id] = out
	}
	m.mu.Unlock()

	_ = c.Dispose()

	if len(out) == 0 {
		p.SetConnectedAddr(nil)
		if m.bus != nil {
			m.bus.Publish(context.Background(), event.ETSwarmPeerDisconnected, p)
		}
	} else {
		p.SetConnectedAddr(out[len(out)-1].RemoteAddr())
	}
}

// RemovePeer disposes and removes every connection registered for id.
func (m *Manager) RemovePeer(id peer.ID) {
	m.mu.Lock()
	conns := append([]*conn.PeerConnection{}, m.byID[id]...)
	m.mu.Unlock()
	for _, c := range conns {
		m.Remove(c)
	}
}

// TryGet returns the first active connection registered for id, or nil.
// This lookup has no side effects: it neither prunes stale entries nor
// mutates peer state (spec.md §9 Open Question: TryGet is read-only).
func (m *Manager) TryGet(id peer.ID) *conn.PeerConnection {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.byID[id] {
		if c.IsActive() {
			return c
		}
	}
	return nil
}

// IsConnected reports whether TryGet would return a connection for id.
func (m *Manager) IsConnected(id peer.ID) bool {
	return m.TryGet(id) != nil
}

// Len reports the number of distinct peers with at least one active
// connection (the `active_connections` count spec.md §4.K/§4.L reason
// about).
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

// Clear disposes and removes every tracked connection.
func (m *Manager) Clear() {
	m.mu.Lock()
	all := map[peer.ID][]*conn.PeerConnection{}
	for id, conns := range m.byID {
		all[id] = append([]*conn.PeerConnection{}, conns...)
	}
	m.byID = map[peer.ID][]*conn.PeerConnection{}
	m.mu.Unlock()

	for _, conns := range all {
		for _, c := range conns {
			_ = c.Dispose()
		}
	}
}

// Package peer models a networked participant: a content-addressed hash of
// its long-term public key, its known addresses, and the handful of
// attributes the identify exchange (spec.md §6) fills in over time.
package peer

import (
	"sync"
	"time"

	ic "github.com/libp2p/go-libp2p-crypto"
	p2ppeer "github.com/libp2p/go-libp2p-peer"
	ma "github.com/multiformats/go-multiaddr"
)

// ID is the peer identity type: a content-addressed hash of a public key.
type ID = p2ppeer.ID

// IDFromPublicKey derives a peer ID from a public key, satisfying spec.md
// §3's invariant `peer.id == hash(peer.public_key)`.
func IDFromPublicKey(pk ic.PubKey) (ID, error) {
	return p2ppeer.IDFromPublicKey(pk)
}

// IDFromString decodes the base58 peer-id string carried by a multiaddress
// p2p/ipfs component.
func IDFromString(s string) (ID, error) {
	return p2ppeer.IDB58Decode(s)
}

// Peer is a single known participant. All fields are guarded by mu; callers
// never see partially-updated state.
type Peer struct {
	mu sync.RWMutex

	id     ID
	pubKey ic.PubKey

	addrs map[string]ma.Multiaddr

	agentVersion    string
	protocolVersion string
	connectedAddr   ma.Multiaddr
	latency         time.Duration
}

// New constructs an empty Peer for id.
func New(id ID) *Peer {
	return &Peer{id: id, addrs: map[string]ma.Multiaddr{}}
}

// ID returns the peer's identity.
func (p *Peer) ID() ID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.id
}

// PublicKey returns the peer's public key, or nil if unknown.
func (p *Peer) PublicKey() ic.PubKey {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pubKey
}

// SetPublicKey records the peer's public key.
func (p *Peer) SetPublicKey(pk ic.PubKey) {
	p.mu.Lock()
	p.pubKey = pk
	p.mu.Unlock()
}

// Addrs returns a snapshot of the peer's known addresses.
func (p *Peer) Addrs() []ma.Multiaddr {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]ma.Multiaddr, 0, len(p.addrs))
	for _, a := range p.addrs {
		out = append(out, a)
	}
	return out
}

// AddAddr adds a to the peer's known addresses, returning true if it was
// not already present (the union-merge of spec.md §4.B).
func (p *Peer) AddAddr(a ma.Multiaddr) bool {
	if a == nil {
		return false
	}
	key := a.String()
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.addrs[key]; ok {
		return false
	}
	p.addrs[key] = a
	return true
}

// AddAddrs adds every address in as.
func (p *Peer) AddAddrs(as []ma.Multiaddr) {
	for _, a := range as {
		p.AddAddr(a)
	}
}

// RemoveAddr drops a from the peer's known addresses.
func (p *Peer) RemoveAddr(a ma.Multiaddr) {
	if a == nil {
		return
	}
	p.mu.Lock()
	delete(p.addrs, a.String())
	p.mu.Unlock()
}

// ConnectedAddr returns the remote address of one of the peer's active
// connections, or nil if it has none. The connection manager records the
// first added connection's address while none is set, and on removal the
// address of the most recently added remaining connection.
func (p *Peer) ConnectedAddr() ma.Multiaddr {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connectedAddr
}

// SetConnectedAddr updates the peer's connected address.
func (p *Peer) SetConnectedAddr(a ma.Multiaddr) {
	p.mu.Lock()
	p.connectedAddr = a
	p.mu.Unlock()
}

// AgentVersion returns the peer's advertised agent version string.
func (p *Peer) AgentVersion() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.agentVersion
}

// SetAgentVersion records the peer's advertised agent version.
func (p *Peer) SetAgentVersion(v string) {
	p.mu.Lock()
	p.agentVersion = v
	p.mu.Unlock()
}

// ProtocolVersion returns the peer's advertised protocol version string.
func (p *Peer) ProtocolVersion() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.protocolVersion
}

// SetProtocolVersion records the peer's advertised protocol version.
func (p *Peer) SetProtocolVersion(v string) {
	p.mu.Lock()
	p.protocolVersion = v
	p.mu.Unlock()
}

// Latency returns the most recently measured round-trip latency.
func (p *Peer) Latency() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.latency
}

// SetLatency records a measured round-trip latency.
func (p *Peer) SetLatency(d time.Duration) {
	p.mu.Lock()
	p.latency = d
	p.mu.Unlock()
}

// Merge folds other's non-null fields into p and unions address lists, per
// spec.md §4.B's merge rule: "take non-null agent/protocol/public-key/
// latency from the new peer, union the address lists; otherwise keep
// existing."
func (p *Peer) Merge(other *Peer) {
	if other == nil {
		return
	}
	if pk := other.PublicKey(); pk != nil {
		p.SetPublicKey(pk)
	}
	if av := other.AgentVersion(); av != "" {
		p.SetAgentVersion(av)
	}
	if pv := other.ProtocolVersion(); pv != "" {
		p.SetProtocolVersion(pv)
	}
	if lat := other.Latency(); lat != 0 {
		p.SetLatency(lat)
	}
	p.AddAddrs(other.Addrs())
}

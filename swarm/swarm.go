// Package swarm implements the Swarm (spec.md §4.J): dial coordinator,
// listener set, policy gate, and (per spec.md §4.B) the peer registry that
// lives inside it.
package swarm

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	golog "github.com/ipfs/go-log"
	ic "github.com/libp2p/go-libp2p-crypto"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr-net"

	"github.com/qri-io/swarmd/addrfilter"
	"github.com/qri-io/swarmd/bwc"
	"github.com/qri-io/swarmd/conn"
	"github.com/qri-io/swarmd/connmgr"
	"github.com/qri-io/swarmd/event"
	"github.com/qri-io/swarmd/identify"
	"github.com/qri-io/swarmd/peer"
	"github.com/qri-io/swarmd/sec"
	"github.com/qri-io/swarmd/transport"
)

var log = golog.Logger("swarm")

// TransportConnectionTimeout bounds how long dial races all candidate
// addresses for a peer (spec.md §4.J dial).
const TransportConnectionTimeout = 30 * time.Second

// ErrNotRunning is returned by operations attempted against a Swarm that
// has not been started or has already been shut down.
var ErrNotRunning = errors.New("swarm: not running")

// ErrMissingPeerID is returned by RegisterPeerAddress for an address that
// does not end in a peer-id protocol.
var ErrMissingPeerID = errors.New("swarm: address does not carry a peer id")

// ErrDenied is returned when the composite policy rejects a peer or
// address.
var ErrDenied = errors.New("swarm: denied by policy")

// Config carries a Swarm's fixed identity and protocol configuration.
type Config struct {
	LocalKey        ic.PrivKey
	Transports      *transport.Registry
	Security        []sec.Transport
	Protector       conn.Protector
	Bus             event.Bus
	ProtocolVersion string
	AgentVersion    string
}

type listener struct {
	cancel context.CancelFunc
	token  string
}

type dialFuture struct {
	done chan struct{}
	conn *conn.PeerConnection
	err  error
}

// Swarm is the top-level coordinator: it owns the peer registry, the
// listener set, outstanding dial futures, and the connection manager.
type Swarm struct {
	cfg     Config
	localID peer.ID

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	ctx       context.Context
	peers     map[peer.ID]*peer.Peer
	localPeer *peer.Peer
	policy    *addrfilter.Policy
	listeners map[string]*listener
	pending   map[peer.ID]*dialFuture
	inbound   map[string]struct{} // remote address strings currently handshaking inbound

	connMgr *connmgr.Manager
	bwCtr   *bwc.Counter
}

// New constructs a Swarm identified by cfg.LocalKey. Call Start before
// dialing or listening.
func New(cfg Config) (*Swarm, error) {
	localID, err := peer.IDFromPublicKey(cfg.LocalKey.GetPublic())
	if err != nil {
		return nil, fmt.Errorf("swarm: deriving local peer id: %w", err)
	}
	return &Swarm{
		cfg:       cfg,
		localID:   localID,
		peers:     map[peer.ID]*peer.Peer{},
		localPeer: peer.New(localID),
		policy:    addrfilter.NewPolicy(),
		listeners: map[string]*listener{},
		pending:   map[peer.ID]*dialFuture{},
		inbound:   map[string]struct{}{},
		connMgr:   connmgr.New(cfg.Bus),
		bwCtr:     bwc.NewCounter(),
	}, nil
}

// Policy returns the swarm-level deny/allow policy (spec.md §4.A/§4.J).
func (s *Swarm) Policy() *addrfilter.Policy { return s.policy }

// BandwidthCounter returns the swarm-wide byte counter every PeerConnection
// wraps its underlying stream in (spec.md §3 PeerConnection: "owns one
// duplex byte stream (wrapped in a byte-counting adapter)").
func (s *Swarm) BandwidthCounter() *bwc.Counter { return s.bwCtr }

// LocalID returns the swarm's own peer id.
func (s *Swarm) LocalID() peer.ID { return s.localID }

// LocalPeer returns the Peer record describing this swarm, including its
// listen addresses.
func (s *Swarm) LocalPeer() *peer.Peer { return s.localPeer }

// ConnectionManager returns the swarm's ConnectionManager.
func (s *Swarm) ConnectionManager() *connmgr.Manager { return s.connMgr }

// Start marks the swarm running; dial and listen operations fail with
// ErrNotRunning before this or after Shutdown.
func (s *Swarm) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
}

// Shutdown stops all listeners, clears the connection manager, clears the
// peer registry, and resets both policy lists (spec.md §4.J).
func (s *Swarm) Shutdown() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	keys := make([]string, 0, len(s.listeners))
	for key, l := range s.listeners {
		l.cancel()
		keys = append(keys, key)
	}
	s.listeners = map[string]*listener{}
	s.peers = map[peer.ID]*peer.Peer{}
	cancel := s.cancel
	s.mu.Unlock()

	for _, key := range keys {
		if a, err := ma.NewMultiaddr(key); err == nil {
			s.localPeer.RemoveAddr(a)
		}
	}

	if cancel != nil {
		cancel()
	}
	s.connMgr.Clear()
	s.policy.Reset()
}

func (s *Swarm) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// IsRunning reports whether the swarm has been started and not yet shut
// down.
func (s *Swarm) IsRunning() bool { return s.isRunning() }

// --- Peer registry (spec.md §4.B) ---

// RegisterPeerAddress registers a bare address as belonging to whatever
// peer id it carries as its trailing component.
func (s *Swarm) RegisterPeerAddress(addr ma.Multiaddr) error {
	id, err := peerIDFromAddr(addr)
	if err != nil {
		return ErrMissingPeerID
	}
	p := peer.New(id)
	p.AddAddr(addr)
	return s.RegisterPeer(p)
}

// RegisterPeer merges p into the registry, enforcing policy and the
// local-peer exclusion (spec.md §4.B).
func (s *Swarm) RegisterPeer(p *peer.Peer) error {
	if p == nil || p.ID() == "" {
		return errors.New("swarm: peer id is required")
	}
	if p.ID() == s.localID {
		return errors.New("swarm: refusing to register the local peer")
	}
	for _, a := range p.Addrs() {
		if !s.policy.Allowed(a) {
			return ErrDenied
		}
	}

	s.mu.Lock()
	existing, found := s.peers[p.ID()]
	if !found {
		s.peers[p.ID()] = p
	} else {
		existing.Merge(p)
	}
	s.mu.Unlock()

	if !found {
		if s.cfg.Bus != nil {
			s.cfg.Bus.Publish(context.Background(), event.ETSwarmPeerDiscovered, p)
		}
	}
	return nil
}

// DeregisterPeer removes the peer registered under id from the registry and
// publishes PeerRemoved with that peer.
func (s *Swarm) DeregisterPeer(id peer.ID) {
	s.mu.Lock()
	p, found := s.peers[id]
	delete(s.peers, id)
	s.mu.Unlock()
	if found && s.cfg.Bus != nil {
		s.cfg.Bus.Publish(context.Background(), event.ETSwarmPeerRemoved, p)
	}
}

// Peer returns the registered Peer for id, or nil.
func (s *Swarm) Peer(id peer.ID) *peer.Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peers[id]
}

// Peers returns a snapshot of every registered peer, not including the
// local peer.
func (s *Swarm) Peers() []*peer.Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*peer.Peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	return out
}

// IsAllowed reports whether every one of p's known addresses passes the
// composite policy (spec.md §4.J is_allowed).
func (s *Swarm) IsAllowed(p *peer.Peer) bool {
	return s.policy.AllowedAddrs(p.Addrs())
}

// HasPendingDial reports whether id already has an outbound dial future in
// flight.
func (s *Swarm) HasPendingDial(id peer.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[id]
	return ok
}

// --- Dial coordination (spec.md §4.J connect/dial/dial_one) ---

// Connect registers p, returns its existing active connection if any,
// otherwise dials it, memoising concurrent callers onto the same future.
func (s *Swarm) Connect(ctx context.Context, p *peer.Peer) (*conn.PeerConnection, error) {
	if !s.isRunning() {
		return nil, ErrNotRunning
	}
	if err := s.RegisterPeer(p); err != nil {
		return nil, err
	}
	id := p.ID()

	if existing := s.connMgr.TryGet(id); existing != nil {
		return existing, nil
	}

	s.mu.Lock()
	if f, ok := s.pending[id]; ok {
		s.mu.Unlock()
		<-f.done
		return f.conn, f.err
	}
	f := &dialFuture{done: make(chan struct{})}
	s.pending[id] = f
	s.mu.Unlock()

	linked, cancel := s.linkedContext(ctx)
	defer cancel()

	c, err := s.dial(linked, s.Peer(id))

	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()

	f.conn, f.err = c, err
	close(f.done)

	if err != nil {
		if s.cfg.Bus != nil {
			s.cfg.Bus.Publish(context.Background(), event.ETSwarmPeerNotReachable, p)
		}
		return nil, err
	}
	return c, nil
}

func (s *Swarm) linkedContext(caller context.Context) (context.Context, context.CancelFunc) {
	s.mu.Lock()
	swarmCtx := s.ctx
	s.mu.Unlock()
	merged, cancel := context.WithCancel(caller)
	go func() {
		select {
		case <-swarmCtx.Done():
			cancel()
		case <-merged.Done():
		}
	}()
	return merged, cancel
}

// dial resolves p's addresses (subtracting ones the swarm is itself
// listening on, to prevent self-dial), then races dial_one over all of
// them under TransportConnectionTimeout.
func (s *Swarm) dial(ctx context.Context, p *peer.Peer) (*conn.PeerConnection, error) {
	ctx, cancel := context.WithTimeout(ctx, TransportConnectionTimeout)
	defer cancel()

	addrs := s.dialableAddrs(p)
	if len(addrs) == 0 {
		return nil, fmt.Errorf("swarm: no dialable addresses for peer %s", p.ID())
	}

	type result struct {
		c   *conn.PeerConnection
		err error
	}
	resCh := make(chan result, len(addrs))
	raceCtx, raceCancel := context.WithCancel(ctx)
	defer raceCancel()

	for _, addr := range addrs {
		addr := addr
		go func() {
			c, err := s.dialOne(raceCtx, p, addr)
			resCh <- result{c, err}
		}()
	}

	var failures error
	for range addrs {
		r := <-resCh
		if r.err == nil {
			raceCancel()
			return s.finishOutboundConnection(r.c, p)
		}
		failures = multierror.Append(failures, r.err)
	}
	return nil, fmt.Errorf("swarm: all addresses failed: %w", failures)
}

// finishOutboundConnection hands a freshly initiated connection to the
// ConnectionManager and publishes ConnectionEstablished if it was not a
// collapse with an already-retained connection.
func (s *Swarm) finishOutboundConnection(c *conn.PeerConnection, p *peer.Peer) (*conn.PeerConnection, error) {
	retained := s.connMgr.Add(c)
	if retained == c && s.cfg.Bus != nil {
		s.cfg.Bus.Publish(context.Background(), event.ETSwarmConnectionEstablished, retained)
	}
	return retained, nil
}

// dialOne opens a transport connection to addr and runs the outbound
// handshake.
func (s *Swarm) dialOne(ctx context.Context, p *peer.Peer, addr ma.Multiaddr) (*conn.PeerConnection, error) {
	protoName, err := transportProtocolName(addr)
	if err != nil {
		return nil, err
	}
	tr, err := s.cfg.Transports.Transport(protoName)
	if err != nil {
		return nil, err
	}

	base, err := tr.Connect(ctx, addr)
	if err != nil {
		return nil, err
	}

	pc := conn.New(s.connConfig())
	if err := pc.Initiate(ctx, base, nil, addr, p.ID()); err != nil {
		_ = base.Close()
		return nil, err
	}
	return pc, nil
}

func (s *Swarm) connConfig() conn.Config {
	return conn.Config{
		LocalID:         s.localID,
		LocalKey:        s.cfg.LocalKey,
		Security:        s.cfg.Security,
		Protector:       s.cfg.Protector,
		Bus:             s.cfg.Bus,
		BandwidthCtr:    s.bwCtr,
		ProtocolVersion: s.cfg.ProtocolVersion,
		AgentVersion:    s.cfg.AgentVersion,
		OnIdentity:      s.onIdentity,
	}
}

func (s *Swarm) onIdentity(snap *identify.Snapshot, remoteAddr ma.Multiaddr) (*peer.Peer, error) {
	id, err := peer.IDFromPublicKey(snap.PublicKey)
	if err != nil {
		return nil, err
	}
	p := s.Peer(id)
	if p == nil {
		p = peer.New(id)
	}
	p.SetPublicKey(snap.PublicKey)
	p.SetAgentVersion(snap.AgentVersion)
	p.SetProtocolVersion(snap.ProtocolVersion)
	p.AddAddrs(snap.ListenAddrs)
	if remoteAddr != nil {
		p.AddAddr(remoteAddr)
	}
	if err := s.RegisterPeer(p); err != nil {
		return nil, err
	}
	return s.Peer(id), nil
}

// dialableAddrs resolves p's known addresses, tagging each with the peer
// id, and subtracts any address the swarm is itself listening on.
func (s *Swarm) dialableAddrs(p *peer.Peer) []ma.Multiaddr {
	s.mu.Lock()
	listening := make(map[string]struct{}, len(s.listeners))
	for key := range s.listeners {
		listening[key] = struct{}{}
	}
	s.mu.Unlock()

	suffix, err := ma.NewMultiaddr("/p2p/" + p.ID().Pretty())
	if err != nil {
		return nil
	}
	var out []ma.Multiaddr
	for _, a := range p.Addrs() {
		bare, _, err := splitPeerID(a)
		if err != nil {
			bare = a
		}
		if _, isLocal := listening[bare.String()]; isLocal {
			continue
		}
		out = append(out, bare.Encapsulate(suffix))
	}
	return out
}

// --- Listener management (spec.md §4.J) ---

// StartListening asks the configured transport for addr to listen,
// expands wildcard IPs into the host's unicast addresses, and unions the
// results into the local peer's address list.
func (s *Swarm) StartListening(addr ma.Multiaddr) (ma.Multiaddr, error) {
	if !s.isRunning() {
		return nil, ErrNotRunning
	}
	protoName, err := transportProtocolName(addr)
	if err != nil {
		// Listener addresses need not carry a peer-id suffix.
		protoName, err = soleTransportProtocolName(addr)
		if err != nil {
			return nil, err
		}
	}
	tr, err := s.cfg.Transports.Transport(protoName)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	ctx, cancel := context.WithCancel(s.ctx)
	s.mu.Unlock()

	bound, err := tr.Listen(ctx, addr, s.onRemoteConnect)
	if err != nil {
		cancel()
		return nil, err
	}

	token := bound.String()
	s.mu.Lock()
	s.listeners[bound.String()] = &listener{cancel: cancel, token: token}
	s.mu.Unlock()
	s.localPeer.AddAddr(bound)

	for _, expanded := range expandWildcard(bound) {
		s.mu.Lock()
		s.listeners[expanded.String()] = &listener{cancel: cancel, token: token}
		s.mu.Unlock()
		s.localPeer.AddAddr(expanded)
	}

	if s.cfg.Bus != nil {
		s.cfg.Bus.Publish(context.Background(), event.ETSwarmListenerEstablished, s.localPeer)
	}
	return bound, nil
}

// StopListening cancels addr's listener token and drops every listener
// address that shares it.
func (s *Swarm) StopListening(addr ma.Multiaddr) {
	s.mu.Lock()
	l, ok := s.listeners[addr.String()]
	s.mu.Unlock()
	if !ok {
		return
	}
	l.cancel()

	s.mu.Lock()
	var toRemove []string
	for key, candidate := range s.listeners {
		if candidate.token == l.token {
			toRemove = append(toRemove, key)
		}
	}
	for _, key := range toRemove {
		delete(s.listeners, key)
	}
	s.mu.Unlock()

	for _, key := range toRemove {
		if a, err := ma.NewMultiaddr(key); err == nil {
			s.localPeer.RemoveAddr(a)
		}
	}
}

// onRemoteConnect is the transport's inbound connection handler (spec.md
// §4.J on_remote_connect).
func (s *Swarm) onRemoteConnect(c transport.Conn, local, remote ma.Multiaddr) {
	if !s.isRunning() {
		_ = c.Close()
		return
	}

	key := remote.String()
	s.mu.Lock()
	if _, dup := s.inbound[key]; dup {
		s.mu.Unlock()
		_ = c.Close()
		return
	}
	s.inbound[key] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.inbound, key)
		s.mu.Unlock()
	}()

	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	pc := conn.New(s.connConfig())
	if err := pc.Accept(ctx, c, local, remote); err != nil {
		log.Debugf("swarm: inbound handshake from %s failed: %s", remote, err)
		_ = c.Close()
		return
	}

	retained := s.connMgr.Add(pc)
	if retained == pc && s.cfg.Bus != nil {
		s.cfg.Bus.Publish(context.Background(), event.ETSwarmConnectionEstablished, retained)
	}
}

// --- Address helpers ---

func peerIDFromAddr(addr ma.Multiaddr) (peer.ID, error) {
	_, id, err := splitPeerID(addr)
	return id, err
}

// splitPeerID returns addr with its trailing p2p/ipfs component removed,
// plus the peer id that component carried.
func splitPeerID(addr ma.Multiaddr) (ma.Multiaddr, peer.ID, error) {
	parts := ma.Split(addr)
	if len(parts) == 0 {
		return nil, "", ErrMissingPeerID
	}
	last := parts[len(parts)-1]
	protos := last.Protocols()
	if len(protos) != 1 || (protos[0].Name != "p2p" && protos[0].Name != "ipfs") {
		return nil, "", ErrMissingPeerID
	}
	value, err := last.ValueForProtocol(protos[0].Code)
	if err != nil {
		return nil, "", err
	}
	id, err := peer.IDFromString(value)
	if err != nil {
		return nil, "", err
	}
	bare := ma.Join(parts[:len(parts)-1]...)
	return bare, id, nil
}

// transportProtocolName returns the transport-layer protocol name of addr
// (spec.md §4.J dial_one: "select transport by the third protocol in the
// address", interpreted here as the protocol immediately preceding the
// required trailing peer-id component).
func transportProtocolName(addr ma.Multiaddr) (string, error) {
	parts := ma.Split(addr)
	if len(parts) < 2 {
		return "", ErrMissingPeerID
	}
	last := parts[len(parts)-1].Protocols()
	if len(last) != 1 || (last[0].Name != "p2p" && last[0].Name != "ipfs") {
		return "", ErrMissingPeerID
	}
	prev := parts[len(parts)-2].Protocols()
	if len(prev) != 1 {
		return "", fmt.Errorf("swarm: malformed address %s", addr)
	}
	return prev[0].Name, nil
}

// soleTransportProtocolName returns the transport-layer protocol name of a
// listen address that carries no peer-id suffix.
func soleTransportProtocolName(addr ma.Multiaddr) (string, error) {
	parts := ma.Split(addr)
	if len(parts) == 0 {
		return "", fmt.Errorf("swarm: malformed address %s", addr)
	}
	last := parts[len(parts)-1].Protocols()
	if len(last) != 1 {
		return "", fmt.Errorf("swarm: malformed address %s", addr)
	}
	return last[0].Name, nil
}

// expandWildcard returns, for a listener address bound to 0.0.0.0 or ::,
// one address per host unicast interface address sharing the bound port.
// Non-wildcard addresses expand to nothing.
func expandWildcard(bound ma.Multiaddr) []ma.Multiaddr {
	parts := ma.Split(bound)
	if len(parts) == 0 {
		return nil
	}
	ipProtos := parts[0].Protocols()
	if len(ipProtos) != 1 {
		return nil
	}
	ipValue, err := parts[0].ValueForProtocol(ipProtos[0].Code)
	if err != nil {
		return nil
	}
	if ipValue != "0.0.0.0" && ipValue != "::" {
		return nil
	}

	ifaceAddrs, err := manet.InterfaceMultiaddrs()
	if err != nil {
		return nil
	}

	var out []ma.Multiaddr
	for _, ifaceAddr := range ifaceAddrs {
		ifaceParts := ma.Split(ifaceAddr)
		if len(ifaceParts) == 0 {
			continue
		}
		rest := append([]ma.Multiaddr{ifaceParts[0]}, parts[1:]...)
		out = append(out, ma.Join(rest...))
	}
	return out
}

// randomPeer picks a uniformly random peer from candidates.
func randomPeer(candidates []*peer.Peer) *peer.Peer {
	if len(candidates) == 0 {
		return nil
	}
	return candidates[rand.Intn(len(candidates))]
}

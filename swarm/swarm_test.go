package swarm

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	ic "github.com/libp2p/go-libp2p-crypto"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/qri-io/swarmd/event"
	"github.com/qri-io/swarmd/peer"
	"github.com/qri-io/swarmd/sec"
	"github.com/qri-io/swarmd/sec/plaintext"
	"github.com/qri-io/swarmd/transport"
)

// --- in-memory transport double, so tests never touch a real socket ---

type pipeHalf struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (p *pipeHalf) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipeHalf) Write(b []byte) (int, error) { return p.w.Write(b) }
func (p *pipeHalf) Close() error {
	_ = p.w.Close()
	return p.r.Close()
}

func pipePair() (io.ReadWriteCloser, io.ReadWriteCloser) {
	r1, w1 := io.Pipe()
	r2, w2 := io.Pipe()
	return &pipeHalf{r: r1, w: w2}, &pipeHalf{r: r2, w: w1}
}

type memConn struct {
	io.ReadWriteCloser
	local, remote ma.Multiaddr
}

func (c *memConn) LocalAddr() ma.Multiaddr  { return c.local }
func (c *memConn) RemoteAddr() ma.Multiaddr { return c.remote }

// memTransport is a loopback stand-in for transport.Transport, addressable
// by the bare (peer-id-stripped) multiaddress string.
type memTransport struct {
	mu        sync.Mutex
	listeners map[string]chan transport.Conn
	dialAddr  ma.Multiaddr // synthetic local address handed to dialers
}

func newMemTransport() *memTransport {
	local, _ := ma.NewMultiaddr("/ip4/127.0.0.1/tcp/1")
	return &memTransport{listeners: map[string]chan transport.Conn{}, dialAddr: local}
}

func (t *memTransport) Connect(ctx context.Context, addr ma.Multiaddr) (transport.Conn, error) {
	key := addr.String()
	if bare, _, err := splitPeerID(addr); err == nil {
		key = bare.String()
	}
	t.mu.Lock()
	ch, ok := t.listeners[key]
	t.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("memtransport: no listener at %s", addr)
	}
	a, b := pipePair()
	client := &memConn{ReadWriteCloser: a, local: t.dialAddr, remote: addr}
	server := &memConn{ReadWriteCloser: b, local: addr, remote: t.dialAddr}
	select {
	case ch <- server:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return client, nil
}

func (t *memTransport) Listen(ctx context.Context, addr ma.Multiaddr, handler transport.ConnHandler) (ma.Multiaddr, error) {
	ch := make(chan transport.Conn, 8)
	t.mu.Lock()
	t.listeners[addr.String()] = ch
	t.mu.Unlock()
	go func() {
		for {
			select {
			case c := <-ch:
				go handler(c, c.LocalAddr(), c.RemoteAddr())
			case <-ctx.Done():
				t.mu.Lock()
				delete(t.listeners, addr.String())
				t.mu.Unlock()
				return
			}
		}
	}()
	return addr, nil
}

func mustAddr(t *testing.T, s string) ma.Multiaddr {
	t.Helper()
	a, err := ma.NewMultiaddr(s)
	if err != nil {
		t.Fatalf("NewMultiaddr(%q): %s", s, err)
	}
	return a
}

func newTestSwarm(t *testing.T, mt *memTransport, bus event.Bus) (*Swarm, peer.ID) {
	t.Helper()
	key, _, err := ic.GenerateKeyPair(ic.Ed25519, 256)
	if err != nil {
		t.Fatalf("GenerateKeyPair: %s", err)
	}
	registry := transport.NewRegistry()
	registry.Register("tcp", func() (transport.Transport, error) { return mt, nil })

	s, err := New(Config{
		LocalKey:        key,
		Transports:      registry,
		Security:        []sec.Transport{},
		Bus:             bus,
		ProtocolVersion: "/swarmd/1.0.0",
		AgentVersion:    "swarmd-test/0.1.0",
	})
	if err != nil {
		t.Fatalf("New: %s", err)
	}
	// plaintext needs the swarm's own identity, constructed after New derives it.
	s.cfg.Security = []sec.Transport{plaintext.New(s.LocalID(), key.GetPublic())}
	return s, s.LocalID()
}

func TestRegisterPeerMergeRule(t *testing.T) {
	mt := newMemTransport()
	s, _ := newTestSwarm(t, mt, nil)
	s.Start(context.Background())
	defer s.Shutdown()

	otherKey, _, _ := ic.GenerateKeyPair(ic.Ed25519, 256)
	otherID, _ := peer.IDFromPublicKey(otherKey.GetPublic())

	addr1 := mustAddr(t, "/ip4/127.0.0.1/tcp/4001")
	addr2 := mustAddr(t, "/ip4/127.0.0.1/tcp/4002")

	p1 := peer.New(otherID)
	p1.AddAddr(addr1)
	if err := s.RegisterPeer(p1); err != nil {
		t.Fatalf("RegisterPeer: %s", err)
	}

	p2 := peer.New(otherID)
	p2.AddAddr(addr2)
	p2.SetAgentVersion("other/1.0.0")
	if err := s.RegisterPeer(p2); err != nil {
		t.Fatalf("RegisterPeer (merge): %s", err)
	}

	got := s.Peer(otherID)
	if got == nil {
		t.Fatal("expected peer to be registered")
	}
	if got.AgentVersion() != "other/1.0.0" {
		t.Fatalf("expected merged agent version, got %q", got.AgentVersion())
	}
	if len(got.Addrs()) != 2 {
		t.Fatalf("expected union of both addresses, got %d", len(got.Addrs()))
	}
}

func TestRegisterPeerRejectsLocalPeer(t *testing.T) {
	mt := newMemTransport()
	s, localID := newTestSwarm(t, mt, nil)
	s.Start(context.Background())
	defer s.Shutdown()

	if err := s.RegisterPeer(peer.New(localID)); err == nil {
		t.Fatal("expected registering the local peer to fail")
	}
}

func TestStartStopListening(t *testing.T) {
	mt := newMemTransport()
	s, _ := newTestSwarm(t, mt, nil)
	s.Start(context.Background())
	defer s.Shutdown()

	addr := mustAddr(t, "/ip4/127.0.0.1/tcp/4001")
	bound, err := s.StartListening(addr)
	if err != nil {
		t.Fatalf("StartListening: %s", err)
	}

	found := false
	for _, a := range s.LocalPeer().Addrs() {
		if a.Equal(bound) {
			found = true
		}
	}
	if !found {
		t.Fatal("expected bound address to be added to local peer")
	}

	s.StopListening(bound)
	for _, a := range s.LocalPeer().Addrs() {
		if a.Equal(bound) {
			t.Fatal("expected bound address to be removed after StopListening")
		}
	}
}

func TestShutdownRemovesListenerAddrs(t *testing.T) {
	mt := newMemTransport()
	s, _ := newTestSwarm(t, mt, nil)
	s.Start(context.Background())

	addr := mustAddr(t, "/ip4/127.0.0.1/tcp/4002")
	bound, err := s.StartListening(addr)
	if err != nil {
		t.Fatalf("StartListening: %s", err)
	}

	found := false
	for _, a := range s.LocalPeer().Addrs() {
		if a.Equal(bound) {
			found = true
		}
	}
	if !found {
		t.Fatal("expected bound address to be added to local peer")
	}

	s.Shutdown()
	for _, a := range s.LocalPeer().Addrs() {
		if a.Equal(bound) {
			t.Fatal("expected bound address to be removed after Shutdown")
		}
	}

	s.Start(context.Background())
	defer s.Shutdown()
	if _, err := s.StartListening(addr); err != nil {
		t.Fatalf("StartListening after restart: %s", err)
	}
	s.Shutdown()
	for _, a := range s.LocalPeer().Addrs() {
		t.Fatalf("expected local peer addresses empty after second Shutdown, found %s", a)
	}
}

func TestConnectEndToEndAndDedup(t *testing.T) {
	mt := newMemTransport()
	ctx := context.Background()
	bus := event.NewBus(ctx)

	server, serverID := newTestSwarm(t, mt, bus)
	client, _ := newTestSwarm(t, mt, bus)

	server.Start(ctx)
	defer server.Shutdown()
	client.Start(ctx)
	defer client.Shutdown()

	bound, err := server.StartListening(mustAddr(t, "/ip4/127.0.0.1/tcp/4010"))
	if err != nil {
		t.Fatalf("StartListening: %s", err)
	}

	dialAddr := mustAddr(t, bound.String()+"/p2p/"+serverID.Pretty())
	target := peer.New(serverID)
	target.AddAddr(dialAddr)

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	conns := make([]interface{ IsActive() bool }, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := client.Connect(dialCtx, target)
			errs[i] = err
			if c != nil {
				conns[i] = c
			}
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Connect[%d]: %s", i, err)
		}
	}
	if conns[0] != conns[1] {
		t.Fatal("expected concurrent Connect calls for the same peer to collapse onto one connection")
	}
	if !client.ConnectionManager().IsConnected(serverID) {
		t.Fatal("expected client's ConnectionManager to report the server connected")
	}

	if client.BandwidthCounter().TotalOut() == 0 {
		t.Fatal("expected client's bandwidth counter to tally bytes written during the handshake")
	}
	if server.BandwidthCounter().TotalIn() == 0 {
		t.Fatal("expected server's bandwidth counter to tally bytes read during the handshake")
	}
}

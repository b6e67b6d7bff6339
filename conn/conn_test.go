package conn

import (
	"context"
	"io"
	"testing"
	"time"

	ic "github.com/libp2p/go-libp2p-crypto"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/qri-io/swarmd/identify"
	"github.com/qri-io/swarmd/peer"
	"github.com/qri-io/swarmd/sec"
	"github.com/qri-io/swarmd/sec/noise"
	"github.com/qri-io/swarmd/sec/plaintext"
)

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

func identityHandler(discovered chan<- *peer.Peer) IdentityHandler {
	return func(snap *identify.Snapshot, remoteAddr ma.Multiaddr) (*peer.Peer, error) {
		remoteID, err := peer.IDFromPublicKey(snap.PublicKey)
		if err != nil {
			return nil, err
		}
		p := peer.New(remoteID)
		p.SetAgentVersion(snap.AgentVersion)
		p.SetProtocolVersion(snap.ProtocolVersion)
		if remoteAddr != nil {
			p.AddAddr(remoteAddr)
		}
		discovered <- p
		return p, nil
	}
}

func TestInitiateAcceptHandshake(t *testing.T) {
	clientKey, _, err := ic.GenerateKeyPair(ic.Ed25519, 256)
	if err != nil {
		t.Fatalf("GenerateKeyPair: %s", err)
	}
	serverKey, _, err := ic.GenerateKeyPair(ic.Ed25519, 256)
	if err != nil {
		t.Fatalf("GenerateKeyPair: %s", err)
	}
	clientID, err := peer.IDFromPublicKey(clientKey.GetPublic())
	if err != nil {
		t.Fatalf("IDFromPublicKey: %s", err)
	}
	serverID, err := peer.IDFromPublicKey(serverKey.GetPublic())
	if err != nil {
		t.Fatalf("IDFromPublicKey: %s", err)
	}

	clientDiscovered := make(chan *peer.Peer, 1)
	serverDiscovered := make(chan *peer.Peer, 1)

	clientPT := plaintext.New(clientID, clientKey.GetPublic())
	serverPT := plaintext.New(serverID, serverKey.GetPublic())

	clientConn := New(Config{
		LocalID:         clientID,
		LocalKey:        clientKey,
		Security:        []sec.Transport{clientPT},
		ProtocolVersion: "/swarmd/1.0.0",
		AgentVersion:    "swarmd-client/0.1.0",
		OnIdentity:      identityHandler(clientDiscovered),
	})
	serverConn := New(Config{
		LocalID:         serverID,
		LocalKey:        serverKey,
		Security:        []sec.Transport{serverPT},
		ProtocolVersion: "/swarmd/1.0.0",
		AgentVersion:    "swarmd-server/0.1.0",
		OnIdentity:      identityHandler(serverDiscovered),
	})

	clientBase, serverBase := pipePair()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- serverConn.Accept(ctx, serverBase, nil, nil)
	}()

	if err := clientConn.Initiate(ctx, clientBase, nil, nil, serverID); err != nil {
		t.Fatalf("Initiate: %s", err)
	}

	select {
	case p := <-clientDiscovered:
		if p.AgentVersion() != "swarmd-server/0.1.0" {
			t.Fatalf("expected client to learn server agent version, got %q", p.AgentVersion())
		}
	case err := <-serverErrCh:
		if err != nil {
			t.Fatalf("Accept failed before identity completed: %v", err)
		}
		if p := <-clientDiscovered; p.AgentVersion() != "swarmd-server/0.1.0" {
			t.Fatalf("expected client to learn server agent version, got %q", p.AgentVersion())
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for client-side identity")
	}

	select {
	case p := <-serverDiscovered:
		if p.AgentVersion() != "swarmd-client/0.1.0" {
			t.Fatalf("expected server to learn client agent version, got %q", p.AgentVersion())
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for server-side identity")
	}

	if !clientConn.IsActive() {
		t.Fatal("expected client connection to be active after handshake")
	}
	if err := clientConn.Dispose(); err != nil {
		t.Fatalf("Dispose: %s", err)
	}
	if clientConn.IsActive() {
		t.Fatal("expected connection to be inactive after Dispose")
	}
	if err := clientConn.Dispose(); err != nil {
		t.Fatalf("second Dispose should be idempotent, got %s", err)
	}
}

// TestInitiateAcceptRejectsFirstSecurityCandidate exercises the case where
// the offering side's first-registered security protocol isn't supported
// by the accepting side: the accepting side's Negotiate must reject it
// ("na") and then accept the second candidate on the same stream without
// redoing the multistream header handshake.
func TestInitiateAcceptRejectsFirstSecurityCandidate(t *testing.T) {
	clientKey, _, err := ic.GenerateKeyPair(ic.Ed25519, 256)
	if err != nil {
		t.Fatalf("GenerateKeyPair: %s", err)
	}
	serverKey, _, err := ic.GenerateKeyPair(ic.Ed25519, 256)
	if err != nil {
		t.Fatalf("GenerateKeyPair: %s", err)
	}
	clientID, err := peer.IDFromPublicKey(clientKey.GetPublic())
	if err != nil {
		t.Fatalf("IDFromPublicKey: %s", err)
	}
	serverID, err := peer.IDFromPublicKey(serverKey.GetPublic())
	if err != nil {
		t.Fatalf("IDFromPublicKey: %s", err)
	}

	clientDiscovered := make(chan *peer.Peer, 1)
	serverDiscovered := make(chan *peer.Peer, 1)

	clientPT := plaintext.New(clientID, clientKey.GetPublic())
	serverPT := plaintext.New(serverID, serverKey.GetPublic())

	// Client offers noise before plaintext; the server only registers
	// plaintext, so the server must reject noise and fall through to
	// plaintext on the same connection.
	clientConn := New(Config{
		LocalID:         clientID,
		LocalKey:        clientKey,
		Security:        []sec.Transport{noise.New(clientID, clientKey), clientPT},
		ProtocolVersion: "/swarmd/1.0.0",
		AgentVersion:    "swarmd-client/0.1.0",
		OnIdentity:      identityHandler(clientDiscovered),
	})
	serverConn := New(Config{
		LocalID:         serverID,
		LocalKey:        serverKey,
		Security:        []sec.Transport{serverPT},
		ProtocolVersion: "/swarmd/1.0.0",
		AgentVersion:    "swarmd-server/0.1.0",
		OnIdentity:      identityHandler(serverDiscovered),
	})

	clientBase, serverBase := pipePair()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- serverConn.Accept(ctx, serverBase, nil, nil)
	}()

	if err := clientConn.Initiate(ctx, clientBase, nil, nil, serverID); err != nil {
		t.Fatalf("Initiate: %s", err)
	}

	select {
	case p := <-clientDiscovered:
		if p.AgentVersion() != "swarmd-server/0.1.0" {
			t.Fatalf("expected client to learn server agent version, got %q", p.AgentVersion())
		}
	case err := <-serverErrCh:
		if err != nil {
			t.Fatalf("Accept failed before identity completed: %v", err)
		}
		if p := <-clientDiscovered; p.AgentVersion() != "swarmd-server/0.1.0" {
			t.Fatalf("expected client to learn server agent version, got %q", p.AgentVersion())
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for client-side identity")
	}

	select {
	case <-serverDiscovered:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for server-side identity")
	}
}

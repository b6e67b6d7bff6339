package connmgr

import (
	"context"
	"io"
	"testing"
	"time"

	ic "github.com/libp2p/go-libp2p-crypto"

	"github.com/qri-io/swarmd/conn"
	"github.com/qri-io/swarmd/event"
	"github.com/qri-io/swarmd/identify"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/qri-io/swarmd/peer"
	"github.com/qri-io/swarmd/sec"
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

// handshakePair builds a fully identified client/server PeerConnection
// pair over an in-process pipe, for exercising Manager without a real
// transport.
func handshakePair(t *testing.T) (client, server *conn.PeerConnection) {
	t.Helper()
	clientKey, _, err := ic.GenerateKeyPair(ic.Ed25519, 256)
	if err != nil {
		t.Fatalf("GenerateKeyPair: %s", err)
	}
	serverKey, _, err := ic.GenerateKeyPair(ic.Ed25519, 256)
	if err != nil {
		t.Fatalf("GenerateKeyPair: %s", err)
	}
	clientID, _ := peer.IDFromPublicKey(clientKey.GetPublic())
	serverID, _ := peer.IDFromPublicKey(serverKey.GetPublic())

	mkHandler := func() conn.IdentityHandler {
		return func(snap *identify.Snapshot, remoteAddr ma.Multiaddr) (*peer.Peer, error) {
			remoteID, err := peer.IDFromPublicKey(snap.PublicKey)
			if err != nil {
				return nil, err
			}
			p := peer.New(remoteID)
			p.SetAgentVersion(snap.AgentVersion)
			return p, nil
		}
	}

	client = conn.New(conn.Config{
		LocalID:    clientID,
		LocalKey:   clientKey,
		Security:   []sec.Transport{plaintext.New(clientID, clientKey.GetPublic())},
		OnIdentity: mkHandler(),
	})
	server = conn.New(conn.Config{
		LocalID:    serverID,
		LocalKey:   serverKey,
		Security:   []sec.Transport{plaintext.New(serverID, serverKey.GetPublic())},
		OnIdentity: mkHandler(),
	})

	clientBase, serverBase := pipePair()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	serverDone := make(chan error, 1)
	go func() { serverDone <- server.Accept(ctx, serverBase, nil, nil) }()

	if err := client.Initiate(ctx, clientBase, nil, nil, serverID); err != nil {
		t.Fatalf("Initiate: %s", err)
	}

	deadline := time.After(3 * time.Second)
	for server.RemotePeer() == nil {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for server identity")
		case <-time.After(10 * time.Millisecond):
		}
	}
	return client, server
}

func TestAddDeduplicatesSameConnection(t *testing.T) {
	client, server := handshakePair(t)
	defer client.Dispose()
	defer server.Dispose()

	mgr := New(nil)
	first := mgr.Add(server)
	second := mgr.Add(server)
	if first != second {
		t.Fatal("expected Add to return the same connection object on duplicate add")
	}
	if !mgr.IsConnected(server.RemotePeer().ID()) {
		t.Fatal("expected IsConnected to be true after Add")
	}
}

func TestRemoveClearsConnectedAddrAndPublishesDisconnected(t *testing.T) {
	client, server := handshakePair(t)
	defer client.Dispose()

	bus := event.NewBus(context.Background())
	ch := bus.Subscribe(event.ETSwarmPeerDisconnected)
	mgr := New(bus)
	mgr.Add(server)

	mgr.Remove(server)

	if mgr.IsConnected(server.RemotePeer().ID()) {
		t.Fatal("expected peer to be disconnected after Remove")
	}
	if server.RemotePeer().ConnectedAddr() != nil {
		t.Fatal("expected connected address to be cleared")
	}

	select {
	case e := <-ch:
		if e.Topic != event.ETSwarmPeerDisconnected {
			t.Fatalf("expected PeerDisconnected event, got %v", e.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for PeerDisconnected event")
	}
}

func TestTryGetHasNoSideEffects(t *testing.T) {
	client, server := handshakePair(t)
	defer client.Dispose()
	defer server.Dispose()

	mgr := New(nil)
	mgr.Add(server)

	first := mgr.TryGet(server.RemotePeer().ID())
	second := mgr.TryGet(server.RemotePeer().ID())
	if first != second {
		t.Fatal("expected repeated TryGet calls to be stable")
	}
	if !mgr.IsConnected(server.RemotePeer().ID()) {
		t.Fatal("expected connection to remain registered after TryGet")
	}
}

func TestClearDisposesEveryConnection(t *testing.T) {
	client, server := handshakePair(t)
	defer client.Dispose()

	mgr := New(nil)
	mgr.Add(server)
	mgr.Clear()

	if server.IsActive() {
		t.Fatal("expected Clear to dispose every tracked connection")
	}
}

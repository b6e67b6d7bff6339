package identify

import (
	"bytes"
	"testing"

	ic "github.com/libp2p/go-libp2p-crypto"
	ma "github.com/multiformats/go-multiaddr"
)

func TestWriteReadRoundTrip(t *testing.T) {
	_, pub, err := ic.GenerateKeyPair(ic.Ed25519, 256)
	if err != nil {
		t.Fatalf("GenerateKeyPair: %s", err)
	}
	addr, err := ma.NewMultiaddr("/ip4/127.0.0.1/tcp/4001")
	if err != nil {
		t.Fatalf("NewMultiaddr: %s", err)
	}

	snap := &Snapshot{
		ProtocolVersion: "/swarmd/1.0.0",
		AgentVersion:    "swarmd/0.1.0",
		PublicKey:       pub,
		ListenAddrs:     []ma.Multiaddr{addr},
		ObservedAddr:    addr,
	}

	var buf bytes.Buffer
	if err := Write(&buf, snap); err != nil {
		t.Fatalf("Write: %s", err)
	}

	got, err := Read(&buf)
	if err != nil {
		t.Fatalf("Read: %s", err)
	}
	if got.ProtocolVersion != snap.ProtocolVersion {
		t.Fatalf("protocol version mismatch: %q vs %q", got.ProtocolVersion, snap.ProtocolVersion)
	}
	if got.AgentVersion != snap.AgentVersion {
		t.Fatalf("agent version mismatch: %q vs %q", got.AgentVersion, snap.AgentVersion)
	}
	if len(got.ListenAddrs) != 1 || !got.ListenAddrs[0].Equal(addr) {
		t.Fatalf("listen addrs did not round-trip: %v", got.ListenAddrs)
	}
	if got.ObservedAddr == nil || !got.ObservedAddr.Equal(addr) {
		t.Fatalf("observed addr did not round-trip: %v", got.ObservedAddr)
	}
}

func TestReadFailsOnTruncatedInput(t *testing.T) {
	_, err := Read(bytes.NewReader([]byte{0, 0}))
	if err == nil {
		t.Fatal("expected error reading truncated input")
	}
}

// Package sec defines the secure-channel capability (spec.md §4.F): an
// encrypt step that upgrades a raw duplex stream to an authenticated one,
// completing the connection's security-established slot as a side effect.
// Encryption internals themselves are treated as external collaborators
// (spec.md §1); this package carries the adapter contract plus thin
// wrappers over the ecosystem's SECIO and Noise implementations.
package sec

import (
	"context"
	"io"

	golog "github.com/ipfs/go-log"
	ic "github.com/libp2p/go-libp2p-crypto"

	"github.com/qri-io/swarmd/peer"
)

var log = golog.Logger("sec")

// Conn is an authenticated duplex stream: the wire the handshake produced,
// plus the identity of the peer on the other end of it.
type Conn interface {
	io.ReadWriteCloser
	RemotePeer() peer.ID
	RemotePublicKey() ic.PubKey
}

// Transport upgrades a raw stream to an authenticated one. SecureInbound is
// used by the accept side (remote identity unknown ahead of time);
// SecureOutbound is used by the dial side (remote identity expected).
type Transport interface {
	// Protocol returns the versioned name this variant negotiates under,
	// e.g. "/secio/1.0.0".
	Protocol() string

	SecureInbound(ctx context.Context, insecure io.ReadWriteCloser) (Conn, error)
	SecureOutbound(ctx context.Context, insecure io.ReadWriteCloser, remote peer.ID) (Conn, error)
}

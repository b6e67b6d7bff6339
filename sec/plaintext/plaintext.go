// Package plaintext is the no-op sec.Transport variant (spec.md §4.F): it
// completes the handshake without altering the byte stream. Nothing selects
// it automatically when no private key is configured; it is used only where
// a caller lists it among the security transports (for serve, by naming it
// in config.Swarm.Security).
package plaintext

import (
	"context"
	"io"

	ic "github.com/libp2p/go-libp2p-crypto"

	"github.com/qri-io/swarmd/peer"
	"github.com/qri-io/swarmd/sec"
)

// ID is the protocol name plaintext negotiates under.
const ID = "/plaintext/1.0.0"

// Transport is the identity secure-channel adapter.
type Transport struct {
	localID  peer.ID
	localKey ic.PubKey
}

// New returns a plaintext transport advertising localID/localKey as this
// side's identity (there being no actual encryption to authenticate it).
func New(localID peer.ID, localKey ic.PubKey) *Transport {
	return &Transport{localID: localID, localKey: localKey}
}

// Protocol returns ID.
func (t *Transport) Protocol() string { return ID }

type conn struct {
	io.ReadWriteCloser
	remote    peer.ID
	remoteKey ic.PubKey
}

func (c *conn) RemotePeer() peer.ID        { return c.remote }
func (c *conn) RemotePublicKey() ic.PubKey { return c.remoteKey }

// SecureOutbound returns insecure unchanged, tagged with the expected
// remote identity.
func (t *Transport) SecureOutbound(ctx context.Context, insecure io.ReadWriteCloser, remote peer.ID) (sec.Conn, error) {
	return &conn{ReadWriteCloser: insecure, remote: remote}, nil
}

// SecureInbound returns insecure unchanged. The remote identity is not yet
// known at this layer; it is populated later by the identity protocol
// (spec.md §4.H step 5).
func (t *Transport) SecureInbound(ctx context.Context, insecure io.ReadWriteCloser) (sec.Conn, error) {
	return &conn{ReadWriteCloser: insecure}, nil
}

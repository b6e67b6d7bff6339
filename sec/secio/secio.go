// Package secio adapts github.com/libp2p/go-libp2p-secio to the sec.Transport
// contract (spec.md §4.F: the encryption-performing variant, "out of core
// scope" for its internals but wired here as the ecosystem's real SECIO
// implementation).
package secio

import (
	"context"
	"io"
	"net"
	"time"

	golog "github.com/ipfs/go-log"
	ic "github.com/libp2p/go-libp2p-crypto"
	lsecio "github.com/libp2p/go-libp2p-secio"

	"github.com/qri-io/swarmd/peer"
	"github.com/qri-io/swarmd/sec"
)

var log = golog.Logger("sec/secio")

// ID is the protocol name SECIO negotiates under.
const ID = "/secio/1.0.0"

// Transport wraps the upstream SECIO session manager.
type Transport struct {
	sessions *lsecio.SessionTransport
}

// New constructs a SECIO transport using localKey as this side's identity.
func New(localKey ic.PrivKey) (*Transport, error) {
	st, err := lsecio.New(localKey)
	if err != nil {
		return nil, err
	}
	return &Transport{sessions: st}, nil
}

// Protocol returns ID.
func (t *Transport) Protocol() string { return ID }

type conn struct {
	lsecio.Conn
}

func (c *conn) RemotePeer() peer.ID { return c.Conn.RemotePeer() }

func (c *conn) RemotePublicKey() ic.PubKey { return c.Conn.RemotePublicKey() }

// SecureOutbound runs the SECIO handshake as the dial side, verifying the
// negotiated remote identity matches remote.
func (t *Transport) SecureOutbound(ctx context.Context, insecure io.ReadWriteCloser, remote peer.ID) (sec.Conn, error) {
	c, err := t.sessions.SecureOutbound(ctx, netConn{insecure}, remote)
	if err != nil {
		log.Debugf("secio: outbound handshake with %s failed: %s", remote, err)
		return nil, err
	}
	return &conn{Conn: c}, nil
}

// SecureInbound runs the SECIO handshake as the accept side.
func (t *Transport) SecureInbound(ctx context.Context, insecure io.ReadWriteCloser) (sec.Conn, error) {
	c, err := t.sessions.SecureInbound(ctx, netConn{insecure})
	if err != nil {
		log.Debugf("secio: inbound handshake failed: %s", err)
		return nil, err
	}
	return &conn{Conn: c}, nil
}

// netConn adapts the module's plain io.ReadWriteCloser streams to the
// net.Conn shape go-libp2p-secio's session transport expects. Deadlines are
// no-ops: cancellation in this module flows through context, not through
// net.Conn's deadline API.
type netConn struct {
	io.ReadWriteCloser
}

func (netConn) LocalAddr() net.Addr             { return nil }
func (netConn) RemoteAddr() net.Addr            { return nil }
func (netConn) SetDeadline(time.Time) error     { return nil }
func (netConn) SetReadDeadline(time.Time) error  { return nil }
func (netConn) SetWriteDeadline(time.Time) error { return nil }

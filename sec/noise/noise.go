// Package noise is a minimal Noise-XX secure channel variant built on
// github.com/flynn/noise (spec.md §4.F's second encryption-performing
// variant, demonstrating that more than one protocol can be registered and
// selected by multistream negotiation over the encryption set). It is
// deliberately simple: a three-message Noise-XX handshake over a freshly
// generated static key, framed with 4-byte length prefixes, rather than a
// byte-perfect implementation of the libp2p noise specification.
package noise

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/flynn/noise"
	golog "github.com/ipfs/go-log"
	ic "github.com/libp2p/go-libp2p-crypto"

	"github.com/qri-io/swarmd/peer"
	"github.com/qri-io/swarmd/sec"
)

var log = golog.Logger("sec/noise")

// ID is the protocol name this variant negotiates under.
const ID = "/noise/1.0.0"

// Transport is the Noise-XX secure channel adapter.
type Transport struct {
	localID  peer.ID
	localKey ic.PrivKey
}

// New constructs a Noise transport identified by localID/localKey.
func New(localID peer.ID, localKey ic.PrivKey) *Transport {
	return &Transport{localID: localID, localKey: localKey}
}

// Protocol returns ID.
func (t *Transport) Protocol() string { return ID }

type conn struct {
	io.ReadWriteCloser
	send, recv *noise.CipherState
	remote     peer.ID
}

func (c *conn) RemotePeer() peer.ID        { return c.remote }
func (c *conn) RemotePublicKey() ic.PubKey { return nil }

func (c *conn) Read(p []byte) (int, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(c.ReadWriteCloser, lenBuf[:]); err != nil {
		return 0, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	ct := make([]byte, n)
	if _, err := io.ReadFull(c.ReadWriteCloser, ct); err != nil {
		return 0, err
	}
	pt, err := c.recv.Decrypt(nil, nil, ct)
	if err != nil {
		return 0, fmt.Errorf("sec/noise: decrypt: %w", err)
	}
	return copy(p, pt), nil
}

func (c *conn) Write(p []byte) (int, error) {
	ct, err := c.send.Encrypt(nil, nil, p)
	if err != nil {
		return 0, fmt.Errorf("sec/noise: encrypt: %w", err)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(ct)))
	if _, err := c.ReadWriteCloser.Write(lenBuf[:]); err != nil {
		return 0, err
	}
	if _, err := c.ReadWriteCloser.Write(ct); err != nil {
		return 0, err
	}
	return len(p), nil
}

func newHandshakeState(initiator bool) (*noise.HandshakeState, error) {
	kp, err := noise.DH25519.GenerateKeypair(rand.Reader)
	if err != nil {
		return nil, err
	}
	cfg := noise.Config{
		CipherSuite: noise.NewCipherSuite(noise.DH25519, noise.CipherAESGCM, noise.HashSHA256),
		Pattern:     noise.HandshakeXX,
		Initiator:   initiator,
		StaticKeypair: kp,
	}
	return noise.NewHandshakeState(cfg)
}

// SecureOutbound runs the Noise-XX handshake as the dial side.
func (t *Transport) SecureOutbound(ctx context.Context, insecure io.ReadWriteCloser, remote peer.ID) (sec.Conn, error) {
	hs, err := newHandshakeState(true)
	if err != nil {
		return nil, err
	}
	send, recv, err := runHandshake(insecure, hs, true)
	if err != nil {
		return nil, fmt.Errorf("sec/noise: outbound handshake with %s: %w", remote, err)
	}
	return &conn{ReadWriteCloser: insecure, send: send, recv: recv, remote: remote}, nil
}

// SecureInbound runs the Noise-XX handshake as the accept side. The remote
// identity is not yet known at this layer (spec.md §4.H step 5 fills it in
// once the identity protocol runs on top of this channel).
func (t *Transport) SecureInbound(ctx context.Context, insecure io.ReadWriteCloser) (sec.Conn, error) {
	hs, err := newHandshakeState(false)
	if err != nil {
		return nil, err
	}
	send, recv, err := runHandshake(insecure, hs, false)
	if err != nil {
		return nil, fmt.Errorf("sec/noise: inbound handshake: %w", err)
	}
	return &conn{ReadWriteCloser: insecure, send: send, recv: recv}, nil
}

// runHandshake drives the three XX messages over rw. WriteMessage and
// ReadMessage return non-nil cipher states only on the message that
// completes the handshake; the responder's final ReadMessage is that
// message, the initiator's final WriteMessage is.
func runHandshake(rw io.ReadWriteCloser, hs *noise.HandshakeState, initiator bool) (send, recv *noise.CipherState, err error) {
	writeMsg := func() (*noise.CipherState, *noise.CipherState, error) {
		out, cs1, cs2, err := hs.WriteMessage(nil, nil)
		if err != nil {
			return nil, nil, err
		}
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(out)))
		if _, err := rw.Write(lenBuf[:]); err != nil {
			return nil, nil, err
		}
		if _, err := rw.Write(out); err != nil {
			return nil, nil, err
		}
		return cs1, cs2, nil
	}
	readMsg := func() (*noise.CipherState, *noise.CipherState, error) {
		var lenBuf [4]byte
		if _, err := io.ReadFull(rw, lenBuf[:]); err != nil {
			return nil, nil, err
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		buf := make([]byte, n)
		if _, err := io.ReadFull(rw, buf); err != nil {
			return nil, nil, err
		}
		_, cs1, cs2, err := hs.ReadMessage(nil, buf)
		return cs1, cs2, err
	}

	if initiator {
		if _, _, err := writeMsg(); err != nil {
			return nil, nil, err
		}
		if _, _, err := readMsg(); err != nil {
			return nil, nil, err
		}
		cs1, cs2, err := writeMsg()
		if err != nil {
			return nil, nil, err
		}
		return cs1, cs2, nil
	}

	if _, _, err := readMsg(); err != nil {
		return nil, nil, err
	}
	if _, _, err := writeMsg(); err != nil {
		return nil, nil, err
	}
	cs1, cs2, err := readMsg()
	if err != nil {
		return nil, nil, err
	}
	return cs2, cs1, nil
}

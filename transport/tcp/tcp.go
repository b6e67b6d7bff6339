// Package tcp is the one concrete demo Transport (spec.md §4.C treats
// transports as external collaborators; this keeps the registry exercised
// without growing a full transport suite).
package tcp

import (
	"context"

	golog "github.com/ipfs/go-log"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr-net"

	"github.com/qri-io/swarmd/transport"
)

var log = golog.Logger("transport/tcp")

// Transport is a plain TCP transport built on go-multiaddr-net.
type Transport struct{}

// New constructs a TCP transport.
func New() (transport.Transport, error) {
	return &Transport{}, nil
}

type conn struct {
	manet.Conn
}

func (c *conn) LocalAddr() ma.Multiaddr  { return c.Conn.LocalMultiaddr() }
func (c *conn) RemoteAddr() ma.Multiaddr { return c.Conn.RemoteMultiaddr() }

// Connect dials addr, releasing the in-flight socket if ctx is cancelled
// before the dial completes (spec.md §4.C).
func (t *Transport) Connect(ctx context.Context, addr ma.Multiaddr) (transport.Conn, error) {
	type result struct {
		c   manet.Conn
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		c, err := manet.Dial(addr)
		resCh <- result{c, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-resCh; r.err == nil {
				_ = r.c.Close()
			}
		}()
		return nil, ctx.Err()
	case r := <-resCh:
		if r.err != nil {
			return nil, r.err
		}
		return &conn{Conn: r.c}, nil
	}
}

// Listen starts accepting TCP connections on addr. If addr's port is
// unspecified, the returned multiaddress carries the kernel-chosen port.
func (t *Transport) Listen(ctx context.Context, addr ma.Multiaddr, handler transport.ConnHandler) (ma.Multiaddr, error) {
	l, err := manet.Listen(addr)
	if err != nil {
		return nil, err
	}

	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()

	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer func() {
					if r := recover(); r != nil {
						log.Warnf("transport/tcp: connection handler panicked: %v", r)
						_ = c.Close()
					}
				}()
				handler(&conn{Conn: c}, l.Multiaddr(), c.RemoteMultiaddr())
			}()
		}
	}()

	return l.Multiaddr(), nil
}

// Package transport defines the contract a concrete network transport must
// satisfy (spec.md §4.C). Transport implementations themselves are treated
// as external collaborators (spec.md §1); this package only carries the
// interfaces and a name -> factory registry.
package transport

import (
	"context"
	"errors"
	"io"
	"sync"

	ma "github.com/multiformats/go-multiaddr"
)

// ErrListenNotSupported is returned by transports (e.g. UDP, per spec.md §9
// Open Questions) whose Listen operation is not implemented.
var ErrListenNotSupported = errors.New("transport: listen not supported")

// Conn is a duplex byte stream produced by a Transport.
type Conn interface {
	io.ReadWriteCloser
	LocalAddr() ma.Multiaddr
	RemoteAddr() ma.Multiaddr
}

// ConnHandler receives freshly-accepted inbound connections. A handler that
// panics or returns closes only that connection's stream, never the
// listener (spec.md §4.C).
type ConnHandler func(conn Conn, local, remote ma.Multiaddr)

// Transport opens duplex byte streams to, and listens for them on, a given
// multiaddress protocol.
type Transport interface {
	// Connect dials addr. On cancellation before establishment the
	// underlying socket is released and Connect either fails with the
	// cancellation error or returns after release.
	Connect(ctx context.Context, addr ma.Multiaddr) (Conn, error)

	// Listen starts accepting on addr, invoking handler for each inbound
	// connection, and returns the address actually bound (with any
	// kernel-chosen port filled in). Cancelling ctx closes the listener.
	Listen(ctx context.Context, addr ma.Multiaddr, handler ConnHandler) (ma.Multiaddr, error)
}

// Factory constructs a fresh Transport instance.
type Factory func() (Transport, error)

// Registry maps a transport protocol name (e.g. "tcp", "ws") to a Factory.
type Registry struct {
	mu         sync.RWMutex
	factories  map[string]Factory
	transports map[string]Transport
}

// NewRegistry returns an empty transport registry.
func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}, transports: map[string]Transport{}}
}

// Register installs f as the factory for protocol.
func (r *Registry) Register(protocol string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[protocol] = f
	delete(r.transports, protocol)
}

// Transport returns (constructing and caching on first use) the Transport
// registered for protocol.
func (r *Registry) Transport(protocol string) (Transport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.transports[protocol]; ok {
		return t, nil
	}
	f, ok := r.factories[protocol]
	if !ok {
		return nil, errUnknownTransport(protocol)
	}
	t, err := f()
	if err != nil {
		return nil, err
	}
	r.transports[protocol] = t
	return t, nil
}

type errUnknownTransport string

func (e errUnknownTransport) Error() string {
	return "transport: unknown transport protocol " + string(e)
}

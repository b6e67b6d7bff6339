// Package conn implements the PeerConnection handshake pipeline (spec.md
// §4.H): transport -> security -> multistream-select -> stream
// multiplexer, plus the identity exchange that seeds the peer registry.
package conn

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/go-multierror"
	golog "github.com/ipfs/go-log"
	ic "github.com/libp2p/go-libp2p-crypto"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/qri-io/swarmd/bwc"
	"github.com/qri-io/swarmd/event"
	"github.com/qri-io/swarmd/identify"
	"github.com/qri-io/swarmd/mplex"
	"github.com/qri-io/swarmd/mstream"
	"github.com/qri-io/swarmd/peer"
	"github.com/qri-io/swarmd/sec"
)

var log = golog.Logger("conn")

// Protector transforms a raw stream, accepted or dialed, before any
// negotiation begins
// (spec.md §4.H inbound step 1: "if a private-network protector is
// configured, transform the stream through it"). Its internals are an
// external collaborator (spec.md §1 treats PSK/pnet as out of scope); only
// the hook is modeled here.
type Protector func(io.ReadWriteCloser) (io.ReadWriteCloser, error)

// IdentityHandler is invoked once the identity exchange completes and
// validates; it is the seam through which a PeerConnection reports the
// remote peer up to the owning Swarm's registry (spec.md §4.B
// register_peer).
type IdentityHandler func(snap *identify.Snapshot, remoteAddr ma.Multiaddr) (*peer.Peer, error)

// Config carries everything a PeerConnection needs that is shared across
// every connection a Swarm makes (its identity, its registered security
// and identity handlers).
type Config struct {
	LocalID        peer.ID
	LocalKey       ic.PrivKey
	Security       []sec.Transport // tried in registration order (spec.md §4.F)
	Protector      Protector       // optional
	Bus            event.Bus
	BandwidthCtr   *bwc.Counter
	OnIdentity     IdentityHandler
	ProtocolVersion string
	AgentVersion    string
}

// PeerConnection is one established (or establishing) connection to a
// remote peer.
type PeerConnection struct {
	cfg Config

	mu          sync.Mutex
	ctx         context.Context
	stream      io.ReadWriteCloser
	localAddr   ma.Multiaddr
	remoteAddr  ma.Multiaddr
	remotePeer  *peer.Peer
	muxer       *mplex.Muxer
	protocols   *mstream.Multistream
	disposed    bool
	onClosed    func(*PeerConnection)

	securityEstablished *slot
	muxerEstablished     *slot
	identityEstablished  *slot
}

// New constructs an unconnected PeerConnection against cfg's shared
// handshake configuration.
func New(cfg Config) *PeerConnection {
	c := &PeerConnection{
		cfg:                  cfg,
		protocols:            mstream.New(),
		securityEstablished:  newSlot(),
		muxerEstablished:     newSlot(),
		identityEstablished:  newSlot(),
	}
	for _, s := range cfg.Security {
		s := s
		c.protocols.AddProtocol(s.Protocol(), c.securityHandler(s))
	}
	c.protocols.AddProtocol(mplex.ProtocolID, c.muxerHandler())
	c.protocols.AddProtocol(identify.ID, func(name string, rw io.ReadWriteCloser) (io.ReadWriteCloser, bool, error) {
		err := c.runIdentityExchange(rw)
		if err != nil {
			c.identityEstablished.Cancel()
		}
		return nil, false, err
	})
	return c
}

// OnClosed registers a callback invoked exactly once, when Dispose runs
// (spec.md §4.I: "Subscribes to the per-connection Closed event").
func (c *PeerConnection) OnClosed(fn func(*PeerConnection)) {
	c.mu.Lock()
	c.onClosed = fn
	c.mu.Unlock()
}

// RemotePeer returns the peer this connection has identified as, or nil
// before the identity stage completes.
func (c *PeerConnection) RemotePeer() *peer.Peer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remotePeer
}

// RemoteAddr returns the address this connection is reaching its peer
// through.
func (c *PeerConnection) RemoteAddr() ma.Multiaddr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteAddr
}

// IsActive reports whether the connection has not yet been disposed.
// Socket-level readability/writability (spec.md §4.I try_get) is left to
// the transport; a disposed flag is this layer's proxy for it.
func (c *PeerConnection) IsActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.disposed
}

// encryptionNames returns the registered security protocols in
// registration order (spec.md §4.F: "tried in registration order", unlike
// the semver-descending order used for same-named protocol versions).
func (c *PeerConnection) encryptionNames() []string {
	names := make([]string, len(c.cfg.Security))
	for i, s := range c.cfg.Security {
		names[i] = s.Protocol()
	}
	return names
}

func (c *PeerConnection) securityTransport(name string) sec.Transport {
	for _, s := range c.cfg.Security {
		if s.Protocol() == name {
			return s
		}
	}
	return nil
}

// Initiate runs the outbound handshake (spec.md §4.H state machine,
// outbound): multistream header and security negotiation on the base
// stream, a second multistream header and mplex negotiation on the
// (possibly replaced) secure stream, then the identity exchange over a
// fresh substream.
func (c *PeerConnection) Initiate(ctx context.Context, base io.ReadWriteCloser, localAddr, remoteAddr ma.Multiaddr, remoteID peer.ID) error {
	if c.cfg.Protector != nil {
		protected, err := c.cfg.Protector(base)
		if err != nil {
			c.failStage(err)
			return fmt.Errorf("conn: private network protector: %w", err)
		}
		base = protected
	}
	if c.cfg.BandwidthCtr != nil {
		base = c.cfg.BandwidthCtr.Wrap(base)
	}

	c.mu.Lock()
	c.ctx = ctx
	c.stream = base
	c.localAddr = localAddr
	c.remoteAddr = remoteAddr
	c.mu.Unlock()

	selected, err := mstream.SelectOne(base, c.encryptionNames())
	if err != nil {
		c.failStage(err)
		return fmt.Errorf("conn: negotiating security: %w", err)
	}
	st := c.securityTransport(selected)
	secured, err := st.SecureOutbound(ctx, base, remoteID)
	if err != nil {
		c.failStage(err)
		return fmt.Errorf("conn: securing outbound connection: %w", err)
	}
	c.securityEstablished.TrySet(secured)
	c.setStream(secured)

	muxSelected, err := mstream.SelectOne(secured, []string{mplex.ProtocolID})
	if err != nil || muxSelected != mplex.ProtocolID {
		c.failStage(err)
		return fmt.Errorf("conn: negotiating muxer: %w", err)
	}
	muxer := c.startMuxer(ctx, secured, true)

	idStream, err := muxer.CreateStream(identify.ID)
	if err != nil {
		c.failStage(err)
		return fmt.Errorf("conn: opening identity stream: %w", err)
	}
	idSelected, err := mstream.SelectOne(idStream, []string{identify.ID})
	if err != nil || idSelected != identify.ID {
		c.failStage(err)
		return fmt.Errorf("conn: negotiating identity protocol: %w", err)
	}
	if err := c.runIdentityExchange(idStream); err != nil {
		c.failStage(err)
		return fmt.Errorf("conn: identity exchange: %w", err)
	}
	return nil
}

// Accept runs the inbound handshake (spec.md §4.H state machine, inbound):
// the read loop repeatedly negotiates against the protocol table until a
// handler claims ownership of all further reads (the muxer), then Accept
// waits for the identity exchange the remote runs over a substream and
// returns once it has completed.
func (c *PeerConnection) Accept(ctx context.Context, base io.ReadWriteCloser, localAddr, remoteAddr ma.Multiaddr) error {
	current := base
	if c.cfg.Protector != nil {
		protected, err := c.cfg.Protector(base)
		if err != nil {
			c.failStage(err)
			return fmt.Errorf("conn: private network protector: %w", err)
		}
		current = protected
	}
	if c.cfg.BandwidthCtr != nil {
		current = c.cfg.BandwidthCtr.Wrap(current)
	}

	c.mu.Lock()
	c.ctx = ctx
	c.stream = current
	c.localAddr = localAddr
	c.remoteAddr = remoteAddr
	c.mu.Unlock()

	for {
		if ctx.Err() != nil {
			c.failStage(ctx.Err())
			return ctx.Err()
		}
		handled, next, takeOver, err := c.protocols.Negotiate(current)
		if err != nil {
			c.failStage(err)
			return fmt.Errorf("conn: inbound negotiation: %w", err)
		}
		if next != nil {
			current = next
			c.setStream(current)
		}
		if takeOver {
			select {
			case <-c.identityEstablished.Done():
			case <-ctx.Done():
				c.failStage(ctx.Err())
				return ctx.Err()
			}
			if _, err := c.identityEstablished.Wait(); err != nil {
				c.failStage(err)
				return fmt.Errorf("conn: inbound identity: %w", err)
			}
			return nil
		}
		if !handled {
			continue
		}
	}
}

func (c *PeerConnection) setStream(rw io.ReadWriteCloser) {
	c.mu.Lock()
	c.stream = rw
	c.mu.Unlock()
}

// securityHandler adapts a sec.Transport into a mstream.Handler for the
// inbound accept path: it secures the stream and reports the replacement,
// never taking over the read loop (negotiation continues on the secured
// stream).
func (c *PeerConnection) securityHandler(s sec.Transport) mstream.Handler {
	return func(name string, rw io.ReadWriteCloser) (io.ReadWriteCloser, bool, error) {
		secured, err := s.SecureInbound(c.connCtx(), rw)
		if err != nil {
			return nil, false, fmt.Errorf("conn: securing inbound connection: %w", err)
		}
		c.securityEstablished.TrySet(secured)
		return secured, false, nil
	}
}

// muxerHandler adapts mplex into a mstream.Handler for the inbound accept
// path: it constructs the Muxer, starts its read loop, and reports
// takeOver so the connection's own negotiation loop stops reading.
func (c *PeerConnection) muxerHandler() mstream.Handler {
	return func(name string, rw io.ReadWriteCloser) (io.ReadWriteCloser, bool, error) {
		c.startMuxer(c.connCtx(), rw, false)
		return nil, true, nil
	}
}

// connCtx returns the context passed to Initiate/Accept, or a background
// context if neither has run yet.
func (c *PeerConnection) connCtx() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx != nil {
		return c.ctx
	}
	return context.Background()
}

func (c *PeerConnection) startMuxer(ctx context.Context, rw io.ReadWriteCloser, initiator bool) *mplex.Muxer {
	muxer := mplex.NewMuxer(rw, initiator, mplex.NewMuxerOptions{
		OnNewStream: c.handleNewSubstream(ctx),
		OnShutdown: func(cause error) {
			log.Debugf("conn: muxer shut down: %v", cause)
			c.Dispose()
		},
	})
	c.mu.Lock()
	c.muxer = muxer
	c.mu.Unlock()
	c.muxerEstablished.TrySet(muxer)
	go muxer.ProcessRequests(ctx)
	return muxer
}

// handleNewSubstream runs the per-substream multistream dispatch (spec.md
// §3: "Each accepted substream enters its own multistream negotiation
// against the connection's protocol table"). Only the identity protocol is
// handled at this layer; application substreams are left for a higher
// layer to claim via its own protocol table entries, which is outside this
// component's scope.
func (c *PeerConnection) handleNewSubstream(ctx context.Context) func(*mplex.Substream) {
	return func(s *mplex.Substream) {
		go func() {
			handled, _, _, err := c.protocols.Negotiate(s)
			if err != nil {
				log.Debugf("conn: substream %d negotiation failed: %s", s.ID(), err)
				_ = s.Reset()
				return
			}
			if !handled {
				_ = s.Reset()
			}
		}()
	}
}

// runIdentityExchange writes this side's snapshot and reads the peer's,
// concurrently so neither side blocks waiting for the other to go first,
// then validates and registers the remote peer (spec.md §4.H step 5).
func (c *PeerConnection) runIdentityExchange(rw io.ReadWriteCloser) error {
	localSnap := &identify.Snapshot{
		ProtocolVersion: c.cfg.ProtocolVersion,
		AgentVersion:    c.cfg.AgentVersion,
		PublicKey:       c.cfg.LocalKey.GetPublic(),
	}

	var writeErr, readErr error
	var remoteSnap *identify.Snapshot
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		writeErr = identify.Write(rw, localSnap)
	}()
	go func() {
		defer wg.Done()
		remoteSnap, readErr = identify.Read(rw)
	}()
	wg.Wait()

	if writeErr != nil || readErr != nil {
		return multierror.Append(writeErr, readErr).ErrorOrNil()
	}

	remoteID, err := peer.IDFromPublicKey(remoteSnap.PublicKey)
	if err != nil {
		return fmt.Errorf("conn: deriving remote peer id: %w", err)
	}

	c.mu.Lock()
	remoteAddr := c.remoteAddr
	c.mu.Unlock()

	if c.cfg.OnIdentity != nil {
		p, err := c.cfg.OnIdentity(remoteSnap, remoteAddr)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.remotePeer = p
		c.mu.Unlock()
	}
	c.identityEstablished.TrySet(remoteID)
	return nil
}

// failStage implements spec.md §4.H's failure semantics: dispose the
// stream and cancel the three completion slots.
func (c *PeerConnection) failStage(cause error) {
	c.securityEstablished.Cancel()
	c.muxerEstablished.Cancel()
	c.identityEstablished.Cancel()
	c.Dispose()
}

// Dispose idempotently tears the connection down: closes the underlying
// stream, cancels any unresolved completion slots, and notifies the
// registered Closed callback exactly once.
func (c *PeerConnection) Dispose() error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil
	}
	c.disposed = true
	stream := c.stream
	onClosed := c.onClosed
	c.mu.Unlock()

	c.securityEstablished.Cancel()
	c.muxerEstablished.Cancel()
	c.identityEstablished.Cancel()

	var err error
	if stream != nil {
		err = stream.Close()
	}
	if onClosed != nil {
		onClosed(c)
	}
	return err
}

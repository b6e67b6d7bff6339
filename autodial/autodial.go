// Package autodial implements the AutoDialer (spec.md §4.K): a background
// subscriber that keeps the swarm above a minimum connection count by
// dialing newly discovered peers and, on disconnect, a random replacement.
package autodial

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	golog "github.com/ipfs/go-log"

	"github.com/qri-io/swarmd/event"
	"github.com/qri-io/swarmd/peer"
	"github.com/qri-io/swarmd/swarm"
)

var log = golog.Logger("autodial")

// DefaultMinConnections is the min_connections floor AutoDialer maintains
// when Config.MinConnections is zero.
const DefaultMinConnections = 16

// jitterWindow spreads out disconnect-triggered redials so a burst of
// simultaneous disconnects doesn't thunder into the dialer at once.
const jitterWindow = 250 * time.Millisecond

// Config configures an AutoDialer.
type Config struct {
	Swarm          *swarm.Swarm
	Bus            event.Bus
	MinConnections int
	Clock          clock.Clock // defaults to clock.New()
}

// AutoDialer subscribes to PeerDiscovered and PeerDisconnected and dials to
// maintain at least MinConnections active connections.
type AutoDialer struct {
	sw             *swarm.Swarm
	bus            event.Bus
	minConnections int
	clock          clock.Clock

	pendingConnects int32 // atomic

	sub    <-chan event.Event
	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs an AutoDialer. Call Start to begin subscribing.
func New(cfg Config) *AutoDialer {
	min := cfg.MinConnections
	if min <= 0 {
		min = DefaultMinConnections
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &AutoDialer{
		sw:             cfg.Swarm,
		bus:            cfg.Bus,
		minConnections: min,
		clock:          clk,
	}
}

// Start begins processing PeerDiscovered/PeerDisconnected events until ctx
// is cancelled or Stop is called.
func (d *AutoDialer) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.sub = d.bus.Subscribe(event.ETSwarmPeerDiscovered, event.ETSwarmPeerDisconnected)
	d.done = make(chan struct{})

	go func() {
		defer close(d.done)
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-d.sub:
				if !ok {
					return
				}
				d.handle(ctx, e)
			}
		}
	}()
}

// Stop unsubscribes from the bus and waits for the processing goroutine to
// exit.
func (d *AutoDialer) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	if d.sub != nil {
		d.bus.Unsubscribe(d.sub)
	}
	if d.done != nil {
		<-d.done
	}
}

func (d *AutoDialer) handle(ctx context.Context, e event.Event) {
	switch e.Topic {
	case event.ETSwarmPeerDiscovered:
		p, ok := e.Payload.(*peer.Peer)
		if !ok {
			return
		}
		d.maybeDial(ctx, p)
	case event.ETSwarmPeerDisconnected:
		p, _ := e.Payload.(*peer.Peer)
		var exclude peer.ID
		if p != nil {
			exclude = p.ID()
		}
		go func() {
			select {
			case <-d.clock.After(d.jitter()):
			case <-ctx.Done():
				return
			}
			d.maybeDialReplacement(ctx, exclude)
		}()
	}
}

func (d *AutoDialer) jitter() time.Duration {
	return time.Duration(rand.Int63n(int64(jitterWindow)))
}

// belowFloor reports whether active + pending connections are still under
// min_connections, per spec.md §4.K's "active_connections + pending_connects
// < min_connections" guard.
func (d *AutoDialer) belowFloor() bool {
	active := d.sw.ConnectionManager().Len()
	pending := int(atomic.LoadInt32(&d.pendingConnects))
	return active+pending < d.minConnections
}

func (d *AutoDialer) maybeDial(ctx context.Context, target *peer.Peer) {
	if !d.sw.IsRunning() || !d.belowFloor() {
		return
	}
	d.dial(ctx, target)
}

func (d *AutoDialer) maybeDialReplacement(ctx context.Context, exclude peer.ID) {
	if !d.sw.IsRunning() || !d.belowFloor() {
		return
	}
	candidate := d.pickReplacement(exclude)
	if candidate == nil {
		return
	}
	d.dial(ctx, candidate)
}

// pickReplacement chooses uniformly at random among known peers with no
// connected address, excluding the peer that just disconnected, that are
// policy-allowed and have no dial already in flight.
func (d *AutoDialer) pickReplacement(exclude peer.ID) *peer.Peer {
	var candidates []*peer.Peer
	for _, p := range d.sw.Peers() {
		if p.ID() == exclude {
			continue
		}
		if p.ConnectedAddr() != nil {
			continue
		}
		if d.sw.HasPendingDial(p.ID()) {
			continue
		}
		if !d.sw.IsAllowed(p) {
			continue
		}
		candidates = append(candidates, p)
	}
	if len(candidates) == 0 {
		return nil
	}
	return candidates[rand.Intn(len(candidates))]
}

// dial increments pending_connects, dials, then decrements in a finally
// block; failures are logged and swallowed (spec.md §4.K).
func (d *AutoDialer) dial(ctx context.Context, target *peer.Peer) {
	atomic.AddInt32(&d.pendingConnects, 1)
	go func() {
		defer atomic.AddInt32(&d.pendingConnects, -1)
		if _, err := d.sw.Connect(ctx, target); err != nil {
			log.Debugf("autodial: connect to %s failed: %s", target.ID(), err)
		}
	}()
}

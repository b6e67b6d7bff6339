// Package peermgr implements the Peer Manager (spec.md §4.L): a dead-peer
// backoff tracker that blacklists unreachable peers with exponentially
// growing retry delays and periodically gives them another chance.
package peermgr

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	golog "github.com/ipfs/go-log"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/qri-io/swarmd/conn"
	"github.com/qri-io/swarmd/event"
	"github.com/qri-io/swarmd/peer"
	"github.com/qri-io/swarmd/swarm"
)

var log = golog.Logger("peermgr")

// DefaultInitialBackoff is the dead-set entry's starting retry delay.
const DefaultInitialBackoff = time.Minute

// DefaultMaxBackoff is the ceiling a dead-set entry's backoff doubles
// towards before the peer is permanently deregistered.
const DefaultMaxBackoff = 64 * time.Minute

// Config configures a Manager.
type Config struct {
	Swarm          *swarm.Swarm
	Bus            event.Bus
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Clock          clock.Clock // defaults to clock.New()
}

type deadEntry struct {
	backoff     time.Duration
	nextAttempt time.Time
}

// Manager tracks peers that have proven unreachable, keeping a /p2p/<id>
// entry on the swarm's deny list for each until its backoff elapses. The
// deny list matches by protocol-level prefix, so that entry matches only
// addresses that begin with /p2p/<id>.
type Manager struct {
	sw             *swarm.Swarm
	bus            event.Bus
	initialBackoff time.Duration
	maxBackoff     time.Duration
	clock          clock.Clock

	mu   sync.Mutex
	dead map[peer.ID]*deadEntry

	sub    <-chan event.Event
	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Manager. Call Start to begin subscribing.
func New(cfg Config) *Manager {
	initial := cfg.InitialBackoff
	if initial <= 0 {
		initial = DefaultInitialBackoff
	}
	max := cfg.MaxBackoff
	if max <= 0 {
		max = DefaultMaxBackoff
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Manager{
		sw:             cfg.Swarm,
		bus:            cfg.Bus,
		initialBackoff: initial,
		maxBackoff:     max,
		clock:          clk,
		dead:           map[peer.ID]*deadEntry{},
	}
}

// Start begins processing ConnectionEstablished/PeerNotReachable events and
// the background backoff-scan loop, until ctx is cancelled or Stop is
// called.
func (m *Manager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.sub = m.bus.Subscribe(event.ETSwarmConnectionEstablished, event.ETSwarmPeerNotReachable)
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		ticker := m.clock.Ticker(m.initialBackoff)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-m.sub:
				if !ok {
					return
				}
				m.handle(e)
			case <-ticker.C:
				m.scan()
			}
		}
	}()
}

// Stop unsubscribes from the bus and waits for the background loop to
// exit.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	if m.sub != nil {
		m.bus.Unsubscribe(m.sub)
	}
	if m.done != nil {
		<-m.done
	}
}

func (m *Manager) handle(e event.Event) {
	switch e.Topic {
	case event.ETSwarmConnectionEstablished:
		if c, ok := e.Payload.(*conn.PeerConnection); ok {
			if p := c.RemotePeer(); p != nil {
				m.markReachable(p.ID())
			}
		}
	case event.ETSwarmPeerNotReachable:
		if p, ok := e.Payload.(*peer.Peer); ok {
			m.markUnreachable(p)
		}
	}
}

// markReachable removes id from the dead set and lifts its blacklist
// entry.
func (m *Manager) markReachable(id peer.ID) {
	m.mu.Lock()
	_, wasDead := m.dead[id]
	delete(m.dead, id)
	m.mu.Unlock()
	if wasDead {
		m.sw.Policy().Deny.Remove(blacklistAddr(id))
	}
}

// markUnreachable adds p to the dead set with a fresh or doubled backoff,
// adds its blacklist entry, and permanently deregisters it once the next
// backoff would exceed the ceiling.
func (m *Manager) markUnreachable(p *peer.Peer) {
	id := p.ID()
	now := m.clock.Now()

	m.mu.Lock()
	entry, ok := m.dead[id]
	if !ok {
		entry = &deadEntry{backoff: m.initialBackoff}
		m.dead[id] = entry
	} else {
		next := entry.backoff * 2
		if next > m.maxBackoff {
			delete(m.dead, id)
			m.mu.Unlock()
			m.sw.Policy().Deny.Remove(blacklistAddr(id))
			m.sw.DeregisterPeer(id)
			log.Infof("peermgr: %s exceeded max backoff, deregistering permanently", id)
			return
		}
		entry.backoff = next
	}
	entry.nextAttempt = now.Add(entry.backoff)
	m.mu.Unlock()

	m.sw.Policy().Deny.Add(blacklistAddr(id))
}

// scan temporarily lifts the blacklist entry and attempts a reconnect for
// every dead-set peer whose backoff has elapsed. A failed attempt re-raises
// PeerNotReachable, which markUnreachable uses to double the backoff and
// re-blacklist; a successful one raises ConnectionEstablished, which
// markReachable uses to clear the dead-set entry.
func (m *Manager) scan() {
	now := m.clock.Now()

	m.mu.Lock()
	var ready []peer.ID
	for id, entry := range m.dead {
		if entry.nextAttempt.Before(now) {
			ready = append(ready, id)
		}
	}
	m.mu.Unlock()

	for _, id := range ready {
		p := m.sw.Peer(id)
		if p == nil {
			continue
		}
		m.sw.Policy().Deny.Remove(blacklistAddr(id))
		go func(p *peer.Peer) {
			if _, err := m.sw.Connect(context.Background(), p); err != nil {
				log.Debugf("peermgr: retry dial to %s failed: %s", p.ID(), err)
			}
		}(p)
	}
}

func blacklistAddr(id peer.ID) ma.Multiaddr {
	a, err := ma.NewMultiaddr("/p2p/" + id.Pretty())
	if err != nil {
		// id is always a valid base58 peer id, so this cannot happen.
		return nil
	}
	return a
}

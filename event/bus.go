// Package event implements a small in-process publish/subscribe bus used
// throughout swarmd for peer lifecycle and muxer notifications (spec.md §9
// "Event pub/sub"). Publish is non-blocking: channel subscribers that fall
// behind drop events rather than stall the publisher.
package event

import (
	"context"
	"sync"
	"time"

	golog "github.com/ipfs/go-log"
)

var log = golog.Logger("event")

// chanBufSize bounds how far behind a channel subscriber may fall before
// new events to it are dropped.
const chanBufSize = 32

// Topic names an event kind. Conventionally "<subsystem>:<Name>", matching
// the teacher's own topic-naming habit (e.g. "main:SaidHello").
type Topic string

// Event is a single published occurrence.
type Event struct {
	Topic     Topic
	Timestamp int64
	SessionID string
	Payload   interface{}
}

// Handler processes an event delivered via a handler-style subscription.
type Handler func(ctx context.Context, e Event) error

// NowFunc stamps event timestamps; overridable for deterministic tests.
var NowFunc = time.Now

// Synchronizer lets a publisher wait for all of a publish's channel
// subscribers to acknowledge receipt, optionally surfacing the first error
// any of them reported.
type Synchronizer interface {
	Outstanding(topic Topic, n int)
	Wait() error
}

// Bus is the publish/subscribe surface. A Bus is safe for concurrent use.
type Bus interface {
	Publish(ctx context.Context, topic Topic, payload interface{})
	PublishID(ctx context.Context, topic Topic, sessionID string, payload interface{})

	SubscribeTopics(handler Handler, topics ...Topic)
	SubscribeID(handler Handler, sessionID string)
	SubscribeAll(handler Handler)

	// Subscribe returns a channel subscription. The subscription handle owns
	// its own lifetime: dropping it (via Unsubscribe, or bus shutdown) is
	// the only way it stops receiving.
	Subscribe(topics ...Topic) <-chan Event
	Unsubscribe(ch <-chan Event)

	Synchronizer() Synchronizer
	Acknowledge(e Event, err error)

	NumSubscribers(topic Topic) int
}

// NewBus constructs a Bus. All subscriptions are torn down when ctx is done.
func NewBus(ctx context.Context) Bus {
	b := &bus{ctx: ctx}
	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		for _, cs := range b.chanSubs {
			close(cs.ch)
		}
		b.chanSubs = nil
		b.handlerSubs = nil
	}()
	return b
}

type handlerSub struct {
	handler Handler
	topics  map[Topic]bool // nil == all topics
	id      string         // "" == any session
}

func (h *handlerSub) matches(e Event) bool {
	if h.id != "" && h.id != e.SessionID {
		return false
	}
	if h.topics == nil {
		return true
	}
	return h.topics[e.Topic]
}

type chanSub struct {
	ch     chan Event
	topics map[Topic]bool
}

func (c *chanSub) matches(e Event) bool {
	if c.topics == nil {
		return true
	}
	return c.topics[e.Topic]
}

type bus struct {
	ctx context.Context

	mu          sync.Mutex
	handlerSubs []*handlerSub
	chanSubs    []*chanSub
	sync        *syncState
}

func (b *bus) SubscribeTopics(handler Handler, topics ...Topic) {
	set := make(map[Topic]bool, len(topics))
	for _, t := range topics {
		set[t] = true
	}
	b.mu.Lock()
	b.handlerSubs = append(b.handlerSubs, &handlerSub{handler: handler, topics: set})
	b.mu.Unlock()
}

func (b *bus) SubscribeID(handler Handler, sessionID string) {
	b.mu.Lock()
	b.handlerSubs = append(b.handlerSubs, &handlerSub{handler: handler, id: sessionID})
	b.mu.Unlock()
}

func (b *bus) SubscribeAll(handler Handler) {
	b.mu.Lock()
	b.handlerSubs = append(b.handlerSubs, &handlerSub{handler: handler})
	b.mu.Unlock()
}

func (b *bus) Subscribe(topics ...Topic) <-chan Event {
	var set map[Topic]bool
	if len(topics) > 0 {
		set = make(map[Topic]bool, len(topics))
		for _, t := range topics {
			set[t] = true
		}
	}
	ch := make(chan Event, chanBufSize)
	b.mu.Lock()
	b.chanSubs = append(b.chanSubs, &chanSub{ch: ch, topics: set})
	b.mu.Unlock()
	return ch
}

func (b *bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, cs := range b.chanSubs {
		if cs.ch == ch {
			close(cs.ch)
			b.chanSubs = append(b.chanSubs[:i], b.chanSubs[i+1:]...)
			return
		}
	}
}

func (b *bus) NumSubscribers(topic Topic) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, cs := range b.chanSubs {
		if cs.topics == nil || cs.topics[topic] {
			n++
		}
	}
	for _, hs := range b.handlerSubs {
		if hs.topics == nil || hs.topics[topic] {
			n++
		}
	}
	return n
}

func (b *bus) Publish(ctx context.Context, topic Topic, payload interface{}) {
	b.PublishID(ctx, topic, "", payload)
}

func (b *bus) PublishID(ctx context.Context, topic Topic, sessionID string, payload interface{}) {
	e := Event{Topic: topic, Timestamp: NowFunc().UnixNano(), SessionID: sessionID, Payload: payload}

	b.mu.Lock()
	var handlers []*handlerSub
	for _, hs := range b.handlerSubs {
		if hs.matches(e) {
			handlers = append(handlers, hs)
		}
	}
	var chans []*chanSub
	for _, cs := range b.chanSubs {
		if cs.matches(e) {
			chans = append(chans, cs)
		}
	}
	sync := b.sync
	b.mu.Unlock()

	if sync != nil && len(chans) > 0 {
		sync.Outstanding(topic, len(chans))
	}

	// Handler subscribers run synchronously, in subscription order.
	for _, hs := range handlers {
		if err := hs.handler(ctx, e); err != nil {
			log.Debugf("event handler for %s returned error: %s", topic, err)
		}
	}

	// Channel subscribers never block the publisher.
	for _, cs := range chans {
		select {
		case cs.ch <- e:
		default:
			log.Debugf("dropping event %s: subscriber channel full", topic)
		}
	}
}

func (b *bus) Synchronizer() Synchronizer {
	s := &syncState{done: make(chan struct{})}
	b.mu.Lock()
	b.sync = s
	b.mu.Unlock()
	return s
}

func (b *bus) Acknowledge(e Event, err error) {
	b.mu.Lock()
	s := b.sync
	b.mu.Unlock()
	if s == nil {
		return
	}
	s.ack(err)
}

type syncState struct {
	mu          sync.Mutex
	outstanding int
	err         error
	done        chan struct{}
	closed      bool
}

func (s *syncState) Outstanding(topic Topic, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outstanding += n
}

func (s *syncState) ack(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil && s.err == nil {
		s.err = err
	}
	s.outstanding--
	if s.outstanding <= 0 && !s.closed {
		s.closed = true
		close(s.done)
	}
}

func (s *syncState) Wait() error {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

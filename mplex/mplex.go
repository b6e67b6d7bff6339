// Package mplex implements the mplex-style stream multiplexer (spec.md
// §4.G): many bidirectional substreams carried over one duplex channel.
package mplex

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	pool "github.com/libp2p/go-buffer-pool"
	golog "github.com/ipfs/go-log"
	varint "github.com/multiformats/go-varint"
)

var log = golog.Logger("mplex")

// ProtocolID is the name the multiplexer negotiates under (spec.md §4.H
// step 4).
const ProtocolID = "/mplex/6.7.0"

// packetType is the low 3 bits of a frame header (spec.md §4.G wire format).
type packetType int64

const (
	newStream       packetType = 0
	messageReceiver packetType = 1
	messageInitiator packetType = 2
	closeReceiver   packetType = 3
	closeInitiator  packetType = 4
	resetReceiver   packetType = 5
	resetInitiator  packetType = 6
)

// ErrInvalidFrame is returned by the read loop on an unknown packet type
// (spec.md §4.G: "terminate the loop with an invalid-data failure").
var ErrInvalidFrame = errors.New("mplex: invalid frame type")

// ErrStreamClosed is returned by Substream operations once the stream has
// been closed, reset, or its owning channel torn down.
var ErrStreamClosed = errors.New("mplex: stream closed")

// Substream is one bidirectional stream multiplexed over a Muxer.
type Substream struct {
	id        uint64
	name      string
	initiator bool
	mux       *Muxer

	mu       sync.Mutex
	buf      []byte
	closed   bool
	readCond *sync.Cond
}

func newSubstream(id uint64, name string, initiator bool, mux *Muxer) *Substream {
	s := &Substream{id: id, name: name, initiator: initiator, mux: mux}
	s.readCond = sync.NewCond(&s.mu)
	return s
}

// ID returns the stream id assigned at creation.
func (s *Substream) ID() uint64 { return s.id }

// Name returns the stream's NewStream payload.
func (s *Substream) Name() string { return s.name }

// Read blocks until data is available, the stream reaches end-of-stream, or
// it is torn down.
func (s *Substream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.buf) == 0 && !s.closed {
		s.readCond.Wait()
	}
	if len(s.buf) == 0 && s.closed {
		return 0, io.EOF
	}
	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

func (s *Substream) appendData(b []byte) {
	s.mu.Lock()
	s.buf = append(s.buf, b...)
	s.readCond.Broadcast()
	s.mu.Unlock()
}

func (s *Substream) markClosed() {
	s.mu.Lock()
	s.closed = true
	s.readCond.Broadcast()
	s.mu.Unlock()
}

// Write sends p as a single MessageInitiator/MessageReceiver frame
// depending on which side opened the stream.
func (s *Substream) Write(p []byte) (int, error) {
	pt := messageInitiator
	if !s.initiator {
		pt = messageReceiver
	}
	if err := s.mux.writeFrame(s.id, pt, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close sends a Close* frame and removes the stream from the muxer's map
// (spec.md §4.G remove_stream).
func (s *Substream) Close() error {
	s.markClosed()
	return s.mux.removeStream(s, false)
}

// Reset sends a Reset* frame; semantically identical to Close at this layer.
func (s *Substream) Reset() error {
	s.markClosed()
	return s.mux.removeStream(s, true)
}

// Muxer is one mplex instance bound to a single PeerConnection's base
// stream.
type Muxer struct {
	rw        io.ReadWriteCloser
	br        *bufio.Reader
	initiator bool

	writeMu sync.Mutex

	mu        sync.Mutex
	streams   map[uint64]*Substream
	nextID    uint64
	roleFixed bool

	onNewStream   func(*Substream)
	onStreamClose func(*Substream)
	onShutdown    func(error)
}

// NewMuxerOptions configures callbacks a Muxer invokes as substreams come
// and go (spec.md §4.G: "announce via SubstreamCreated/SubstreamClosed").
type NewMuxerOptions struct {
	OnNewStream   func(*Substream)
	OnStreamClose func(*Substream)
	OnShutdown    func(error)
}

// NewMuxer constructs a Muxer bound to rw. initiator selects the starting
// stream-id parity (spec.md §4.G Role: even ids starting at 1000 for the
// initiator, odd starting at 1001 for the receiver).
func NewMuxer(rw io.ReadWriteCloser, initiator bool, opts NewMuxerOptions) *Muxer {
	start := uint64(1000)
	if !initiator {
		start = 1001
	}
	return &Muxer{
		rw:            rw,
		br:            bufio.NewReader(rw),
		initiator:     initiator,
		streams:       map[uint64]*Substream{},
		nextID:        start,
		onNewStream:   opts.OnNewStream,
		onStreamClose: opts.OnStreamClose,
		onShutdown:    opts.OnShutdown,
	}
}

// SetInitiator flips the role. Legal only before any stream has been
// opened (spec.md §4.G: "A role flip is legal only before any stream is
// opened").
func (m *Muxer) SetInitiator(initiator bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.roleFixed {
		return errors.New("mplex: cannot change role after opening a stream")
	}
	m.initiator = initiator
	if initiator {
		m.nextID = 1000
	} else {
		m.nextID = 1001
	}
	return nil
}

func (m *Muxer) writeFrame(id uint64, pt packetType, payload []byte) error {
	header := (id << 3) | uint64(pt)
	hlen := varint.UvarintSize(header)
	llen := varint.UvarintSize(uint64(len(payload)))
	buf := pool.Get(hlen + llen + len(payload))
	defer pool.Put(buf)

	off := varint.PutUvarint(buf, header)
	off += varint.PutUvarint(buf[off:], uint64(len(payload)))
	off += copy(buf[off:], payload)

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_, err := m.rw.Write(buf[:off])
	return err
}

// CreateStream allocates the next id for this role, registers it, and
// emits a NewStream frame (spec.md §4.G create_stream).
func (m *Muxer) CreateStream(name string) (*Substream, error) {
	m.mu.Lock()
	id := m.nextID
	m.nextID += 2
	m.roleFixed = true
	s := newSubstream(id, name, m.initiator, m)
	m.streams[id] = s
	m.mu.Unlock()

	if err := m.writeFrame(id, newStream, []byte(name)); err != nil {
		m.mu.Lock()
		delete(m.streams, id)
		m.mu.Unlock()
		return nil, fmt.Errorf("mplex: creating stream %q: %w", name, err)
	}
	return s, nil
}

// removeStream emits the appropriate Close/Reset frame for s (from this
// role's perspective) and drops it from the map, if present.
func (m *Muxer) removeStream(s *Substream, reset bool) error {
	m.mu.Lock()
	_, present := m.streams[s.id]
	delete(m.streams, s.id)
	m.mu.Unlock()
	if !present {
		return nil
	}

	pt := closeInitiator
	if reset {
		pt = resetInitiator
	}
	if !s.initiator {
		if reset {
			pt = resetReceiver
		} else {
			pt = closeReceiver
		}
	}
	err := m.writeFrame(s.id, pt, nil)
	if m.onStreamClose != nil {
		m.onStreamClose(s)
	}
	return err
}

// ProcessRequests is the background read loop (spec.md §4.G
// process_requests). It returns when the stream ends, errors, or is
// cancelled; callers are expected to run it in its own goroutine and
// dispose the owning connection on return.
func (m *Muxer) ProcessRequests(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			m.teardown(ctx.Err())
			return ctx.Err()
		}

		header, err := varint.ReadUvarint(m.br)
		if err != nil {
			m.teardown(err)
			return err
		}
		length, err := varint.ReadUvarint(m.br)
		if err != nil {
			m.teardown(err)
			return err
		}

		id := header >> 3
		pt := packetType(header & 0x7)

		payload := make([]byte, length)
		if _, err := io.ReadFull(m.br, payload); err != nil {
			m.teardown(err)
			return err
		}

		if err := m.handleFrame(id, pt, payload); err != nil {
			m.teardown(err)
			return err
		}
	}
}

func (m *Muxer) handleFrame(id uint64, pt packetType, payload []byte) error {
	switch pt {
	case newStream:
		m.mu.Lock()
		if _, collide := m.streams[id]; collide {
			m.mu.Unlock()
			log.Warnf("mplex: NewStream id %d already in use, skipping", id)
			return nil
		}
		// The newly observed stream is opened by the peer, so from our
		// perspective it's a receiver-role substream regardless of our own
		// role.
		s := newSubstream(id, string(payload), false, m)
		m.streams[id] = s
		m.mu.Unlock()

		if m.onNewStream != nil {
			m.onNewStream(s)
		}

		// go-hack: interop shim for a reference implementation that
		// expects its own NewStream echoed back when we're the receiver
		// and the id it chose is odd.
		if !m.initiator && id%2 == 1 {
			if err := m.writeFrame(id, newStream, payload); err != nil {
				return err
			}
		}
		return nil

	case messageInitiator, messageReceiver:
		m.mu.Lock()
		s, ok := m.streams[id]
		m.mu.Unlock()
		if !ok {
			log.Warnf("mplex: message for unknown stream %d, dropping", id)
			return nil
		}
		s.appendData(payload)
		return nil

	case closeInitiator, closeReceiver, resetInitiator, resetReceiver:
		m.mu.Lock()
		s, ok := m.streams[id]
		delete(m.streams, id)
		m.mu.Unlock()
		if !ok {
			return nil
		}
		s.markClosed()
		if m.onStreamClose != nil {
			m.onStreamClose(s)
		}
		return nil

	default:
		return fmt.Errorf("%w: type %d", ErrInvalidFrame, pt)
	}
}

// teardown marks every open substream closed and invokes OnShutdown
// (spec.md §4.G: "every substream is dropped" on loop termination).
func (m *Muxer) teardown(cause error) {
	m.mu.Lock()
	streams := make([]*Substream, 0, len(m.streams))
	for _, s := range m.streams {
		streams = append(streams, s)
	}
	m.streams = map[uint64]*Substream{}
	m.mu.Unlock()

	for _, s := range streams {
		s.markClosed()
	}
	if m.onShutdown != nil {
		m.onShutdown(cause)
	}
}

// Close shuts down the muxer's underlying stream.
func (m *Muxer) Close() error {
	return m.rw.Close()
}

// Package mstream implements multistream-select (spec.md §4.E, §6):
// per-stream protocol negotiation via offer/accept or "na".
package mstream

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
	golog "github.com/ipfs/go-log"

	"github.com/qri-io/swarmd/msmux"
)

var log = golog.Logger("mstream")

// ProtocolID is the multistream header token exchanged before any
// candidate protocol names.
const ProtocolID = "/multistream/1.0.0"

// ErrNotAvailable is returned by SelectOne when no candidate was accepted.
type ErrNotAvailable struct {
	Candidates []string
	Causes     error
}

func (e *ErrNotAvailable) Error() string {
	return fmt.Sprintf("mstream: none of %v were accepted: %s", e.Candidates, e.Causes)
}

// Handler answers a negotiated protocol name. It may return a replacement
// stream (e.g. a secure channel wrapping the plaintext one) and may signal
// takeOver=true to tell the caller's negotiation loop to stop -- used by
// the multiplexer, which owns all further reads on the connection once
// selected.
type Handler func(name string, rw io.ReadWriteCloser) (next io.ReadWriteCloser, takeOver bool, err error)

// writeHeader writes the multistream header token.
func writeHeader(w io.Writer) error {
	return msmux.WriteMsg(w, ProtocolID)
}

// readHeader reads and validates the multistream header token.
func readHeader(r *bufio.Reader) error {
	got, err := msmux.ReadMsg(r)
	if err != nil {
		return err
	}
	if got != ProtocolID {
		return fmt.Errorf("mstream: expected header %q, got %q", ProtocolID, got)
	}
	return nil
}

// SelectOne is the offer side of §4.E: write the multistream header, then
// try each candidate (caller-ordered) until the peer echoes it back.
func SelectOne(rw io.ReadWriteCloser, candidates []string) (string, error) {
	br := bufio.NewReader(rw)
	if err := writeHeader(rw); err != nil {
		return "", fmt.Errorf("mstream: writing header: %w", err)
	}
	if err := readHeader(br); err != nil {
		return "", fmt.Errorf("mstream: reading header reply: %w", err)
	}

	var causes error
	for _, c := range candidates {
		if err := msmux.WriteMsg(rw, c); err != nil {
			return "", fmt.Errorf("mstream: writing candidate %q: %w", c, err)
		}
		reply, err := msmux.ReadMsg(br)
		if err != nil {
			return "", fmt.Errorf("mstream: reading reply for %q: %w", c, err)
		}
		if reply == c {
			return c, nil
		}
		causes = multierror.Append(causes, fmt.Errorf("protocol %q: peer replied %q", c, reply))
	}
	return "", &ErrNotAvailable{Candidates: candidates, Causes: causes}
}

// Multistream is a per-connection protocol dispatch table (spec.md §3
// PeerConnection "mutable protocol dispatch table").
type Multistream struct {
	mu       sync.RWMutex
	handlers map[string]Handler

	headerMu sync.Mutex
	headers  map[io.ReadWriteCloser]*bufio.Reader
}

// New returns an empty dispatch table.
func New() *Multistream {
	return &Multistream{
		handlers: map[string]Handler{},
		headers:  map[io.ReadWriteCloser]*bufio.Reader{},
	}
}

// headerReader returns the buffered reader associated with rw, creating it
// (and reporting first=true) the first time rw is seen. A rejected
// candidate ("na") leaves rw's entry in place so a retried Negotiate call
// resumes reading from the same buffer instead of redoing the header
// handshake.
func (m *Multistream) headerReader(rw io.ReadWriteCloser) (br *bufio.Reader, first bool) {
	m.headerMu.Lock()
	defer m.headerMu.Unlock()
	if br, ok := m.headers[rw]; ok {
		return br, false
	}
	br = bufio.NewReader(rw)
	m.headers[rw] = br
	return br, true
}

// forgetHeaderReader drops rw's cached reader once negotiation on it has
// resolved (handled, takeOver, or error) and won't be retried.
func (m *Multistream) forgetHeaderReader(rw io.ReadWriteCloser) {
	m.headerMu.Lock()
	delete(m.headers, rw)
	m.headerMu.Unlock()
}

// AddProtocol registers h under name (spec.md §4.H: names are expected to
// already carry their "/name/version" form).
func (m *Multistream) AddProtocol(name string, h Handler) {
	m.mu.Lock()
	m.handlers[name] = h
	m.mu.Unlock()
}

// AddProtocols registers every handler in hs.
func (m *Multistream) AddProtocols(hs map[string]Handler) {
	for name, h := range hs {
		m.AddProtocol(name, h)
	}
}

// Has reports whether name is registered.
func (m *Multistream) Has(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.handlers[name]
	return ok
}

// versionsOf returns every registered protocol name sharing prefix,
// ordered by semver descending (spec.md §4.E, §4.H).
func (m *Multistream) versionsOf(prefix string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	want := "/" + prefix + "/"
	for name := range m.handlers {
		if strings.HasPrefix(name, want) {
			out = append(out, name)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return semverLess(out[j], out[i]) // descending
	})
	return out
}

// semverLess compares two "/name/major.minor.patch" protocol identifiers by
// their trailing version, ascending.
func semverLess(a, b string) bool {
	va := parseSemver(a)
	vb := parseSemver(b)
	for i := 0; i < 3; i++ {
		if va[i] != vb[i] {
			return va[i] < vb[i]
		}
	}
	return false
}

func parseSemver(name string) [3]int {
	var out [3]int
	idx := strings.LastIndex(name, "/")
	if idx < 0 {
		return out
	}
	parts := strings.SplitN(name[idx+1:], ".", 3)
	for i := 0; i < len(parts) && i < 3; i++ {
		n, err := strconv.Atoi(parts[i])
		if err != nil {
			continue
		}
		out[i] = n
	}
	return out
}

// EstablishProtocol implements spec.md §4.H: negotiate against every
// registered version of name, offered semver-descending, succeeding on the
// first whose echo matches what was offered.
func (m *Multistream) EstablishProtocol(name string, rw io.ReadWriteCloser) (string, error) {
	candidates := m.versionsOf(name)
	if len(candidates) == 0 {
		return "", fmt.Errorf("mstream: no registered version of %q", name)
	}
	return SelectOne(rw, candidates)
}

// Negotiate is the listener side of §4.E: after the header handshake,
// reads one candidate name. If registered, echoes it back and delegates to
// the handler (reporting handled=true and any stream replacement/takeover
// the handler requests). Otherwise it writes "na" and returns handled=false
// without closing the stream, so the peer may try again.
//
// The header handshake runs once per distinct rw: callers that retry
// Negotiate on the same stream after a "na" (e.g. conn.Accept's candidate
// loop) reuse the buffered reader from the first call instead of reading a
// second multistream header off the wire, which the offering side
// (SelectOne) only ever writes once.
func (m *Multistream) Negotiate(rw io.ReadWriteCloser) (handled bool, next io.ReadWriteCloser, takeOver bool, err error) {
	br, first := m.headerReader(rw)
	if first {
		if err = readHeader(br); err != nil {
			m.forgetHeaderReader(rw)
			return false, nil, false, fmt.Errorf("mstream: reading header: %w", err)
		}
		if err = writeHeader(rw); err != nil {
			m.forgetHeaderReader(rw)
			return false, nil, false, fmt.Errorf("mstream: writing header reply: %w", err)
		}
	}

	name, err := msmux.ReadMsg(br)
	if err != nil {
		m.forgetHeaderReader(rw)
		return false, nil, false, fmt.Errorf("mstream: reading candidate: %w", err)
	}
	if name == "ls" {
		m.forgetHeaderReader(rw)
		return false, nil, false, fmt.Errorf("mstream: \"ls\" not implemented")
	}

	m.mu.RLock()
	h, ok := m.handlers[name]
	m.mu.RUnlock()
	if !ok {
		if werr := msmux.WriteMsg(rw, "na"); werr != nil {
			m.forgetHeaderReader(rw)
			return false, nil, false, fmt.Errorf("mstream: writing na: %w", werr)
		}
		log.Debugf("mstream: no handler for %q, sent na", name)
		return false, nil, false, nil
	}

	if err = msmux.WriteMsg(rw, name); err != nil {
		m.forgetHeaderReader(rw)
		return false, nil, false, fmt.Errorf("mstream: echoing %q: %w", name, err)
	}
	m.forgetHeaderReader(rw)
	next, takeOver, err = h(name, rw)
	return true, next, takeOver, err
}

// Package addrfilter implements allow/deny policy predicates over
// multiaddresses (spec.md §4.A). A deny-list denies any prefix-matching
// address; an empty allow-list allows everything, a non-empty one requires
// a prefix match.
package addrfilter

import (
	"sync"

	ma "github.com/multiformats/go-multiaddr"
)

// components splits a multiaddress into its individual protocol/value
// segments, the unit spec.md §3 "match" compares at.
func components(a ma.Multiaddr) []string {
	parts := ma.Split(a)
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = p.String()
	}
	return out
}

// Matches reports whether pattern is a protocol-level prefix of target, or
// vice versa (spec.md §3: "Two addresses 'match' iff one is a prefix of the
// other at the protocol level").
func Matches(pattern, target ma.Multiaddr) bool {
	pc := components(pattern)
	tc := components(target)
	shorter, longer := pc, tc
	if len(tc) < len(pc) {
		shorter, longer = tc, pc
	}
	for i := range shorter {
		if shorter[i] != longer[i] {
			return false
		}
	}
	return true
}

// List is a thread-safe set of multiaddress patterns.
type List struct {
	mu       sync.RWMutex
	patterns []ma.Multiaddr
}

// NewList returns an empty pattern list.
func NewList() *List {
	return &List{}
}

// Add appends a pattern to the list.
func (l *List) Add(a ma.Multiaddr) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range l.patterns {
		if p.Equal(a) {
			return
		}
	}
	l.patterns = append(l.patterns, a)
}

// Remove drops a pattern from the list, reporting whether it was present.
func (l *List) Remove(a ma.Multiaddr) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, p := range l.patterns {
		if p.Equal(a) {
			l.patterns = append(l.patterns[:i], l.patterns[i+1:]...)
			return true
		}
	}
	return false
}

// Contains reports whether target prefix-matches any pattern in the list.
func (l *List) Contains(target ma.Multiaddr) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, p := range l.patterns {
		if Matches(p, target) {
			return true
		}
	}
	return false
}

// Len reports the number of patterns in the list.
func (l *List) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.patterns)
}

// Patterns returns a snapshot of the list's patterns.
func (l *List) Patterns() []ma.Multiaddr {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]ma.Multiaddr, len(l.patterns))
	copy(out, l.patterns)
	return out
}

// Clear removes every pattern from the list.
func (l *List) Clear() {
	l.mu.Lock()
	l.patterns = nil
	l.mu.Unlock()
}

// Policy ANDs a deny-list and an allow-list into a single composite
// predicate (spec.md §4.A).
type Policy struct {
	Deny  *List
	Allow *List
}

// NewPolicy returns a policy with empty deny and allow lists (allows
// everything).
func NewPolicy() *Policy {
	return &Policy{Deny: NewList(), Allow: NewList()}
}

// Allowed reports whether target passes both the deny-list and the
// allow-list.
func (p *Policy) Allowed(target ma.Multiaddr) bool {
	if p.Deny.Contains(target) {
		return false
	}
	if p.Allow.Len() == 0 {
		return true
	}
	return p.Allow.Contains(target)
}

// AllowedAddrs reports whether every address in addrs passes the policy
// (spec.md §4.J "is_allowed(peer) requires every one of the peer's known
// addresses to be allowed").
func (p *Policy) AllowedAddrs(addrs []ma.Multiaddr) bool {
	for _, a := range addrs {
		if !p.Allowed(a) {
			return false
		}
	}
	return true
}

// Reset clears both the deny-list and the allow-list.
func (p *Policy) Reset() {
	p.Deny.Clear()
	p.Allow.Clear()
}

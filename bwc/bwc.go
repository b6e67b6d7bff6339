// Package bwc is the bandwidth counter wrapper (spec.md §1: "bandwidth
// statistics gathering beyond a simple counter-stream wrapper" is
// explicitly out of scope; this is that simple counter).
package bwc

import (
	"io"
	"sync/atomic"
	"time"
)

// Counter accumulates bytes read/written across every stream it wraps.
type Counter struct {
	totalIn  int64
	totalOut int64
}

// NewCounter returns a zeroed Counter.
func NewCounter() *Counter {
	return &Counter{}
}

// TotalIn returns the cumulative bytes read since the last Reset.
func (c *Counter) TotalIn() int64 { return atomic.LoadInt64(&c.totalIn) }

// TotalOut returns the cumulative bytes written since the last Reset.
func (c *Counter) TotalOut() int64 { return atomic.LoadInt64(&c.totalOut) }

// Reset zeroes both totals.
func (c *Counter) Reset() {
	atomic.StoreInt64(&c.totalIn, 0)
	atomic.StoreInt64(&c.totalOut, 0)
}

// Wrap returns rwc instrumented to tally every byte through c.
func (c *Counter) Wrap(rwc io.ReadWriteCloser) io.ReadWriteCloser {
	return &meteredConn{ReadWriteCloser: rwc, counter: c}
}

type meteredConn struct {
	io.ReadWriteCloser
	counter *Counter
}

func (m *meteredConn) Read(p []byte) (int, error) {
	n, err := m.ReadWriteCloser.Read(p)
	if n > 0 {
		atomic.AddInt64(&m.counter.totalIn, int64(n))
	}
	return n, err
}

func (m *meteredConn) Write(p []byte) (int, error) {
	n, err := m.ReadWriteCloser.Write(p)
	if n > 0 {
		atomic.AddInt64(&m.counter.totalOut, int64(n))
	}
	return n, err
}

// ResetLoop periodically resets c every interval until ctx-like stop is
// closed. Intended for process-wide counters that report a rolling window
// rather than a lifetime total.
func (c *Counter) ResetLoop(interval time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			c.Reset()
		case <-stop:
			return
		}
	}
}

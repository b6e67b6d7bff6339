package bwc

import (
	"bytes"
	"io"
	"testing"
	"time"
)

type nopCloser struct{ io.ReadWriter }

func (nopCloser) Close() error { return nil }

func TestWrapTalliesReadsAndWrites(t *testing.T) {
	var buf bytes.Buffer
	c := NewCounter()
	wrapped := c.Wrap(nopCloser{&buf})

	if _, err := wrapped.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %s", err)
	}
	if c.TotalOut() != 5 {
		t.Fatalf("expected TotalOut 5, got %d", c.TotalOut())
	}

	out := make([]byte, 5)
	if _, err := wrapped.Read(out); err != nil {
		t.Fatalf("Read: %s", err)
	}
	if c.TotalIn() != 5 {
		t.Fatalf("expected TotalIn 5, got %d", c.TotalIn())
	}
}

func TestResetZeroesTotals(t *testing.T) {
	var buf bytes.Buffer
	c := NewCounter()
	wrapped := c.Wrap(nopCloser{&buf})
	if _, err := wrapped.Write([]byte("x")); err != nil {
		t.Fatalf("Write: %s", err)
	}
	c.Reset()
	if c.TotalIn() != 0 || c.TotalOut() != 0 {
		t.Fatalf("expected zeroed totals after Reset, got in=%d out=%d", c.TotalIn(), c.TotalOut())
	}
}

func TestResetLoopStopsOnSignal(t *testing.T) {
	c := NewCounter()
	atomicAdd(c, 10)
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		c.ResetLoop(5*time.Millisecond, stop)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	if c.TotalOut() != 0 {
		t.Fatalf("expected ResetLoop to have zeroed totals, got %d", c.TotalOut())
	}
	close(stop)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ResetLoop did not stop after signal")
	}
}

func atomicAdd(c *Counter, n int64) {
	var buf bytes.Buffer
	wrapped := c.Wrap(nopCloser{&buf})
	p := make([]byte, n)
	_, _ = wrapped.Write(p)
}

// ABOUTME: Generic trailing-edge throttle with synchronous flush
// ABOUTME: Downstream invocations are serialized and never run with stale arguments after a newer run

package sampler

import (
	"sync"
	"time"
)

// DefaultWindow is the sampling window used when none is configured.
const DefaultWindow = 50 * time.Millisecond

// Trigger says why the downstream function ran.
type Trigger string

const (
	TriggerWindow Trigger = "window"
	TriggerFlush  Trigger = "flush"
)

// Sampler delivers at most one call per window to fn, carrying the most
// recent value.
type Sampler[T any] struct {
	window time.Duration
	fn     func(T, Trigger)

	mu         sync.Mutex
	timer      *time.Timer
	pending    T
	hasPending bool
	last       T
	hasLast    bool
	seq        uint64
	gen        uint64
	closed     bool

	runMu sync.Mutex
	ran   uint64
}

// New creates a sampler. A non-positive window uses DefaultWindow.
func New[T any](window time.Duration, fn func(T, Trigger)) *Sampler[T] {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Sampler[T]{window: window, fn: fn}
}

// Call records v. The first call in a window arms the timer.
func (s *Sampler[T]) Call(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.pending = v
	s.hasPending = true
	if s.timer == nil {
		s.gen++
		gen := s.gen
		s.timer = time.AfterFunc(s.window, func() { s.fire(gen) })
	}
}

func (s *Sampler[T]) fire(gen uint64) {
	s.mu.Lock()
	// a flush already took this window
	if gen != s.gen || s.timer == nil {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	if !s.hasPending || s.closed {
		s.mu.Unlock()
		return
	}
	v, seq := s.take()
	s.mu.Unlock()

	s.run(v, seq, TriggerWindow)
}

// take moves the pending value into last. Callers hold mu.
func (s *Sampler[T]) take() (T, uint64) {
	v := s.pending
	var zero T
	s.pending = zero
	s.hasPending = false
	s.last = v
	s.hasLast = true
	s.seq++
	return v, s.seq
}

func (s *Sampler[T]) run(v T, seq uint64, trigger Trigger) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	// a newer value already went downstream
	if seq < s.ran {
		return
	}
	s.ran = seq
	s.fn(v, trigger)
}

// Flush runs fn synchronously with the latest value, bypassing the window.
// It runs even when that value was already delivered. Flush does nothing if
// Call was never made or the sampler is closed.
func (s *Sampler[T]) Flush() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	var (
		v   T
		seq uint64
	)
	switch {
	case s.hasPending:
		v, seq = s.take()
	case s.hasLast:
		v = s.last
		s.seq++
		seq = s.seq
	default:
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.run(v, seq, TriggerFlush)
}

// Close stops the timer and drops any pending value. It waits for a running
// downstream call to return.
func (s *Sampler[T]) Close() {
	s.mu.Lock()
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.hasPending = false
	s.mu.Unlock()

	s.runMu.Lock()
	defer s.runMu.Unlock()
}

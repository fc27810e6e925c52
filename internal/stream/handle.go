// ABOUTME: Handle controls one running stream: idempotent Cancel, abort state and completion
// ABOUTME: Outcome carries the final messages, error and usage of a finished stream

package stream

import (
	"context"
	"sync"

	"github.com/2389/chatgate/internal/chat"
	"github.com/2389/chatgate/internal/inference"
)

// Outcome is the result of a finished stream.
type Outcome struct {
	Messages []chat.Message
	Err      error // *chat.TransportError, chat.ErrCancelled or nil
	Aborted  bool
	Usage    *inference.Usage
}

// Handle is the caller's grip on a running stream.
type Handle struct {
	SessionID string

	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	aborted  bool
	finished bool
	outcome  Outcome
}

func newHandle(id string, cancel context.CancelFunc) *Handle {
	return &Handle{SessionID: id, cancel: cancel, done: make(chan struct{})}
}

// Cancel stops the stream. It is idempotent, safe before the first delta and
// a no-op once the stream has ended.
func (h *Handle) Cancel() {
	h.mu.Lock()
	if h.finished || h.aborted {
		h.mu.Unlock()
		return
	}
	h.aborted = true
	h.mu.Unlock()
	h.cancel()
}

// IsAborted reports whether Cancel stopped the stream.
func (h *Handle) IsAborted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.aborted
}

// Done is closed once the stream has settled, after the final flush.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the stream settles and returns its outcome.
func (h *Handle) Wait() Outcome {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.outcome
	out.Messages = chat.CloneMessages(h.outcome.Messages)
	return out
}

// finish marks the stream as ended so later Cancel calls are no-ops.
// A cancelled parent context counts as an abort. It reports whether the
// stream was aborted.
func (h *Handle) finish(ctxDone bool) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.finished = true
	if ctxDone {
		h.aborted = true
	}
	return h.aborted
}

func (h *Handle) settle(out Outcome) {
	h.mu.Lock()
	h.outcome = out
	h.mu.Unlock()
	close(h.done)
}

// ABOUTME: Session opens the inference stream, applies deltas in order and feeds the sampled sink
// ABOUTME: Truncates once on transport error and always ends with a final update plus flush

package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/chatgate/internal/chat"
	"github.com/2389/chatgate/internal/inference"
	"github.com/2389/chatgate/internal/metrics"
)

// Sink receives sampled updates. *sampler.Processor implements it.
type Sink interface {
	OnUpdate(messages []chat.Message, streaming bool)
	Flush()
}

// Observer sees every update unsampled, e.g. to refresh the controller's state.
type Observer func(messages []chat.Message, streaming bool)

// Session runs streams for one conversation.
type Session struct {
	client   inference.Client
	chatID   string
	sink     Sink
	observer Observer
	flags    map[string]bool
	metrics  *metrics.Metrics
	logger   *slog.Logger

	startMu sync.Mutex
	mu      sync.Mutex
	active  *Handle
}

// Option configures a Session.
type Option func(*Session)

// WithSink sets the sampled update sink.
func WithSink(s Sink) Option {
	return func(sess *Session) { sess.sink = s }
}

// WithObserver sets the unsampled observer.
func WithObserver(o Observer) Option {
	return func(sess *Session) { sess.observer = o }
}

// WithContextFlags sets flags forwarded with every request.
func WithContextFlags(flags map[string]bool) Option {
	return func(sess *Session) { sess.flags = flags }
}

// WithMetrics records deltas and outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(sess *Session) { sess.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(sess *Session) { sess.logger = l }
}

// NewSession creates a session for chatID.
func NewSession(client inference.Client, chatID string, opts ...Option) *Session {
	s := &Session{client: client, chatID: chatID}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "stream", "chat_id", chatID)
	return s
}

// Active returns the running handle, or nil.
func (s *Session) Active() *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Start begins streaming a reply to newUser on top of state.Messages. A
// stream already running on this session is cancelled and awaited first.
func (s *Session) Start(ctx context.Context, state chat.State, newUser chat.Message, sel chat.Selection) *Handle {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	if prev := s.Active(); prev != nil {
		s.logger.Debug("cancelling previous stream", "session_id", prev.SessionID)
		prev.Cancel()
		<-prev.Done()
	}

	sctx, cancel := context.WithCancel(ctx)
	h := newHandle(uuid.NewString(), cancel)

	s.mu.Lock()
	s.active = h
	s.mu.Unlock()

	baseLen := len(state.Messages)
	working := chat.CloneMessages(state.Messages)
	working = append(working, newUser.Clone())

	go s.run(sctx, h, working, baseLen, sel.Clone())
	return h
}

func (s *Session) run(ctx context.Context, h *Handle, working []chat.Message, baseLen int, sel chat.Selection) {
	defer func() {
		s.mu.Lock()
		if s.active == h {
			s.active = nil
		}
		s.mu.Unlock()
	}()
	defer h.cancel()

	logger := s.logger.With("session_id", h.SessionID)
	started := time.Now()
	s.emit(working, true)

	var (
		streamErr error
		usage     *inference.Usage
		deltas    int
		aborted   bool
	)

	stream, err := s.client.Stream(ctx, inference.Request{
		ChatID:       s.chatID,
		Messages:     chat.CloneMessages(working),
		Selection:    sel,
		ContextFlags: s.flags,
	})
	if err != nil {
		streamErr = err
		aborted = h.finish(ctx.Err() != nil)
	} else {
		var closeOnce sync.Once
		closeStream := func() { closeOnce.Do(func() { _ = stream.Close() }) }
		stop := context.AfterFunc(ctx, closeStream)

		assistantIdx := -1
		for {
			delta, err := stream.Recv()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					streamErr = err
				}
				break
			}
			deltas++
			s.metrics.StreamDelta()

			if assistantIdx < 0 {
				working = append(working, chat.Message{
					ID:        uuid.NewString(),
					Role:      chat.RoleAssistant,
					Parts:     []chat.Part{chat.TextPart(delta)},
					CreatedAt: time.Now(),
				})
				assistantIdx = len(working) - 1
			} else {
				working[assistantIdx].Parts[0].Text += delta
			}
			s.emit(working, true)
		}
		// a Cancel after the last receive is a no-op
		aborted = h.finish(ctx.Err() != nil)

		stop()
		if ur, ok := stream.(inference.UsageReporter); ok {
			if u, ok := ur.Usage(); ok {
				usage = &u
			}
		}
		closeStream()
	}

	out := Outcome{Usage: usage}

	switch {
	case aborted:
		out.Aborted = true
		out.Err = chat.ErrCancelled
		s.metrics.StreamSession("aborted")
		logger.Info("stream aborted", "deltas", deltas, "duration", time.Since(started))
	case streamErr != nil:
		var terr *chat.TransportError
		if !errors.As(streamErr, &terr) {
			terr = &chat.TransportError{Err: streamErr}
		}
		out.Err = terr
		// drop the user message and any partial reply
		working = working[:baseLen]
		s.metrics.StreamSession("error")
		logger.Error("stream failed", "error", streamErr, "deltas", deltas)
	default:
		s.metrics.StreamSession("completed")
		attrs := []any{"deltas", deltas, "duration", time.Since(started)}
		if usage != nil {
			attrs = append(attrs,
				"prompt_tokens", usage.PromptTokens,
				"completion_tokens", usage.CompletionTokens,
				"total_tokens", usage.TotalTokens,
			)
		}
		logger.Info("stream finished", attrs...)
	}

	s.emit(working, false)
	if s.sink != nil {
		s.sink.Flush()
	}

	out.Messages = working
	h.settle(out)
}

func (s *Session) emit(working []chat.Message, streaming bool) {
	if s.sink != nil {
		s.sink.OnUpdate(working, streaming)
	}
	if s.observer != nil {
		s.observer(chat.CloneMessages(working), streaming)
	}
}

// ABOUTME: Processor samples streaming updates into artifact parsing and history persistence
// ABOUTME: Persists only when the conversation has grown past its loaded size; failures are notified

package sampler

import (
	"context"
	"log/slog"
	"time"

	"github.com/2389/chatgate/internal/chat"
	"github.com/2389/chatgate/internal/metrics"
	"github.com/2389/chatgate/internal/notify"
)

// Parser extracts side-effect directives (artifacts) from messages.
type Parser interface {
	Parse(messages []chat.Message, streaming bool)
}

// Persister stores a conversation's message list.
type Persister interface {
	Persist(ctx context.Context, chatID string, messages []chat.Message) error
}

// DefaultPersistTimeout bounds a single persist call.
const DefaultPersistTimeout = 5 * time.Second

// ProcessorConfig wires a Processor.
type ProcessorConfig struct {
	ChatID string
	// InitialCount is len(InitialMessages) of the conversation being streamed.
	InitialCount int

	Window         time.Duration
	PersistTimeout time.Duration

	Parser    Parser
	Persister Persister
	Notifier  notify.Notifier
	Metrics   *metrics.Metrics
	Logger    *slog.Logger

	// OnPersistError is called with a *chat.PersistenceError when storing fails.
	OnPersistError func(error)
}

type update struct {
	messages  []chat.Message
	streaming bool
}

// Processor implements the session's update sink.
type Processor struct {
	cfg     ProcessorConfig
	sampler *Sampler[update]
	logger  *slog.Logger
}

// NewProcessor creates a processor. Parser and Persister may be nil.
func NewProcessor(cfg ProcessorConfig) *Processor {
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = DefaultPersistTimeout
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Discard
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &Processor{
		cfg:    cfg,
		logger: logger.With("component", "sampler", "chat_id", cfg.ChatID),
	}
	p.sampler = New(cfg.Window, p.process)
	return p
}

// OnUpdate records the latest message list. The slice is copied.
func (p *Processor) OnUpdate(messages []chat.Message, streaming bool) {
	p.sampler.Call(update{messages: chat.CloneMessages(messages), streaming: streaming})
}

// Flush processes the latest update immediately.
func (p *Processor) Flush() {
	p.sampler.Flush()
}

// Close stops the processor. Pending updates are dropped.
func (p *Processor) Close() {
	p.sampler.Close()
}

func (p *Processor) process(u update, trigger Trigger) {
	p.cfg.Metrics.SamplerRun(string(trigger))

	if p.cfg.Parser != nil {
		p.cfg.Parser.Parse(u.messages, u.streaming)
	}

	if p.cfg.Persister == nil || len(u.messages) <= p.cfg.InitialCount {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.PersistTimeout)
	defer cancel()
	if err := p.cfg.Persister.Persist(ctx, p.cfg.ChatID, u.messages); err != nil {
		perr := &chat.PersistenceError{ChatID: p.cfg.ChatID, Err: err}
		p.logger.Error("failed to persist messages", "error", err, "count", len(u.messages))
		p.cfg.Metrics.PersistFailure()
		p.cfg.Notifier.Notify(notify.Notice{Level: notify.LevelError, Source: "store", Message: perr.Error()})
		if p.cfg.OnPersistError != nil {
			p.cfg.OnPersistError(perr)
		}
	}
}

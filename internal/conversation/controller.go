// ABOUTME: Controller owns one conversation's state and drives a submit end to end
// ABOUTME: Gating, optional template bootstrap, streaming, sampled persistence and usage

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/chatgate/internal/chat"
	"github.com/2389/chatgate/internal/entitlement"
	"github.com/2389/chatgate/internal/inference"
	"github.com/2389/chatgate/internal/metrics"
	"github.com/2389/chatgate/internal/notify"
	"github.com/2389/chatgate/internal/sampler"
	"github.com/2389/chatgate/internal/store"
	"github.com/2389/chatgate/internal/stream"
)

// Gate decides whether a submit may proceed.
type Gate interface {
	Check(ctx context.Context, id chat.Identity) entitlement.Decision
	StartPoll(ctx context.Context, id chat.Identity) *entitlement.Poll
}

// Bootstrapper turns the first message of an empty chat into seed messages.
type Bootstrapper interface {
	TryBootstrap(ctx context.Context, text string, images []string, sel chat.Selection) chat.BootstrapResult
}

// SelectionSource supplies the model/provider selection and owns the draft.
type SelectionSource interface {
	Load(ctx context.Context) (chat.Selection, error)
	ClearDraft(ctx context.Context) error
}

// streamErrorPrefix is prepended to transport failures shown to the user.
const streamErrorPrefix = "There was an error processing your request: "

// Deps wires a Controller. Gate, Inference and Store are required.
type Deps struct {
	Gate         Gate
	Bootstrapper Bootstrapper // nil disables template bootstrap
	Inference    inference.Client
	Store        store.Store
	Usage        store.UsageStore // optional
	Selection    SelectionSource  // optional; zero Selection when nil
	Parser       sampler.Parser   // optional
	Broadcaster  *Broadcaster     // optional
	Notifier     notify.Notifier
	Metrics      *metrics.Metrics
	Logger       *slog.Logger

	SamplerWindow  time.Duration
	PersistTimeout time.Duration
	ContextFlags   map[string]bool
}

// SubmitResult reports what a submit did.
type SubmitResult struct {
	// Decision is the gate verdict. Anything but Proceed means nothing was sent.
	Decision entitlement.Decision
	// Handle is the running stream when Decision is Proceed.
	Handle *stream.Handle
	// Bootstrap is set when a starter template seeded the conversation.
	Bootstrap *chat.BootstrapResult
}

// Controller is the single owner of one conversation's state.
type Controller struct {
	chatID    string
	deps      Deps
	logger    *slog.Logger
	notifier  notify.Notifier
	session   *stream.Session
	processor *sampler.Processor

	submitMu sync.Mutex

	mu      sync.Mutex
	state   chat.State
	active  *stream.Handle
	settled chan struct{} // closed once the active stream's outcome is applied
	sel     chat.Selection
	closed  bool
}

// Open loads chatID from the store and returns a controller for it. A chat
// that does not exist yet starts empty. An empty chatID creates a new chat.
func Open(ctx context.Context, deps Deps, chatID string) (*Controller, error) {
	if deps.Gate == nil || deps.Inference == nil || deps.Store == nil {
		return nil, errors.New("conversation: gate, inference client and store are required")
	}
	if chatID == "" {
		chatID = uuid.New().String()
	}

	var loaded []chat.Message
	var description string
	stored, err := deps.Store.LoadChat(ctx, chatID)
	switch {
	case err == nil:
		loaded = stored.Messages
		description = stored.Description
	case errors.Is(err, store.ErrNotFound):
	default:
		return nil, fmt.Errorf("loading chat %s: %w", chatID, err)
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "conversation", "chat_id", chatID)

	c := &Controller{
		chatID: chatID,
		deps:   deps,
		logger: logger,
	}
	c.state = chat.NewState(chatID, loaded)
	c.state.Description = description

	notifiers := notify.Multi{deps.Notifier}
	if deps.Broadcaster != nil {
		notifiers = append(notifiers, deps.Broadcaster.Notifier(chatID))
	}
	c.notifier = notifiers

	c.processor = sampler.NewProcessor(sampler.ProcessorConfig{
		ChatID:         chatID,
		InitialCount:   len(loaded),
		Window:         deps.SamplerWindow,
		PersistTimeout: deps.PersistTimeout,
		Parser:         deps.Parser,
		Persister:      deps.Store,
		Notifier:       c.notifier,
		Metrics:        deps.Metrics,
		Logger:         deps.Logger,
		OnPersistError: c.onPersistError,
	})

	c.session = stream.NewSession(deps.Inference, chatID,
		stream.WithSink(c.processor),
		stream.WithObserver(c.observe),
		stream.WithContextFlags(deps.ContextFlags),
		stream.WithMetrics(deps.Metrics),
		stream.WithLogger(deps.Logger),
	)

	logger.Debug("conversation opened", "messages", len(loaded))
	return c, nil
}

// ChatID returns the id of the conversation.
func (c *Controller) ChatID() string {
	return c.chatID
}

// State returns a snapshot of the conversation.
func (c *Controller) State() chat.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Clone()
}

// Submit sends text (and optional image data URLs) as the next user message.
// The gate is consulted first; when it does not answer Proceed the decision
// is returned and nothing is sent. A stream already running is stopped
// before the new one begins. ctx bounds the lifetime of the new stream.
func (c *Controller) Submit(ctx context.Context, id chat.Identity, text string, images []string) (SubmitResult, error) {
	if strings.TrimSpace(text) == "" {
		return SubmitResult{}, chat.ErrEmptyMessage
	}

	c.submitMu.Lock()
	defer c.submitMu.Unlock()

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return SubmitResult{}, errors.New("conversation closed")
	}

	decision := c.deps.Gate.Check(ctx, id)
	if decision != entitlement.Proceed {
		c.logger.Info("submit gated", "decision", decision.String())
		return SubmitResult{Decision: decision}, nil
	}

	if c.activeHandle() != nil {
		c.Abort()
		c.Wait()
	}

	sel := c.loadSelection(ctx)

	c.mu.Lock()
	state := c.state.Clone()
	c.mu.Unlock()

	result := SubmitResult{Decision: entitlement.Proceed}
	var newUser chat.Message

	if !state.Started() && c.deps.Bootstrapper != nil {
		boot := c.deps.Bootstrapper.TryBootstrap(ctx, text, images, sel)
		if !boot.Blank() && len(boot.SeedMessages) == 3 {
			state = state.WithMessages(boot.SeedMessages[:2])
			newUser = boot.SeedMessages[2].Clone()
			result.Bootstrap = &boot
			c.logger.Info("conversation bootstrapped", "template", boot.Template)
		}
	}

	if newUser.ID == "" {
		newUser = newUserMessage(text, images, sel)
	}

	state = state.WithError(nil)
	state.Aborted = false
	state.Streaming = true

	c.mu.Lock()
	c.state = state.Clone()
	c.sel = sel.Clone()
	c.mu.Unlock()

	h := c.session.Start(ctx, state, newUser, sel)
	settled := make(chan struct{})

	c.mu.Lock()
	c.active = h
	c.settled = settled
	c.mu.Unlock()

	if c.deps.Selection != nil {
		if err := c.deps.Selection.ClearDraft(ctx); err != nil {
			c.logger.Warn("failed to clear draft", "error", err)
		}
	}

	go c.watch(h, settled)

	result.Handle = h
	return result, nil
}

// AwaitEntitlement polls the gate until the identity's entitlement becomes
// active, the attempt cap is hit, or ctx is done.
func (c *Controller) AwaitEntitlement(ctx context.Context, id chat.Identity) entitlement.Decision {
	poll := c.deps.Gate.StartPoll(ctx, id)
	d := poll.Wait(ctx)
	if ctx.Err() != nil {
		poll.Stop()
	}
	return d
}

// Abort stops the running stream, if any. The partial reply is kept.
func (c *Controller) Abort() {
	c.mu.Lock()
	h := c.active
	sel := c.sel
	c.mu.Unlock()

	if h == nil {
		return
	}
	h.Cancel()
	c.logger.Info("chat response aborted",
		"action", "abort",
		"model", sel.ModelID,
		"provider", sel.ProviderID)
}

// Wait blocks until the running stream, if any, has settled and the
// controller has applied its outcome.
func (c *Controller) Wait() {
	c.mu.Lock()
	settled := c.settled
	c.mu.Unlock()
	if settled != nil {
		<-settled
	}
}

// Close stops any running stream, flushes pending persistence and releases
// the sampler.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.Abort()
	c.Wait()
	c.processor.Close()
	c.logger.Debug("conversation closed")
}

func (c *Controller) activeHandle() *stream.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *Controller) loadSelection(ctx context.Context) chat.Selection {
	if c.deps.Selection == nil {
		return chat.Selection{}
	}
	sel, err := c.deps.Selection.Load(ctx)
	if err != nil {
		c.logger.Warn("failed to load selection, using defaults", "error", err)
	}
	return sel
}

// observe applies an in-flight update from the session.
func (c *Controller) observe(messages []chat.Message, streaming bool) {
	c.mu.Lock()
	c.state = c.state.WithMessages(messages)
	c.state.Streaming = streaming
	snapshot := c.state.Clone()
	c.mu.Unlock()

	c.publish(snapshot)
}

// watch applies the final outcome of h once the stream settles.
func (c *Controller) watch(h *stream.Handle, settled chan struct{}) {
	defer close(settled)
	out := h.Wait()

	c.mu.Lock()
	if c.active != h {
		c.mu.Unlock()
		return
	}
	sel := c.sel
	c.state = c.state.WithMessages(out.Messages)
	c.state.Streaming = false
	c.state.Aborted = out.Aborted
	var terr *chat.TransportError
	if errors.As(out.Err, &terr) {
		c.state = c.state.WithError(chat.NewErrorInfo(terr))
	}
	if c.state.Description == "" && len(out.Messages) > 0 {
		c.state.Description = store.Describe(out.Messages)
	}
	snapshot := c.state.Clone()
	c.active = nil
	c.mu.Unlock()

	if terr != nil {
		msg := terr.Message
		if msg == "" {
			msg = "No details were returned"
		}
		c.notifier.Notify(notify.Notice{
			Level:   notify.LevelError,
			Source:  "stream",
			Message: streamErrorPrefix + msg,
		})
	}

	if out.Usage != nil && !out.Aborted && out.Err == nil {
		c.saveUsage(snapshot, sel, *out.Usage)
	}

	c.publish(snapshot)
}

func (c *Controller) onPersistError(err error) {
	c.mu.Lock()
	c.state = c.state.WithError(chat.NewErrorInfo(err))
	snapshot := c.state.Clone()
	c.mu.Unlock()
	c.publish(snapshot)
}

func (c *Controller) saveUsage(state chat.State, sel chat.Selection, u inference.Usage) {
	if c.deps.Usage == nil {
		return
	}
	var messageID string
	if n := len(state.Messages); n > 0 && state.Messages[n-1].Role == chat.RoleAssistant {
		messageID = state.Messages[n-1].ID
	}

	ctx, cancel := context.WithTimeout(context.Background(), sampler.DefaultPersistTimeout)
	defer cancel()

	err := c.deps.Usage.SaveUsage(ctx, &store.TokenUsage{
		ID:               uuid.New().String(),
		ChatID:           state.ChatID,
		MessageID:        messageID,
		Model:            sel.ModelID,
		Provider:         sel.ProviderID,
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
		CreatedAt:        time.Now(),
	})
	if err != nil {
		c.logger.Warn("failed to save token usage", "error", err)
	}
}

func (c *Controller) publish(state chat.State) {
	if c.deps.Broadcaster != nil {
		c.deps.Broadcaster.PublishState(state)
	}
}

// newUserMessage builds the user message for a plain submit.
func newUserMessage(text string, images []string, sel chat.Selection) chat.Message {
	if sel.ModelID != "" || sel.ProviderID != "" {
		text = sel.Prefix() + text
	}
	parts := []chat.Part{chat.TextPart(text)}
	for _, img := range images {
		parts = append(parts, chat.ImagePart(img))
	}
	return chat.Message{
		ID:        uuid.New().String(),
		Role:      chat.RoleUser,
		Parts:     parts,
		CreatedAt: time.Now(),
	}
}

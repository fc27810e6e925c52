// ABOUTME: Bootstrapper classifies the first message, expands the template and builds seed messages
// ABOUTME: Failures of either step degrade to the blank template with a warning notice

package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/chatgate/internal/chat"
	"github.com/2389/chatgate/internal/metrics"
	"github.com/2389/chatgate/internal/notify"
)

// ErrRateLimited is returned by a TemplateClient when the template service
// answers HTTP 429.
var ErrRateLimited = errors.New("template service rate limit exceeded")

// Notice texts raised when bootstrap falls back to the blank template.
const (
	RateLimitedNotice = "Rate limit exceeded. Skipping starter template. Continuing with blank template"
	FailedNotice      = "Failed to import starter template. Continuing with blank template"
)

// Classification is the template chosen for a first message.
type Classification struct {
	Template string `json:"template"`
	Title    string `json:"title"`
}

// Expansion is the content of an expanded template.
type Expansion struct {
	AssistantMessage string `json:"assistantMessage"`
	UserMessage      string `json:"userMessage"`
}

// TemplateClient is the template service.
type TemplateClient interface {
	Classify(ctx context.Context, message string, sel chat.Selection) (Classification, error)
	Expand(ctx context.Context, template, title string) (Expansion, error)
}

// Bootstrapper runs the one-shot template flow for new conversations.
type Bootstrapper struct {
	client   TemplateClient
	notifier notify.Notifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Bootstrapper.
type Option func(*Bootstrapper)

// WithNotifier sets where fallback warnings go.
func WithNotifier(n notify.Notifier) Option {
	return func(b *Bootstrapper) { b.notifier = n }
}

// WithMetrics records bootstrap outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bootstrapper) { b.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bootstrapper) { b.logger = l }
}

// New creates a Bootstrapper using client.
func New(client TemplateClient, opts ...Option) *Bootstrapper {
	b := &Bootstrapper{
		client:   client,
		notifier: notify.Discard,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	b.logger = b.logger.With("component", "bootstrap")
	return b
}

func blank() chat.BootstrapResult {
	return chat.BootstrapResult{Template: chat.BlankTemplate}
}

// TryBootstrap classifies text and, for a non-blank template, expands it into
// seed messages. It never fails: every error yields the blank result.
func (b *Bootstrapper) TryBootstrap(ctx context.Context, text string, images []string, sel chat.Selection) chat.BootstrapResult {
	cls, err := b.client.Classify(ctx, text, sel)
	if err != nil {
		b.fail("classify", err)
		return blank()
	}
	if cls.Template == "" || cls.Template == chat.BlankTemplate {
		b.logger.Debug("no starter template selected")
		b.metrics.BootstrapResult("blank")
		return blank()
	}

	exp, err := b.client.Expand(ctx, cls.Template, cls.Title)
	if err != nil {
		b.fail("expand", err)
		return blank()
	}

	b.logger.Info("starter template selected", "template", cls.Template, "title", cls.Title)
	b.metrics.BootstrapResult("template")
	return chat.BootstrapResult{
		Template:     cls.Template,
		Title:        cls.Title,
		SeedMessages: b.seeds(text, images, sel, exp),
	}
}

func (b *Bootstrapper) fail(step string, err error) {
	msg := FailedNotice
	result := "failed"
	if errors.Is(err, ErrRateLimited) {
		msg = RateLimitedNotice
		result = "rate_limited"
	}
	b.logger.Warn("starter template unavailable", "step", step, "error", err)
	b.metrics.BootstrapResult(result)
	b.notifier.Notify(notify.Notice{Level: notify.LevelWarning, Source: "bootstrap", Message: msg})
}

func (b *Bootstrapper) seeds(text string, images []string, sel chat.Selection, exp Expansion) []chat.Message {
	now := b.now()
	stamp := now.UnixMilli()
	prefix := sel.Prefix()

	first := []chat.Part{chat.TextPart(prefix + text)}
	for _, img := range images {
		first = append(first, chat.ImagePart(img))
	}

	return []chat.Message{
		{
			ID:        fmt.Sprintf("1-%d", stamp),
			Role:      chat.RoleUser,
			Parts:     first,
			CreatedAt: now,
		},
		{
			ID:        fmt.Sprintf("2-%d", stamp),
			Role:      chat.RoleAssistant,
			Parts:     []chat.Part{chat.TextPart(exp.AssistantMessage)},
			CreatedAt: now,
		},
		{
			ID:          fmt.Sprintf("3-%d", stamp),
			Role:        chat.RoleUser,
			Parts:       []chat.Part{chat.TextPart(prefix + exp.UserMessage)},
			Annotations: []string{chat.AnnotationHidden},
			CreatedAt:   now,
		},
	}
}

// ABOUTME: Starter template catalog loaded from TOML and its classify/expand endpoints
// ABOUTME: Keyword classifier with per-subject rate limiting that answers 429 when exceeded

package backend

import (
	_ "embed"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"golang.org/x/time/rate"

	"github.com/2389/chatgate/internal/auth"
	"github.com/2389/chatgate/internal/bootstrap"
	"github.com/2389/chatgate/internal/chat"
	"github.com/2389/chatgate/internal/ttlcache"
)

//go:embed templates.toml
var defaultCatalog string

// ErrUnknownTemplate is returned by Expand for names not in the catalog.
var ErrUnknownTemplate = errors.New("unknown template")

// Template is one starter template.
type Template struct {
	Name             string   `toml:"name"`
	Title            string   `toml:"title"`
	Keywords         []string `toml:"keywords"`
	AssistantMessage string   `toml:"assistant_message"`
	UserMessage      string   `toml:"user_message"`
}

// Catalog is the set of starter templates.
type Catalog struct {
	Templates []Template `toml:"templates"`
}

// ParseCatalog decodes a TOML catalog.
func ParseCatalog(data string) (*Catalog, error) {
	var c Catalog
	if _, err := toml.Decode(data, &c); err != nil {
		return nil, fmt.Errorf("parsing template catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadCatalog reads a TOML catalog from path.
func LoadCatalog(path string) (*Catalog, error) {
	var c Catalog
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return nil, fmt.Errorf("reading template catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// DefaultCatalog returns the built-in catalog.
func DefaultCatalog() *Catalog {
	c, err := ParseCatalog(defaultCatalog)
	if err != nil {
		panic(err)
	}
	return c
}

// Validate checks that template names are present, unique and not "blank".
func (c *Catalog) Validate() error {
	seen := make(map[string]bool, len(c.Templates))
	for i, t := range c.Templates {
		switch {
		case t.Name == "":
			return fmt.Errorf("template %d: name is required", i)
		case t.Name == chat.BlankTemplate:
			return fmt.Errorf("template %d: %q is reserved", i, chat.BlankTemplate)
		case seen[t.Name]:
			return fmt.Errorf("template %q defined twice", t.Name)
		}
		seen[t.Name] = true
	}
	return nil
}

// Classify picks the template whose keywords match message best. Longer
// keyword matches win; no match yields the blank template.
func (c *Catalog) Classify(message string) bootstrap.Classification {
	text := strings.ToLower(message)
	best, bestScore := -1, 0
	for i, t := range c.Templates {
		score := 0
		for _, kw := range t.Keywords {
			if kw != "" && strings.Contains(text, strings.ToLower(kw)) {
				score += len(kw)
			}
		}
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	if best < 0 {
		return bootstrap.Classification{Template: chat.BlankTemplate}
	}
	t := c.Templates[best]
	return bootstrap.Classification{Template: t.Name, Title: t.Title}
}

// Expand renders the named template with title.
func (c *Catalog) Expand(name, title string) (bootstrap.Expansion, error) {
	for _, t := range c.Templates {
		if t.Name != name {
			continue
		}
		if title == "" {
			title = t.Title
		}
		r := strings.NewReplacer("{{title}}", title)
		return bootstrap.Expansion{
			AssistantMessage: r.Replace(t.AssistantMessage),
			UserMessage:      r.Replace(t.UserMessage),
		}, nil
	}
	return bootstrap.Expansion{}, fmt.Errorf("%w: %s", ErrUnknownTemplate, name)
}

// limiters hands out one token bucket per subject. Buckets idle for longer
// than it takes to refill completely are dropped.
type limiters struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	buckets *ttlcache.Cache[*rate.Limiter]
}

const (
	minLimiterIdle = time.Minute
	maxLimiterKeys = 10000
)

func newLimiters(perSecond float64, burst int) *limiters {
	if burst <= 0 {
		burst = 1
	}
	idle := minLimiterIdle
	if perSecond > 0 {
		if refill := time.Duration(float64(burst) / perSecond * float64(time.Second)); refill > idle {
			idle = refill
		}
	}
	return newLimitersWithIdle(perSecond, burst, idle, maxLimiterKeys)
}

func newLimitersWithIdle(perSecond float64, burst int, idle time.Duration, maxKeys int) *limiters {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &limiters{limit: limit, burst: burst, buckets: ttlcache.New[*rate.Limiter](idle, maxKeys)}
}

func (l *limiters) allow(subject string) bool {
	l.mu.Lock()
	b, ok := l.buckets.Get(subject)
	if !ok {
		b = rate.NewLimiter(l.limit, l.burst)
	}
	// every use pushes the expiry back
	l.buckets.Set(subject, b)
	l.mu.Unlock()
	return b.Allow()
}

func (l *limiters) close() {
	l.buckets.Close()
}

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	if !s.allowTemplates(w, r) {
		return
	}
	message := r.URL.Query().Get("message")
	if strings.TrimSpace(message) == "" {
		s.sendJSONError(w, http.StatusBadRequest, "message is required")
		return
	}

	result := s.catalog.Classify(message)
	s.logger.Debug("classified message",
		"template", result.Template,
		"model", r.URL.Query().Get("model"),
		"provider", r.URL.Query().Get("provider"))
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleExpand(w http.ResponseWriter, r *http.Request) {
	if !s.allowTemplates(w, r) {
		return
	}
	q := r.URL.Query()
	exp, err := s.catalog.Expand(q.Get("template"), q.Get("title"))
	if errors.Is(err, ErrUnknownTemplate) {
		s.sendJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, exp)
}

func (s *Server) allowTemplates(w http.ResponseWriter, r *http.Request) bool {
	subject := auth.FromContext(r.Context()).Subject
	if s.limiters.allow(subject) {
		return true
	}
	s.logger.Info("template request rate limited", "subject", subject, "path", r.URL.Path)
	s.sendJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
	return false
}

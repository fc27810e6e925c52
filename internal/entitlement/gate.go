// ABOUTME: Gate turns an Identity into a Decision using a cached, collapsed entitlement lookup
// ABOUTME: Registers subjects once, fails closed, and tracks running polls per subject

package entitlement

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/2389/chatgate/internal/chat"
	"github.com/2389/chatgate/internal/metrics"
	"github.com/2389/chatgate/internal/notify"
	"github.com/2389/chatgate/internal/ttlcache"
)

// Defaults used when Config fields are zero.
const (
	DefaultCacheTTL      = 30 * time.Second
	DefaultPollInterval  = 5 * time.Second
	DefaultMaxAttempts   = 30
	DefaultLookupTimeout = 5 * time.Second
)

// TimedOutNotice is shown when a poll gives up.
const TimedOutNotice = "Timed out waiting for subscription. Please try again."

// Config tunes a Gate.
type Config struct {
	CacheTTL      time.Duration
	PollInterval  time.Duration
	MaxAttempts   int
	LookupTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.CacheTTL <= 0 {
		c.CacheTTL = DefaultCacheTTL
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.LookupTimeout <= 0 {
		c.LookupTimeout = DefaultLookupTimeout
	}
	return c
}

// Gate evaluates access for a submit. It is safe for concurrent use.
type Gate struct {
	lookup   Lookup
	cfg      Config
	cache    *ttlcache.Cache[Entitlement]
	group    singleflight.Group
	notifier notify.Notifier
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu         sync.Mutex
	registered map[string]bool
	records    map[string]Entitlement
	polls      map[string]*Poll
	gens       map[string]uint64 // bumped by Invalidate
}

// Option configures optional Gate collaborators.
type Option func(*Gate)

// WithNotifier sets where the poll timeout notice goes.
func WithNotifier(n notify.Notifier) Option {
	return func(g *Gate) { g.notifier = n }
}

// WithMetrics records decisions and lookups.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gate) { g.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

// NewGate creates a gate backed by lookup.
func NewGate(lookup Lookup, cfg Config, opts ...Option) *Gate {
	cfg = cfg.withDefaults()
	g := &Gate{
		lookup:     lookup,
		cfg:        cfg,
		cache:      ttlcache.New[Entitlement](cfg.CacheTTL, 0),
		notifier:   notify.Discard,
		registered: make(map[string]bool),
		records:    make(map[string]Entitlement),
		polls:      make(map[string]*Poll),
		gens:       make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	g.logger = g.logger.With("component", "entitlement")
	return g
}

// Check evaluates the identity. Only an active entitlement yields Proceed.
func (g *Gate) Check(ctx context.Context, id chat.Identity) Decision {
	d := g.check(ctx, id)
	g.metrics.GateDecision(d.String())
	return d
}

func (g *Gate) check(ctx context.Context, id chat.Identity) Decision {
	if !id.Authenticated || id.SubjectID == "" {
		return NeedsAuth
	}

	g.mu.Lock()
	_, polling := g.polls[id.SubjectID]
	g.mu.Unlock()
	if polling {
		return Pending
	}

	g.ensureRegistered(ctx, id)

	if ent, ok := g.cache.Get(id.SubjectID); ok {
		if ent.Active() {
			return Proceed
		}
		return NeedsEntitlement
	}

	if g.refresh(ctx, id.SubjectID).Active() {
		return Proceed
	}
	return NeedsEntitlement
}

// ensureRegistered registers the subject once per gate lifetime.
func (g *Gate) ensureRegistered(ctx context.Context, id chat.Identity) {
	g.mu.Lock()
	if g.registered[id.SubjectID] {
		g.mu.Unlock()
		return
	}
	g.registered[id.SubjectID] = true
	g.mu.Unlock()

	rctx, cancel := context.WithTimeout(ctx, g.cfg.LookupTimeout)
	defer cancel()
	if err := g.lookup.Register(rctx, id.SubjectID, id.Email); err != nil {
		g.logger.Warn("failed to register subject", "subject", id.SubjectID, "error", err)
	}
}

// refresh performs a lookup, bypassing the cache, and stores the result.
// Concurrent refreshes for one subject share a single backend call. A result
// that finishes after Invalidate is returned to its caller but not stored.
func (g *Gate) refresh(ctx context.Context, subject string) Entitlement {
	g.mu.Lock()
	gen := g.gens[subject]
	g.mu.Unlock()

	key := subject + "#" + strconv.FormatUint(gen, 10)
	v, _, _ := g.group.Do(key, func() (any, error) {
		lctx, cancel := context.WithTimeout(ctx, g.cfg.LookupTimeout)
		defer cancel()

		active, err := g.lookup.Active(lctx, subject)
		ent := Entitlement{Status: StatusInactive, LastCheckedAt: time.Now()}
		switch {
		case err != nil:
			ent.Error = err.Error()
			g.metrics.EntitlementLookup("error")
			g.logger.Warn("entitlement lookup failed", "subject", subject, "error", err)
		case active:
			ent.Status = StatusActive
			g.metrics.EntitlementLookup("active")
		default:
			g.metrics.EntitlementLookup("inactive")
		}

		g.mu.Lock()
		defer g.mu.Unlock()
		if g.gens[subject] != gen {
			g.logger.Debug("discarding lookup started before invalidation", "subject", subject)
			return ent, nil
		}
		// failed lookups are not cached so the next check retries
		if err == nil {
			g.cache.Set(subject, ent)
		}
		g.records[subject] = ent
		return ent, nil
	})
	return v.(Entitlement)
}

// Entitlement returns a copy of the last known record for subject.
func (g *Gate) Entitlement(subject string) Entitlement {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.records[subject]
}

// Invalidate forgets everything known about subject, e.g. on sign-out.
// A running poll for the subject is stopped.
func (g *Gate) Invalidate(subject string) {
	g.mu.Lock()
	g.gens[subject]++
	g.cache.Delete(subject)
	delete(g.registered, subject)
	delete(g.records, subject)
	p := g.polls[subject]
	g.mu.Unlock()
	if p != nil {
		p.Stop()
	}
}

// Close stops running polls and releases the cache.
func (g *Gate) Close() {
	g.mu.Lock()
	polls := make([]*Poll, 0, len(g.polls))
	for _, p := range g.polls {
		polls = append(polls, p)
	}
	g.mu.Unlock()

	for _, p := range polls {
		p.Stop()
		<-p.Done()
	}
	g.cache.Close()
}

// ABOUTME: Poll is a cancellable task that re-checks an entitlement until active or capped
// ABOUTME: Stop and context cancellation end it before the next tick without leaking timers

package entitlement

import (
	"context"
	"sync"
	"time"

	"github.com/2389/chatgate/internal/chat"
	"github.com/2389/chatgate/internal/notify"
)

// Poll re-issues the entitlement lookup on a fixed interval.
type Poll struct {
	subject string

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	mu       sync.Mutex
	result   Decision
	attempts int
}

func newResolvedPoll(d Decision) *Poll {
	p := &Poll{stop: make(chan struct{}), done: make(chan struct{}), result: d}
	close(p.done)
	return p
}

// StartPoll begins polling for the identity's entitlement. If a poll for the
// subject is already running it is returned instead of starting another.
// An unauthenticated identity yields a poll already resolved to NeedsAuth.
func (g *Gate) StartPoll(ctx context.Context, id chat.Identity) *Poll {
	if !id.Authenticated || id.SubjectID == "" {
		return newResolvedPoll(NeedsAuth)
	}

	g.mu.Lock()
	if p, ok := g.polls[id.SubjectID]; ok {
		g.mu.Unlock()
		return p
	}
	p := &Poll{
		subject: id.SubjectID,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		result:  Pending,
	}
	g.polls[id.SubjectID] = p
	g.mu.Unlock()

	g.logger.Info("polling for entitlement",
		"subject", id.SubjectID,
		"interval", g.cfg.PollInterval,
		"max_attempts", g.cfg.MaxAttempts,
	)
	go g.runPoll(ctx, p)
	return p
}

func (g *Gate) runPoll(ctx context.Context, p *Poll) {
	defer func() {
		g.mu.Lock()
		if g.polls[p.subject] == p {
			delete(g.polls, p.subject)
		}
		g.mu.Unlock()
		close(p.done)
	}()

	ticker := time.NewTicker(g.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			g.logger.Debug("entitlement poll stopped", "subject", p.subject, "attempts", p.Attempts())
			return
		case <-ctx.Done():
			g.logger.Debug("entitlement poll cancelled", "subject", p.subject, "attempts", p.Attempts())
			return
		case <-ticker.C:
		}
		// select picks at random when a tick and a stop are both ready
		if p.stopped(ctx) {
			g.logger.Debug("entitlement poll stopped", "subject", p.subject, "attempts", p.Attempts())
			return
		}

		p.mu.Lock()
		p.attempts++
		attempt := p.attempts
		p.mu.Unlock()
		g.metrics.PollAttempt()

		if g.refresh(ctx, p.subject).Active() {
			p.resolve(Proceed)
			g.logger.Info("entitlement became active", "subject", p.subject, "attempts", attempt)
			return
		}

		if attempt >= g.cfg.MaxAttempts {
			g.logger.Warn("entitlement poll timed out", "subject", p.subject, "attempts", attempt)
			g.notifier.Notify(notify.Notice{
				Level:   notify.LevelWarning,
				Source:  "entitlement",
				Message: TimedOutNotice,
			})
			p.resolve(TimedOut)
			return
		}
	}
}

func (p *Poll) stopped(ctx context.Context) bool {
	select {
	case <-p.stop:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (p *Poll) resolve(d Decision) {
	p.mu.Lock()
	p.result = d
	p.mu.Unlock()
}

// Stop ends the poll before its next tick. Safe to call more than once.
func (p *Poll) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

// Done is closed when the poll has finished.
func (p *Poll) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the poll finishes or ctx is done and returns the result.
// When ctx ends first the poll keeps running and Pending is returned.
func (p *Poll) Wait(ctx context.Context) Decision {
	select {
	case <-p.done:
		return p.Result()
	case <-ctx.Done():
		return Pending
	}
}

// Result returns the current outcome: Pending until the poll resolves.
func (p *Poll) Result() Decision {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result
}

// Attempts returns how many lookups the poll has issued.
func (p *Poll) Attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}

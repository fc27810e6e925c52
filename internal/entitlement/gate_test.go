// ABOUTME: Tests for the entitlement gate and poll
// ABOUTME: Uses a counting fake Lookup and goleak to check polls stop cleanly

package entitlement

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/2389/chatgate/internal/chat"
	"github.com/2389/chatgate/internal/notify"
)

type fakeLookup struct {
	mu        sync.Mutex
	active    bool
	err       error
	delay     time.Duration
	lookups   atomic.Int32
	registers atomic.Int32
	regErr    error
	// activateAfter flips active to true once this many lookups happened (0 = never).
	activateAfter int32
}

func (f *fakeLookup) Register(ctx context.Context, subject, email string) error {
	f.registers.Add(1)
	return f.regErr
}

func (f *fakeLookup) Active(ctx context.Context, subject string) (bool, error) {
	n := f.lookups.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.activateAfter > 0 && n >= f.activateAfter {
		f.active = true
	}
	return f.active, f.err
}

func (f *fakeLookup) setActive(v bool) {
	f.mu.Lock()
	f.active = v
	f.mu.Unlock()
}

var alice = chat.Identity{SubjectID: "user-alice", Email: "alice@example.com", Authenticated: true}

func newTestGate(t *testing.T, l Lookup, opts ...Option) *Gate {
	t.Helper()
	g := NewGate(l, Config{PollInterval: 2 * time.Millisecond, MaxAttempts: 30}, opts...)
	t.Cleanup(g.Close)
	return g
}

func TestCheck_Unauthenticated(t *testing.T) {
	l := &fakeLookup{active: true}
	g := newTestGate(t, l)

	assert.Equal(t, NeedsAuth, g.Check(context.Background(), chat.Anonymous))
	assert.Equal(t, NeedsAuth, g.Check(context.Background(), chat.Identity{SubjectID: "x"}))
	assert.Zero(t, l.lookups.Load())
	assert.Zero(t, l.registers.Load())
}

func TestCheck_ActiveProceeds(t *testing.T) {
	l := &fakeLookup{active: true}
	g := newTestGate(t, l)

	assert.Equal(t, Proceed, g.Check(context.Background(), alice))
	ent := g.Entitlement(alice.SubjectID)
	assert.Equal(t, StatusActive, ent.Status)
	assert.False(t, ent.LastCheckedAt.IsZero())
}

func TestCheck_InactiveNeedsEntitlement(t *testing.T) {
	g := newTestGate(t, &fakeLookup{})
	assert.Equal(t, NeedsEntitlement, g.Check(context.Background(), alice))
	assert.Equal(t, StatusInactive, g.Entitlement(alice.SubjectID).Status)
}

func TestCheck_FailsClosed(t *testing.T) {
	l := &fakeLookup{active: true, err: errors.New("connection refused")}
	g := newTestGate(t, l)

	assert.Equal(t, NeedsEntitlement, g.Check(context.Background(), alice))
	ent := g.Entitlement(alice.SubjectID)
	assert.Equal(t, StatusInactive, ent.Status)
	assert.Contains(t, ent.Error, "connection refused")

	// errors are not cached
	g.Check(context.Background(), alice)
	assert.Equal(t, int32(2), l.lookups.Load())
}

func TestCheck_CachesResult(t *testing.T) {
	l := &fakeLookup{active: true}
	g := newTestGate(t, l)

	for i := 0; i < 5; i++ {
		require.Equal(t, Proceed, g.Check(context.Background(), alice))
	}
	assert.Equal(t, int32(1), l.lookups.Load())
}

func TestCheck_InvalidateDropsInflightLookup(t *testing.T) {
	l := &fakeLookup{active: true, delay: 50 * time.Millisecond}
	g := newTestGate(t, l)

	done := make(chan Decision, 1)
	go func() { done <- g.Check(context.Background(), alice) }()
	require.Eventually(t, func() bool { return l.lookups.Load() == 1 }, time.Second, time.Millisecond)

	g.Invalidate(alice.SubjectID)
	assert.Equal(t, Proceed, <-done)

	// the lookup that straddled sign-out must not repopulate the cache
	assert.Equal(t, StatusUnknown, g.Entitlement(alice.SubjectID).Status)

	l.setActive(false)
	assert.Equal(t, NeedsEntitlement, g.Check(context.Background(), alice))
	assert.Equal(t, int32(2), l.lookups.Load())
}

func TestCheck_RegistersOnce(t *testing.T) {
	l := &fakeLookup{active: true, regErr: errors.New("boom")}
	g := newTestGate(t, l)

	assert.Equal(t, Proceed, g.Check(context.Background(), alice))
	g.Check(context.Background(), alice)
	assert.Equal(t, int32(1), l.registers.Load())

	g.Invalidate(alice.SubjectID)
	g.Check(context.Background(), alice)
	assert.Equal(t, int32(2), l.registers.Load())
	assert.Equal(t, int32(2), l.lookups.Load())
}

func TestCheck_ConcurrentLookupsCollapse(t *testing.T) {
	l := &fakeLookup{active: true, delay: 50 * time.Millisecond}
	g := newTestGate(t, l)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Equal(t, Proceed, g.Check(context.Background(), alice))
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), l.lookups.Load())
}

func TestPoll_ResolvesWhenActive(t *testing.T) {
	l := &fakeLookup{activateAfter: 3}
	g := newTestGate(t, l)

	p := g.StartPoll(context.Background(), alice)
	assert.Equal(t, Proceed, p.Wait(context.Background()))
	assert.Equal(t, 3, p.Attempts())

	// cache refreshed by the poll
	assert.Equal(t, Proceed, g.Check(context.Background(), alice))
	assert.Equal(t, int32(3), l.lookups.Load())
}

func TestPoll_TimesOutAtCap(t *testing.T) {
	l := &fakeLookup{}
	rec := &notify.Recorder{}
	g := newTestGate(t, l, WithNotifier(rec))

	p := g.StartPoll(context.Background(), alice)
	assert.Equal(t, TimedOut, p.Wait(context.Background()))
	assert.Equal(t, 30, p.Attempts())
	assert.LessOrEqual(t, l.lookups.Load(), int32(30))

	warnings := rec.ByLevel(notify.LevelWarning)
	require.Len(t, warnings, 1)
	assert.Equal(t, TimedOutNotice, warnings[0].Message)
}

func TestPoll_CheckReturnsPendingWhileRunning(t *testing.T) {
	l := &fakeLookup{}
	g := NewGate(l, Config{PollInterval: time.Hour})
	defer g.Close()

	p := g.StartPoll(context.Background(), alice)
	assert.Equal(t, Pending, g.Check(context.Background(), alice))
	assert.Same(t, p, g.StartPoll(context.Background(), alice))

	p.Stop()
	<-p.Done()
	assert.Equal(t, Pending, p.Result())
	assert.Equal(t, NeedsEntitlement, g.Check(context.Background(), alice))
}

func TestPoll_StopLeaksNothing(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	l := &fakeLookup{}
	g := NewGate(l, Config{PollInterval: time.Hour})

	p := g.StartPoll(context.Background(), alice)
	p.Stop()
	p.Stop()
	<-p.Done()
	assert.Zero(t, p.Attempts())

	g.Close()
}

func TestPoll_NoLookupAfterStopWithPendingTick(t *testing.T) {
	for i := 0; i < 20; i++ {
		l := &fakeLookup{delay: 20 * time.Millisecond}
		g := NewGate(l, Config{PollInterval: time.Millisecond})

		p := g.StartPoll(context.Background(), alice)
		require.Eventually(t, func() bool { return l.lookups.Load() == 1 }, time.Second, time.Millisecond)
		// the ticker fires again while the first lookup is still sleeping
		p.Stop()
		<-p.Done()

		assert.Equal(t, int32(1), l.lookups.Load())
		assert.Equal(t, 1, p.Attempts())
		g.Close()
	}
}

func TestPoll_ContextCancelStops(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	g := NewGate(&fakeLookup{}, Config{PollInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())

	p := g.StartPoll(ctx, alice)
	cancel()
	<-p.Done()
	assert.Equal(t, Pending, p.Result())

	g.Close()
}

func TestPoll_WaitContextReturnsPending(t *testing.T) {
	g := NewGate(&fakeLookup{}, Config{PollInterval: time.Hour})
	defer g.Close()

	p := g.StartPoll(context.Background(), alice)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Equal(t, Pending, p.Wait(ctx))
}

func TestPoll_Unauthenticated(t *testing.T) {
	g := newTestGate(t, &fakeLookup{})
	p := g.StartPoll(context.Background(), chat.Anonymous)

	select {
	case <-p.Done():
	default:
		t.Fatal("poll for anonymous identity should be resolved")
	}
	assert.Equal(t, NeedsAuth, p.Result())
}

func TestDecisionString(t *testing.T) {
	assert.Equal(t, "proceed", Proceed.String())
	assert.Equal(t, "timed_out", TimedOut.String())
	assert.Equal(t, "active", StatusActive.String())
}

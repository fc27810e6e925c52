// ABOUTME: Tests for the conversation controller submit flow
// ABOUTME: Uses a real gate over a fake lookup, fake inference and MockStore

package conversation

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/chatgate/internal/chat"
	"github.com/2389/chatgate/internal/entitlement"
	"github.com/2389/chatgate/internal/inference"
	"github.com/2389/chatgate/internal/notify"
	"github.com/2389/chatgate/internal/store"
)

var alice = chat.Identity{SubjectID: "sub-alice", Email: "alice@example.com", Authenticated: true}

type fakeLookup struct {
	mu     sync.Mutex
	active map[string]bool
}

func (f *fakeLookup) Register(ctx context.Context, subject, email string) error { return nil }

func (f *fakeLookup) Active(ctx context.Context, subject string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active[subject], nil
}

func (f *fakeLookup) set(subject string, v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active[subject] = v
}

type scriptedStream struct {
	deltas []string
	err    error
	block  chan struct{}
	once   sync.Once
	usage  *inference.Usage
}

func (s *scriptedStream) Recv() (string, error) {
	if len(s.deltas) > 0 {
		d := s.deltas[0]
		s.deltas = s.deltas[1:]
		return d, nil
	}
	if s.block != nil {
		<-s.block
		return "", errors.New("stream closed")
	}
	if s.err != nil {
		return "", s.err
	}
	return "", io.EOF
}

func (s *scriptedStream) Close() error {
	if s.block != nil {
		s.once.Do(func() { close(s.block) })
	}
	return nil
}

func (s *scriptedStream) Usage() (inference.Usage, bool) {
	if s.usage == nil {
		return inference.Usage{}, false
	}
	return *s.usage, true
}

type fakeInference struct {
	mu     sync.Mutex
	next   func() *scriptedStream
	reqs   []inference.Request
	openFn func() error
}

func (f *fakeInference) Stream(ctx context.Context, req inference.Request) (inference.Stream, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	next := f.next
	f.mu.Unlock()
	if f.openFn != nil {
		if err := f.openFn(); err != nil {
			return nil, err
		}
	}
	return next(), nil
}

func (f *fakeInference) requests() []inference.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]inference.Request(nil), f.reqs...)
}

type fakeBootstrapper struct {
	result chat.BootstrapResult
	calls  int
}

func (f *fakeBootstrapper) TryBootstrap(ctx context.Context, text string, images []string, sel chat.Selection) chat.BootstrapResult {
	f.calls++
	return f.result
}

type fakeSelection struct {
	sel     chat.Selection
	cleared int
}

func (f *fakeSelection) Load(ctx context.Context) (chat.Selection, error) { return f.sel, nil }

func (f *fakeSelection) ClearDraft(ctx context.Context) error {
	f.cleared++
	return nil
}

type harness struct {
	lookup   *fakeLookup
	gate     *entitlement.Gate
	infer    *fakeInference
	store    *store.MockStore
	notices  *notify.Recorder
	sel      *fakeSelection
	boot     *fakeBootstrapper
	bus      *Broadcaster
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	lookup := &fakeLookup{active: map[string]bool{alice.SubjectID: true}}
	gate := entitlement.NewGate(lookup, entitlement.Config{PollInterval: 10 * time.Millisecond, MaxAttempts: 3})
	t.Cleanup(gate.Close)
	b := NewBroadcaster(nil)
	t.Cleanup(b.Close)
	return &harness{
		lookup:   lookup,
		gate:     gate,
		infer:    &fakeInference{next: func() *scriptedStream { return &scriptedStream{deltas: []string{"Hel", "lo"}} }},
		store:    store.NewMockStore(),
		notices:  &notify.Recorder{},
		sel:      &fakeSelection{sel: chat.Selection{ModelID: "gpt-4o", ProviderID: "OpenAI"}},
		bus:      b,
	}
}

func (h *harness) open(t *testing.T, chatID string) *Controller {
	t.Helper()
	deps := Deps{
		Gate:          h.gate,
		Inference:     h.infer,
		Store:         h.store,
		Usage:         h.store,
		Selection:     h.sel,
		Broadcaster:   h.bus,
		Notifier:      h.notices,
		SamplerWindow: 5 * time.Millisecond,
	}
	if h.boot != nil {
		deps.Bootstrapper = h.boot
	}
	c, err := Open(t.Context(), deps, chatID)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestSubmit_EmptyMessage(t *testing.T) {
	h := newHarness(t)
	c := h.open(t, "chat-1")

	_, err := c.Submit(t.Context(), alice, "   ", nil)
	assert.ErrorIs(t, err, chat.ErrEmptyMessage)
	assert.Empty(t, h.infer.requests())
}

func TestSubmit_Unauthenticated(t *testing.T) {
	h := newHarness(t)
	c := h.open(t, "chat-1")

	res, err := c.Submit(t.Context(), chat.Anonymous, "hi", nil)
	require.NoError(t, err)
	assert.Equal(t, entitlement.NeedsAuth, res.Decision)
	assert.Nil(t, res.Handle)
	assert.Empty(t, h.infer.requests())
	assert.Empty(t, c.State().Messages)
}

func TestSubmit_NeedsEntitlement(t *testing.T) {
	h := newHarness(t)
	h.lookup.set(alice.SubjectID, false)
	c := h.open(t, "chat-1")

	res, err := c.Submit(t.Context(), alice, "hi", nil)
	require.NoError(t, err)
	assert.Equal(t, entitlement.NeedsEntitlement, res.Decision)
	assert.Empty(t, h.infer.requests())
}

func TestSubmit_StreamsAndPersists(t *testing.T) {
	h := newHarness(t)
	h.infer.next = func() *scriptedStream {
		return &scriptedStream{deltas: []string{"Hel", "lo"}, usage: &inference.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5}}
	}
	c := h.open(t, "chat-1")

	res, err := c.Submit(t.Context(), alice, "hi", nil)
	require.NoError(t, err)
	require.Equal(t, entitlement.Proceed, res.Decision)
	require.NotNil(t, res.Handle)
	c.Wait()

	st := c.State()
	assert.False(t, st.Streaming)
	assert.Nil(t, st.LastError)
	require.Len(t, st.Messages, 2)
	assert.Equal(t, "[Model: gpt-4o]\n\n[Provider: OpenAI]\n\nhi", st.Messages[0].Text())
	assert.Equal(t, "Hello", st.Messages[1].Text())
	assert.Equal(t, "hi", st.Description)

	stored, err := h.store.LoadChat(t.Context(), "chat-1")
	require.NoError(t, err)
	assert.Len(t, stored.Messages, 2)

	usage, err := h.store.GetChatUsage(t.Context(), "chat-1")
	require.NoError(t, err)
	require.Len(t, usage, 1)
	assert.Equal(t, 5, usage[0].TotalTokens)
	assert.Equal(t, st.Messages[1].ID, usage[0].MessageID)
	assert.Equal(t, "gpt-4o", usage[0].Model)

	assert.Equal(t, 1, h.sel.cleared)
}

func TestSubmit_TransportErrorDropsTurn(t *testing.T) {
	h := newHarness(t)
	h.infer.next = func() *scriptedStream {
		return &scriptedStream{deltas: []string{"partial"}, err: &chat.TransportError{StatusCode: 502, Message: "upstream down"}}
	}
	c := h.open(t, "chat-1")

	_, err := c.Submit(t.Context(), alice, "hi", nil)
	require.NoError(t, err)
	c.Wait()

	st := c.State()
	assert.Empty(t, st.Messages)
	require.NotNil(t, st.LastError)
	assert.Equal(t, chat.ErrorKindTransport, st.LastError.Kind)

	errs := h.notices.ByLevel(notify.LevelError)
	require.Len(t, errs, 1)
	assert.Equal(t, "There was an error processing your request: upstream down", errs[0].Message)
}

func TestAbort_KeepsPartialReply(t *testing.T) {
	h := newHarness(t)
	h.infer.next = func() *scriptedStream {
		return &scriptedStream{deltas: []string{"part"}, block: make(chan struct{})}
	}
	c := h.open(t, "chat-1")

	events, _ := h.bus.Subscribe(t.Context(), "chat-1")

	_, err := c.Submit(t.Context(), alice, "hi", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st := c.State()
		return len(st.Messages) == 2 && st.Messages[1].Text() == "part"
	}, time.Second, 5*time.Millisecond)

	c.Abort()
	c.Wait()

	st := c.State()
	assert.True(t, st.Aborted)
	assert.False(t, st.Streaming)
	require.Len(t, st.Messages, 2)
	assert.Equal(t, "part", st.Messages[1].Text())
	assert.Nil(t, st.LastError)

	var sawStreaming bool
	for {
		select {
		case ev := <-events:
			if ev.Kind == EventState && ev.State.Streaming {
				sawStreaming = true
			}
			continue
		default:
		}
		break
	}
	assert.True(t, sawStreaming)
}

func TestSubmit_WhileStreamingStopsPrevious(t *testing.T) {
	h := newHarness(t)
	var n int
	var mu sync.Mutex
	h.infer.next = func() *scriptedStream {
		mu.Lock()
		defer mu.Unlock()
		n++
		if n == 1 {
			return &scriptedStream{deltas: []string{"first"}, block: make(chan struct{})}
		}
		return &scriptedStream{deltas: []string{"second"}}
	}
	c := h.open(t, "chat-1")

	first, err := c.Submit(t.Context(), alice, "one", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(c.State().Messages) == 2 }, time.Second, 5*time.Millisecond)

	_, err = c.Submit(t.Context(), alice, "two", nil)
	require.NoError(t, err)
	assert.True(t, first.Handle.IsAborted())
	c.Wait()

	st := c.State()
	require.Len(t, st.Messages, 4)
	assert.Equal(t, "first", st.Messages[1].Text())
	assert.Equal(t, "second", st.Messages[3].Text())
	assert.False(t, st.Aborted)
}

func TestSubmit_BootstrapSeedsConversation(t *testing.T) {
	h := newHarness(t)
	seeds := []chat.Message{
		{ID: "1-1", Role: chat.RoleUser, Parts: []chat.Part{chat.TextPart("build a todo app")}},
		{ID: "2-1", Role: chat.RoleAssistant, Parts: []chat.Part{chat.TextPart("Imported the starter")}},
		{ID: "3-1", Role: chat.RoleUser, Parts: []chat.Part{chat.TextPart("continue")}, Annotations: []string{chat.AnnotationHidden}},
	}
	h.boot = &fakeBootstrapper{result: chat.BootstrapResult{Template: "react-todo", Title: "Todo", SeedMessages: seeds}}
	c := h.open(t, "chat-1")

	res, err := c.Submit(t.Context(), alice, "build a todo app", nil)
	require.NoError(t, err)
	require.NotNil(t, res.Bootstrap)
	c.Wait()

	st := c.State()
	require.Len(t, st.Messages, 4)
	assert.Equal(t, "1-1", st.Messages[0].ID)
	assert.Equal(t, "3-1", st.Messages[2].ID)
	assert.True(t, st.Messages[2].IsHidden())
	assert.Equal(t, chat.RoleAssistant, st.Messages[3].Role)

	reqs := h.infer.requests()
	require.Len(t, reqs, 1)
	assert.Len(t, reqs[0].Messages, 3)

	// a second submit never bootstraps again
	_, err = c.Submit(t.Context(), alice, "more", nil)
	require.NoError(t, err)
	c.Wait()
	assert.Equal(t, 1, h.boot.calls)
}

func TestSubmit_BlankBootstrapFallsBack(t *testing.T) {
	h := newHarness(t)
	h.boot = &fakeBootstrapper{result: chat.BootstrapResult{Template: chat.BlankTemplate}}
	c := h.open(t, "chat-1")

	res, err := c.Submit(t.Context(), alice, "hello", nil)
	require.NoError(t, err)
	assert.Nil(t, res.Bootstrap)
	c.Wait()

	st := c.State()
	require.Len(t, st.Messages, 2)
	assert.Contains(t, st.Messages[0].Text(), "hello")
}

func TestOpen_LoadsExistingChatWithoutPersisting(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.Persist(t.Context(), "chat-1", []chat.Message{
		{ID: "u1", Role: chat.RoleUser, Parts: []chat.Part{chat.TextPart("old")}},
		{ID: "a1", Role: chat.RoleAssistant, Parts: []chat.Part{chat.TextPart("reply")}},
	}))
	calls := h.store.PersistCalls()

	c := h.open(t, "chat-1")
	st := c.State()
	assert.Len(t, st.Messages, 2)
	assert.Len(t, st.InitialMessages, 2)
	assert.Equal(t, "old", st.Description)

	c.Close()
	assert.Equal(t, calls, h.store.PersistCalls())
}

func TestSubmit_PersistFailureIsReported(t *testing.T) {
	h := newHarness(t)
	h.store.SetPersistErr(errors.New("disk full"))
	c := h.open(t, "chat-1")

	_, err := c.Submit(t.Context(), alice, "hi", nil)
	require.NoError(t, err)
	c.Wait()

	require.Eventually(t, func() bool {
		st := c.State()
		return st.LastError != nil && st.LastError.Kind == chat.ErrorKindPersistence
	}, time.Second, 5*time.Millisecond)
	assert.Len(t, c.State().Messages, 2)
}

func TestAwaitEntitlement_ActivatesDuringPoll(t *testing.T) {
	h := newHarness(t)
	h.lookup.set(alice.SubjectID, false)
	c := h.open(t, "chat-1")

	res, err := c.Submit(t.Context(), alice, "hi", nil)
	require.NoError(t, err)
	require.Equal(t, entitlement.NeedsEntitlement, res.Decision)

	h.lookup.set(alice.SubjectID, true)
	ctx, cancel := context.WithTimeout(t.Context(), time.Second)
	defer cancel()
	assert.Equal(t, entitlement.Proceed, c.AwaitEntitlement(ctx, alice))
}

func TestOpen_RequiresCollaborators(t *testing.T) {
	_, err := Open(t.Context(), Deps{}, "chat-1")
	assert.Error(t, err)
}

func TestOpen_EmptyIDCreatesNewChat(t *testing.T) {
	h := newHarness(t)
	c := h.open(t, "")
	assert.NotEmpty(t, c.ChatID())
	assert.Empty(t, c.State().Messages)
}

func TestChatID_StableWhileStreaming(t *testing.T) {
	h := newHarness(t)
	h.infer.next = func() *scriptedStream {
		return &scriptedStream{deltas: []string{"a", "b", "c", "d"}}
	}
	c := h.open(t, "chat-id")

	_, err := c.Submit(t.Context(), alice, "hi", nil)
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		require.Equal(t, "chat-id", c.ChatID())
	}
	c.Wait()
	assert.Equal(t, "chat-id", c.State().ChatID)
}

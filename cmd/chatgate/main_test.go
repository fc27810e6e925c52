// ABOUTME: Tests for the chatgate CLI
// ABOUTME: Covers token minting, chat management helpers, log output and the chat REPL end to end

package main

import (
	"bytes"
	"context"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/chatgate/internal/auth"
	"github.com/2389/chatgate/internal/backend"
	"github.com/2389/chatgate/internal/chat"
	"github.com/2389/chatgate/internal/config"
	"github.com/2389/chatgate/internal/conversation"
	"github.com/2389/chatgate/internal/entitlement"
	"github.com/2389/chatgate/internal/inference"
	"github.com/2389/chatgate/internal/selection"
	"github.com/2389/chatgate/internal/store"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func init() {
	color.NoColor = true
}

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "chatgate.yaml")
	data := "database:\n  path: " + filepath.Join(dir, "chatgate.db") + "\nauth:\n  jwt_secret: " + testSecret + "\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	return path
}

func TestMintToken(t *testing.T) {
	tok, err := mintToken([]byte(testSecret), tokenOptions{subject: "alice", email: "a@example.com", ttl: time.Hour, admin: true})
	require.NoError(t, err)

	v, err := auth.NewJWTVerifier([]byte(testSecret))
	require.NoError(t, err)
	claims, err := v.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.True(t, claims.IsAdmin())

	_, err = mintToken([]byte(testSecret), tokenOptions{ttl: time.Hour})
	assert.Error(t, err)

	_, err = mintToken([]byte("short"), tokenOptions{subject: "alice", ttl: time.Hour})
	assert.Error(t, err)
}

func TestTokenCommand(t *testing.T) {
	cfgPath := writeConfig(t)

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"--config", cfgPath, "token", "--subject", "bob", "--ttl", "1h"})
	require.NoError(t, root.Execute())

	v, err := auth.NewJWTVerifier([]byte(testSecret))
	require.NoError(t, err)
	claims, err := v.Verify(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, "bob", claims.Subject)
	assert.False(t, claims.IsAdmin())
}

func TestChatsHelpers_ExportImportList(t *testing.T) {
	ctx := context.Background()
	st := store.NewMockStore()
	msgs := []chat.Message{
		{ID: "u1", Role: chat.RoleUser, Parts: []chat.Part{chat.TextPart("plan a trip")}},
		{ID: "a1", Role: chat.RoleAssistant, Parts: []chat.Part{chat.TextPart("sure")}},
	}
	require.NoError(t, st.Persist(ctx, "chat-1", msgs))

	var exported bytes.Buffer
	require.NoError(t, exportChat(ctx, st, "chat-1", &exported))
	assert.Contains(t, exported.String(), "plan a trip")

	id, err := importChat(ctx, st, &exported)
	require.NoError(t, err)
	assert.NotEqual(t, "chat-1", id)

	var listed bytes.Buffer
	require.NoError(t, listChats(ctx, st, &listed))
	assert.Contains(t, listed.String(), "chat-1")
	assert.Contains(t, listed.String(), id)

	_, err = importChat(ctx, st, strings.NewReader("not json"))
	assert.ErrorIs(t, err, store.ErrInvalidExport)

	assert.Error(t, exportChat(ctx, st, "missing", &bytes.Buffer{}))
}

func TestPrintUsage(t *testing.T) {
	ctx := context.Background()
	st := store.NewMockStore()
	require.NoError(t, st.SaveUsage(ctx, &store.TokenUsage{ID: "1", ChatID: "c", PromptTokens: 3, CompletionTokens: 4, TotalTokens: 7, CreatedAt: time.Now()}))

	var out bytes.Buffer
	require.NoError(t, printUsage(ctx, st, store.UsageFilter{}, &out))
	assert.Contains(t, out.String(), "total tokens")
	assert.Contains(t, out.String(), "7")
}

func TestColorHandler_WritesAttrsAndGroups(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.LoggingConfig{Level: "debug", Format: "text"}, &buf)

	logger.With("component", "gate").WithGroup("poll").Info("entitlement became active", "attempts", 2)
	logger.Debug("debug line")

	out := buf.String()
	assert.Contains(t, out, "INF entitlement became active")
	assert.Contains(t, out, "component=gate")
	assert.Contains(t, out, "poll.attempts=2")
	assert.Contains(t, out, "DBG debug line")
}

func TestColorHandler_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.LoggingConfig{Level: "warn"}, &buf)

	logger.Info("hidden")
	logger.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "WRN shown")
}

func TestJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.LoggingConfig{Level: "info", Format: "json"}, &buf)
	logger.Info("hello", "k", "v")
	assert.Contains(t, buf.String(), `"msg":"hello"`)
}

func TestReplyPrinter_PrintsOnlyNewText(t *testing.T) {
	var buf bytes.Buffer
	var p replyPrinter

	loaded := []chat.Message{{ID: "a0", Role: chat.RoleAssistant, Parts: []chat.Part{chat.TextPart("old reply")}}}
	state := chat.NewState("c", loaded)
	p.update(&buf, state)
	assert.Empty(t, buf.String(), "loaded history is not replayed")

	user := chat.Message{ID: "u1", Role: chat.RoleUser, Parts: []chat.Part{chat.TextPart("hi")}}
	reply := chat.Message{ID: "a1", Role: chat.RoleAssistant, Parts: []chat.Part{chat.TextPart("Hel")}}
	state = state.WithMessages(append(chat.CloneMessages(loaded), user, reply)).WithStreaming(true)
	p.update(&buf, state)

	state.Messages[2].Parts[0].Text = "Hello"
	p.update(&buf, state)
	p.update(&buf, state)
	p.finish(&buf)

	assert.Equal(t, "assistant› Hello\n", buf.String())
}

type replHarness struct {
	backend *store.MockStore
	chats   *store.MockStore
	sel     *selection.Manager
	ctrl    *conversation.Controller
	events  <-chan conversation.Event
}

func newREPLHarness(t *testing.T) *replHarness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	verifier, err := auth.NewJWTVerifier([]byte(testSecret))
	require.NoError(t, err)
	token, err := verifier.Generate(auth.Claims{Subject: "alice"}, time.Hour)
	require.NoError(t, err)

	h := &replHarness{backend: store.NewMockStore(), chats: store.NewMockStore()}
	srv, err := backend.New(backend.Options{Store: h.backend, Verifier: verifier, Logger: slog.Default()})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	h.sel, err = selection.NewManager(h.chats, []byte(testSecret), selection.Defaults{ModelID: "gpt-4o", ProviderID: "OpenAI"}, nil)
	require.NoError(t, err)

	const chatID = "chat-repl"
	bus := conversation.NewBroadcaster(nil)
	t.Cleanup(bus.Close)

	gate := entitlement.NewGate(entitlement.NewHTTPClient(ts.URL, token, nil), entitlement.Config{
		PollInterval: 10 * time.Millisecond,
		MaxAttempts:  3,
	}, entitlement.WithNotifier(bus.Notifier(chatID)))
	t.Cleanup(gate.Close)

	h.ctrl, err = conversation.Open(ctx, conversation.Deps{
		Gate:        gate,
		Inference:   inference.NewGatewayClient(ts.URL, token, nil, nil),
		Store:       h.chats,
		Usage:       h.chats,
		Selection:   h.sel,
		Broadcaster: bus,
		Notifier:    bus.Notifier(chatID),
	}, chatID)
	require.NoError(t, err)
	t.Cleanup(h.ctrl.Close)

	h.events, _ = bus.Subscribe(ctx, chatID)
	return h
}

func (h *replHarness) run(t *testing.T, input ...string) string {
	t.Helper()
	lines := make(chan string, len(input))
	for _, l := range input {
		lines <- l
	}
	close(lines)

	var out bytes.Buffer
	r := &repl{
		ctrl:      h.ctrl,
		selection: h.sel,
		identity:  chat.Identity{SubjectID: "alice", Authenticated: true},
		events:    h.events,
		out:       &out,
	}
	require.NoError(t, r.run(context.Background(), lines, nil))
	return out.String()
}

func TestREPL_StreamsReply(t *testing.T) {
	h := newREPLHarness(t)
	require.NoError(t, h.backend.SetEntitlement(context.Background(), "alice", true))

	out := h.run(t, "hello", "/quit")

	assert.Contains(t, out, backend.ScriptedReply("hello"))
	state := h.ctrl.State()
	require.Len(t, state.Messages, 2)
	assert.Equal(t, chat.RoleAssistant, state.Messages[1].Role)

	stored, err := h.chats.LoadChat(context.Background(), "chat-repl")
	require.NoError(t, err)
	assert.Len(t, stored.Messages, 2)

	stats, err := h.chats.GetUsageStats(context.Background(), store.UsageFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.RequestCount)
}

func TestREPL_WaitsForEntitlementAndKeepsDraft(t *testing.T) {
	h := newREPLHarness(t)

	out := h.run(t, "hello")

	assert.Contains(t, out, "An active subscription is required")
	assert.Contains(t, out, entitlement.TimedOutNotice)
	assert.Empty(t, h.ctrl.State().Messages)

	draft, err := h.sel.Draft(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hello", draft)
}

func TestREPL_SignedOutGetsHint(t *testing.T) {
	h := newREPLHarness(t)

	lines := make(chan string, 1)
	lines <- "hello"
	close(lines)

	var out bytes.Buffer
	r := &repl{ctrl: h.ctrl, selection: h.sel, identity: chat.Anonymous, events: h.events, out: &out}
	require.NoError(t, r.run(context.Background(), lines, nil))

	assert.Contains(t, out.String(), "You are not signed in")
}

func TestREPL_SelectionCommands(t *testing.T) {
	h := newREPLHarness(t)

	out := h.run(t, "/model gpt-4o-mini", "/provider Anthropic", "/key Anthropic sk-test", "/model", "/bogus")

	sel, err := h.sel.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", sel.ModelID)
	assert.Equal(t, "Anthropic", sel.ProviderID)
	assert.Equal(t, "sk-test", sel.APIKey())

	assert.Contains(t, out, "usage: /model ID")
	assert.Contains(t, out, "unknown command /bogus")
}

func TestSelectionSecret_GeneratedOnce(t *testing.T) {
	cfg := config.Default()
	cfg.Selection.Secret = ""
	cfg.Database.Path = filepath.Join(t.TempDir(), "chatgate.db")

	first, err := selectionSecret(cfg)
	require.NoError(t, err)
	second, err := selectionSecret(cfg)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	cfg.Selection.Secret = "configured"
	got, err := selectionSecret(cfg)
	require.NoError(t, err)
	assert.Equal(t, []byte("configured"), got)
}

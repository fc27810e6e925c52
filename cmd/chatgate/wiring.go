// ABOUTME: Builds the runtime object graph for chat commands from config
// ABOUTME: Store, selection manager, gate, bootstrapper, inference client and identity

package main

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/2389/chatgate/internal/artifact"
	"github.com/2389/chatgate/internal/auth"
	"github.com/2389/chatgate/internal/bootstrap"
	"github.com/2389/chatgate/internal/chat"
	"github.com/2389/chatgate/internal/config"
	"github.com/2389/chatgate/internal/conversation"
	"github.com/2389/chatgate/internal/entitlement"
	"github.com/2389/chatgate/internal/inference"
	"github.com/2389/chatgate/internal/metrics"
	"github.com/2389/chatgate/internal/selection"
	"github.com/2389/chatgate/internal/store"
)

// runtime holds everything a chat session needs. Close releases it.
type runtime struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     *store.SQLiteStore
	selection *selection.Manager
	gate      *entitlement.Gate
	bus       *conversation.Broadcaster
	identity  chat.Identity
	deps      conversation.Deps
}

// newRuntime wires a runtime for chatID. Notices for the chat go to its
// broadcaster subscribers.
func newRuntime(cfg *config.Config, logger *slog.Logger, chatID string) (*runtime, error) {
	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	rt := &runtime{cfg: cfg, logger: logger, store: st}
	if err := rt.init(chatID); err != nil {
		st.Close()
		return nil, err
	}
	return rt, nil
}

func (rt *runtime) init(chatID string) error {
	cfg, logger := rt.cfg, rt.logger

	secret, err := selectionSecret(cfg)
	if err != nil {
		return err
	}
	rt.selection, err = selection.NewManager(rt.store, secret, selection.Defaults{
		ModelID:    cfg.Selection.DefaultModel,
		ProviderID: cfg.Selection.DefaultProvider,
	}, logger)
	if err != nil {
		return fmt.Errorf("creating selection manager: %w", err)
	}

	rt.identity, err = resolveIdentity(cfg)
	if err != nil {
		logger.Warn("configured token rejected, continuing signed out", "error", err)
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	rt.bus = conversation.NewBroadcaster(logger)
	notifier := rt.bus.Notifier(chatID)

	httpClient := &http.Client{Timeout: cfg.Entitlement.LookupTimeout}
	lookup := entitlement.NewHTTPClient(cfg.Backend.URL, cfg.Auth.Token, httpClient)
	rt.gate = entitlement.NewGate(lookup, entitlement.Config{
		CacheTTL:      cfg.Entitlement.CacheTTL,
		PollInterval:  cfg.Entitlement.PollInterval,
		MaxAttempts:   cfg.Entitlement.MaxAttempts,
		LookupTimeout: cfg.Entitlement.LookupTimeout,
	}, entitlement.WithNotifier(notifier), entitlement.WithMetrics(m), entitlement.WithLogger(logger))

	var boot conversation.Bootstrapper
	if cfg.Bootstrap.Enabled() {
		boot = bootstrap.New(
			bootstrap.NewHTTPClient(cfg.Backend.URL, cfg.Auth.Token, httpClient),
			bootstrap.WithNotifier(notifier),
			bootstrap.WithMetrics(m),
			bootstrap.WithLogger(logger),
		)
	}

	rt.deps = conversation.Deps{
		Gate:           rt.gate,
		Bootstrapper:   boot,
		Inference:      newInferenceClient(cfg, logger),
		Store:          rt.store,
		Usage:          rt.store,
		Selection:      rt.selection,
		Parser:         artifact.NewParser(artifact.WithLogger(logger)),
		Broadcaster:    rt.bus,
		Notifier:       notifier,
		Metrics:        m,
		Logger:         logger,
		SamplerWindow:  cfg.Sampler.Window,
		PersistTimeout: cfg.Sampler.PersistTimeout,
		ContextFlags:   cfg.Inference.ContextFlags,
	}
	return nil
}

func (rt *runtime) Close() {
	rt.gate.Close()
	rt.bus.Close()
	if err := rt.store.Close(); err != nil {
		rt.logger.Warn("closing store", "error", err)
	}
}

// newInferenceClient returns the configured streaming client. Stream
// lifetime is bounded by the submit context, so only the transport dial and
// header phase get a timeout here.
func newInferenceClient(cfg *config.Config, logger *slog.Logger) inference.Client {
	transport := &http.Transport{ResponseHeaderTimeout: cfg.Inference.RequestTimeout}
	httpClient := &http.Client{Transport: transport}

	if cfg.Inference.Provider == config.ProviderOpenAI {
		return inference.NewOpenAIClient(inference.OpenAIConfig{
			BaseURLs:     cfg.Inference.BaseURLs,
			SystemPrompt: cfg.Inference.SystemPrompt,
			MaxTokens:    cfg.Inference.MaxTokens,
			Temperature:  cfg.Inference.Temperature,
			HTTPClient:   httpClient,
		}, logger)
	}
	return inference.NewGatewayClient(cfg.Backend.URL, cfg.Auth.Token, httpClient, logger)
}

// resolveIdentity verifies the configured bearer token. Without a token or a
// secret to check it against the user is signed out.
func resolveIdentity(cfg *config.Config) (chat.Identity, error) {
	if cfg.Auth.Token == "" || cfg.Auth.JWTSecret == "" {
		return chat.Anonymous, nil
	}
	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return chat.Anonymous, err
	}
	return auth.IdentityFromToken(verifier, cfg.Auth.Token)
}

// selectionSecret returns the key sealing secret from config, or a random
// one kept next to the database when none is configured.
func selectionSecret(cfg *config.Config) ([]byte, error) {
	if cfg.Selection.Secret != "" {
		return []byte(cfg.Selection.Secret), nil
	}
	if cfg.Database.Path == ":memory:" {
		return randomSecret()
	}

	path := cfg.Database.Path + ".key"
	data, err := os.ReadFile(path)
	if err == nil {
		if s := strings.TrimSpace(string(data)); s != "" {
			return []byte(s), nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("reading selection key: %w", err)
	}

	secret, err := randomSecret()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, append(secret, '\n'), 0o600); err != nil {
		return nil, fmt.Errorf("writing selection key: %w", err)
	}
	return secret, nil
}

func randomSecret() ([]byte, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generating secret: %w", err)
	}
	return []byte(base64.StdEncoding.EncodeToString(b)), nil
}

// ABOUTME: Manager loads and saves the model/provider selection, draft input and sealed API keys
// ABOUTME: Missing values fall back to configured defaults

package selection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/2389/chatgate/internal/chat"
	"github.com/2389/chatgate/internal/store"
)

// Preference keys
const (
	KeyModel    = "selection.model"
	KeyProvider = "selection.provider"
	KeyDraft    = "selection.draft"
	KeyAPIKeys  = "selection.api_keys"
)

// Defaults are used when nothing was saved yet.
type Defaults struct {
	ModelID    string
	ProviderID string
}

// Manager reads and writes selection preferences.
type Manager struct {
	prefs    store.PreferenceStore
	sealer   *sealer
	defaults Defaults
	logger   *slog.Logger
}

// NewManager creates a manager. secret seals the API key map.
func NewManager(prefs store.PreferenceStore, secret []byte, defaults Defaults, logger *slog.Logger) (*Manager, error) {
	s, err := newSealer(secret)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		prefs:    prefs,
		sealer:   s,
		defaults: defaults,
		logger:   logger.With("component", "selection"),
	}, nil
}

// Load returns the saved selection with defaults applied.
func (m *Manager) Load(ctx context.Context) (chat.Selection, error) {
	model, err := m.get(ctx, KeyModel, m.defaults.ModelID)
	if err != nil {
		return chat.Selection{}, err
	}
	provider, err := m.get(ctx, KeyProvider, m.defaults.ProviderID)
	if err != nil {
		return chat.Selection{}, err
	}
	keys, err := m.apiKeys(ctx)
	if err != nil {
		return chat.Selection{}, err
	}
	return chat.Selection{ModelID: model, ProviderID: provider, APIKeys: keys}, nil
}

func (m *Manager) get(ctx context.Context, key, fallback string) (string, error) {
	v, err := m.prefs.GetPreference(ctx, key)
	if errors.Is(err, store.ErrNotFound) || (err == nil && v == "") {
		return fallback, nil
	}
	if err != nil {
		return "", fmt.Errorf("loading %s: %w", key, err)
	}
	return v, nil
}

func (m *Manager) apiKeys(ctx context.Context) (map[string]string, error) {
	keys := map[string]string{}
	sealed, err := m.prefs.GetPreference(ctx, KeyAPIKeys)
	if errors.Is(err, store.ErrNotFound) {
		return keys, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading api keys: %w", err)
	}

	raw, err := m.sealer.open(sealed)
	if err != nil {
		m.logger.Warn("discarding unreadable api keys", "error", err)
		return keys, nil
	}
	if err := json.Unmarshal(raw, &keys); err != nil {
		m.logger.Warn("discarding malformed api keys", "error", err)
		return map[string]string{}, nil
	}
	return keys, nil
}

// SetModel saves the selected model.
func (m *Manager) SetModel(ctx context.Context, modelID string) error {
	return m.prefs.SetPreference(ctx, KeyModel, modelID)
}

// SetProvider saves the selected provider.
func (m *Manager) SetProvider(ctx context.Context, providerID string) error {
	return m.prefs.SetPreference(ctx, KeyProvider, providerID)
}

// SetAPIKey saves the key for provider. An empty key removes it.
func (m *Manager) SetAPIKey(ctx context.Context, provider, key string) error {
	keys, err := m.apiKeys(ctx)
	if err != nil {
		return err
	}
	if key == "" {
		delete(keys, provider)
	} else {
		keys[provider] = key
	}

	raw, err := json.Marshal(keys)
	if err != nil {
		return fmt.Errorf("encoding api keys: %w", err)
	}
	sealed, err := m.sealer.seal(raw)
	if err != nil {
		return err
	}
	if err := m.prefs.SetPreference(ctx, KeyAPIKeys, sealed); err != nil {
		return err
	}
	m.logger.Info("api key updated", "provider", provider, "removed", key == "")
	return nil
}

// Draft returns the unsent input, or "".
func (m *Manager) Draft(ctx context.Context) (string, error) {
	return m.get(ctx, KeyDraft, "")
}

// SaveDraft stores the unsent input. Saving "" clears it.
func (m *Manager) SaveDraft(ctx context.Context, text string) error {
	if text == "" {
		return m.ClearDraft(ctx)
	}
	return m.prefs.SetPreference(ctx, KeyDraft, text)
}

// ClearDraft removes the unsent input, e.g. after a send.
func (m *Manager) ClearDraft(ctx context.Context) error {
	return m.prefs.DeletePreference(ctx, KeyDraft)
}

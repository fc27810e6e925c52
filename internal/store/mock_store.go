// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to inject persist failures

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/chatgate/internal/chat"
)

// MockStore is an in-memory implementation of Store, PreferenceStore and
// UsageStore for testing.
type MockStore struct {
	mu           sync.RWMutex
	chats        map[string]*Chat
	preferences  map[string]string
	usage        []*TokenUsage
	entitlements map[string]*EntitlementRecord
	audit        []AuditEntry

	// PersistErr, when set, is returned by every Persist call.
	PersistErr   error
	persistCalls int
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		chats:        make(map[string]*Chat),
		preferences:  make(map[string]string),
		entitlements: make(map[string]*EntitlementRecord),
	}
}

// PersistCalls returns how many times Persist was called.
func (m *MockStore) PersistCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.persistCalls
}

// SetPersistErr sets the error returned by Persist.
func (m *MockStore) SetPersistErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PersistErr = err
}

// Persist stores a copy of the messages.
func (m *MockStore) Persist(ctx context.Context, chatID string, messages []chat.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.persistCalls++
	if m.PersistErr != nil {
		return m.PersistErr
	}

	now := time.Now()
	c, ok := m.chats[chatID]
	if !ok {
		c = &Chat{ID: chatID, CreatedAt: now}
		m.chats[chatID] = c
	}
	c.Description = Describe(messages)
	c.Messages = chat.CloneMessages(messages)
	c.UpdatedAt = now
	return nil
}

// LoadChat returns a copy of the chat.
func (m *MockStore) LoadChat(ctx context.Context, chatID string) (*Chat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.chats[chatID]
	if !ok {
		return nil, ErrNotFound
	}
	out := *c
	out.Messages = chat.CloneMessages(c.Messages)
	return &out, nil
}

// ListChats returns summaries, most recently updated first.
func (m *MockStore) ListChats(ctx context.Context) ([]ChatSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ChatSummary, 0, len(m.chats))
	for _, c := range m.chats {
		out = append(out, ChatSummary{
			ID:           c.ID,
			Description:  c.Description,
			MessageCount: len(c.Messages),
			UpdatedAt:    c.UpdatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// DeleteChat removes the chat.
func (m *MockStore) DeleteChat(ctx context.Context, chatID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.chats[chatID]; !ok {
		return ErrNotFound
	}
	delete(m.chats, chatID)
	return nil
}

// ExportChat returns the export document of a chat.
func (m *MockStore) ExportChat(ctx context.Context, chatID string) (*ChatExport, error) {
	c, err := m.LoadChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	return &ChatExport{Description: c.Description, Messages: c.Messages, ExportDate: time.Now().UTC()}, nil
}

// ImportChat stores the export under a new id.
func (m *MockStore) ImportChat(ctx context.Context, export *ChatExport) (string, error) {
	if export == nil || len(export.Messages) == 0 {
		return "", ErrInvalidExport
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id := uuid.New().String()
	desc := export.Description
	if desc == "" {
		desc = Describe(export.Messages)
	}
	now := time.Now()
	m.chats[id] = &Chat{
		ID:          id,
		Description: desc,
		Messages:    chat.CloneMessages(export.Messages),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return id, nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

// GetPreference returns a stored preference.
func (m *MockStore) GetPreference(ctx context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.preferences[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

// SetPreference stores a preference.
func (m *MockStore) SetPreference(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.preferences[key] = value
	return nil
}

// DeletePreference removes a preference.
func (m *MockStore) DeletePreference(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.preferences, key)
	return nil
}

// SaveUsage records a usage entry.
func (m *MockStore) SaveUsage(ctx context.Context, usage *TokenUsage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u := *usage
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	m.usage = append(m.usage, &u)
	return nil
}

// GetChatUsage returns the usage entries of a chat.
func (m *MockStore) GetChatUsage(ctx context.Context, chatID string) ([]*TokenUsage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*TokenUsage
	for _, u := range m.usage {
		if u.ChatID == chatID {
			cp := *u
			out = append(out, &cp)
		}
	}
	return out, nil
}

// GetUsageStats aggregates usage entries.
func (m *MockStore) GetUsageStats(ctx context.Context, filter UsageFilter) (*UsageStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var stats UsageStats
	for _, u := range m.usage {
		if filter.ChatID != nil && u.ChatID != *filter.ChatID {
			continue
		}
		if filter.Since != nil && u.CreatedAt.Before(*filter.Since) {
			continue
		}
		if filter.Until != nil && !u.CreatedAt.Before(*filter.Until) {
			continue
		}
		stats.PromptTokens += u.PromptTokens
		stats.CompletionTokens += u.CompletionTokens
		stats.TotalTokens += u.TotalTokens
		stats.RequestCount++
	}
	return &stats, nil
}

// RegisterSubject records a subject if unknown.
func (m *MockStore) RegisterSubject(ctx context.Context, subject, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	rec, ok := m.entitlements[subject]
	if !ok {
		rec = &EntitlementRecord{Subject: subject, RegisteredAt: now}
		m.entitlements[subject] = rec
	}
	if email != "" {
		rec.Email = email
	}
	rec.UpdatedAt = now
	return nil
}

// SetEntitlement sets the active flag of a subject.
func (m *MockStore) SetEntitlement(ctx context.Context, subject string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	rec, ok := m.entitlements[subject]
	if !ok {
		rec = &EntitlementRecord{Subject: subject, RegisteredAt: now}
		m.entitlements[subject] = rec
	}
	rec.Active = active
	rec.UpdatedAt = now
	return nil
}

// GetEntitlement returns a copy of the subject's record.
func (m *MockStore) GetEntitlement(ctx context.Context, subject string) (*EntitlementRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.entitlements[subject]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// ListEntitlements returns every record ordered by registration time.
func (m *MockStore) ListEntitlements(ctx context.Context) ([]*EntitlementRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*EntitlementRecord, 0, len(m.entitlements))
	for _, rec := range m.entitlements {
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RegisteredAt.Before(out[j].RegisteredAt) })
	return out, nil
}

// Ensure MockStore implements the store interfaces.
var (
	_ Store            = (*MockStore)(nil)
	_ PreferenceStore  = (*MockStore)(nil)
	_ UsageStore       = (*MockStore)(nil)
	_ EntitlementStore = (*MockStore)(nil)
)

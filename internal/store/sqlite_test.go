// ABOUTME: Tests for SQLite store implementation
// ABOUTME: Covers chat persistence, ordering, deletion, export/import and preferences

package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/2389/chatgate/internal/chat"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleMessages() []chat.Message {
	hidden := chat.Message{
		ID:          "3-1",
		Role:        chat.RoleUser,
		Parts:       []chat.Part{chat.TextPart("[Model: m]\n\n[Provider: p]\n\ncontinue")},
		Annotations: []string{chat.AnnotationHidden},
		CreatedAt:   time.Now(),
	}
	return []chat.Message{
		{
			ID:        "1-1",
			Role:      chat.RoleUser,
			Parts:     []chat.Part{chat.TextPart("[Model: m]\n\n[Provider: p]\n\nBuild a   todo app"), chat.ImagePart("data:image/png;base64,AA")},
			CreatedAt: time.Now(),
		},
		{ID: "2-1", Role: chat.RoleAssistant, Parts: []chat.Part{chat.TextPart("scaffold")}, CreatedAt: time.Now()},
		hidden,
	}
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
}

func TestNewSQLiteStore_Reopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	if err := store.Persist(context.Background(), "c1", sampleMessages()); err != nil {
		t.Fatalf("Persist failed: %v", err)
	}
	store.Close()

	// migrations must be idempotent
	store, err = NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("reopening failed: %v", err)
	}
	defer store.Close()

	c, err := store.LoadChat(context.Background(), "c1")
	if err != nil {
		t.Fatalf("LoadChat failed: %v", err)
	}
	if len(c.Messages) != 3 {
		t.Errorf("expected 3 messages, got %d", len(c.Messages))
	}
}

func TestPersistAndLoadChat(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Persist(ctx, "chat-1", sampleMessages()); err != nil {
		t.Fatalf("Persist failed: %v", err)
	}

	c, err := store.LoadChat(ctx, "chat-1")
	if err != nil {
		t.Fatalf("LoadChat failed: %v", err)
	}
	if c.Description != "Build a todo app" {
		t.Errorf("unexpected description %q", c.Description)
	}
	if len(c.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(c.Messages))
	}
	if c.Messages[0].ID != "1-1" || c.Messages[2].ID != "3-1" {
		t.Errorf("messages out of order: %s, %s", c.Messages[0].ID, c.Messages[2].ID)
	}
	if imgs := c.Messages[0].Images(); len(imgs) != 1 {
		t.Errorf("expected image part to round-trip, got %v", imgs)
	}
	if !c.Messages[2].IsHidden() {
		t.Error("hidden annotation was lost")
	}
	if c.Messages[1].Annotations != nil {
		t.Errorf("expected no annotations, got %v", c.Messages[1].Annotations)
	}
}

func TestPersist_ReplacesMessages(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	msgs := sampleMessages()
	if err := store.Persist(ctx, "chat-1", msgs); err != nil {
		t.Fatalf("Persist failed: %v", err)
	}
	if err := store.Persist(ctx, "chat-1", msgs[:2]); err != nil {
		t.Fatalf("Persist failed: %v", err)
	}

	c, err := store.LoadChat(ctx, "chat-1")
	if err != nil {
		t.Fatalf("LoadChat failed: %v", err)
	}
	if len(c.Messages) != 2 {
		t.Errorf("expected 2 messages after truncation, got %d", len(c.Messages))
	}
}

func TestLoadChat_NotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.LoadChat(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListAndDeleteChats(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Persist(ctx, "old", sampleMessages()[:1]); err != nil {
		t.Fatalf("Persist failed: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	if err := store.Persist(ctx, "new", sampleMessages()); err != nil {
		t.Fatalf("Persist failed: %v", err)
	}

	chats, err := store.ListChats(ctx)
	if err != nil {
		t.Fatalf("ListChats failed: %v", err)
	}
	if len(chats) != 2 {
		t.Fatalf("expected 2 chats, got %d", len(chats))
	}
	if chats[0].ID != "new" || chats[0].MessageCount != 3 {
		t.Errorf("unexpected first chat: %+v", chats[0])
	}

	if err := store.DeleteChat(ctx, "new"); err != nil {
		t.Fatalf("DeleteChat failed: %v", err)
	}
	if err := store.DeleteChat(ctx, "new"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
	if _, err := store.LoadChat(ctx, "new"); !errors.Is(err, ErrNotFound) {
		t.Errorf("messages should be gone with the chat, got %v", err)
	}
}

func TestExportImportChat(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Persist(ctx, "chat-1", sampleMessages()); err != nil {
		t.Fatalf("Persist failed: %v", err)
	}

	export, err := store.ExportChat(ctx, "chat-1")
	if err != nil {
		t.Fatalf("ExportChat failed: %v", err)
	}

	id, err := store.ImportChat(ctx, export)
	if err != nil {
		t.Fatalf("ImportChat failed: %v", err)
	}
	if id == "chat-1" {
		t.Error("import should create a new chat id")
	}

	c, err := store.LoadChat(ctx, id)
	if err != nil {
		t.Fatalf("LoadChat failed: %v", err)
	}
	if len(c.Messages) != 3 || c.Description != export.Description {
		t.Errorf("imported chat differs: %+v", c)
	}

	if _, err := store.ImportChat(ctx, &ChatExport{}); !errors.Is(err, ErrInvalidExport) {
		t.Errorf("expected ErrInvalidExport, got %v", err)
	}
}

func TestPreferences(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.GetPreference(ctx, "model"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := store.SetPreference(ctx, "model", "a"); err != nil {
		t.Fatalf("SetPreference failed: %v", err)
	}
	if err := store.SetPreference(ctx, "model", "b"); err != nil {
		t.Fatalf("SetPreference failed: %v", err)
	}
	v, err := store.GetPreference(ctx, "model")
	if err != nil || v != "b" {
		t.Errorf("expected b, got %q (%v)", v, err)
	}
	if err := store.DeletePreference(ctx, "model"); err != nil {
		t.Fatalf("DeletePreference failed: %v", err)
	}
	if _, err := store.GetPreference(ctx, "model"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

// ABOUTME: SQLite implementation of the Store interfaces using modernc.org/sqlite
// ABOUTME: Provides chat and message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/2389/chatgate/internal/chat"
)

// SQLiteStore implements Store, PreferenceStore, UsageStore and
// EntitlementStore using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// a single connection keeps :memory: databases shared and serializes writers
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS chats (
			id TEXT PRIMARY KEY,
			description TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_chats_updated ON chats(updated_at DESC);

		CREATE TABLE IF NOT EXISTS chat_messages (
			chat_id TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			id TEXT NOT NULL,
			role TEXT NOT NULL,
			parts_json TEXT NOT NULL,
			created_at TEXT NOT NULL,

			PRIMARY KEY (chat_id, seq),
			CHECK (role IN ('user', 'assistant'))
		);

		CREATE TABLE IF NOT EXISTS preferences (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS token_usage (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL,
			message_id TEXT,
			model TEXT NOT NULL,
			provider TEXT NOT NULL,
			prompt_tokens INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_token_usage_chat ON token_usage(chat_id, created_at);

		CREATE TABLE IF NOT EXISTS entitlements (
			subject TEXT PRIMARY KEY,
			email TEXT,
			active INTEGER NOT NULL DEFAULT 0,
			registered_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS audit_log (
			audit_id TEXT PRIMARY KEY,
			actor TEXT NOT NULL,
			action TEXT NOT NULL,
			subject TEXT NOT NULL,
			ts TEXT NOT NULL,
			detail_json TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_audit_log_ts ON audit_log(ts DESC);
		CREATE INDEX IF NOT EXISTS idx_audit_log_subject ON audit_log(subject, ts DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "chat_messages",
			column: "annotations_json",
			apply:  `ALTER TABLE chat_messages ADD COLUMN annotations_json TEXT`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// Persist implements Store.
func (s *SQLiteStore) Persist(ctx context.Context, chatID string, messages []chat.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := formatTime(time.Now())
	_, err = tx.ExecContext(ctx, `
		INSERT INTO chats (id, description, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET description = excluded.description, updated_at = excluded.updated_at
	`, chatID, Describe(messages), now, now)
	if err != nil {
		return fmt.Errorf("upserting chat: %w", err)
	}

	if err := insertMessages(ctx, tx, chatID, messages); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing chat: %w", err)
	}

	s.logger.Debug("persisted chat", "chat_id", chatID, "messages", len(messages))
	return nil
}

func insertMessages(ctx context.Context, tx *sql.Tx, chatID string, messages []chat.Message) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM chat_messages WHERE chat_id = ?`, chatID); err != nil {
		return fmt.Errorf("clearing messages: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chat_messages (chat_id, seq, id, role, parts_json, annotations_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	for i, m := range messages {
		parts, err := json.Marshal(m.Parts)
		if err != nil {
			return fmt.Errorf("encoding parts of message %s: %w", m.ID, err)
		}
		var annotations sql.NullString
		if len(m.Annotations) > 0 {
			b, err := json.Marshal(m.Annotations)
			if err != nil {
				return fmt.Errorf("encoding annotations of message %s: %w", m.ID, err)
			}
			annotations = sql.NullString{String: string(b), Valid: true}
		}
		created := m.CreatedAt
		if created.IsZero() {
			created = time.Now()
		}
		if _, err := stmt.ExecContext(ctx, chatID, i, m.ID, string(m.Role), string(parts), annotations, formatTime(created)); err != nil {
			return fmt.Errorf("inserting message %s: %w", m.ID, err)
		}
	}
	return nil
}

// LoadChat implements Store.
// Returns ErrNotFound if the chat doesn't exist.
func (s *SQLiteStore) LoadChat(ctx context.Context, chatID string) (*Chat, error) {
	var c Chat
	var createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, description, created_at, updated_at FROM chats WHERE id = ?`, chatID,
	).Scan(&c.ID, &c.Description, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying chat: %w", err)
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, parts_json, annotations_json, created_at
		FROM chat_messages
		WHERE chat_id = ?
		ORDER BY seq ASC
	`, chatID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	c.Messages = []chat.Message{}
	for rows.Next() {
		var m chat.Message
		var role, parts, created string
		var annotations sql.NullString
		if err := rows.Scan(&m.ID, &role, &parts, &annotations, &created); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		m.Role = chat.Role(role)
		if err := json.Unmarshal([]byte(parts), &m.Parts); err != nil {
			return nil, fmt.Errorf("decoding parts of message %s: %w", m.ID, err)
		}
		if annotations.Valid {
			if err := json.Unmarshal([]byte(annotations.String), &m.Annotations); err != nil {
				return nil, fmt.Errorf("decoding annotations of message %s: %w", m.ID, err)
			}
		}
		if m.CreatedAt, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("parsing message created_at: %w", err)
		}
		c.Messages = append(c.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}

	return &c, nil
}

// ListChats implements Store. Most recently updated first.
func (s *SQLiteStore) ListChats(ctx context.Context) ([]ChatSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.description, c.updated_at,
		       (SELECT COUNT(*) FROM chat_messages m WHERE m.chat_id = c.id)
		FROM chats c
		ORDER BY c.updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("querying chats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ChatSummary
	for rows.Next() {
		var cs ChatSummary
		var updated string
		if err := rows.Scan(&cs.ID, &cs.Description, &updated, &cs.MessageCount); err != nil {
			return nil, fmt.Errorf("scanning chat row: %w", err)
		}
		if cs.UpdatedAt, err = parseTime(updated); err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
		out = append(out, cs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating chat rows: %w", err)
	}
	return out, nil
}

// DeleteChat implements Store.
// Returns ErrNotFound if the chat doesn't exist.
func (s *SQLiteStore) DeleteChat(ctx context.Context, chatID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM chats WHERE id = ?`, chatID)
	if err != nil {
		return fmt.Errorf("deleting chat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	s.logger.Info("deleted chat", "chat_id", chatID)
	return nil
}

// ExportChat implements Store.
func (s *SQLiteStore) ExportChat(ctx context.Context, chatID string) (*ChatExport, error) {
	c, err := s.LoadChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	return &ChatExport{Description: c.Description, Messages: c.Messages, ExportDate: time.Now().UTC()}, nil
}

// ImportChat implements Store.
func (s *SQLiteStore) ImportChat(ctx context.Context, export *ChatExport) (string, error) {
	if export == nil || len(export.Messages) == 0 {
		return "", ErrInvalidExport
	}

	id := uuid.New().String()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	desc := export.Description
	if desc == "" {
		desc = Describe(export.Messages)
	}
	now := formatTime(time.Now())
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO chats (id, description, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		id, desc, now, now,
	); err != nil {
		return "", fmt.Errorf("inserting chat: %w", err)
	}
	if err := insertMessages(ctx, tx, id, export.Messages); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("committing import: %w", err)
	}

	s.logger.Info("imported chat", "chat_id", id, "messages", len(export.Messages))
	return id, nil
}

// GetPreference implements PreferenceStore.
// Returns ErrNotFound if the key is unset.
func (s *SQLiteStore) GetPreference(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM preferences WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying preference: %w", err)
	}
	return value, nil
}

// SetPreference implements PreferenceStore.
func (s *SQLiteStore) SetPreference(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO preferences (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("saving preference %s: %w", key, err)
	}
	return nil
}

// DeletePreference implements PreferenceStore. Deleting a missing key is not an error.
func (s *SQLiteStore) DeletePreference(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM preferences WHERE key = ?`, key); err != nil {
		return fmt.Errorf("deleting preference %s: %w", key, err)
	}
	return nil
}

// Ensure SQLiteStore implements the store interfaces.
var (
	_ Store           = (*SQLiteStore)(nil)
	_ PreferenceStore = (*SQLiteStore)(nil)
)

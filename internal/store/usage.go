// ABOUTME: SQLite implementation for token usage tracking
// ABOUTME: Stores and aggregates per-stream token consumption reported by the inference backend

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SaveUsage stores a token usage record.
func (s *SQLiteStore) SaveUsage(ctx context.Context, usage *TokenUsage) error {
	if usage.ID == "" {
		usage.ID = uuid.New().String()
	}
	if usage.CreatedAt.IsZero() {
		usage.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO token_usage (
			id, chat_id, message_id, model, provider,
			prompt_tokens, completion_tokens, total_tokens, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		usage.ID,
		usage.ChatID,
		nullString(usage.MessageID),
		usage.Model,
		usage.Provider,
		usage.PromptTokens,
		usage.CompletionTokens,
		usage.TotalTokens,
		formatTime(usage.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting usage: %w", err)
	}

	s.logger.Debug("saved token usage",
		"id", usage.ID,
		"chat_id", usage.ChatID,
		"model", usage.Model,
		"total_tokens", usage.TotalTokens,
	)
	return nil
}

// GetChatUsage retrieves all usage records for a chat, oldest first.
func (s *SQLiteStore) GetChatUsage(ctx context.Context, chatID string) ([]*TokenUsage, error) {
	query := `
		SELECT id, chat_id, message_id, model, provider,
		       prompt_tokens, completion_tokens, total_tokens, created_at
		FROM token_usage
		WHERE chat_id = ?
		ORDER BY created_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, chatID)
	if err != nil {
		return nil, fmt.Errorf("querying chat usage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var usages []*TokenUsage
	for rows.Next() {
		usage, err := scanUsage(rows)
		if err != nil {
			return nil, err
		}
		usages = append(usages, usage)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating usage rows: %w", err)
	}

	return usages, nil
}

// GetUsageStats returns aggregated usage statistics with optional filters.
func (s *SQLiteStore) GetUsageStats(ctx context.Context, filter UsageFilter) (*UsageStats, error) {
	query := `
		SELECT
			COALESCE(SUM(prompt_tokens), 0),
			COALESCE(SUM(completion_tokens), 0),
			COALESCE(SUM(total_tokens), 0),
			COUNT(*)
		FROM token_usage
		WHERE 1=1
	`
	args := []any{}

	if filter.ChatID != nil {
		query += " AND chat_id = ?"
		args = append(args, *filter.ChatID)
	}
	if filter.Since != nil {
		query += " AND created_at >= ?"
		args = append(args, formatTime(*filter.Since))
	}
	if filter.Until != nil {
		query += " AND created_at < ?"
		args = append(args, formatTime(*filter.Until))
	}

	var stats UsageStats
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.PromptTokens,
		&stats.CompletionTokens,
		&stats.TotalTokens,
		&stats.RequestCount,
	)
	if err != nil {
		return nil, fmt.Errorf("querying usage stats: %w", err)
	}

	return &stats, nil
}

// scanUsage scans a single usage row into a TokenUsage struct.
func scanUsage(rows *sql.Rows) (*TokenUsage, error) {
	var usage TokenUsage
	var messageID sql.NullString
	var createdAtStr string

	err := rows.Scan(
		&usage.ID,
		&usage.ChatID,
		&messageID,
		&usage.Model,
		&usage.Provider,
		&usage.PromptTokens,
		&usage.CompletionTokens,
		&usage.TotalTokens,
		&createdAtStr,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning usage row: %w", err)
	}

	if messageID.Valid {
		usage.MessageID = messageID.String
	}

	usage.CreatedAt, err = parseTime(createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	return &usage, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Ensure SQLiteStore implements UsageStore interface.
var _ UsageStore = (*SQLiteStore)(nil)

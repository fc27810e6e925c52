// ABOUTME: Entitlement registry persistence used by the reference backend
// ABOUTME: Subjects register once; an admin grant or subscription event flips them active

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// EntitlementRecord is the backend's view of one subject.
type EntitlementRecord struct {
	Subject      string
	Email        string
	Active       bool
	RegisteredAt time.Time
	UpdatedAt    time.Time
}

// EntitlementStore holds the subscription registry.
type EntitlementStore interface {
	// RegisterSubject records subject if unknown. An existing record keeps its
	// status; a non-empty email replaces the stored one.
	RegisterSubject(ctx context.Context, subject, email string) error
	// SetEntitlement sets the active flag, creating the record if needed.
	SetEntitlement(ctx context.Context, subject string, active bool) error
	// GetEntitlement returns ErrNotFound for unknown subjects.
	GetEntitlement(ctx context.Context, subject string) (*EntitlementRecord, error)
	ListEntitlements(ctx context.Context) ([]*EntitlementRecord, error)
}

// RegisterSubject implements EntitlementStore.
func (s *SQLiteStore) RegisterSubject(ctx context.Context, subject, email string) error {
	now := formatTime(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entitlements (subject, email, active, registered_at, updated_at)
		VALUES (?, ?, 0, ?, ?)
		ON CONFLICT(subject) DO UPDATE SET
			email = CASE WHEN excluded.email IS NOT NULL THEN excluded.email ELSE entitlements.email END,
			updated_at = excluded.updated_at
	`, subject, nullString(email), now, now)
	if err != nil {
		return fmt.Errorf("registering subject: %w", err)
	}
	return nil
}

// SetEntitlement implements EntitlementStore.
func (s *SQLiteStore) SetEntitlement(ctx context.Context, subject string, active bool) error {
	now := formatTime(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entitlements (subject, active, registered_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(subject) DO UPDATE SET
			active = excluded.active,
			updated_at = excluded.updated_at
	`, subject, active, now, now)
	if err != nil {
		return fmt.Errorf("setting entitlement: %w", err)
	}
	return nil
}

// GetEntitlement implements EntitlementStore.
func (s *SQLiteStore) GetEntitlement(ctx context.Context, subject string) (*EntitlementRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT subject, email, active, registered_at, updated_at
		FROM entitlements WHERE subject = ?
	`, subject)

	rec, err := scanEntitlement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying entitlement: %w", err)
	}
	return rec, nil
}

// ListEntitlements implements EntitlementStore.
func (s *SQLiteStore) ListEntitlements(ctx context.Context) ([]*EntitlementRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT subject, email, active, registered_at, updated_at
		FROM entitlements ORDER BY registered_at
	`)
	if err != nil {
		return nil, fmt.Errorf("querying entitlements: %w", err)
	}
	defer rows.Close()

	var out []*EntitlementRecord
	for rows.Next() {
		rec, err := scanEntitlement(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning entitlement: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntitlement(row rowScanner) (*EntitlementRecord, error) {
	var (
		rec                   EntitlementRecord
		email                 sql.NullString
		registered, updatedAt string
	)
	if err := row.Scan(&rec.Subject, &email, &rec.Active, &registered, &updatedAt); err != nil {
		return nil, err
	}
	rec.Email = email.String

	var err error
	if rec.RegisteredAt, err = parseTime(registered); err != nil {
		return nil, fmt.Errorf("parsing registered_at: %w", err)
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &rec, nil
}

var _ EntitlementStore = (*SQLiteStore)(nil)

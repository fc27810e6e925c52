// ABOUTME: Audit trail for entitlement changes made through the backend
// ABOUTME: Records who registered, granted, revoked or synced which subject

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// AuditAction represents an auditable action.
type AuditAction string

const (
	AuditRegister          AuditAction = "register"
	AuditGrant             AuditAction = "grant"
	AuditRevoke            AuditAction = "revoke"
	AuditSubscriptionEvent AuditAction = "subscription_event"
)

// AuditEntry represents a single audit log entry.
type AuditEntry struct {
	ID        string         // UUID v4
	Actor     string         // subject of the caller, "webhook" for billing events
	Action    AuditAction    // what was done
	Subject   string         // whose entitlement was affected
	Timestamp time.Time      // when it happened
	Detail    map[string]any // additional context
}

// AuditFilter specifies filtering options for listing audit entries.
type AuditFilter struct {
	Since   *time.Time
	Until   *time.Time
	Actor   *string
	Action  *AuditAction
	Subject *string
	Limit   int // default 100, max 1000
}

// AuditStore appends to and reads the audit trail.
type AuditStore interface {
	AppendAuditLog(ctx context.Context, e *AuditEntry) error
	ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error)
}

// auditTimeFormat is fixed width so timestamps compare correctly as text.
const auditTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func formatAuditTime(t time.Time) string {
	return t.UTC().Format(auditTimeFormat)
}

// prepareAuditEntry fills in the ID and timestamp when unset.
func prepareAuditEntry(e *AuditEntry) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
}

// normalizeAuditLimit applies default (100) and cap (1000) to audit limit.
func normalizeAuditLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

// AppendAuditLog appends a new entry to the audit log.
// Generates ID and Timestamp if not set.
func (s *SQLiteStore) AppendAuditLog(ctx context.Context, e *AuditEntry) error {
	prepareAuditEntry(e)

	var detailJSON *string
	if e.Detail != nil {
		data, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("marshaling audit detail: %w", err)
		}
		str := string(data)
		detailJSON = &str
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (audit_id, actor, action, subject, ts, detail_json)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.ID, e.Actor, e.Action, e.Subject, formatAuditTime(e.Timestamp), detailJSON)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}

	s.logger.Debug("appended audit log",
		"id", e.ID,
		"actor", e.Actor,
		"action", e.Action,
		"subject", e.Subject,
	)
	return nil
}

const auditLogQuery = `
	SELECT audit_id, actor, action, subject, ts, detail_json
	FROM audit_log
	WHERE (? IS NULL OR ts >= ?)
	  AND (? IS NULL OR ts <= ?)
	  AND (? IS NULL OR actor = ?)
	  AND (? IS NULL OR action = ?)
	  AND (? IS NULL OR subject = ?)
	ORDER BY ts DESC
	LIMIT ?
`

// ListAuditLog returns audit entries matching the filter, newest first.
func (s *SQLiteStore) ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	var since, until, action *string
	if f.Since != nil {
		v := formatAuditTime(*f.Since)
		since = &v
	}
	if f.Until != nil {
		v := formatAuditTime(*f.Until)
		until = &v
	}
	if f.Action != nil {
		v := string(*f.Action)
		action = &v
	}

	rows, err := s.db.QueryContext(ctx, auditLogQuery,
		since, since,
		until, until,
		f.Actor, f.Actor,
		action, action,
		f.Subject, f.Subject,
		normalizeAuditLimit(f.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := []AuditEntry{}
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit entries: %w", err)
	}
	return entries, nil
}

func scanAuditEntry(scanner rowScanner) (AuditEntry, error) {
	var e AuditEntry
	var action, ts string
	var detailJSON *string

	if err := scanner.Scan(&e.ID, &e.Actor, &action, &e.Subject, &ts, &detailJSON); err != nil {
		return e, fmt.Errorf("scanning audit entry: %w", err)
	}
	e.Action = AuditAction(action)

	var err error
	if e.Timestamp, err = parseTime(ts); err != nil {
		return e, fmt.Errorf("parsing timestamp: %w", err)
	}
	if detailJSON != nil {
		if err := json.Unmarshal([]byte(*detailJSON), &e.Detail); err != nil {
			return e, fmt.Errorf("unmarshaling detail: %w", err)
		}
	}
	return e, nil
}

// AppendAuditLog implements AuditStore.
func (m *MockStore) AppendAuditLog(ctx context.Context, e *AuditEntry) error {
	prepareAuditEntry(e)
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.audit = append(m.audit, cp)
	return nil
}

// ListAuditLog implements AuditStore.
func (m *MockStore) ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []AuditEntry{}
	for _, e := range m.audit {
		switch {
		case f.Since != nil && e.Timestamp.Before(*f.Since),
			f.Until != nil && e.Timestamp.After(*f.Until),
			f.Actor != nil && e.Actor != *f.Actor,
			f.Action != nil && e.Action != *f.Action,
			f.Subject != nil && e.Subject != *f.Subject:
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit := normalizeAuditLimit(f.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var (
	_ AuditStore = (*SQLiteStore)(nil)
	_ AuditStore = (*MockStore)(nil)
)

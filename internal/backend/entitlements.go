// ABOUTME: Entitlement registry endpoints: status lookup, registration, admin grants
// ABOUTME: Also handles HMAC-signed subscription webhooks and the audit trail of changes

package backend

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/2389/chatgate/internal/auth"
	"github.com/2389/chatgate/internal/store"
)

const maxBodySize = 1 << 20

// webhookActor is the audit actor of billing events.
const webhookActor = "webhook"

// SignatureHeader carries the webhook HMAC as "sha256=<hex>".
const SignatureHeader = "X-Signature"

type entitlementResponse struct {
	Active bool   `json:"active"`
	Error  string `json:"error,omitempty"`
}

type registerRequest struct {
	Subject string `json:"subject"`
	Email   string `json:"email,omitempty"`
}

type grantRequest struct {
	Subject string `json:"subject"`
	Active  bool   `json:"active"`
}

type entitlementJSON struct {
	Subject      string    `json:"subject"`
	Email        string    `json:"email,omitempty"`
	Active       bool      `json:"active"`
	RegisteredAt time.Time `json:"registeredAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// subscriptionEvent is the subset of a billing webhook payload we act on.
type subscriptionEvent struct {
	EventType string `json:"event_type"`
	Data      struct {
		Status     string `json:"status"`
		CustomerID string `json:"customer_id"`
		CustomData struct {
			Subject string `json:"subject"`
		} `json:"custom_data"`
	} `json:"data"`
}

// subjectAllowed reports whether the caller may act on subject. Admins may act
// on anyone; everyone else only on themselves.
func subjectAllowed(claims *auth.Claims, subject string) bool {
	return claims.IsAdmin() || (claims != nil && claims.Subject == subject)
}

// handleEntitlement answers GET /entitlement?subject=. Unknown subjects are
// reported inactive rather than as errors.
func (s *Server) handleEntitlement(w http.ResponseWriter, r *http.Request) {
	claims := auth.FromContext(r.Context())
	subject := r.URL.Query().Get("subject")
	if subject == "" && claims != nil {
		subject = claims.Subject
	}
	if subject == "" {
		s.sendJSONError(w, http.StatusBadRequest, "subject is required")
		return
	}
	if !subjectAllowed(claims, subject) {
		s.sendJSONError(w, http.StatusForbidden, "forbidden")
		return
	}

	rec, err := s.store.GetEntitlement(r.Context(), subject)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeJSON(w, http.StatusOK, entitlementResponse{Active: false})
	case err != nil:
		s.logger.Error("entitlement lookup failed", "subject", subject, "error", err)
		s.writeJSON(w, http.StatusInternalServerError, entitlementResponse{Error: "lookup failed"})
	default:
		s.writeJSON(w, http.StatusOK, entitlementResponse{Active: rec.Active})
	}
}

// handleRegister answers POST /register. Registering twice is harmless.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	claims := auth.FromContext(r.Context())
	if req.Subject == "" && claims != nil {
		req.Subject = claims.Subject
	}
	if req.Subject == "" {
		s.sendJSONError(w, http.StatusBadRequest, "subject is required")
		return
	}
	if !subjectAllowed(claims, req.Subject) {
		s.sendJSONError(w, http.StatusForbidden, "forbidden")
		return
	}

	if err := s.store.RegisterSubject(r.Context(), req.Subject, req.Email); err != nil {
		s.logger.Error("register failed", "subject", req.Subject, "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "registration failed")
		return
	}
	s.logger.Info("subject registered", "subject", req.Subject)
	s.audit(r.Context(), &store.AuditEntry{
		Actor:   claims.Subject,
		Action:  store.AuditRegister,
		Subject: req.Subject,
	})
	w.WriteHeader(http.StatusNoContent)
}

// handleListEntitlements answers GET /admin/entitlements.
func (s *Server) handleListEntitlements(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.ListEntitlements(r.Context())
	if err != nil {
		s.logger.Error("listing entitlements failed", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "listing failed")
		return
	}
	out := make([]entitlementJSON, 0, len(recs))
	for _, rec := range recs {
		out = append(out, entitlementJSON{
			Subject:      rec.Subject,
			Email:        rec.Email,
			Active:       rec.Active,
			RegisteredAt: rec.RegisteredAt,
			UpdatedAt:    rec.UpdatedAt,
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

// handleGrant answers POST /admin/entitlements.
func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Subject == "" {
		s.sendJSONError(w, http.StatusBadRequest, "subject is required")
		return
	}
	if err := s.store.SetEntitlement(r.Context(), req.Subject, req.Active); err != nil {
		s.logger.Error("grant failed", "subject", req.Subject, "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "update failed")
		return
	}
	actor := auth.FromContext(r.Context()).Subject
	s.logger.Info("entitlement updated",
		"subject", req.Subject,
		"active", req.Active,
		"by", actor,
	)
	action := store.AuditGrant
	if !req.Active {
		action = store.AuditRevoke
	}
	s.audit(r.Context(), &store.AuditEntry{Actor: actor, Action: action, Subject: req.Subject})
	w.WriteHeader(http.StatusNoContent)
}

// handleSubscriptionWebhook answers POST /webhooks/subscription.
func (s *Server) handleSubscriptionWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "reading body failed")
		return
	}
	if !VerifySignature(s.webhookSecret, body, r.Header.Get(SignatureHeader)) {
		s.logger.Warn("webhook signature rejected", "remote", r.RemoteAddr)
		s.sendJSONError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	var ev subscriptionEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	subject := ev.Data.CustomData.Subject
	if subject == "" {
		subject = ev.Data.CustomerID
	}
	if subject == "" {
		s.sendJSONError(w, http.StatusBadRequest, "event carries no subject")
		return
	}

	active, ok := subscriptionActive(ev)
	if !ok {
		s.logger.Debug("ignoring webhook event", "event_type", ev.EventType)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := s.store.SetEntitlement(r.Context(), subject, active); err != nil {
		s.logger.Error("webhook update failed", "subject", subject, "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "update failed")
		return
	}
	s.logger.Info("subscription event applied",
		"event_type", ev.EventType,
		"subject", subject,
		"active", active,
	)
	s.audit(r.Context(), &store.AuditEntry{
		Actor:   webhookActor,
		Action:  store.AuditSubscriptionEvent,
		Subject: subject,
		Detail: map[string]any{
			"event_type": ev.EventType,
			"status":     ev.Data.Status,
			"active":     active,
		},
	})
	w.WriteHeader(http.StatusNoContent)
}

type auditJSON struct {
	ID        string         `json:"id"`
	Actor     string         `json:"actor"`
	Action    string         `json:"action"`
	Subject   string         `json:"subject"`
	Timestamp time.Time      `json:"timestamp"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// handleAudit answers GET /admin/audit?subject=&limit=.
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	var f store.AuditFilter
	q := r.URL.Query()
	if v := q.Get("subject"); v != "" {
		f.Subject = &v
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.sendJSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = n
	}

	entries, err := s.auditLog.ListAuditLog(r.Context(), f)
	if err != nil {
		s.logger.Error("listing audit log failed", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "listing failed")
		return
	}
	out := make([]auditJSON, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditJSON{
			ID:        e.ID,
			Actor:     e.Actor,
			Action:    string(e.Action),
			Subject:   e.Subject,
			Timestamp: e.Timestamp,
			Detail:    e.Detail,
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

// audit appends e to the audit trail when one is configured. Failures are
// logged and never fail the request.
func (s *Server) audit(ctx context.Context, e *store.AuditEntry) {
	if s.auditLog == nil {
		return
	}
	if err := s.auditLog.AppendAuditLog(ctx, e); err != nil {
		s.logger.Warn("audit append failed", "action", e.Action, "subject", e.Subject, "error", err)
	}
}

// subscriptionActive maps an event to the resulting entitlement. ok is false
// for events that do not change it.
func subscriptionActive(ev subscriptionEvent) (active, ok bool) {
	switch ev.EventType {
	case "subscription.canceled":
		return false, true
	case "subscription.created", "subscription.activated", "subscription.renewed", "subscription.updated":
		status := strings.ToLower(ev.Data.Status)
		return status == "active" || status == "trialing", true
	default:
		return false, false
	}
}

// Sign returns the signature header value for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks header against the HMAC-SHA256 of body.
func VerifySignature(secret, body []byte, header string) bool {
	if len(secret) == 0 {
		return false
	}
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// ABOUTME: Reference HTTP backend serving entitlement, template and streaming endpoints
// ABOUTME: Owns the HTTP server lifecycle, routing, auth middleware and request metrics

package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/chatgate/internal/auth"
	"github.com/2389/chatgate/internal/inference"
	"github.com/2389/chatgate/internal/metrics"
	"github.com/2389/chatgate/internal/store"
)

// Options configures a Server. Store and Verifier are required.
type Options struct {
	Addr     string
	Store    store.EntitlementStore
	Verifier auth.TokenVerifier
	// Audit records entitlement changes. Optional.
	Audit store.AuditStore
	// Inference answers /send. Nil uses a ScriptedClient.
	Inference inference.Client
	// Catalog holds the starter templates. Nil uses DefaultCatalog.
	Catalog *Catalog

	RateLimit     float64 // template requests per second per subject, <= 0 unlimited
	RateBurst     int
	WebhookSecret string

	Metrics     *metrics.Metrics
	MetricsPath string // served when Metrics is set
	Logger      *slog.Logger
}

// Server is the reference backend.
type Server struct {
	store         store.EntitlementStore
	auditLog      store.AuditStore
	verifier      auth.TokenVerifier
	client        inference.Client
	catalog       *Catalog
	limiters      *limiters
	webhookSecret []byte
	metrics       *metrics.Metrics
	logger        *slog.Logger

	handler    http.Handler
	httpServer *http.Server
}

// New creates a backend server.
func New(opts Options) (*Server, error) {
	if opts.Store == nil {
		return nil, errors.New("backend: store is required")
	}
	if opts.Verifier == nil {
		return nil, errors.New("backend: token verifier is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "backend")

	s := &Server{
		store:         opts.Store,
		auditLog:      opts.Audit,
		verifier:      opts.Verifier,
		client:        opts.Inference,
		catalog:       opts.Catalog,
		limiters:      newLimiters(opts.RateLimit, opts.RateBurst),
		webhookSecret: []byte(opts.WebhookSecret),
		metrics:       opts.Metrics,
		logger:        logger,
	}
	if s.client == nil {
		s.client = NewScriptedClient(0)
	}
	if s.catalog == nil {
		s.catalog = DefaultCatalog()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)

	authed := auth.HTTPAuthMiddleware(s.verifier, logger)
	admin := func(h http.HandlerFunc) http.Handler {
		return authed(auth.RequireAdminHTTP()(h))
	}

	mux.Handle("GET /entitlement", authed(http.HandlerFunc(s.handleEntitlement)))
	mux.Handle("POST /register", authed(http.HandlerFunc(s.handleRegister)))
	mux.Handle("POST /send", authed(http.HandlerFunc(s.handleSend)))
	mux.Handle("GET /templates/classify", authed(http.HandlerFunc(s.handleClassify)))
	mux.Handle("GET /templates/expand", authed(http.HandlerFunc(s.handleExpand)))
	mux.Handle("GET /admin/entitlements", admin(s.handleListEntitlements))
	mux.Handle("POST /admin/entitlements", admin(s.handleGrant))
	if s.auditLog != nil {
		mux.Handle("GET /admin/audit", admin(s.handleAudit))
	}

	if len(s.webhookSecret) > 0 {
		mux.HandleFunc("POST /webhooks/subscription", s.handleSubscriptionWebhook)
	}

	if s.metrics != nil {
		path := opts.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, s.metrics.Handler())
	}

	s.handler = s.instrument(mux)
	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler returns the routed and instrumented handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run listens on the configured address and serves until ctx is cancelled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		s.logger.Error("server error", "error", serverErr)
	}

	// the parent context is already done, shut down on a fresh one
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdownErr := s.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down backend")
	defer s.limiters.close()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP shutdown: %w", err)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// writeJSON writes v as a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (s *Server) sendJSONError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// statusRecorder captures the response status for metrics. It forwards
// Flush so SSE responses keep streaming.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// instrument records one request metric per call, labelled by route pattern.
func (s *Server) instrument(next http.Handler) http.Handler {
	if s.metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.HTTPRequest(route, strconv.Itoa(status))
	})
}

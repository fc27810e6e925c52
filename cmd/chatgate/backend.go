// ABOUTME: backend command: runs the reference HTTP backend until interrupted
// ABOUTME: Opens the SQLite registry, loads the template catalog and serves metrics when enabled

package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/2389/chatgate/internal/auth"
	"github.com/2389/chatgate/internal/backend"
	"github.com/2389/chatgate/internal/metrics"
	"github.com/2389/chatgate/internal/store"
)

func newBackendCmd(flags *globalFlags) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "backend",
		Short: "Run the reference backend (entitlements, templates, streaming)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return runBackend(ctx, flags, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides backend.addr)")
	return cmd
}

func runBackend(ctx context.Context, flags *globalFlags, addr string) error {
	cfg, path, err := loadConfig(flags)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Backend.Addr = addr
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required to run the backend")
	}

	logger := setupLogger(cfg.Logging)

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating token verifier: %w", err)
	}

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	catalog := backend.DefaultCatalog()
	if cfg.Backend.TemplatesFile != "" {
		if catalog, err = backend.LoadCatalog(cfg.Backend.TemplatesFile); err != nil {
			return err
		}
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	srv, err := backend.New(backend.Options{
		Addr:          cfg.Backend.Addr,
		Store:         st,
		Audit:         st,
		Verifier:      verifier,
		Catalog:       catalog,
		RateLimit:     cfg.Backend.RateLimit,
		RateBurst:     cfg.Backend.RateBurst,
		WebhookSecret: cfg.Backend.WebhookSecret,
		Metrics:       m,
		MetricsPath:   cfg.Metrics.Path,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	if path == "" {
		path = "(defaults)"
	}
	metricsLine := "disabled"
	if m != nil {
		metricsLine = "http://" + cfg.Backend.Addr + cfg.Metrics.Path
	}
	printBanner(
		[2]string{"Config", path},
		[2]string{"HTTP", cfg.Backend.Addr},
		[2]string{"Database", cfg.Database.Path},
		[2]string{"Templates", fmt.Sprintf("%d", len(catalog.Templates))},
		[2]string{"Metrics", metricsLine},
	)

	return srv.Run(ctx)
}

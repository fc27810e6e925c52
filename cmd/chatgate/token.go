// ABOUTME: token command: mints a signed bearer token for the chat client or admin calls
// ABOUTME: Uses auth.jwt_secret from the config

package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/2389/chatgate/internal/auth"
)

type tokenOptions struct {
	subject string
	email   string
	ttl     time.Duration
	admin   bool
}

func newTokenCmd(flags *globalFlags) *cobra.Command {
	opts := &tokenOptions{}

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(flags)
			if err != nil {
				return err
			}
			tok, err := mintToken([]byte(cfg.Auth.JWTSecret), *opts)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.subject, "subject", "", "subject id (required)")
	cmd.Flags().StringVar(&opts.email, "email", "", "email claim")
	cmd.Flags().DurationVar(&opts.ttl, "ttl", 24*time.Hour, "token lifetime")
	cmd.Flags().BoolVar(&opts.admin, "admin", false, "grant the admin role")
	return cmd
}

func mintToken(secret []byte, opts tokenOptions) (string, error) {
	if opts.subject == "" {
		return "", errors.New("--subject is required")
	}
	if opts.ttl <= 0 {
		return "", errors.New("--ttl must be positive")
	}
	v, err := auth.NewJWTVerifier(secret)
	if err != nil {
		return "", fmt.Errorf("auth.jwt_secret: %w", err)
	}
	claims := auth.Claims{Subject: opts.subject, Email: opts.email}
	if opts.admin {
		claims.Roles = []string{auth.RoleAdmin}
	}
	return v.Generate(claims, opts.ttl)
}

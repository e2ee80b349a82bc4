package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/hawkins-trichology/concierge/internal/health"
	"github.com/hawkins-trichology/concierge/internal/middleware"
	"github.com/hawkins-trichology/concierge/internal/store"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			repo, err := store.Open(cmd.Context(), cfg.DB.Driver, cfg.DB.Path, cfg.DB.DatabaseURL)
			if err != nil {
				return fmt.Errorf("migrate %s: %w", cfg.DB.Driver, err)
			}
			defer func() { _ = repo.Close() }()
			slog.Info("Schema up to date", "driver", cfg.DB.Driver)
			return nil
		},
	}
}

func tokenCmd() *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the admin API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.AdminEnabled() {
				return errors.New("ADMIN_JWT_SECRET is not set")
			}
			if ttl <= 0 {
				ttl = cfg.Admin.TokenTTL
			}
			token, err := middleware.IssueAdminToken(cfg.Admin.JWTSecret, subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "staff", "Who the token is issued to")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (defaults to ADMIN_TOKEN_TTL)")
	return cmd
}

func healthcheckCmd() *cobra.Command {
	var (
		addr    string
		service string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Probe a running server over gRPC health",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			status, err := health.Probe(ctx, addr, service)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), status.String())
			if status != healthpb.HealthCheckResponse_SERVING {
				return fmt.Errorf("service %q is %s", service, status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "localhost:9090", "gRPC health address")
	cmd.Flags().StringVar(&service, "service", health.ChatService, "Service name to check")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Probe timeout")
	return cmd
}

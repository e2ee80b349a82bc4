package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/spf13/cobra"

	"github.com/hawkins-trichology/concierge/internal/actions"
	"github.com/hawkins-trichology/concierge/internal/api"
	"github.com/hawkins-trichology/concierge/internal/catalog"
	"github.com/hawkins-trichology/concierge/internal/chat"
	"github.com/hawkins-trichology/concierge/internal/config"
	"github.com/hawkins-trichology/concierge/internal/health"
	"github.com/hawkins-trichology/concierge/internal/identity"
	"github.com/hawkins-trichology/concierge/internal/jobs"
	"github.com/hawkins-trichology/concierge/internal/llm"
	"github.com/hawkins-trichology/concierge/internal/metrics"
	"github.com/hawkins-trichology/concierge/internal/middleware"
	"github.com/hawkins-trichology/concierge/internal/ratelimit"
	"github.com/hawkins-trichology/concierge/internal/store"
)

const (
	memoryQueueSize   = 256
	rateLimitBucket   = "concierge_ratelimit"
	shutdownTimeout   = 10 * time.Second
	natsConnectionTag = "concierge"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the chat server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, slog.Default())
		},
	}
}

func serve(ctx context.Context, logger *slog.Logger) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.OpenAI.APIKey == "" {
		return errors.New("OPENAI_API_KEY is required to serve chat")
	}
	logger.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "db", cfg.DB.Driver)

	repo, err := store.Open(ctx, cfg.DB.Driver, cfg.DB.Path, cfg.DB.DatabaseURL)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			logger.Error("Failed to close repository", "error", closeErr)
		}
	}()
	if err := repo.Ping(ctx); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	logger.Info("Database connected")

	var js jetstream.JetStream
	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name(natsConnectionTag))
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		defer func() { _ = nc.Drain() }()
		if js, err = jetstream.New(nc); err != nil {
			return fmt.Errorf("create JetStream context: %w", err)
		}
		logger.Info("NATS connected", "url", nc.ConnectedUrlRedacted())
	}

	queue, err := newQueue(ctx, cfg, js, logger)
	if err != nil {
		return err
	}
	defer func() { _ = queue.Close() }()

	var notifier jobs.Notifier
	if cfg.StaffWebhookURL != "" {
		notifier = jobs.NewWebhookNotifier(cfg.StaffWebhookURL)
	}
	workers := jobs.NewWorkers(repo, notifier, logger)
	go func() {
		if err := queue.Run(ctx, workers.Mux()); err != nil && ctx.Err() == nil {
			logger.Error("Job queue stopped", "error", err)
		}
	}()

	limiter, err := newLimiter(ctx, cfg, js)
	if err != nil {
		return err
	}

	if cfg.Catalog.Path != "" {
		if err := catalog.Sync(ctx, repo, cfg.Catalog.Path, logger); err != nil {
			return fmt.Errorf("load catalog: %w", err)
		}
		if cfg.Catalog.Watch {
			watcher, err := catalog.NewWatcher(cfg.Catalog.Path, repo, logger)
			if err != nil {
				return fmt.Errorf("watch catalog: %w", err)
			}
			if err := watcher.Start(ctx); err != nil {
				return fmt.Errorf("watch catalog: %w", err)
			}
			defer func() { _ = watcher.Stop() }()
		}
	}

	jobs.StartArchiveSweeper(ctx, repo, cfg.Chat.ArchiveAfter, logger)

	provider := llm.NewOpenAIProvider(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.Model)
	executor := actions.NewExecutor(repo, queue, cfg.Persona.PractitionerName, logger)
	relay := chat.NewRelay(repo, provider, executor, queue, chat.RelayConfig{
		Model:        cfg.OpenAI.Model,
		Temperature:  cfg.Chat.Temperature,
		HistoryLimit: cfg.Chat.HistoryLimit,
		Persona: chat.Persona{
			PracticeName:     cfg.Persona.PracticeName,
			PractitionerName: cfg.Persona.PractitionerName,
		},
	}, logger)

	convLog, err := chat.NewConversationLogger(chat.ConversationLogConfig{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize conversation logger: %w", err)
	}

	allowedOrigins, wsOrigins := origins(cfg)
	chatHandler := chat.NewHandler(relay, repo, limiter, convLog, chat.HandlerConfig{
		MaxRequestBodySize: cfg.SSE.MaxRequestBodySize,
		KeepaliveInterval:  cfg.SSE.KeepaliveInterval,
		RetryDelay:         cfg.SSE.RetryDelay,
		OriginPatterns:     wsOrigins,
	}, logger)
	defer chatHandler.Close()

	if cfg.GRPCHealthAddr != "" {
		hs := health.NewServer(repo, logger)
		go func() {
			if err := hs.ListenAndServe(ctx, cfg.GRPCHealthAddr); err != nil {
				logger.Error("gRPC health server failed", "error", err)
			}
		}()
	}

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(allowedOrigins))
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	api.NewHealthHandler(repo, Version, logger).RegisterRoutes(r)
	r.Handle("/metrics", metrics.Handler())
	chatHandler.RegisterRoutes(r)
	if cfg.AdminEnabled() {
		api.NewAdminHandler(repo, executor, logger).RegisterRoutes(r, middleware.AdminAuth(cfg.Admin.JWTSecret))
		logger.Info("Admin API enabled")
	}

	// SSE responses stream for the whole turn, so there is no write timeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("Shutting down gracefully...")
	chatHandler.Close()
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("Server stopped successfully")
	return nil
}

func newQueue(ctx context.Context, cfg *config.Config, js jetstream.JetStream, logger *slog.Logger) (jobs.Queue, error) {
	if js == nil {
		return jobs.NewMemoryQueue(memoryQueueSize, logger), nil
	}
	q, err := jobs.NewJetStreamQueue(ctx, js, cfg.NATS.JobsStream, logger)
	if err != nil {
		return nil, fmt.Errorf("create job stream: %w", err)
	}
	return q, nil
}

func newLimiter(ctx context.Context, cfg *config.Config, js jetstream.JetStream) (ratelimit.Limiter, error) {
	if cfg.RateLimit.Backend == "nats" {
		if js == nil {
			return nil, errors.New("rate limit backend nats requires NATS_URL")
		}
		l, err := ratelimit.NewKVLimiter(ctx, js, rateLimitBucket, cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration)
		if err != nil {
			return nil, fmt.Errorf("create rate limit bucket: %w", err)
		}
		return l, nil
	}
	l := ratelimit.NewMemoryLimiter(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration)
	l.StartEviction(ctx)
	return l, nil
}

// origins returns the CORS origins and the WebSocket origin patterns.
func origins(cfg *config.Config) ([]string, []string) {
	if cfg.IsDevelopment() {
		return []string{"*"}, []string{"*"}
	}
	u, err := url.Parse(cfg.FrontendURL)
	if err != nil || u.Host == "" {
		return []string{cfg.FrontendURL}, nil
	}
	return []string{u.Scheme + "://" + u.Host}, []string{u.Host}
}

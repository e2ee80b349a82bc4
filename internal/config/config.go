// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port            string
	FrontendURL     string
	DB              DBConfig
	OpenAI          OpenAIConfig
	Chat            ChatConfig
	RateLimit       RateLimitConfig
	SSE             SSEConfig
	ConversationLog ConversationLogConfig
	NATS            NATSConfig
	Catalog         CatalogConfig
	Admin           AdminConfig
	GRPCHealthAddr  string
	StaffWebhookURL string
	Persona         PersonaConfig
}

// DBConfig selects and locates the datastore.
type DBConfig struct {
	Driver      string // "sqlite" or "postgres"
	Path        string
	DatabaseURL string
}

// OpenAIConfig configures the hosted completion provider.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// ChatConfig tunes the relay.
type ChatConfig struct {
	Temperature  float32
	HistoryLimit int
	// ArchiveAfter soft-archives conversations idle this long; 0 disables.
	ArchiveAfter time.Duration
}

// RateLimitConfig bounds chat sends per visitor.
type RateLimitConfig struct {
	Backend           string // "memory" or "nats"
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// SSEConfig controls the streaming transport.
type SSEConfig struct {
	MaxRequestBodySize int64
	KeepaliveInterval  time.Duration
	RetryDelay         time.Duration
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// NATSConfig enables the JetStream job queue and shared rate limit buckets.
type NATSConfig struct {
	URL        string
	JobsStream string
}

// CatalogConfig points at the YAML catalog seed.
type CatalogConfig struct {
	Path  string
	Watch bool
}

// AdminConfig guards the back-office API.
type AdminConfig struct {
	JWTSecret string
	TokenTTL  time.Duration
}

// PersonaConfig names the business the assistant speaks for.
type PersonaConfig struct {
	PracticeName     string
	PractitionerName string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DB: DBConfig{
			Driver:      strings.ToLower(getEnv("DB_DRIVER", "sqlite")),
			Path:        getEnv("DB_PATH", "./data/concierge.db"),
			DatabaseURL: getEnv("DATABASE_URL", ""),
		},
		OpenAI: OpenAIConfig{
			APIKey:  getEnv("OPENAI_API_KEY", ""),
			BaseURL: getEnv("OPENAI_BASE_URL", ""),
			Model:   getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		},
		Chat: ChatConfig{
			Temperature:  getEnvFloat32("CHAT_TEMPERATURE", 0.7),
			HistoryLimit: getEnvInt("CHAT_HISTORY_LIMIT", 50),
			ArchiveAfter: getEnvDuration("CONVERSATION_ARCHIVE_AFTER", 30*24*time.Hour),
		},
		RateLimit: RateLimitConfig{
			Backend:           strings.ToLower(getEnv("RATE_LIMIT_BACKEND", "memory")),
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 10),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		SSE: SSEConfig{
			MaxRequestBodySize: int64(getEnvInt("SSE_MAX_REQUEST_BODY", 1<<20)),
			KeepaliveInterval:  getEnvDuration("SSE_KEEPALIVE_INTERVAL", 10*time.Second),
			RetryDelay:         getEnvDuration("SSE_RETRY_DELAY", 3*time.Second),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
		},
		NATS: NATSConfig{
			URL:        getEnv("NATS_URL", ""),
			JobsStream: getEnv("NATS_JOBS_STREAM", "CONCIERGE_JOBS"),
		},
		Catalog: CatalogConfig{
			Path:  getEnv("CATALOG_PATH", ""),
			Watch: getEnvBool("CATALOG_WATCH", false),
		},
		Admin: AdminConfig{
			JWTSecret: getEnv("ADMIN_JWT_SECRET", ""),
			TokenTTL:  getEnvDuration("ADMIN_TOKEN_TTL", 12*time.Hour),
		},
		GRPCHealthAddr:  getEnv("GRPC_HEALTH_ADDR", ""),
		StaffWebhookURL: getEnv("STAFF_WEBHOOK_URL", ""),
		Persona: PersonaConfig{
			PracticeName:     getEnv("PRACTICE_NAME", "Hawkins Trichology"),
			PractitionerName: getEnv("PRACTITIONER_NAME", "Lorraine"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	switch c.DB.Driver {
	case "sqlite":
		if c.DB.Path == "" {
			return fmt.Errorf("DB_PATH cannot be empty")
		}
	case "postgres":
		if c.DB.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when DB_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("DB_DRIVER must be sqlite or postgres, got %q", c.DB.Driver)
	}
	if c.Chat.Temperature < 0 || c.Chat.Temperature > 2 {
		return fmt.Errorf("CHAT_TEMPERATURE must be within [0, 2]")
	}
	if c.Chat.HistoryLimit <= 0 {
		return fmt.Errorf("CHAT_HISTORY_LIMIT must be > 0")
	}
	switch c.RateLimit.Backend {
	case "memory":
	case "nats":
		if c.NATS.URL == "" {
			return fmt.Errorf("NATS_URL is required when RATE_LIMIT_BACKEND=nats")
		}
	default:
		return fmt.Errorf("RATE_LIMIT_BACKEND must be memory or nats, got %q", c.RateLimit.Backend)
	}
	if c.RateLimit.RequestsPerWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be > 0")
	}
	if c.RateLimit.WindowDuration <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be > 0")
	}
	if c.SSE.MaxRequestBodySize <= 0 {
		return fmt.Errorf("SSE_MAX_REQUEST_BODY must be > 0")
	}
	if c.SSE.KeepaliveInterval <= 0 {
		return fmt.Errorf("SSE_KEEPALIVE_INTERVAL must be > 0")
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AdminEnabled reports whether the back-office API is mounted.
func (c *Config) AdminEnabled() bool {
	return c.Admin.JWTSecret != ""
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat32(key string, fallback float32) float32 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 32)
	if err != nil {
		return fallback
	}
	return float32(f)
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

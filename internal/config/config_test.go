package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DB_DRIVER", "sqlite")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != "9090" {
		t.Errorf("Port = %q, want 9090", cfg.Port)
	}
	if cfg.Chat.HistoryLimit != 50 {
		t.Errorf("HistoryLimit = %d, want 50", cfg.Chat.HistoryLimit)
	}
	if cfg.Chat.Temperature != 0.7 {
		t.Errorf("Temperature = %v, want 0.7", cfg.Chat.Temperature)
	}
	if cfg.RateLimit.RequestsPerWindow != 10 || cfg.RateLimit.WindowDuration != time.Minute {
		t.Errorf("RateLimit = %+v", cfg.RateLimit)
	}
	if cfg.AdminEnabled() {
		t.Error("admin should be disabled without a secret")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("RATE_LIMIT_WINDOW", "30s")
	t.Setenv("SSE_KEEPALIVE_INTERVAL", "not-a-duration")
	t.Setenv("CHAT_TEMPERATURE", "1.2")
	t.Setenv("ADMIN_JWT_SECRET", "s3cret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.RateLimit.WindowDuration != 30*time.Second {
		t.Errorf("WindowDuration = %v, want 30s", cfg.RateLimit.WindowDuration)
	}
	if cfg.SSE.KeepaliveInterval != 10*time.Second {
		t.Errorf("KeepaliveInterval = %v, want fallback 10s", cfg.SSE.KeepaliveInterval)
	}
	if cfg.Chat.Temperature != 1.2 {
		t.Errorf("Temperature = %v, want 1.2", cfg.Chat.Temperature)
	}
	if !cfg.AdminEnabled() {
		t.Error("admin should be enabled")
	}
}

func TestValidate(t *testing.T) {
	t.Setenv("PORT", "8080")
	base, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"empty port", func(c *Config) { c.Port = "" }, "PORT"},
		{"unknown driver", func(c *Config) { c.DB.Driver = "mysql" }, "DB_DRIVER"},
		{"postgres without url", func(c *Config) { c.DB.Driver = "postgres" }, "DATABASE_URL"},
		{"temperature too high", func(c *Config) { c.Chat.Temperature = 2.5 }, "CHAT_TEMPERATURE"},
		{"zero history", func(c *Config) { c.Chat.HistoryLimit = 0 }, "CHAT_HISTORY_LIMIT"},
		{"nats limiter without url", func(c *Config) { c.RateLimit.Backend = "nats"; c.NATS.URL = "" }, "NATS_URL"},
		{"zero rate", func(c *Config) { c.RateLimit.RequestsPerWindow = 0 }, "RATE_LIMIT_REQUESTS"},
		{"zero queue", func(c *Config) { c.ConversationLog.QueueSize = 0 }, "CONVERSATION_LOG_QUEUE_SIZE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := *base
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}

func TestIsDevelopment(t *testing.T) {
	t.Parallel()
	for url, want := range map[string]bool{
		"":                        true,
		"http://localhost:5173":   true,
		"http://127.0.0.1:3000":   true,
		"https://hawkins.example": false,
	} {
		c := &Config{FrontendURL: url}
		if got := c.IsDevelopment(); got != want {
			t.Errorf("IsDevelopment(%q) = %v, want %v", url, got, want)
		}
	}
}

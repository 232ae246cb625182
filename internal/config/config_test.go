package config

import (
	"errors"
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("DB_DSN", "file:test.db")
	t.Setenv("AGENT_BASE_URL", "https://agent.example.com/openai/deployments/gpt")
	t.Setenv("AUTH_TOKEN_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("STRIPE_KEY", "sk_test_123")
	t.Setenv("SUBSCRIPTION_PRICE_ID", "price_123")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AppMode != ModeAll {
		t.Fatalf("expected default mode ALL, got %q", cfg.AppMode)
	}
	if cfg.Agent.Kind != AgentKindAzure {
		t.Fatalf("expected azure agent kind by default, got %q", cfg.Agent.Kind)
	}
	if cfg.Agent.Temperature != 0.7 {
		t.Fatalf("expected temperature 0.7, got %v", cfg.Agent.Temperature)
	}
	if cfg.Billing.Domain != "http://localhost:3000" {
		t.Fatalf("unexpected domain %q", cfg.Billing.Domain)
	}
	if cfg.Auth.TokenTTL != 7*24*time.Hour {
		t.Fatalf("unexpected token ttl %v", cfg.Auth.TokenTTL)
	}
	if cfg.Agent.ClientTimeout != 0 {
		t.Fatalf("expected agent calls unbounded by default, got %v", cfg.Agent.ClientTimeout)
	}
	if cfg.Worker.GuardTTL != time.Hour {
		t.Fatalf("unexpected follow-up guard ttl %v", cfg.Worker.GuardTTL)
	}
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("APP_MODE", "api")
	t.Setenv("AGENT_KIND", "OpenAI")
	t.Setenv("WEB_CLIENT_URL", "https://captn.example.com/")
	t.Setenv("ALLOW_ORIGINS", "https://a.example.com, https://b.example.com")
	t.Setenv("RATE_LIMIT_PER_HOUR", "not-a-number")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AppMode != ModeAPI {
		t.Fatalf("expected API mode, got %q", cfg.AppMode)
	}
	if cfg.Agent.Kind != AgentKindOpenAI {
		t.Fatalf("expected openai kind, got %q", cfg.Agent.Kind)
	}
	if cfg.Billing.Domain != "https://captn.example.com" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.Billing.Domain)
	}
	if len(cfg.HTTP.AllowOrigins) != 2 || cfg.HTTP.AllowOrigins[1] != "https://b.example.com" {
		t.Fatalf("unexpected origins %#v", cfg.HTTP.AllowOrigins)
	}
	if cfg.Rate.PerHour != 60 {
		t.Fatalf("invalid int should fall back to default, got %d", cfg.Rate.PerHour)
	}
}

func TestLoadValidation(t *testing.T) {
	setRequired(t)
	t.Setenv("AUTH_TOKEN_SECRET", "short")
	if _, err := Load(); !errors.Is(err, ErrMissingAuthSecret) {
		t.Fatalf("expected ErrMissingAuthSecret, got %v", err)
	}

	t.Setenv("AUTH_TOKEN_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("AGENT_BASE_URL", "")
	if _, err := Load(); !errors.Is(err, ErrMissingAgentURL) {
		t.Fatalf("expected ErrMissingAgentURL, got %v", err)
	}

	t.Setenv("AGENT_BASE_URL", "https://agent.example.com")
	t.Setenv("APP_MODE", "cron")
	if _, err := Load(); err == nil {
		t.Fatalf("expected unsupported mode error")
	}
}

func TestWorkerModeSkipsWebSecrets(t *testing.T) {
	t.Setenv("DB_DSN", "file:test.db")
	t.Setenv("AGENT_BASE_URL", "https://agent.example.com")
	t.Setenv("APP_MODE", "worker")

	if _, err := Load(); err != nil {
		t.Fatalf("worker mode should not require web secrets: %v", err)
	}
}

func TestLoadDBIgnoresServiceSettings(t *testing.T) {
	t.Setenv("DB_DRIVER", "PGX")
	t.Setenv("DB_DSN", "postgres://captn@db/captn")
	t.Setenv("AGENT_BASE_URL", "")

	db, err := LoadDB()
	if err != nil {
		t.Fatalf("load db: %v", err)
	}
	if db.Driver != "pgx" || db.DSN != "postgres://captn@db/captn" || !db.AutoMigrate {
		t.Fatalf("unexpected db config %+v", db)
	}
}

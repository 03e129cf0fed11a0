package config

import (
	"strings"
	"testing"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("BRIDGE_PROVIDER_API_BASE", "https://api.example.com")
	t.Setenv("BRIDGE_PROVIDER_API_KEY", "key")
	t.Setenv("BRIDGE_PROVIDER_API_SECRET", "secret")
	t.Setenv("BRIDGE_PROVIDER_FROM_NUMBER", "+15550001111")
	t.Setenv("BRIDGE_PROVIDER_TRUSTED_NUMBER", "+15551234567")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Poll.IntervalMs != 2000 {
		t.Errorf("poll interval = %d", cfg.Poll.IntervalMs)
	}
	if cfg.Codex.DefaultModel != "gpt-5.3-codex" {
		t.Errorf("default model = %q", cfg.Codex.DefaultModel)
	}
	if cfg.Codex.SparkModel != "gpt-5.3-codex-spark" {
		t.Errorf("spark model = %q", cfg.Codex.SparkModel)
	}
	if !cfg.Notifications.Enabled {
		t.Error("notifications should default on")
	}
	if cfg.Webhook.Enabled {
		t.Error("webhook should default off")
	}
	if cfg.Store.DBPath != "bridge.db" {
		t.Errorf("db path = %q", cfg.Store.DBPath)
	}
}

func TestLoadOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("BRIDGE_POLL_INTERVAL_MS", "500")
	t.Setenv("BRIDGE_CODEX_DEFAULT_MODEL", "gpt-5.3-codex-mini")
	t.Setenv("BRIDGE_FEATURES_OUTBOUND_STYLING", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Poll.IntervalMs != 500 {
		t.Errorf("poll interval = %d", cfg.Poll.IntervalMs)
	}
	if cfg.Codex.DefaultModel != "gpt-5.3-codex-mini" {
		t.Errorf("default model = %q", cfg.Codex.DefaultModel)
	}
	if cfg.Features.OutboundStyling {
		t.Error("styling override not applied")
	}
}

func TestLoadRequiresProvider(t *testing.T) {
	t.Setenv("BRIDGE_PROVIDER_API_BASE", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected a validation error without provider settings")
	}
}

func TestValidateClampsBounds(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("BRIDGE_TYPING_HEARTBEAT_SECONDS", "1")
	t.Setenv("BRIDGE_NOTIFICATIONS_RAW_EXCERPT_BYTES", "10")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Typing.HeartbeatSeconds != 3 {
		t.Errorf("heartbeat clamped to %d, want 3", cfg.Typing.HeartbeatSeconds)
	}
	if cfg.Notifications.RawExcerptBytes != 256 {
		t.Errorf("excerpt bytes clamped to %d, want 256", cfg.Notifications.RawExcerptBytes)
	}
}

func TestValidatePollBounds(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("BRIDGE_POLL_INTERVAL_MS", "100")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "poll.interval_ms") {
		t.Fatalf("expected poll interval error, got %v", err)
	}
}

func TestValidateWebhookRequiresSecret(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("BRIDGE_WEBHOOK_ENABLED", "true")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "webhook.secret") {
		t.Fatalf("expected webhook secret error, got %v", err)
	}
}

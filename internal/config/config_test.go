package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// =============================================================================
// Loading Tests
// =============================================================================

func TestLoad_LayersOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
server:
  port: 9090
scorer:
  alpha: 0.5
  decay_hours: 48
consolidator:
  scope: emea
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Scorer.Alpha != 0.5 || cfg.Scorer.DecayHours != 48 {
		t.Errorf("scorer = %+v", cfg.Scorer)
	}
	if cfg.Consolidator.Scope != "emea" {
		t.Errorf("scope = %q", cfg.Consolidator.Scope)
	}

	// Untouched sections keep their defaults.
	if cfg.Server.ReadTimeout != 30*time.Second {
		t.Errorf("read timeout default lost: %v", cfg.Server.ReadTimeout)
	}
	if cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("redis default lost: %q", cfg.Redis.Addr)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server: [not a map"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected parse error")
	}
}

// =============================================================================
// Secret Resolution Tests
// =============================================================================

func TestRedisPassword(t *testing.T) {
	t.Setenv("TEST_REDIS_PASSWORD", "s3cret")

	cfg := DefaultConfig()
	cfg.Redis.PasswordEnv = "TEST_REDIS_PASSWORD"
	if got := cfg.RedisPassword(); got != "s3cret" {
		t.Errorf("password = %q", got)
	}

	cfg.Redis.PasswordEnv = ""
	if got := cfg.RedisPassword(); got != "" {
		t.Errorf("empty env var name must yield empty password, got %q", got)
	}
}

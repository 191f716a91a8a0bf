package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if errWrite := os.WriteFile(path, []byte(body), 0600); errWrite != nil {
		t.Fatalf("write config: %v", errWrite)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "database:\n  dsn: 'file::memory:'\n")

	cfg, errLoad := Load(path)
	if errLoad != nil {
		t.Fatalf("load: %v", errLoad)
	}

	if cfg.Server.Addr != ":8080" {
		t.Fatalf("addr=%q, want :8080", cfg.Server.Addr)
	}
	if cfg.Keys.Prefix != "LUAGUARD" {
		t.Fatalf("prefix=%q, want LUAGUARD", cfg.Keys.Prefix)
	}
	if cfg.Keys.CheckpointsRequired != 2 {
		t.Fatalf("checkpoints=%d, want 2", cfg.Keys.CheckpointsRequired)
	}
	if cfg.KeyDuration() != 24*time.Hour {
		t.Fatalf("key duration=%v, want 24h", cfg.KeyDuration())
	}
	if cfg.SessionTTL() != 7*24*time.Hour {
		t.Fatalf("session ttl=%v, want 168h", cfg.SessionTTL())
	}
	if cfg.RateLimit.Keygen.Max != 5 || cfg.KeygenWindow() != time.Hour {
		t.Fatalf("keygen limit=%d/%v, want 5/h", cfg.RateLimit.Keygen.Max, cfg.KeygenWindow())
	}
	if cfg.RateLimit.Validate.Max != 30 || cfg.ValidateWindow() != time.Minute {
		t.Fatalf("validate limit=%d/%v, want 30/m", cfg.RateLimit.Validate.Max, cfg.ValidateWindow())
	}
}

func TestLoadRejectsMissingDSN(t *testing.T) {
	path := writeConfig(t, "server:\n  addr: ':9000'\n")

	if _, errLoad := Load(path); errLoad == nil {
		t.Fatalf("expected error for missing dsn")
	}
}

func TestLoadEnvOverridesWin(t *testing.T) {
	path := writeConfig(t, "database:\n  dsn: file:from-yaml.db\ndiscord:\n  client-secret: yaml-secret\n")

	t.Setenv("DATABASE_DSN", "file:from-env.db")
	t.Setenv("DISCORD_CLIENT_SECRET", "env-secret")

	cfg, errLoad := Load(path)
	if errLoad != nil {
		t.Fatalf("load: %v", errLoad)
	}
	if cfg.Database.DSN != "file:from-env.db" {
		t.Fatalf("dsn=%q, want env override", cfg.Database.DSN)
	}
	if cfg.Discord.ClientSecret != "env-secret" {
		t.Fatalf("client secret=%q, want env override", cfg.Discord.ClientSecret)
	}
}

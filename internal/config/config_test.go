package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if cfg.Queue.Backend != "inmemory" {
		t.Errorf("expected inmemory, got %s", cfg.Queue.Backend)
	}
	if cfg.Memory.Backend != "in_memory" {
		t.Errorf("expected in_memory, got %s", cfg.Memory.Backend)
	}
	if cfg.Queue.MaxRetries != 3 {
		t.Errorf("expected 3 retries, got %d", cfg.Queue.MaxRetries)
	}
	if cfg.Queue.RetryBaseS != 0.5 {
		t.Errorf("expected base 0.5s, got %f", cfg.Queue.RetryBaseS)
	}
	if cfg.Worker.Concurrency != 4 {
		t.Errorf("expected concurrency 4, got %d", cfg.Worker.Concurrency)
	}
}

func TestLoadFromTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.toml")
	os.WriteFile(path, []byte(`
[queue]
backend = "redis"
retry_base_s = 0.25

[memory]
backend = "sqlite"
sqlite_path = "/var/lib/afk/afk.db"
`), 0644)

	cfg := Load(path)
	if cfg.Queue.Backend != "redis" {
		t.Errorf("expected redis, got %s", cfg.Queue.Backend)
	}
	if cfg.Queue.RetryBaseS != 0.25 {
		t.Errorf("expected 0.25, got %f", cfg.Queue.RetryBaseS)
	}
	if cfg.Memory.SQLitePath != "/var/lib/afk/afk.db" {
		t.Errorf("expected overridden path, got %s", cfg.Memory.SQLitePath)
	}
	// Defaults preserved
	if cfg.Queue.MaxRetries != 3 {
		t.Errorf("default should be preserved, got %d", cfg.Queue.MaxRetries)
	}
	if cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("default should be preserved, got %s", cfg.Redis.Addr)
	}
}

func TestLoadMaintenanceSection(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.toml")
	os.WriteFile(path, []byte(`
[maintenance]
redrive_every_s = 300
redrive_reason = "retry_budget_exhausted"
compact_every_s = 3600
compact_threads = ["main", "ops"]
compact_max_events = 500
`), 0644)

	cfg := Load(path)
	if cfg.Maintenance.RedriveEveryS != 300 {
		t.Errorf("redrive_every_s = %f, want 300", cfg.Maintenance.RedriveEveryS)
	}
	if cfg.Maintenance.RedriveReason != "retry_budget_exhausted" {
		t.Errorf("redrive_reason = %q", cfg.Maintenance.RedriveReason)
	}
	if len(cfg.Maintenance.CompactThreads) != 2 || cfg.Maintenance.CompactThreads[1] != "ops" {
		t.Errorf("compact_threads = %v", cfg.Maintenance.CompactThreads)
	}
	if cfg.Maintenance.CompactMaxEvents != 500 {
		t.Errorf("compact_max_events = %d, want 500", cfg.Maintenance.CompactMaxEvents)
	}

	// Disabled by default.
	if def := Default(); def.Maintenance.RedriveEveryS != 0 || def.Maintenance.CompactEveryS != 0 {
		t.Errorf("maintenance jobs should default to disabled: %+v", def.Maintenance)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("AFK_QUEUE_BACKEND", "redis")
	t.Setenv("AFK_MEMORY_BACKEND", "postgres")
	t.Setenv("AFK_POSTGRES_DSN", "postgres://afk@localhost/afk")
	t.Setenv("AFK_QUEUE_RETRY_BASE_S", "1.5")
	t.Setenv("AFK_REDIS_DB", "3")

	cfg := Load("/nonexistent/path.toml")
	if cfg.Queue.Backend != "redis" {
		t.Errorf("expected redis, got %s", cfg.Queue.Backend)
	}
	if cfg.Memory.Backend != "postgres" {
		t.Errorf("expected postgres, got %s", cfg.Memory.Backend)
	}
	if cfg.Memory.PostgresDSN != "postgres://afk@localhost/afk" {
		t.Errorf("expected dsn override, got %s", cfg.Memory.PostgresDSN)
	}
	if cfg.Queue.RetryBaseS != 1.5 {
		t.Errorf("expected 1.5, got %f", cfg.Queue.RetryBaseS)
	}
	if cfg.Redis.DB != 3 {
		t.Errorf("expected db 3, got %d", cfg.Redis.DB)
	}
}

func TestEnvOverrideBeatsTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.toml")
	os.WriteFile(path, []byte(`
[queue]
backend = "inmemory"
`), 0644)
	t.Setenv("AFK_QUEUE_BACKEND", "redis")

	cfg := Load(path)
	if cfg.Queue.Backend != "redis" {
		t.Errorf("env should win over toml, got %s", cfg.Queue.Backend)
	}
}

func TestInvalidNumericEnvIgnored(t *testing.T) {
	t.Setenv("AFK_REDIS_DB", "not-a-number")
	t.Setenv("AFK_QUEUE_RETRY_MAX_S", "also-not")

	cfg := Load("/nonexistent/path.toml")
	if cfg.Redis.DB != 0 {
		t.Errorf("bad int should keep default, got %d", cfg.Redis.DB)
	}
	if cfg.Queue.RetryMaxS != 30 {
		t.Errorf("bad float should keep default, got %f", cfg.Queue.RetryMaxS)
	}
}

func TestConfigPathFromEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "afk.toml")
	os.WriteFile(path, []byte(`
[worker]
concurrency = 9
`), 0644)
	t.Setenv("AFK_CONFIG", path)

	cfg := Load("")
	if cfg.Worker.Concurrency != 9 {
		t.Errorf("expected concurrency from AFK_CONFIG file, got %d", cfg.Worker.Concurrency)
	}
}

package config

import (
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Queue       QueueConfig       `toml:"queue"`
	Memory      MemoryConfig      `toml:"memory"`
	Redis       RedisConfig       `toml:"redis"`
	Worker      WorkerConfig      `toml:"worker"`
	Observer    ObserverConfig    `toml:"observer"`
	Maintenance MaintenanceConfig `toml:"maintenance"`
}

// QueueConfig selects the task queue backend and its retry defaults.
// Retry windows are float seconds so sub-second backoffs stay expressible.
type QueueConfig struct {
	Backend      string  `toml:"backend"` // inmemory | redis
	RedisPrefix  string  `toml:"redis_prefix"`
	MaxRetries   int     `toml:"max_retries"`
	RetryBaseS   float64 `toml:"retry_base_s"`
	RetryMaxS    float64 `toml:"retry_max_s"`
	RetryJitterS float64 `toml:"retry_jitter_s"`
}

// MemoryConfig selects the memory store backend.
type MemoryConfig struct {
	Backend     string `toml:"backend"` // in_memory | sqlite | redis | postgres
	SQLitePath  string `toml:"sqlite_path"`
	PostgresDSN string `toml:"postgres_dsn"`
}

// RedisConfig is shared by every component resolved onto Redis.
type RedisConfig struct {
	Addr     string `toml:"addr"`
	DB       int    `toml:"db"`
	Password string `toml:"password"`
}

type WorkerConfig struct {
	ID               string  `toml:"id"`
	Concurrency      int     `toml:"concurrency"`
	PresenceTTLS     float64 `toml:"presence_ttl_s"`
	PresenceRefreshS float64 `toml:"presence_refresh_s"`
	ShutdownTimeoutS float64 `toml:"shutdown_timeout_s"`
	DequeueWindowS   float64 `toml:"dequeue_window_s"`
}

type ObserverConfig struct {
	Enabled bool                       `toml:"enabled"`
	Pricing map[string]ObserverPricing `toml:"pricing"`
}

// MaintenanceConfig drives the daemon's built-in scheduler entries. A zero
// interval disables the job.
type MaintenanceConfig struct {
	RedriveEveryS    float64  `toml:"redrive_every_s"`
	RedriveReason    string   `toml:"redrive_reason"`
	RedriveLimit     int      `toml:"redrive_limit"`
	CompactEveryS    float64  `toml:"compact_every_s"`
	CompactThreads   []string `toml:"compact_threads"`
	CompactMaxEvents int      `toml:"compact_max_events"`
}

type ObserverPricing struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Queue: QueueConfig{
			Backend:     "inmemory",
			RedisPrefix: "afk",
			MaxRetries:  3,
			RetryBaseS:  0.5,
			RetryMaxS:   30,
		},
		Memory: MemoryConfig{
			Backend:    "in_memory",
			SQLitePath: "afk.db",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Worker: WorkerConfig{
			Concurrency:      4,
			PresenceTTLS:     30,
			PresenceRefreshS: 10,
			ShutdownTimeoutS: 30,
			DequeueWindowS:   1,
		},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
// An empty path falls back to AFK_CONFIG, then "afk.toml".
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = os.Getenv("AFK_CONFIG")
	}
	if path == "" {
		path = "afk.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("AFK_QUEUE_BACKEND"); v != "" {
		cfg.Queue.Backend = v
	}
	if v := os.Getenv("AFK_QUEUE_REDIS_PREFIX"); v != "" {
		cfg.Queue.RedisPrefix = v
	}
	if n, ok := envInt("AFK_QUEUE_MAX_RETRIES"); ok {
		cfg.Queue.MaxRetries = n
	}
	if f, ok := envFloat("AFK_QUEUE_RETRY_BASE_S"); ok {
		cfg.Queue.RetryBaseS = f
	}
	if f, ok := envFloat("AFK_QUEUE_RETRY_MAX_S"); ok {
		cfg.Queue.RetryMaxS = f
	}
	if f, ok := envFloat("AFK_QUEUE_RETRY_JITTER_S"); ok {
		cfg.Queue.RetryJitterS = f
	}
	if v := os.Getenv("AFK_MEMORY_BACKEND"); v != "" {
		cfg.Memory.Backend = v
	}
	if v := os.Getenv("AFK_SQLITE_PATH"); v != "" {
		cfg.Memory.SQLitePath = v
	}
	if v := os.Getenv("AFK_POSTGRES_DSN"); v != "" {
		cfg.Memory.PostgresDSN = v
	}
	if v := os.Getenv("AFK_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if n, ok := envInt("AFK_REDIS_DB"); ok {
		cfg.Redis.DB = n
	}
	if v := os.Getenv("AFK_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("AFK_WORKER_ID"); v != "" {
		cfg.Worker.ID = v
	}
	if n, ok := envInt("AFK_WORKER_CONCURRENCY"); ok {
		cfg.Worker.Concurrency = n
	}
	if os.Getenv("AFK_OBSERVER_ENABLED") == "true" || os.Getenv("AFK_OBSERVER_ENABLED") == "1" {
		cfg.Observer.Enabled = true
	}

	return cfg
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envFloat(key string) (float64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

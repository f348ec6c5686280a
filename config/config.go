package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Config represents the overall application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Allocation AllocationConfig `yaml:"allocation"`
	Push       PushConfig       `yaml:"push"`
	WorkerPool WorkerPoolConfig `yaml:"worker_pool"`
	Catalog    CatalogConfig    `yaml:"catalog"`
	Reminder   ReminderConfig   `yaml:"reminder"`
}

// ReminderConfig controls the overdue-return sweep.
type ReminderConfig struct {
	Enabled          bool          `yaml:"enabled"`
	IntervalSeconds  int           `yaml:"interval_seconds"`
	Interval         time.Duration `yaml:"-"`
	RepeatAfterHours int           `yaml:"repeat_after_hours"`
	RepeatAfter      time.Duration `yaml:"-"`
}

// WorkerPoolConfig holds the configuration for the notification worker pool.
type WorkerPoolConfig struct {
	Size      int `yaml:"size"`
	QueueSize int `yaml:"queue_size"`
}

// PushConfig holds the VAPID keys for web push notifications.
// Notifications are disabled when either key is empty.
type PushConfig struct {
	PublicKey  string `yaml:"vapid_public_key"`
	PrivateKey string `yaml:"vapid_private_key"`
	Subject    string `yaml:"subject"`
	TTL        int    `yaml:"ttl"`
}

// Enabled reports whether both VAPID keys are configured.
func (p PushConfig) Enabled() bool {
	return p.PublicKey != "" && p.PrivateKey != ""
}

// ServerConfig holds the server-related configuration.
type ServerConfig struct {
	Port                  int           `yaml:"port"`
	RateLimitPerSec       float64       `yaml:"rate_limit_per_sec"`
	RateLimitBurst        int           `yaml:"rate_limit_burst"`
	IdempotencyTTLSeconds int           `yaml:"idempotency_ttl_seconds"`
	IdempotencyTTL        time.Duration `yaml:"-"`
	CORSOrigins           []string      `yaml:"cors_origins"`
}

// DatabaseConfig holds the database connection configuration.
type DatabaseConfig struct {
	Driver                 string `yaml:"driver"` // postgres, mysql or sqlite
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
	LogLevel               string `yaml:"log_level"` // silent, error, warn, info
}

// RedisConfig enables the Redis-backed equipment-type lock for multi-instance deployments.
type RedisConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Addr           string        `yaml:"addr"`
	Password       string        `yaml:"password"`
	DB             int           `yaml:"db"`
	LockTTLSeconds int           `yaml:"lock_ttl_seconds"`
	LockTTL        time.Duration `yaml:"-"`
}

// AllocationConfig tunes the allocation resolver.
type AllocationConfig struct {
	// MaxBindRetries bounds how many lost binding races a single line may absorb
	// before the approval fails with insufficient capacity.
	MaxBindRetries int `yaml:"max_bind_retries"`
}

// CatalogConfig points at an optional YAML seed of equipment types and units.
type CatalogConfig struct {
	SeedPath string `yaml:"seed_path"`
}

// Load reads the configuration from the given path. A .env file in the working
// directory, if present, is loaded first so its values can override the YAML.
// A nil log discards warnings.
func Load(path string, log *zap.Logger) (*Config, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn("Could not load .env", zap.Error(err))
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	cfg.applyEnv()
	cfg.applyDefaults(log)
	return &cfg, nil
}

func (cfg *Config) applyEnv() {
	if v := os.Getenv("DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
		cfg.Redis.Enabled = true
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("VAPID_PRIVATE_KEY"); v != "" {
		cfg.Push.PrivateKey = v
	}
}

func (cfg *Config) applyDefaults(log *zap.Logger) {
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.RateLimitPerSec <= 0 {
		cfg.Server.RateLimitPerSec = 10
	}
	if cfg.Server.RateLimitBurst <= 0 {
		cfg.Server.RateLimitBurst = 5
	}
	if cfg.Server.IdempotencyTTLSeconds <= 0 {
		cfg.Server.IdempotencyTTLSeconds = 600
	}
	cfg.Server.IdempotencyTTL = time.Duration(cfg.Server.IdempotencyTTLSeconds) * time.Second

	cfg.Database.Driver = strings.ToLower(strings.TrimSpace(cfg.Database.Driver))
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}
	if cfg.Database.LogLevel == "" {
		cfg.Database.LogLevel = "warn"
	}

	if cfg.Redis.LockTTLSeconds <= 0 {
		cfg.Redis.LockTTLSeconds = 10
	}
	cfg.Redis.LockTTL = time.Duration(cfg.Redis.LockTTLSeconds) * time.Second

	if cfg.Allocation.MaxBindRetries <= 0 {
		cfg.Allocation.MaxBindRetries = 3
	}

	if cfg.Push.TTL <= 0 {
		cfg.Push.TTL = 3600
	}

	if cfg.WorkerPool.Size <= 0 {
		log.Warn("worker_pool.size is not set or invalid; defaulting to 1")
		cfg.WorkerPool.Size = 1
	}
	if cfg.WorkerPool.QueueSize <= 0 {
		cfg.WorkerPool.QueueSize = 64
	}

	if cfg.Reminder.IntervalSeconds <= 0 {
		cfg.Reminder.IntervalSeconds = 300
	}
	cfg.Reminder.Interval = time.Duration(cfg.Reminder.IntervalSeconds) * time.Second
	if cfg.Reminder.RepeatAfterHours <= 0 {
		cfg.Reminder.RepeatAfterHours = 24
	}
	cfg.Reminder.RepeatAfter = time.Duration(cfg.Reminder.RepeatAfterHours) * time.Hour
}

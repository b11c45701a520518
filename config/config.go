// Package config reads the jobqueue command configuration from environment
// variables using caarlos0/env/v11.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	jobqueue "github.com/owles/go-jobqueue"
)

const (
	StoreRedis    = "redis"
	StorePostgres = "postgres"
	StoreMySQL    = "mysql"
	StoreSQLite   = "sqlite"
	StoreMemory   = "memory"
)

type Config struct {
	// Store selects the backend: redis, postgres, mysql, sqlite or memory.
	Store string `env:"JOBQUEUE_STORE" envDefault:"redis"`

	RedisAddr     string `env:"JOBQUEUE_REDIS_ADDR"     envDefault:"127.0.0.1:6379"`
	RedisPassword string `env:"JOBQUEUE_REDIS_PASSWORD"`
	RedisDB       int    `env:"JOBQUEUE_REDIS_DB"       envDefault:"0"`
	RedisPrefix   string `env:"JOBQUEUE_REDIS_PREFIX"   envDefault:"jobqueue"`

	// DSN is the connection string of the SQL stores.
	DSN string `env:"JOBQUEUE_DSN"`

	QueueName         string        `env:"JOBQUEUE_NAME"               envDefault:"default"`
	PollInterval      time.Duration `env:"JOBQUEUE_POLL_INTERVAL"      envDefault:"1s"`
	HeartbeatInterval time.Duration `env:"JOBQUEUE_HEARTBEAT_INTERVAL" envDefault:"5s"`
	StuckThreshold    time.Duration `env:"JOBQUEUE_STUCK_THRESHOLD"    envDefault:"30s"`
	SweepInterval     time.Duration `env:"JOBQUEUE_SWEEP_INTERVAL"     envDefault:"15s"`
	ShutdownTimeout   time.Duration `env:"JOBQUEUE_SHUTDOWN_TIMEOUT"   envDefault:"30s"`

	// MetricsAddr is where "work" serves /metrics; empty disables it.
	MetricsAddr string `env:"JOBQUEUE_METRICS_ADDR" envDefault:":9090"`

	LogLevel  string `env:"JOBQUEUE_LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"JOBQUEUE_LOG_FORMAT" envDefault:"text"`
}

// Load parses and validates Config from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	c.Store = strings.ToLower(c.Store)
	switch c.Store {
	case StoreRedis, StoreMemory:
	case StorePostgres, StoreMySQL, StoreSQLite:
		if c.DSN == "" {
			return fmt.Errorf("JOBQUEUE_DSN is required for store %q", c.Store)
		}
	default:
		return fmt.Errorf("unknown store %q", c.Store)
	}

	if c.HeartbeatInterval >= c.StuckThreshold {
		return fmt.Errorf("heartbeat interval %s must be below stuck threshold %s",
			c.HeartbeatInterval, c.StuckThreshold)
	}
	return nil
}

// PoolConfig maps the worker settings onto a pool configuration.
func (c *Config) PoolConfig() jobqueue.PoolConfig {
	return jobqueue.PoolConfig{
		PollInterval:      c.PollInterval,
		HeartbeatInterval: c.HeartbeatInterval,
		StuckThreshold:    c.StuckThreshold,
		SweepInterval:     c.SweepInterval,
	}
}

func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

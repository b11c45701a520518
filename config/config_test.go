package config

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, StoreRedis, cfg.Store)
	assert.Equal(t, "127.0.0.1:6379", cfg.RedisAddr)
	assert.Equal(t, "jobqueue", cfg.RedisPrefix)
	assert.Equal(t, time.Second, cfg.PollInterval)
	assert.Equal(t, 30*time.Second, cfg.StuckThreshold)

	pc := cfg.PoolConfig()
	assert.Equal(t, 5*time.Second, pc.HeartbeatInterval)
	assert.Equal(t, 15*time.Second, pc.SweepInterval)
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("JOBQUEUE_STORE", "SQLite")
	t.Setenv("JOBQUEUE_DSN", "/tmp/jobs.db")
	t.Setenv("JOBQUEUE_POLL_INTERVAL", "250ms")
	t.Setenv("JOBQUEUE_REDIS_DB", "3")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, StoreSQLite, cfg.Store)
	assert.Equal(t, "/tmp/jobs.db", cfg.DSN)
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 3, cfg.RedisDB)
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]map[string]string{
		"unknown store":        {"JOBQUEUE_STORE": "etcd"},
		"sql without dsn":      {"JOBQUEUE_STORE": "postgres"},
		"bad duration":         {"JOBQUEUE_POLL_INTERVAL": "soon"},
		"heartbeat too sparse": {"JOBQUEUE_HEARTBEAT_INTERVAL": "1m"},
	}

	for name, vars := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range vars {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := &Config{LogLevel: "warn", LogFormat: "json"}
	logger := cfg.NewLogger(&buf)

	assert.False(t, logger.Enabled(context.Background(), slog.LevelInfo))
	logger.Warn("careful", "n", 1)
	assert.Contains(t, buf.String(), `"msg":"careful"`)
}

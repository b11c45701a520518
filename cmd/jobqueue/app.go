package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	jobqueue "github.com/owles/go-jobqueue"
	"github.com/owles/go-jobqueue/adapters/mysql"
	"github.com/owles/go-jobqueue/adapters/pg"
	"github.com/owles/go-jobqueue/adapters/redis"
	"github.com/owles/go-jobqueue/adapters/sqlite"
	"github.com/owles/go-jobqueue/config"
	"github.com/owles/go-jobqueue/core"
	"github.com/owles/go-jobqueue/sources/memory"
)

type app struct {
	cfg    *config.Config
	logger *slog.Logger
	src    core.Source
	queue  *jobqueue.Queue
}

func setup(cmd *cobra.Command, observer core.Observer) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logger := cfg.NewLogger(cmd.ErrOrStderr())
	slog.SetDefault(logger)

	src, err := openSource(cfg)
	if err != nil {
		return nil, fmt.Errorf("store %s: %w", cfg.Store, err)
	}

	queue := jobqueue.New(src, jobqueue.Config{
		Name:     cfg.QueueName,
		Logger:   logger,
		Observer: observer,
	})

	return &app{cfg: cfg, logger: logger, src: src, queue: queue}, nil
}

func (a *app) Close() {
	if err := a.queue.Close(); err != nil {
		a.logger.Warn("close store", "error", err)
	}
}

func openSource(cfg *config.Config) (core.Source, error) {
	switch cfg.Store {
	case config.StoreRedis:
		return redis.NewRedisSource(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, redis.WithPrefix(cfg.RedisPrefix))
	case config.StorePostgres:
		return pg.NewPostgresSource(cfg.DSN)
	case config.StoreMySQL:
		return mysql.NewMySQLSource(cfg.DSN)
	case config.StoreSQLite:
		return sqlite.NewSQLiteSource(cfg.DSN)
	case config.StoreMemory:
		return memory.NewMemorySource(), nil
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

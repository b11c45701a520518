package pg

import (
	"context"
	"embed"
	"errors"
	"time"

	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/owles/go-jobqueue/adapters/sqlbase"
	"github.com/owles/go-jobqueue/core"
)

//go:embed migrations/*
var Migrations embed.FS

var (
	_ core.Source   = (*PostgresSource)(nil)
	_ core.Notifier = (*PostgresSource)(nil)
)

type PostgresSource struct {
	*sqlbase.Source
	dsn string
}

func NewPostgresSource(dsn string) (*PostgresSource, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	return &PostgresSource{Source: sqlbase.New(db, nextID, isDuplicate), dsn: dsn}, nil
}

func (s *PostgresSource) Up() error {
	driver, err := postgres.WithInstance(s.DB().DB, &postgres.Config{})
	if err != nil {
		return err
	}
	return sqlbase.Migrate(Migrations, "migrations", "postgres", driver)
}

// Notify wakes every listener subscribed to jobType.
func (s *PostgresSource) Notify(ctx context.Context, jobType string) error {
	_, err := s.DB().ExecContext(ctx, `SELECT pg_notify($1, '');`, Channel(jobType))
	if err != nil {
		return core.Unavailable("pg notify", err)
	}
	return nil
}

// Subscribe opens a dedicated LISTEN connection for jobType. The returned
// channel is closed once ctx is done.
func (s *PostgresSource) Subscribe(ctx context.Context, jobType string) (<-chan struct{}, error) {
	listener := pq.NewListener(s.dsn, 10*time.Second, time.Minute, nil)
	if err := listener.Listen(Channel(jobType)); err != nil {
		_ = listener.Close()
		return nil, core.Unavailable("pg listen", err)
	}

	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		defer listener.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case <-listener.Notify:
				// nil notifications follow a reconnect; jobs may have arrived meanwhile.
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()

	return out, nil
}

// Channel is the LISTEN channel for jobType.
func Channel(jobType string) string {
	return "jobqueue_" + jobType
}

func nextID(ctx context.Context, db *sqlx.DB) (int64, error) {
	var id int64
	err := db.GetContext(ctx, &id, `SELECT nextval('job_id_seq');`)
	return id, err
}

func isDuplicate(err error) bool {
	var pe *pq.Error
	return errors.As(err, &pe) && pe.Code == "23505"
}

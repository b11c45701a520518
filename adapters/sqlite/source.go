package sqlite

import (
	"context"
	"embed"
	"errors"

	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/jmoiron/sqlx"
	driver "github.com/mattn/go-sqlite3"

	"github.com/owles/go-jobqueue/adapters/sqlbase"
)

//go:embed migrations/*
var Migrations embed.FS

type Source struct {
	*sqlbase.Source
}

// NewSQLiteSource opens dsn with a single connection.
func NewSQLiteSource(dsn string) (*Source, error) {
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return &Source{Source: sqlbase.New(db, nextID, isDuplicate)}, nil
}

func (s *Source) Up() error {
	d, err := sqlite3.WithInstance(s.DB().DB, &sqlite3.Config{})
	if err != nil {
		return err
	}
	return sqlbase.Migrate(Migrations, "migrations", "sqlite3", d)
}

func nextID(ctx context.Context, db *sqlx.DB) (int64, error) {
	var id int64
	err := db.GetContext(ctx, &id, `UPDATE job_counter SET value = value + 1 RETURNING value;`)
	return id, err
}

func isDuplicate(err error) bool {
	var se driver.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == driver.ErrConstraintPrimaryKey || se.ExtendedCode == driver.ErrConstraintUnique
}

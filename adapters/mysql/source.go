package mysql

import (
	"context"
	"embed"
	"errors"

	driver "github.com/go-sql-driver/mysql"
	migratemysql "github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/jmoiron/sqlx"

	"github.com/owles/go-jobqueue/adapters/sqlbase"
)

//go:embed migrations/*
var Migrations embed.FS

type Source struct {
	*sqlbase.Source
}

// NewMySQLSource opens dsn. Affected-row counts must report matched rows
// for the compare-and-swap updates, so clientFoundRows is always enabled.
func NewMySQLSource(dsn string) (*Source, error) {
	dsn, err := configure(dsn)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	return &Source{Source: sqlbase.New(db, nextID, isDuplicate)}, nil
}

func configure(dsn string) (string, error) {
	cfg, err := driver.ParseDSN(dsn)
	if err != nil {
		return "", err
	}
	cfg.ClientFoundRows = true
	cfg.MultiStatements = true
	return cfg.FormatDSN(), nil
}

func (s *Source) Up() error {
	d, err := migratemysql.WithInstance(s.DB().DB, &migratemysql.Config{})
	if err != nil {
		return err
	}
	return sqlbase.Migrate(Migrations, "migrations", "mysql", d)
}

func nextID(ctx context.Context, db *sqlx.DB) (int64, error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE job_counter SET value = LAST_INSERT_ID(value + 1);`); err != nil {
		return 0, err
	}

	var id int64
	if err := tx.GetContext(ctx, &id, `SELECT LAST_INSERT_ID();`); err != nil {
		return 0, err
	}
	return id, tx.Commit()
}

// erDupEntry is the server error number for a duplicate key.
const erDupEntry = 1062

func isDuplicate(err error) bool {
	var me *driver.MySQLError
	return errors.As(err, &me) && me.Number == erDupEntry
}

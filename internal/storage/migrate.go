package storage

import (
	"database/sql"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
	"github.com/pressly/goose"
)

// OpenSQL opens a database/sql handle over the pgx driver, for goose and the
// advisory-lock leader.
func OpenSQL(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "postgres: open sql")
	}
	return db, nil
}

// Migrate runs a goose command ("up", "down", "status", ...) against the migrations in dir.
func Migrate(db *sql.DB, dir, command string) error {
	if err := goose.SetDialect("postgres"); err != nil {
		return errors.Wrap(err, "goose dialect")
	}
	if err := goose.Run(command, db, dir); err != nil {
		return errors.Wrapf(err, "goose %s", command)
	}
	return nil
}

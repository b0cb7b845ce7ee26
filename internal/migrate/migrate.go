// Package migrate applies embedded SQL migrations on startup.
package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/kinder2149/paperclip-cloud/migrations"
)

// Dialect selects the migration directory and the goose dialect.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

func (d Dialect) goose() (goose.Dialect, error) {
	switch d {
	case Postgres:
		return goose.DialectPostgres, nil
	case SQLite:
		return goose.DialectSQLite3, nil
	default:
		return "", fmt.Errorf("migrate: unknown dialect %q", d)
	}
}

// Up runs all pending PostgreSQL migrations against dsn.
func Up(ctx context.Context, dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	_, err = UpDB(ctx, db, Postgres)
	return err
}

// UpDB runs all pending migrations of the given dialect on an open handle and
// returns the number of migrations applied.
func UpDB(ctx context.Context, db *sql.DB, d Dialect) (int, error) {
	gd, err := d.goose()
	if err != nil {
		return 0, err
	}
	sub, err := fs.Sub(migrations.FS, string(d))
	if err != nil {
		return 0, err
	}
	p, err := goose.NewProvider(gd, db, sub)
	if err != nil {
		return 0, fmt.Errorf("migrate: %w", err)
	}
	res, err := p.Up(ctx)
	if err != nil {
		return 0, fmt.Errorf("migrate: %w", err)
	}
	return len(res), nil
}

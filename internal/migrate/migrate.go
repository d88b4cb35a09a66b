// Package migrate applies embedded SQL migrations for the SQL-backed key-value stores.
package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/and161185/mindharbor/migrations"
)

// Dialect names a migrations directory and the goose dialect used for it.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite3"
)

func (d Dialect) dir() (string, error) {
	switch d {
	case Postgres:
		return "postgres", nil
	case SQLite:
		return "sqlite", nil
	default:
		return "", fmt.Errorf("unknown dialect %q", string(d))
	}
}

// goose keeps base FS and dialect in package globals.
var gooseMu sync.Mutex

// Up runs all pending migrations of dialect against db.
func Up(ctx context.Context, db *sql.DB, d Dialect) error {
	dir, err := d.dir()
	if err != nil {
		return err
	}

	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect(string(d)); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, dir)
}

// UpPostgres opens dsn with the pgx stdlib driver and runs the postgres migrations.
func UpPostgres(ctx context.Context, dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	return Up(ctx, db, Postgres)
}

// Package database opens the SQLite job/task store and applies its embedded
// schema migrations.
package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

//go:embed sql/0*.sql
var migrations embed.FS

// InitDB opens a SQLite database at dsn (file path or ":memory:"), tunes
// its pragmas for a single-writer WAL workload, and brings the schema up to
// date. The returned handle is ready for store.New.
func InitDB(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", connString(dsn))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes; a single open connection avoids
	// "database is locked" races, at the cost of also running reads one
	// at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		return nil, closeOnErr(db, fmt.Errorf("failed to ping database: %w", err))
	}
	if err := migrate(ctx, db); err != nil {
		return nil, closeOnErr(db, fmt.Errorf("failed to apply database schema: %w", err))
	}
	return db, nil
}

// connString builds the driver connection string: in-memory databases get a
// minimal pragma set, file databases get WAL mode and the lock/cache tuning
// a long-running scheduler wants.
func connString(dsn string) string {
	if dsn == ":memory:" {
		return ":memory:?_pragma=foreign_keys(ON)&_pragma=temp_store(MEMORY)&_pragma=cache_size(-64000)"
	}
	pragmas := []string{
		"journal_mode(WAL)",
		"synchronous(NORMAL)",
		"busy_timeout(10000)",
		"journal_size_limit(67108864)",
		"cache_size(-64000)",
		"foreign_keys(ON)",
	}
	return "file:" + dsn + "?mode=rwc&_pragma=" + strings.Join(pragmas, "&_pragma=")
}

func closeOnErr(db *sql.DB, err error) error {
	if cerr := db.Close(); cerr != nil {
		return errors.Join(err, cerr)
	}
	return err
}

// NewQueries creates a Queries instance from a database connection.
func NewQueries(db *sql.DB) *Queries {
	return New(db)
}

// CloseDB closes the database connection.
func CloseDB(db *sql.DB) error {
	if db == nil {
		return nil
	}
	if err := db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// migrate applies the embedded goose migrations; idempotent via goose's own
// version tracking. NewProvider avoids the global SetBaseFS/SetDialect
// state.
func migrate(ctx context.Context, db *sql.DB) error {
	subFS, err := fs.Sub(migrations, "sql")
	if err != nil {
		return fmt.Errorf("failed to load embedded migrations: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("failed to create goose provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("failed to apply schema migrations: %w", err)
	}
	return nil
}

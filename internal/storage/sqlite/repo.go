package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/Derrickeee/Data-Jedi/internal/storage/sqlrepo"

	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver
)

// Repository is a SQLite-backed implementation of storage.Repository. Rows
// are written with prepared INSERT and UPDATE statements inside one
// transaction per batch; SQLite has no bulk-load API like Postgres COPY.
type Repository struct {
	*sqlrepo.Repository
}

// Open opens dsn with a single connection. SQLite allows one writer at a
// time, and ":memory:" databases exist per connection.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// NewRepository opens a SQLite connection using the provided DSN and returns
// a Repository plus a Close function for cleanup.
func NewRepository(ctx context.Context, cfg Config) (*Repository, func(), error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, nil, fmt.Errorf("sqlite: DSN must not be empty")
	}
	db, err := Open(cfg.DSN)
	if err != nil {
		return nil, nil, err
	}

	// Apply a basic ping with context to fail fast on invalid DSNs.
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	if err := setBusyTimeout(ctx, db); err != nil {
		db.Close()
		return nil, nil, err
	}

	closeFn := func() { db.Close() }
	return New(db), closeFn, nil
}

// setBusyTimeout makes writers wait up to 5s for a lock held by another
// process instead of failing with SQLITE_BUSY.
func setBusyTimeout(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		return fmt.Errorf("sqlite: set busy_timeout: %w", err)
	}
	return nil
}

// New wraps an open database.
func New(db *sql.DB) *Repository {
	return &Repository{Repository: sqlrepo.New(db, Dialect{})}
}

// Package runlog keeps a ledger of ingestion runs in the destination
// database: one row per run in ingest_runs, created and evolved through
// embedded goose migrations.
package runlog

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"github.com/pressly/goose/v3"

	"github.com/Derrickeee/Data-Jedi/internal/storage"
	"github.com/Derrickeee/Data-Jedi/internal/storage/mssql"
	"github.com/Derrickeee/Data-Jedi/internal/storage/mysql"
	"github.com/Derrickeee/Data-Jedi/internal/storage/postgres"
	"github.com/Derrickeee/Data-Jedi/internal/storage/sqlite"
)

// Table is the ledger table name.
const Table = "ingest_runs"

//go:embed migrations
var embedMigrations embed.FS

// Entry is one ledger row.
type Entry struct {
	RunID     string
	Job       string
	DatasetID string
	Status    string

	Pages    int
	Seen     int
	Inserted int
	Updated  int
	Skipped  int
	Failed   int
	Warnings int

	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// backend describes how to reach one storage kind.
type backend struct {
	driver  string
	dialect goose.Dialect
	sql     storage.Dialect
	dsn     func(string) (string, error)
}

var backends = map[string]backend{
	"sqlite":   {driver: "sqlite", dialect: goose.DialectSQLite3, sql: sqlite.Dialect{}},
	"postgres": {driver: "pgx", dialect: goose.DialectPostgres, sql: postgres.Dialect{}},
	"mysql":    {driver: "mysql", dialect: goose.DialectMySQL, sql: mysql.Dialect{}, dsn: mysql.NormalizeDSN},
	"mssql":    {driver: "sqlserver", dialect: goose.DialectMSSQL, sql: mssql.Dialect{}},
}

// Ledger records runs. It is safe for concurrent use.
type Ledger struct {
	db   *sql.DB
	kind string
	be   backend
}

// Open connects to the database of the given storage kind.
func Open(kind, dsn string) (*Ledger, error) {
	be, ok := backends[kind]
	if !ok {
		return nil, fmt.Errorf("runlog: unsupported storage.kind=%s", kind)
	}
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("runlog: DSN must not be empty")
	}
	if be.dsn != nil {
		var err error
		if dsn, err = be.dsn(dsn); err != nil {
			return nil, fmt.Errorf("runlog: %w", err)
		}
	}

	var db *sql.DB
	var err error
	if kind == "sqlite" {
		db, err = sqlite.Open(dsn)
	} else {
		db, err = sql.Open(be.driver, dsn)
	}
	if err != nil {
		return nil, fmt.Errorf("runlog: open: %w", err)
	}
	return New(db, kind)
}

// New wraps an open database of the given storage kind.
func New(db *sql.DB, kind string) (*Ledger, error) {
	be, ok := backends[kind]
	if !ok {
		return nil, fmt.Errorf("runlog: unsupported storage.kind=%s", kind)
	}
	return &Ledger{db: db, kind: kind, be: be}, nil
}

// Close closes the database.
func (l *Ledger) Close() error { return l.db.Close() }

// Migrate applies pending migrations for the ledger's dialect.
func (l *Ledger) Migrate(ctx context.Context) error {
	fsys, err := fs.Sub(embedMigrations, "migrations/"+l.kind)
	if err != nil {
		return fmt.Errorf("runlog: migrations: %w", err)
	}
	p, err := goose.NewProvider(l.be.dialect, l.db, fsys)
	if err != nil {
		return fmt.Errorf("runlog: goose provider: %w", err)
	}
	if _, err := p.Up(ctx); err != nil {
		return fmt.Errorf("runlog: goose up: %w", err)
	}
	return nil
}

var columns = []string{
	"run_id", "job", "dataset_id", "status",
	"pages", "seen", "inserted", "updated", "skipped", "failed", "warnings",
	"error", "started_at", "finished_at",
}

// Record inserts e. Run IDs are unique; recording the same run twice fails.
func (l *Ledger) Record(ctx context.Context, e Entry) error {
	d := l.be.sql
	ph := make([]string, len(columns))
	for i := range columns {
		ph[i] = d.Placeholder(i + 1)
	}
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", Table, strings.Join(columns, ", "), strings.Join(ph, ", "))
	_, err := l.db.ExecContext(ctx, q,
		e.RunID, e.Job, e.DatasetID, e.Status,
		e.Pages, e.Seen, e.Inserted, e.Updated, e.Skipped, e.Failed, e.Warnings,
		e.Error, e.StartedAt.UTC(), e.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("runlog: record %s: %w", e.RunID, err)
	}
	return nil
}

// Recent returns up to limit entries for job, newest first. An empty job
// lists every job.
func (l *Ledger) Recent(ctx context.Context, job string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	d := l.be.sql
	where := ""
	var args []any
	if job != "" {
		where = " WHERE job = " + d.Placeholder(1)
		args = append(args, job)
	}
	cols := strings.Join(columns, ", ")
	var q string
	if l.kind == "mssql" {
		q = fmt.Sprintf("SELECT TOP (%d) %s FROM %s%s ORDER BY started_at DESC", limit, cols, Table, where)
	} else {
		q = fmt.Sprintf("SELECT %s FROM %s%s ORDER BY started_at DESC LIMIT %d", cols, Table, where, limit)
	}

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("runlog: recent: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(
			&e.RunID, &e.Job, &e.DatasetID, &e.Status,
			&e.Pages, &e.Seen, &e.Inserted, &e.Updated, &e.Skipped, &e.Failed, &e.Warnings,
			&e.Error, &e.StartedAt, &e.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("runlog: scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Package mssql implements a Microsoft SQL Server repository. New rows go
// through the go-mssqldb bulk copy API; changed rows are updated with a
// prepared statement in the same transaction.
package mssql

import (
	"context"
	"database/sql"
	"fmt"

	mssql "github.com/microsoft/go-mssqldb"
	"github.com/microsoft/go-mssqldb/msdsn"

	"github.com/Derrickeee/Data-Jedi/internal/normalize"
	"github.com/Derrickeee/Data-Jedi/internal/schema"
	"github.com/Derrickeee/Data-Jedi/internal/storage"
	"github.com/Derrickeee/Data-Jedi/internal/storage/sqlrepo"
)

// Config holds MSSQL repository configuration.
type Config struct {
	DSN      string
	MaxConns int
}

// Repository is an MSSQL-backed implementation of storage.Repository.
type Repository struct {
	*sqlrepo.Repository
}

// NewRepository constructs a Repository and returns a Close function for cleanup.
func NewRepository(ctx context.Context, cfg Config) (*Repository, func(), error) {
	// Validate DSN early to fail fast on obvious mistakes.
	if _, err := msdsn.Parse(cfg.DSN); err != nil {
		return nil, nil, fmt.Errorf("mssql dsn: %w", err)
	}
	db, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("sql.Open: %w", err)
	}
	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("ping: %w", err)
	}
	close := func() { _ = db.Close() }
	return &Repository{Repository: sqlrepo.New(db, Dialect{})}, close, nil
}

// WriteBatch bulk-copies the inserts and updates the changed rows in one
// transaction.
func (r *Repository) WriteBatch(ctx context.Context, table string, b storage.Batch) error {
	if b.Size() == 0 {
		return nil
	}
	d := Dialect{}
	loadedAt := d.Bind(normalize.DateValue(b.LoadedAt))

	tx, err := r.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	rollback := func() { _ = tx.Rollback() }

	if err := copyIn(ctx, tx, table, b, loadedAt); err != nil {
		rollback()
		return err
	}
	if err := sqlrepo.UpdateRows(ctx, tx, d, table, b, loadedAt); err != nil {
		rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func copyIn(ctx context.Context, tx *sql.Tx, table string, b storage.Batch, loadedAt any) error {
	if len(b.Inserts) == 0 {
		return nil
	}
	cols := append(append([]string{}, schema.MetaColumns...), b.Columns...)
	stmt, err := tx.PrepareContext(ctx, mssql.CopyIn(msFQN(table), mssql.BulkOptions{}, cols...))
	if err != nil {
		return fmt.Errorf("prepare bulk: %w", err)
	}
	for _, row := range b.Inserts {
		if _, err := stmt.ExecContext(ctx, storage.InsertArgs(Dialect{}, row, b.Columns, loadedAt)...); err != nil {
			_ = stmt.Close()
			return fmt.Errorf("bulk row %s: %w", row.ID, err)
		}
	}
	_, err = stmt.ExecContext(ctx) // flush
	if cerr := stmt.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("bulk finalize: %w", err)
	}
	return nil
}

// Package sqlrepo implements storage.Repository on database/sql. The SQLite,
// MySQL and SQL Server backends share it and differ only in their Dialect.
package sqlrepo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/Derrickeee/Data-Jedi/internal/normalize"
	"github.com/Derrickeee/Data-Jedi/internal/schema"
	"github.com/Derrickeee/Data-Jedi/internal/storage"
)

// lookupChunk bounds the number of ids per lookup query. SQL Server allows
// at most 2100 parameters per statement.
const lookupChunk = 500

// Repository is a database/sql backed storage.Repository.
type Repository struct {
	db *sql.DB
	d  storage.Dialect
}

var _ storage.Repository = (*Repository)(nil)

// New wraps db. The caller keeps ownership of db; Close closes it.
func New(db *sql.DB, d storage.Dialect) *Repository {
	return &Repository{db: db, d: d}
}

// DB returns the underlying pool.
func (r *Repository) DB() *sql.DB { return r.db }

// Dialect implements storage.Repository.
func (r *Repository) Dialect() storage.Dialect { return r.d }

// Close closes the underlying pool.
func (r *Repository) Close() { _ = r.db.Close() }

// Exec executes an arbitrary SQL statement (typically DDL).
func (r *Repository) Exec(ctx context.Context, sqlText string) error {
	if strings.TrimSpace(sqlText) == "" {
		return nil
	}
	if _, err := r.db.ExecContext(ctx, sqlText); err != nil {
		return fmt.Errorf("%s: exec: %w", r.d.Name(), err)
	}
	return nil
}

// TableSchema implements storage.Repository.
func (r *Repository) TableSchema(ctx context.Context, table string) (schema.TableSchema, error) {
	q, args := r.d.ColumnsQuery(table)
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return schema.TableSchema{}, fmt.Errorf("%s: read columns of %s: %w", r.d.Name(), table, err)
	}
	defer rows.Close()

	ts := schema.TableSchema{Table: table}
	for rows.Next() {
		var name, typ string
		if err := rows.Scan(&name, &typ); err != nil {
			return schema.TableSchema{}, fmt.Errorf("%s: scan column: %w", r.d.Name(), err)
		}
		ts.Columns = append(ts.Columns, schema.Column{Name: name, Type: r.d.ColumnType(typ), SQLType: typ})
	}
	if err := rows.Err(); err != nil {
		return schema.TableSchema{}, fmt.Errorf("%s: read columns of %s: %w", r.d.Name(), table, err)
	}
	ts.Exists = len(ts.Columns) > 0
	return ts, nil
}

// ApplySchema creates the table or adds and widens columns in one
// transaction.
func (r *Repository) ApplySchema(ctx context.Context, table string, plan schema.Plan) error {
	stmts, err := r.planStatements(ctx, table, plan)
	if err != nil {
		return err
	}
	if len(stmts) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: begin tx: %w", r.d.Name(), err)
	}
	for _, s := range stmts {
		if _, err := tx.ExecContext(ctx, s); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("%s: %s: %w", r.d.Name(), s, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: commit: %w", r.d.Name(), err)
	}
	return nil
}

func (r *Repository) planStatements(ctx context.Context, table string, plan schema.Plan) ([]string, error) {
	var existing schema.TableSchema
	if !plan.CreateTable && len(plan.ColumnsToWiden) > 0 {
		var err error
		if existing, err = r.TableSchema(ctx, table); err != nil {
			return nil, err
		}
	}
	return storage.SchemaStatements(r.d, table, existing, plan)
}

// LookupHashes implements storage.Repository.
func (r *Repository) LookupHashes(ctx context.Context, table string, ids []string) (map[string]string, error) {
	out := make(map[string]string, len(ids))
	for start := 0; start < len(ids); start += lookupChunk {
		end := min(start+lookupChunk, len(ids))
		chunk := ids[start:end]

		marks := make([]string, len(chunk))
		args := make([]any, len(chunk))
		for i, id := range chunk {
			marks[i] = r.d.Placeholder(i + 1)
			args[i] = id
		}
		q := fmt.Sprintf("SELECT %s, %s FROM %s WHERE %s IN (%s)",
			r.d.QuoteIdent(schema.RowIDColumn), r.d.QuoteIdent(schema.RowHashColumn),
			storage.QuoteTable(r.d, table), r.d.QuoteIdent(schema.RowIDColumn), strings.Join(marks, ", "))

		if err := r.scanHashes(ctx, q, args, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *Repository) scanHashes(ctx context.Context, q string, args []any, out map[string]string) error {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("%s: lookup hashes: %w", r.d.Name(), err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, hash string
		if err := rows.Scan(&id, &hash); err != nil {
			return fmt.Errorf("%s: scan hash: %w", r.d.Name(), err)
		}
		out[id] = hash
	}
	return rows.Err()
}

// WriteBatch implements storage.Repository using prepared single-row
// statements inside one transaction.
func (r *Repository) WriteBatch(ctx context.Context, table string, b storage.Batch) error {
	if b.Size() == 0 {
		return nil
	}
	loadedAt := r.d.Bind(normalize.DateValue(b.LoadedAt))

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: begin tx: %w", r.d.Name(), err)
	}
	if err := r.writeTx(ctx, tx, table, b, loadedAt); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: commit: %w", r.d.Name(), err)
	}
	return nil
}

func (r *Repository) writeTx(ctx context.Context, tx *sql.Tx, table string, b storage.Batch, loadedAt any) error {
	if err := InsertRows(ctx, tx, r.d, table, b, loadedAt); err != nil {
		return err
	}
	return UpdateRows(ctx, tx, r.d, table, b, loadedAt)
}

// InsertRows inserts b.Inserts with one prepared statement inside tx.
func InsertRows(ctx context.Context, tx *sql.Tx, d storage.Dialect, table string, b storage.Batch, loadedAt any) error {
	if len(b.Inserts) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, storage.InsertSQL(d, table, b.Columns))
	if err != nil {
		return fmt.Errorf("%s: prepare insert: %w", d.Name(), err)
	}
	defer stmt.Close()
	for _, row := range b.Inserts {
		if _, err := stmt.ExecContext(ctx, storage.InsertArgs(d, row, b.Columns, loadedAt)...); err != nil {
			return fmt.Errorf("%s: insert %s: %w", d.Name(), row.ID, err)
		}
	}
	return nil
}

// UpdateRows updates b.Updates with one prepared statement inside tx.
func UpdateRows(ctx context.Context, tx *sql.Tx, d storage.Dialect, table string, b storage.Batch, loadedAt any) error {
	if len(b.Updates) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, storage.UpdateSQL(d, table, b.Columns))
	if err != nil {
		return fmt.Errorf("%s: prepare update: %w", d.Name(), err)
	}
	defer stmt.Close()
	for _, row := range b.Updates {
		if _, err := stmt.ExecContext(ctx, storage.UpdateArgs(d, row, b.Columns, loadedAt)...); err != nil {
			return fmt.Errorf("%s: update %s: %w", d.Name(), row.ID, err)
		}
	}
	return nil
}

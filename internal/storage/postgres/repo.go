// Package postgres implements a Postgres repository using pgx v5. New rows
// are COPYed straight into the target table and changed rows are updated
// through one pgx.Batch, both inside the batch transaction.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Derrickeee/Data-Jedi/internal/normalize"
	"github.com/Derrickeee/Data-Jedi/internal/schema"
	"github.com/Derrickeee/Data-Jedi/internal/storage"
)

// Config holds Postgres repository configuration.
type Config struct {
	DSN      string // connection string for pgxpool
	MaxConns int32  // pool size; 0 keeps the pgxpool default
}

// Repository is a Postgres-backed implementation of storage.Repository.
type Repository struct {
	pool *pgxpool.Pool
	d    Dialect
}

// NewRepository constructs a Repository and returns a Close function for cleanup.
func NewRepository(ctx context.Context, cfg Config) (*Repository, func(), error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("pgxpool: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, nil, fmt.Errorf("pgxpool: %w", err)
	}
	close := func() { pool.Close() }
	return &Repository{pool: pool}, close, nil
}

// Dialect implements storage.Repository.
func (r *Repository) Dialect() storage.Dialect { return r.d }

// TableSchema reads the table's columns from information_schema.
func (r *Repository) TableSchema(ctx context.Context, table string) (schema.TableSchema, error) {
	q, args := r.d.ColumnsQuery(table)
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return schema.TableSchema{}, fmt.Errorf("postgres: read columns of %s: %w", table, pgErr(err))
	}
	defer rows.Close()

	ts := schema.TableSchema{Table: table}
	for rows.Next() {
		var name, typ string
		if err := rows.Scan(&name, &typ); err != nil {
			return schema.TableSchema{}, fmt.Errorf("postgres: scan column: %w", err)
		}
		ts.Columns = append(ts.Columns, schema.Column{Name: name, Type: r.d.ColumnType(typ), SQLType: typ})
	}
	if err := rows.Err(); err != nil {
		return schema.TableSchema{}, fmt.Errorf("postgres: read columns of %s: %w", table, pgErr(err))
	}
	ts.Exists = len(ts.Columns) > 0
	return ts, nil
}

// ApplySchema runs the plan's DDL in one transaction; Postgres DDL is
// transactional, so a failure leaves the table untouched.
func (r *Repository) ApplySchema(ctx context.Context, table string, plan schema.Plan) error {
	var existing schema.TableSchema
	if !plan.CreateTable && len(plan.ColumnsToWiden) > 0 {
		var err error
		if existing, err = r.TableSchema(ctx, table); err != nil {
			return err
		}
	}
	stmts, err := storage.SchemaStatements(r.d, table, existing, plan)
	if err != nil || len(stmts) == 0 {
		return err
	}
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		for _, s := range stmts {
			if _, err := tx.Exec(ctx, s); err != nil {
				return fmt.Errorf("postgres: %s: %w", s, pgErr(err))
			}
		}
		return nil
	})
}

// LookupHashes implements storage.Repository with one ANY($1) query.
func (r *Repository) LookupHashes(ctx context.Context, table string, ids []string) (map[string]string, error) {
	out := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	q := fmt.Sprintf("SELECT %s, %s FROM %s WHERE %s = ANY($1)",
		pgIdent(schema.RowIDColumn), pgIdent(schema.RowHashColumn), pgFQN(table), pgIdent(schema.RowIDColumn))
	rows, err := r.pool.Query(ctx, q, ids)
	if err != nil {
		return nil, fmt.Errorf("postgres: lookup hashes: %w", pgErr(err))
	}
	defer rows.Close()
	for rows.Next() {
		var id, hash string
		if err := rows.Scan(&id, &hash); err != nil {
			return nil, fmt.Errorf("postgres: scan hash: %w", err)
		}
		out[id] = hash
	}
	return out, rows.Err()
}

// WriteBatch COPYs the inserts and sends the updates as one pgx.Batch, in a
// single transaction.
func (r *Repository) WriteBatch(ctx context.Context, table string, b storage.Batch) error {
	if b.Size() == 0 {
		return nil
	}
	loadedAt := r.d.Bind(normalize.DateValue(b.LoadedAt))

	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if len(b.Inserts) > 0 {
			cols := append(append([]string{}, schema.MetaColumns...), b.Columns...)
			rows := make([][]any, len(b.Inserts))
			for i, row := range b.Inserts {
				rows[i] = storage.InsertArgs(r.d, row, b.Columns, loadedAt)
			}
			if _, err := tx.CopyFrom(ctx, splitFQN(table), cols, pgx.CopyFromRows(rows)); err != nil {
				return fmt.Errorf("postgres: copy into %s: %w", table, pgErr(err))
			}
		}
		if len(b.Updates) == 0 {
			return nil
		}

		q := storage.UpdateSQL(r.d, table, b.Columns)
		batch := &pgx.Batch{}
		for _, row := range b.Updates {
			batch.Queue(q, storage.UpdateArgs(r.d, row, b.Columns, loadedAt)...)
		}
		br := tx.SendBatch(ctx, batch)
		for _, row := range b.Updates {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return fmt.Errorf("postgres: update %s: %w", row.ID, pgErr(err))
			}
		}
		return br.Close()
	})
}

// Exec implements storage.Repository.Exec for Postgres.
func (r *Repository) Exec(ctx context.Context, sql string) error {
	if strings.TrimSpace(sql) == "" {
		return nil
	}
	_, err := r.pool.Exec(ctx, sql)
	return pgErr(err)
}

// pgErr adds the server-side detail and SQLSTATE to pgconn errors.
func pgErr(err error) error {
	var pe *pgconn.PgError
	if errors.As(err, &pe) && pe.Detail != "" {
		return fmt.Errorf("%w (%s, %s)", err, pe.Detail, pe.SQLState())
	}
	return err
}

// pgIdent safely quotes a single identifier segment for Postgres.
func pgIdent(id string) string { return `"` + strings.ReplaceAll(id, `"`, `""`) + `"` }

// pgFQN quotes a possibly schema-qualified name like "public.cpi" to
// "public"."cpi". If no dot is present, returns a single quoted ident.
func pgFQN(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = pgIdent(p)
	}
	return strings.Join(parts, ".")
}

// splitFQN converts "schema.table" into a pgx.Identifier {"schema","table"}.
// If no dot is present, returns {"table"}.
func splitFQN(fqn string) pgx.Identifier {
	parts := strings.Split(fqn, ".")
	id := make(pgx.Identifier, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			id = append(id, p)
		}
	}
	return id
}

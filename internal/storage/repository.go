// Package storage defines the destination contract of the ingestion
// pipeline and a small factory registry for its backends.
//
// A backend registers itself in init (see internal/storage/all) and callers
// obtain a Repository through New without importing the backend package.
// Every backend stores canonical rows in one table per pipeline, keyed by the
// _row_id metadata column, and supports additive schema changes.
package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Derrickeee/Data-Jedi/internal/normalize"
	"github.com/Derrickeee/Data-Jedi/internal/schema"
)

// Config is the backend-agnostic connection configuration.
type Config struct {
	// Kind selects the backend: "postgres", "sqlite", "mysql" or "mssql".
	Kind string
	// DSN is the driver connection string.
	DSN string
	// MaxConns caps the connection pool when > 0.
	MaxConns int
}

// Row is one canonical row ready to be written.
type Row struct {
	ID     string
	Hash   string
	Source string
	Values normalize.Row
}

// Batch is one unit of writing. Inserts and Updates are applied in a single
// transaction.
type Batch struct {
	// Columns lists the data columns written for every row, in table order.
	// A column a row has no value for is written as NULL.
	Columns  []string
	Inserts  []Row
	Updates  []Row
	LoadedAt time.Time
}

// Size returns the number of rows in the batch.
func (b Batch) Size() int { return len(b.Inserts) + len(b.Updates) }

// Repository is the destination table contract shared by all backends.
type Repository interface {
	schema.Applier

	// TableSchema reads the table's columns in table order. A missing table
	// is reported with Exists=false and no error.
	TableSchema(ctx context.Context, table string) (schema.TableSchema, error)

	// LookupHashes returns the stored _row_hash for each of ids that exists.
	LookupHashes(ctx context.Context, table string, ids []string) (map[string]string, error)

	// WriteBatch inserts and updates the batch rows in one transaction.
	WriteBatch(ctx context.Context, table string, b Batch) error

	Dialect() Dialect
	Exec(ctx context.Context, sql string) error
	Close()
}

// Factory creates a Repository for a given Config.
type Factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register associates a backend kind with a factory. Registering a kind again
// replaces the previous factory.
func Register(kind string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	factories[kind] = f
}

// New returns a Repository for cfg.Kind.
func New(ctx context.Context, cfg Config) (Repository, error) {
	mu.RLock()
	f, ok := factories[cfg.Kind]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported storage.kind=%s", cfg.Kind)
	}
	return f(ctx, cfg)
}

// ListKinds returns the registered kinds, sorted.
func ListKinds() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

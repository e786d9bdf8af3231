// Package schema reconciles the canonical column set of a run against the
// destination table.
//
// Evolution is additive: columns are added, and an integer column may be
// widened to float because every stored value stays numerically equal.
// Columns are never dropped or retyped in any other way. An incompatible
// incoming type is a Conflict: the affected values are nulled per row and
// reported as warnings, and loading continues.
package schema

import (
	"context"
	"fmt"
	"log"

	"github.com/Derrickeee/Data-Jedi/internal/normalize"
)

// Metadata columns present on every destination table. Canonical names can
// never start with "_", so they cannot collide.
const (
	RowIDColumn    = "_row_id"
	RowHashColumn  = "_row_hash"
	SourceColumn   = "_source"
	LoadedAtColumn = "_loaded_at"
)

// MetaColumns lists the metadata columns in table order.
var MetaColumns = []string{RowIDColumn, RowHashColumn, SourceColumn, LoadedAtColumn}

// IsMeta reports whether name is a metadata column.
func IsMeta(name string) bool {
	switch name {
	case RowIDColumn, RowHashColumn, SourceColumn, LoadedAtColumn:
		return true
	}
	return false
}

// Column is one column of the destination table.
type Column struct {
	Name string
	// Type is the canonical type the stored SQL type maps to.
	Type normalize.ColumnType
	// SQLType is the type as the database reports it.
	SQLType string
}

// TableSchema is the destination table as read from the database.
type TableSchema struct {
	Table   string
	Exists  bool
	Columns []Column
}

// Lookup returns the column called name.
func (t TableSchema) Lookup(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// Names returns the column names in table order.
func (t TableSchema) Names() []string {
	out := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = c.Name
	}
	return out
}

// Widening changes a column's stored type to a wider one.
type Widening struct {
	Column string
	From   normalize.ColumnType
	To     normalize.ColumnType
}

func (w Widening) String() string {
	return fmt.Sprintf("widen %s %s->%s", w.Column, w.From, w.To)
}

// Conflict is an incoming type the table column cannot hold.
type Conflict struct {
	Column       string
	TableType    normalize.ColumnType
	IncomingType normalize.ColumnType
}

func (c Conflict) Error() string {
	return fmt.Sprintf("schema: column %s is %s in the table but %s in the data; non-conforming values are stored as null",
		c.Column, c.TableType, c.IncomingType)
}

// Plan is the outcome of a reconciliation.
type Plan struct {
	// CreateTable is set when the table does not exist yet.
	CreateTable    bool
	ColumnsToAdd   []normalize.Column
	ColumnsToWiden []Widening
	Conflicts      []Conflict
}

// Empty reports whether the plan changes nothing and has no conflicts.
func (p Plan) Empty() bool {
	return !p.CreateTable && len(p.ColumnsToAdd) == 0 && len(p.ColumnsToWiden) == 0 && len(p.Conflicts) == 0
}

// Alters reports whether applying the plan changes the table.
func (p Plan) Alters() bool {
	return p.CreateTable || len(p.ColumnsToAdd) > 0 || len(p.ColumnsToWiden) > 0
}

// Changes renders the table changes for logs and run summaries.
func (p Plan) Changes() []string {
	var out []string
	if p.CreateTable {
		out = append(out, "create table")
	}
	for _, c := range p.ColumnsToAdd {
		out = append(out, fmt.Sprintf("add %s %s", c.Name, c.Type))
	}
	for _, w := range p.ColumnsToWiden {
		out = append(out, w.String())
	}
	return out
}

// Reconcile compares the canonical columns against the existing table.
// Columns that are still untyped (every value so far was null) are added as
// strings.
func Reconcile(canonical []normalize.Column, existing TableSchema) Plan {
	plan := Plan{CreateTable: !existing.Exists}
	for _, c := range canonical {
		if IsMeta(c.Name) {
			continue
		}
		col, ok := existing.Lookup(c.Name)
		if !ok {
			t := c.Type
			if t == normalize.Null {
				t = normalize.String
			}
			plan.ColumnsToAdd = append(plan.ColumnsToAdd, normalize.Column{Name: c.Name, Type: t})
			continue
		}
		switch {
		case col.Type.Accepts(c.Type):
		case col.Type == normalize.Integer && c.Type == normalize.Float:
			plan.ColumnsToWiden = append(plan.ColumnsToWiden, Widening{Column: c.Name, From: col.Type, To: c.Type})
		default:
			plan.Conflicts = append(plan.Conflicts, Conflict{Column: c.Name, TableType: col.Type, IncomingType: c.Type})
		}
	}
	return plan
}

// WidenOwned returns p with the conflicts on owned columns turned into
// widenings to the narrowest type holding both sides.
func (p Plan) WidenOwned(owned func(column string) bool) Plan {
	if len(p.Conflicts) == 0 {
		return p
	}
	out := p
	out.ColumnsToWiden = append([]Widening(nil), p.ColumnsToWiden...)
	out.Conflicts = nil
	for _, c := range p.Conflicts {
		if !owned(c.Column) {
			out.Conflicts = append(out.Conflicts, c)
			continue
		}
		out.ColumnsToWiden = append(out.ColumnsToWiden, Widening{
			Column: c.Column,
			From:   c.TableType,
			To:     normalize.Widen(c.TableType, c.IncomingType),
		})
	}
	return out
}

// Target returns the column types rows must conform to once the plan is
// applied: the table's types for existing columns (after widening) and the
// added columns' types.
func (p Plan) Target(existing TableSchema) map[string]normalize.ColumnType {
	out := make(map[string]normalize.ColumnType, len(existing.Columns)+len(p.ColumnsToAdd))
	for _, c := range existing.Columns {
		if !IsMeta(c.Name) {
			out[c.Name] = c.Type
		}
	}
	for _, w := range p.ColumnsToWiden {
		out[w.Column] = w.To
	}
	for _, c := range p.ColumnsToAdd {
		out[c.Name] = c.Type
	}
	return out
}

// Applier executes a plan against a table in one transaction.
type Applier interface {
	ApplySchema(ctx context.Context, table string, plan Plan) error
}

// Apply executes the plan's table changes and logs each of them. Conflicts
// are not table changes and are left to a Guard.
func Apply(ctx context.Context, a Applier, table string, plan Plan) error {
	if !plan.Alters() {
		return nil
	}
	if err := a.ApplySchema(ctx, table, plan); err != nil {
		return fmt.Errorf("schema: apply to %s: %w", table, err)
	}
	for _, c := range plan.Changes() {
		log.Printf("schema: table=%s %s", table, c)
	}
	return nil
}

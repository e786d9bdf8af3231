package storage

import (
	"fmt"
	"strings"

	"github.com/Derrickeee/Data-Jedi/internal/ddl"
	"github.com/Derrickeee/Data-Jedi/internal/normalize"
	"github.com/Derrickeee/Data-Jedi/internal/schema"
)

// Dialect captures the SQL differences between backends.
type Dialect interface {
	Name() string

	// QuoteIdent quotes one identifier segment.
	QuoteIdent(id string) string

	// Placeholder returns the bind marker for the n-th argument (1-based).
	Placeholder(n int) string

	// SQLType maps a canonical type to the column type used for new columns.
	SQLType(t normalize.ColumnType) string

	// MetaSQLType returns the column type of a metadata column.
	MetaSQLType(column string) string

	// ColumnType maps a type reported by the database back to a canonical
	// type. Unknown types map to normalize.String.
	ColumnType(sqlType string) normalize.ColumnType

	// Bind converts a value to a driver argument. Null binds as nil.
	Bind(v normalize.Value) any

	// ColumnsQuery returns a query yielding (name, type) rows for table in
	// table order, and its arguments.
	ColumnsQuery(table string) (string, []any)

	// AddColumnSQL renders the statement adding c to table.
	AddColumnSQL(table string, c normalize.Column) (string, error)

	// WidenSQL renders the statements changing the widened columns of a
	// table. after describes the table once the change is done.
	WidenSQL(after schema.TableSchema, widen []schema.Widening) ([]string, error)
}

// QuoteTable quotes a possibly schema-qualified table name.
func QuoteTable(d Dialect, table string) string {
	return ddl.QuoteFQN(table, d.QuoteIdent)
}

// MetaType returns the canonical type of a metadata column.
func MetaType(column string) normalize.ColumnType {
	if column == schema.LoadedAtColumn {
		return normalize.Date
	}
	return normalize.String
}

// TableDef builds the full definition of table: metadata columns first, then
// the data columns. _row_id is the primary key.
func TableDef(d Dialect, table string, cols []schema.Column) ddl.TableDef {
	td := ddl.TableDef{FQN: table, Quote: d.QuoteIdent}
	for _, m := range schema.MetaColumns {
		td.Columns = append(td.Columns, ddl.ColumnDef{
			Name:       m,
			SQLType:    d.MetaSQLType(m),
			Nullable:   m != schema.RowIDColumn && m != schema.RowHashColumn,
			PrimaryKey: m == schema.RowIDColumn,
		})
	}
	for _, c := range cols {
		if schema.IsMeta(c.Name) {
			continue
		}
		typ := c.SQLType
		if typ == "" {
			typ = d.SQLType(c.Type)
		}
		td.Columns = append(td.Columns, ddl.ColumnDef{Name: c.Name, SQLType: typ, Nullable: true})
	}
	return td
}

// CreateTableSQL renders the CREATE TABLE statement for a new destination
// table holding cols.
func CreateTableSQL(d Dialect, table string, cols []normalize.Column) (string, error) {
	sc := make([]schema.Column, len(cols))
	for i, c := range cols {
		sc[i] = schema.Column{Name: c.Name, Type: c.Type}
	}
	return ddl.BuildCreateTableSQL(TableDef(d, table, sc))
}

// PlannedSchema returns the table as it will look once plan is applied.
func PlannedSchema(d Dialect, table string, existing schema.TableSchema, plan schema.Plan) schema.TableSchema {
	out := schema.TableSchema{Table: table, Exists: true}
	if !existing.Exists || plan.CreateTable {
		for _, m := range schema.MetaColumns {
			out.Columns = append(out.Columns, schema.Column{Name: m, Type: MetaType(m), SQLType: d.MetaSQLType(m)})
		}
	} else {
		out.Columns = append(out.Columns, existing.Columns...)
	}
	widened := make(map[string]normalize.ColumnType, len(plan.ColumnsToWiden))
	for _, w := range plan.ColumnsToWiden {
		widened[w.Column] = w.To
	}
	for i, c := range out.Columns {
		if t, ok := widened[c.Name]; ok {
			out.Columns[i] = schema.Column{Name: c.Name, Type: t, SQLType: d.SQLType(t)}
		}
	}
	for _, c := range plan.ColumnsToAdd {
		out.Columns = append(out.Columns, schema.Column{Name: c.Name, Type: c.Type, SQLType: d.SQLType(c.Type)})
	}
	return out
}

// InsertSQL renders a single-row INSERT of the metadata columns followed by
// cols.
func InsertSQL(d Dialect, table string, cols []string) string {
	names := make([]string, 0, len(schema.MetaColumns)+len(cols))
	marks := make([]string, 0, cap(names))
	for i, c := range append(append([]string{}, schema.MetaColumns...), cols...) {
		names = append(names, d.QuoteIdent(c))
		marks = append(marks, d.Placeholder(i+1))
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		QuoteTable(d, table), strings.Join(names, ", "), strings.Join(marks, ", "))
}

// UpdateSQL renders a single-row UPDATE of cols, _row_hash and _loaded_at
// keyed by _row_id. Arguments follow UpdateArgs.
func UpdateSQL(d Dialect, table string, cols []string) string {
	sets := make([]string, 0, len(cols)+2)
	n := 0
	for _, c := range append(append([]string{}, cols...), schema.RowHashColumn, schema.LoadedAtColumn) {
		n++
		sets = append(sets, fmt.Sprintf("%s = %s", d.QuoteIdent(c), d.Placeholder(n)))
	}
	return fmt.Sprintf("UPDATE %s SET %s WHERE %s = %s",
		QuoteTable(d, table), strings.Join(sets, ", "), d.QuoteIdent(schema.RowIDColumn), d.Placeholder(n+1))
}

// InsertArgs returns the arguments of InsertSQL for r.
func InsertArgs(d Dialect, r Row, cols []string, loadedAt any) []any {
	args := make([]any, 0, len(schema.MetaColumns)+len(cols))
	args = append(args, r.ID, r.Hash, r.Source, loadedAt)
	for _, c := range cols {
		args = append(args, d.Bind(r.Values.Get(c)))
	}
	return args
}

// UpdateArgs returns the arguments of UpdateSQL for r.
func UpdateArgs(d Dialect, r Row, cols []string, loadedAt any) []any {
	args := make([]any, 0, len(cols)+3)
	for _, c := range cols {
		args = append(args, d.Bind(r.Values.Get(c)))
	}
	return append(args, r.Hash, loadedAt, r.ID)
}

// SplitTable splits "schema.table" into its parts. schemaName is empty for
// an unqualified name.
func SplitTable(table string) (schemaName, name string) {
	if i := strings.LastIndex(table, "."); i >= 0 {
		return table[:i], table[i+1:]
	}
	return "", table
}

// SchemaStatements renders the DDL applying plan to table. existing is only
// consulted when the plan widens columns.
func SchemaStatements(d Dialect, table string, existing schema.TableSchema, plan schema.Plan) ([]string, error) {
	if plan.CreateTable {
		s, err := CreateTableSQL(d, table, plan.ColumnsToAdd)
		if err != nil {
			return nil, err
		}
		return []string{s}, nil
	}

	var stmts []string
	for _, c := range plan.ColumnsToAdd {
		s, err := d.AddColumnSQL(table, c)
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, s)
	}
	if len(plan.ColumnsToWiden) > 0 {
		ws, err := d.WidenSQL(PlannedSchema(d, table, existing, plan), plan.ColumnsToWiden)
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, ws...)
	}
	return stmts, nil
}

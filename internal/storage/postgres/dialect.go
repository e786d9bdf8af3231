package postgres

import (
	"fmt"
	"strings"

	"github.com/Derrickeee/Data-Jedi/internal/ddl"
	"github.com/Derrickeee/Data-Jedi/internal/normalize"
	"github.com/Derrickeee/Data-Jedi/internal/schema"
	"github.com/Derrickeee/Data-Jedi/internal/storage"
)

// Dialect is the Postgres SQL dialect.
type Dialect struct{}

var _ storage.Dialect = Dialect{}

func (Dialect) Name() string { return "postgres" }

func (Dialect) QuoteIdent(id string) string { return pgIdent(id) }

func (Dialect) Placeholder(n int) string { return fmt.Sprintf("$%d", n) }

func (Dialect) SQLType(t normalize.ColumnType) string {
	switch t {
	case normalize.Integer:
		return "BIGINT"
	case normalize.Float:
		return "DOUBLE PRECISION"
	case normalize.Date:
		return "TIMESTAMPTZ"
	default:
		return "TEXT"
	}
}

func (d Dialect) MetaSQLType(column string) string { return d.SQLType(storage.MetaType(column)) }

// ColumnType maps information_schema.columns.data_type values.
func (Dialect) ColumnType(sqlType string) normalize.ColumnType {
	switch strings.ToLower(strings.TrimSpace(sqlType)) {
	case "bigint", "integer", "smallint", "int8", "int4", "int2":
		return normalize.Integer
	case "double precision", "real", "numeric", "float8", "float4":
		return normalize.Float
	case "date", "timestamp with time zone", "timestamp without time zone", "timestamptz", "timestamp":
		return normalize.Date
	default:
		return normalize.String
	}
}

func (Dialect) Bind(v normalize.Value) any {
	switch v.Type {
	case normalize.Integer:
		return v.Int
	case normalize.Float:
		return v.Float
	case normalize.Date:
		return v.Date
	case normalize.String:
		return v.Str
	default:
		return nil
	}
}

func (Dialect) ColumnsQuery(table string) (string, []any) {
	schemaName, name := storage.SplitTable(table)
	return `SELECT column_name, data_type
FROM information_schema.columns
WHERE table_schema = COALESCE(NULLIF($1, ''), current_schema()) AND table_name = $2
ORDER BY ordinal_position`, []any{schemaName, name}
}

func (d Dialect) AddColumnSQL(table string, c normalize.Column) (string, error) {
	return ddl.BuildAddColumnSQL(table, "ADD COLUMN", ddl.ColumnDef{Name: c.Name, SQLType: d.SQLType(c.Type)}, pgIdent)
}

// WidenSQL changes the column types in place. Widening to DOUBLE PRECISION
// or TEXT needs no USING clause.
func (d Dialect) WidenSQL(after schema.TableSchema, widen []schema.Widening) ([]string, error) {
	out := make([]string, 0, len(widen))
	for _, w := range widen {
		s, err := ddl.BuildAlterColumnTypeSQL(after.Table, "ALTER COLUMN %s TYPE %s",
			ddl.ColumnDef{Name: w.Column, SQLType: d.SQLType(w.To)}, pgIdent)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

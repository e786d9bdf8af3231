package mssql

import (
	"fmt"
	"strings"

	"github.com/Derrickeee/Data-Jedi/internal/ddl"
	"github.com/Derrickeee/Data-Jedi/internal/normalize"
	"github.com/Derrickeee/Data-Jedi/internal/schema"
	"github.com/Derrickeee/Data-Jedi/internal/storage"
)

// Dialect is the SQL Server dialect.
type Dialect struct{}

var _ storage.Dialect = Dialect{}

func (Dialect) Name() string { return "mssql" }

func (Dialect) QuoteIdent(id string) string { return msIdent(id) }

func (Dialect) Placeholder(n int) string { return fmt.Sprintf("@p%d", n) }

func (Dialect) SQLType(t normalize.ColumnType) string {
	switch t {
	case normalize.Integer:
		return "BIGINT"
	case normalize.Float:
		return "FLOAT"
	case normalize.Date:
		return "DATETIME2"
	default:
		return "NVARCHAR(MAX)"
	}
}

// MetaSQLType bounds the key columns; NVARCHAR(MAX) cannot be a primary key.
func (d Dialect) MetaSQLType(column string) string {
	switch column {
	case schema.RowIDColumn, schema.RowHashColumn:
		return "NVARCHAR(64)"
	case schema.SourceColumn:
		return "NVARCHAR(255)"
	}
	return d.SQLType(storage.MetaType(column))
}

// ColumnType maps INFORMATION_SCHEMA.COLUMNS.DATA_TYPE values.
func (Dialect) ColumnType(sqlType string) normalize.ColumnType {
	switch strings.ToLower(strings.TrimSpace(sqlType)) {
	case "bigint", "int", "smallint", "tinyint":
		return normalize.Integer
	case "float", "real", "decimal", "numeric", "money":
		return normalize.Float
	case "datetime2", "datetime", "datetimeoffset", "date", "smalldatetime":
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
	return `SELECT COLUMN_NAME, DATA_TYPE
FROM INFORMATION_SCHEMA.COLUMNS
WHERE TABLE_SCHEMA = COALESCE(NULLIF(@p1, ''), SCHEMA_NAME()) AND TABLE_NAME = @p2
ORDER BY ORDINAL_POSITION`, []any{schemaName, name}
}

func (d Dialect) AddColumnSQL(table string, c normalize.Column) (string, error) {
	return ddl.BuildAddColumnSQL(table, "ADD", ddl.ColumnDef{Name: c.Name, SQLType: d.SQLType(c.Type)}, msIdent)
}

func (d Dialect) WidenSQL(after schema.TableSchema, widen []schema.Widening) ([]string, error) {
	out := make([]string, 0, len(widen))
	for _, w := range widen {
		s, err := ddl.BuildAlterColumnTypeSQL(after.Table, "ALTER COLUMN %s %s NULL",
			ddl.ColumnDef{Name: w.Column, SQLType: d.SQLType(w.To)}, msIdent)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// msIdent safely quotes a SQL Server identifier using [brackets], escaping ].
func msIdent(id string) string { return `[` + strings.ReplaceAll(id, `]`, `]]`) + `]` }

// msFQN quotes a possibly schema-qualified name like "dbo.cpi" to
// "[dbo].[cpi]". If no dot is present, returns a single quoted ident.
func msFQN(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = msIdent(p)
	}
	return strings.Join(parts, ".")
}

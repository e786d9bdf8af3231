package mysql

import (
	"fmt"
	"strings"

	"github.com/Derrickeee/Data-Jedi/internal/ddl"
	"github.com/Derrickeee/Data-Jedi/internal/normalize"
	"github.com/Derrickeee/Data-Jedi/internal/schema"
	"github.com/Derrickeee/Data-Jedi/internal/storage"
)

// Dialect is the MySQL dialect.
type Dialect struct{}

var _ storage.Dialect = Dialect{}

func (Dialect) Name() string { return "mysql" }

func (Dialect) QuoteIdent(id string) string { return myIdent(id) }

func (Dialect) Placeholder(int) string { return "?" }

func (Dialect) SQLType(t normalize.ColumnType) string {
	switch t {
	case normalize.Integer:
		return "BIGINT"
	case normalize.Float:
		return "DOUBLE"
	case normalize.Date:
		return "DATETIME(6)"
	default:
		return "LONGTEXT"
	}
}

// MetaSQLType bounds the key columns; TEXT columns cannot be a primary key
// without a prefix length.
func (d Dialect) MetaSQLType(column string) string {
	switch column {
	case schema.RowIDColumn, schema.RowHashColumn:
		return "VARCHAR(64)"
	case schema.SourceColumn:
		return "VARCHAR(255)"
	}
	return d.SQLType(storage.MetaType(column))
}

// ColumnType maps information_schema.COLUMNS.DATA_TYPE values.
func (Dialect) ColumnType(sqlType string) normalize.ColumnType {
	switch strings.ToLower(strings.TrimSpace(sqlType)) {
	case "bigint", "int", "integer", "mediumint", "smallint", "tinyint":
		return normalize.Integer
	case "double", "float", "decimal", "real":
		return normalize.Float
	case "datetime", "timestamp", "date":
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
	return "SELECT COLUMN_NAME, DATA_TYPE\n" +
		"FROM information_schema.COLUMNS\n" +
		"WHERE TABLE_SCHEMA = COALESCE(NULLIF(?, ''), DATABASE()) AND TABLE_NAME = ?\n" +
		"ORDER BY ORDINAL_POSITION", []any{schemaName, name}
}

func (d Dialect) AddColumnSQL(table string, c normalize.Column) (string, error) {
	return ddl.BuildAddColumnSQL(table, "ADD COLUMN", ddl.ColumnDef{Name: c.Name, SQLType: d.SQLType(c.Type)}, myIdent)
}

// WidenSQL uses MODIFY COLUMN. MySQL commits DDL implicitly, so a widening
// is not rolled back with the rest of the plan.
func (d Dialect) WidenSQL(after schema.TableSchema, widen []schema.Widening) ([]string, error) {
	out := make([]string, 0, len(widen))
	for _, w := range widen {
		s, err := ddl.BuildAlterColumnTypeSQL(after.Table, "MODIFY COLUMN %s %s",
			ddl.ColumnDef{Name: w.Column, SQLType: d.SQLType(w.To)}, myIdent)
		if err != nil {
			return nil, fmt.Errorf("mysql: %w", err)
		}
		out = append(out, s)
	}
	return out, nil
}

// myIdent backtick-quotes an identifier, doubling embedded backticks.
func myIdent(id string) string { return "`" + strings.ReplaceAll(id, "`", "``") + "`" }

// myFQN quotes each segment of a dotted name.
func myFQN(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = myIdent(p)
	}
	return strings.Join(parts, ".")
}

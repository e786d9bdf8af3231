package sqlite

import (
	"fmt"
	"strings"

	"github.com/Derrickeee/Data-Jedi/internal/ddl"
	"github.com/Derrickeee/Data-Jedi/internal/normalize"
	"github.com/Derrickeee/Data-Jedi/internal/schema"
	"github.com/Derrickeee/Data-Jedi/internal/storage"
)

// Dialect is the SQLite SQL dialect.
type Dialect struct{}

var _ storage.Dialect = Dialect{}

func (Dialect) Name() string { return "sqlite" }

// QuoteIdent quotes a single identifier segment, e.g. weird"name => "weird""name".
func (Dialect) QuoteIdent(id string) string { return quoteIdent(id) }

func (Dialect) Placeholder(int) string { return "?" }

// SQLType maps a canonical type onto a SQLite column type. Dates are
// declared DATE (NUMERIC affinity) and stored as ISO-8601 text.
func (Dialect) SQLType(t normalize.ColumnType) string {
	switch t {
	case normalize.Integer:
		return "INTEGER"
	case normalize.Float:
		return "REAL"
	case normalize.Date:
		return "DATE"
	default:
		return "TEXT"
	}
}

func (d Dialect) MetaSQLType(column string) string { return d.SQLType(storage.MetaType(column)) }

// ColumnType maps a declared type back to a column type. Date and time
// names come first so DATETIME is not read as an integer, and integer names
// are matched whole so POINT or INTERVAL stay strings.
func (Dialect) ColumnType(sqlType string) normalize.ColumnType {
	t := strings.ToUpper(strings.TrimSpace(sqlType))
	if i := strings.IndexByte(t, '('); i >= 0 {
		t = strings.TrimSpace(t[:i])
	}
	switch {
	case strings.Contains(t, "DATE"), strings.Contains(t, "TIME"):
		return normalize.Date
	case integerTypes[t]:
		return normalize.Integer
	case strings.Contains(t, "REAL"), strings.Contains(t, "FLOA"), strings.Contains(t, "DOUB"),
		strings.Contains(t, "NUMERIC"), strings.Contains(t, "DECIMAL"):
		return normalize.Float
	default:
		return normalize.String
	}
}

var integerTypes = map[string]bool{
	"INT": true, "INTEGER": true, "TINYINT": true, "SMALLINT": true, "MEDIUMINT": true,
	"BIGINT": true, "UNSIGNED BIG INT": true, "INT2": true, "INT8": true,
}

func (Dialect) Bind(v normalize.Value) any {
	switch v.Type {
	case normalize.Integer:
		return v.Int
	case normalize.Float:
		return v.Float
	case normalize.Date:
		return v.Text()
	case normalize.String:
		return v.Str
	default:
		return nil
	}
}

func (Dialect) ColumnsQuery(table string) (string, []any) {
	schemaName, name := storage.SplitTable(table)
	if schemaName == "" {
		schemaName = "main"
	}
	return "SELECT name, type FROM pragma_table_info(?, ?) ORDER BY cid", []any{name, schemaName}
}

func (d Dialect) AddColumnSQL(table string, c normalize.Column) (string, error) {
	return ddl.BuildAddColumnSQL(table, "ADD COLUMN", ddl.ColumnDef{Name: c.Name, SQLType: d.SQLType(c.Type)}, quoteIdent)
}

// WidenSQL rebuilds the table, since SQLite cannot change a column type in
// place. Rows are copied into a table with the widened declaration (REAL
// or TEXT affinity converts stored values), then the new table replaces the
// old.
func (d Dialect) WidenSQL(after schema.TableSchema, widen []schema.Widening) ([]string, error) {
	if len(widen) == 0 {
		return nil, nil
	}
	schemaName, name := storage.SplitTable(after.Table)
	tmp := name + "__widen"
	tmpFQN := tmp
	if schemaName != "" {
		tmpFQN = schemaName + "." + tmp
	}

	create, err := ddl.BuildCreateTableSQL(storage.TableDef(d, tmpFQN, after.Columns))
	if err != nil {
		return nil, fmt.Errorf("sqlite: widen %s: %w", after.Table, err)
	}
	cols := make([]string, len(after.Columns))
	for i, c := range after.Columns {
		cols[i] = quoteIdent(c.Name)
	}
	colList := strings.Join(cols, ", ")
	return []string{
		create,
		fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s", quoteFQN(tmpFQN), colList, colList, quoteFQN(after.Table)),
		fmt.Sprintf("DROP TABLE %s", quoteFQN(after.Table)),
		fmt.Sprintf("ALTER TABLE %s RENAME TO %s", quoteFQN(tmpFQN), quoteIdent(name)),
	}, nil
}

// quoteIdent quotes a single identifier segment for SQLite.
func quoteIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

// quoteFQN quotes a possibly schema-qualified name like "main.events".
func quoteFQN(name string) string { return ddl.QuoteFQN(name, quoteIdent) }

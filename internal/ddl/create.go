// Package ddl defines a small, backend-agnostic model for SQL DDL and helpers
// to render CREATE TABLE and ALTER TABLE statements from that model.
//
// The package does not assume a SQL dialect. In particular, it:
//
//   - Quotes identifiers only through TableDef.Quote (verbatim when nil).
//   - Does not insert dialect-specific clauses such as IF NOT EXISTS.
//   - Treats ColumnDef.Default as raw SQL (the caller is responsible for
//     safety and dialect correctness).
//
// Storage dialects supply the quoting function and the keyword differences
// (ADD vs ADD COLUMN, MODIFY vs ALTER COLUMN ... TYPE).
package ddl

import (
	"fmt"
	"strings"
)

// BuildCreateTableSQL renders a generic CREATE TABLE statement from a TableDef.
//
// Rules:
//
//   - t.FQN must be non-empty; it is quoted per segment with t.Quote.
//
//   - Each column must have a non-empty Name and SQLType.
//
//   - A column is rendered as:
//
//     <Name> <SQLType> [NOT NULL] [DEFAULT <Default>]
//
//     where NOT NULL is added when Nullable == false.
//
//   - Columns with PrimaryKey == true are collected and rendered as a separate
//     PRIMARY KEY (<col1>, <col2>, ...) clause at the end of the column list.
//
//   - The resulting statement has the form:
//
//     CREATE TABLE <FQN> (
//     <col1-def>,
//     <col2-def>,
//     ...,
//     [PRIMARY KEY (<pk-cols>)]
//     );
//
func BuildCreateTableSQL(t TableDef) (string, error) {
	fqn := strings.TrimSpace(t.FQN)
	if fqn == "" {
		return "", fmt.Errorf("ddl: table FQN must not be empty")
	}
	if len(t.Columns) == 0 {
		return "", fmt.Errorf("ddl: at least one column is required")
	}

	cols := make([]string, 0, len(t.Columns)+1)
	pks := make([]string, 0, len(t.Columns))

	for _, c := range t.Columns {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			return "", fmt.Errorf("ddl: column with empty name in table %s", fqn)
		}
		typ := strings.TrimSpace(c.SQLType)
		if typ == "" {
			return "", fmt.Errorf("ddl: column %s missing SQLType", name)
		}

		var sb strings.Builder
		sb.WriteString(quote(t.Quote, name))
		sb.WriteByte(' ')
		sb.WriteString(typ)

		if !c.Nullable {
			sb.WriteString(" NOT NULL")
		}

		if def := strings.TrimSpace(c.Default); def != "" {
			sb.WriteString(" DEFAULT ")
			// Default is emitted as raw SQL expression.
			sb.WriteString(def)
		}

		cols = append(cols, sb.String())

		if c.PrimaryKey {
			pks = append(pks, quote(t.Quote, name))
		}
	}

	if len(pks) > 0 {
		cols = append(cols, fmt.Sprintf("PRIMARY KEY (%s)", strings.Join(pks, ", ")))
	}

	stmt := fmt.Sprintf(
		"CREATE TABLE %s (\n  %s\n);",
		QuoteFQN(fqn, t.Quote),
		strings.Join(cols, ",\n  "),
	)

	return stmt, nil
}

// BuildAddColumnSQL renders "ALTER TABLE <fqn> <addKeyword> <col> <type>".
// addKeyword is "ADD COLUMN" for most dialects and "ADD" for SQL Server.
// Added columns are always nullable.
func BuildAddColumnSQL(fqn, addKeyword string, c ColumnDef, q func(string) string) (string, error) {
	name := strings.TrimSpace(c.Name)
	typ := strings.TrimSpace(c.SQLType)
	if name == "" || typ == "" {
		return "", fmt.Errorf("ddl: add column to %s: name and SQLType are required", fqn)
	}
	return fmt.Sprintf("ALTER TABLE %s %s %s %s", QuoteFQN(strings.TrimSpace(fqn), q), addKeyword, quote(q, name), typ), nil
}

// BuildAlterColumnTypeSQL renders a column type change. format receives the
// quoted column name and the SQL type, e.g. "ALTER COLUMN %s TYPE %s"
// (Postgres), "MODIFY COLUMN %s %s" (MySQL) or "ALTER COLUMN %s %s NULL"
// (SQL Server).
func BuildAlterColumnTypeSQL(fqn, format string, c ColumnDef, q func(string) string) (string, error) {
	name := strings.TrimSpace(c.Name)
	typ := strings.TrimSpace(c.SQLType)
	if name == "" || typ == "" {
		return "", fmt.Errorf("ddl: alter column of %s: name and SQLType are required", fqn)
	}
	return fmt.Sprintf("ALTER TABLE %s ", QuoteFQN(strings.TrimSpace(fqn), q)) + fmt.Sprintf(format, quote(q, name), typ), nil
}

func quote(q func(string) string, id string) string {
	if q == nil {
		return id
	}
	return q(id)
}

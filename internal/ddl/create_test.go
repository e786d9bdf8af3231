package ddl

import (
	"strconv"
	"strings"
	"testing"
)

// TestBuildCreateTableSQL checks the rendered statement for destination
// tables and the errors for malformed definitions.
func TestBuildCreateTableSQL(t *testing.T) {
	t.Parallel()

	meta := []ColumnDef{
		{Name: "_row_id", SQLType: "TEXT", PrimaryKey: true},
		{Name: "_row_hash", SQLType: "TEXT"},
		{Name: "_loaded_at", SQLType: "TIMESTAMPTZ", Nullable: true},
	}

	tests := []struct {
		name        string
		def         TableDef
		wantSQL     string
		errContains string
	}{
		{
			name:        "empty FQN",
			def:         TableDef{Columns: meta},
			errContains: "table FQN must not be empty",
		},
		{
			name:        "no columns",
			def:         TableDef{FQN: "public.cpi"},
			errContains: "at least one column is required",
		},
		{
			name:        "column without name",
			def:         TableDef{FQN: "cpi", Columns: []ColumnDef{{SQLType: "TEXT"}}},
			errContains: "column with empty name",
		},
		{
			name:        "column without type",
			def:         TableDef{FQN: "cpi", Columns: []ColumnDef{{Name: "value"}}},
			errContains: "missing SQLType",
		},
		{
			name: "metadata and data columns",
			def: TableDef{
				FQN:     "public.cpi",
				Columns: append(append([]ColumnDef{}, meta...), ColumnDef{Name: "value", SQLType: "DOUBLE PRECISION", Nullable: true}),
			},
			wantSQL: "CREATE TABLE public.cpi (\n  _row_id TEXT NOT NULL,\n  _row_hash TEXT NOT NULL,\n  _loaded_at TIMESTAMPTZ,\n  value DOUBLE PRECISION,\n  PRIMARY KEY (_row_id)\n);",
		},
		{
			name: "composite key and default",
			def: TableDef{
				FQN: "runs",
				Columns: []ColumnDef{
					{Name: "job", SQLType: "TEXT", PrimaryKey: true},
					{Name: "run_id", SQLType: "TEXT", PrimaryKey: true},
					{Name: "status", SQLType: "TEXT", Default: "'Idle'"},
				},
			},
			wantSQL: "CREATE TABLE runs (\n  job TEXT NOT NULL,\n  run_id TEXT NOT NULL,\n  status TEXT NOT NULL DEFAULT 'Idle',\n  PRIMARY KEY (job, run_id)\n);",
		},
		{
			name: "whitespace is trimmed",
			def: TableDef{
				FQN:     "  stats.cpi  ",
				Columns: []ColumnDef{{Name: "  series  ", SQLType: "  TEXT  ", Nullable: true, Default: "  ''  "}},
			},
			wantSQL: "CREATE TABLE stats.cpi (\n  series TEXT DEFAULT ''\n);",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := BuildCreateTableSQL(tt.def)
			if tt.errContains != "" {
				if err == nil || !strings.Contains(err.Error(), tt.errContains) {
					t.Fatalf("BuildCreateTableSQL() error = %v, want %q", err, tt.errContains)
				}
				return
			}
			if err != nil {
				t.Fatalf("BuildCreateTableSQL() unexpected error = %v", err)
			}
			if got != tt.wantSQL {
				t.Fatalf("BuildCreateTableSQL() =\n%s\nwant:\n%s", got, tt.wantSQL)
			}
		})
	}
}

func dq(id string) string { return `"` + strings.ReplaceAll(id, `"`, `""`) + `"` }

// TestBuildCreateTableSQL_Quoted verifies identifiers are quoted per segment
// when a quoting function is supplied.
func TestBuildCreateTableSQL_Quoted(t *testing.T) {
	t.Parallel()

	got, err := BuildCreateTableSQL(TableDef{
		FQN: "public.cpi",
		Columns: []ColumnDef{
			{Name: "_row_id", SQLType: "TEXT", PrimaryKey: true},
			{Name: `we"ird`, SQLType: "BIGINT", Nullable: true},
		},
		Quote: dq,
	})
	if err != nil {
		t.Fatalf("BuildCreateTableSQL() error = %v", err)
	}
	want := "CREATE TABLE \"public\".\"cpi\" (\n  \"_row_id\" TEXT NOT NULL,\n  \"we\"\"ird\" BIGINT,\n  PRIMARY KEY (\"_row_id\")\n);"
	if got != want {
		t.Fatalf("BuildCreateTableSQL() =\n%s\nwant:\n%s", got, want)
	}
}

// TestBuildAlterSQL covers the ADD and type-change renderers.
func TestBuildAlterSQL(t *testing.T) {
	t.Parallel()

	add, err := BuildAddColumnSQL("t", "ADD COLUMN", ColumnDef{Name: "region", SQLType: "TEXT"}, dq)
	if err != nil {
		t.Fatalf("BuildAddColumnSQL() error = %v", err)
	}
	if want := `ALTER TABLE "t" ADD COLUMN "region" TEXT`; add != want {
		t.Fatalf("BuildAddColumnSQL() = %q, want %q", add, want)
	}

	alt, err := BuildAlterColumnTypeSQL("s.t", "ALTER COLUMN %s TYPE %s", ColumnDef{Name: "val", SQLType: "DOUBLE PRECISION"}, dq)
	if err != nil {
		t.Fatalf("BuildAlterColumnTypeSQL() error = %v", err)
	}
	if want := `ALTER TABLE "s"."t" ALTER COLUMN "val" TYPE DOUBLE PRECISION`; alt != want {
		t.Fatalf("BuildAlterColumnTypeSQL() = %q, want %q", alt, want)
	}

	if _, err := BuildAddColumnSQL("t", "ADD", ColumnDef{Name: "x"}, dq); err == nil {
		t.Fatalf("BuildAddColumnSQL() without type: want error")
	}
}

// benchmarkSink is a package-level variable used to prevent the compiler from
// optimizing away the results of BuildCreateTableSQL in benchmarks.
var benchmarkSink string

func BenchmarkBuildCreateTableSQL(b *testing.B) {
	cols := []ColumnDef{{Name: "_row_id", SQLType: "TEXT", PrimaryKey: true}}
	for i := 0; i < 64; i++ {
		cols = append(cols, ColumnDef{Name: "col_" + strconv.Itoa(i), SQLType: "TEXT", Nullable: true})
	}
	def := TableDef{FQN: "public.wide", Columns: cols, Quote: dq}

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		sql, err := BuildCreateTableSQL(def)
		if err != nil {
			b.Fatalf("BuildCreateTableSQL() error = %v", err)
		}
		benchmarkSink = sql
	}
}

// Package probe samples the first pages of a dataset and reports the columns
// the pipeline would infer for it, together with the DDL a run would apply
// to the destination table. Nothing is written.
//
// It is meant for bootstrapping a new job: point it at a source, check the
// inferred types, then adjust normalize.rename or null_tokens before the
// first real run.
package probe

import (
	"context"
	"fmt"
	"io"
	"iter"
	"text/tabwriter"

	"github.com/Derrickeee/Data-Jedi/internal/datasource"
	"github.com/Derrickeee/Data-Jedi/internal/normalize"
	"github.com/Derrickeee/Data-Jedi/internal/schema"
	"github.com/Derrickeee/Data-Jedi/internal/storage"
)

// DefaultPages is the number of pages sampled when Options.Pages is zero.
const DefaultPages = 1

// Fetcher yields the raw pages of a dataset.
type Fetcher interface {
	Fetch(ctx context.Context, src datasource.DatasetSource) iter.Seq2[datasource.RawPage, error]
}

// Target is the destination the DDL is rendered for. Only its schema is
// read.
type Target interface {
	TableSchema(ctx context.Context, table string) (schema.TableSchema, error)
	Dialect() storage.Dialect
}

// Options control the sampling.
type Options struct {
	Table     string
	Normalize normalize.Options
	// Pages to sample.
	Pages int
}

// ColumnStat describes one inferred column.
type ColumnStat struct {
	normalize.Column
	SQLType string
	// Nulls counts the sampled rows without a value for the column.
	Nulls int
	// Example is the first non-null value seen, as text.
	Example string
}

// Report is the outcome of a probe.
type Report struct {
	DatasetID string
	Table     string
	Dialect   string
	Pages     int
	Records   int
	Columns   []ColumnStat

	Existing   schema.TableSchema
	Plan       schema.Plan
	Statements []string
	Warnings   []string
}

// Probe fetches up to opt.Pages pages of src, normalizes them and plans the
// schema change against t.
func Probe(ctx context.Context, f Fetcher, t Target, src datasource.DatasetSource, opt Options) (Report, error) {
	pages := opt.Pages
	if pages <= 0 {
		pages = DefaultPages
	}
	src.MaxPages = pages

	d := t.Dialect()
	rep := Report{DatasetID: src.DatasetID, Table: opt.Table, Dialect: d.Name()}

	norm := normalize.New(opt.Normalize)
	var rows []normalize.Row
	for page, err := range f.Fetch(ctx, src) {
		if err != nil {
			return rep, err
		}
		res, err := norm.Normalize(page.Records)
		if err != nil {
			return rep, fmt.Errorf("probe: page %d: %w", page.Number, err)
		}
		rep.Pages++
		rep.Records += len(page.Records)
		rep.Warnings = append(rep.Warnings, res.Warnings...)
		rows = append(rows, res.Rows...)
	}

	cols := norm.Columns()
	for _, c := range cols.All() {
		st := ColumnStat{Column: c, SQLType: d.SQLType(c.Type)}
		for _, r := range rows {
			v := r.Get(c.Name)
			if v.IsNull() {
				st.Nulls++
				continue
			}
			if st.Example == "" {
				st.Example = v.Text()
			}
		}
		rep.Columns = append(rep.Columns, st)
	}
	if rep.Records == 0 {
		return rep, nil
	}

	existing, err := t.TableSchema(ctx, opt.Table)
	if err != nil {
		return rep, fmt.Errorf("probe: read schema of %s: %w", opt.Table, err)
	}
	rep.Existing = existing
	rep.Plan = schema.Reconcile(cols.All(), existing)
	for _, c := range rep.Plan.Conflicts {
		rep.Warnings = append(rep.Warnings, c.Error())
	}
	rep.Statements, err = storage.SchemaStatements(d, opt.Table, existing, rep.Plan)
	if err != nil {
		return rep, fmt.Errorf("probe: render ddl: %w", err)
	}
	return rep, nil
}

// Write prints the report as a column table followed by the DDL.
func (r Report) Write(w io.Writer) error {
	fmt.Fprintf(w, "dataset=%s table=%s dialect=%s pages=%d records=%d\n\n",
		r.DatasetID, r.Table, r.Dialect, r.Pages, r.Records)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "COLUMN\tTYPE\tSQL TYPE\tNULLS\tEXAMPLE")
	for _, c := range r.Columns {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", c.Name, c.Type, c.SQLType, c.Nulls, truncate(c.Example, 40))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(w)
	switch {
	case r.Records == 0:
		fmt.Fprintln(w, "-- no records sampled")
	case len(r.Statements) == 0:
		fmt.Fprintf(w, "-- %s is up to date\n", r.Table)
	default:
		for _, s := range r.Statements {
			fmt.Fprintf(w, "%s;\n", s)
		}
	}
	for _, msg := range r.Warnings {
		fmt.Fprintf(w, "-- warning: %s\n", msg)
	}
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// Package normalize turns raw API records into canonical typed rows.
//
// A Normalizer is stateful for the length of one run: it accumulates the
// run's column set, which only ever grows or widens. Each page is typed as
// a whole (a field is an integer only if every non-null value in the page
// is), the page types are merged into the accumulated set, and every value
// is coerced to the accumulated type of its column.
package normalize

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Options configures a Normalizer.
type Options struct {
	// NullTokens replaces DefaultNullTokens when non-nil.
	NullTokens []string
	// DateLayouts replaces DefaultDateLayouts when non-empty.
	DateLayouts []string
	// Rename maps a canonical name to another one. Both sides are folded.
	Rename map[string]string
	// StaticColumns are added to every record that lacks them.
	StaticColumns map[string]string
}

// NormalizationError reports a record that could not be typed at all.
type NormalizationError struct {
	Record map[string]any
	Reason string
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("normalize: %s (record %v)", e.Reason, e.Record)
}

// Change describes a column added or widened by a page.
type Change struct {
	Column string
	From   ColumnType
	To     ColumnType
	Added  bool
}

func (c Change) String() string {
	if c.Added {
		return fmt.Sprintf("add %s %s", c.Column, c.To)
	}
	return fmt.Sprintf("widen %s %s->%s", c.Column, c.From, c.To)
}

// Result is the outcome of normalizing one page.
type Result struct {
	// Rows has exactly one row per input record, in input order.
	Rows []Row
	// Columns is the accumulated column set after this page.
	Columns []Column
	Changes []Change
	// Warnings are non-fatal observations, such as name collisions.
	Warnings []string
}

// Normalizer normalizes the pages of one run. It is not safe for
// concurrent use.
type Normalizer struct {
	cls     classifier
	rename  map[string]string
	static  map[string]string
	columns Columns
	names   map[string]string
}

// New returns a Normalizer with an empty column set.
func New(opts Options) *Normalizer {
	n := &Normalizer{
		cls:    newClassifier(opts.NullTokens, opts.DateLayouts),
		rename: map[string]string{},
		static: map[string]string{},
		names:  map[string]string{},
	}
	for k, v := range opts.Rename {
		n.rename[FoldName(k)] = FoldName(v)
	}
	for k, v := range opts.StaticColumns {
		n.static[n.canonicalName(k)] = v
	}
	return n
}

// Columns returns a copy of the accumulated column set.
func (n *Normalizer) Columns() Columns { return n.columns.Clone() }

func (n *Normalizer) canonicalName(raw string) string {
	if c, ok := n.names[raw]; ok {
		return c
	}
	c := FoldName(raw)
	if r, ok := n.rename[c]; ok {
		c = r
	}
	n.names[raw] = c
	return c
}

// Normalize types one page of records against the accumulated column set.
func (n *Normalizer) Normalize(records []map[string]any) (Result, error) {
	var res Result
	typed := make([]map[string]Value, len(records))
	pageTypes := map[string]ColumnType{}
	var pageOrder []string

	for i, rec := range records {
		flat := map[string]any{}
		flatten("", rec, flat)

		keys := make([]string, 0, len(flat))
		for k := range flat {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		vals := make(map[string]Value, len(keys)+len(n.static))
		source := make(map[string]string, len(keys))
		for _, k := range keys {
			name := n.canonicalName(k)
			if prev, dup := source[name]; dup {
				res.Warnings = append(res.Warnings,
					fmt.Sprintf("record %d: fields %q and %q both map to column %q; keeping %q", i, prev, k, name, prev))
				continue
			}
			source[name] = k
			v, ok := n.cls.classify(flat[k])
			if !ok {
				return Result{}, &NormalizationError{
					Record: rec,
					Reason: fmt.Sprintf("field %q has unsupported type %T", k, flat[k]),
				}
			}
			vals[name] = v
		}
		for name, raw := range n.static {
			if _, ok := vals[name]; ok {
				continue
			}
			vals[name] = n.cls.classifyText(raw)
		}

		for name, v := range vals {
			t, seen := pageTypes[name]
			if !seen {
				pageOrder = append(pageOrder, name)
			}
			pageTypes[name] = Widen(t, v.Type)
		}
		typed[i] = vals
	}

	sort.Strings(pageOrder)
	for _, name := range pageOrder {
		before, existed := n.columns.Lookup(name)
		added, widened := n.columns.Merge(Column{Name: name, Type: pageTypes[name]})
		after, _ := n.columns.Lookup(name)
		switch {
		case added:
			res.Changes = append(res.Changes, Change{Column: name, To: after.Type, Added: true})
		case widened && existed:
			res.Changes = append(res.Changes, Change{Column: name, From: before.Type, To: after.Type})
		}
	}

	res.Rows = make([]Row, len(typed))
	for i, vals := range typed {
		row, err := n.coerce(vals)
		if err != nil {
			return Result{}, &NormalizationError{Record: records[i], Reason: err.Error()}
		}
		res.Rows[i] = row
	}
	res.Columns = n.columns.All()
	return res, nil
}

func (n *Normalizer) coerce(vals map[string]Value) (Row, error) {
	row := make(Row, len(vals))
	for name, v := range vals {
		col, ok := n.columns.Lookup(name)
		if !ok {
			return nil, fmt.Errorf("column %q missing from the accumulated set", name)
		}
		cv, ok := v.Coerce(col.Type)
		if !ok {
			return nil, fmt.Errorf("column %q: cannot coerce %s to %s", name, v.Type, col.Type)
		}
		if !cv.IsNull() {
			row[name] = cv
		}
	}
	return row, nil
}

// CoerceRow converts row to the types in cols, typically the final column
// set of a run. It fails only if cols is narrower than the row's values.
func CoerceRow(row Row, cols *Columns) (Row, error) {
	out := make(Row, len(row))
	for name, v := range row {
		col, ok := cols.Lookup(name)
		if !ok {
			return nil, fmt.Errorf("normalize: column %q not in column set", name)
		}
		cv, ok := v.Coerce(col.Type)
		if !ok {
			return nil, fmt.Errorf("normalize: column %q: cannot coerce %s to %s", name, v.Type, col.Type)
		}
		if !cv.IsNull() {
			out[name] = cv
		}
	}
	return out, nil
}

// flatten copies rec into out, joining nested object keys with "_".
// Arrays are kept as their JSON text.
func flatten(prefix string, rec map[string]any, out map[string]any) {
	for k, v := range rec {
		key := k
		if prefix != "" {
			key = prefix + "_" + k
		}
		switch x := v.(type) {
		case map[string]any:
			flatten(key, x, out)
		case []any:
			b, err := json.Marshal(x)
			if err != nil {
				out[key] = fmt.Sprint(x)
				continue
			}
			out[key] = string(b)
		default:
			out[key] = v
		}
	}
}

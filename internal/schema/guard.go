package schema

import (
	"fmt"
	"sort"

	"github.com/Derrickeee/Data-Jedi/internal/normalize"
)

// Guard makes rows conform to the table's column types. Values of a
// conflicting column are re-parsed and kept when the table type can hold
// them; otherwise they are nulled and counted.
type Guard struct {
	target    map[string]normalize.ColumnType
	conflicts map[string]Conflict
	nulled    map[string]int
}

// NewGuard builds a Guard for rows loaded after plan is applied to existing.
func NewGuard(plan Plan, existing TableSchema) *Guard {
	g := &Guard{
		target:    plan.Target(existing),
		conflicts: make(map[string]Conflict, len(plan.Conflicts)),
		nulled:    map[string]int{},
	}
	for _, c := range plan.Conflicts {
		g.conflicts[c.Column] = c
	}
	return g
}

// Conform returns row with every value coerced to its target type. The input
// row is not modified.
func (g *Guard) Conform(row normalize.Row) normalize.Row {
	out := make(normalize.Row, len(row))
	for name, v := range row {
		t, ok := g.target[name]
		if !ok {
			out[name] = v
			continue
		}
		if cv, ok := v.Coerce(t); ok {
			if !cv.IsNull() {
				out[name] = cv
			}
			continue
		}
		// Incompatible: try the value's text against the table type.
		if pv := normalize.ParseText(v.Text()); t.Accepts(pv.Type) {
			if cv, ok := pv.Coerce(t); ok && !cv.IsNull() {
				out[name] = cv
				continue
			}
		}
		g.nulled[name]++
	}
	return out
}

// Nulled returns how many values per column were nulled so far.
func (g *Guard) Nulled() map[string]int {
	out := make(map[string]int, len(g.nulled))
	for k, v := range g.nulled {
		out[k] = v
	}
	return out
}

// Warnings renders one message per conflicting column.
func (g *Guard) Warnings() []string {
	conflicts := make([]Conflict, 0, len(g.conflicts))
	for _, c := range g.conflicts {
		conflicts = append(conflicts, c)
	}
	return ConflictWarnings(conflicts, g.nulled)
}

// Conflicts returns the conflicts the Guard resolves.
func (g *Guard) Conflicts() []Conflict {
	out := make([]Conflict, 0, len(g.conflicts))
	for _, c := range g.conflicts {
		out = append(out, c)
	}
	return out
}

// ConflictWarnings renders one message per conflicting column, sorted by
// column, with the number of values nulled for it.
func ConflictWarnings(conflicts []Conflict, nulled map[string]int) []string {
	byName := make(map[string]Conflict, len(conflicts))
	for _, c := range conflicts {
		byName[c.Column] = c
	}
	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, fmt.Sprintf("%v (%d values nulled)", byName[name], nulled[name]))
	}
	return out
}

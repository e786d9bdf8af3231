package normalize

import (
	"strconv"
	"time"
)

// ColumnType is the inferred type of a canonical column.
//
// The types form a lattice: Null < Integer < Float < String and
// Null < Date < String. Joining Date with a numeric type gives String.
type ColumnType int

const (
	Null ColumnType = iota
	Integer
	Float
	Date
	String
)

var typeNames = [...]string{"null", "integer", "float", "date", "string"}

func (t ColumnType) String() string {
	if t < Null || t > String {
		return "ColumnType(" + strconv.Itoa(int(t)) + ")"
	}
	return typeNames[t]
}

// ParseColumnType is the inverse of String.
func ParseColumnType(s string) (ColumnType, bool) {
	for i, n := range typeNames {
		if n == s {
			return ColumnType(i), true
		}
	}
	return Null, false
}

// Widen returns the narrowest type that holds both a and b.
func Widen(a, b ColumnType) ColumnType {
	switch {
	case a == b:
		return a
	case a == Null:
		return b
	case b == Null:
		return a
	case a == String || b == String:
		return String
	case a == Date || b == Date:
		return String
	default:
		// Integer and Float.
		return Float
	}
}

// Accepts reports whether values of type in can be stored in a column of
// type t without loss.
func (t ColumnType) Accepts(in ColumnType) bool {
	return Widen(t, in) == t
}

// Value is a typed scalar. The zero Value is null.
type Value struct {
	Type  ColumnType
	Int   int64
	Float float64
	Date  time.Time
	Str   string
	// Raw is the source text a number or date was parsed from, set only
	// when it differs from Text. Coercing to String keeps it.
	Raw string
}

// IsNull reports whether v holds no value.
func (v Value) IsNull() bool { return v.Type == Null }

// IntValue returns an Integer value.
func IntValue(i int64) Value { return Value{Type: Integer, Int: i} }

// FloatValue returns a Float value.
func FloatValue(f float64) Value { return Value{Type: Float, Float: f} }

// DateValue returns a Date value normalized to UTC.
func DateValue(t time.Time) Value { return Value{Type: Date, Date: t.UTC()} }

// StringValue returns a String value.
func StringValue(s string) Value { return Value{Type: String, Str: s} }

// Text renders v in a canonical form. Numbers use the shortest
// representation, so an integer and the same value widened to float render
// identically ("10"). Dates at midnight UTC render as 2006-01-02.
func (v Value) Text() string {
	switch v.Type {
	case Integer:
		return strconv.FormatInt(v.Int, 10)
	case Float:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case Date:
		if v.Date.Equal(v.Date.Truncate(24 * time.Hour)) {
			return v.Date.Format(time.DateOnly)
		}
		return v.Date.Format(time.RFC3339Nano)
	case String:
		return v.Str
	default:
		return ""
	}
}

// Any returns v as a driver-friendly Go value: nil, int64, float64,
// time.Time or string.
func (v Value) Any() any {
	switch v.Type {
	case Integer:
		return v.Int
	case Float:
		return v.Float
	case Date:
		return v.Date
	case String:
		return v.Str
	default:
		return nil
	}
}

// Coerce converts v to type to. It fails only when to is narrower than
// v's type or unrelated to it.
func (v Value) Coerce(to ColumnType) (Value, bool) {
	switch {
	case v.Type == Null:
		return Value{}, true
	case v.Type == to:
		return v, true
	case to == String:
		if v.Raw != "" {
			return StringValue(v.Raw), true
		}
		return StringValue(v.Text()), true
	case v.Type == Integer && to == Float:
		f := FloatValue(float64(v.Int))
		f.Raw = v.Raw
		return f, true
	default:
		return Value{}, false
	}
}

// Row is a canonical record. A column absent from the map is null.
type Row map[string]Value

// Get returns the value of col, null when absent.
func (r Row) Get(col string) Value { return r[col] }

// Column is one canonical column.
type Column struct {
	Name string
	Type ColumnType
}

// Columns is an ordered set of canonical columns. Columns are only ever
// added or widened.
type Columns struct {
	cols []Column
	idx  map[string]int
}

// NewColumns builds a set from cols, widening duplicates.
func NewColumns(cols ...Column) Columns {
	var c Columns
	for _, col := range cols {
		c.Merge(col)
	}
	return c
}

// Len returns the number of columns.
func (c *Columns) Len() int { return len(c.cols) }

// All returns a copy of the columns in order.
func (c *Columns) All() []Column {
	out := make([]Column, len(c.cols))
	copy(out, c.cols)
	return out
}

// Names returns column names in order.
func (c *Columns) Names() []string {
	out := make([]string, len(c.cols))
	for i, col := range c.cols {
		out[i] = col.Name
	}
	return out
}

// Lookup returns the column called name.
func (c *Columns) Lookup(name string) (Column, bool) {
	i, ok := c.idx[name]
	if !ok {
		return Column{}, false
	}
	return c.cols[i], true
}

// Merge adds col or widens the existing column of the same name.
func (c *Columns) Merge(col Column) (added, widened bool) {
	if c.idx == nil {
		c.idx = map[string]int{}
	}
	i, ok := c.idx[col.Name]
	if !ok {
		c.idx[col.Name] = len(c.cols)
		c.cols = append(c.cols, col)
		return true, false
	}
	w := Widen(c.cols[i].Type, col.Type)
	if w == c.cols[i].Type {
		return false, false
	}
	c.cols[i].Type = w
	return false, true
}

// Clone returns an independent copy.
func (c *Columns) Clone() Columns {
	return NewColumns(c.cols...)
}

package normalize

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DefaultNullTokens are treated as null after trimming, case-insensitively.
var DefaultNullTokens = []string{"", "na", "n/a", "-", ".."}

// DefaultDateLayouts are tried in order when a value is not numeric.
var DefaultDateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"02.01.2006",
	"2006-01",
	"2006 Jan",
	time.RFC3339,
}

var (
	intPattern      = regexp.MustCompile(`^[+-]?\d+$`)
	floatPattern    = regexp.MustCompile(`^[+-]?(\d+\.?\d*|\.\d+)([eE][+-]?\d+)?$`)
	groupedPattern  = regexp.MustCompile(`^[+-]?\d{1,3}(,\d{3})+(\.\d+)?$`)
	leadingZeroLike = regexp.MustCompile(`^[+-]?0\d`)
)

// classifier turns raw scalars into typed values.
type classifier struct {
	nulls   map[string]struct{}
	layouts []string
}

func newClassifier(nullTokens, layouts []string) classifier {
	if nullTokens == nil {
		nullTokens = DefaultNullTokens
	}
	if len(layouts) == 0 {
		layouts = DefaultDateLayouts
	}
	c := classifier{nulls: make(map[string]struct{}, len(nullTokens)), layouts: layouts}
	for _, t := range nullTokens {
		c.nulls[strings.ToLower(strings.TrimSpace(t))] = struct{}{}
	}
	return c
}

// classify returns the narrowest typed value for raw. ok is false when raw
// has a Go type no JSON decoder produces.
func (c classifier) classify(raw any) (v Value, ok bool) {
	switch x := raw.(type) {
	case nil:
		return Value{}, true
	case json.Number:
		return c.classifyText(string(x)), true
	case string:
		return c.classifyText(x), true
	case bool:
		return StringValue(strconv.FormatBool(x)), true
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return Value{}, true
		}
		if x == math.Trunc(x) && math.Abs(x) < 1<<53 {
			return IntValue(int64(x)), true
		}
		return FloatValue(x), true
	case float32:
		return c.classify(float64(x))
	case int:
		return IntValue(int64(x)), true
	case int64:
		return IntValue(x), true
	case int32:
		return IntValue(int64(x)), true
	case time.Time:
		return DateValue(x), true
	default:
		return Value{}, false
	}
}

func (c classifier) classifyText(s string) Value {
	t := strings.TrimSpace(s)
	if _, null := c.nulls[strings.ToLower(t)]; null {
		return Value{}
	}
	if v, ok := parseNumber(t); ok {
		return withRaw(v, s)
	}
	for _, layout := range c.layouts {
		if d, err := time.Parse(layout, t); err == nil {
			return withRaw(DateValue(d), s)
		}
	}
	return StringValue(s)
}

func withRaw(v Value, s string) Value {
	if s != v.Text() {
		v.Raw = s
	}
	return v
}

// parseNumber accepts plain integers and decimals, exponents, and
// thousands-grouped values like "1,234.5". Values with a leading zero such
// as "007" or "018956" are codes, not numbers.
func parseNumber(t string) (Value, bool) {
	if t == "" {
		return Value{}, false
	}
	if groupedPattern.MatchString(t) {
		t = strings.ReplaceAll(t, ",", "")
	}
	if leadingZeroLike.MatchString(t) && !strings.HasPrefix(strings.TrimLeft(t, "+-"), "0.") {
		return Value{}, false
	}
	if intPattern.MatchString(t) {
		if i, err := strconv.ParseInt(t, 10, 64); err == nil {
			return IntValue(i), true
		}
		// Out of int64 range: keep it as a float.
	}
	if floatPattern.MatchString(t) {
		f, err := strconv.ParseFloat(t, 64)
		if err == nil && !math.IsInf(f, 0) {
			return FloatValue(f), true
		}
	}
	return Value{}, false
}

var defaultClassifier = newClassifier(nil, nil)

// ParseText types s with the default null tokens and date layouts.
func ParseText(s string) Value { return defaultClassifier.classifyText(s) }

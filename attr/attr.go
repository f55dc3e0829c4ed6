// Package attr defines the typed attributes stored on library items and albums.
//
// Every attribute has a [Kind] which decides how raw values are coerced, serialised for storage,
// and compared by queries. Coercion is total: input that can't be understood falls back to the
// type's default value instead of returning an error.
package attr

import (
	"cmp"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"go.senan.xyz/natcmp"
)

type Kind uint8

const (
	KindText Kind = iota
	KindInt
	KindFloat
	KindDate
	KindEnum
	KindList
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindDate:
		return "date"
	case KindEnum:
		return "enum"
	case KindList:
		return "list"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Level is where an attribute lives. Album level attributes are stored on the album and items
// without their own value fall back to it.
type Level uint8

const (
	LevelItem Level = iota
	LevelAlbum
)

// listSep separates list values in their serialised form.
const listSep = "\x1f"

// Type describes one named attribute.
type Type struct {
	Name  string
	Kind  Kind
	Level Level

	// Default overrides the kind's zero value.
	Default any
	// Values are the allowed values for KindEnum, matched case-insensitively.
	Values []string
	// Natural orders text values with natural (numeric aware) comparison.
	Natural bool
	// Fuzzy includes the attribute in bare-term queries.
	Fuzzy bool

	// DependsOn and Derive make this a computed attribute.
	DependsOn []string
	Derive    func(get func(string) any) any
}

func (t *Type) Derived() bool { return t.Derive != nil }

// Zero returns the type's default value.
func (t *Type) Zero() any {
	if t.Default != nil {
		return t.Default
	}
	switch t.Kind {
	case KindInt:
		return int64(0)
	case KindFloat:
		return float64(0)
	case KindDate:
		return time.Time{}
	case KindList:
		return []string(nil)
	case KindEnum:
		if len(t.Values) > 0 {
			return t.Values[0]
		}
		return ""
	default:
		return ""
	}
}

// Coerce converts v to the type's canonical Go representation. It never fails: anything that
// can't be interpreted becomes Zero().
func (t *Type) Coerce(v any) any {
	if v == nil {
		return t.Zero()
	}
	switch t.Kind {
	case KindInt:
		if n, ok := toInt(v); ok {
			return n
		}
	case KindFloat:
		if f, ok := toFloat(v); ok {
			return f
		}
	case KindDate:
		if d, ok := toDate(v); ok {
			return d
		}
	case KindEnum:
		if s, ok := toText(v); ok {
			if len(t.Values) == 0 {
				return s
			}
			for _, ev := range t.Values {
				if strings.EqualFold(ev, strings.TrimSpace(s)) {
					return ev
				}
			}
		}
	case KindList:
		if l, ok := toList(v); ok {
			return l
		}
	default:
		if s, ok := toText(v); ok {
			return s
		}
	}
	return t.Zero()
}

// Parse coerces a string, usually from a query or the command line.
func (t *Type) Parse(s string) any {
	return t.Coerce(s)
}

// Serialize returns the storage representation of v. Coerce(Serialize(v)) returns a value equal to v.
func (t *Type) Serialize(v any) string {
	v = t.Coerce(v)
	switch t.Kind {
	case KindInt:
		return strconv.FormatInt(v.(int64), 10)
	case KindFloat:
		return strconv.FormatFloat(v.(float64), 'g', -1, 64)
	case KindDate:
		d := v.(time.Time)
		if d.IsZero() {
			return ""
		}
		return d.UTC().Format(time.RFC3339Nano)
	case KindList:
		return strings.Join(v.([]string), listSep)
	default:
		return v.(string)
	}
}

// Compare orders two values of this type. Values are coerced first.
func (t *Type) Compare(a, b any) int {
	a, b = t.Coerce(a), t.Coerce(b)
	switch t.Kind {
	case KindInt:
		return cmp.Compare(a.(int64), b.(int64))
	case KindFloat:
		return cmp.Compare(a.(float64), b.(float64))
	case KindDate:
		return a.(time.Time).Compare(b.(time.Time))
	case KindList:
		return slices.Compare(a.([]string), b.([]string))
	default:
		as, bs := a.(string), b.(string)
		if t.Natural {
			return natcmp.Compare(as, bs)
		}
		return cmp.Compare(as, bs)
	}
}

func (t *Type) Equal(a, b any) bool {
	return t.Compare(a, b) == 0
}

// IsZero reports whether v is the type's empty value. Unset values never match query predicates.
func (t *Type) IsZero(v any) bool {
	v = t.Coerce(v)
	switch t.Kind {
	case KindDate:
		return v.(time.Time).IsZero()
	case KindList:
		return len(v.([]string)) == 0
	}
	return t.Equal(v, t.Zero())
}

func toInt(v any) (int64, bool) {
	switch v := v.(type) {
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint:
		return int64(v), true
	case uint32:
		return int64(v), true
	case uint64:
		if v > math.MaxInt64 {
			return 0, false
		}
		return int64(v), true
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, false
		}
		return int64(v), true
	case float32:
		return toInt(float64(v))
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	case time.Time:
		if v.IsZero() {
			return 0, false
		}
		return int64(v.Year()), true
	case string:
		s := strings.TrimSpace(v)
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, true
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return toInt(f)
		}
		// track numbers are often "3/12"
		if before, _, ok := strings.Cut(s, "/"); ok {
			if n, err := strconv.ParseInt(strings.TrimSpace(before), 10, 64); err == nil {
				return n, true
			}
		}
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch v := v.(type) {
	case float64:
		if math.IsNaN(v) {
			return 0, false
		}
		return v, true
	case float32:
		return toFloat(float64(v))
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil || math.IsNaN(f) {
			return 0, false
		}
		return f, true
	}
	if n, ok := toInt(v); ok {
		return float64(n), true
	}
	return 0, false
}

func toDate(v any) (time.Time, bool) {
	switch v := v.(type) {
	case time.Time:
		return v, true
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return time.Time{}, false
		}
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t, true
		}
		if t, err := time.Parse(time.DateOnly, s); err == nil {
			return t, true
		}
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n < 10000 {
			return time.Date(n, time.January, 1, 0, 0, 0, 0, time.UTC), true
		}
		t, err := dateparse.ParseAny(s)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	}
	if n, ok := toInt(v); ok && n > 0 && n < 10000 {
		return time.Date(int(n), time.January, 1, 0, 0, 0, 0, time.UTC), true
	}
	return time.Time{}, false
}

func toText(v any) (string, bool) {
	switch v := v.(type) {
	case string:
		return v, true
	case []string:
		return strings.Join(v, "; "), true
	case time.Time:
		if v.IsZero() {
			return "", true
		}
		return v.Format(time.DateOnly), true
	case fmt.Stringer:
		return v.String(), true
	case int, int32, int64, uint, uint32, uint64, float32, float64, bool:
		return fmt.Sprint(v), true
	}
	return "", false
}

// toList never returns empty elements or elements holding listSep, so that every list it returns
// survives serialisation. Separators inside an element become spaces.
func toList(v any) ([]string, bool) {
	switch v := v.(type) {
	case []string:
		return cleanList(v), true
	case string:
		if v == "" {
			return nil, true
		}
		return cleanList(strings.Split(v, listSep)), true
	case []any:
		var r []string
		for _, e := range v {
			s, ok := toText(e)
			if !ok {
				return nil, false
			}
			r = append(r, s)
		}
		return cleanList(r), true
	}
	if s, ok := toText(v); ok {
		return cleanList([]string{s}), true
	}
	return nil, false
}

func cleanList(l []string) []string {
	var r []string
	for _, e := range l {
		e = strings.ReplaceAll(e, listSep, " ")
		if e == "" {
			continue
		}
		r = append(r, e)
	}
	return r
}

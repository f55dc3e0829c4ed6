// Package query is the expression language used to select items and albums from a library.
//
// A [Query] is an immutable tree of predicates. It's bound against an [attr.Registry] with
// [Compile], which validates field names and coerces literals to each field's type. Literals never
// fail to coerce; unknown fields and invalid regular expressions are reported as an [*Error].
package query

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"go.senan.xyz/shelf/attr"
)

var (
	ErrUnknownField = errors.New("unknown field")
	ErrBadPattern   = errors.New("bad pattern")
	ErrSyntax       = errors.New("syntax error")
)

// Error is returned for queries which can't be evaluated.
type Error struct {
	Field string
	Err   error
}

func (e *Error) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("query: %v", e.Err)
	}
	return fmt.Sprintf("query %q: %v", e.Field, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Row is anything with attribute values, usually a library item or album.
type Row interface {
	Lookup(field string) (any, bool)
}

type Query interface {
	bind(reg *attr.Registry) (matcher, error)
	String() string
}

type matcher func(Row) bool

// All matches every row.
func All() Query { return all{} }

type all struct{}

func (all) bind(*attr.Registry) (matcher, error) { return func(Row) bool { return true }, nil }
func (all) String() string                         { return "*" }

// Match is a field:value term as typed by a user. Its meaning depends on the field's kind: text is
// matched as a case-insensitive substring, other kinds by equality, and numbers and dates support
// "lo..hi" ranges with either side optional.
func Match(field, raw string) Query { return match{field, raw} }

type match struct{ field, raw string }

func (q match) String() string { return q.field + ":" + q.raw }

func (q match) bind(reg *attr.Registry) (matcher, error) {
	t, ok := reg.Lookup(q.field)
	if !ok {
		return nil, &Error{Field: q.field, Err: ErrUnknownField}
	}
	switch t.Kind {
	case attr.KindInt, attr.KindFloat, attr.KindDate:
		if lo, hi, ok := strings.Cut(q.raw, ".."); ok {
			return bindRange(t, q.field, parseBound(t, lo, false), parseBound(t, hi, true)), nil
		}
		return Eq(q.field, q.raw).bind(reg)
	case attr.KindEnum:
		return Eq(q.field, q.raw).bind(reg)
	default:
		return Substring(q.field, q.raw).bind(reg)
	}
}

// Eq matches rows where field equals v after coercion. List fields match if any element equals.
func Eq(field string, v any) Query { return eq{field, v} }

type eq struct {
	field string
	v     any
}

func (q eq) String() string { return fmt.Sprintf("%s:=%v", q.field, q.v) }

func (q eq) bind(reg *attr.Registry) (matcher, error) {
	t, ok := reg.Lookup(q.field)
	if !ok {
		return nil, &Error{Field: q.field, Err: ErrUnknownField}
	}
	if t.Kind == attr.KindList {
		want, _ := q.v.(string)
		if want == "" {
			want = fmt.Sprint(q.v)
		}
		return func(r Row) bool {
			v, ok := r.Lookup(q.field)
			if !ok {
				return false
			}
			return slices.Contains(t.Coerce(v).([]string), want)
		}, nil
	}
	want := t.Coerce(q.v)
	return func(r Row) bool {
		v, ok := r.Lookup(q.field)
		return ok && t.Equal(v, want)
	}, nil
}

// Range matches lo <= field <= hi. A nil bound is open.
func Range(field string, lo, hi any) Query { return rangeq{field, lo, hi} }

type rangeq struct {
	field  string
	lo, hi any
}

func (q rangeq) String() string {
	f := func(v any) string {
		if v == nil {
			return ""
		}
		return fmt.Sprint(v)
	}
	return fmt.Sprintf("%s:%s..%s", q.field, f(q.lo), f(q.hi))
}

func (q rangeq) bind(reg *attr.Registry) (matcher, error) {
	t, ok := reg.Lookup(q.field)
	if !ok {
		return nil, &Error{Field: q.field, Err: ErrUnknownField}
	}
	var lo, hi *bound
	if q.lo != nil {
		lo = &bound{v: t.Coerce(q.lo)}
	}
	if q.hi != nil {
		hi = &bound{v: t.Coerce(q.hi)}
	}
	return bindRange(t, q.field, lo, hi), nil
}

type bound struct {
	v         any
	exclusive bool
}

func parseBound(t *attr.Type, raw string, upper bool) *bound {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	v := t.Parse(raw)
	// a bare year as the upper bound of a date range includes the whole year
	if upper && t.Kind == attr.KindDate && len(raw) == 4 {
		if d, ok := v.(time.Time); ok && !d.IsZero() {
			return &bound{v: d.AddDate(1, 0, 0), exclusive: true}
		}
	}
	return &bound{v: v}
}

func bindRange(t *attr.Type, field string, lo, hi *bound) matcher {
	return func(r Row) bool {
		v, ok := r.Lookup(field)
		if !ok {
			return false
		}
		if lo != nil && t.Compare(v, lo.v) < 0 {
			return false
		}
		if hi != nil {
			c := t.Compare(v, hi.v)
			if c > 0 || (c == 0 && hi.exclusive) {
				return false
			}
		}
		return true
	}
}

// Substring matches a case-insensitive substring of the field's text form.
func Substring(field, sub string) Query { return substring{field, sub} }

type substring struct{ field, sub string }

func (q substring) String() string { return q.field + ":" + q.sub }

func (q substring) bind(reg *attr.Registry) (matcher, error) {
	t, ok := reg.Lookup(q.field)
	if !ok {
		return nil, &Error{Field: q.field, Err: ErrUnknownField}
	}
	sub := strings.ToLower(q.sub)
	return func(r Row) bool {
		v, ok := r.Lookup(q.field)
		if !ok {
			return false
		}
		for _, s := range texts(t, v) {
			if strings.Contains(strings.ToLower(s), sub) {
				return true
			}
		}
		return false
	}, nil
}

// Regexp matches the field's text form against a regular expression.
func Regexp(field, pattern string) Query { return regexpq{field, pattern} }

type regexpq struct{ field, pattern string }

func (q regexpq) String() string { return q.field + "::" + q.pattern }

func (q regexpq) bind(reg *attr.Registry) (matcher, error) {
	t, ok := reg.Lookup(q.field)
	if !ok {
		return nil, &Error{Field: q.field, Err: ErrUnknownField}
	}
	expr, err := regexp.Compile(q.pattern)
	if err != nil {
		return nil, &Error{Field: q.field, Err: fmt.Errorf("%w: %w", ErrBadPattern, err)}
	}
	return func(r Row) bool {
		v, ok := r.Lookup(q.field)
		if !ok {
			return false
		}
		return slices.ContainsFunc(texts(t, v), expr.MatchString)
	}, nil
}

// AnyText matches a case-insensitive substring of any fuzzy text field.
func AnyText(term string) Query { return anyq{term} }

type anyq struct{ term string }

func (q anyq) String() string { return q.term }

func (q anyq) bind(reg *attr.Registry) (matcher, error) {
	var ms []matcher
	for _, f := range reg.Fuzzy() {
		m, err := Substring(f, q.term).bind(reg)
		if err != nil {
			return nil, err
		}
		ms = append(ms, m)
	}
	return func(r Row) bool {
		for _, m := range ms {
			if m(r) {
				return true
			}
		}
		return false
	}, nil
}

func And(qs ...Query) Query { return and(slices.Clone(qs)) }

type and []Query

func (q and) String() string { return join(q, " ") }

func (q and) bind(reg *attr.Registry) (matcher, error) {
	ms, err := bindAll(reg, q)
	if err != nil {
		return nil, err
	}
	return func(r Row) bool {
		for _, m := range ms {
			if !m(r) {
				return false
			}
		}
		return true
	}, nil
}

func Or(qs ...Query) Query { return or(slices.Clone(qs)) }

type or []Query

func (q or) String() string { return join(q, " , ") }

func (q or) bind(reg *attr.Registry) (matcher, error) {
	ms, err := bindAll(reg, q)
	if err != nil {
		return nil, err
	}
	return func(r Row) bool {
		for _, m := range ms {
			if m(r) {
				return true
			}
		}
		return false
	}, nil
}

func Not(q Query) Query { return not{q} }

type not struct{ q Query }

func (q not) String() string { return "^" + q.q.String() }

func (q not) bind(reg *attr.Registry) (matcher, error) {
	m, err := q.q.bind(reg)
	if err != nil {
		return nil, err
	}
	return func(r Row) bool { return !m(r) }, nil
}

func bindAll(reg *attr.Registry, qs []Query) ([]matcher, error) {
	ms := make([]matcher, 0, len(qs))
	for _, q := range qs {
		m, err := q.bind(reg)
		if err != nil {
			return nil, err
		}
		ms = append(ms, m)
	}
	return ms, nil
}

func join(qs []Query, sep string) string {
	parts := make([]string, 0, len(qs))
	for _, q := range qs {
		parts = append(parts, q.String())
	}
	return strings.Join(parts, sep)
}

func texts(t *attr.Type, v any) []string {
	switch t.Kind {
	case attr.KindList:
		return t.Coerce(v).([]string)
	case attr.KindText, attr.KindEnum:
		return []string{t.Coerce(v).(string)}
	case attr.KindDate:
		d := t.Coerce(v).(time.Time)
		if d.IsZero() {
			return nil
		}
		return []string{d.Format(time.DateOnly)}
	default:
		return []string{t.Serialize(v)}
	}
}

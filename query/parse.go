package query

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/shlex"
)

// SortKey orders results by one field.
type SortKey struct {
	Field string
	Desc  bool
}

func (k SortKey) String() string {
	if k.Desc {
		return k.Field + "-"
	}
	return k.Field + "+"
}

// Request is a query with an ordering and an optional limit. A zero Limit means no limit.
type Request struct {
	Where Query
	Sort  []SortKey
	Limit int
}

func (r Request) String() string {
	var parts []string
	if r.Where != nil {
		parts = append(parts, r.Where.String())
	}
	for _, k := range r.Sort {
		parts = append(parts, k.String())
	}
	if r.Limit > 0 {
		parts = append(parts, "limit:"+strconv.Itoa(r.Limit))
	}
	return strings.Join(parts, " ")
}

// Parse parses the query string syntax.
//
//	term            any fuzzy field contains term
//	field:value     substring for text, equality otherwise
//	field:=value    exact equality
//	field:lo..hi    inclusive range, either side optional
//	field::regex    regular expression
//	^term -term     negation
//	a , b           either a or b
//	field+ field-   sort ascending or descending
//	limit:n         at most n results
//
// Terms are split like a shell command line, so quoting works as expected. Field names are
// checked when the request is compiled, not here.
func Parse(s string) (Request, error) {
	tokens, err := shlex.Split(s)
	if err != nil {
		return Request{}, &Error{Err: fmt.Errorf("%w: %w", ErrSyntax, err)}
	}
	return ParseTerms(tokens)
}

// ParseTerms is like Parse for an already split command line.
func ParseTerms(tokens []string) (Request, error) {
	var req Request
	var groups [][]Query
	var cur []Query
	flush := func() {
		groups = append(groups, cur)
		cur = nil
	}
	for _, tok := range tokens {
		orAfter := false
		if tok == "," {
			flush()
			continue
		}
		if len(tok) > 1 && strings.HasSuffix(tok, ",") {
			tok, orAfter = strings.TrimSuffix(tok, ","), true
		}
		if k, ok := parseSort(tok); ok {
			req.Sort = append(req.Sort, k)
			continue
		}
		if v, ok := strings.CutPrefix(tok, "limit:"); ok {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return Request{}, &Error{Field: "limit", Err: fmt.Errorf("%w: bad limit %q", ErrSyntax, v)}
			}
			req.Limit = n
			continue
		}
		cur = append(cur, parseTerm(tok))
		if orAfter {
			flush()
		}
	}
	flush()

	var alts []Query
	for _, g := range groups {
		switch len(g) {
		case 0:
		case 1:
			alts = append(alts, g[0])
		default:
			alts = append(alts, And(g...))
		}
	}
	switch len(alts) {
	case 0:
		req.Where = All()
	case 1:
		req.Where = alts[0]
	default:
		req.Where = Or(alts...)
	}
	return req, nil
}

func parseTerm(tok string) Query {
	if len(tok) > 1 && (tok[0] == '^' || (tok[0] == '-' && isIdentStart(tok[1]))) {
		return Not(parseTerm(tok[1:]))
	}
	field, value, ok := strings.Cut(tok, ":")
	if !ok || !isIdent(field) {
		return AnyText(tok)
	}
	if pattern, ok := strings.CutPrefix(value, ":"); ok {
		return Regexp(field, pattern)
	}
	if exact, ok := strings.CutPrefix(value, "="); ok {
		return Eq(field, exact)
	}
	return Match(field, value)
}

func parseSort(tok string) (SortKey, bool) {
	if len(tok) < 2 {
		return SortKey{}, false
	}
	field, dir := tok[:len(tok)-1], tok[len(tok)-1]
	if (dir != '+' && dir != '-') || !isIdent(field) {
		return SortKey{}, false
	}
	return SortKey{Field: field, Desc: dir == '-'}, true
}

func isIdent(s string) bool {
	if s == "" || !isIdentStart(s[0]) {
		return false
	}
	for i := 1; i < len(s); i++ {
		c := s[i]
		if !isIdentStart(c) && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

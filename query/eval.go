package query

import (
	"iter"
	"slices"

	"go.senan.xyz/shelf/attr"
)

// Compiled is a request bound to a registry, ready to run against rows.
type Compiled struct {
	req   Request
	match matcher
	sort  []sortKey
}

type sortKey struct {
	field string
	typ   *attr.Type
	desc  bool
}

// Compile validates req against reg.
func Compile(reg *attr.Registry, req Request) (*Compiled, error) {
	where := req.Where
	if where == nil {
		where = All()
	}
	m, err := where.bind(reg)
	if err != nil {
		return nil, err
	}
	c := &Compiled{req: req, match: m}
	for _, k := range req.Sort {
		t, ok := reg.Lookup(k.Field)
		if !ok {
			return nil, &Error{Field: k.Field, Err: ErrUnknownField}
		}
		c.sort = append(c.sort, sortKey{field: k.Field, typ: t, desc: k.Desc})
	}
	return c, nil
}

func (c *Compiled) Request() Request { return c.req }

func (c *Compiled) Match(r Row) bool { return c.match(r) }

// Compare orders two rows by the request's sort keys. Unset values sort as the type's default.
func (c *Compiled) Compare(a, b Row) int {
	for _, k := range c.sort {
		av, _ := a.Lookup(k.field)
		bv, _ := b.Lookup(k.field)
		r := k.typ.Compare(av, bv)
		if k.desc {
			r = -r
		}
		if r != 0 {
			return r
		}
	}
	return 0
}

// Select yields the rows that match in request order. Rows are expected in insertion order, which
// breaks ties between rows that compare equal. The sequence reads rows lazily when there's no sort
// and can be ranged over more than once.
func Select[R Row](c *Compiled, rows []R) iter.Seq[R] {
	return func(yield func(R) bool) {
		n := 0
		if len(c.sort) == 0 {
			for _, r := range rows {
				if c.req.Limit > 0 && n >= c.req.Limit {
					return
				}
				if !c.match(r) {
					continue
				}
				n++
				if !yield(r) {
					return
				}
			}
			return
		}

		var matched []R
		for _, r := range rows {
			if c.match(r) {
				matched = append(matched, r)
			}
		}
		slices.SortStableFunc(matched, func(a, b R) int { return c.Compare(a, b) })
		if c.req.Limit > 0 && len(matched) > c.req.Limit {
			matched = matched[:c.req.Limit]
		}
		for _, r := range matched {
			if !yield(r) {
				return
			}
		}
	}
}

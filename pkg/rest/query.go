package rest

import (
	"net/url"
	"strconv"
	"strings"
)

// Query is a PostgREST read: column selection, equality filters, ordering
// and a row limit.
type Query struct {
	// Select is the column list, "*" when empty.
	Select string

	filters []filter
	order   []order
	limit   int
}

type filter struct {
	column, op, value string
}

type order struct {
	column string
	desc   bool
}

// From returns a query selecting columns (all of them when empty).
func From(columns ...string) Query {
	return Query{Select: strings.Join(columns, ",")}
}

// Eq adds a column = value filter.
func (q Query) Eq(column, value string) Query {
	q.filters = append(append([]filter(nil), q.filters...), filter{column: column, op: "eq", value: value})
	return q
}

// Order adds a sort key. Keys apply in the order they were added.
func (q Query) Order(column string, desc bool) Query {
	q.order = append(append([]order(nil), q.order...), order{column: column, desc: desc})
	return q
}

// Limit caps the number of returned rows. 0 means no limit.
func (q Query) Limit(n int) Query {
	q.limit = n
	return q
}

// Values renders the query string parameters.
func (q Query) Values() url.Values {
	v := url.Values{}

	sel := q.Select
	if sel == "" {
		sel = "*"
	}
	v.Set("select", sel)

	for _, f := range q.filters {
		v.Add(f.column, f.op+"."+f.value)
	}

	if len(q.order) > 0 {
		keys := make([]string, 0, len(q.order))
		for _, o := range q.order {
			dir := "asc"
			if o.desc {
				dir = "desc"
			}
			keys = append(keys, o.column+"."+dir)
		}
		v.Set("order", strings.Join(keys, ","))
	}

	if q.limit > 0 {
		v.Set("limit", strconv.Itoa(q.limit))
	}

	return v
}

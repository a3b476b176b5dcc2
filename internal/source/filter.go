package source

import (
	"fmt"
	"strings"
)

// Filter is a single equality clause on a row field. The only operator the
// backend filter grammar supports is eq.
type Filter struct {
	Field string
	Value string
}

// Eq builds an equality filter clause.
func Eq(field, value string) Filter {
	return Filter{Field: field, Value: value}
}

// Expr renders the clause in the backend's filter grammar.
func (f Filter) Expr() string {
	return f.Field + "=eq." + f.Value
}

// Match reports whether the row satisfies the clause. Non-string values are
// compared through their default formatting.
func (f Filter) Match(row Row) bool {
	v, ok := row[f.Field]
	if !ok {
		return false
	}
	if s, isStr := v.(string); isStr {
		return s == f.Value
	}
	return fmt.Sprint(v) == f.Value
}

// Expr renders a conjunction of clauses joined by " and ". An empty filter
// list renders to the empty string, meaning "match everything".
func Expr(filters []Filter) string {
	if len(filters) == 0 {
		return ""
	}
	parts := make([]string, 0, len(filters))
	for _, f := range filters {
		parts = append(parts, f.Expr())
	}
	return strings.Join(parts, " and ")
}

// MatchAll reports whether the row satisfies every clause.
func MatchAll(filters []Filter, row Row) bool {
	for _, f := range filters {
		if !f.Match(row) {
			return false
		}
	}
	return true
}

// ParseExpr parses a rendered filter expression back into clauses. It
// accepts both " and " and "," as conjunction separators since older
// clients emitted the comma form.
func ParseExpr(expr string) ([]Filter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}

	normalized := strings.ReplaceAll(expr, " and ", ",")
	parts := strings.Split(normalized, ",")

	filters := make([]Filter, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		field, rest, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("filter clause %q: missing operator", part)
		}
		value, ok := strings.CutPrefix(rest, "eq.")
		if !ok {
			return nil, fmt.Errorf("filter clause %q: unsupported operator", part)
		}
		if field == "" {
			return nil, fmt.Errorf("filter clause %q: empty field", part)
		}
		filters = append(filters, Filter{Field: field, Value: value})
	}
	return filters, nil
}

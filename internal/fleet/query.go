package fleet

import (
	"errors"
	"fmt"
	"strings"
)

// errInvalidQuery is returned for a malformed query expression.
var errInvalidQuery = errors.New("invalid fleet query")

// Term is one attribute comparison.
type Term struct {
	Key   string
	Value string
	// Negate turns the term into an inequality.
	Negate bool
}

// Query is a conjunction of terms.
type Query []Term

// ParseQuery parses expressions like "region=eu AND model!=legacy".
func ParseQuery(expr string) (Query, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("%w: empty expression", errInvalidQuery)
	}

	parts := strings.Fields(expr)

	var (
		query   Query
		pending string
	)

	for _, part := range parts {
		if strings.EqualFold(part, "AND") {
			if pending == "" {
				return nil, fmt.Errorf("%w: %q", errInvalidQuery, expr)
			}

			term, err := parseTerm(pending)
			if err != nil {
				return nil, err
			}

			query = append(query, term)
			pending = ""

			continue
		}

		if pending != "" {
			return nil, fmt.Errorf("%w: missing AND in %q", errInvalidQuery, expr)
		}

		pending = part
	}

	if pending == "" {
		return nil, fmt.Errorf("%w: trailing AND in %q", errInvalidQuery, expr)
	}

	term, err := parseTerm(pending)
	if err != nil {
		return nil, err
	}

	return append(query, term), nil
}

func parseTerm(s string) (Term, error) {
	if key, value, ok := strings.Cut(s, "!="); ok {
		return newTerm(s, key, value, true)
	}

	if key, value, ok := strings.Cut(s, "="); ok {
		return newTerm(s, key, value, false)
	}

	return Term{}, fmt.Errorf("%w: term %q has no operator", errInvalidQuery, s)
}

func newTerm(s, key, value string, negate bool) (Term, error) {
	if key == "" || value == "" {
		return Term{}, fmt.Errorf("%w: term %q", errInvalidQuery, s)
	}

	return Term{Key: key, Value: value, Negate: negate}, nil
}

// Match reports whether attributes satisfy every term.
func (q Query) Match(attributes map[string]string) bool {
	for _, t := range q {
		value, ok := attributes[t.Key]
		if t.Negate == (ok && value == t.Value) {
			return false
		}
	}

	return true
}

// String renders the query in its canonical form.
func (q Query) String() string {
	terms := make([]string, 0, len(q))

	for _, t := range q {
		op := "="
		if t.Negate {
			op = "!="
		}

		terms = append(terms, t.Key+op+t.Value)
	}

	return strings.Join(terms, " AND ")
}

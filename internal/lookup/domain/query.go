package domain

import "strings"

// Query is one line of client input, decoded and trimmed of surrounding whitespace.
// It only lives for a single request/response cycle.
type Query struct {
	Text string
}

// NewQuery trims the raw text and wraps it as a Query.
func NewQuery(raw string) Query {
	return Query{Text: strings.TrimSpace(raw)}
}

// IsEmpty reports whether the query has no text after trimming.
func (q Query) IsEmpty() bool { return q.Text == "" }

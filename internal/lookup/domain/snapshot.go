package domain

import "strings"

// MembershipFilter is a read-only probabilistic prefilter over the lines of a snapshot.
// MightContain must never return false for a line that is present.
type MembershipFilter interface {
	MightContain(line string) bool
}

// Snapshot is an immutable, ordered copy of the dataset lines, each trimmed of
// surrounding whitespace. A Snapshot is safe to share between goroutines.
type Snapshot struct {
	lines  []string
	filter MembershipFilter
}

// NewSnapshot copies and trims the provided lines into a new Snapshot.
func NewSnapshot(lines []string) Snapshot {
	cp := make([]string, len(lines))
	for i, l := range lines {
		cp[i] = strings.TrimSpace(l)
	}
	return Snapshot{lines: cp}
}

// WithFilter returns a copy of the snapshot that carries the given prefilter.
// The line storage is shared, which is fine since it is never mutated.
func (s Snapshot) WithFilter(f MembershipFilter) Snapshot {
	return Snapshot{lines: s.lines, filter: f}
}

// Len returns the number of lines in the snapshot.
func (s Snapshot) Len() int { return len(s.lines) }

// IsEmpty reports whether the snapshot has no lines.
func (s Snapshot) IsEmpty() bool { return len(s.lines) == 0 }

// Lines returns a copy of the snapshot lines in file order.
func (s Snapshot) Lines() []string {
	out := make([]string, len(s.lines))
	copy(out, s.lines)
	return out
}

// Each calls fn for every line in order until fn returns false.
func (s Snapshot) Each(fn func(line string) bool) {
	for _, l := range s.lines {
		if !fn(l) {
			return
		}
	}
}

// MightContain consults the prefilter. Without a filter every line might be present.
func (s Snapshot) MightContain(line string) bool {
	if s.filter == nil {
		return true
	}
	return s.filter.MightContain(line)
}

// HasFilter reports whether a prefilter is attached.
func (s Snapshot) HasFilter() bool { return s.filter != nil }

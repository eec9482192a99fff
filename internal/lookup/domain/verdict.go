package domain

import "fmt"

// Verdict is the outcome of looking a query up against a snapshot.
type Verdict uint8

const (
	// NotFound means no line of the snapshot equals the query.
	NotFound Verdict = iota
	// Found means at least one line of the snapshot equals the query.
	Found
)

// Wire texts for each verdict. These must match byte-for-byte for protocol compatibility.
const (
	FoundText    = "STRING EXISTS"
	NotFoundText = "STRING NOT FOUND"
)

// IsFound is a convenience accessor.
func (v Verdict) IsFound() bool { return v == Found }

// String returns the wire text of the verdict.
func (v Verdict) String() string {
	switch v {
	case Found:
		return FoundText
	case NotFound:
		return NotFoundText
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(v))
	}
}

// Label returns a short lowercase name suitable for metric labels and log fields.
func (v Verdict) Label() string {
	if v == Found {
		return "found"
	}
	return "not_found"
}

// VerdictOf converts a boolean match result into a Verdict.
func VerdictOf(matched bool) Verdict {
	if matched {
		return Found
	}
	return NotFound
}

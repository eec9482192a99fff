// Package engine matches queries against snapshots. It performs no I/O and never
// mutates its inputs.
package engine

import (
	"strings"

	"github.com/haukened/rr-lookup/internal/lookup/domain"
)

// Lookup returns Found when some line of s equals q exactly after trimming both.
// An empty query never matches, even against blank lines in the dataset.
func Lookup(s domain.Snapshot, q domain.Query) domain.Verdict {
	text := strings.TrimSpace(q.Text)
	if text == "" || s.IsEmpty() {
		return domain.NotFound
	}
	if !s.MightContain(text) {
		return domain.NotFound
	}

	found := false
	s.Each(func(line string) bool {
		if line == text {
			found = true
			return false
		}
		return true
	})
	return domain.VerdictOf(found)
}

// Package bloom builds a read-only membership prefilter over the lines of a cached
// snapshot so lookups for absent queries can skip the linear scan.
package bloom

import (
	bitsbloom "github.com/bits-and-blooms/bloom/v3"

	"github.com/haukened/rr-lookup/internal/lookup/domain"
)

// DefaultFPRate is used when the requested false-positive rate is outside (0, 1).
const DefaultFPRate = 0.01

// Filter is an immutable Bloom filter. It is populated once by New and only read
// afterwards, so MightContain is safe from any number of goroutines.
type Filter struct {
	bf *bitsbloom.BloomFilter
}

// New sizes a filter for the given lines at false-positive rate fpRate and adds every line.
func New(lines []string, fpRate float64) *Filter {
	bf := bitsbloom.NewWithEstimates(estimates(len(lines), fpRate))
	for _, line := range lines {
		bf.AddString(line)
	}
	return &Filter{bf: bf}
}

// MightContain reports false only when line is definitely absent.
func (f *Filter) MightContain(line string) bool {
	return f.bf.TestString(line)
}

// Attach builds a filter for the snapshot lines and returns the snapshot carrying it.
func Attach(s domain.Snapshot, fpRate float64) domain.Snapshot {
	return s.WithFilter(New(s.Lines(), fpRate))
}

// estimates clamps the expected line count to at least 1 and falls back to
// DefaultFPRate for rates outside (0, 1).
func estimates(n int, fpRate float64) (uint, float64) {
	if n < 1 {
		n = 1
	}
	if !(fpRate > 0 && fpRate < 1) {
		fpRate = DefaultFPRate
	}
	return uint(n), fpRate
}

var _ domain.MembershipFilter = (*Filter)(nil)

package session

import (
	"context"

	"github.com/haukened/rr-lookup/internal/lookup/domain"
)

// ContentStore supplies the snapshot a query is matched against.
// Implemented by content.CachedStore and content.RereadStore.
type ContentStore interface {
	Snapshot(ctx context.Context) (domain.Snapshot, error)
}

// VerdictCache remembers verdicts by query text. Implemented by repos/content/lru.
type VerdictCache interface {
	Get(query string) (domain.Verdict, bool)
	Put(query string, v domain.Verdict)
}

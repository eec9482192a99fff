package content

import (
	"context"
	"fmt"
	"time"

	"github.com/haukened/rr-lookup/internal/lookup/common/log"
	"github.com/haukened/rr-lookup/internal/lookup/domain"
	"github.com/haukened/rr-lookup/internal/lookup/repos/content/bloom"
)

// Mode selects how a Store produces snapshots.
type Mode string

const (
	// ModeCached loads the dataset once and serves the same snapshot forever.
	// Later edits to the file are not observed.
	ModeCached Mode = "cached"
	// ModeReread loads the dataset from disk for every query.
	ModeReread Mode = "reread"
)

// ModeFor maps the reread_on_query flag to a Mode.
func ModeFor(rereadOnQuery bool) Mode {
	if rereadOnQuery {
		return ModeReread
	}
	return ModeCached
}

// Store hands out the snapshot a query is matched against.
type Store interface {
	Snapshot(ctx context.Context) (domain.Snapshot, error)
	Mode() Mode
	Path() string
}

// VerdictCache remembers verdicts by trimmed query text. It is only sound in
// ModeCached, where the snapshot never changes.
type VerdictCache interface {
	Get(query string) (domain.Verdict, bool)
	Put(query string, v domain.Verdict)
	Len() int
	Purge()
	Stats() (hits, misses, evictions uint64)
}

// Options tunes store construction.
type Options struct {
	// BloomFPRate attaches a prefilter to cached snapshots when > 0.
	BloomFPRate float64
	Logger      log.Logger
}

func (o Options) logger() log.Logger {
	if o.Logger == nil {
		return log.NewNoopLogger()
	}
	return o.Logger
}

// New builds the store for mode. The dataset is read once in both modes so a missing
// or unreadable file aborts startup instead of failing the first query.
func New(mode Mode, path string, opts Options) (Store, error) {
	switch mode {
	case ModeCached:
		store, err := NewCachedStore(path, opts)
		if err != nil {
			return nil, err
		}
		return store, nil
	case ModeReread:
		if _, err := Load(path); err != nil {
			return nil, err
		}
		return NewRereadStore(path, opts), nil
	default:
		return nil, fmt.Errorf("unsupported content store mode: %s", mode)
	}
}

// CachedStore serves one snapshot loaded at construction.
type CachedStore struct {
	path     string
	snapshot domain.Snapshot
}

// NewCachedStore loads path immediately.
func NewCachedStore(path string, opts Options) (*CachedStore, error) {
	logger := opts.logger()
	start := time.Now()

	snap, err := Load(path)
	if err != nil {
		return nil, err
	}
	if opts.BloomFPRate > 0 {
		snap = bloom.Attach(snap, opts.BloomFPRate)
	}

	logger.Info(map[string]any{
		"path":     path,
		"lines":    snap.Len(),
		"bloom":    snap.HasFilter(),
		"duration": time.Since(start).String(),
	}, "Dataset cached")

	return &CachedStore{path: path, snapshot: snap}, nil
}

// Snapshot returns the cached snapshot.
func (s *CachedStore) Snapshot(context.Context) (domain.Snapshot, error) {
	return s.snapshot, nil
}

func (s *CachedStore) Mode() Mode   { return ModeCached }
func (s *CachedStore) Path() string { return s.path }

// RereadStore reads the dataset on every call. Reads are not coordinated with
// writers, so a concurrent rewrite may be observed partially.
type RereadStore struct {
	path   string
	logger log.Logger
	load   func(path string) (domain.Snapshot, error)
}

// NewRereadStore returns a store that loads path on every Snapshot call.
func NewRereadStore(path string, opts Options) *RereadStore {
	return &RereadStore{path: path, logger: opts.logger(), load: Load}
}

// Snapshot loads a fresh snapshot owned by the caller.
func (s *RereadStore) Snapshot(ctx context.Context) (domain.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return domain.Snapshot{}, err
	}
	start := time.Now()
	snap, err := s.load(s.path)
	if err != nil {
		return domain.Snapshot{}, err
	}
	s.logger.Debug(map[string]any{
		"path":     s.path,
		"lines":    snap.Len(),
		"duration": time.Since(start).String(),
	}, "Dataset reread")
	return snap, nil
}

func (s *RereadStore) Mode() Mode   { return ModeReread }
func (s *RereadStore) Path() string { return s.path }

var (
	_ Store = (*CachedStore)(nil)
	_ Store = (*RereadStore)(nil)
)

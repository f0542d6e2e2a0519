package engine

import (
	"context"

	"golang.org/x/sync/singleflight"

	"github.com/quantarb/execbot/internal/domain"
)

// DedupedBookSource collapses concurrent snapshot fetches for the same
// instrument into a single upstream call. Evaluations racing on a cache miss
// all receive the one fetched book.
type DedupedBookSource struct {
	inner domain.BookSource
	group singleflight.Group
}

// NewDedupedBookSource wraps a BookSource with per-instrument request
// coalescing.
func NewDedupedBookSource(inner domain.BookSource) *DedupedBookSource {
	return &DedupedBookSource{inner: inner}
}

// Snapshot fetches the instrument's raw book, sharing in-flight fetches.
func (d *DedupedBookSource) Snapshot(ctx context.Context, instrument string) (domain.RawOrderBook, error) {
	v, err, _ := d.group.Do(instrument, func() (any, error) {
		return d.inner.Snapshot(ctx, instrument)
	})
	if err != nil {
		return domain.RawOrderBook{}, err
	}
	return v.(domain.RawOrderBook), nil
}

package domain

import (
	"context"
	"time"
)

// BookSource provides raw book snapshots. Implementations are I/O adapters
// (feed client, cache); the core never retries through them.
type BookSource interface {
	Snapshot(ctx context.Context, instrument string) (RawOrderBook, error)
}

// CorrelationService supplies portfolio-weighted correlation of a new
// instrument against existing open positions, in [-1, 1]. A cold-start
// lookup returns an *InsufficientDataError.
type CorrelationService interface {
	PortfolioCorrelation(ctx context.Context, instrument string, existing []InventoryState) (float64, error)
}

// VolatilityService supplies recent historical volatility for an instrument.
// A cold-start lookup returns an *InsufficientDataError.
type VolatilityService interface {
	HistoricalVolatility(ctx context.Context, instrument string) (float64, error)
}

// OrderPlacer is the external order-placement collaborator. It accepts one
// chunk of an accepted plan and returns a venue order ID. Fill confirmations
// arrive asynchronously through a FillSource.
type OrderPlacer interface {
	SubmitChunk(ctx context.Context, plan ExecutionPlan, chunkIndex int) (orderID string, err error)
	CancelOrder(ctx context.Context, orderID string) error
}

// FillSource streams venue-confirmed fills, which may arrive out of
// submission order.
type FillSource interface {
	Fills(ctx context.Context) (<-chan Fill, error)
}

// BookCache holds analyzed snapshots with a TTL. Set must be an atomic swap:
// readers never observe a half-updated snapshot.
type BookCache interface {
	Set(ctx context.Context, snap OrderBookSnapshot, ttl time.Duration) error
	Get(ctx context.Context, instrument string) (OrderBookSnapshot, error)
}

// FillStore is the durable, append-only confirmed-fill log.
type FillStore interface {
	Append(ctx context.Context, fill Fill) error
	ListByInstrument(ctx context.Context, instrument string) ([]Fill, error)
}

// InventoryStore persists inventory projections so Assess can be seeded from
// a cold-start snapshot after restart.
type InventoryStore interface {
	SaveSnapshot(ctx context.Context, state InventoryState) error
	LatestSnapshots(ctx context.Context) ([]InventoryState, error)
}

// PlanArchiver persists terminal plans (accepted, rejected, deferred) for
// post-hoc audit.
type PlanArchiver interface {
	Archive(ctx context.Context, plan ExecutionPlan) error
}

// LockManager provides distributed locking for the per-instrument
// single-writer rule when several engine processes share instruments.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// RateLimiter throttles order submission against venue rate limits.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
}

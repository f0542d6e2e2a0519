// Package engine runs the trading loop around the planner: concurrent
// candidate evaluation under per-instrument locks, fill ingestion in venue
// order, forced-liquidation sweeps, and chunk-schedule execution through the
// external order placer.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quantarb/execbot/internal/domain"
	"github.com/quantarb/execbot/internal/inventory"
	"github.com/quantarb/execbot/internal/planner"
)

// Config holds engine runtime parameters.
type Config struct {
	MaxConcurrentEvaluations int           // errgroup limit for batch evaluation
	LiquidationSweepEvery    time.Duration // forced-liquidation check interval
	SnapshotEvery            time.Duration // inventory persistence interval
	DistributedLockTTL       time.Duration // per-instrument lock lease

	WindowMaxTrades int           // flow window capacity
	WindowMaxEvents int           // flow window capacity
	WindowRetention time.Duration // flow window age bound
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentEvaluations: 8,
		LiquidationSweepEvery:    5 * time.Second,
		SnapshotEvery:            30 * time.Second,
		DistributedLockTTL:       10 * time.Second,
		WindowMaxTrades:          2048,
		WindowMaxEvents:          4096,
		WindowRetention:          10 * time.Minute,
	}
}

// Stats are monotonic engine counters, safe for concurrent reads.
type Stats struct {
	Evaluated       atomic.Int64
	Accepted        atomic.Int64
	Rejected        atomic.Int64
	Deferred        atomic.Int64
	FillsApplied    atomic.Int64
	DuplicateFills  atomic.Int64
	ChunksSubmitted atomic.Int64
	ChunksFailed    atomic.Int64
	Liquidations    atomic.Int64
}

// Engine wires the planner to the live collaborators and owns the runtime
// goroutines.
type Engine struct {
	cfg      Config
	planner  *planner.Planner
	inv      *inventory.Manager
	placer   domain.OrderPlacer
	fills    domain.FillSource
	store    domain.FillStore
	invStore domain.InventoryStore
	archiver domain.PlanArchiver
	locker   domain.LockManager  // nil when running single-process
	limiter  domain.RateLimiter  // nil disables submission throttling
	logger   *slog.Logger

	windows *WindowStore
	local   *keyedMutex
	stats   Stats
}

// New creates an Engine. archiver, invStore, locker and limiter may be nil;
// the corresponding features degrade to no-ops.
func New(
	cfg Config,
	pl *planner.Planner,
	inv *inventory.Manager,
	placer domain.OrderPlacer,
	fills domain.FillSource,
	store domain.FillStore,
	invStore domain.InventoryStore,
	archiver domain.PlanArchiver,
	locker domain.LockManager,
	limiter domain.RateLimiter,
	windows *WindowStore,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		cfg:      cfg,
		planner:  pl,
		inv:      inv,
		placer:   placer,
		fills:    fills,
		store:    store,
		invStore: invStore,
		archiver: archiver,
		locker:   locker,
		limiter:  limiter,
		windows:  windows,
		local:    newKeyedMutex(),
		logger:   logger.With(slog.String("component", "engine")),
	}
}

// Stats exposes the engine counters.
func (e *Engine) Stats() *Stats { return &e.stats }

// OnTrade records a feed trade print into the instrument's flow window.
func (e *Engine) OnTrade(t domain.TradePrint) {
	e.windows.Window(t.Instrument).RecordTrade(t)
	e.inv.SetMark(t.Instrument, t.Price, t.Timestamp)
}

// OnBookEvent records an add/cancel event into the instrument's flow window.
func (e *Engine) OnBookEvent(ev domain.BookEvent) {
	e.windows.Window(ev.Instrument).RecordBookEvent(ev)
}

// Evaluate plans one candidate under the instrument's lock and archives the
// terminal plan.
func (e *Engine) Evaluate(ctx context.Context, candidate domain.Candidate, urgency domain.Urgency) (domain.ExecutionPlan, error) {
	return e.evaluate(ctx, candidate, urgency, nil)
}

func (e *Engine) evaluate(ctx context.Context, candidate domain.Candidate, urgency domain.Urgency, presized *domain.SizingRecommendation) (domain.ExecutionPlan, error) {
	unlock, err := e.lockInstrument(ctx, candidate.Instrument)
	if err != nil {
		return domain.ExecutionPlan{}, err
	}
	defer unlock()

	plan, err := e.planner.PlanSized(ctx, candidate, urgency, presized)
	if err != nil {
		return domain.ExecutionPlan{}, err
	}
	e.recordOutcome(ctx, plan)
	return plan, nil
}

// EvaluateBatch plans candidates concurrently, bounded by the configured
// limit. The batch is pre-sized as a portfolio so concurrent legs share the
// risk budget. Results keep their one-to-one order with candidates; a
// per-candidate input error aborts only that slot and is reported in errs.
func (e *Engine) EvaluateBatch(ctx context.Context, candidates []domain.Candidate, urgency domain.Urgency) ([]domain.ExecutionPlan, []error) {
	plans := make([]domain.ExecutionPlan, len(candidates))
	errs := make([]error, len(candidates))

	recs := e.planner.SizeBatch(ctx, candidates)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxConcurrentEvaluations)
	for i, c := range candidates {
		i, c := i, c
		g.Go(func() error {
			plans[i], errs[i] = e.evaluate(gctx, c, urgency, recs[i])
			return nil
		})
	}
	g.Wait()
	return plans, errs
}

// Run starts the fill-ingestion loop, the forced-liquidation sweep, and the
// inventory snapshot loop, blocking until ctx is cancelled or a loop fails.
func (e *Engine) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.ingestFills(gctx) })
	g.Go(func() error { return e.sweepLiquidations(gctx) })
	if e.invStore != nil {
		g.Go(func() error { return e.persistInventory(gctx) })
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("engine: %w", err)
	}
	return nil
}

// ingestFills applies venue-confirmed fills to the durable log and the
// inventory manager. Duplicates are counted and dropped; out-of-order fills
// are buffered by the manager until their gap arrives.
func (e *Engine) ingestFills(ctx context.Context) error {
	ch, err := e.fills.Fills(ctx)
	if err != nil {
		return fmt.Errorf("fill stream: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fill, ok := <-ch:
			if !ok {
				return errors.New("fill stream closed")
			}
			if err := e.store.Append(ctx, fill); err != nil {
				if errors.Is(err, domain.ErrDuplicateFill) {
					// Venue redelivery; the log already holds this fill.
					e.stats.DuplicateFills.Add(1)
					e.logger.DebugContext(ctx, "fill redelivered",
						slog.String("fill_id", fill.ID),
					)
					continue
				}
				e.logger.ErrorContext(ctx, "fill append failed",
					slog.String("fill_id", fill.ID),
					slog.String("error", err.Error()),
				)
			}
			if _, err := e.inv.UpdateOnFill(fill); err != nil {
				if errors.Is(err, domain.ErrDuplicateFill) {
					e.stats.DuplicateFills.Add(1)
					continue
				}
				e.logger.ErrorContext(ctx, "fill apply failed",
					slog.String("fill_id", fill.ID),
					slog.String("error", err.Error()),
				)
				continue
			}
			e.stats.FillsApplied.Add(1)
		}
	}
}

// sweepLiquidations periodically assesses every open position and plans and
// executes forced reductions.
func (e *Engine) sweepLiquidations(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.LiquidationSweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, state := range e.inv.States() {
				liq, forced := e.inv.CheckForcedLiquidation(state)
				if !forced {
					continue
				}
				e.stats.Liquidations.Add(1)
				plan, err := e.planner.PlanLiquidation(ctx, liq)
				if err != nil {
					e.logger.ErrorContext(ctx, "liquidation planning failed",
						slog.String("instrument", liq.Instrument),
						slog.String("error", err.Error()),
					)
					continue
				}
				e.recordOutcome(ctx, plan)
				if plan.Outcome != domain.OutcomeAccepted {
					continue
				}
				if err := e.ExecutePlan(ctx, plan); err != nil {
					e.logger.ErrorContext(ctx, "liquidation execution failed",
						slog.String("plan_id", plan.ID),
						slog.String("error", err.Error()),
					)
				}
			}
		}
	}
}

// persistInventory snapshots open positions so a restart can seed the manager
// without replaying the whole fill log.
func (e *Engine) persistInventory(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.SnapshotEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, state := range e.inv.States() {
				if err := e.invStore.SaveSnapshot(ctx, state); err != nil {
					e.logger.WarnContext(ctx, "inventory snapshot failed",
						slog.String("instrument", state.Instrument),
						slog.String("error", err.Error()),
					)
				}
			}
		}
	}
}

// lockInstrument takes the local per-instrument mutex and, when configured,
// the distributed lease on top of it.
func (e *Engine) lockInstrument(ctx context.Context, instrument string) (func(), error) {
	localUnlock := e.local.Lock(instrument)
	if e.locker == nil {
		return localUnlock, nil
	}
	remoteUnlock, err := e.locker.Acquire(ctx, "instrument:"+instrument, e.cfg.DistributedLockTTL)
	if err != nil {
		localUnlock()
		return nil, fmt.Errorf("engine: instrument lock %q: %w", instrument, err)
	}
	return func() {
		remoteUnlock()
		localUnlock()
	}, nil
}

// recordOutcome bumps counters and archives the terminal plan. Archiving is
// best effort; an archive failure never blocks trading.
func (e *Engine) recordOutcome(ctx context.Context, plan domain.ExecutionPlan) {
	e.stats.Evaluated.Add(1)
	switch plan.Outcome {
	case domain.OutcomeAccepted:
		e.stats.Accepted.Add(1)
	case domain.OutcomeRejected:
		e.stats.Rejected.Add(1)
	case domain.OutcomeDeferred:
		e.stats.Deferred.Add(1)
	}
	if e.archiver == nil {
		return
	}
	if err := e.archiver.Archive(ctx, plan); err != nil {
		e.logger.WarnContext(ctx, "plan archive failed",
			slog.String("plan_id", plan.ID),
			slog.String("error", err.Error()),
		)
	}
}

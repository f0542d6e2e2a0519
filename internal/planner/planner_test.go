package planner

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantarb/execbot/internal/book"
	"github.com/quantarb/execbot/internal/domain"
	"github.com/quantarb/execbot/internal/flow"
	"github.com/quantarb/execbot/internal/inventory"
	"github.com/quantarb/execbot/internal/sizing"
)

// stubSource serves a fixed raw book.
type stubSource struct {
	raw domain.RawOrderBook
	err error
}

func (s *stubSource) Snapshot(ctx context.Context, instrument string) (domain.RawOrderBook, error) {
	return s.raw, s.err
}

// memCache is an in-memory BookCache recording the TTL of the last Set.
type memCache struct {
	mu      sync.Mutex
	snaps   map[string]domain.OrderBookSnapshot
	lastTTL time.Duration
}

func newMemCache() *memCache {
	return &memCache{snaps: make(map[string]domain.OrderBookSnapshot)}
}

func (c *memCache) Set(ctx context.Context, snap domain.OrderBookSnapshot, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snaps[snap.Instrument] = snap
	c.lastTTL = ttl
	return nil
}

func (c *memCache) Get(ctx context.Context, instrument string) (domain.OrderBookSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap, ok := c.snaps[instrument]
	if !ok {
		return domain.OrderBookSnapshot{}, domain.ErrNotFound
	}
	return snap, nil
}

// winStore hands out per-instrument flow windows.
type winStore struct {
	mu      sync.Mutex
	windows map[string]*flow.Window
}

func newWinStore() *winStore {
	return &winStore{windows: make(map[string]*flow.Window)}
}

func (s *winStore) Window(instrument string) *flow.Window {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[instrument]
	if !ok {
		w = flow.NewWindow(1024, 1024, time.Hour)
		s.windows[instrument] = w
	}
	return w
}

// stubLookups implements the sizing collaborators.
type stubLookups struct {
	corr float64
	vol  float64
}

func (s *stubLookups) PortfolioCorrelation(ctx context.Context, instrument string, existing []domain.InventoryState) (float64, error) {
	return s.corr, nil
}

func (s *stubLookups) HistoricalVolatility(ctx context.Context, instrument string) (float64, error) {
	return s.vol, nil
}

type fixture struct {
	planner *Planner
	source  *stubSource
	cache   *memCache
	windows *winStore
	inv     *inventory.Manager
}

func healthyBook(at time.Time) domain.RawOrderBook {
	return domain.RawOrderBook{
		Instrument: "mkt-1",
		Timestamp:  at,
		Bids: []domain.PriceLevel{
			{Price: 0.60, Size: 100},
			{Price: 0.59, Size: 100},
		},
		Asks: []domain.PriceLevel{
			{Price: 0.61, Size: 20},
			{Price: 0.62, Size: 20},
			{Price: 0.63, Size: 60},
		},
	}
}

func newFixture(t *testing.T, invCfg inventory.Config) *fixture {
	t.Helper()
	logger := slog.Default()
	lookups := &stubLookups{vol: 0.10}

	source := &stubSource{raw: healthyBook(time.Now())}
	cache := newMemCache()
	windows := newWinStore()
	inv := inventory.NewManager(invCfg, logger)

	pl := New(
		DefaultConfig(),
		book.NewAnalyzer(book.DefaultConfig(), logger),
		flow.NewDetector(flow.DefaultConfig(), logger),
		sizing.NewSizer(sizing.DefaultConfig(), lookups, lookups, logger),
		inv,
		source,
		cache,
		windows,
		logger,
	)
	return &fixture{planner: pl, source: source, cache: cache, windows: windows, inv: inv}
}

func candidate(size float64) domain.Candidate {
	return domain.Candidate{
		ID:         "cand-1",
		Instrument: "mkt-1",
		Side:       domain.SideBuy,
		Size:       size,
		ModelProb:  0.65,
	}
}

func recordToxicFlow(w *flow.Window, now time.Time) {
	for i := 0; i < 30; i++ {
		w.RecordTrade(domain.TradePrint{
			Instrument: "mkt-1",
			Side:       domain.SideBuy,
			Price:      0.50 + float64(i)*0.003,
			Size:       50,
			Timestamp:  now.Add(-4*time.Minute + time.Duration(i)*7*time.Second),
		})
	}
}

func TestPlanAcceptsHealthyCandidate(t *testing.T) {
	f := newFixture(t, inventory.DefaultConfig())

	plan, err := f.planner.Plan(context.Background(), candidate(10), domain.UrgencyNormal)
	require.NoError(t, err)

	assert.Equal(t, domain.StateAccepted, plan.State)
	assert.Equal(t, domain.OutcomeAccepted, plan.Outcome)
	// Cold-start flow history halves the sized contracts conservatively, and
	// the dollar size tracks the final contract count, not the pre-halving one.
	assert.InDelta(t, 5, plan.SizedContracts, 1e-9)
	assert.InDelta(t, plan.SizedContracts*0.605, plan.DollarSize, 1e-9)
	assert.Contains(t, plan.Warnings, "insufficient flow history, sizing reduced")
	assert.Greater(t, plan.SafetyScore, 0.0)
	assert.Equal(t, domain.MethodRestingLimit, plan.Method.Kind)
	assert.InDelta(t, 0.61, plan.Method.LimitPrice, 1e-9)

	// The analyzed snapshot was cached with the configured TTL.
	assert.Equal(t, f.planner.cfg.BookCacheTTL, f.cache.lastTTL)
}

func TestPlanValidatesInput(t *testing.T) {
	f := newFixture(t, inventory.DefaultConfig())
	var input *domain.InputError

	c := candidate(10)
	c.Instrument = ""
	_, err := f.planner.Plan(context.Background(), c, domain.UrgencyNormal)
	assert.ErrorAs(t, err, &input)

	c = candidate(0)
	_, err = f.planner.Plan(context.Background(), c, domain.UrgencyNormal)
	assert.ErrorAs(t, err, &input)

	c = candidate(10)
	c.ModelProb = 1.5
	_, err = f.planner.Plan(context.Background(), c, domain.UrgencyNormal)
	assert.ErrorAs(t, err, &input)
}

func TestPlanRejectsStaleBook(t *testing.T) {
	f := newFixture(t, inventory.DefaultConfig())
	f.source.raw = healthyBook(time.Now().Add(-time.Minute))

	plan, err := f.planner.Plan(context.Background(), candidate(10), domain.UrgencyNormal)
	require.NoError(t, err)

	assert.Equal(t, domain.OutcomeRejected, plan.Outcome)
	assert.Contains(t, plan.Reason, "stale_book")
}

func TestPlanRejectsWhenBookUnavailable(t *testing.T) {
	f := newFixture(t, inventory.DefaultConfig())
	f.source.raw = domain.RawOrderBook{}
	f.source.err = domain.ErrNotFound

	plan, err := f.planner.Plan(context.Background(), candidate(10), domain.UrgencyNormal)
	require.NoError(t, err)

	assert.Equal(t, domain.OutcomeRejected, plan.Outcome)
	assert.Contains(t, plan.Reason, "book_unavailable")
}

func TestPlanRejectsToxicFlowEvenWhenUrgent(t *testing.T) {
	f := newFixture(t, inventory.DefaultConfig())
	recordToxicFlow(f.windows.Window("mkt-1"), time.Now())

	// 40 contracts against 100 of ask depth is non-trivial.
	plan, err := f.planner.Plan(context.Background(), candidate(40), domain.UrgencyUrgent)
	require.NoError(t, err)

	assert.Equal(t, domain.OutcomeRejected, plan.Outcome)
	assert.Contains(t, plan.Reason, "unsafe_market")
	assert.Contains(t, plan.Reason, "toxic_flow")
}

func TestPlanDefersOnFrontRunning(t *testing.T) {
	f := newFixture(t, inventory.DefaultConfig())
	now := time.Now()
	w := f.windows.Window("mkt-1")
	// Same-direction volume at prices well above mid, just before the order.
	for i := 0; i < 3; i++ {
		w.RecordTrade(domain.TradePrint{
			Instrument: "mkt-1",
			Side:       domain.SideBuy,
			Price:      0.63,
			Size:       40,
			Timestamp:  now.Add(-time.Duration(15-i*5) * time.Second),
		})
	}

	plan, err := f.planner.Plan(context.Background(), candidate(20), domain.UrgencyNormal)
	require.NoError(t, err)

	assert.Equal(t, domain.StateDeferred, plan.State)
	assert.Equal(t, domain.OutcomeDeferred, plan.Outcome)
	assert.Contains(t, plan.Reason, "front-running")
	assert.Equal(t, f.planner.cfg.DeferCooldown, plan.RetryAfter)
}

func TestPlanUrgentOverridesFrontRunDeferral(t *testing.T) {
	f := newFixture(t, inventory.DefaultConfig())
	now := time.Now()
	w := f.windows.Window("mkt-1")
	for i := 0; i < 3; i++ {
		w.RecordTrade(domain.TradePrint{
			Instrument: "mkt-1",
			Side:       domain.SideBuy,
			Price:      0.63,
			Size:       40,
			Timestamp:  now.Add(-time.Duration(15-i*5) * time.Second),
		})
	}

	plan, err := f.planner.Plan(context.Background(), candidate(20), domain.UrgencyUrgent)
	require.NoError(t, err)

	assert.Equal(t, domain.OutcomeAccepted, plan.Outcome)
	assert.Equal(t, domain.MethodImmediate, plan.Method.Kind)
	assert.True(t, hasWarning(plan, "front_running"), "expected a front-running warning on the accepted plan")
}

func hasWarning(plan domain.ExecutionPlan, substr string) bool {
	for _, warn := range plan.Warnings {
		if strings.Contains(warn, substr) {
			return true
		}
	}
	return false
}

func TestPlanRejectsOpposingForcedLiquidation(t *testing.T) {
	invCfg := inventory.DefaultConfig()
	invCfg.TotalCapital = 150
	f := newFixture(t, invCfg)

	// A long position far beyond the safe maximum mandates a sell-down;
	// buying more is blocked outright.
	_, err := f.inv.UpdateOnFill(domain.Fill{
		Instrument: "mkt-1", SignedQty: 65, Price: 0.60, VenueSeq: 1, Timestamp: time.Now(),
	})
	require.NoError(t, err)

	plan, err := f.planner.Plan(context.Background(), candidate(10), domain.UrgencyNormal)
	require.NoError(t, err)

	assert.Equal(t, domain.OutcomeRejected, plan.Outcome)
	assert.Contains(t, plan.Reason, "opposing_forced_liquidation")
}

func TestPlanLiquidationBypassesGates(t *testing.T) {
	f := newFixture(t, inventory.DefaultConfig())
	// Toxic flow that would reject a caller-initiated trade.
	recordToxicFlow(f.windows.Window("mkt-1"), time.Now())

	plan, err := f.planner.PlanLiquidation(context.Background(), domain.LiquidationOrder{
		Instrument: "mkt-1",
		Side:       domain.SideSell,
		Quantity:   60,
		Urgency:    domain.UrgencyHigh,
		Reason:     "position 90 exceeds max safe 30",
	})
	require.NoError(t, err)

	assert.Equal(t, domain.OutcomeAccepted, plan.Outcome)
	assert.True(t, plan.SystemInitiated)
	// High liquidation urgency escalates to urgent, which executes
	// immediately.
	assert.Equal(t, domain.UrgencyUrgent, plan.Urgency)
	assert.Equal(t, domain.MethodImmediate, plan.Method.Kind)
	assert.InDelta(t, 60, plan.SizedContracts, 1e-9)

	assert.True(t, hasWarning(plan, "liquidating into unsafe flow"), "expected an unsafe-flow warning")
	assert.True(t, hasWarning(plan, "forced liquidation"), "expected the forced-liquidation reason")
}

func TestPlanUrgentLiquidationPaysImpact(t *testing.T) {
	f := newFixture(t, inventory.DefaultConfig())
	// Thin bids: selling 60 blows through the 30 available inside the
	// slippage tolerance, a high-impact order by any measure.
	f.source.raw = domain.RawOrderBook{
		Instrument: "mkt-1",
		Timestamp:  time.Now(),
		Bids: []domain.PriceLevel{
			{Price: 0.60, Size: 30},
			{Price: 0.55, Size: 100},
		},
		Asks: []domain.PriceLevel{
			{Price: 0.61, Size: 50},
			{Price: 0.62, Size: 50},
		},
	}

	plan, err := f.planner.PlanLiquidation(context.Background(), domain.LiquidationOrder{
		Instrument: "mkt-1",
		Side:       domain.SideSell,
		Quantity:   60,
		Urgency:    domain.UrgencyHigh,
		Reason:     "inventory risk at hard ceiling",
	})
	require.NoError(t, err)

	// Urgency beats impact: the escalated liquidation crosses the spread
	// instead of queueing iceberg chunks, and the plan says what that costs.
	assert.Equal(t, domain.OutcomeAccepted, plan.Outcome)
	assert.Equal(t, domain.MethodImmediate, plan.Method.Kind)
	assert.True(t, hasWarning(plan, "urgent execution despite high impact"),
		"expected a slippage warning on the urgent high-impact plan")
}

func recordBenignFlow(w *flow.Window, now time.Time) {
	sides := []domain.Side{domain.SideBuy, domain.SideSell, domain.SideBuy, domain.SideSell}
	for i, side := range sides {
		w.RecordTrade(domain.TradePrint{
			Instrument: "mkt-1",
			Side:       side,
			Price:      0.605,
			Size:       4 + float64(i),
			Timestamp:  now.Add(-time.Duration(4-i) * time.Minute),
		})
	}
}

func TestPlanSizedUsesProvidedRecommendation(t *testing.T) {
	f := newFixture(t, inventory.DefaultConfig())
	recordBenignFlow(f.windows.Window("mkt-1"), time.Now())

	rec := domain.SizingRecommendation{
		Instrument:    "mkt-1",
		FinalFraction: 0.03,
		DollarSize:    1.85,
		MaxContracts:  3,
		Reasoning:     "portfolio pass",
	}
	plan, err := f.planner.PlanSized(context.Background(), candidate(10), domain.UrgencyNormal, &rec)
	require.NoError(t, err)

	assert.Equal(t, domain.OutcomeAccepted, plan.Outcome)
	assert.InDelta(t, 3, plan.SizedContracts, 1e-9)
	assert.InDelta(t, 3*0.605, plan.DollarSize, 1e-9)
}

func TestPlanSizedRejectsZeroRecommendation(t *testing.T) {
	f := newFixture(t, inventory.DefaultConfig())

	rec := domain.SizingRecommendation{Reasoning: "no positive edge: p=0.500 vs q=0.605"}
	plan, err := f.planner.PlanSized(context.Background(), candidate(10), domain.UrgencyNormal, &rec)
	require.NoError(t, err)

	assert.Equal(t, domain.OutcomeRejected, plan.Outcome)
	assert.Contains(t, plan.Reason, "non_positive_size")
}

// multiVolLookups serves per-instrument volatilities.
type multiVolLookups struct {
	vols map[string]float64
}

func (s *multiVolLookups) PortfolioCorrelation(ctx context.Context, instrument string, existing []domain.InventoryState) (float64, error) {
	return 0, nil
}

func (s *multiVolLookups) HistoricalVolatility(ctx context.Context, instrument string) (float64, error) {
	return s.vols[instrument], nil
}

// instrumentSource stamps the requested instrument into a fixed healthy book.
type instrumentSource struct{}

func (instrumentSource) Snapshot(ctx context.Context, instrument string) (domain.RawOrderBook, error) {
	raw := healthyBook(time.Now())
	raw.Instrument = instrument
	return raw, nil
}

func newMultiPlanner(t *testing.T, vols map[string]float64) *Planner {
	t.Helper()
	logger := slog.Default()
	lookups := &multiVolLookups{vols: vols}
	return New(
		DefaultConfig(),
		book.NewAnalyzer(book.DefaultConfig(), logger),
		flow.NewDetector(flow.DefaultConfig(), logger),
		sizing.NewSizer(sizing.DefaultConfig(), lookups, lookups, logger),
		inventory.NewManager(inventory.DefaultConfig(), logger),
		instrumentSource{},
		newMemCache(),
		newWinStore(),
		logger,
	)
}

func TestSizeBatchRenormalizesConcurrentLegs(t *testing.T) {
	pl := newMultiPlanner(t, map[string]float64{"calm-mkt": 0.10, "wild-mkt": 0.90})

	cands := []domain.Candidate{
		{ID: "c1", Instrument: "calm-mkt", Side: domain.SideBuy, Size: 50, ModelProb: 0.65},
		{ID: "c2", Instrument: "wild-mkt", Side: domain.SideBuy, Size: 50, ModelProb: 0.65},
	}
	recs := pl.SizeBatch(context.Background(), cands)

	require.Len(t, recs, 2)
	require.NotNil(t, recs[0])
	require.NotNil(t, recs[1])
	// The high-volatility leg's risk contribution dominated the batch and was
	// renormalized down; the calm leg keeps its standalone allocation.
	assert.NotContains(t, recs[0].Reasoning, "risk parity")
	assert.Contains(t, recs[1].Reasoning, "risk parity")
}

func TestSizeBatchSkipsIneligibleCandidates(t *testing.T) {
	pl := newMultiPlanner(t, map[string]float64{"calm-mkt": 0.10, "wild-mkt": 0.90})

	cands := []domain.Candidate{
		{ID: "c1", Instrument: "calm-mkt", Side: domain.SideBuy, Size: 50, ModelProb: 0.65},
		{ID: "liq", Instrument: "wild-mkt", Side: domain.SideSell, Size: 20, SystemInitiated: true},
	}
	recs := pl.SizeBatch(context.Background(), cands)

	require.Len(t, recs, 2)
	// A lone eligible leg gains nothing from a portfolio pass; both slots
	// fall back to standalone sizing.
	assert.Nil(t, recs[0])
	assert.Nil(t, recs[1])
}

func TestPlanServesCachedSnapshot(t *testing.T) {
	f := newFixture(t, inventory.DefaultConfig())

	_, err := f.planner.Plan(context.Background(), candidate(10), domain.UrgencyNormal)
	require.NoError(t, err)

	// A second plan with the source broken must still succeed off the cache.
	f.source.err = domain.ErrNotFound
	plan, err := f.planner.Plan(context.Background(), candidate(10), domain.UrgencyNormal)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeAccepted, plan.Outcome)
}

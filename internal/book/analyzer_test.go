package book

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantarb/execbot/internal/domain"
)

func testAnalyzer(t *testing.T, at time.Time) *Analyzer {
	t.Helper()
	a := NewAnalyzer(DefaultConfig(), slog.Default())
	a.now = func() time.Time { return at }
	return a
}

// healthyBook is two-sided with 300 total contracts and a one-cent spread.
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

func TestAnalyzeDerivesMetrics(t *testing.T) {
	now := time.Now()
	a := testAnalyzer(t, now)

	snap, err := a.Analyze(healthyBook(now))
	require.NoError(t, err)

	assert.Equal(t, "mkt-1", snap.Instrument)
	assert.InDelta(t, 0.60, snap.BestBid, 1e-9)
	assert.InDelta(t, 0.61, snap.BestAsk, 1e-9)
	assert.InDelta(t, 0.605, snap.MidPrice, 1e-9)
	assert.InDelta(t, 0.01, snap.Spread, 1e-9)
	assert.InDelta(t, 0.01/0.605, snap.SpreadPct, 1e-9)
	assert.InDelta(t, 200, snap.BidDepth, 1e-9)
	assert.InDelta(t, 100, snap.AskDepth, 1e-9)
	assert.InDelta(t, 300, snap.TotalDepth, 1e-9)
	assert.InDelta(t, (200.0-100.0)/300.0, snap.DepthImbalance, 1e-9)
	assert.Greater(t, snap.LiquidityScore, 0.0)
	assert.LessOrEqual(t, snap.LiquidityScore, 1.0)
}

func TestAnalyzeIsIdempotent(t *testing.T) {
	now := time.Now()
	a := testAnalyzer(t, now)
	raw := healthyBook(now)

	first, err := a.Analyze(raw)
	require.NoError(t, err)
	second, err := a.Analyze(raw)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestAnalyzeRejectsStaleBook(t *testing.T) {
	now := time.Now()
	a := testAnalyzer(t, now)

	raw := healthyBook(now.Add(-20 * time.Second))
	_, err := a.Analyze(raw)

	var stale *domain.StaleDataError
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, "mkt-1", stale.Instrument)
	assert.Greater(t, stale.Age, stale.Bound)
}

func TestAnalyzeRejectsDegenerateBooks(t *testing.T) {
	now := time.Now()
	a := testAnalyzer(t, now)

	oneSided := healthyBook(now)
	oneSided.Asks = nil
	_, err := a.Analyze(oneSided)
	var input *domain.InputError
	assert.ErrorAs(t, err, &input)

	crossed := healthyBook(now)
	crossed.Bids[0].Price = 0.62
	_, err = a.Analyze(crossed)
	assert.ErrorAs(t, err, &input)
}

func TestEstimateImpactSmallOrderFillsAtTouch(t *testing.T) {
	now := time.Now()
	a := testAnalyzer(t, now)
	snap, err := a.Analyze(healthyBook(now))
	require.NoError(t, err)

	est, err := a.EstimateImpact(snap, domain.SideBuy, 10)
	require.NoError(t, err)

	assert.InDelta(t, 0.61, est.ExpectedFillPrice, 1e-9)
	assert.InDelta(t, 0, est.SlippagePct, 1e-9)
	assert.Equal(t, domain.ImpactLow, est.Impact)
	assert.Equal(t, 1, est.RecommendedChunks)
}

func TestEstimateImpactLargeOrderWalksBook(t *testing.T) {
	now := time.Now()
	a := testAnalyzer(t, now)
	snap, err := a.Analyze(healthyBook(now))
	require.NoError(t, err)

	// 0.61 and 0.62 are within the 2% slippage bound of the 0.61 touch, so
	// the largest safe chunk is 40 contracts.
	est, err := a.EstimateImpact(snap, domain.SideBuy, 50)
	require.NoError(t, err)

	assert.InDelta(t, 40, est.LargestSafeChunk, 1e-9)
	// 20@0.61 + 20@0.62 + 10@0.63 = 30.90 over 50 contracts.
	assert.InDelta(t, 0.618, est.ExpectedFillPrice, 1e-9)
	assert.Equal(t, domain.ImpactHigh, est.Impact)
	assert.Equal(t, 2, est.RecommendedChunks)
}

func TestEstimateImpactBeyondVisibleDepth(t *testing.T) {
	now := time.Now()
	a := testAnalyzer(t, now)
	snap, err := a.Analyze(healthyBook(now))
	require.NoError(t, err)

	// Only 100 contracts visible on the ask side; the remainder is assumed
	// at the worst visible level.
	est, err := a.EstimateImpact(snap, domain.SideBuy, 150)
	require.NoError(t, err)

	assert.Equal(t, domain.ImpactHigh, est.Impact)
	assert.Contains(t, est.Reasoning, "beyond visible depth")
	assert.InDelta(t, (20*0.61+20*0.62+60*0.63+50*0.63)/150, est.ExpectedFillPrice, 1e-9)
}

func TestEstimateImpactSecondLevelBeyondTolerance(t *testing.T) {
	now := time.Now()
	a := testAnalyzer(t, now)

	raw := domain.RawOrderBook{
		Instrument: "mkt-2",
		Timestamp:  now,
		Bids:       []domain.PriceLevel{{Price: 0.58, Size: 45}},
		Asks: []domain.PriceLevel{
			{Price: 0.61, Size: 23},
			{Price: 0.63, Size: 40},
		},
	}
	snap, err := a.Analyze(raw)
	require.NoError(t, err)

	small, err := a.EstimateImpact(snap, domain.SideBuy, 10)
	require.NoError(t, err)
	assert.InDelta(t, 0.61, small.ExpectedFillPrice, 1e-9)
	assert.Equal(t, domain.ImpactLow, small.Impact)
	assert.Equal(t, 1, small.RecommendedChunks)

	// 0.63 is 3.3% above the touch, past the 2% tolerance: only the 23 at
	// the touch are safe, so the 50-lot is high impact and gets split.
	large, err := a.EstimateImpact(snap, domain.SideBuy, 50)
	require.NoError(t, err)
	assert.InDelta(t, (23*0.61+27*0.63)/50, large.ExpectedFillPrice, 1e-9)
	assert.InDelta(t, 23, large.LargestSafeChunk, 1e-9)
	assert.Equal(t, domain.ImpactHigh, large.Impact)
	assert.GreaterOrEqual(t, large.RecommendedChunks, 2)
}

func TestEstimateImpactRejectsNonPositiveSize(t *testing.T) {
	now := time.Now()
	a := testAnalyzer(t, now)
	snap, err := a.Analyze(healthyBook(now))
	require.NoError(t, err)

	_, err = a.EstimateImpact(snap, domain.SideBuy, 0)
	var input *domain.InputError
	assert.ErrorAs(t, err, &input)
}

func TestOptimalLimitPriceInterpolates(t *testing.T) {
	now := time.Now()
	a := testAnalyzer(t, now)
	snap, err := a.Analyze(healthyBook(now))
	require.NoError(t, err)

	// aggressiveness 0 rests at mid (rounded to a cent), 1 crosses the touch.
	assert.InDelta(t, 0.61, a.OptimalLimitPrice(snap, domain.SideBuy, 0), 1e-9)
	assert.InDelta(t, 0.61, a.OptimalLimitPrice(snap, domain.SideBuy, 1), 1e-9)
	assert.InDelta(t, 0.60, a.OptimalLimitPrice(snap, domain.SideSell, 1), 1e-9)
}

func TestShouldSkipWideSpread(t *testing.T) {
	now := time.Now()
	a := testAnalyzer(t, now)

	raw := healthyBook(now)
	raw.Bids[0].Price = 0.50 // spread 0.11 over mid 0.555
	snap, err := a.Analyze(raw)
	require.NoError(t, err)

	skip, reason := a.ShouldSkip(snap)
	assert.True(t, skip)
	assert.Contains(t, reason, "spread too wide")
}

func TestShouldSkipThinBook(t *testing.T) {
	now := time.Now()
	a := testAnalyzer(t, now)

	raw := domain.RawOrderBook{
		Instrument: "mkt-thin",
		Timestamp:  now,
		Bids:       []domain.PriceLevel{{Price: 0.60, Size: 5}},
		Asks:       []domain.PriceLevel{{Price: 0.61, Size: 5}},
	}
	snap, err := a.Analyze(raw)
	require.NoError(t, err)

	skip, reason := a.ShouldSkip(snap)
	assert.True(t, skip)
	assert.Contains(t, reason, "insufficient liquidity")
}

func TestShouldSkipAcceptsHealthyBook(t *testing.T) {
	now := time.Now()
	a := testAnalyzer(t, now)
	snap, err := a.Analyze(healthyBook(now))
	require.NoError(t, err)

	skip, reason := a.ShouldSkip(snap)
	assert.False(t, skip)
	assert.Empty(t, reason)
}

func TestDetectAnomaliesNeedsHistory(t *testing.T) {
	now := time.Now()
	a := testAnalyzer(t, now)
	snap, err := a.Analyze(healthyBook(now))
	require.NoError(t, err)

	flags := a.DetectAnomalies([]domain.OrderBookSnapshot{snap}, nil, 0, DefaultAnomalyConfig())
	assert.False(t, flags.LiquidityWithdrawal)
	assert.False(t, flags.ExtremeImbalance)
	assert.False(t, flags.QuoteStuffing)
}

func TestDetectAnomaliesLiquidityWithdrawal(t *testing.T) {
	now := time.Now()
	a := testAnalyzer(t, now)

	prev := domain.OrderBookSnapshot{BidDepthTop: 100, AskDepthTop: 100}
	cur := domain.OrderBookSnapshot{BidDepthTop: 40, AskDepthTop: 40}

	// 60% of top-level depth vanished with almost nothing traded.
	flags := a.DetectAnomalies([]domain.OrderBookSnapshot{prev, cur}, nil, 10, DefaultAnomalyConfig())
	assert.True(t, flags.LiquidityWithdrawal)

	// The same drop explained by trades is not a withdrawal.
	flags = a.DetectAnomalies([]domain.OrderBookSnapshot{prev, cur}, nil, 110, DefaultAnomalyConfig())
	assert.False(t, flags.LiquidityWithdrawal)
}

func TestDetectAnomaliesExtremeImbalance(t *testing.T) {
	now := time.Now()
	a := testAnalyzer(t, now)

	prev := domain.OrderBookSnapshot{BidDepthTop: 50, AskDepthTop: 50}
	cur := domain.OrderBookSnapshot{BidDepthTop: 50, AskDepthTop: 50, DepthImbalance: 0.8}

	flags := a.DetectAnomalies([]domain.OrderBookSnapshot{prev, cur}, nil, 0, DefaultAnomalyConfig())
	assert.True(t, flags.ExtremeImbalance)
}

func TestDetectAnomaliesQuoteStuffing(t *testing.T) {
	now := time.Now()
	a := testAnalyzer(t, now)

	prev := domain.OrderBookSnapshot{BidDepthTop: 50, AskDepthTop: 50}
	cur := domain.OrderBookSnapshot{BidDepthTop: 50, AskDepthTop: 50}

	events := make([]domain.BookEvent, 0, 8)
	for i := 0; i < 8; i++ {
		events = append(events, domain.BookEvent{
			Instrument: "mkt-1",
			Type:       domain.BookEventAdd,
			TopOfBook:  true,
			Timestamp:  now,
		})
	}

	flags := a.DetectAnomalies([]domain.OrderBookSnapshot{prev, cur}, events, 0, DefaultAnomalyConfig())
	assert.True(t, flags.QuoteStuffing)
}

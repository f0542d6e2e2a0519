package planner

import (
	"log/slog"
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

func methodPlanner(t *testing.T) *Planner {
	t.Helper()
	logger := slog.Default()
	lookups := &stubLookups{vol: 0.10}
	return New(
		DefaultConfig(),
		book.NewAnalyzer(book.DefaultConfig(), logger),
		flow.NewDetector(flow.DefaultConfig(), logger),
		sizing.NewSizer(sizing.DefaultConfig(), lookups, lookups, logger),
		inventory.NewManager(inventory.DefaultConfig(), logger),
		&stubSource{},
		newMemCache(),
		newWinStore(),
		logger,
	)
}

func methodSnap() domain.OrderBookSnapshot {
	return domain.OrderBookSnapshot{
		Instrument: "mkt-1",
		BestBid:    0.60,
		BestAsk:    0.61,
		MidPrice:   0.605,
		BidDepth:   100,
		AskDepth:   100,
	}
}

func lowImpact(size float64) domain.MarketImpactEstimate {
	return domain.MarketImpactEstimate{
		Impact:           domain.ImpactLow,
		OrderSize:        size,
		SlippagePct:      0.001,
		LargestSafeChunk: 40,
	}
}

func chunkSum(chunks []domain.Chunk) float64 {
	var sum float64
	for _, c := range chunks {
		sum += c.Size
	}
	return sum
}

func TestSelectMethodHighImpactIsIceberg(t *testing.T) {
	p := methodPlanner(t)
	impact := domain.MarketImpactEstimate{
		Impact:           domain.ImpactHigh,
		LargestSafeChunk: 40,
	}

	m := p.selectMethod(methodSnap(), impact, domain.SideBuy, 100, domain.UrgencyNormal, 0.9)

	assert.Equal(t, domain.MethodIceberg, m.Kind)
	require.NotEmpty(t, m.Chunks)
	assert.InDelta(t, 100, chunkSum(m.Chunks), 1e-9)
	for _, c := range m.Chunks {
		assert.LessOrEqual(t, c.Size, 40.0)
	}
	assert.Zero(t, m.Chunks[len(m.Chunks)-1].Delay)
}

func TestSelectMethodUrgentOverridesHighImpact(t *testing.T) {
	p := methodPlanner(t)
	impact := domain.MarketImpactEstimate{
		Impact:           domain.ImpactHigh,
		SlippagePct:      0.04,
		LargestSafeChunk: 40,
	}

	// An urgent order pays the slippage instead of waiting out chunk delays.
	m := p.selectMethod(methodSnap(), impact, domain.SideBuy, 100, domain.UrgencyUrgent, 0.9)
	assert.Equal(t, domain.MethodImmediate, m.Kind)
	assert.Empty(t, m.Chunks)
}

func TestSelectMethodUrgentIsImmediate(t *testing.T) {
	p := methodPlanner(t)
	m := p.selectMethod(methodSnap(), lowImpact(10), domain.SideBuy, 10, domain.UrgencyUrgent, 0.1)
	assert.Equal(t, domain.MethodImmediate, m.Kind)
}

func TestSelectMethodSafeCheapDeepIsImmediate(t *testing.T) {
	p := methodPlanner(t)
	m := p.selectMethod(methodSnap(), lowImpact(30), domain.SideBuy, 30, domain.UrgencyNormal, 0.80)
	assert.Equal(t, domain.MethodImmediate, m.Kind)
}

func TestSelectMethodLowUrgencyIsTimeSliced(t *testing.T) {
	p := methodPlanner(t)
	m := p.selectMethod(methodSnap(), lowImpact(50), domain.SideBuy, 50, domain.UrgencyLow, 0.5)

	assert.Equal(t, domain.MethodTimeSliced, m.Kind)
	assert.Len(t, m.Chunks, p.cfg.TimeSliceCount)
	assert.InDelta(t, 50, chunkSum(m.Chunks), 1e-9)
}

func TestSelectMethodDefaultIsRestingLimit(t *testing.T) {
	p := methodPlanner(t)
	m := p.selectMethod(methodSnap(), lowImpact(30), domain.SideBuy, 30, domain.UrgencyNormal, 0.5)

	assert.Equal(t, domain.MethodRestingLimit, m.Kind)
	assert.Equal(t, p.cfg.RestingLimitTimeout, m.LimitTimeout)
	assert.InDelta(t, 0.61, m.LimitPrice, 1e-9)
}

func TestRestingLimitBoundedNearTouch(t *testing.T) {
	p := methodPlanner(t)
	snap := domain.OrderBookSnapshot{
		Instrument: "mkt-wide",
		BestBid:    0.30,
		BestAsk:    0.50,
		MidPrice:   0.40,
		BidDepth:   100,
		AskDepth:   100,
	}

	m := p.selectMethod(snap, lowImpact(30), domain.SideBuy, 30, domain.UrgencyNormal, 0.5)

	require.Equal(t, domain.MethodRestingLimit, m.Kind)
	// Mid-anchored price would rest 0.05 away from the touch; it is pulled
	// in to the configured maximum offset.
	assert.InDelta(t, 0.48, m.LimitPrice, 1e-9)
}

func TestEqualChunksAbsorbRemainder(t *testing.T) {
	chunks := equalChunks(50, 3, 2*time.Second)

	require.Len(t, chunks, 3)
	assert.InDelta(t, 50, chunkSum(chunks), 1e-9)
	assert.Equal(t, 2*time.Second, chunks[0].Delay)
	assert.Equal(t, 2*time.Second, chunks[1].Delay)
	assert.Zero(t, chunks[2].Delay)
}

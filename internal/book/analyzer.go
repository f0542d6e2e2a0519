// Package book computes microstructure metrics from raw orderbook snapshots:
// spread, depth, liquidity scoring, market-impact estimation, and
// rolling-window anomaly detection.
package book

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/quantarb/execbot/internal/domain"
)

// Config holds the tunable parameters for book analysis. All thresholds are
// validated configuration, not fixed constants.
type Config struct {
	TopLevels         int           // levels counted into BidDepth/AskDepth
	MaxSnapshotAge    time.Duration // staleness bound; older books fail
	MaxSlippagePct    float64       // tolerance defining the largest safe chunk
	MediumSlippagePct float64       // low/medium impact boundary
	FullBookDepth     float64       // total contracts at which depth scores 1.0
	WideSpreadPct     float64       // spread_pct considered wide
	MinTotalLiquidity float64       // below this the market is skipped
	ThinLiquidityMin  float64       // minimum acceptable liquidity score
}

// DefaultConfig returns the analyzer defaults used when config omits values.
func DefaultConfig() Config {
	return Config{
		TopLevels:         5,
		MaxSnapshotAge:    10 * time.Second,
		MaxSlippagePct:    0.02,
		MediumSlippagePct: 0.005,
		FullBookDepth:     500,
		WideSpreadPct:     0.03,
		MinTotalLiquidity: 50,
		ThinLiquidityMin:  0.2,
	}
}

// Analyzer derives OrderBookSnapshots and impact estimates from raw books.
// It holds no per-instrument state and is safe for concurrent use.
type Analyzer struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// NewAnalyzer creates an Analyzer with the given config.
func NewAnalyzer(cfg Config, logger *slog.Logger) *Analyzer {
	return &Analyzer{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "book_analyzer")),
		now:    time.Now,
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Analyze validates a raw book and computes the derived snapshot. It is
// idempotent: identical raw input yields identical output. A book older than
// the staleness bound fails with a *domain.StaleDataError rather than being
// treated as safe.
func (a *Analyzer) Analyze(raw domain.RawOrderBook) (domain.OrderBookSnapshot, error) {
	if raw.Instrument == "" {
		return domain.OrderBookSnapshot{}, &domain.InputError{Field: "instrument", Detail: "empty instrument id"}
	}
	if len(raw.Bids) == 0 || len(raw.Asks) == 0 {
		return domain.OrderBookSnapshot{}, &domain.InputError{
			Field:  "book",
			Detail: fmt.Sprintf("one-sided book: %d bids, %d asks", len(raw.Bids), len(raw.Asks)),
		}
	}
	if age := a.now().Sub(raw.Timestamp); age > a.cfg.MaxSnapshotAge {
		return domain.OrderBookSnapshot{}, &domain.StaleDataError{
			Instrument: raw.Instrument,
			Age:        age,
			Bound:      a.cfg.MaxSnapshotAge,
		}
	}

	bestBid := raw.Bids[0].Price
	bestAsk := raw.Asks[0].Price
	if bestBid <= 0 || bestAsk <= 0 || bestAsk <= bestBid {
		return domain.OrderBookSnapshot{}, &domain.InputError{
			Field:  "book",
			Detail: fmt.Sprintf("crossed or degenerate book: bid %.4f, ask %.4f", bestBid, bestAsk),
		}
	}

	mid := (bestBid + bestAsk) / 2
	spread := bestAsk - bestBid
	spreadPct := spread / mid

	topN := a.cfg.TopLevels
	var bidDepth, askDepth, totalDepth float64
	for i, lvl := range raw.Bids {
		totalDepth += lvl.Size
		if i < topN {
			bidDepth += lvl.Size
		}
	}
	for i, lvl := range raw.Asks {
		totalDepth += lvl.Size
		if i < topN {
			askDepth += lvl.Size
		}
	}

	var imbalance float64
	if bidDepth+askDepth > 0 {
		imbalance = (bidDepth - askDepth) / (bidDepth + askDepth)
	}

	// Liquidity score: the product of a depth component that saturates at
	// FullBookDepth total contracts and a spread component that halves at
	// WideSpreadPct. Increasing in depth, decreasing in spread_pct.
	depthComponent := clamp01(totalDepth / a.cfg.FullBookDepth)
	spreadComponent := 1 / (1 + spreadPct/a.cfg.WideSpreadPct)
	liquidity := clamp01(depthComponent * spreadComponent)

	snap := domain.OrderBookSnapshot{
		Instrument:     raw.Instrument,
		Timestamp:      raw.Timestamp,
		BestBid:        bestBid,
		BestAsk:        bestAsk,
		MidPrice:       mid,
		Spread:         spread,
		SpreadPct:      spreadPct,
		BidDepthTop:    raw.Bids[0].Size,
		AskDepthTop:    raw.Asks[0].Size,
		BidDepth:       bidDepth,
		AskDepth:       askDepth,
		TotalDepth:     totalDepth,
		DepthImbalance: imbalance,
		LiquidityScore: liquidity,
		Bids:           raw.Bids,
		Asks:           raw.Asks,
	}
	return snap, nil
}

// EstimateImpact walks the visible levels consuming the requested size and
// returns the volume-weighted expected fill price, realized slippage against
// the touch, an impact class, and a chunking recommendation. Any portion of
// the order beyond the largest chunk fillable within MaxSlippagePct of the
// touch classifies the order as high impact.
func (a *Analyzer) EstimateImpact(snap domain.OrderBookSnapshot, side domain.Side, size float64) (domain.MarketImpactEstimate, error) {
	if size <= 0 {
		return domain.MarketImpactEstimate{}, &domain.InputError{Field: "size", Detail: "order size must be positive"}
	}

	levels := snap.Asks
	if side == domain.SideSell {
		levels = snap.Bids
	}
	if len(levels) == 0 {
		return domain.MarketImpactEstimate{}, &domain.InputError{Field: "book", Detail: "no levels on consumed side"}
	}
	touch := levels[0].Price

	levelSlippage := func(price float64) float64 {
		if side == domain.SideBuy {
			return (price - touch) / touch
		}
		return (touch - price) / touch
	}

	var largestSafe float64
	for _, lvl := range levels {
		if levelSlippage(lvl.Price) > a.cfg.MaxSlippagePct {
			break
		}
		largestSafe += lvl.Size
	}

	// Walk the book.
	remaining := size
	var cost float64
	worst := touch
	for _, lvl := range levels {
		take := math.Min(remaining, lvl.Size)
		cost += take * lvl.Price
		worst = lvl.Price
		remaining -= take
		if remaining <= 0 {
			break
		}
	}
	if remaining > 0 {
		// Order exceeds visible depth: assume the unfillable remainder at
		// the worst visible level. A pessimistic floor, flagged below.
		cost += remaining * worst
	}
	avgFill := cost / size
	slippagePct := levelSlippage(avgFill)

	est := domain.MarketImpactEstimate{
		Instrument:        snap.Instrument,
		Side:              side,
		OrderSize:         size,
		ExpectedFillPrice: avgFill,
		SlippagePct:       slippagePct,
		LargestSafeChunk:  largestSafe,
		RecommendedChunks: 1,
	}

	switch {
	case size > largestSafe:
		est.Impact = domain.ImpactHigh
		if largestSafe > 0 {
			est.RecommendedChunks = int(math.Ceil(size / largestSafe))
		} else {
			est.RecommendedChunks = 2
		}
		est.Reasoning = fmt.Sprintf("size %.0f exceeds largest safe chunk %.0f within %.1f%% slippage; split into %d chunks",
			size, largestSafe, a.cfg.MaxSlippagePct*100, est.RecommendedChunks)
	case slippagePct > a.cfg.MediumSlippagePct:
		est.Impact = domain.ImpactMedium
		est.Reasoning = fmt.Sprintf("expected slippage %.2f%% above low-impact bound", slippagePct*100)
	default:
		est.Impact = domain.ImpactLow
		est.Reasoning = fmt.Sprintf("size %.0f fills near touch %.2f", size, touch)
	}
	if remaining > 0 {
		est.Reasoning += fmt.Sprintf("; %.0f contracts beyond visible depth", remaining)
	}
	return est, nil
}

// OptimalLimitPrice interpolates a limit price between mid and the touch on
// the consumed side. aggressiveness 0 rests at mid, 1 crosses to the touch.
// The result is rounded to a cent and clamped to the valid contract band.
func (a *Analyzer) OptimalLimitPrice(snap domain.OrderBookSnapshot, side domain.Side, aggressiveness float64) float64 {
	aggressiveness = clamp01(aggressiveness)
	passive := snap.MidPrice
	aggressive := snap.BestAsk
	if side == domain.SideSell {
		aggressive = snap.BestBid
	}
	price := passive + aggressiveness*(aggressive-passive)
	price = math.Round(price*100) / 100
	return math.Max(0.01, math.Min(0.99, price))
}

// ShouldSkip reports whether book quality alone disqualifies the market:
// wide spread, insufficient total liquidity, a thin liquidity score, or a
// one-sided top of book.
func (a *Analyzer) ShouldSkip(snap domain.OrderBookSnapshot) (bool, string) {
	if snap.SpreadPct > a.cfg.WideSpreadPct {
		return true, fmt.Sprintf("spread too wide: %.1f%%", snap.SpreadPct*100)
	}
	if snap.TotalDepth < a.cfg.MinTotalLiquidity {
		return true, fmt.Sprintf("insufficient liquidity: %.0f contracts", snap.TotalDepth)
	}
	if snap.LiquidityScore < a.cfg.ThinLiquidityMin {
		return true, fmt.Sprintf("market too thin: score %.2f", snap.LiquidityScore)
	}
	if snap.BidDepth == 0 || snap.AskDepth == 0 {
		return true, "one-sided order book"
	}
	return false, ""
}

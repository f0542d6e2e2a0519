package domain

import "time"

// Side indicates the direction of an order or trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// PriceLevel is a single price+size entry in an orderbook.
type PriceLevel struct {
	Price float64
	Size  float64
}

// RawOrderBook is an unprocessed book as delivered by the market-data feed.
// Prices are contract prices in (0,1); sizes are contract counts.
type RawOrderBook struct {
	Instrument string
	Bids       []PriceLevel // sorted best (highest) first
	Asks       []PriceLevel // sorted best (lowest) first
	Timestamp  time.Time
}

// OrderBookSnapshot is the analyzed, immutable view of a raw book. It is
// produced once per poll and cached with a TTL; all derived metrics are
// deterministic functions of the raw input.
type OrderBookSnapshot struct {
	Instrument string
	Timestamp  time.Time

	BestBid   float64
	BestAsk   float64
	MidPrice  float64
	Spread    float64 // ask - bid
	SpreadPct float64 // spread / mid

	BidDepthTop float64 // contracts at best bid
	AskDepthTop float64 // contracts at best ask
	BidDepth    float64 // contracts across top-N bid levels
	AskDepth    float64 // contracts across top-N ask levels
	TotalDepth  float64 // contracts across the whole book

	DepthImbalance float64 // (bid - ask) / (bid + ask), in [-1, 1]
	LiquidityScore float64 // in [0, 1]

	Bids []PriceLevel
	Asks []PriceLevel
}

// ImpactClass buckets the expected market impact of an order.
type ImpactClass string

const (
	ImpactLow    ImpactClass = "low"
	ImpactMedium ImpactClass = "medium"
	ImpactHigh   ImpactClass = "high"
)

// MarketImpactEstimate is the expected cost of executing a given size against
// the visible book.
type MarketImpactEstimate struct {
	Instrument string
	Side       Side
	OrderSize  float64

	ExpectedFillPrice float64 // volume-weighted across consumed levels
	SlippagePct       float64 // vs. the touch price on the consumed side
	Impact            ImpactClass

	LargestSafeChunk  float64 // max size fillable within the slippage tolerance
	RecommendedChunks int     // ceil(size / largest safe chunk), >= 1
	Reasoning         string
}

// BookAnomalies are flags raised by rolling-window book inspection.
type BookAnomalies struct {
	LiquidityWithdrawal bool
	ExtremeImbalance    bool
	QuoteStuffing       bool
	Notes               []string
}

// Any reports whether at least one anomaly flag is raised.
func (a BookAnomalies) Any() bool {
	return a.LiquidityWithdrawal || a.ExtremeImbalance || a.QuoteStuffing
}

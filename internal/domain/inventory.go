package domain

import "time"

// Fill is a venue-confirmed execution. VenueSeq is the venue-assigned
// sequence number; fills must be applied to inventory in VenueSeq order, not
// arrival order.
type Fill struct {
	ID         string
	Instrument string
	SignedQty  float64 // positive = bought, negative = sold
	Price      float64
	VenueSeq   int64
	Timestamp  time.Time
}

// InventoryState is a pure projection of the confirmed-fill log for one
// instrument. It is never mutated directly; only recorded fills change it.
type InventoryState struct {
	Instrument string
	AsOf       time.Time

	NetPosition   float64 // signed contract count
	PositionValue float64 // |net| * mark price
	PositionPct   float64 // fraction of total portfolio capital

	InventoryRisk   float64 // in [0, 1]
	MaxSafePosition float64 // contract count

	RecommendedSkew   float64 // in [-1, 1]; negative favors selling
	ShouldStopQuoting bool

	LastVenueSeq int64
}

// LiquidationOrder is a system-mandated position reduction. It is not an
// error: it takes priority over requested trades and is surfaced as a
// distinct, system-initiated candidate.
type LiquidationOrder struct {
	Instrument string
	Side       Side
	Quantity   float64
	Urgency    Urgency
	Reason     string
}

// QuoteAdjustment is an inventory-skewed two-sided quote for market-making
// callers.
type QuoteAdjustment struct {
	BidPrice  float64
	AskPrice  float64
	BidSize   float64
	AskSize   float64
	Reasoning string
}

package domain

import "time"

// TradePrint is a single executed trade observed on the feed.
type TradePrint struct {
	Instrument string
	Side       Side
	Price      float64
	Size       float64
	Timestamp  time.Time
}

// BookEventType classifies an incremental book change.
type BookEventType string

const (
	BookEventAdd    BookEventType = "add"
	BookEventCancel BookEventType = "cancel"
)

// BookEvent is an order added to or pulled from the book, used for spoofing
// and quote-stuffing detection.
type BookEvent struct {
	Instrument string
	Type       BookEventType
	Side       Side
	Price      float64
	Size       float64
	TopOfBook  bool
	Timestamp  time.Time
}

// PatternFlags mark specific adversarial patterns detected in recent flow.
type PatternFlags struct {
	FrontRunning        bool
	Spoofing            bool
	WashTrading         bool
	LiquidityWithdrawal bool
}

// FlowProfile summarizes a sliding window of trade flow for one instrument.
// It is recomputed per window and discarded afterwards.
type FlowProfile struct {
	Instrument  string
	WindowStart time.Time
	WindowEnd   time.Time

	BuyVolume       float64
	SellVolume      float64
	VolumeImbalance float64 // (buy - sell) / (buy + sell), in [-1, 1]
	TradesPerMinute float64
	AvgTradeSize    float64
	PriceMovement   float64 // fractional price change over the window
	VWAP            float64

	ToxicityScore    float64 // in [0, 1]
	IsToxic          bool
	InsufficientData bool
	Patterns         PatternFlags
}

// SafetyVerdict is the result of a flow-vs-book safety check.
type SafetyVerdict struct {
	Safe             bool
	Score            float64 // toxicity score backing the verdict, in [0, 1]
	Reasons          []string
	InsufficientData bool
}

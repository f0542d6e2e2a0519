package inventory

import (
	"fmt"
	"math"

	"github.com/quantarb/execbot/internal/domain"
)

// OptimalQuotes produces inventory-skewed two-sided quotes around mid.
// Positive skew shifts both quotes up (encouraging buying from us less,
// selling to us more); sizes shrink on the side that would grow the
// position.
func (m *Manager) OptimalQuotes(state domain.InventoryState, mid, baseSpread, maxQuoteSize float64) domain.QuoteAdjustment {
	// Widen the spread as inventory risk rises.
	halfSpread := baseSpread * (1 + state.InventoryRisk) / 2
	skewAmount := halfSpread * state.RecommendedSkew

	bid := mid - halfSpread + skewAmount
	ask := mid + halfSpread + skewAmount
	bid = math.Max(0.01, math.Min(0.98, math.Round(bid*100)/100))
	ask = math.Max(0.02, math.Min(0.99, math.Round(ask*100)/100))

	bidSize, askSize := maxQuoteSize, maxQuoteSize
	var reasoning string
	switch {
	case state.NetPosition > 0 && state.MaxSafePosition > 0:
		ratio := math.Min(1, state.NetPosition/state.MaxSafePosition)
		bidSize = math.Max(1, maxQuoteSize*(1-ratio))
		reasoning = fmt.Sprintf("long %.0f (%.1f%% of portfolio): bid size reduced to %.0f",
			state.NetPosition, state.PositionPct*100, bidSize)
	case state.NetPosition < 0 && state.MaxSafePosition > 0:
		ratio := math.Min(1, -state.NetPosition/state.MaxSafePosition)
		askSize = math.Max(1, maxQuoteSize*(1-ratio))
		reasoning = fmt.Sprintf("short %.0f (%.1f%% of portfolio): ask size reduced to %.0f",
			-state.NetPosition, state.PositionPct*100, askSize)
	default:
		reasoning = "neutral position, quoting evenly"
	}

	return domain.QuoteAdjustment{
		BidPrice:  bid,
		AskPrice:  ask,
		BidSize:   bidSize,
		AskSize:   askSize,
		Reasoning: reasoning,
	}
}

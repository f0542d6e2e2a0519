package book

import (
	"fmt"

	"github.com/quantarb/execbot/internal/domain"
)

// AnomalyConfig holds the rolling-window anomaly thresholds.
type AnomalyConfig struct {
	WithdrawalDropPct float64 // top-level depth drop fraction flagging withdrawal
	ExtremeImbalance  float64 // |depth_imbalance| above this is extreme
	StuffingEvents    int     // top-of-book add/cancel events per window
}

// DefaultAnomalyConfig returns the anomaly-detection defaults.
func DefaultAnomalyConfig() AnomalyConfig {
	return AnomalyConfig{
		WithdrawalDropPct: 0.5,
		ExtremeImbalance:  0.7,
		StuffingEvents:    8,
	}
}

// DetectAnomalies inspects a short history of snapshots (oldest first) plus
// the book events and traded volume observed between the last two snapshots.
// A top-level depth drop without a matching traded volume is a liquidity
// withdrawal; heavy one-sided depth is extreme imbalance; a burst of
// top-of-book add/cancel events is quote stuffing.
func (a *Analyzer) DetectAnomalies(history []domain.OrderBookSnapshot, events []domain.BookEvent, tradedVolume float64, cfg AnomalyConfig) domain.BookAnomalies {
	var out domain.BookAnomalies
	if len(history) < 2 {
		return out
	}
	prev := history[len(history)-2]
	cur := history[len(history)-1]

	prevTop := prev.BidDepthTop + prev.AskDepthTop
	curTop := cur.BidDepthTop + cur.AskDepthTop
	if prevTop > 0 {
		drop := (prevTop - curTop) / prevTop
		// Depth pulled, not traded away.
		if drop > cfg.WithdrawalDropPct && tradedVolume < (prevTop-curTop)/2 {
			out.LiquidityWithdrawal = true
			out.Notes = append(out.Notes, fmt.Sprintf(
				"liquidity_withdrawal: top depth %.0f -> %.0f (-%.0f%%) with %.0f traded",
				prevTop, curTop, drop*100, tradedVolume))
		}
	}

	if imb := cur.DepthImbalance; imb > cfg.ExtremeImbalance || imb < -cfg.ExtremeImbalance {
		out.ExtremeImbalance = true
		side := "buy"
		if imb < 0 {
			side = "sell"
		}
		out.Notes = append(out.Notes, fmt.Sprintf("extreme_imbalance: %s pressure %.0f%%", side, abs(imb)*100))
	}

	topEvents := 0
	for _, ev := range events {
		if ev.TopOfBook {
			topEvents++
		}
	}
	if topEvents >= cfg.StuffingEvents {
		out.QuoteStuffing = true
		out.Notes = append(out.Notes, fmt.Sprintf("quote_stuffing: %d top-of-book add/cancel events", topEvents))
	}
	return out
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

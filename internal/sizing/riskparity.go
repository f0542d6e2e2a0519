package sizing

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/quantarb/execbot/internal/domain"
)

// SizePortfolio sizes a set of concurrently considered opportunities and
// renormalizes them so no single position's risk contribution (final
// fraction × volatility) exceeds RiskParityMaxShare times the equal share.
// Recommendations keep their one-to-one order with opportunities; entries
// with zero FinalFraction pass through untouched.
func (s *Sizer) SizePortfolio(ctx context.Context, opps []domain.Opportunity, existing []domain.InventoryState) ([]domain.SizingRecommendation, error) {
	recs := make([]domain.SizingRecommendation, len(opps))
	vols := make([]float64, len(opps))

	for i, opp := range opps {
		if opp.Volatility <= 0 {
			v, err := s.vol.HistoricalVolatility(ctx, opp.Instrument)
			var insErr *domain.InsufficientDataError
			switch {
			case errors.As(err, &insErr):
				// Size handles the cold start itself; leave volatility unset.
			case err != nil:
				return nil, fmt.Errorf("sizing: portfolio volatility lookup: %w", err)
			default:
				opp.Volatility = v
			}
		}
		vols[i] = opp.Volatility

		rec, err := s.Size(ctx, opp, existing)
		if err != nil {
			return nil, err
		}
		recs[i] = rec
	}

	// Risk contribution per position; unknown volatility falls back to the
	// baseline so cold-start entries still participate.
	var totalRisk float64
	risks := make([]float64, len(recs))
	active := 0
	for i, rec := range recs {
		if rec.FinalFraction <= 0 {
			continue
		}
		v := vols[i]
		if v <= 0 {
			v = s.cfg.VolatilityBaseline
		}
		risks[i] = rec.FinalFraction * v
		totalRisk += risks[i]
		active++
	}
	if active == 0 || totalRisk == 0 {
		return recs, nil
	}

	maxShare := totalRisk / float64(active) * s.cfg.RiskParityMaxShare
	for i := range recs {
		if risks[i] <= maxShare || risks[i] == 0 {
			continue
		}
		factor := maxShare / risks[i]
		rec := &recs[i]
		rec.FinalFraction *= factor
		rec.DollarSize = rec.FinalFraction * s.cfg.TotalCapital
		rec.MaxContracts = math.Floor(rec.DollarSize / opps[i].Price)
		rec.Reasoning += fmt.Sprintf(" | risk parity: -%.0f%%", (1-factor)*100)
	}
	return recs, nil
}

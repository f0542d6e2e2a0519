// Package sizing computes risk-adjusted capital allocations: fractional
// Kelly shrunk by correlation and volatility penalties, risk-parity
// normalized across concurrent opportunities.
package sizing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/quantarb/execbot/internal/domain"
)

// Config holds sizing parameters. Penalties are shrink-only by construction:
// every multiplier lies in (0, 1].
type Config struct {
	TotalCapital  float64
	KellyFraction float64 // fractional-Kelly safety multiplier

	MaxSingleFraction float64 // hard cap per position
	MinDollarSize     float64 // dust threshold

	CorrelationThreshold float64 // penalty applies above this
	CorrelationFloor     float64 // minimum correlation multiplier

	VolatilityBaseline float64 // penalty applies above this
	VolatilitySlope    float64 // shrink per unit of excess volatility
	VolatilityFloor    float64 // minimum volatility multiplier

	InsufficientDataMult float64 // conservative shrink on cold-start lookups
	BoundaryEps          float64 // q this close to 0 or 1 uses odds fallback

	RiskParityMaxShare float64 // max multiple of the equal risk share
}

// DefaultConfig returns sizing defaults.
func DefaultConfig() Config {
	return Config{
		TotalCapital:         10_000,
		KellyFraction:        0.5,
		MaxSingleFraction:    0.15,
		MinDollarSize:        1.0,
		CorrelationThreshold: 0.7,
		CorrelationFloor:     0.25,
		VolatilityBaseline:   0.15,
		VolatilitySlope:      2.0,
		VolatilityFloor:      0.5,
		InsufficientDataMult: 0.5,
		BoundaryEps:          1e-6,
		RiskParityMaxShare:   1.5,
	}
}

// Sizer computes SizingRecommendations. Correlation and volatility come from
// external collaborators; the arithmetic itself never blocks.
type Sizer struct {
	cfg    Config
	corr   domain.CorrelationService
	vol    domain.VolatilityService
	logger *slog.Logger
}

// NewSizer creates a Sizer with its external lookups.
func NewSizer(cfg Config, corr domain.CorrelationService, vol domain.VolatilityService, logger *slog.Logger) *Sizer {
	return &Sizer{
		cfg:    cfg,
		corr:   corr,
		vol:    vol,
		logger: logger.With(slog.String("component", "position_sizer")),
	}
}

// Size computes the risk-adjusted allocation for one opportunity.
// A model probability outside [0,1] fails with an InputError rather than
// being clamped. A non-positive edge or a dust-sized result yields a
// zero FinalFraction; the planner turns that into a rejection.
func (s *Sizer) Size(ctx context.Context, opp domain.Opportunity, existing []domain.InventoryState) (domain.SizingRecommendation, error) {
	p := opp.ModelProb
	if math.IsNaN(p) || p < 0 || p > 1 {
		return domain.SizingRecommendation{}, &domain.InputError{
			Field:  "model_prob",
			Detail: fmt.Sprintf("probability %v outside [0,1]", p),
		}
	}
	if opp.Price <= 0 || opp.Price >= 1 {
		return domain.SizingRecommendation{}, &domain.InputError{
			Field:  "price",
			Detail: fmt.Sprintf("price %v outside (0,1)", opp.Price),
		}
	}

	// Selling is buying the complementary contract.
	q := opp.Price
	if opp.Side == domain.SideSell {
		p = 1 - p
		q = 1 - q
	}

	rec := domain.SizingRecommendation{
		Instrument:         opp.Instrument,
		Edge:               p - q,
		CorrelationPenalty: 1,
		VolatilityPenalty:  1,
	}

	if rec.Edge <= 0 {
		rec.Reasoning = fmt.Sprintf("no positive edge: p=%.3f vs q=%.3f", p, q)
		return rec, nil
	}

	// Odds of the binary payoff; fallback to even odds at the open-interval
	// boundary so the division is always defined.
	odds := 1.0
	if q > s.cfg.BoundaryEps && q < 1-s.cfg.BoundaryEps {
		odds = (1 - q) / q
	}
	rec.BaseFraction = s.cfg.KellyFraction * rec.Edge / odds

	var notes []string

	corrPenalty, corrInsufficient, err := s.correlationPenalty(ctx, opp.Instrument, existing, &notes)
	if err != nil {
		return domain.SizingRecommendation{}, err
	}
	volPenalty, _, volInsufficient, err := s.volatilityPenalty(ctx, opp, &notes)
	if err != nil {
		return domain.SizingRecommendation{}, err
	}
	rec.CorrelationPenalty = corrPenalty
	rec.VolatilityPenalty = volPenalty
	rec.InsufficientData = corrInsufficient || volInsufficient

	rec.FinalFraction = rec.BaseFraction * corrPenalty * volPenalty
	if rec.FinalFraction > s.cfg.MaxSingleFraction {
		rec.FinalFraction = s.cfg.MaxSingleFraction
		notes = append(notes, fmt.Sprintf("capped at max single fraction %.0f%%", s.cfg.MaxSingleFraction*100))
	}

	rec.DollarSize = rec.FinalFraction * s.cfg.TotalCapital
	if rec.DollarSize < s.cfg.MinDollarSize {
		notes = append(notes, fmt.Sprintf("dust trade: $%.2f below minimum $%.2f", rec.DollarSize, s.cfg.MinDollarSize))
		rec.FinalFraction = 0
		rec.DollarSize = 0
		rec.Reasoning = strings.Join(notes, " | ")
		return rec, nil
	}
	rec.MaxContracts = math.Floor(rec.DollarSize / opp.Price)

	if len(notes) == 0 {
		notes = append(notes, "no penalties applied")
	}
	rec.Reasoning = strings.Join(notes, " | ")
	return rec, nil
}

// correlationPenalty shrinks proportionally once portfolio-weighted
// correlation exceeds the threshold, floored at the configured minimum.
func (s *Sizer) correlationPenalty(ctx context.Context, instrument string, existing []domain.InventoryState, notes *[]string) (penalty float64, insufficient bool, err error) {
	if len(existing) == 0 {
		return 1, false, nil
	}
	c, err := s.corr.PortfolioCorrelation(ctx, instrument, existing)
	var insErr *domain.InsufficientDataError
	if errors.As(err, &insErr) {
		*notes = append(*notes, fmt.Sprintf("correlation unavailable (%v): conservative %.0f%% multiplier", insErr, s.cfg.InsufficientDataMult*100))
		return s.cfg.InsufficientDataMult, true, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("sizing: correlation lookup: %w", err)
	}

	c = math.Abs(c)
	if c <= s.cfg.CorrelationThreshold {
		return 1, false, nil
	}
	penalty = 1 - (c-s.cfg.CorrelationThreshold)/(1-s.cfg.CorrelationThreshold)
	if penalty < s.cfg.CorrelationFloor {
		penalty = s.cfg.CorrelationFloor
	}
	*notes = append(*notes, fmt.Sprintf("correlation penalty %.0f%% (portfolio correlation %.2f)", penalty*100, c))
	return penalty, false, nil
}

// volatilityPenalty decreases monotonically above the baseline volatility,
// floored at the configured minimum.
func (s *Sizer) volatilityPenalty(ctx context.Context, opp domain.Opportunity, notes *[]string) (penalty, volatility float64, insufficient bool, err error) {
	volatility = opp.Volatility
	if volatility <= 0 {
		v, lookupErr := s.vol.HistoricalVolatility(ctx, opp.Instrument)
		var insErr *domain.InsufficientDataError
		if errors.As(lookupErr, &insErr) {
			*notes = append(*notes, fmt.Sprintf("volatility unavailable (%v): conservative %.0f%% multiplier", insErr, s.cfg.InsufficientDataMult*100))
			return s.cfg.InsufficientDataMult, 0, true, nil
		}
		if lookupErr != nil {
			return 0, 0, false, fmt.Errorf("sizing: volatility lookup: %w", lookupErr)
		}
		volatility = v
	}

	if volatility <= s.cfg.VolatilityBaseline {
		return 1, volatility, false, nil
	}
	penalty = 1 - s.cfg.VolatilitySlope*(volatility-s.cfg.VolatilityBaseline)
	if penalty < s.cfg.VolatilityFloor {
		penalty = s.cfg.VolatilityFloor
	}
	*notes = append(*notes, fmt.Sprintf("volatility penalty %.0f%% (vol %.1f%%)", penalty*100, volatility*100))
	return penalty, volatility, false, nil
}

// Package marketdata derives volatility and cross-instrument correlation
// estimates from the live trade tape.
package marketdata

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/quantarb/execbot/internal/domain"
)

// pricePoint records a single traded-price observation.
type pricePoint struct {
	price float64
	time  time.Time
}

// Config tunes the estimator's sampling behaviour.
type Config struct {
	// Window is how far back the in-memory price history extends.
	Window time.Duration

	// SampleEvery thins the tape: at most one point per instrument per
	// interval. Keeps return series comparable across fast and slow books.
	SampleEvery time.Duration

	// MinSamples is the minimum number of price points needed before a
	// volatility or correlation estimate is produced.
	MinSamples int
}

// DefaultConfig returns the estimator defaults.
func DefaultConfig() Config {
	return Config{
		Window:      30 * time.Minute,
		SampleEvery: 10 * time.Second,
		MinSamples:  12,
	}
}

// Estimator maintains a sliding window of sampled trade prices per instrument
// and computes historical volatility and portfolio correlation from it. Both
// lookups return an *InsufficientDataError on cold start; the sizer treats
// that as an explicit neutral, not as zero risk.
type Estimator struct {
	cfg Config

	mu      sync.RWMutex
	history map[string][]pricePoint
}

// NewEstimator creates an Estimator with the given sampling configuration.
func NewEstimator(cfg Config) *Estimator {
	return &Estimator{
		cfg:     cfg,
		history: make(map[string][]pricePoint),
	}
}

// Observe records a trade print. Prints arriving faster than SampleEvery are
// collapsed by keeping the most recent price in the current sample slot.
func (e *Estimator) Observe(t domain.TradePrint) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pts := e.history[t.Instrument]
	if n := len(pts); n > 0 && t.Timestamp.Sub(pts[n-1].time) < e.cfg.SampleEvery {
		pts[n-1].price = t.Price
		e.history[t.Instrument] = pts
		return
	}

	pts = append(pts, pricePoint{price: t.Price, time: t.Timestamp})
	cutoff := t.Timestamp.Add(-e.cfg.Window)
	i := 0
	for i < len(pts) && pts[i].time.Before(cutoff) {
		i++
	}
	e.history[t.Instrument] = pts[i:]
}

// HistoricalVolatility returns the standard deviation of the instrument's
// sampled price returns over the window.
func (e *Estimator) HistoricalVolatility(ctx context.Context, instrument string) (float64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	returns := priceReturns(e.history[instrument])
	if len(returns) < e.cfg.MinSamples {
		return 0, &domain.InsufficientDataError{
			Instrument: instrument,
			Have:       len(returns),
			Need:       e.cfg.MinSamples,
		}
	}
	return stddev(returns), nil
}

// PortfolioCorrelation returns the position-value-weighted mean of the
// pairwise return correlations between the new instrument and each existing
// position. Pairs without enough overlapping samples are skipped; if no pair
// is usable the lookup is a cold start.
func (e *Estimator) PortfolioCorrelation(ctx context.Context, instrument string, existing []domain.InventoryState) (float64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	base := priceReturns(e.history[instrument])
	if len(base) < e.cfg.MinSamples {
		return 0, &domain.InsufficientDataError{
			Instrument: instrument,
			Have:       len(base),
			Need:       e.cfg.MinSamples,
		}
	}

	var weightedSum, totalWeight float64
	usable := 0
	for _, pos := range existing {
		if pos.Instrument == instrument || pos.NetPosition == 0 {
			continue
		}
		other := priceReturns(e.history[pos.Instrument])
		n := min(len(base), len(other))
		if n < e.cfg.MinSamples {
			continue
		}
		corr := pearson(base[len(base)-n:], other[len(other)-n:])
		if math.IsNaN(corr) {
			continue
		}
		weight := math.Abs(pos.PositionValue)
		weightedSum += corr * weight
		totalWeight += weight
		usable++
	}

	if usable == 0 || totalWeight == 0 {
		return 0, &domain.InsufficientDataError{
			Instrument: instrument,
			Have:       0,
			Need:       1,
		}
	}
	return weightedSum / totalWeight, nil
}

// priceReturns converts a price series into simple returns, skipping zero
// prices.
func priceReturns(pts []pricePoint) []float64 {
	if len(pts) < 2 {
		return nil
	}
	out := make([]float64, 0, len(pts)-1)
	for i := 1; i < len(pts); i++ {
		prev := pts[i-1].price
		if prev == 0 {
			continue
		}
		out = append(out, (pts[i].price-prev)/prev)
	}
	return out
}

func stddev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))

	var variance float64
	for _, x := range xs {
		d := x - mean
		variance += d * d
	}
	variance /= float64(len(xs))
	return math.Sqrt(variance)
}

// pearson computes the Pearson correlation coefficient of two equal-length
// series. Returns NaN when either series has zero variance.
func pearson(a, b []float64) float64 {
	n := float64(len(a))
	if n < 2 {
		return math.NaN()
	}
	var sumA, sumB float64
	for i := range a {
		sumA += a[i]
		sumB += b[i]
	}
	meanA, meanB := sumA/n, sumB/n

	var cov, varA, varB float64
	for i := range a {
		da, db := a[i]-meanA, b[i]-meanB
		cov += da * db
		varA += da * da
		varB += db * db
	}
	if varA == 0 || varB == 0 {
		return math.NaN()
	}
	return cov / math.Sqrt(varA*varB)
}

// Compile-time interface checks.
var (
	_ domain.CorrelationService = (*Estimator)(nil)
	_ domain.VolatilityService  = (*Estimator)(nil)
)

package marketdata

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantarb/execbot/internal/domain"
)

func testConfig() Config {
	return Config{
		Window:      time.Hour,
		SampleEvery: time.Second,
		MinSamples:  4,
	}
}

// feed records one print per price, spaced wider than the sample interval.
func feed(e *Estimator, instrument string, base time.Time, prices ...float64) {
	for i, p := range prices {
		e.Observe(domain.TradePrint{
			Instrument: instrument,
			Price:      p,
			Size:       10,
			Timestamp:  base.Add(time.Duration(i) * 2 * time.Second),
		})
	}
}

// alternating ±10% returns around 1.00.
var sawtoothPrices = []float64{1.0, 1.1, 0.99, 1.089, 0.9801}

// the same magnitudes with the signs flipped.
var invertedPrices = []float64{1.0, 0.9, 0.99, 0.891, 0.9801}

func TestHistoricalVolatilityColdStart(t *testing.T) {
	e := NewEstimator(testConfig())
	feed(e, "mkt-1", time.Now(), 0.50, 0.51)

	_, err := e.HistoricalVolatility(context.Background(), "mkt-1")
	var insufficient *domain.InsufficientDataError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, "mkt-1", insufficient.Instrument)
	assert.Equal(t, 1, insufficient.Have)
	assert.Equal(t, 4, insufficient.Need)
}

func TestHistoricalVolatilityOfKnownSeries(t *testing.T) {
	e := NewEstimator(testConfig())
	feed(e, "mkt-1", time.Now(), sawtoothPrices...)

	vol, err := e.HistoricalVolatility(context.Background(), "mkt-1")
	require.NoError(t, err)
	// Returns alternate +0.1 and -0.1 around a zero mean.
	assert.InDelta(t, 0.10, vol, 1e-9)
}

func TestObserveCollapsesFastPrints(t *testing.T) {
	e := NewEstimator(testConfig())
	base := time.Now()

	e.Observe(domain.TradePrint{Instrument: "mkt-1", Price: 0.50, Timestamp: base})
	e.Observe(domain.TradePrint{Instrument: "mkt-1", Price: 0.52, Timestamp: base.Add(100 * time.Millisecond)})
	e.Observe(domain.TradePrint{Instrument: "mkt-1", Price: 0.55, Timestamp: base.Add(900 * time.Millisecond)})

	require.Len(t, e.history["mkt-1"], 1)
	assert.InDelta(t, 0.55, e.history["mkt-1"][0].price, 1e-9)

	e.Observe(domain.TradePrint{Instrument: "mkt-1", Price: 0.56, Timestamp: base.Add(2 * time.Second)})
	assert.Len(t, e.history["mkt-1"], 2)
}

func TestObserveTrimsBeyondWindow(t *testing.T) {
	cfg := testConfig()
	cfg.Window = time.Minute
	e := NewEstimator(cfg)
	base := time.Now()

	e.Observe(domain.TradePrint{Instrument: "mkt-1", Price: 0.50, Timestamp: base})
	e.Observe(domain.TradePrint{Instrument: "mkt-1", Price: 0.51, Timestamp: base.Add(2 * time.Minute)})

	require.Len(t, e.history["mkt-1"], 1)
	assert.InDelta(t, 0.51, e.history["mkt-1"][0].price, 1e-9)
}

func TestPortfolioCorrelationTracksCoMovement(t *testing.T) {
	e := NewEstimator(testConfig())
	base := time.Now()
	feed(e, "mkt-new", base, sawtoothPrices...)
	feed(e, "mkt-same", base, sawtoothPrices...)
	feed(e, "mkt-opposite", base, invertedPrices...)

	corr, err := e.PortfolioCorrelation(context.Background(), "mkt-new", []domain.InventoryState{
		{Instrument: "mkt-same", NetPosition: 10, PositionValue: 50},
	})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, corr, 1e-9)

	corr, err = e.PortfolioCorrelation(context.Background(), "mkt-new", []domain.InventoryState{
		{Instrument: "mkt-opposite", NetPosition: 10, PositionValue: 50},
	})
	require.NoError(t, err)
	assert.InDelta(t, -1.0, corr, 1e-9)

	// Equal weights on a perfectly aligned and a perfectly opposed book
	// cancel out.
	corr, err = e.PortfolioCorrelation(context.Background(), "mkt-new", []domain.InventoryState{
		{Instrument: "mkt-same", NetPosition: 10, PositionValue: 50},
		{Instrument: "mkt-opposite", NetPosition: 10, PositionValue: 50},
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.0, corr, 1e-9)
}

func TestPortfolioCorrelationWeightsByPositionValue(t *testing.T) {
	e := NewEstimator(testConfig())
	base := time.Now()
	feed(e, "mkt-new", base, sawtoothPrices...)
	feed(e, "mkt-same", base, sawtoothPrices...)
	feed(e, "mkt-opposite", base, invertedPrices...)

	corr, err := e.PortfolioCorrelation(context.Background(), "mkt-new", []domain.InventoryState{
		{Instrument: "mkt-same", NetPosition: 10, PositionValue: 75},
		{Instrument: "mkt-opposite", NetPosition: 10, PositionValue: 25},
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, corr, 1e-9)
}

func TestPortfolioCorrelationSkipsSelfAndFlatPositions(t *testing.T) {
	e := NewEstimator(testConfig())
	base := time.Now()
	feed(e, "mkt-new", base, sawtoothPrices...)
	feed(e, "mkt-flat", base, sawtoothPrices...)

	_, err := e.PortfolioCorrelation(context.Background(), "mkt-new", []domain.InventoryState{
		{Instrument: "mkt-new", NetPosition: 10, PositionValue: 50},
		{Instrument: "mkt-flat", NetPosition: 0, PositionValue: 0},
	})
	var insufficient *domain.InsufficientDataError
	assert.ErrorAs(t, err, &insufficient)
}

func TestPortfolioCorrelationColdStartOnNewInstrument(t *testing.T) {
	e := NewEstimator(testConfig())
	feed(e, "mkt-held", time.Now(), sawtoothPrices...)

	_, err := e.PortfolioCorrelation(context.Background(), "mkt-new", []domain.InventoryState{
		{Instrument: "mkt-held", NetPosition: 10, PositionValue: 50},
	})
	var insufficient *domain.InsufficientDataError
	assert.ErrorAs(t, err, &insufficient)
}

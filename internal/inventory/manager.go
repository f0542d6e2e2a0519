// Package inventory tracks per-instrument net position from venue-confirmed
// fills and derives inventory risk, quote skew, and forced-liquidation
// signals.
package inventory

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/quantarb/execbot/internal/domain"
)

// Config holds inventory risk parameters.
type Config struct {
	TotalCapital    float64 // portfolio capital backing position limits
	MaxInventoryPct float64 // soft cap on position fraction of portfolio
	HardPositionPct float64 // hard cap; exceeding forces liquidation
	HardRiskCeiling float64 // inventory risk forcing liquidation
	MaxSkew         float64 // magnitude cap on recommended quote skew

	SizeRiskWeight        float64 // weight of normalized position size in risk
	InstabilityRiskWeight float64 // weight of volatility * position instability

	MarkHistory int // marks retained per instrument for realized volatility
}

// DefaultConfig returns inventory defaults.
func DefaultConfig() Config {
	return Config{
		TotalCapital:          10_000,
		MaxInventoryPct:       0.20,
		HardPositionPct:       0.24,
		HardRiskCeiling:       0.95,
		MaxSkew:               0.5,
		SizeRiskWeight:        0.7,
		InstabilityRiskWeight: 0.3,
		MarkHistory:           32,
	}
}

// instrumentState is the single-writer per-instrument record.
type instrumentState struct {
	netPosition float64
	lastSeq     int64
	lastFillPx  float64
	lastFillAt  time.Time

	mark   float64
	markAt time.Time
	marks  []float64 // recent marks for realized volatility

	pending map[int64]domain.Fill // out-of-order fills awaiting their gap
}

// Manager owns a keyed per-instrument state store. State mutates only
// through UpdateOnFill (and cold-start seeding); Assess is a pure projection.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	states map[string]*instrumentState
}

// NewManager creates a Manager with an empty state store.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "inventory_manager")),
		states: make(map[string]*instrumentState),
	}
}

// Seed initializes per-instrument state from cold-start snapshots. It must
// be called before any fills are applied for the seeded instruments.
func (m *Manager) Seed(states []domain.InventoryState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range states {
		m.states[s.Instrument] = &instrumentState{
			netPosition: s.NetPosition,
			lastSeq:     s.LastVenueSeq,
			pending:     make(map[int64]domain.Fill),
		}
	}
}

func (m *Manager) state(instrument string) *instrumentState {
	st, ok := m.states[instrument]
	if !ok {
		st = &instrumentState{pending: make(map[int64]domain.Fill)}
		m.states[instrument] = st
	}
	return st
}

// UpdateOnFill applies a venue-confirmed fill. Fills apply strictly in
// venue-sequence order: a fill at or below the last applied sequence is
// rejected with ErrDuplicateFill; a fill beyond the next expected sequence
// is buffered and applied once the gap arrives, so applying [A,B] and [B,A]
// out of arrival order yields identical state. Returns the projected state
// after any applications.
func (m *Manager) UpdateOnFill(fill domain.Fill) (domain.InventoryState, error) {
	if fill.Instrument == "" {
		return domain.InventoryState{}, &domain.InputError{Field: "instrument", Detail: "empty instrument id"}
	}
	if fill.VenueSeq <= 0 {
		return domain.InventoryState{}, &domain.InputError{Field: "venue_seq", Detail: "venue sequence must be positive"}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state(fill.Instrument)

	if fill.VenueSeq <= st.lastSeq {
		return m.projectLocked(fill.Instrument, st), domain.ErrDuplicateFill
	}
	if fill.VenueSeq > st.lastSeq+1 {
		st.pending[fill.VenueSeq] = fill
		m.logger.Debug("fill buffered out of order",
			slog.String("instrument", fill.Instrument),
			slog.Int64("seq", fill.VenueSeq),
			slog.Int64("expected", st.lastSeq+1),
		)
		return m.projectLocked(fill.Instrument, st), nil
	}

	m.applyLocked(st, fill)
	// Drain any buffered fills that are now in sequence.
	for {
		next, ok := st.pending[st.lastSeq+1]
		if !ok {
			break
		}
		delete(st.pending, next.VenueSeq)
		m.applyLocked(st, next)
	}
	return m.projectLocked(fill.Instrument, st), nil
}

func (m *Manager) applyLocked(st *instrumentState, fill domain.Fill) {
	st.netPosition += fill.SignedQty
	st.lastSeq = fill.VenueSeq
	st.lastFillPx = fill.Price
	st.lastFillAt = fill.Timestamp
}

// SetMark records the latest mark price for an instrument, used for
// position valuation and the realized-volatility instability term.
func (m *Manager) SetMark(instrument string, price float64, at time.Time) {
	if price <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state(instrument)
	st.mark = price
	st.markAt = at
	st.marks = append(st.marks, price)
	if len(st.marks) > m.cfg.MarkHistory {
		st.marks = st.marks[len(st.marks)-m.cfg.MarkHistory:]
	}
}

// PendingFills reports how many out-of-order fills are buffered for an
// instrument, for reconciliation visibility.
func (m *Manager) PendingFills(instrument string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.states[instrument]; ok {
		return len(st.pending)
	}
	return 0
}

// Assess is a pure projection of the applied fill log for one instrument.
func (m *Manager) Assess(instrument string) domain.InventoryState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.projectLocked(instrument, m.state(instrument))
}

// States returns projections for every instrument with a non-zero position,
// used by the sizer's correlation lookup.
func (m *Manager) States() []domain.InventoryState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.InventoryState, 0, len(m.states))
	for instrument, st := range m.states {
		if st.netPosition != 0 {
			out = append(out, m.projectLocked(instrument, st))
		}
	}
	return out
}

func (m *Manager) projectLocked(instrument string, st *instrumentState) domain.InventoryState {
	price := st.mark
	asOf := st.markAt
	if price <= 0 {
		price = st.lastFillPx
		asOf = st.lastFillAt
	}

	state := domain.InventoryState{
		Instrument:   instrument,
		AsOf:         asOf,
		NetPosition:  st.netPosition,
		LastVenueSeq: st.lastSeq,
	}
	if price <= 0 || m.cfg.TotalCapital <= 0 {
		return state
	}

	state.PositionValue = math.Abs(st.netPosition) * price
	state.PositionPct = state.PositionValue / m.cfg.TotalCapital
	state.MaxSafePosition = m.cfg.TotalCapital * m.cfg.MaxInventoryPct / price

	// Risk combines normalized position size against the cap with an
	// instability term: realized volatility scaled by position utilization.
	sizeRisk := math.Min(state.PositionPct/m.cfg.MaxInventoryPct, 1.5)
	util := 0.0
	if state.MaxSafePosition > 0 {
		util = math.Abs(st.netPosition) / state.MaxSafePosition
	}
	instability := realizedVol(st.marks) * math.Min(util, 1.5) * 10
	risk := m.cfg.SizeRiskWeight*sizeRisk + m.cfg.InstabilityRiskWeight*instability
	state.InventoryRisk = math.Max(0, math.Min(1, risk))

	state.RecommendedSkew = m.skew(st.netPosition, state.MaxSafePosition)
	state.ShouldStopQuoting = state.InventoryRisk > 0.9 ||
		math.Abs(st.netPosition) > state.MaxSafePosition
	return state
}

// skew maps signed position utilization to a saturating quote skew: long
// positions skew negative (favor selling), short positions positive.
func (m *Manager) skew(netPosition, maxSafe float64) float64 {
	if maxSafe <= 0 || netPosition == 0 {
		return 0
	}
	ratio := netPosition / maxSafe
	if ratio > 1 {
		ratio = 1
	} else if ratio < -1 {
		ratio = -1
	}
	return -m.cfg.MaxSkew * ratio
}

// RecommendSkew returns the quote skew for an assessed state.
func (m *Manager) RecommendSkew(state domain.InventoryState) float64 {
	return m.skew(state.NetPosition, state.MaxSafePosition)
}

// CheckForcedLiquidation returns a system-mandated reduction when any
// trigger fires: position beyond the safe maximum, inventory risk at the
// hard ceiling, or position fraction beyond the hard cap. Severity maps to
// urgency, which the planner maps to an execution method.
func (m *Manager) CheckForcedLiquidation(state domain.InventoryState) (domain.LiquidationOrder, bool) {
	absPos := math.Abs(state.NetPosition)
	if absPos == 0 || state.MaxSafePosition <= 0 {
		return domain.LiquidationOrder{}, false
	}

	var reason string
	switch {
	case absPos > state.MaxSafePosition:
		reason = fmt.Sprintf("position %.0f exceeds max safe %.0f", absPos, state.MaxSafePosition)
	case state.InventoryRisk >= m.cfg.HardRiskCeiling:
		reason = fmt.Sprintf("inventory risk %.2f at hard ceiling %.2f", state.InventoryRisk, m.cfg.HardRiskCeiling)
	case state.PositionPct > m.cfg.HardPositionPct:
		reason = fmt.Sprintf("position %.1f%% of portfolio exceeds hard cap %.1f%%",
			state.PositionPct*100, m.cfg.HardPositionPct*100)
	default:
		return domain.LiquidationOrder{}, false
	}

	quantity := absPos - state.MaxSafePosition
	if quantity <= 0 {
		quantity = absPos / 2
	}

	urgency := domain.UrgencyLow
	switch {
	case absPos > state.MaxSafePosition*1.5 || state.InventoryRisk > 0.8:
		urgency = domain.UrgencyHigh
	case absPos > state.MaxSafePosition:
		urgency = domain.UrgencyNormal
	}

	side := domain.SideSell
	if state.NetPosition < 0 {
		side = domain.SideBuy
	}

	return domain.LiquidationOrder{
		Instrument: state.Instrument,
		Side:       side,
		Quantity:   quantity,
		Urgency:    urgency,
		Reason:     reason,
	}, true
}

// realizedVol is the standard deviation of simple returns across the mark
// history. Returns 0 with fewer than three marks.
func realizedVol(marks []float64) float64 {
	if len(marks) < 3 {
		return 0
	}
	returns := make([]float64, 0, len(marks)-1)
	for i := 1; i < len(marks); i++ {
		if marks[i-1] > 0 {
			returns = append(returns, (marks[i]-marks[i-1])/marks[i-1])
		}
	}
	if len(returns) < 2 {
		return 0
	}
	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns))
	return math.Sqrt(variance)
}

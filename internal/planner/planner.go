// Package planner orchestrates candidate evaluation: book analysis, flow
// safety, sizing, inventory capping, and execution-method selection. It is
// pure decision logic: it emits plans and never places orders itself.
package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantarb/execbot/internal/book"
	"github.com/quantarb/execbot/internal/domain"
	"github.com/quantarb/execbot/internal/flow"
	"github.com/quantarb/execbot/internal/inventory"
	"github.com/quantarb/execbot/internal/sizing"
)

// WindowStore hands out the per-instrument flow window. The store is owned
// by the caller (the engine) so no hidden cross-test state exists here.
type WindowStore interface {
	Window(instrument string) *flow.Window
}

// Config holds the planner's gates and method-selection thresholds.
type Config struct {
	MinSafetyScore        float64       // plans below this are rejected outright
	HighSafety            float64       // immediate-eligible safety level
	LowSlippagePct        float64       // immediate-eligible slippage level
	DepthSufficiencyFrac  float64       // size vs side depth for "sufficient"
	BookCacheTTL          time.Duration // analyzed snapshot TTL
	RestingLimitTimeout   time.Duration // fallback-to-immediate timeout
	RestingLimitMaxOffset float64       // max distance from touch
	IcebergChunkDelay     time.Duration
	TimeSliceInterval     time.Duration
	TimeSliceCount        int
	DeferCooldown         time.Duration // RetryAfter hint on deferrals
	FrontRunDeferSeverity float64       // front-running severity that defers
	HighInventoryRisk     float64       // risk above which size is halved
	AnomalyHistory        int           // snapshots kept for anomaly detection

	Anomaly book.AnomalyConfig
}

// DefaultConfig returns the planner defaults.
func DefaultConfig() Config {
	return Config{
		MinSafetyScore:        0.40,
		HighSafety:            0.75,
		LowSlippagePct:        0.005,
		DepthSufficiencyFrac:  0.5,
		BookCacheTTL:          2 * time.Second,
		RestingLimitTimeout:   30 * time.Second,
		RestingLimitMaxOffset: 0.02,
		IcebergChunkDelay:     2 * time.Second,
		TimeSliceInterval:     15 * time.Second,
		TimeSliceCount:        5,
		DeferCooldown:         30 * time.Second,
		FrontRunDeferSeverity: 0.7,
		HighInventoryRisk:     0.7,
		AnomalyHistory:        10,
		Anomaly:               book.DefaultAnomalyConfig(),
	}
}

// Planner runs the fail-fast gate sequence
// RECEIVED -> BOOK_ANALYZED -> FLOW_CHECKED -> SIZED -> INVENTORY_CHECKED ->
// METHOD_SELECTED -> {ACCEPTED | REJECTED | DEFERRED}.
type Planner struct {
	cfg     Config
	books   *book.Analyzer
	flows   *flow.Detector
	sizer   *sizing.Sizer
	inv     *inventory.Manager
	source  domain.BookSource
	cache   domain.BookCache
	windows WindowStore
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	history map[string][]domain.OrderBookSnapshot
}

// New creates a Planner wiring the four analysis components and the
// injected data collaborators.
func New(
	cfg Config,
	books *book.Analyzer,
	flows *flow.Detector,
	sizer *sizing.Sizer,
	inv *inventory.Manager,
	source domain.BookSource,
	cache domain.BookCache,
	windows WindowStore,
	logger *slog.Logger,
) *Planner {
	return &Planner{
		cfg:     cfg,
		books:   books,
		flows:   flows,
		sizer:   sizer,
		inv:     inv,
		source:  source,
		cache:   cache,
		windows: windows,
		logger:  logger.With(slog.String("component", "execution_planner")),
		now:     time.Now,
		history: make(map[string][]domain.OrderBookSnapshot),
	}
}

// Plan evaluates a candidate and returns a terminal ExecutionPlan. Invalid
// caller input returns an error; every other failure mode is a REJECTED or
// DEFERRED plan carrying a specific, human-readable reason. An error or
// rejection aborts only this candidate.
func (p *Planner) Plan(ctx context.Context, candidate domain.Candidate, urgency domain.Urgency) (domain.ExecutionPlan, error) {
	return p.PlanSized(ctx, candidate, urgency, nil)
}

// PlanSized is Plan with a pre-computed sizing recommendation from a
// portfolio-level pass (see SizeBatch). A nil recommendation sizes the
// candidate standalone.
func (p *Planner) PlanSized(ctx context.Context, candidate domain.Candidate, urgency domain.Urgency, presized *domain.SizingRecommendation) (domain.ExecutionPlan, error) {
	if candidate.Instrument == "" {
		return domain.ExecutionPlan{}, &domain.InputError{Field: "instrument", Detail: "empty instrument id"}
	}
	if candidate.Size <= 0 {
		return domain.ExecutionPlan{}, &domain.InputError{Field: "size", Detail: "target size must be positive"}
	}
	if !candidate.SystemInitiated && (math.IsNaN(candidate.ModelProb) || candidate.ModelProb < 0 || candidate.ModelProb > 1) {
		return domain.ExecutionPlan{}, &domain.InputError{
			Field:  "model_prob",
			Detail: fmt.Sprintf("probability %v outside [0,1]", candidate.ModelProb),
		}
	}

	plan := domain.ExecutionPlan{
		ID:              uuid.NewString(),
		CandidateID:     candidate.ID,
		Instrument:      candidate.Instrument,
		Side:            candidate.Side,
		Urgency:         urgency,
		State:           domain.StateReceived,
		RequestedSize:   candidate.Size,
		SystemInitiated: candidate.SystemInitiated,
		CreatedAt:       p.now(),
	}

	// ── Book ──
	snap, err := p.analyzedBook(ctx, candidate.Instrument)
	if err != nil {
		var stale *domain.StaleDataError
		if errors.As(err, &stale) {
			return p.reject(plan, fmt.Sprintf("stale_book: %v", stale)), nil
		}
		var input *domain.InputError
		if errors.As(err, &input) {
			return p.reject(plan, fmt.Sprintf("invalid_book: %v", input)), nil
		}
		return p.reject(plan, fmt.Sprintf("book_unavailable: %v", err)), nil
	}
	plan.State = domain.StateBookAnalyzed
	p.inv.SetMark(snap.Instrument, snap.MidPrice, snap.Timestamp)

	if skip, reason := p.books.ShouldSkip(snap); skip && !candidate.SystemInitiated {
		return p.reject(plan, fmt.Sprintf("market_quality: %s", reason)), nil
	}

	window := p.windows.Window(candidate.Instrument)
	anomalies := p.detectAnomalies(snap, window)
	plan.Warnings = append(plan.Warnings, anomalies.Notes...)

	// ── Flow ──
	profile := p.flows.ScoreFlow(candidate.Instrument, window)
	verdict := p.flows.IsSafe(profile, snap, candidate.Side, candidate.Size)
	if !verdict.Safe && !candidate.SystemInitiated {
		return p.reject(plan, fmt.Sprintf("unsafe_market: %s", strings.Join(verdict.Reasons, ", "))), nil
	}
	if verdict.InsufficientData {
		plan.Warnings = append(plan.Warnings, "insufficient flow history, sizing reduced")
	}
	if !verdict.Safe && candidate.SystemInitiated {
		plan.Warnings = append(plan.Warnings, fmt.Sprintf("liquidating into unsafe flow: %s", strings.Join(verdict.Reasons, ", ")))
	}

	if frontRun, severity, desc := p.flows.DetectFrontRunning(window, candidate.Side, snap.MidPrice, candidate.Size); frontRun {
		plan.Warnings = append(plan.Warnings, desc)
		if severity >= p.cfg.FrontRunDeferSeverity && urgency != domain.UrgencyUrgent && !candidate.SystemInitiated {
			return p.defer_(plan, fmt.Sprintf("possible front-running (severity %.2f), retry after cool-down", severity)), nil
		}
	}
	if anomalies.LiquidityWithdrawal && urgency != domain.UrgencyUrgent && !candidate.SystemInitiated {
		return p.defer_(plan, "liquidity withdrawal in progress, retry after cool-down"), nil
	}
	plan.State = domain.StateFlowChecked

	// ── Sizing ──
	sized := candidate.Size
	if !candidate.SystemInitiated {
		rec := presized
		if rec == nil {
			solo, err := p.sizer.Size(ctx, domain.Opportunity{
				Instrument: candidate.Instrument,
				Side:       candidate.Side,
				ModelProb:  candidate.ModelProb,
				Price:      snap.MidPrice,
			}, p.inv.States())
			if err != nil {
				var input *domain.InputError
				if errors.As(err, &input) {
					return domain.ExecutionPlan{}, err
				}
				return p.reject(plan, fmt.Sprintf("sizing_unavailable: %v", err)), nil
			}
			rec = &solo
		}
		if rec.FinalFraction <= 0 || rec.MaxContracts <= 0 {
			return p.reject(plan, fmt.Sprintf("non_positive_size: %s", rec.Reasoning)), nil
		}
		sized = math.Min(candidate.Size, rec.MaxContracts)
		if verdict.InsufficientData {
			// Conservative handling: reduce rather than reject.
			sized = math.Max(1, math.Floor(sized/2))
		}
	}
	plan.State = domain.StateSized

	// ── Inventory ──
	inv := p.inv.Assess(candidate.Instrument)
	if !candidate.SystemInitiated {
		if liq, forced := p.inv.CheckForcedLiquidation(inv); forced && liq.Side != candidate.Side {
			return p.reject(plan, fmt.Sprintf("opposing_forced_liquidation: %s", liq.Reason)), nil
		}
		if capped, warn, ok := p.capToInventory(inv, candidate.Side, sized); !ok {
			return p.reject(plan, warn), nil
		} else if capped < sized {
			sized = capped
			plan.Warnings = append(plan.Warnings, warn)
		}
		if inv.InventoryRisk > p.cfg.HighInventoryRisk && increasesPosition(inv.NetPosition, candidate.Side) && urgency != domain.UrgencyUrgent {
			sized = math.Max(1, math.Floor(sized/2))
			plan.Warnings = append(plan.Warnings, fmt.Sprintf("high inventory risk %.2f, size halved", inv.InventoryRisk))
		}
	}
	plan.SizedContracts = sized
	plan.DollarSize = sized * snap.MidPrice
	plan.State = domain.StateInventoryChecked

	// ── Safety gate ──
	// Geometric mean of book liquidity and flow cleanliness: weak on either
	// axis drags the combined score down harder than an average would.
	toxicity := profile.ToxicityScore
	plan.SafetyScore = math.Sqrt(snap.LiquidityScore * (1 - toxicity))
	if plan.SafetyScore < p.cfg.MinSafetyScore && !candidate.SystemInitiated {
		return p.reject(plan, fmt.Sprintf("safety_score %.2f below minimum %.2f", plan.SafetyScore, p.cfg.MinSafetyScore)), nil
	}

	// ── Method selection ──
	impact, err := p.books.EstimateImpact(snap, candidate.Side, sized)
	if err != nil {
		return p.reject(plan, fmt.Sprintf("impact_unavailable: %v", err)), nil
	}
	plan.Method = p.selectMethod(snap, impact, candidate.Side, sized, urgency, plan.SafetyScore)
	plan.State = domain.StateMethodSelected
	if urgency == domain.UrgencyUrgent && impact.Impact == domain.ImpactHigh {
		plan.Warnings = append(plan.Warnings, fmt.Sprintf("urgent execution despite high impact, expected slippage %.2f%%", impact.SlippagePct*100))
	}

	plan.State = domain.StateAccepted
	plan.Outcome = domain.OutcomeAccepted
	p.logger.InfoContext(ctx, "plan accepted",
		slog.String("plan_id", plan.ID),
		slog.String("instrument", plan.Instrument),
		slog.String("side", string(plan.Side)),
		slog.Float64("size", plan.SizedContracts),
		slog.String("method", describeMethod(plan.Method)),
		slog.Float64("safety", plan.SafetyScore),
	)
	return plan, nil
}

// PlanLiquidation plans a system-mandated reduction. It is surfaced as a
// distinct, system-initiated plan so callers can tell a requested trade from
// a forced one; it bypasses sizing and the opposing-liquidation gate but
// still selects a method from the same decision table.
func (p *Planner) PlanLiquidation(ctx context.Context, liq domain.LiquidationOrder) (domain.ExecutionPlan, error) {
	urgency := domain.UrgencyNormal
	switch liq.Urgency {
	case domain.UrgencyHigh:
		urgency = domain.UrgencyUrgent
	case domain.UrgencyNormal:
		urgency = domain.UrgencyHigh
	case domain.UrgencyLow:
		urgency = domain.UrgencyLow
	}
	plan, err := p.Plan(ctx, domain.Candidate{
		ID:              uuid.NewString(),
		Instrument:      liq.Instrument,
		Side:            liq.Side,
		Size:            liq.Quantity,
		SystemInitiated: true,
	}, urgency)
	if err != nil {
		return plan, err
	}
	plan.Warnings = append(plan.Warnings, fmt.Sprintf("forced liquidation: %s", liq.Reason))
	return plan, nil
}

// SizeBatch pre-sizes a batch of candidates in a single portfolio-level
// risk-parity pass so concurrent legs share the risk budget instead of each
// claiming it in full. The result is index-aligned with candidates; a nil
// entry means that candidate is sized standalone by PlanSized. Failures here
// never fail the batch: they degrade to standalone sizing.
func (p *Planner) SizeBatch(ctx context.Context, candidates []domain.Candidate) []*domain.SizingRecommendation {
	recs := make([]*domain.SizingRecommendation, len(candidates))

	var (
		opps []domain.Opportunity
		idx  []int
	)
	for i, c := range candidates {
		if c.SystemInitiated || c.Instrument == "" || c.Size <= 0 {
			continue
		}
		if math.IsNaN(c.ModelProb) || c.ModelProb < 0 || c.ModelProb > 1 {
			continue
		}
		snap, err := p.analyzedBook(ctx, c.Instrument)
		if err != nil {
			continue
		}
		opps = append(opps, domain.Opportunity{
			Instrument: c.Instrument,
			Side:       c.Side,
			ModelProb:  c.ModelProb,
			Price:      snap.MidPrice,
		})
		idx = append(idx, i)
	}
	if len(opps) < 2 {
		return recs
	}

	sized, err := p.sizer.SizePortfolio(ctx, opps, p.inv.States())
	if err != nil {
		p.logger.WarnContext(ctx, "portfolio sizing failed, candidates sized standalone",
			slog.String("error", err.Error()),
		)
		return recs
	}
	for j := range sized {
		rec := sized[j]
		recs[idx[j]] = &rec
	}
	return recs
}

// analyzedBook serves the TTL cache first, then fetches and analyzes a fresh
// snapshot. Cache refresh is an atomic swap at the cache layer.
func (p *Planner) analyzedBook(ctx context.Context, instrument string) (domain.OrderBookSnapshot, error) {
	if snap, err := p.cache.Get(ctx, instrument); err == nil {
		return snap, nil
	}
	raw, err := p.source.Snapshot(ctx, instrument)
	if err != nil {
		return domain.OrderBookSnapshot{}, err
	}
	snap, err := p.books.Analyze(raw)
	if err != nil {
		return domain.OrderBookSnapshot{}, err
	}
	if err := p.cache.Set(ctx, snap, p.cfg.BookCacheTTL); err != nil {
		// Cache failures degrade to uncached operation.
		p.logger.WarnContext(ctx, "book cache set failed",
			slog.String("instrument", instrument),
			slog.String("error", err.Error()),
		)
	}
	return snap, nil
}

// detectAnomalies appends the snapshot to the instrument's short history and
// runs rolling-window anomaly detection against the flow window's events.
func (p *Planner) detectAnomalies(snap domain.OrderBookSnapshot, window *flow.Window) domain.BookAnomalies {
	p.mu.Lock()
	hist := append(p.history[snap.Instrument], snap)
	if len(hist) > p.cfg.AnomalyHistory {
		hist = hist[len(hist)-p.cfg.AnomalyHistory:]
	}
	p.history[snap.Instrument] = hist
	local := make([]domain.OrderBookSnapshot, len(hist))
	copy(local, hist)
	p.mu.Unlock()

	if len(local) < 2 {
		return domain.BookAnomalies{}
	}
	prev := local[len(local)-2]
	var traded float64
	for _, t := range window.TradesSince(prev.Timestamp) {
		traded += t.Size
	}
	events := window.EventsSince(prev.Timestamp)
	return p.books.DetectAnomalies(local, events, traded, p.cfg.Anomaly)
}

// capToInventory limits size so the resulting position stays within the max
// safe position. Trades that reduce exposure are never capped.
func (p *Planner) capToInventory(inv domain.InventoryState, side domain.Side, size float64) (capped float64, warn string, ok bool) {
	if inv.MaxSafePosition <= 0 || !increasesPosition(inv.NetPosition, side) {
		return size, "", true
	}
	headroom := inv.MaxSafePosition - math.Abs(inv.NetPosition)
	if headroom <= 0 {
		return 0, fmt.Sprintf("inventory_limit: position %.0f at max safe %.0f", math.Abs(inv.NetPosition), inv.MaxSafePosition), false
	}
	if size > headroom {
		return math.Floor(headroom), fmt.Sprintf("size capped to inventory headroom %.0f", math.Floor(headroom)), true
	}
	return size, "", true
}

// increasesPosition reports whether a trade on side grows the absolute
// position.
func increasesPosition(netPosition float64, side domain.Side) bool {
	if netPosition == 0 {
		return true
	}
	if netPosition > 0 {
		return side == domain.SideBuy
	}
	return side == domain.SideSell
}

func (p *Planner) reject(plan domain.ExecutionPlan, reason string) domain.ExecutionPlan {
	plan.State = domain.StateRejected
	plan.Outcome = domain.OutcomeRejected
	plan.Reason = reason
	p.logger.Info("plan rejected",
		slog.String("plan_id", plan.ID),
		slog.String("instrument", plan.Instrument),
		slog.String("reason", reason),
	)
	return plan
}

func (p *Planner) defer_(plan domain.ExecutionPlan, reason string) domain.ExecutionPlan {
	plan.State = domain.StateDeferred
	plan.Outcome = domain.OutcomeDeferred
	plan.Reason = reason
	plan.RetryAfter = p.cfg.DeferCooldown
	p.logger.Info("plan deferred",
		slog.String("plan_id", plan.ID),
		slog.String("instrument", plan.Instrument),
		slog.String("reason", reason),
	)
	return plan
}

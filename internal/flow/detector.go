package flow

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/quantarb/execbot/internal/domain"
)

// Config holds the toxicity weights and heuristic thresholds. Weights must
// sum to 1 and are validated configuration, not fixed constants.
type Config struct {
	Lookback time.Duration // sliding window for flow scoring

	// Toxicity factor weights.
	WeightImbalance float64 // |volume imbalance|
	WeightRate      float64 // trade rate vs baseline
	WeightSize      float64 // avg trade size vs baseline
	WeightDirCorr   float64 // flow direction vs price movement agreement

	BaselineTradesPerMin float64
	BaselineTradeSize    float64
	ToxicThreshold       float64 // score above which flow is toxic
	MinTrades            int     // cold-start bound

	// is_safe combination gates.
	SizeVsDepthFrac  float64 // order "non-trivial" above this fraction of side depth
	ThinLiquidityMin float64 // liquidity score below which spoofing is disqualifying

	// Front-running heuristic.
	FrontRunLookback  time.Duration
	FrontRunMinTrades int
	FrontRunMoveFrac  float64 // adverse price move fraction

	// Spoofing heuristic.
	SpoofWindow    time.Duration
	SpoofCancelIn  time.Duration
	SpoofLargeSize float64
	SpoofMinCycles int

	// Wash-trading heuristic.
	WashMinPairs  int
	WashPriceBand float64

	// Liquidity-withdrawal heuristic.
	WithdrawalCancelRatio float64 // cancel volume vs add volume
	WithdrawalMinVolume   float64 // cancel volume below this is noise
}

// DefaultConfig returns the detector defaults.
func DefaultConfig() Config {
	return Config{
		Lookback:              5 * time.Minute,
		WeightImbalance:       0.20,
		WeightRate:            0.25,
		WeightSize:            0.15,
		WeightDirCorr:         0.40,
		BaselineTradesPerMin:  10,
		BaselineTradeSize:     50,
		ToxicThreshold:        0.6,
		MinTrades:             3,
		SizeVsDepthFrac:       0.25,
		ThinLiquidityMin:      0.3,
		FrontRunLookback:      20 * time.Second,
		FrontRunMinTrades:     3,
		FrontRunMoveFrac:      0.01,
		SpoofWindow:           60 * time.Second,
		SpoofCancelIn:         5 * time.Second,
		SpoofLargeSize:        20,
		SpoofMinCycles:        4,
		WashMinPairs:          3,
		WashPriceBand:         0.01,
		WithdrawalCancelRatio: 2.0,
		WithdrawalMinVolume:   50,
	}
}

// Detector scores trade/quote flow for toxicity. One Detector serves all
// instruments; per-instrument windows are owned by the caller.
type Detector struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// NewDetector creates a Detector with the given config.
func NewDetector(cfg Config, logger *slog.Logger) *Detector {
	return &Detector{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "toxicity_detector")),
		now:    time.Now,
	}
}

// ScoreFlow computes the flow profile over the configured lookback. With
// fewer than MinTrades prints it returns a neutral profile explicitly
// flagged InsufficientData, never a hard zero or one.
func (d *Detector) ScoreFlow(instrument string, w *Window) domain.FlowProfile {
	now := d.now()
	cutoff := now.Add(-d.cfg.Lookback)
	trades := w.TradesSince(cutoff)
	events := w.EventsSince(now.Add(-d.cfg.SpoofWindow))

	profile := domain.FlowProfile{
		Instrument:  instrument,
		WindowStart: cutoff,
		WindowEnd:   now,
	}
	if len(trades) < d.cfg.MinTrades {
		profile.ToxicityScore = 0.5
		profile.InsufficientData = true
		return profile
	}

	var buyVol, sellVol, notional float64
	for _, t := range trades {
		if t.Side == domain.SideBuy {
			buyVol += t.Size
		} else {
			sellVol += t.Size
		}
		notional += t.Price * t.Size
	}
	totalVol := buyVol + sellVol
	if totalVol > 0 {
		profile.VolumeImbalance = (buyVol - sellVol) / totalVol
		profile.VWAP = notional / totalVol
	}
	profile.BuyVolume = buyVol
	profile.SellVolume = sellVol
	profile.TradesPerMinute = float64(len(trades)) / d.cfg.Lookback.Minutes()
	profile.AvgTradeSize = totalVol / float64(len(trades))

	first := trades[0].Price
	last := trades[len(trades)-1].Price
	if first > 0 {
		profile.PriceMovement = (last - first) / first
	}

	profile.Patterns.Spoofing = d.detectSpoofing(events, trades)
	profile.Patterns.WashTrading = d.detectWashTrading(trades)
	profile.Patterns.FrontRunning = d.frontRunningPattern(trades)
	profile.Patterns.LiquidityWithdrawal = d.liquidityWithdrawal(events)

	// Factor 1: raw imbalance magnitude.
	imbalanceScore := math.Abs(profile.VolumeImbalance)

	// Factor 2: trade rate vs baseline.
	rateScore := math.Min(profile.TradesPerMinute/d.cfg.BaselineTradesPerMin, 1)

	// Factor 3: average trade size vs baseline.
	sizeScore := math.Min(profile.AvgTradeSize/d.cfg.BaselineTradeSize, 1)

	// Factor 4: flow direction agreeing with price movement marks informed
	// trading.
	var dirCorr float64
	if profile.VolumeImbalance != 0 && profile.PriceMovement != 0 &&
		math.Signbit(profile.VolumeImbalance) == math.Signbit(profile.PriceMovement) {
		dirCorr = math.Abs(profile.VolumeImbalance)
	}

	// Wash trading degrades volume reliability, not the price signal.
	if profile.Patterns.WashTrading {
		rateScore *= 0.5
		sizeScore *= 0.5
	}

	score := d.cfg.WeightImbalance*imbalanceScore +
		d.cfg.WeightRate*rateScore +
		d.cfg.WeightSize*sizeScore +
		d.cfg.WeightDirCorr*dirCorr

	profile.ToxicityScore = math.Max(0, math.Min(1, score))
	profile.IsToxic = profile.ToxicityScore > d.cfg.ToxicThreshold
	return profile
}

// IsSafe decides whether the candidate may trade against the observed flow.
// Unsafety requires a combination of conditions so thin-but-honest markets
// are not rejected: toxic flow plus a non-trivial order, or spoofing plus
// thin liquidity. Insufficient data passes through as an explicitly flagged
// neutral verdict.
func (d *Detector) IsSafe(profile domain.FlowProfile, snap domain.OrderBookSnapshot, side domain.Side, orderSize float64) domain.SafetyVerdict {
	verdict := domain.SafetyVerdict{
		Safe:             true,
		Score:            profile.ToxicityScore,
		InsufficientData: profile.InsufficientData,
	}
	if profile.InsufficientData {
		verdict.Reasons = append(verdict.Reasons, "insufficient_data")
		return verdict
	}

	sideDepth := snap.AskDepth
	if side == domain.SideSell {
		sideDepth = snap.BidDepth
	}
	nonTrivial := sideDepth > 0 && orderSize > sideDepth*d.cfg.SizeVsDepthFrac

	if profile.IsToxic && nonTrivial {
		verdict.Safe = false
		verdict.Reasons = append(verdict.Reasons, "toxic_flow")
	}
	if profile.Patterns.Spoofing && snap.LiquidityScore < d.cfg.ThinLiquidityMin {
		verdict.Safe = false
		verdict.Reasons = append(verdict.Reasons, "spoofing_thin_book")
	}
	if profile.Patterns.WashTrading {
		verdict.Reasons = append(verdict.Reasons, "wash_trading_volume_unreliable")
	}
	if profile.Patterns.LiquidityWithdrawal {
		verdict.Reasons = append(verdict.Reasons, "liquidity_withdrawal")
	}
	return verdict
}

// frontRunningPattern flags a recent burst of same-direction prints whose
// dominant flow has already moved the price with it. Unlike
// DetectFrontRunning it needs no candidate; it marks the footprint itself.
func (d *Detector) frontRunningPattern(trades []domain.TradePrint) bool {
	cutoff := d.now().Add(-d.cfg.FrontRunLookback)
	var burst []domain.TradePrint
	for _, t := range trades {
		if !t.Timestamp.Before(cutoff) {
			burst = append(burst, t)
		}
	}
	if len(burst) == 0 {
		return false
	}

	var buys, sells int
	for _, t := range burst {
		if t.Side == domain.SideBuy {
			buys++
		} else {
			sells++
		}
	}
	dominant, n := domain.SideBuy, buys
	if sells > buys {
		dominant, n = domain.SideSell, sells
	}
	if n < d.cfg.FrontRunMinTrades {
		return false
	}

	first := burst[0].Price
	last := burst[len(burst)-1].Price
	if first <= 0 {
		return false
	}
	move := (last - first) / first
	if dominant == domain.SideSell {
		move = -move
	}
	return move >= d.cfg.FrontRunMoveFrac
}

// liquidityWithdrawal flags cancel volume overwhelming add volume across the
// event window, the book being pulled faster than it is replenished.
func (d *Detector) liquidityWithdrawal(events []domain.BookEvent) bool {
	var addVol, cancelVol float64
	for _, ev := range events {
		switch ev.Type {
		case domain.BookEventAdd:
			addVol += ev.Size
		case domain.BookEventCancel:
			cancelVol += ev.Size
		}
	}
	if cancelVol < d.cfg.WithdrawalMinVolume {
		return false
	}
	return cancelVol > addVol*d.cfg.WithdrawalCancelRatio
}

// DetectFrontRunning checks for same-direction flow with an adverse price
// move in the short lookback immediately preceding the candidate. It
// contributes a severity to the caller's decision; it never alone decides
// safety.
func (d *Detector) DetectFrontRunning(w *Window, side domain.Side, refPrice, orderSize float64) (bool, float64, string) {
	if refPrice <= 0 || orderSize <= 0 {
		return false, 0, ""
	}
	cutoff := d.now().Add(-d.cfg.FrontRunLookback)
	recent := w.TradesSince(cutoff)

	var sameDir []domain.TradePrint
	for _, t := range recent {
		if t.Side == side {
			sameDir = append(sameDir, t)
		}
	}
	if len(sameDir) < d.cfg.FrontRunMinTrades {
		return false, 0, ""
	}

	var vol, notional float64
	for _, t := range sameDir {
		vol += t.Size
		notional += t.Price * t.Size
	}
	avgPrice := notional / vol

	var adverseMove float64
	if side == domain.SideBuy {
		adverseMove = (avgPrice - refPrice) / refPrice
	} else {
		adverseMove = (refPrice - avgPrice) / refPrice
	}
	if adverseMove < d.cfg.FrontRunMoveFrac || vol <= orderSize*2 {
		return false, 0, ""
	}

	severity := math.Min(1, vol/(orderSize*5))
	desc := fmt.Sprintf("front_running: %d same-direction trades (%.0f contracts), price moved %.2f%% adverse",
		len(sameDir), vol, adverseMove*100)
	return true, severity, desc
}

// detectSpoofing counts large add/cancel cycles at the same side and price
// with no intervening trade at that price.
func (d *Detector) detectSpoofing(events []domain.BookEvent, trades []domain.TradePrint) bool {
	tradedAt := func(price float64, from, to time.Time) bool {
		for _, t := range trades {
			if math.Abs(t.Price-price) < 1e-9 && !t.Timestamp.Before(from) && !t.Timestamp.After(to) {
				return true
			}
		}
		return false
	}

	cycles := 0
	for i, ev := range events {
		if ev.Type != domain.BookEventAdd || ev.Size < d.cfg.SpoofLargeSize {
			continue
		}
		for _, later := range events[i+1:] {
			if later.Timestamp.Sub(ev.Timestamp) > d.cfg.SpoofCancelIn {
				break
			}
			if later.Type == domain.BookEventCancel && later.Side == ev.Side &&
				math.Abs(later.Price-ev.Price) < 1e-9 &&
				!tradedAt(ev.Price, ev.Timestamp, later.Timestamp) {
				cycles++
				break
			}
		}
	}
	return cycles >= d.cfg.SpoofMinCycles
}

// detectWashTrading counts adjacent alternating buy/sell prints matched on
// price and size.
func (d *Detector) detectWashTrading(trades []domain.TradePrint) bool {
	pairs := 0
	for i := 0; i+1 < len(trades); i++ {
		a, b := trades[i], trades[i+1]
		if a.Side != b.Side &&
			math.Abs(a.Price-b.Price) < d.cfg.WashPriceBand &&
			a.Size == b.Size {
			pairs++
		}
	}
	return pairs >= d.cfg.WashMinPairs
}

package planner

import (
	"fmt"
	"math"
	"time"

	"github.com/quantarb/execbot/internal/domain"
)

// selectMethod is the deterministic decision table over urgency, expected
// slippage, depth-vs-size sufficiency, and safety score. It is total: every
// input combination maps to exactly one method.
//
//	urgent                                            -> immediate
//	high impact (size beyond the largest safe chunk)  -> iceberg
//	high safety, low slippage, sufficient depth       -> immediate
//	low urgency with ample time                       -> time-sliced
//	otherwise (normal/high urgency, moderate cost)    -> resting limit with
//	                                                     timeout fallback
//
// Urgency wins over impact: an urgent order pays the slippage rather than
// wait out iceberg chunk delays. The caller attaches a warning in that case.
func (p *Planner) selectMethod(
	snap domain.OrderBookSnapshot,
	impact domain.MarketImpactEstimate,
	side domain.Side,
	size float64,
	urgency domain.Urgency,
	safety float64,
) domain.ExecutionMethod {
	sideDepth := snap.AskDepth
	if side == domain.SideSell {
		sideDepth = snap.BidDepth
	}
	depthSufficient := sideDepth > 0 && size <= sideDepth*p.cfg.DepthSufficiencyFrac

	if urgency == domain.UrgencyUrgent {
		return domain.ExecutionMethod{Kind: domain.MethodImmediate}
	}
	if impact.Impact == domain.ImpactHigh {
		return p.icebergMethod(impact, size)
	}
	if safety >= p.cfg.HighSafety && impact.SlippagePct <= p.cfg.LowSlippagePct && depthSufficient {
		return domain.ExecutionMethod{Kind: domain.MethodImmediate}
	}
	if urgency == domain.UrgencyLow {
		return p.timeSlicedMethod(size)
	}
	return p.restingLimitMethod(snap, side, urgency)
}

// icebergMethod splits the order into chunks no larger than the impact
// estimator's largest safe chunk, executed strictly FIFO with a fixed
// inter-chunk delay. Chunk sizes sum exactly to size.
func (p *Planner) icebergMethod(impact domain.MarketImpactEstimate, size float64) domain.ExecutionMethod {
	chunkSize := impact.LargestSafeChunk
	if chunkSize <= 0 || chunkSize >= size {
		chunkSize = size / 2
	}
	n := int(math.Ceil(size / chunkSize))
	if n < 2 {
		n = 2
	}
	return domain.ExecutionMethod{
		Kind:   domain.MethodIceberg,
		Chunks: equalChunks(size, n, p.cfg.IcebergChunkDelay),
	}
}

// timeSlicedMethod spreads the order across equal intervals approximating a
// time-weighted average price.
func (p *Planner) timeSlicedMethod(size float64) domain.ExecutionMethod {
	n := p.cfg.TimeSliceCount
	if n < 2 {
		n = 2
	}
	return domain.ExecutionMethod{
		Kind:   domain.MethodTimeSliced,
		Chunks: equalChunks(size, n, p.cfg.TimeSliceInterval),
	}
}

// restingLimitMethod rests at an urgency-scaled price between mid and the
// touch, bounded to the configured offset from the touch, with a timeout
// after which the runner falls back to immediate execution.
func (p *Planner) restingLimitMethod(snap domain.OrderBookSnapshot, side domain.Side, urgency domain.Urgency) domain.ExecutionMethod {
	aggressiveness := 0.5
	if urgency == domain.UrgencyHigh {
		aggressiveness = 0.7
	}
	limit := p.books.OptimalLimitPrice(snap, side, aggressiveness)

	touch := snap.BestAsk
	if side == domain.SideSell {
		touch = snap.BestBid
	}
	if math.Abs(limit-touch) > p.cfg.RestingLimitMaxOffset {
		if side == domain.SideBuy {
			limit = touch - p.cfg.RestingLimitMaxOffset
		} else {
			limit = touch + p.cfg.RestingLimitMaxOffset
		}
		limit = math.Round(limit*100) / 100
	}
	return domain.ExecutionMethod{
		Kind:         domain.MethodRestingLimit,
		LimitPrice:   limit,
		LimitTimeout: p.cfg.RestingLimitTimeout,
	}
}

// equalChunks builds n chunks whose sizes sum exactly to total; the last
// chunk absorbs the remainder and carries no trailing delay.
func equalChunks(total float64, n int, delay time.Duration) []domain.Chunk {
	per := total / float64(n)
	chunks := make([]domain.Chunk, n)
	var allocated float64
	for i := 0; i < n-1; i++ {
		chunks[i] = domain.Chunk{Size: per, Delay: delay}
		allocated += per
	}
	chunks[n-1] = domain.Chunk{Size: total - allocated}
	return chunks
}

// describeMethod renders the method for plan reasoning and logs.
func describeMethod(m domain.ExecutionMethod) string {
	switch m.Kind {
	case domain.MethodImmediate:
		return "immediate"
	case domain.MethodRestingLimit:
		return fmt.Sprintf("resting limit @ %.2f (timeout %s)", m.LimitPrice, m.LimitTimeout)
	case domain.MethodIceberg:
		return fmt.Sprintf("iceberg, %d chunks", len(m.Chunks))
	case domain.MethodTimeSliced:
		return fmt.Sprintf("time-sliced, %d slices", len(m.Chunks))
	default:
		return string(m.Kind)
	}
}

package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/quantarb/execbot/internal/domain"
)

// ExecutePlan submits an accepted plan to the order placer according to its
// execution method. Dispatch over MethodKind is exhaustive; an unknown kind
// is a programming error and fails loudly.
func (e *Engine) ExecutePlan(ctx context.Context, plan domain.ExecutionPlan) error {
	if plan.Outcome != domain.OutcomeAccepted {
		return fmt.Errorf("engine: plan %s is %s, not accepted", plan.ID, plan.Outcome)
	}
	switch plan.Method.Kind {
	case domain.MethodImmediate:
		return e.submitOnce(ctx, plan)
	case domain.MethodRestingLimit:
		return e.runRestingLimit(ctx, plan)
	case domain.MethodIceberg, domain.MethodTimeSliced:
		return e.runSchedule(ctx, plan)
	default:
		return fmt.Errorf("engine: plan %s has unknown method kind %q", plan.ID, plan.Method.Kind)
	}
}

// throttle blocks until the venue rate limit admits a submission.
func (e *Engine) throttle(ctx context.Context, instrument string) error {
	if e.limiter == nil {
		return nil
	}
	return e.limiter.Wait(ctx, "submit:"+instrument)
}

func (e *Engine) submitOnce(ctx context.Context, plan domain.ExecutionPlan) error {
	if err := e.throttle(ctx, plan.Instrument); err != nil {
		return err
	}
	orderID, err := e.placer.SubmitChunk(ctx, plan, 0)
	if err != nil {
		e.stats.ChunksFailed.Add(1)
		return fmt.Errorf("engine: submit plan %s: %w", plan.ID, err)
	}
	e.stats.ChunksSubmitted.Add(1)
	e.logger.InfoContext(ctx, "order submitted",
		slog.String("plan_id", plan.ID),
		slog.String("order_id", orderID),
		slog.Float64("size", plan.SizedContracts),
	)
	return nil
}

// runRestingLimit submits the resting order, waits out the timeout, then
// cancels and falls back to immediate execution if the order is still live.
func (e *Engine) runRestingLimit(ctx context.Context, plan domain.ExecutionPlan) error {
	baseline := e.inv.Assess(plan.Instrument).NetPosition
	if err := e.throttle(ctx, plan.Instrument); err != nil {
		return err
	}
	orderID, err := e.placer.SubmitChunk(ctx, plan, 0)
	if err != nil {
		e.stats.ChunksFailed.Add(1)
		return fmt.Errorf("engine: rest plan %s: %w", plan.ID, err)
	}
	e.stats.ChunksSubmitted.Add(1)

	timer := time.NewTimer(plan.Method.LimitTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		// Best-effort cancel with a detached deadline so shutdown does not
		// leave a live resting order.
		cancelCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.placer.CancelOrder(cancelCtx, orderID); err != nil {
			e.logger.ErrorContext(cancelCtx, "cancel on shutdown failed",
				slog.String("order_id", orderID),
				slog.String("error", err.Error()),
			)
		}
		return ctx.Err()
	case <-timer.C:
	}

	if err := e.placer.CancelOrder(ctx, orderID); err != nil {
		return fmt.Errorf("engine: cancel resting order %s: %w", orderID, err)
	}
	remaining := e.unfilledContracts(plan, baseline)
	if remaining <= 0 {
		return nil
	}
	e.logger.InfoContext(ctx, "resting limit timed out, crossing the spread",
		slog.String("plan_id", plan.ID),
		slog.Float64("remaining", remaining),
	)
	fallback := plan
	fallback.Method = domain.ExecutionMethod{Kind: domain.MethodImmediate}
	fallback.SizedContracts = remaining
	return e.submitOnce(ctx, fallback)
}

// runSchedule executes chunked methods strictly FIFO, honoring inter-chunk
// delays. Between chunks it re-checks inventory: a forced liquidation on the
// opposite side aborts the remaining schedule.
func (e *Engine) runSchedule(ctx context.Context, plan domain.ExecutionPlan) error {
	for i, chunk := range plan.Method.Chunks {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("engine: schedule for plan %s cancelled at chunk %d: %w", plan.ID, i, err)
		}
		if i > 0 && !plan.SystemInitiated {
			state := e.inv.Assess(plan.Instrument)
			if liq, forced := e.inv.CheckForcedLiquidation(state); forced && liq.Side != plan.Side {
				e.logger.WarnContext(ctx, "schedule aborted by opposing liquidation",
					slog.String("plan_id", plan.ID),
					slog.Int("chunks_done", i),
					slog.String("reason", liq.Reason),
				)
				return fmt.Errorf("engine: plan %s aborted after %d chunks: %s", plan.ID, i, liq.Reason)
			}
		}

		if err := e.throttle(ctx, plan.Instrument); err != nil {
			return err
		}
		orderID, err := e.placer.SubmitChunk(ctx, plan, i)
		if err != nil {
			e.stats.ChunksFailed.Add(1)
			return fmt.Errorf("engine: chunk %d of plan %s: %w", i, plan.ID, err)
		}
		e.stats.ChunksSubmitted.Add(1)
		e.logger.DebugContext(ctx, "chunk submitted",
			slog.String("plan_id", plan.ID),
			slog.Int("chunk", i),
			slog.String("order_id", orderID),
			slog.Float64("size", chunk.Size),
		)

		if chunk.Delay <= 0 {
			continue
		}
		timer := time.NewTimer(chunk.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("engine: schedule for plan %s cancelled at chunk %d: %w", plan.ID, i, ctx.Err())
		case <-timer.C:
		}
	}
	return nil
}

// unfilledContracts reports how much of the plan's size has not yet produced
// confirmed fills, judged from position movement since the order was
// submitted. Partial resting fills shrink the fallback size.
func (e *Engine) unfilledContracts(plan domain.ExecutionPlan, baseline float64) float64 {
	filled := e.inv.Assess(plan.Instrument).NetPosition - baseline
	if plan.Side == domain.SideSell {
		filled = -filled
	}
	if filled <= 0 {
		return plan.SizedContracts
	}
	return math.Max(0, plan.SizedContracts-filled)
}

package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/quantarb/execbot/internal/domain"
)

// PlanArchiver implements domain.PlanArchiver by serializing each terminal
// plan (accepted, rejected or deferred) to JSON and uploading it to the
// configured bucket. Rejections and deferrals carry their reasons, so the
// archive doubles as the post-hoc audit trail.
type PlanArchiver struct {
	writer *Writer
}

// NewPlanArchiver creates a PlanArchiver uploading through the given writer.
func NewPlanArchiver(writer *Writer) *PlanArchiver {
	return &PlanArchiver{writer: writer}
}

// planPath builds the S3 key for a plan, partitioned by day and outcome:
//
//	plans/2026-08-23/accepted/<plan-id>.json
func planPath(plan domain.ExecutionPlan) string {
	day := plan.CreatedAt.UTC().Format("2006-01-02")
	return fmt.Sprintf("plans/%s/%s/%s.json", day, plan.Outcome, plan.ID)
}

// Archive uploads one terminal plan.
func (a *PlanArchiver) Archive(ctx context.Context, plan domain.ExecutionPlan) error {
	if !plan.Terminal() {
		return fmt.Errorf("s3blob: archive plan %s: non-terminal state %s", plan.ID, plan.State)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(plan); err != nil {
		return fmt.Errorf("s3blob: marshal plan %s: %w", plan.ID, err)
	}

	if err := a.writer.Put(ctx, planPath(plan), &buf, "application/json"); err != nil {
		return fmt.Errorf("s3blob: archive plan %s: %w", plan.ID, err)
	}
	return nil
}

// ArchiveBatch uploads a set of terminal plans as one JSONL object keyed by
// the batch timestamp, for bulk export paths where per-plan objects would be
// too chatty.
func (a *PlanArchiver) ArchiveBatch(ctx context.Context, plans []domain.ExecutionPlan, at time.Time) error {
	if len(plans) == 0 {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, plan := range plans {
		if err := enc.Encode(plan); err != nil {
			return fmt.Errorf("s3blob: marshal plan batch item %d: %w", i, err)
		}
	}

	path := fmt.Sprintf("plans/batches/%s.jsonl", at.UTC().Format("2006-01-02T15-04-05"))
	if int64(buf.Len()) > minPartSize {
		if err := a.writer.PutMultipart(ctx, path, &buf, minPartSize); err != nil {
			return fmt.Errorf("s3blob: archive plan batch: %w", err)
		}
		return nil
	}
	if err := a.writer.Put(ctx, path, &buf, "application/x-ndjson"); err != nil {
		return fmt.Errorf("s3blob: archive plan batch: %w", err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.PlanArchiver = (*PlanArchiver)(nil)

package domain

import "time"

// Urgency indicates how quickly a candidate should be executed.
type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyNormal Urgency = "normal"
	UrgencyHigh   Urgency = "high"
	UrgencyUrgent Urgency = "urgent"
)

// PlanState is the stage a candidate has reached in the planning pipeline.
// Terminal states are Accepted, Rejected and Deferred.
type PlanState string

const (
	StateReceived         PlanState = "received"
	StateBookAnalyzed     PlanState = "book_analyzed"
	StateFlowChecked      PlanState = "flow_checked"
	StateSized            PlanState = "sized"
	StateInventoryChecked PlanState = "inventory_checked"
	StateMethodSelected   PlanState = "method_selected"
	StateAccepted         PlanState = "accepted"
	StateRejected         PlanState = "rejected"
	StateDeferred         PlanState = "deferred"
)

// Outcome is the terminal disposition of a plan. Deferred is distinct from
// Rejected: the condition is transient and the caller may retry after
// RetryAfter elapses.
type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeRejected Outcome = "rejected"
	OutcomeDeferred Outcome = "deferred"
)

// MethodKind is the closed set of execution methods. Dispatch over MethodKind
// must be exhaustive.
type MethodKind string

const (
	MethodImmediate    MethodKind = "immediate"
	MethodRestingLimit MethodKind = "resting_limit"
	MethodIceberg      MethodKind = "iceberg"
	MethodTimeSliced   MethodKind = "time_sliced"
)

// Chunk is one piece of a chunked schedule: submit Size contracts, then wait
// Delay before the next chunk. Chunk sizes always sum to the plan's
// SizedContracts.
type Chunk struct {
	Size  float64
	Delay time.Duration
}

// ExecutionMethod is the tagged variant selected by the planner's decision
// table. Fields beyond Kind are populated per variant: LimitPrice and
// LimitTimeout for RestingLimit; Chunks for Iceberg and TimeSliced.
type ExecutionMethod struct {
	Kind         MethodKind
	LimitPrice   float64
	LimitTimeout time.Duration
	Chunks       []Chunk
}

// Candidate is a trade request entering the planner.
type Candidate struct {
	ID         string
	Instrument string
	Side       Side
	Size       float64 // target size in contracts
	ModelProb  float64 // external probability estimate

	// SystemInitiated marks forced-liquidation reductions, which bypass
	// sizing and must never be blocked by an opposing-liquidation gate.
	SystemInitiated bool
}

// ExecutionPlan is the planner's output artifact, handed to the external
// order-placement collaborator. The planner itself never places orders.
type ExecutionPlan struct {
	ID          string
	CandidateID string
	Instrument  string
	Side        Side
	Urgency     Urgency

	State   PlanState
	Outcome Outcome

	RequestedSize  float64
	SizedContracts float64
	DollarSize     float64

	Method      ExecutionMethod
	SafetyScore float64

	SystemInitiated bool
	Warnings        []string
	Reason          string        // human-readable, set for rejections/deferrals
	RetryAfter      time.Duration // cool-down hint, set when Outcome is Deferred

	CreatedAt time.Time
}

// Terminal reports whether the plan reached a terminal state.
func (p ExecutionPlan) Terminal() bool {
	switch p.State {
	case StateAccepted, StateRejected, StateDeferred:
		return true
	default:
		return false
	}
}

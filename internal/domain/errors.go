package domain

import (
	"fmt"
	"time"
)

// InputError marks invalid caller input (probability out of range,
// non-positive size, unknown instrument). It is never auto-corrected.
type InputError struct {
	Field  string
	Detail string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("invalid input %s: %s", e.Field, e.Detail)
}

// StaleDataError marks market data older than the configured staleness bound.
// Stale data means "cannot evaluate safety", never "safe by default".
type StaleDataError struct {
	Instrument string
	Age        time.Duration
	Bound      time.Duration
}

func (e *StaleDataError) Error() string {
	return fmt.Sprintf("stale data for %s: age %s exceeds bound %s", e.Instrument, e.Age, e.Bound)
}

// InsufficientDataError marks a cold-start lookup with too little history to
// produce a signal. It propagates as an explicit neutral result; policy
// decides conservative handling.
type InsufficientDataError struct {
	Instrument string
	Have       int
	Need       int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data for %s: have %d, need %d", e.Instrument, e.Have, e.Need)
}

// UnsafeMarketError is an explicit trade rejection with structured reasons
// for post-hoc audit.
type UnsafeMarketError struct {
	Instrument string
	Score      float64
	Reasons    []string
}

func (e *UnsafeMarketError) Error() string {
	return fmt.Sprintf("unsafe market %s (score %.2f): %v", e.Instrument, e.Score, e.Reasons)
}

// Sentinel errors for stores, caches and locks.
type sentinelError string

func (e sentinelError) Error() string { return string(e) }

const (
	// ErrDuplicateFill is returned when a fill's venue sequence number has
	// already been applied for its instrument.
	ErrDuplicateFill = sentinelError("fill venue sequence already applied")

	// ErrNotFound is returned by stores and caches on a missing key.
	ErrNotFound = sentinelError("not found")

	// ErrLockHeld is returned when a distributed lock is held by another
	// party.
	ErrLockHeld = sentinelError("lock already held")
)

// Package flow scores recent trade and quote flow for manipulation and
// informed-trading risk, producing a safety verdict consumed by the planner.
package flow

import (
	"sync"
	"time"

	"github.com/quantarb/execbot/internal/domain"
)

// Window is a bounded rolling record of trade prints and book events for one
// instrument. Writes follow the per-instrument single-writer rule; the mutex
// only guards concurrent readers during evaluation.
type Window struct {
	mu        sync.Mutex
	trades    []domain.TradePrint
	events    []domain.BookEvent
	maxTrades int
	maxEvents int
	retention time.Duration
}

// NewWindow creates a rolling window bounded by entry counts and retention.
func NewWindow(maxTrades, maxEvents int, retention time.Duration) *Window {
	return &Window{
		maxTrades: maxTrades,
		maxEvents: maxEvents,
		retention: retention,
	}
}

// RecordTrade appends a trade print, evicting entries beyond capacity.
func (w *Window) RecordTrade(t domain.TradePrint) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.trades = append(w.trades, t)
	if len(w.trades) > w.maxTrades {
		w.trades = w.trades[len(w.trades)-w.maxTrades:]
	}
	w.evictLocked(t.Timestamp)
}

// RecordBookEvent appends an add/cancel event, evicting beyond capacity.
func (w *Window) RecordBookEvent(ev domain.BookEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = append(w.events, ev)
	if len(w.events) > w.maxEvents {
		w.events = w.events[len(w.events)-w.maxEvents:]
	}
	w.evictLocked(ev.Timestamp)
}

func (w *Window) evictLocked(now time.Time) {
	cutoff := now.Add(-w.retention)
	i := 0
	for i < len(w.trades) && w.trades[i].Timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.trades = w.trades[i:]
	}
	j := 0
	for j < len(w.events) && w.events[j].Timestamp.Before(cutoff) {
		j++
	}
	if j > 0 {
		w.events = w.events[j:]
	}
}

// TradesSince returns trade prints at or after the cutoff, oldest first.
func (w *Window) TradesSince(cutoff time.Time) []domain.TradePrint {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]domain.TradePrint, 0, len(w.trades))
	for _, t := range w.trades {
		if !t.Timestamp.Before(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

// EventsSince returns book events at or after the cutoff, oldest first.
func (w *Window) EventsSince(cutoff time.Time) []domain.BookEvent {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]domain.BookEvent, 0, len(w.events))
	for _, ev := range w.events {
		if !ev.Timestamp.Before(cutoff) {
			out = append(out, ev)
		}
	}
	return out
}

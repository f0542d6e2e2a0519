package engine

import (
	"sync"
	"time"

	"github.com/quantarb/execbot/internal/flow"
)

// WindowStore owns the per-instrument flow windows. The feed goroutine is the
// only writer per instrument; evaluation goroutines read concurrently.
type WindowStore struct {
	mu        sync.Mutex
	windows   map[string]*flow.Window
	maxTrades int
	maxEvents int
	retention time.Duration
}

// NewWindowStore builds the flow-window store the planner and engine share.
func NewWindowStore(maxTrades, maxEvents int, retention time.Duration) *WindowStore {
	return &WindowStore{
		windows:   make(map[string]*flow.Window),
		maxTrades: maxTrades,
		maxEvents: maxEvents,
		retention: retention,
	}
}

// Window returns the instrument's window, creating it on first use.
func (s *WindowStore) Window(instrument string) *flow.Window {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[instrument]
	if !ok {
		w = flow.NewWindow(s.maxTrades, s.maxEvents, s.retention)
		s.windows[instrument] = w
	}
	return w
}

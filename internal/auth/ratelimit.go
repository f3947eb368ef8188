// ABOUTME: Sliding-window failure tracker used to blunt credential brute force
// ABOUTME: Counts only failed attempts per tenant id; a success clears the window

package auth

import (
	"sync"
	"time"
)

// failureWindow tracks recent authentication failures per tenant id.
// A tenant is limited once the number of failures inside the window
// reaches the configured maximum.
type failureWindow struct {
	mu       sync.Mutex
	failures map[string][]time.Time
	window   time.Duration
	max      int
	now      func() time.Time
}

func newFailureWindow(window time.Duration, max int) *failureWindow {
	return &failureWindow{
		failures: make(map[string][]time.Time),
		window:   window,
		max:      max,
		now:      time.Now,
	}
}

// Limited reports whether the tenant has exhausted its failure budget.
func (w *failureWindow) Limited(tenantID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pruneLocked(tenantID)) >= w.max
}

// RecordFailure adds a failure timestamp for the tenant.
func (w *failureWindow) RecordFailure(tenantID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failures[tenantID] = append(w.pruneLocked(tenantID), w.now())
}

// Reset clears the tenant's failure history after a successful login.
func (w *failureWindow) Reset(tenantID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.failures, tenantID)
}

// pruneLocked drops failures older than the window. Must be called with mu held.
func (w *failureWindow) pruneLocked(tenantID string) []time.Time {
	cutoff := w.now().Add(-w.window)
	kept := w.failures[tenantID][:0]
	for _, ts := range w.failures[tenantID] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) == 0 {
		delete(w.failures, tenantID)
		return nil
	}
	w.failures[tenantID] = kept
	return kept
}

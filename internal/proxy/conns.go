// ABOUTME: Per-tenant in-flight request counting for drain-before-terminate

package proxy

import "sync"

// connCounter tracks how many requests are currently being forwarded per
// tenant. Long-lived upgraded connections count for their whole duration.
type connCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func newConnCounter() *connCounter {
	return &connCounter{counts: make(map[string]int)}
}

func (c *connCounter) add(tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[tenantID]++
}

func (c *connCounter) done(tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[tenantID]--
	if c.counts[tenantID] <= 0 {
		delete(c.counts, tenantID)
	}
}

func (c *connCounter) inFlight(tenantID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[tenantID]
}

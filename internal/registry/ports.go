// ABOUTME: Port allocator for the reserved backend port range
// ABOUTME: Hands out the lowest free port; callers hold the registry lock

package registry

import "errors"

// ErrPortsExhausted indicates every port in the reserved range is in use.
var ErrPortsExhausted = errors.New("reserved port range exhausted")

// portAllocator tracks which ports in [start, end] are held by live
// instances. Not safe for concurrent use on its own; the registry lock
// serializes all access.
type portAllocator struct {
	start, end int
	used       map[int]bool
}

func newPortAllocator(start, end int) *portAllocator {
	return &portAllocator{
		start: start,
		end:   end,
		used:  make(map[int]bool),
	}
}

// allocate returns the lowest free port in the range.
func (p *portAllocator) allocate() (int, error) {
	for port := p.start; port <= p.end; port++ {
		if !p.used[port] {
			p.used[port] = true
			return port, nil
		}
	}
	return 0, ErrPortsExhausted
}

// release returns a port to the pool. Releasing a free port is a no-op.
func (p *portAllocator) release(port int) {
	delete(p.used, port)
}

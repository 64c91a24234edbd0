// Package portpool reserves and releases UDP ports from a finite contiguous
// range for Node Sessions.
package portpool

import (
	"errors"
	"fmt"
	"sync"
)

// ErrPoolExhausted indicates no port is currently free in the pool's range.
var ErrPoolExhausted = errors.New("port pool exhausted")

// Pool reserves and releases UDP ports from the contiguous range
// [base, base+size) (spec §3, default [1213, 1313)).
//
// Unlike the random-discriminator allocator it is modeled on, selection must
// be deterministic given identical history: Reserve always returns the
// numerically smallest free port, which also makes port conservation trivial
// to assert in tests (spec §8 property 1).
type Pool struct {
	mu       sync.Mutex
	base     uint16
	size     int
	reserved []bool // reserved[i] true iff base+i is currently held
	free     int    // count of currently-free ports, for O(1) gauge reads
}

// New creates a Pool over [base, base+size).
func New(base uint16, size int) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{
		base:     base,
		size:     size,
		reserved: make([]bool, size),
		free:     size,
	}
}

// Reserve returns the numerically smallest free port in the pool's range, or
// ErrPoolExhausted if none remain.
func (p *Pool) Reserve() (uint16, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, held := range p.reserved {
		if !held {
			p.reserved[i] = true
			p.free--
			return p.base + uint16(i), nil
		}
	}

	return 0, fmt.Errorf("reserve port from [%d, %d): %w", p.base, int(p.base)+p.size, ErrPoolExhausted)
}

// Release returns port to the free set. Releasing a port that is already
// free, or outside the pool's range, changes nothing and reports
// alreadyFree=true; it is never fatal (spec §4.2: "idempotent-safe").
func (p *Pool) Release(port uint16) (alreadyFree bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := int(port) - int(p.base)
	if idx < 0 || idx >= p.size {
		return true
	}
	if !p.reserved[idx] {
		return true
	}
	p.reserved[idx] = false
	p.free++
	return false
}

// IsReserved reports whether port is currently held.
func (p *Pool) IsReserved(port uint16) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := int(port) - int(p.base)
	if idx < 0 || idx >= p.size {
		return false
	}
	return p.reserved[idx]
}

// FreeCount returns the number of currently-free ports, for metrics.
func (p *Pool) FreeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.free
}

// Size returns the total number of ports in the pool's range.
func (p *Pool) Size() int {
	return p.size
}

// Package core holds the scheduling substrate of the runtime: the capacity
// allocator, the priority scheduler, the PID admission controller, the
// session executor and the supervisor that ticks them together.
//
// Allocator and Scheduler have no internal locking. The Supervisor owns both
// and serializes every mutation on its tick.
package core

import (
	"errors"
	"fmt"
)

// ErrDuplicateAllocation is the panic value (wrapped) raised when an id that
// already holds capacity is allocated again.
var ErrDuplicateAllocation = errors.New("duplicate allocation")

// Defaults for the capacity pool.
const (
	DefaultPoolSize      = 9
	DefaultCostPerTicket = 3
)

// Allocator tracks a fixed pool of capacity units. Every granted ticket holds
// exactly Cost units until released.
type Allocator struct {
	size int
	cost int
	free int
	held map[string]int
}

// NewAllocator returns a full pool. Non-positive arguments fall back to defaults.
func NewAllocator(poolSize, cost int) *Allocator {
	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}
	if cost <= 0 {
		cost = DefaultCostPerTicket
	}
	return &Allocator{
		size: poolSize,
		cost: cost,
		free: poolSize,
		held: make(map[string]int),
	}
}

// Allocate grants Cost units to id, or returns false with no side effect when
// the pool cannot cover it. Allocating an id that already holds units panics.
func (a *Allocator) Allocate(id string) bool {
	if _, ok := a.held[id]; ok {
		panic(fmt.Errorf("%w: ticket %s already holds capacity", ErrDuplicateAllocation, id))
	}
	if a.free < a.cost {
		return false
	}
	a.free -= a.cost
	a.held[id] = a.cost
	return true
}

// Release returns id's units to the pool. Releasing an id that holds nothing
// is a no-op.
func (a *Allocator) Release(id string) {
	units, ok := a.held[id]
	if !ok {
		return
	}
	delete(a.held, id)
	a.free += units
}

// Holds reports whether id currently holds capacity.
func (a *Allocator) Holds(id string) bool {
	_, ok := a.held[id]
	return ok
}

// Free returns the unallocated units.
func (a *Allocator) Free() int { return a.free }

// Size returns the pool size.
func (a *Allocator) Size() int { return a.size }

// Cost returns the units charged per ticket.
func (a *Allocator) Cost() int { return a.cost }

// HeldIDs returns the ids currently holding capacity, in no particular order.
func (a *Allocator) HeldIDs() []string {
	ids := make([]string, 0, len(a.held))
	for id := range a.held {
		ids = append(ids, id)
	}
	return ids
}

// CheckInvariant verifies free + Σheld == size and 0 <= free <= size.
func (a *Allocator) CheckInvariant() error {
	sum := 0
	for _, units := range a.held {
		sum += units
	}
	if a.free < 0 || a.free > a.size {
		return fmt.Errorf("allocator free=%d outside [0, %d]", a.free, a.size)
	}
	if a.free+sum != a.size {
		return fmt.Errorf("allocator accounting drift: free=%d held=%d size=%d", a.free, sum, a.size)
	}
	return nil
}

// Package pool implements the fixed set of execution slots shared by the
// scheduler's dispatcher.
package pool

import (
	"container/list"
	"context"
	"fmt"
	"sync"

	appErr "fuzexec/pkg/errors"
)

// Slot is one leased execution slot. The lease generation makes a release
// from a previous holder a no-op.
type Slot struct {
	ID    int
	lease uint64
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Capacity    int `json:"capacity"`
	Free        int `json:"free"`
	Leased      int `json:"leased"`
	Quarantined int `json:"quarantined"`
	Waiting     int `json:"waiting"`
}

// Pool hands out slots to waiters in FIFO order.
type Pool struct {
	mu          sync.Mutex
	capacity    int
	free        []int
	leases      map[int]uint64
	quarantined map[int]string
	waiters     *list.List
	nextLease   uint64
	closed      bool
}

// New creates a pool with a fixed capacity.
func New(capacity int) (*Pool, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("pool capacity must be positive")
	}
	p := &Pool{
		capacity:    capacity,
		free:        make([]int, 0, capacity),
		leases:      make(map[int]uint64, capacity),
		quarantined: make(map[int]string),
		waiters:     list.New(),
	}
	for i := 0; i < capacity; i++ {
		p.free = append(p.free, i)
	}
	return p, nil
}

// Acquire blocks until a slot is free, the pool closes or ctx ends.
func (p *Pool) Acquire(ctx context.Context) (Slot, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return Slot{}, appErr.New(appErr.PoolClosed)
	}
	if p.waiters.Len() == 0 && len(p.free) > 0 {
		id := p.free[0]
		p.free = p.free[1:]
		slot := p.leaseLocked(id)
		p.mu.Unlock()
		return slot, nil
	}
	ch := make(chan Slot, 1)
	elem := p.waiters.PushBack(ch)
	p.mu.Unlock()

	select {
	case slot, ok := <-ch:
		if !ok {
			return Slot{}, appErr.New(appErr.PoolClosed)
		}
		return slot, nil
	case <-ctx.Done():
		p.mu.Lock()
		p.waiters.Remove(elem)
		p.mu.Unlock()
		// A slot handed over before the waiter was removed goes back.
		select {
		case slot, ok := <-ch:
			if ok {
				p.Release(slot)
			}
		default:
		}
		return Slot{}, ctx.Err()
	}
}

// Release returns a slot. Releasing a free slot or a stale lease is a no-op.
func (p *Pool) Release(slot Slot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if slot.lease == 0 || p.leases[slot.ID] != slot.lease {
		return
	}
	delete(p.leases, slot.ID)
	if !p.closed {
		if front := p.waiters.Front(); front != nil {
			p.waiters.Remove(front)
			front.Value.(chan Slot) <- p.leaseLocked(slot.ID)
			return
		}
	}
	p.free = append(p.free, slot.ID)
}

// Quarantine removes a leased slot from circulation for good. It reports
// false for a stale lease.
func (p *Pool) Quarantine(slot Slot, reason string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if slot.lease == 0 || p.leases[slot.ID] != slot.lease {
		return false
	}
	delete(p.leases, slot.ID)
	p.quarantined[slot.ID] = reason
	return true
}

// Close fails every current and future Acquire with PoolClosed. Leased
// slots can still be released.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for e := p.waiters.Front(); e != nil; e = e.Next() {
		close(e.Value.(chan Slot))
	}
	p.waiters.Init()
}

// Stats returns current counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Capacity:    p.capacity,
		Free:        len(p.free),
		Leased:      len(p.leases),
		Quarantined: len(p.quarantined),
		Waiting:     p.waiters.Len(),
	}
}

func (p *Pool) leaseLocked(id int) Slot {
	p.nextLease++
	p.leases[id] = p.nextLease
	return Slot{ID: id, lease: p.nextLease}
}

package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	appErr "fuzexec/pkg/errors"
)

func mustPool(t *testing.T, capacity int) *Pool {
	t.Helper()
	p, err := New(capacity)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	return p
}

func TestNewRejectsZeroCapacity(t *testing.T) {
	if _, err := New(0); err == nil {
		t.Fatalf("expected error for zero capacity")
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	p := mustPool(t, 1)
	slot, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	p.Release(slot)
	p.Release(slot)
	p.Release(Slot{ID: slot.ID})
	if stats := p.Stats(); stats.Free != 1 || stats.Leased != 0 {
		t.Fatalf("unexpected stats after double release: %+v", stats)
	}
}

func TestStaleLeaseCannotReleaseNewHolder(t *testing.T) {
	p := mustPool(t, 1)
	first, _ := p.Acquire(context.Background())
	p.Release(first)
	second, _ := p.Acquire(context.Background())
	if first.ID != second.ID {
		t.Fatalf("expected the same slot id")
	}
	p.Release(first)
	if stats := p.Stats(); stats.Leased != 1 {
		t.Fatalf("stale release freed a live lease: %+v", stats)
	}
	if p.Quarantine(first, "stale") {
		t.Fatalf("stale lease must not quarantine")
	}
}

func TestAcquireWaitersAreFIFO(t *testing.T) {
	p := mustPool(t, 1)
	held, _ := p.Acquire(context.Background())

	const waiters = 5
	order := make(chan int, waiters)
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			slot, err := p.Acquire(context.Background())
			if err != nil {
				t.Errorf("acquire %d: %v", i, err)
				return
			}
			order <- i
			p.Release(slot)
		}(i)
		waitFor(t, func() bool { return p.Stats().Waiting == i+1 })
	}
	p.Release(held)
	wg.Wait()
	close(order)

	next := 0
	for got := range order {
		if got != next {
			t.Fatalf("expected waiter %d, got %d", next, got)
		}
		next++
	}
}

func TestNoSlotIsDoubleLeased(t *testing.T) {
	const capacity = 3
	p := mustPool(t, capacity)
	var holders [capacity]atomic.Int32
	var running atomic.Int32
	var maxRunning atomic.Int32

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			slot, err := p.Acquire(context.Background())
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			if holders[slot.ID].Add(1) != 1 {
				t.Errorf("slot %d leased twice", slot.ID)
			}
			n := running.Add(1)
			for {
				cur := maxRunning.Load()
				if n <= cur || maxRunning.CompareAndSwap(cur, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			running.Add(-1)
			holders[slot.ID].Add(-1)
			p.Release(slot)
			p.Release(slot)
		}()
	}
	wg.Wait()
	if maxRunning.Load() > capacity {
		t.Fatalf("more holders than capacity: %d", maxRunning.Load())
	}
	if stats := p.Stats(); stats.Free != capacity {
		t.Fatalf("slots leaked: %+v", stats)
	}
}

func TestQuarantineShrinksCapacity(t *testing.T) {
	p := mustPool(t, 2)
	slot, _ := p.Acquire(context.Background())
	if !p.Quarantine(slot, "zombie") {
		t.Fatalf("expected quarantine to succeed")
	}
	p.Release(slot)
	stats := p.Stats()
	if stats.Free != 1 || stats.Quarantined != 1 || stats.Leased != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestCloseFailsWaiters(t *testing.T) {
	p := mustPool(t, 1)
	held, _ := p.Acquire(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background())
		errCh <- err
	}()
	waitFor(t, func() bool { return p.Stats().Waiting == 1 })
	p.Close()

	select {
	case err := <-errCh:
		if appErr.GetCode(err) != appErr.PoolClosed {
			t.Fatalf("expected PoolClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("waiter not released by close")
	}
	if _, err := p.Acquire(context.Background()); appErr.GetCode(err) != appErr.PoolClosed {
		t.Fatalf("expected PoolClosed after close, got %v", err)
	}
	p.Release(held)
	if stats := p.Stats(); stats.Leased != 0 {
		t.Fatalf("release after close must still clear the lease: %+v", stats)
	}
}

func TestCancelledWaiterDoesNotLeakSlot(t *testing.T) {
	p := mustPool(t, 1)
	held, _ := p.Acquire(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := p.Acquire(ctx); err == nil {
		t.Fatalf("expected context error")
	}
	p.Release(held)
	if stats := p.Stats(); stats.Free != 1 || stats.Waiting != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}

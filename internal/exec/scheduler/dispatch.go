package scheduler

import (
	"context"

	"fuzexec/internal/exec/model"
	"fuzexec/internal/exec/pool"
	"fuzexec/pkg/utils/logger"

	"go.uber.org/zap"
)

// dispatch waits for queued work, leases a slot and asks the actor to bind
// the head of the queue to it.
func (s *Scheduler) dispatch() {
	defer close(s.dispatchDone)
	for {
		select {
		case <-s.ready:
		case <-s.stop:
			return
		}
		for {
			slot, err := s.pool.Acquire(s.baseCtx)
			if err != nil {
				return
			}
			var bound, more bool
			if err := s.call(s.baseCtx, func() { bound, more = s.bindHead(slot) }); err != nil {
				s.pool.Release(slot)
				return
			}
			if !bound || !more {
				break
			}
		}
	}
}

// bindHead assigns slot to the oldest queued submission. It reports whether
// the slot was used and whether more submissions are waiting.
func (s *Scheduler) bindHead(slot pool.Slot) (bool, bool) {
	if s.closed {
		s.pool.Release(slot)
		return false, false
	}
	for s.queue.Len() > 0 {
		front := s.queue.Front()
		s.queue.Remove(front)
		rec := front.Value.(*record)
		rec.elem = nil
		if !rec.transition(model.StateQueued, model.StateAssigned) {
			continue
		}
		rec.queueTimer.Stop()
		rec.slot = slot
		runCtx, cancel := context.WithCancel(s.baseCtx)
		rec.cancel = cancel
		s.active++
		s.runs.Add(1)
		go s.run(runCtx, rec.sub, slot)
		return true, s.queue.Len() > 0
	}
	s.pool.Release(slot)
	return false, false
}

func (s *Scheduler) run(ctx context.Context, sub model.Submission, slot pool.Slot) {
	defer s.runs.Done()
	id := sub.ID
	onReady := func() {
		s.post(func() { s.markRunning(id) })
	}
	res, quarantine := s.exec.Execute(ctx, sub, slot.ID, onReady)
	if !s.post(func() { s.finish(id, res, quarantine) }) {
		// The actor is gone; the slot still has to leave the lease table.
		s.settleSlot(ctx, slot, res, quarantine)
	}
}

func (s *Scheduler) markRunning(id string) {
	rec, ok := s.records[id]
	if !ok {
		return
	}
	if rec.transition(model.StateAssigned, model.StateRunning) {
		logger.Debug(logger.WithSubmission(context.Background(), id), "submission running", zap.Int("slot", rec.slot.ID))
	}
}

// finish records the executor's outcome and frees the slot in the same
// actor step.
func (s *Scheduler) finish(id string, res model.Result, quarantine bool) {
	s.active--
	rec, ok := s.records[id]
	if !ok {
		return
	}
	s.settleSlot(context.Background(), rec.slot, res, quarantine)
	if !rec.transition(rec.state, res.State) {
		return
	}
	if s.closed && res.State == model.StateCancelled && !rec.cancelRequested {
		res.Reason = model.ReasonShutdown
	}
	s.complete(rec, res)
}

func (s *Scheduler) settleSlot(ctx context.Context, slot pool.Slot, res model.Result, quarantine bool) {
	if quarantine {
		s.pool.Quarantine(slot, res.Reason)
		logger.Error(ctx, "worker slot quarantined", zap.Int("slot", slot.ID), zap.String("reason", res.Reason))
		return
	}
	s.pool.Release(slot)
}

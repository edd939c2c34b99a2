package scheduler

import (
	"container/list"
	"context"
	"time"

	"fuzexec/internal/exec/model"
	"fuzexec/internal/exec/pool"
)

// record is the scheduler's bookkeeping for one submission. Only the actor
// goroutine reads or writes it.
type record struct {
	sub    model.Submission
	state  model.State
	result *model.Result

	elem       *list.Element
	queueTimer *time.Timer
	evictTimer *time.Timer

	slot            pool.Slot
	cancel          context.CancelFunc
	cancelRequested bool

	watchers []chan model.Result
}

// transition moves the record from one state to another and reports
// whether it happened. A terminal state is never left.
func (r *record) transition(from, to model.State) bool {
	if r.state != from || r.state.Terminal() {
		return false
	}
	r.state = to
	return true
}

func (r *record) snapshot() model.Snapshot {
	snap := model.Snapshot{
		ID:        r.sub.ID,
		State:     r.state,
		Identity:  r.sub.Identity,
		Language:  r.sub.Language,
		CreatedAt: r.sub.CreatedAt,
	}
	if r.result != nil {
		res := *r.result
		snap.Result = &res
	}
	return snap
}

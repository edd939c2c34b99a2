package executor

import (
	"bytes"
	"sync"

	"fuzexec/internal/sandbox/limiter"
	"fuzexec/internal/sandbox/spec"
)

// outputBudget is the byte allowance shared by one or more capture buffers.
type outputBudget struct {
	mu        sync.Mutex
	remaining int64
	exceeded  bool
	signal    chan struct{}
}

func newOutputBudget(limit int64, signal chan struct{}) *outputBudget {
	return &outputBudget{remaining: limit, signal: signal}
}

func (b *outputBudget) markExceeded() {
	if b.exceeded {
		return
	}
	b.exceeded = true
	select {
	case b.signal <- struct{}{}:
	default:
	}
}

// boundedBuffer keeps at most its budget's bytes and discards the rest. It
// never returns an error so the writer side of the pipe keeps draining.
type boundedBuffer struct {
	budget    *outputBudget
	buf       bytes.Buffer
	truncated bool
}

func (w *boundedBuffer) Write(p []byte) (int, error) {
	w.budget.mu.Lock()
	defer w.budget.mu.Unlock()
	take := int64(len(p))
	if take > w.budget.remaining {
		take = w.budget.remaining
		w.truncated = true
		w.budget.markExceeded()
	}
	if take > 0 {
		w.buf.Write(p[:take])
		w.budget.remaining -= take
	}
	return len(p), nil
}

func (w *boundedBuffer) snapshot() (string, bool) {
	w.budget.mu.Lock()
	defer w.budget.mu.Unlock()
	return w.buf.String(), w.truncated
}

// capture holds the stdout and stderr buffers of one execution.
type capture struct {
	stdout   *boundedBuffer
	stderr   *boundedBuffer
	overflow chan struct{}
}

func newCapture(budget limiter.OutputBudget) *capture {
	overflow := make(chan struct{}, 1)
	c := &capture{overflow: overflow}
	if budget.Scope == spec.ScopeSeparate {
		c.stdout = &boundedBuffer{budget: newOutputBudget(budget.Limit, overflow)}
		c.stderr = &boundedBuffer{budget: newOutputBudget(budget.Limit, overflow)}
		return c
	}
	shared := newOutputBudget(budget.Limit, overflow)
	c.stdout = &boundedBuffer{budget: shared}
	c.stderr = &boundedBuffer{budget: shared}
	return c
}

// overflowSignal fires on the first byte discarded from either stream.
func (c *capture) overflowSignal() <-chan struct{} {
	return c.overflow
}

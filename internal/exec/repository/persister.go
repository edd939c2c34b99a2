// Package repository persists submission lifecycle events outside the
// scheduler: a Redis status store, a SQL audit table and a Kafka
// final-status topic, all fed by a write-behind Persister.
package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fuzexec/internal/exec/model"
	"fuzexec/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	defaultPersistBuffer  = 256
	defaultPersistTimeout = 3 * time.Second
)

// Sink stores lifecycle events. Calls run on the persister worker only.
type Sink interface {
	Name() string
	Accepted(ctx context.Context, sub model.Submission) error
	Finished(ctx context.Context, sub model.Submission, res model.Result) error
}

// PersisterConfig controls the write-behind queue.
type PersisterConfig struct {
	Buffer  int           `yaml:"buffer"`
	Timeout time.Duration `yaml:"timeout"`
}

type eventKind int

const (
	eventAccepted eventKind = iota
	eventFinished
)

type event struct {
	kind eventKind
	sub  model.Submission
	res  model.Result
}

// Persister fans lifecycle events out to its sinks on one worker
// goroutine. Enqueueing never blocks; a full buffer drops the event.
type Persister struct {
	sinks   []Sink
	timeout time.Duration
	events  chan event
	done    chan struct{}

	mu      sync.RWMutex
	closed  bool
	dropped uint64
}

// NewPersister starts the worker.
func NewPersister(cfg PersisterConfig, sinks ...Sink) *Persister {
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultPersistBuffer
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultPersistTimeout
	}
	active := make([]Sink, 0, len(sinks))
	for _, sink := range sinks {
		if sink != nil {
			active = append(active, sink)
		}
	}
	p := &Persister{
		sinks:   active,
		timeout: cfg.Timeout,
		events:  make(chan event, cfg.Buffer),
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

// Accepted records an admitted submission.
func (p *Persister) Accepted(sub model.Submission) {
	p.enqueue(event{kind: eventAccepted, sub: stripPayload(sub)})
}

// Finished records a terminal result.
func (p *Persister) Finished(sub model.Submission, res model.Result) {
	p.enqueue(event{kind: eventFinished, sub: stripPayload(sub), res: res})
}

// Dropped returns how many events were discarded on a full buffer.
func (p *Persister) Dropped() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.dropped
}

func (p *Persister) enqueue(ev event) {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return
	}
	select {
	case p.events <- ev:
		p.mu.RUnlock()
		return
	default:
	}
	p.mu.RUnlock()

	p.mu.Lock()
	p.dropped++
	p.mu.Unlock()
	logger.Warn(context.Background(), "persist buffer full, event dropped",
		zap.String("submission_id", ev.sub.ID),
		zap.Int("kind", int(ev.kind)),
	)
}

// Close stops intake and waits for queued events to drain.
func (p *Persister) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.events)
	}
	p.mu.Unlock()
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("persister drain interrupted: %w", ctx.Err())
	}
}

func (p *Persister) run() {
	defer close(p.done)
	for ev := range p.events {
		p.deliver(ev)
	}
}

func (p *Persister) deliver(ev event) {
	ctx := logger.WithSubmission(context.Background(), ev.sub.ID)
	for _, sink := range p.sinks {
		sinkCtx, cancel := context.WithTimeout(ctx, p.timeout)
		var err error
		switch ev.kind {
		case eventAccepted:
			err = sink.Accepted(sinkCtx, ev.sub)
		case eventFinished:
			err = sink.Finished(sinkCtx, ev.sub, ev.res)
		}
		cancel()
		if err != nil {
			logger.Warn(ctx, "persist event failed", zap.String("sink", sink.Name()), zap.Error(err))
		}
	}
}

// stripPayload drops stdin, which no sink stores.
func stripPayload(sub model.Submission) model.Submission {
	sub.Stdin = nil
	return sub
}

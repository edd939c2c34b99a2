// Package scheduler admits submissions, queues them in FIFO order, binds
// them to worker slots and tracks their lifecycle until a terminal state.
//
// All bookkeeping is owned by one actor goroutine. API calls, executor
// callbacks and timers are messages into that goroutine, so the first
// terminal transition of a record always wins.
package scheduler

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"fuzexec/internal/exec/model"
	"fuzexec/internal/exec/pool"
	"fuzexec/internal/sandbox/profile"
	"fuzexec/internal/sandbox/spec"
	appErr "fuzexec/pkg/errors"
	"fuzexec/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultQueueDepth      = 64
	defaultQueueWait       = 30 * time.Second
	defaultRetention       = 10 * time.Minute
	defaultMaxPayloadBytes = 64 * 1024
	opsBuffer              = 256
)

// Config holds scheduler settings fixed at startup.
type Config struct {
	MaxPayloadBytes int64
	QueueDepth      int
	QueueWait       time.Duration
	Retention       time.Duration
	// Limits is applied to every submission. Requested limits may only
	// tighten it.
	Limits spec.ResourceLimit
}

func (c *Config) applyDefaults() {
	if c.MaxPayloadBytes <= 0 {
		c.MaxPayloadBytes = defaultMaxPayloadBytes
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = defaultQueueDepth
	}
	if c.QueueWait <= 0 {
		c.QueueWait = defaultQueueWait
	}
	if c.Retention <= 0 {
		c.Retention = defaultRetention
	}
}

// Executor runs one submission on a leased slot.
type Executor interface {
	Execute(ctx context.Context, sub model.Submission, slotID int, onReady func()) (model.Result, bool)
	Validate(limits spec.ResourceLimit) error
}

// SlotPool is the worker pool the dispatcher leases from.
type SlotPool interface {
	Acquire(ctx context.Context) (pool.Slot, error)
	Release(slot pool.Slot)
	Quarantine(slot pool.Slot, reason string) bool
	Close()
	Stats() pool.Stats
}

// Recorder receives lifecycle events for write-behind persistence. It must
// not block.
type Recorder interface {
	Accepted(sub model.Submission)
	Finished(sub model.Submission, res model.Result)
}

// SubmitRequest is one intake request. Identity is resolved by the gate.
type SubmitRequest struct {
	Language string
	Source   []byte
	Stdin    []byte
	Identity string
	Limits   spec.ResourceLimit
}

// CancelAck acknowledges a cancel request. Pending means the running
// execution was signalled and the terminal state follows.
type CancelAck struct {
	ID      string      `json:"id"`
	State   model.State `json:"state"`
	Pending bool        `json:"pending"`
}

// Stats is a point-in-time view of the scheduler.
type Stats struct {
	Queued   int        `json:"queued"`
	Active   int        `json:"active"`
	Retained int        `json:"retained"`
	Pool     pool.Stats `json:"pool"`
}

var errStopped = errors.New("scheduler stopped")

// Scheduler is the front door of the execution engine.
type Scheduler struct {
	cfg      Config
	exec     Executor
	pool     SlotPool
	runtimes profile.Repository
	recorder Recorder

	ops   chan func()
	ready chan struct{}
	stop  chan struct{}

	baseCtx    context.Context
	cancelBase context.CancelFunc
	runs       sync.WaitGroup

	loopDone     chan struct{}
	dispatchDone chan struct{}
	stopOnce     sync.Once

	// Owned by the actor goroutine.
	records map[string]*record
	queue   *list.List
	active  int
	closed  bool
}

// New starts a scheduler. recorder may be nil.
func New(cfg Config, exec Executor, slots SlotPool, runtimes profile.Repository, recorder Recorder) (*Scheduler, error) {
	if exec == nil || slots == nil || runtimes == nil {
		return nil, fmt.Errorf("executor, pool and runtimes are required")
	}
	cfg.applyDefaults()
	if err := exec.Validate(cfg.Limits); err != nil {
		return nil, fmt.Errorf("invalid default limits: %w", err)
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:          cfg,
		exec:         exec,
		pool:         slots,
		runtimes:     runtimes,
		recorder:     recorder,
		ops:          make(chan func(), opsBuffer),
		ready:        make(chan struct{}, 1),
		stop:         make(chan struct{}),
		baseCtx:      baseCtx,
		cancelBase:   cancel,
		loopDone:     make(chan struct{}),
		dispatchDone: make(chan struct{}),
		records:      make(map[string]*record),
		queue:        list.New(),
	}
	go s.loop()
	go s.dispatch()
	return s, nil
}

func (s *Scheduler) loop() {
	defer close(s.loopDone)
	for {
		select {
		case op := <-s.ops:
			op()
		case <-s.stop:
			return
		}
	}
}

// post hands fn to the actor without waiting for it to run.
func (s *Scheduler) post(fn func()) bool {
	select {
	case s.ops <- fn:
		return true
	case <-s.stop:
		return false
	}
}

// call runs fn on the actor and waits for it.
func (s *Scheduler) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case s.ops <- func() { fn(); close(done) }:
	case <-s.stop:
		return errStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-s.loopDone:
		return errStopped
	}
}

func (s *Scheduler) callErr(ctx context.Context, fn func()) error {
	err := s.call(ctx, fn)
	if errors.Is(err, errStopped) {
		return appErr.New(appErr.SchedulerClosed)
	}
	return err
}

// Submit validates and enqueues a submission and returns its id.
func (s *Scheduler) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if len(req.Source) == 0 {
		return "", appErr.ValidationError("source", "required")
	}
	if int64(len(req.Source)) > s.cfg.MaxPayloadBytes {
		return "", appErr.New(appErr.PayloadTooLarge).
			WithDetail("limit", s.cfg.MaxPayloadBytes).
			WithDetail("size", len(req.Source))
	}
	if int64(len(req.Stdin)) > s.cfg.MaxPayloadBytes {
		return "", appErr.Newf(appErr.PayloadTooLarge, "stdin is too large").
			WithDetail("limit", s.cfg.MaxPayloadBytes).
			WithDetail("size", len(req.Stdin))
	}
	if _, ok := s.runtimes.Get(req.Language); !ok {
		return "", appErr.New(appErr.LanguageNotSupported).WithDetail("language", req.Language)
	}
	limits := req.Limits.Clamp(s.cfg.Limits)
	if err := s.exec.Validate(limits); err != nil {
		return "", appErr.Wrapf(err, appErr.InvalidLimits, "invalid limits: %v", err)
	}

	sub := model.Submission{
		ID:        uuid.NewString(),
		Language:  req.Language,
		Source:    append([]byte(nil), req.Source...),
		Stdin:     append([]byte(nil), req.Stdin...),
		Identity:  req.Identity,
		CreatedAt: time.Now(),
		Limits:    limits,
	}
	var enqueueErr error
	if err := s.callErr(ctx, func() { enqueueErr = s.enqueue(sub) }); err != nil {
		return "", err
	}
	if enqueueErr != nil {
		return "", enqueueErr
	}
	logger.Info(logger.WithSubmission(ctx, sub.ID), "submission accepted",
		zap.String("language", sub.Language),
		zap.String("identity", sub.Identity),
		zap.Int("source_bytes", len(sub.Source)))
	return sub.ID, nil
}

func (s *Scheduler) enqueue(sub model.Submission) error {
	if s.closed {
		return appErr.New(appErr.SchedulerClosed)
	}
	if s.queue.Len() >= s.cfg.QueueDepth {
		return appErr.New(appErr.CapacityExceeded).WithDetail("queue_depth", s.cfg.QueueDepth)
	}
	rec := &record{sub: sub, state: model.StateQueued}
	rec.elem = s.queue.PushBack(rec)
	id := sub.ID
	rec.queueTimer = time.AfterFunc(s.cfg.QueueWait, func() {
		s.post(func() { s.expireQueued(id) })
	})
	s.records[id] = rec
	if s.recorder != nil {
		s.recorder.Accepted(sub)
	}
	select {
	case s.ready <- struct{}{}:
	default:
	}
	return nil
}

func (s *Scheduler) expireQueued(id string) {
	rec, ok := s.records[id]
	if !ok || !rec.transition(model.StateQueued, model.StateFailed) {
		return
	}
	s.queue.Remove(rec.elem)
	rec.elem = nil
	res := model.FailedResult(model.StateFailed, model.ReasonQueueTimeout, appErr.QueueTimeout.Message())
	logger.Warn(logger.WithSubmission(context.Background(), id), "submission expired in queue", zap.Duration("queue_wait", s.cfg.QueueWait))
	s.complete(rec, res)
}

// Poll returns the current state of a submission.
func (s *Scheduler) Poll(ctx context.Context, id string) (model.Snapshot, error) {
	var (
		snap  model.Snapshot
		found bool
	)
	if err := s.callErr(ctx, func() {
		if rec, ok := s.records[id]; ok {
			snap, found = rec.snapshot(), true
		}
	}); err != nil {
		return model.Snapshot{}, err
	}
	if !found {
		return model.Snapshot{}, appErr.New(appErr.SubmissionNotFound).WithDetail("id", id)
	}
	return snap, nil
}

// Cancel requests cancellation and returns without waiting for teardown.
func (s *Scheduler) Cancel(ctx context.Context, id string) (CancelAck, error) {
	var (
		ack   CancelAck
		found bool
	)
	err := s.callErr(ctx, func() {
		rec, ok := s.records[id]
		if !ok {
			return
		}
		found = true
		ack = s.cancelRecord(rec, model.ReasonCancelled)
	})
	if err != nil {
		return CancelAck{}, err
	}
	if !found {
		return CancelAck{}, appErr.New(appErr.SubmissionNotFound).WithDetail("id", id)
	}
	return ack, nil
}

func (s *Scheduler) cancelRecord(rec *record, reason string) CancelAck {
	ack := CancelAck{ID: rec.sub.ID}
	switch rec.state {
	case model.StateQueued:
		rec.transition(model.StateQueued, model.StateCancelled)
		s.queue.Remove(rec.elem)
		rec.elem = nil
		s.complete(rec, model.FailedResult(model.StateCancelled, reason, "cancelled while queued"))
	case model.StateAssigned, model.StateRunning:
		if !rec.cancelRequested {
			rec.cancelRequested = true
			rec.cancel()
		}
		ack.Pending = true
	}
	ack.State = rec.state
	return ack
}

// Wait blocks until the submission is terminal and returns its result.
func (s *Scheduler) Wait(ctx context.Context, id string) (model.Result, error) {
	var (
		ch    chan model.Result
		res   *model.Result
		found bool
	)
	if err := s.callErr(ctx, func() {
		rec, ok := s.records[id]
		if !ok {
			return
		}
		found = true
		if rec.result != nil {
			r := *rec.result
			res = &r
			return
		}
		ch = make(chan model.Result, 1)
		rec.watchers = append(rec.watchers, ch)
	}); err != nil {
		return model.Result{}, err
	}
	if !found {
		return model.Result{}, appErr.New(appErr.SubmissionNotFound).WithDetail("id", id)
	}
	if res != nil {
		return *res, nil
	}
	select {
	case r := <-ch:
		return r, nil
	case <-ctx.Done():
		return model.Result{}, ctx.Err()
	case <-s.stop:
		return model.Result{}, appErr.New(appErr.SchedulerClosed)
	}
}

// Stats reports queue and pool counters.
func (s *Scheduler) Stats(ctx context.Context) Stats {
	stats := Stats{}
	_ = s.call(ctx, func() {
		stats.Queued = s.queue.Len()
		stats.Active = s.active
		stats.Retained = len(s.records)
	})
	stats.Pool = s.pool.Stats()
	return stats
}

// Shutdown stops intake, cancels queued submissions, cancels running ones
// and waits for them to finish or ctx to end.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	err := s.call(ctx, func() {
		if s.closed {
			return
		}
		s.closed = true
		for e := s.queue.Front(); e != nil; {
			next := e.Next()
			s.cancelRecord(e.Value.(*record), model.ReasonShutdown)
			e = next
		}
	})
	if err != nil && !errors.Is(err, errStopped) {
		return err
	}
	s.cancelBase()
	s.pool.Close()

	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()
	var waitErr error
	select {
	case <-done:
	case <-ctx.Done():
		waitErr = fmt.Errorf("wait for running submissions: %w", ctx.Err())
	}
	// Finished executions posted their results before returning; this
	// barrier lets the actor apply them before it stops.
	_ = s.call(context.Background(), func() {})
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.loopDone
	<-s.dispatchDone
	return waitErr
}

// complete stores the terminal result, notifies watchers and schedules
// eviction. The record must already be in its terminal state.
func (s *Scheduler) complete(rec *record, res model.Result) {
	if rec.queueTimer != nil {
		rec.queueTimer.Stop()
	}
	if rec.cancel != nil {
		rec.cancel()
	}
	if res.FinishedAt.IsZero() {
		res.FinishedAt = time.Now()
	}
	rec.result = &res
	for _, ch := range rec.watchers {
		ch <- res
	}
	rec.watchers = nil
	if s.recorder != nil {
		s.recorder.Finished(rec.sub, res)
	}
	id := rec.sub.ID
	rec.evictTimer = time.AfterFunc(s.cfg.Retention, func() {
		s.post(func() { delete(s.records, id) })
	})
	logger.Info(logger.WithSubmission(context.Background(), id), "submission finished",
		zap.String("state", string(res.State)),
		zap.String("reason", res.Reason),
		zap.Int64("duration_ms", res.DurationMs))
}

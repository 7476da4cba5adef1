// Package queue runs memory writes off the conversation path: enqueue is
// constant time and never blocks, a worker pool drains per-user FIFO lanes,
// and failures retry with backoff until dead-lettered.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/rcliao/agent-recall/internal/logging"
	"github.com/rcliao/agent-recall/internal/model"
)

// State is a task's position in its lifecycle.
type State string

const (
	StateQueued       State = "queued"
	StateInProgress   State = "in_progress"
	StateCommitted    State = "committed"
	StateFailed       State = "failed" // waiting for a retry
	StateDeadLettered State = "dead_lettered"
	StateCancelled    State = "cancelled"
)

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateCommitted || s == StateDeadLettered || s == StateCancelled
}

// Handler commits one write. It must be safe to call again after an error.
type Handler func(ctx context.Context, rec model.Record) error

// Compensator undoes a committed write whose cancellation arrived while it
// was in flight.
type Compensator func(ctx context.Context, rec model.Record) error

// Handle identifies an enqueued write.
type Handle struct {
	TaskID     string    `json:"task_id"`
	RecordID   string    `json:"record_id"`
	UserID     string    `json:"user_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Status is a snapshot of a task.
type Status struct {
	TaskID      string    `json:"task_id"`
	RecordID    string    `json:"record_id"`
	UserID      string    `json:"user_id"`
	State       State     `json:"state"`
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"last_error,omitempty"`
	Compensated bool      `json:"compensated,omitempty"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// CancelResult reports what Cancel did.
type CancelResult int

const (
	// CancelNotFound means the queue has never seen the record.
	CancelNotFound CancelResult = iota
	// CancelDequeued means the write was removed before it ran.
	CancelDequeued
	// CancelInFlight means the write is running; a commit will be undone.
	CancelInFlight
	// CancelCommitted means the write already committed; the caller must delete it.
	CancelCommitted
	// CancelFinished means the write already ended without committing.
	CancelFinished
)

// Options configures a Queue.
type Options struct {
	Workers     int
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// History bounds how many terminal tasks stay inspectable.
	History    int
	Compensate Compensator
	Logger     *slog.Logger
	Clock      func() time.Time
}

// Stats counts task transitions.
type Stats struct {
	Enqueued     int64 `json:"enqueued"`
	Committed    int64 `json:"committed"`
	Retried      int64 `json:"retried"`
	DeadLettered int64 `json:"dead_lettered"`
	Cancelled    int64 `json:"cancelled"`
	Compensated  int64 `json:"compensated"`
	Pending      int   `json:"pending"`
}

type task struct {
	Status
	rec             model.Record
	cancelRequested bool
	done            chan struct{}
}

// lane is one user's FIFO. Only its head may be in flight.
type lane struct {
	user     string
	tasks    []*task
	busy     bool // head is in flight
	backoff  bool // head is waiting for a retry
	gen      int  // invalidates stale retry timers
	runnable bool // user is in the runnable list
}

// Queue is the background task queue.
type Queue struct {
	handler Handler
	opts    Options
	logger  *slog.Logger

	mu       sync.Mutex
	lanes    map[string]*lane
	runnable []string
	active   map[string]*task // task id -> task
	byRecord map[string]*task // record id -> task, active and history
	history  []*task
	closed   bool

	wake chan struct{}
	quit chan struct{}
	eg   *errgroup.Group

	// afterHandle runs between a handler returning and its outcome being
	// recorded. Tests use it to land a Cancel in that window.
	afterHandle func(*task)

	enqueued     atomic.Int64
	committed    atomic.Int64
	retried      atomic.Int64
	deadLettered atomic.Int64
	cancelled    atomic.Int64
	compensated  atomic.Int64
}

// New creates a queue. Call Start to begin processing.
func New(h Handler, opts Options) *Queue {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 1
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 100 * time.Millisecond
	}
	if opts.BackoffMax < opts.BackoffBase {
		opts.BackoffMax = opts.BackoffBase
	}
	if opts.History <= 0 {
		opts.History = 1000
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Queue{
		handler:  h,
		opts:     opts,
		logger:   logging.Or(opts.Logger),
		lanes:    map[string]*lane{},
		active:   map[string]*task{},
		byRecord: map[string]*task{},
		wake:     make(chan struct{}, opts.Workers),
		quit:     make(chan struct{}),
	}
}

// Enqueue accepts a write and returns immediately. The record id and
// created_at are assigned here so a write can be forgotten before it commits.
func (q *Queue) Enqueue(rec model.Record) (Handle, error) {
	now := q.opts.Clock()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.ID == "" {
		rec.ID = model.NewID(rec.CreatedAt)
	}

	t := &task{
		Status: Status{
			TaskID:     uuid.New().String(),
			RecordID:   rec.ID,
			UserID:     rec.UserID,
			State:      StateQueued,
			EnqueuedAt: now,
			UpdatedAt:  now,
		},
		rec:  rec,
		done: make(chan struct{}),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return Handle{}, goerr.Wrap(model.ErrClosed, "queue is closed")
	}
	if _, dup := q.byRecord[rec.ID]; dup {
		q.mu.Unlock()
		return Handle{}, goerr.Wrap(model.ErrValidation, "record already enqueued", goerr.V("record_id", rec.ID))
	}
	l := q.lanes[rec.UserID]
	if l == nil {
		l = &lane{user: rec.UserID}
		q.lanes[rec.UserID] = l
	}
	l.tasks = append(l.tasks, t)
	q.active[t.TaskID] = t
	q.byRecord[rec.ID] = t
	q.markRunnable(l)
	q.mu.Unlock()

	q.enqueued.Inc()
	q.signal()
	return Handle{TaskID: t.TaskID, RecordID: rec.ID, UserID: rec.UserID, EnqueuedAt: now}, nil
}

// markRunnable must be called with mu held.
func (q *Queue) markRunnable(l *lane) {
	if l.runnable || l.busy || l.backoff || len(l.tasks) == 0 {
		return
	}
	l.runnable = true
	q.runnable = append(q.runnable, l.user)
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// next claims the head of the next runnable lane.
func (q *Queue) next() *task {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.runnable) > 0 {
		user := q.runnable[0]
		q.runnable[0] = ""
		q.runnable = q.runnable[1:]
		l := q.lanes[user]
		if l == nil {
			continue
		}
		l.runnable = false
		if l.busy || l.backoff || len(l.tasks) == 0 {
			continue
		}
		l.busy = true
		t := l.tasks[0]
		t.State = StateInProgress
		t.Attempts++
		t.UpdatedAt = q.opts.Clock()
		return t
	}
	return nil
}

// Start launches the worker pool. Workers stop when ctx is done or Close is called.
func (q *Queue) Start(ctx context.Context) {
	eg, ctx := errgroup.WithContext(ctx)
	for i := 0; i < q.opts.Workers; i++ {
		eg.Go(func() error {
			q.work(ctx)
			return nil
		})
	}
	q.mu.Lock()
	q.eg = eg
	q.mu.Unlock()
}

func (q *Queue) work(ctx context.Context) {
	for {
		if t := q.next(); t != nil {
			q.run(ctx, t)
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-q.quit:
			return
		case <-q.wake:
		}
	}
}

func (q *Queue) run(ctx context.Context, t *task) {
	logger := q.logger.With("task_id", t.TaskID, "record_id", t.RecordID, "user_id", t.UserID)
	err := q.handler(ctx, t.rec)
	if q.afterHandle != nil {
		q.afterHandle(t)
	}

	// The cancel flag is read and the outcome recorded under one lock, so
	// a Cancel either lands before (and is compensated) or sees the final
	// state.
	q.mu.Lock()
	if err == nil && !t.cancelRequested {
		q.finish(t, StateCommitted)
		q.committed.Inc()
		q.mu.Unlock()
		logger.Debug("write committed", "attempts", t.Attempts)
		return
	}
	cancelRequested := t.cancelRequested
	if err != nil {
		q.settleFailure(t, err, cancelRequested, logger)
		q.mu.Unlock()
		return
	}
	q.mu.Unlock()

	// Forgotten while in flight: undo the commit.
	if q.opts.Compensate != nil {
		if cerr := q.opts.Compensate(ctx, t.rec); cerr != nil && !errors.Is(cerr, model.ErrNotFound) {
			logger.Error("compensating delete failed", "error", cerr)
			q.mu.Lock()
			t.LastError = "compensating delete failed: " + cerr.Error()
			q.finish(t, StateCommitted)
			q.mu.Unlock()
			q.committed.Inc()
			return
		}
	}
	logger.Info("write cancelled after commit, compensated")
	q.mu.Lock()
	t.Compensated = true
	q.finish(t, StateCancelled)
	q.mu.Unlock()
	q.compensated.Inc()
	q.cancelled.Inc()
}

// settleFailure records a failed attempt. Must be called with mu held.
func (q *Queue) settleFailure(t *task, err error, cancelRequested bool, logger *slog.Logger) {
	switch {
	case cancelRequested:
		t.LastError = err.Error()
		q.finish(t, StateCancelled)
		q.cancelled.Inc()

	case errors.Is(err, model.ErrValidation) || t.Attempts >= q.opts.MaxRetries:
		t.LastError = err.Error()
		q.finish(t, StateDeadLettered)
		q.deadLettered.Inc()
		logger.Error("write dead-lettered", "attempts", t.Attempts, "error", err)

	default:
		t.LastError = err.Error()
		t.State = StateFailed
		t.UpdatedAt = q.opts.Clock()
		q.retried.Inc()
		delay := q.backoff(t.Attempts)
		logger.Warn("write failed, retrying", "attempts", t.Attempts, "delay", delay, "error", err)

		l := q.lanes[t.UserID]
		l.busy = false
		l.backoff = true
		l.gen++
		gen := l.gen
		time.AfterFunc(delay, func() {
			q.mu.Lock()
			if l.gen == gen {
				l.backoff = false
				q.markRunnable(l)
			}
			q.mu.Unlock()
			q.signal()
		})
	}
}

// backoff returns base * 2^(attempt-1), capped.
func (q *Queue) backoff(attempt int) time.Duration {
	d := q.opts.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= q.opts.BackoffMax {
			return q.opts.BackoffMax
		}
	}
	return d
}

// finish moves t to a terminal state and releases its lane. Must be called
// with mu held.
func (q *Queue) finish(t *task, s State) {
	inFlight := t.State == StateInProgress
	t.State = s
	t.UpdatedAt = q.opts.Clock()
	delete(q.active, t.TaskID)

	if l := q.lanes[t.UserID]; l != nil {
		for i, lt := range l.tasks {
			if lt == t {
				l.tasks = append(l.tasks[:i], l.tasks[i+1:]...)
				break
			}
		}
		if inFlight {
			l.busy = false
		}
		if len(l.tasks) == 0 && !l.busy && !l.backoff {
			delete(q.lanes, t.UserID)
		} else {
			q.markRunnable(l)
		}
	}

	q.history = append(q.history, t)
	if len(q.history) > q.opts.History {
		old := q.history[0]
		q.history[0] = nil
		q.history = q.history[1:]
		if q.byRecord[old.RecordID] == old {
			delete(q.byRecord, old.RecordID)
		}
	}
	close(t.done)
	q.signal()
}

// Cancel withdraws the write of recordID.
func (q *Queue) Cancel(recordID string) CancelResult {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.byRecord[recordID]
	if !ok {
		return CancelNotFound
	}
	switch t.State {
	case StateCommitted:
		return CancelCommitted
	case StateDeadLettered, StateCancelled:
		return CancelFinished
	case StateInProgress:
		t.cancelRequested = true
		return CancelInFlight
	default:
		// Queued, or failed and waiting for a retry: never runs again.
		if t.State == StateFailed {
			if l := q.lanes[t.UserID]; l != nil {
				l.backoff = false
				l.gen++
			}
		}
		q.finish(t, StateCancelled)
		q.cancelled.Inc()
		return CancelDequeued
	}
}

// Status returns a snapshot of a task by task id.
func (q *Queue) Status(taskID string) (Status, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t, ok := q.active[taskID]; ok {
		return t.Status, true
	}
	for i := len(q.history) - 1; i >= 0; i-- {
		if q.history[i].TaskID == taskID {
			return q.history[i].Status, true
		}
	}
	return Status{}, false
}

// StatusByRecord returns a snapshot of the task writing recordID.
func (q *Queue) StatusByRecord(recordID string) (Status, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t, ok := q.byRecord[recordID]; ok {
		return t.Status, true
	}
	return Status{}, false
}

// Wait blocks until the task reaches a terminal state or ctx is done.
func (q *Queue) Wait(ctx context.Context, taskID string) (Status, error) {
	q.mu.Lock()
	var done chan struct{}
	if t, ok := q.active[taskID]; ok {
		done = t.done
	}
	q.mu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return Status{}, goerr.Wrap(ctx.Err(), "wait for task", goerr.V("task_id", taskID))
		}
	}
	st, ok := q.Status(taskID)
	if !ok {
		return Status{}, goerr.Wrap(model.ErrNotFound, "task not found", goerr.V("task_id", taskID))
	}
	return st, nil
}

// Drain blocks until every active task is terminal, including tasks
// enqueued while draining.
func (q *Queue) Drain(ctx context.Context) error {
	for {
		q.mu.Lock()
		var pending []chan struct{}
		for _, t := range q.active {
			pending = append(pending, t.done)
		}
		q.mu.Unlock()
		if len(pending) == 0 {
			return nil
		}
		for _, done := range pending {
			select {
			case <-done:
			case <-ctx.Done():
				return goerr.Wrap(ctx.Err(), "drain queue")
			}
		}
	}
}

// Close stops accepting writes and waits for workers to finish their
// current task. Queued tasks are left unprocessed.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	eg := q.eg
	q.mu.Unlock()

	close(q.quit)
	if eg != nil {
		return eg.Wait()
	}
	return nil
}

// Stats returns a snapshot of the transition counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	pending := len(q.active)
	q.mu.Unlock()
	return Stats{
		Enqueued:     q.enqueued.Load(),
		Committed:    q.committed.Load(),
		Retried:      q.retried.Load(),
		DeadLettered: q.deadLettered.Load(),
		Cancelled:    q.cancelled.Load(),
		Compensated:  q.compensated.Load(),
		Pending:      pending,
	}
}

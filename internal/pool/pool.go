// Package pool implements the bounded-concurrency Worker Pool: a fixed
// number of slots execute handler tasks under a per-task deadline with
// cooperative cancellation and grace-window abandonment.
package pool

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/selfevolve/dispatchcore/internal/queueerr"
	"github.com/selfevolve/dispatchcore/internal/router"
)

// DefaultShutdownGrace is how long Stop waits for in-flight tasks to finish
// when it is called with a non-positive grace.
const DefaultShutdownGrace = 10 * time.Second

// DefaultTaskGrace is the grace window a task gets past its deadline before
// the pool abandons it.
const DefaultTaskGrace = 2 * time.Second

// Task is one unit of work submitted to the pool.
type Task struct {
	WorkflowID string
	Timeout    time.Duration
	Run        func(ctx context.Context) router.Outcome
}

// Result is what a task produces, delivered on the channel Submit returns.
type Result struct {
	WorkflowID string
	Outcome    router.Outcome
	Abandoned  bool
}

// Pool runs tasks with bounded concurrency, matching
// task-dispatcher.Component's buffered-channel semaphore.
type Pool struct {
	sem       chan struct{}
	wg        sync.WaitGroup
	taskGrace time.Duration
	logger    *slog.Logger

	mu       sync.Mutex
	stopping bool

	submitted atomic.Int64
	completed atomic.Int64
	abandoned atomic.Int64
}

// Option configures a Pool.
type Option func(*Pool)

// WithTaskGrace overrides DefaultTaskGrace.
func WithTaskGrace(grace time.Duration) Option {
	return func(p *Pool) { p.taskGrace = grace }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) { p.logger = logger }
}

// New creates a Pool with the given worker count.
func New(workers int, opts ...Option) *Pool {
	if workers < 1 {
		workers = 1
	}
	p := &Pool{
		sem:       make(chan struct{}, workers),
		taskGrace: DefaultTaskGrace,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Submit blocks until a worker slot is free (the pool's backpressure
// mechanism), then runs task and returns a channel delivering its
// single Result. Submit returns an error without running the task if the
// pool has started shutting down or ctx is cancelled while waiting for a
// slot.
func (p *Pool) Submit(ctx context.Context, task Task) (<-chan Result, error) {
	p.mu.Lock()
	stopping := p.stopping
	p.mu.Unlock()
	if stopping {
		return nil, queueerr.NewShutdown(context.Canceled)
	}

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, queueerr.NewShutdown(ctx.Err())
	}

	p.submitted.Add(1)
	resultCh := make(chan Result, 1)
	p.wg.Add(1)
	go p.run(ctx, task, resultCh)
	return resultCh, nil
}

func (p *Pool) run(parent context.Context, task Task, resultCh chan<- Result) {
	defer p.wg.Done()
	defer func() { <-p.sem }()

	taskCtx, cancel := context.WithTimeout(parent, task.Timeout)
	defer cancel()

	innerDone := make(chan router.Outcome, 1)
	go func() {
		innerDone <- task.Run(taskCtx)
	}()

	select {
	case outcome := <-innerDone:
		p.completed.Add(1)
		resultCh <- Result{WorkflowID: task.WorkflowID, Outcome: outcome}
		return
	case <-taskCtx.Done():
	}

	// Deadline fired; give the handler a grace window to honor cooperative
	// cancellation before giving up on it.
	select {
	case outcome := <-innerDone:
		p.completed.Add(1)
		resultCh <- Result{WorkflowID: task.WorkflowID, Outcome: outcome}
	case <-time.After(p.taskGrace):
		p.abandoned.Add(1)
		p.logger.Warn("worker pool abandoned task past grace window",
			"workflow_id", task.WorkflowID, "timeout", task.Timeout, "grace", p.taskGrace)
		resultCh <- Result{
			WorkflowID: task.WorkflowID,
			Abandoned:  true,
			Outcome: router.Outcome{
				Err: queueerr.NewTransient(context.DeadlineExceeded),
			},
		}
	}
}

// Stop marks the pool as stopping, so later Submit calls fail with a
// shutdown error, then waits for in-flight tasks to finish or be abandoned,
// up to grace, and returns. It never drops a task.
// The returned bool reports a clean stop: false means the grace window
// elapsed with tasks still in flight, or at least one task was abandoned
// past its own deadline grace.
func (p *Pool) Stop(grace time.Duration) bool {
	p.mu.Lock()
	p.stopping = true
	p.mu.Unlock()

	if grace <= 0 {
		grace = DefaultShutdownGrace
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	clean := true
	select {
	case <-done:
	case <-time.After(grace):
		p.logger.Warn("worker pool stop timed out waiting for in-flight tasks", "grace", grace)
		clean = false
	}

	if p.abandoned.Load() > 0 {
		clean = false
	}
	return clean
}

// Stats reports pool throughput counters for observability.
type Stats struct {
	Submitted int64
	Completed int64
	Abandoned int64
	InFlight  int
}

// Stats returns current counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Abandoned: p.abandoned.Load(),
		InFlight:  len(p.sem),
	}
}

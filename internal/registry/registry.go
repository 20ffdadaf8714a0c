// Package registry owns authoritative in-process state for every workflow
// id the Dispatch Core has observed, enforcing the pending/running/completed/
// failed state machine.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Status is a workflow's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// IsTerminal reports whether s is a terminal status.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransitionTo reports whether s may transition to target.
func (s Status) CanTransitionTo(target Status) bool {
	switch s {
	case StatusPending:
		return target == StatusRunning
	case StatusRunning:
		return target == StatusCompleted || target == StatusFailed || target == StatusPending
	case StatusCompleted, StatusFailed:
		return false
	default:
		return false
	}
}

// LastError is the structured error recorded on a failed workflow.
type LastError struct {
	Kind   string
	Detail string
}

// Record is one workflow's authoritative state.
type Record struct {
	ID          string
	Type        string
	SourceQueue string
	Payload     map[string]any
	Status      Status
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Attempts    int
	LastError   *LastError
}

// Summary is the read-only view Snapshot returns for observability.
type Summary struct {
	ID          string
	Type        string
	SourceQueue string
	Status      Status
	Attempts    int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// IllegalTransitionError reports a rejected Transition call.
type IllegalTransitionError struct {
	ID   string
	From Status
	To   Status
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("workflow %s: illegal transition %s -> %s", e.ID, e.From, e.To)
}

// NotFoundError reports a Transition against an id the registry never saw.
type NotFoundError struct{ ID string }

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("workflow %s: not found", e.ID)
}

// DefaultTerminalTTL is how long a completed or failed record is retained
// before eviction.
const DefaultTerminalTTL = time.Hour

// Registry is the mutex-guarded workflow record table. One writer per
// workflow id is guaranteed by the caller routing a given id through a
// single worker at a time; the mutex here only protects the map
// structure itself, not cross-id ordering.
type Registry struct {
	mu          sync.Mutex
	records     map[string]*Record
	terminalTTL time.Duration
	now         func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithTerminalTTL overrides DefaultTerminalTTL.
func WithTerminalTTL(ttl time.Duration) Option {
	return func(r *Registry) { r.terminalTTL = ttl }
}

// WithClock overrides the time source; used by tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		records:     make(map[string]*Record),
		terminalTTL: DefaultTerminalTTL,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CreateOrGet returns the existing record for id if present, otherwise
// creates one in StatusPending and returns it. Idempotent on repeat calls.
func (r *Registry) CreateOrGet(id, workflowType, sourceQueue string, payload map[string]any) *Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.records[id]; ok {
		return rec
	}

	now := r.now()
	rec := &Record{
		ID:          id,
		Type:        workflowType,
		SourceQueue: sourceQueue,
		Payload:     payload,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	r.records[id] = rec
	return rec
}

// Transition moves a workflow from "from" to "to", enforcing the state
// machine. On a transition into running, attempts is incremented. On a
// transition into failed, lastErr is recorded.
func (r *Registry) Transition(id string, from, to Status, lastErr *LastError) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return &NotFoundError{ID: id}
	}
	if rec.Status != from {
		return &IllegalTransitionError{ID: id, From: rec.Status, To: to}
	}
	if !from.CanTransitionTo(to) {
		return &IllegalTransitionError{ID: id, From: from, To: to}
	}

	rec.Status = to
	rec.UpdatedAt = r.now()
	if to == StatusRunning {
		rec.Attempts++
	}
	if to == StatusFailed {
		rec.LastError = lastErr
	}
	return nil
}

// Get returns the record for id, if any.
func (r *Registry) Get(id string) (*Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	return rec, ok
}

// Snapshot returns a summary of every tracked workflow, for observability.
func (r *Registry) Snapshot() []Summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Summary, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, Summary{
			ID:          rec.ID,
			Type:        rec.Type,
			SourceQueue: rec.SourceQueue,
			Status:      rec.Status,
			Attempts:    rec.Attempts,
			CreatedAt:   rec.CreatedAt,
			UpdatedAt:   rec.UpdatedAt,
		})
	}
	return out
}

// EvictTerminal removes completed/failed records whose UpdatedAt is older
// than the configured terminal TTL, and returns the count removed.
func (r *Registry) EvictTerminal() int {
	cutoff := r.now().Add(-r.terminalTTL)

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, rec := range r.records {
		if rec.Status.IsTerminal() && rec.UpdatedAt.Before(cutoff) {
			delete(r.records, id)
			removed++
		}
	}
	return removed
}

// Run starts the periodic eviction loop and blocks until ctx is done,
// matching question-timeout's checkLoop ticker pattern.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.EvictTerminal()
		}
	}
}

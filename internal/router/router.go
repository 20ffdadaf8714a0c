// Package router maps (queue, body.type) pairs to a handler and its routing
// policy, a static dispatch table.
package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/selfevolve/dispatchcore/internal/queueerr"
)

// Context carries per-invocation handler metadata, the Handler Contract's
// "context" argument.
type Context struct {
	DryRun     bool
	WorkflowID string
	Deadline   time.Time
}

// Outcome is the Handler Contract's output: either a result map or a
// classified error.
type Outcome struct {
	Result map[string]any
	Err    error // classified via queueerr; nil means success
}

// Handler is the abstract contract every registered handler implements.
// Handlers MUST be idempotent with respect to WorkflowID.
type Handler func(ctx context.Context, payload map[string]any, hctx Context) Outcome

// Policy is the retry/timeout configuration attached to a routing entry.
type Policy struct {
	MaxAttempts        int
	InitialBackoff     time.Duration
	BackoffMultiplier  float64
	BackoffCap         time.Duration
	Timeout            time.Duration
	TerminalErrorKinds map[queueerr.Kind]bool
}

// IsTerminal reports whether kind should go straight to the DLQ without
// retry, regardless of attempts remaining.
func (p Policy) IsTerminal(kind queueerr.Kind) bool {
	return p.TerminalErrorKinds[kind]
}

// DefaultJobPolicy is the routing policy for job_request entries.
func DefaultJobPolicy() Policy {
	return Policy{
		MaxAttempts:       3,
		InitialBackoff:    time.Second,
		BackoffMultiplier: 2.0,
		BackoffCap:        30 * time.Second,
		Timeout:           30 * time.Second,
		TerminalErrorKinds: map[queueerr.Kind]bool{
			queueerr.KindPermanent:    true,
			queueerr.KindInvalidInput: true,
		},
	}
}

// DefaultUpdatePolicy is the routing policy for rule_update and
// llm_config_update entries.
func DefaultUpdatePolicy() Policy {
	p := DefaultJobPolicy()
	p.MaxAttempts = 5
	p.Timeout = 10 * time.Second
	return p
}

// Entry is one registered (queue, type) -> (handler, policy) binding.
type Entry struct {
	Queue       string
	MessageType string
	ResultQueue string
	HandlerName string
	Handler     Handler
	Policy      Policy
}

type key struct {
	queue       string
	messageType string
}

// Router is the static dispatch table. Registration happens once at startup;
// Lookup is read-mostly and safe for concurrent use by the Dispatch Core's
// per-queue consume loops.
type Router struct {
	mu      sync.RWMutex
	entries map[key]*Entry
}

// New creates an empty Router.
func New() *Router {
	return &Router{entries: make(map[key]*Entry)}
}

// Register binds (queue, messageType) to an entry. Re-registering the same
// key replaces the previous binding.
func (r *Router) Register(e Entry) error {
	if e.Queue == "" || e.MessageType == "" {
		return fmt.Errorf("router: queue and message type are required")
	}
	if e.Handler == nil {
		return fmt.Errorf("router: handler is required for %s/%s", e.Queue, e.MessageType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	entry := e
	r.entries[key{queue: e.Queue, messageType: e.MessageType}] = &entry
	return nil
}

// Lookup returns the entry registered for (queue, messageType). An
// unrecognized type is reported to the caller as invalid_input so the
// Dispatch Core can route straight to the DLQ with reason unknown_type.
func (r *Router) Lookup(queue, messageType string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[key{queue: queue, messageType: messageType}]
	if !ok {
		return nil, queueerr.NewInvalidInput(
			fmt.Errorf("no handler registered for queue=%s type=%s", queue, messageType),
		)
	}
	return entry, nil
}

// UpdatePolicy replaces the routing policy for an already-registered
// (queue, messageType) binding, leaving its handler untouched. This is the
// only mutation a config hot-reload is permitted to make: it can retune
// timeouts/backoff/max_attempts but can never register a new binding or
// remove an existing one, keeping the closed set of queue/type pairs fixed
// at startup.
func (r *Router) UpdatePolicy(queue, messageType string, policy Policy) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key{queue: queue, messageType: messageType}]
	if !ok {
		return fmt.Errorf("router: cannot update policy for unregistered binding queue=%s type=%s", queue, messageType)
	}
	updated := *entry
	updated.Policy = policy
	r.entries[key{queue: queue, messageType: messageType}] = &updated
	return nil
}

// Entries returns every registered entry, for observability / config dumps.
func (r *Router) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	return out
}

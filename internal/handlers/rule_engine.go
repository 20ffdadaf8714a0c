// Package handlers provides illustrative reference implementations of the
// Handler Contract for each entry in the queue configuration table. The
// actual rule-application, model-config-update, and sandboxed-execution
// logic these stand in for is treated as an opaque collaborator; what these
// handlers demonstrate is honoring the contract itself: idempotency by
// workflow id, dry_run, the deadline carried in the routing context, and the
// three-way error classification (transient, permanent, invalid_input).
package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/selfevolve/dispatchcore/internal/dispatch"
	"github.com/selfevolve/dispatchcore/internal/queueerr"
	"github.com/selfevolve/dispatchcore/internal/router"
)

func init() {
	dispatch.RegisterHandler("rule-engine", NewRuleEngine(slog.Default()).Handle)
}

// RuleEngine applies rule_update payloads. It is idempotent per workflow id:
// reapplying the same id's rule twice is a no-op on the second attempt, which
// is what absorbs at-least-once redelivery.
type RuleEngine struct {
	logger *slog.Logger

	mu      sync.Mutex
	applied map[string]string // workflow id -> rule, for idempotency
}

// NewRuleEngine creates a RuleEngine.
func NewRuleEngine(logger *slog.Logger) *RuleEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &RuleEngine{logger: logger, applied: make(map[string]string)}
}

// Handle implements the Handler Contract for rule_update messages.
func (e *RuleEngine) Handle(ctx context.Context, payload map[string]any, hctx router.Context) router.Outcome {
	rule, _ := payload["rule"].(string)
	action, _ := payload["action"].(string)
	if rule == "" {
		return router.Outcome{Err: queueerr.NewInvalidInput(fmt.Errorf("rule_update: rule is required"))}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if prior, ok := e.applied[hctx.WorkflowID]; ok && prior == rule {
		e.logger.Debug("rule-engine: workflow already applied, skipping", "workflow_id", hctx.WorkflowID)
		return router.Outcome{Result: map[string]any{"rule": rule, "action": action, "idempotent_skip": true}}
	}

	if hctx.DryRun {
		return router.Outcome{Result: map[string]any{"rule": rule, "action": action, "dry_run": true}}
	}

	select {
	case <-ctx.Done():
		return router.Outcome{Err: queueerr.NewTransient(ctx.Err())}
	default:
	}

	e.applied[hctx.WorkflowID] = rule
	e.logger.Info("rule-engine: applied rule", "workflow_id", hctx.WorkflowID, "rule", rule, "action", action)
	return router.Outcome{Result: map[string]any{"rule": rule, "action": action}}
}

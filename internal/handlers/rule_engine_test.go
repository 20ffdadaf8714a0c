package handlers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/selfevolve/dispatchcore/internal/queueerr"
	"github.com/selfevolve/dispatchcore/internal/router"
)

func TestRuleEngineMissingRuleIsInvalidInput(t *testing.T) {
	e := NewRuleEngine(nil)
	out := e.Handle(context.Background(), map[string]any{"action": "enable"}, router.Context{WorkflowID: "w1"})
	require.Error(t, out.Err)
	assert.True(t, queueerr.IsInvalidInput(out.Err))
}

func TestRuleEngineAppliesRule(t *testing.T) {
	e := NewRuleEngine(nil)
	out := e.Handle(context.Background(), map[string]any{"rule": "max-complexity", "action": "enforce"}, router.Context{WorkflowID: "w1"})
	require.NoError(t, out.Err)
	assert.Equal(t, "max-complexity", out.Result["rule"])
}

func TestRuleEngineIsIdempotentPerWorkflowID(t *testing.T) {
	e := NewRuleEngine(nil)
	hctx := router.Context{WorkflowID: "w1"}

	first := e.Handle(context.Background(), map[string]any{"rule": "max-complexity", "action": "enforce"}, hctx)
	require.NoError(t, first.Err)
	assert.Nil(t, first.Result["idempotent_skip"])

	second := e.Handle(context.Background(), map[string]any{"rule": "max-complexity", "action": "enforce"}, hctx)
	require.NoError(t, second.Err)
	assert.Equal(t, true, second.Result["idempotent_skip"])
}

func TestRuleEngineDryRunDoesNotApply(t *testing.T) {
	e := NewRuleEngine(nil)
	hctx := router.Context{WorkflowID: "w1", DryRun: true}

	out := e.Handle(context.Background(), map[string]any{"rule": "max-complexity", "action": "enforce"}, hctx)
	require.NoError(t, out.Err)
	assert.Equal(t, true, out.Result["dry_run"])

	e.mu.Lock()
	_, applied := e.applied["w1"]
	e.mu.Unlock()
	assert.False(t, applied, "dry run must not record the rule as applied")
}

func TestRuleEngineRespectsCancelledContext(t *testing.T) {
	e := NewRuleEngine(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := e.Handle(ctx, map[string]any{"rule": "r", "action": "a"}, router.Context{WorkflowID: "w2"})
	require.Error(t, out.Err)
	assert.True(t, queueerr.IsTransient(out.Err))
}

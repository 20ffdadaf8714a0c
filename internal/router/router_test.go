package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/selfevolve/dispatchcore/internal/queueerr"
)

func okHandler(ctx context.Context, payload map[string]any, hctx Context) Outcome {
	return Outcome{Result: map[string]any{"ok": true}}
}

func TestRegisterAndLookup(t *testing.T) {
	r := New()
	err := r.Register(Entry{
		Queue:       "job_requests",
		MessageType: "code_execution_request",
		ResultQueue: "job_results",
		HandlerName: "job-executor",
		Handler:     okHandler,
		Policy:      DefaultJobPolicy(),
	})
	require.NoError(t, err)

	entry, err := r.Lookup("job_requests", "code_execution_request")
	require.NoError(t, err)
	assert.Equal(t, "job-executor", entry.HandlerName)
	assert.Equal(t, 3, entry.Policy.MaxAttempts)
}

func TestLookupUnknownTypeIsInvalidInput(t *testing.T) {
	r := New()
	_, err := r.Lookup("rule_updates", "unknown_kind")
	require.Error(t, err)
	assert.True(t, queueerr.IsInvalidInput(err))
}

func TestRegisterRequiresQueueAndType(t *testing.T) {
	r := New()
	err := r.Register(Entry{Handler: okHandler})
	require.Error(t, err)
}

func TestRegisterRequiresHandler(t *testing.T) {
	r := New()
	err := r.Register(Entry{Queue: "job_requests", MessageType: "code_execution_request"})
	require.Error(t, err)
}

func TestRegisterReplacesExistingEntry(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(Entry{
		Queue: "job_requests", MessageType: "code_execution_request",
		HandlerName: "first", Handler: okHandler,
	}))
	require.NoError(t, r.Register(Entry{
		Queue: "job_requests", MessageType: "code_execution_request",
		HandlerName: "second", Handler: okHandler,
	}))

	entry, err := r.Lookup("job_requests", "code_execution_request")
	require.NoError(t, err)
	assert.Equal(t, "second", entry.HandlerName)
}

func TestPolicyIsTerminal(t *testing.T) {
	p := DefaultJobPolicy()
	assert.True(t, p.IsTerminal(queueerr.KindPermanent))
	assert.True(t, p.IsTerminal(queueerr.KindInvalidInput))
	assert.False(t, p.IsTerminal(queueerr.KindTransient))
	assert.False(t, p.IsTerminal(queueerr.KindShutdown))
}

func TestDefaultUpdatePolicyDiffersFromJobPolicy(t *testing.T) {
	job := DefaultJobPolicy()
	update := DefaultUpdatePolicy()
	assert.Equal(t, 5, update.MaxAttempts)
	assert.NotEqual(t, job.Timeout, update.Timeout)
}

func TestUpdatePolicyRetunesExistingBindingWithoutChangingHandler(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(Entry{
		Queue: "job_requests", MessageType: "code_execution_request",
		HandlerName: "job-executor", Handler: okHandler, Policy: DefaultJobPolicy(),
	}))

	newPolicy := DefaultJobPolicy()
	newPolicy.MaxAttempts = 7
	require.NoError(t, r.UpdatePolicy("job_requests", "code_execution_request", newPolicy))

	entry, err := r.Lookup("job_requests", "code_execution_request")
	require.NoError(t, err)
	assert.Equal(t, 7, entry.Policy.MaxAttempts)
	assert.Equal(t, "job-executor", entry.HandlerName)
}

func TestUpdatePolicyRejectsUnregisteredBinding(t *testing.T) {
	r := New()
	err := r.UpdatePolicy("job_requests", "code_execution_request", DefaultJobPolicy())
	require.Error(t, err)
}

func TestEntriesReturnsAllRegistrations(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(Entry{Queue: "a", MessageType: "t1", Handler: okHandler}))
	require.NoError(t, r.Register(Entry{Queue: "b", MessageType: "t2", Handler: okHandler}))
	assert.Len(t, r.Entries(), 2)
}

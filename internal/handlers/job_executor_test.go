package handlers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/selfevolve/dispatchcore/internal/queueerr"
	"github.com/selfevolve/dispatchcore/internal/router"
)

func TestJobExecutorRequiresCodeAndLanguage(t *testing.T) {
	j := NewJobExecutor(nil)

	out := j.Handle(context.Background(), map[string]any{"language": "go"}, router.Context{WorkflowID: "j1"})
	require.Error(t, out.Err)
	assert.True(t, queueerr.IsInvalidInput(out.Err))

	out = j.Handle(context.Background(), map[string]any{"code": "package main"}, router.Context{WorkflowID: "j1"})
	require.Error(t, out.Err)
	assert.True(t, queueerr.IsInvalidInput(out.Err))
}

func TestJobExecutorHappyPath(t *testing.T) {
	j := NewJobExecutor(nil)
	out := j.Handle(context.Background(), map[string]any{
		"code":          "package main\nfunc main() {}\n",
		"language":      "go",
		"analysis_type": "quality",
	}, router.Context{WorkflowID: "j1"})

	require.NoError(t, out.Err)
	assert.Equal(t, 1.0, out.Result["quality_score"])
	assert.Equal(t, 0, out.Result["issues"])
}

func TestJobExecutorPenalizesFlaggedPatterns(t *testing.T) {
	j := NewJobExecutor(nil)
	out := j.Handle(context.Background(), map[string]any{
		"code":     "func f() { panic(\"boom\") } // TODO fix",
		"language": "go",
	}, router.Context{WorkflowID: "j2"})

	require.NoError(t, out.Err)
	assert.Equal(t, 2, out.Result["issues"])
	assert.Less(t, out.Result["quality_score"].(float64), 1.0)
}

func TestJobExecutorDryRun(t *testing.T) {
	j := NewJobExecutor(nil)
	out := j.Handle(context.Background(), map[string]any{
		"code":     "package main",
		"language": "go",
	}, router.Context{WorkflowID: "j3", DryRun: true})

	require.NoError(t, out.Err)
	assert.Equal(t, true, out.Result["dry_run"])
}

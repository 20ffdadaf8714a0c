package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/selfevolve/dispatchcore/internal/dispatch"
	"github.com/selfevolve/dispatchcore/internal/queueerr"
	"github.com/selfevolve/dispatchcore/internal/router"
)

func init() {
	dispatch.RegisterHandler("job-executor", NewJobExecutor(slog.Default()).Handle)
}

// JobExecutor stands in for the sandboxed code-execution collaborator named
// in code_execution_request messages. It does not execute anything; it
// reports a static pass/fail verdict so the Dispatch Core's retry/DLQ
// machinery has a real handler to drive.
type JobExecutor struct {
	logger *slog.Logger
}

// NewJobExecutor creates a JobExecutor.
func NewJobExecutor(logger *slog.Logger) *JobExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &JobExecutor{logger: logger}
}

// Handle implements the Handler Contract for code_execution_request messages.
func (j *JobExecutor) Handle(ctx context.Context, payload map[string]any, hctx router.Context) router.Outcome {
	code, _ := payload["code"].(string)
	language, _ := payload["language"].(string)
	analysisType, _ := payload["analysis_type"].(string)

	if code == "" {
		return router.Outcome{Err: queueerr.NewInvalidInput(fmt.Errorf("code_execution_request: code is required"))}
	}
	if language == "" {
		return router.Outcome{Err: queueerr.NewInvalidInput(fmt.Errorf("code_execution_request: language is required"))}
	}

	select {
	case <-ctx.Done():
		return router.Outcome{Err: queueerr.NewTransient(ctx.Err())}
	default:
	}

	if hctx.DryRun {
		return router.Outcome{Result: map[string]any{"dry_run": true, "language": language}}
	}

	issues := strings.Count(code, "TODO") + strings.Count(code, "panic(")
	score := 1.0
	if issues > 0 {
		score = 1.0 / float64(1+issues)
	}

	j.logger.Debug("job-executor: analyzed submission",
		"workflow_id", hctx.WorkflowID, "language", language, "analysis_type", analysisType, "issues", issues)

	return router.Outcome{Result: map[string]any{
		"quality_score": score,
		"issues":        issues,
		"language":      language,
		"analysis_type": analysisType,
	}}
}

package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/selfevolve/dispatchcore/internal/approval"
	"github.com/selfevolve/dispatchcore/internal/dispatch"
	"github.com/selfevolve/dispatchcore/internal/queueerr"
	"github.com/selfevolve/dispatchcore/internal/router"
	"github.com/selfevolve/dispatchcore/llm"
	_ "github.com/selfevolve/dispatchcore/llm/providers" // registers the ollama provider
	"github.com/selfevolve/dispatchcore/model"
)

func init() {
	dispatch.RegisterHandler("llm-config-manager", NewLLMConfigManager(model.Global(), slog.Default()).Handle)
}

// configUpdate is the body shape of an llm_config_update payload: a partial
// model.Registry merge gated by a previously-issued approval token.
type configUpdate struct {
	ApprovalToken string                                       `json:"approval_token"`
	Capabilities  map[model.Capability]*model.CapabilityConfig `json:"capabilities,omitempty"`
	Endpoints     map[string]*model.EndpointConfig             `json:"endpoints,omitempty"`
	DefaultModel  string                                       `json:"default_model,omitempty"`
}

// LLMConfigManager applies llm_config_update payloads to a model.Registry,
// gated by the Approval Service: applying a model-config change is
// side-effectful, so it requires a token issued for the workflow's subject.
type LLMConfigManager struct {
	registry *model.Registry
	logger   *slog.Logger
}

// NewLLMConfigManager creates an LLMConfigManager over registry.
func NewLLMConfigManager(registry *model.Registry, logger *slog.Logger) *LLMConfigManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMConfigManager{registry: registry, logger: logger}
}

// Handle implements the Handler Contract for llm_config_update messages.
func (m *LLMConfigManager) Handle(ctx context.Context, payload map[string]any, hctx router.Context) router.Outcome {
	raw, err := json.Marshal(payload)
	if err != nil {
		return router.Outcome{Err: queueerr.NewInvalidInput(fmt.Errorf("llm_config_update: re-marshal payload: %w", err))}
	}
	var update configUpdate
	if err := json.Unmarshal(raw, &update); err != nil {
		return router.Outcome{Err: queueerr.NewInvalidInput(fmt.Errorf("llm_config_update: decode: %w", err))}
	}
	if len(update.Capabilities) == 0 && len(update.Endpoints) == 0 && update.DefaultModel == "" {
		return router.Outcome{Err: queueerr.NewInvalidInput(fmt.Errorf("llm_config_update: empty update"))}
	}
	for name, cfg := range update.Endpoints {
		if llm.GetProvider(cfg.Provider) == nil {
			return router.Outcome{Err: queueerr.NewInvalidInput(
				fmt.Errorf("llm_config_update: endpoint %s references unregistered provider %q", name, cfg.Provider))}
		}
	}

	if !hctx.DryRun {
		if update.ApprovalToken == "" {
			return router.Outcome{Err: queueerr.NewPermanent(fmt.Errorf("llm_config_update: approval_token is required"))}
		}
		if err := approval.Global().ValidateAndConsume(update.ApprovalToken, hctx.WorkflowID); err != nil {
			// All approval rejections are permanent to the caller.
			return router.Outcome{Err: queueerr.NewPermanent(fmt.Errorf("llm_config_update: %w", err))}
		}
	}

	select {
	case <-ctx.Done():
		return router.Outcome{Err: queueerr.NewTransient(ctx.Err())}
	default:
	}

	applied := map[string]any{"dry_run": hctx.DryRun}
	if hctx.DryRun {
		applied["would_apply"] = update
		return router.Outcome{Result: applied}
	}

	for cap, cfg := range update.Capabilities {
		m.registry.SetCapability(cap, cfg)
	}
	for name, cfg := range update.Endpoints {
		m.registry.SetEndpoint(name, cfg)
	}
	if update.DefaultModel != "" {
		m.registry.SetDefault(update.DefaultModel)
	}

	m.logger.Info("llm-config-manager: applied config update",
		"workflow_id", hctx.WorkflowID,
		"capabilities", len(update.Capabilities),
		"endpoints", len(update.Endpoints))

	applied["capabilities_updated"] = len(update.Capabilities)
	applied["endpoints_updated"] = len(update.Endpoints)
	return router.Outcome{Result: applied}
}

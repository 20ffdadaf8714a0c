package dispatch

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/c360studio/semstreams/component"

	"github.com/selfevolve/dispatchcore/internal/router"
)

func okHandler(ctx context.Context, payload map[string]any, hctx router.Context) router.Outcome {
	return router.Outcome{Result: map[string]any{"ok": true}}
}

func init() {
	RegisterHandler("test-rule-engine", okHandler)
	RegisterHandler("test-llm-config-manager", okHandler)
	RegisterHandler("test-job-executor", okHandler)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Queues[0].HandlerName = "test-rule-engine"
	cfg.Queues[1].HandlerName = "test-llm-config-manager"
	cfg.Queues[2].HandlerName = "test-job-executor"
	return cfg
}

func TestNewComponent(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		cfg := testConfig()
		cfgBytes, _ := json.Marshal(cfg)

		comp, err := NewComponent(cfgBytes, component.Dependencies{})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if comp == nil {
			t.Fatal("expected component to be created")
		}

		discoverable, ok := comp.(component.Discoverable)
		if !ok {
			t.Fatal("expected component to implement Discoverable")
		}
		meta := discoverable.Meta()
		if meta.Name != "dispatch-core" {
			t.Errorf("expected Name 'dispatch-core', got %s", meta.Name)
		}
	})

	t.Run("applies defaults", func(t *testing.T) {
		cfgBytes := []byte(`{"queues":[{"logical_name":"job_requests","message_type":"code_execution_request","result_queue_name":"job_results","handler_name":"test-job-executor","max_attempts":3,"timeout":"30s"}]}`)

		comp, err := NewComponent(cfgBytes, component.Dependencies{})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		c := comp.(*Component)
		if c.config.StreamName != "DISPATCH" {
			t.Errorf("expected default StreamName, got %s", c.config.StreamName)
		}
		if c.config.Pool.Workers != 4 {
			t.Errorf("expected default Workers, got %d", c.config.Pool.Workers)
		}
	})

	t.Run("invalid json", func(t *testing.T) {
		_, err := NewComponent([]byte(`{invalid`), component.Dependencies{})
		if err == nil {
			t.Error("expected error for invalid JSON")
		}
	})

	t.Run("missing handler", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Queues[0].HandlerName = "does-not-exist"
		cfgBytes, _ := json.Marshal(cfg)

		_, err := NewComponent(cfgBytes, component.Dependencies{})
		if err == nil {
			t.Error("expected error for unregistered handler name")
		}
	})

	t.Run("invalid config values", func(t *testing.T) {
		cfg := testConfig()
		cfg.Pool.Workers = 1
		cfg.Pool.BatchSize = 50 // exceeds workers*4
		cfgBytes, _ := json.Marshal(cfg)

		_, err := NewComponent(cfgBytes, component.Dependencies{})
		if err == nil {
			t.Error("expected error for batch_size exceeding workers*4")
		}
	})
}

func TestComponentMeta(t *testing.T) {
	comp := mustComponent(t)
	meta := comp.Meta()
	if meta.Type != "processor" {
		t.Errorf("expected Type 'processor', got %s", meta.Type)
	}
	if meta.Description == "" {
		t.Error("expected Description to be set")
	}
	if meta.Version != "0.1.0" {
		t.Errorf("expected Version '0.1.0', got %s", meta.Version)
	}
}

func TestComponentConfigSchema(t *testing.T) {
	comp := mustComponent(t)
	schema := comp.ConfigSchema()
	if schema.Properties == nil {
		t.Error("expected ConfigSchema to have Properties")
	}
}

func TestComponentPorts(t *testing.T) {
	comp := mustComponent(t)

	inputPorts := comp.InputPorts()
	if len(inputPorts) != 3 {
		t.Errorf("expected 3 input ports, got %d", len(inputPorts))
	}

	outputPorts := comp.OutputPorts()
	if len(outputPorts) != 6 {
		t.Errorf("expected 6 output ports (results + dlq per queue), got %d", len(outputPorts))
	}
}

func TestComponentHealthBeforeStart(t *testing.T) {
	comp := mustComponent(t)
	health := comp.Health()
	if health.Healthy {
		t.Error("expected component to be unhealthy when not running")
	}
	if health.Status != "stopped" {
		t.Errorf("expected status 'stopped', got %s", health.Status)
	}
}

func TestComponentIsRunningBeforeStart(t *testing.T) {
	comp := mustComponent(t)
	if comp.IsRunning() {
		t.Error("expected component to not be running initially")
	}
}

func TestComponentInitialize(t *testing.T) {
	comp := mustComponent(t)
	if err := comp.Initialize(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestStartRejectsMissingNATSClient(t *testing.T) {
	comp := mustComponent(t)
	err := comp.Start(context.Background())
	if err == nil {
		t.Fatal("expected error starting without a NATS client")
	}
	if comp.IsRunning() {
		t.Error("expected component to remain stopped after a failed start")
	}
}

func TestStopWithoutStartIsNoop(t *testing.T) {
	comp := mustComponent(t)
	if err := comp.Stop(time.Second); err != nil {
		t.Errorf("unexpected error stopping a never-started component: %v", err)
	}
}

func mustComponent(t *testing.T) *Component {
	t.Helper()
	cfg := testConfig()
	cfgBytes, _ := json.Marshal(cfg)

	comp, err := NewComponent(cfgBytes, component.Dependencies{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return comp.(*Component)
}

// Package dispatch implements the Dispatch Core: the top-level loop that
// reads from every configured queue, routes each message to its handler
// through a bounded worker pool, and drives each workflow id's record
// through the registry's state machine to a terminal outcome.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/natsclient"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/selfevolve/dispatchcore/internal/approval"
	"github.com/selfevolve/dispatchcore/internal/backoff"
	"github.com/selfevolve/dispatchcore/internal/envelope"
	"github.com/selfevolve/dispatchcore/internal/pool"
	"github.com/selfevolve/dispatchcore/internal/queue"
	"github.com/selfevolve/dispatchcore/internal/queueerr"
	"github.com/selfevolve/dispatchcore/internal/registry"
	"github.com/selfevolve/dispatchcore/internal/router"
)

// Component implements the Dispatch Core processor.
type Component struct {
	name       string
	config     Config
	natsClient *natsclient.Client
	logger     *slog.Logger

	adapter  *queue.Adapter
	router   *router.Router
	pool     *pool.Pool
	registry *registry.Registry
	approval *approval.Service
	metrics  *metrics

	mu        sync.RWMutex
	running   bool
	startTime time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	decodeFailures   atomic.Int64
	messagesRead     atomic.Int64
	messagesArchived atomic.Int64
	messagesDLQ      atomic.Int64
	resultsPublished atomic.Int64

	lastActivityMu sync.RWMutex
	lastActivity   time.Time
}

// NewComponent creates a new Dispatch Core processor.
func NewComponent(rawConfig json.RawMessage, deps component.Dependencies) (component.Discoverable, error) {
	var config Config
	if err := json.Unmarshal(rawConfig, &config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	config = applyDefaults(config, DefaultConfig())
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := deps.GetLogger()

	rtr := router.New()
	for _, q := range config.Queues {
		handler, err := mustGetHandler(q.HandlerName)
		if err != nil {
			return nil, err
		}
		policy, err := policyFromQueueConfig(q)
		if err != nil {
			return nil, err
		}
		if err := rtr.Register(router.Entry{
			Queue:       q.LogicalName,
			MessageType: q.MessageType,
			ResultQueue: q.ResultQueueName,
			HandlerName: q.HandlerName,
			Handler:     handler,
			Policy:      policy,
		}); err != nil {
			return nil, fmt.Errorf("register route for %s: %w", q.LogicalName, err)
		}
	}

	approvalSvc := approval.New(
		approval.WithDefaultTTL(time.Duration(config.Approval.DefaultTTLSeconds)*time.Second),
		approval.WithGCGrace(30*time.Second),
		approval.WithLogger(logger),
	)
	// Reference handlers (internal/handlers) reach the Approval Service
	// through this singleton since they register at package init() time,
	// before any Component exists to inject a service into them.
	approval.InitGlobal(approvalSvc)

	return &Component{
		name:       "dispatch-core",
		config:     config,
		natsClient: deps.NATSClient,
		logger:     logger,
		adapter:    queue.New(deps.NATSClient, logger),
		router:     rtr,
		pool:       pool.New(config.Pool.Workers, pool.WithLogger(logger)),
		registry: registry.New(
			registry.WithTerminalTTL(time.Duration(config.Registry.TerminalRetentionSeconds) * time.Second),
		),
		approval: approvalSvc,
		metrics:  newMetrics(),
	}, nil
}

func policyFromQueueConfig(q QueueConfig) (router.Policy, error) {
	timeout, err := time.ParseDuration(q.Timeout)
	if err != nil {
		return router.Policy{}, fmt.Errorf("queue %s: invalid timeout: %w", q.LogicalName, err)
	}
	initial, err := time.ParseDuration(q.InitialBackoff)
	if err != nil {
		initial = time.Second
	}
	cap, err := time.ParseDuration(q.BackoffCap)
	if err != nil {
		cap = 30 * time.Second
	}
	multiplier := q.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}
	return router.Policy{
		MaxAttempts:       q.MaxAttempts,
		InitialBackoff:    initial,
		BackoffMultiplier: multiplier,
		BackoffCap:        cap,
		Timeout:           timeout,
		TerminalErrorKinds: map[queueerr.Kind]bool{
			queueerr.KindPermanent:    true,
			queueerr.KindInvalidInput: true,
		},
	}, nil
}

// ReloadPolicy retunes the Policy of already-registered routing entries from
// a freshly loaded queue configuration table. It never registers or removes a
// binding: a queue present in queues but not already routed is ignored, and a
// previously-routed queue missing from queues keeps its last policy. This is
// the only mutation a config hot-reload is permitted to make, matching
// Router.UpdatePolicy's contract.
func (c *Component) ReloadPolicy(queues []QueueConfig) error {
	for _, q := range queues {
		policy, err := policyFromQueueConfig(q)
		if err != nil {
			return fmt.Errorf("reload policy for %s: %w", q.LogicalName, err)
		}
		if err := c.router.UpdatePolicy(q.LogicalName, q.MessageType, policy); err != nil {
			c.logger.Debug("skipping policy reload for unregistered binding",
				"queue", q.LogicalName, "message_type", q.MessageType)
			continue
		}
		c.logger.Info("reloaded routing policy",
			"queue", q.LogicalName, "max_attempts", policy.MaxAttempts, "timeout", policy.Timeout)
	}
	return nil
}

// MetricsHandler returns an http.Handler exposing this Component's Prometheus
// registry. Each Component owns a private registry (see metrics.go), so the
// caller mounts one handler per running Component rather than sharing a
// process-wide default registry.
func (c *Component) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(c.metrics.registry, promhttp.HandlerOpts{})
}

// Initialize prepares the component.
func (c *Component) Initialize() error {
	c.logger.Debug("initialized dispatch-core",
		"stream", c.config.StreamName,
		"queues", len(c.config.Queues),
		"workers", c.config.Pool.Workers)
	return nil
}

// Start begins reading every configured queue and dispatching to handlers.
func (c *Component) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("component already running")
	}
	if c.natsClient == nil {
		c.mu.Unlock()
		return fmt.Errorf("NATS client required")
	}
	c.running = true
	c.startTime = time.Now()

	subCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	js, err := c.natsClient.JetStream()
	if err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("get jetstream: %w", err)
	}

	stream, err := js.Stream(subCtx, c.config.StreamName)
	if err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("get stream %s: %w", c.config.StreamName, err)
	}

	visibility := time.Duration(c.config.Pool.VisibilitySeconds) * time.Second
	for _, q := range c.config.Queues {
		consumer, err := stream.CreateOrUpdateConsumer(subCtx, jetstream.ConsumerConfig{
			Durable:       fmt.Sprintf("%s-%s", c.config.ConsumerPrefix, q.LogicalName),
			FilterSubject: q.LogicalName,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       visibility,
			MaxDeliver:    q.MaxAttempts + 1,
		})
		if err != nil {
			c.rollbackStart(cancel)
			return fmt.Errorf("create consumer for %s: %w", q.LogicalName, err)
		}
		c.adapter.BindQueue(q.LogicalName, consumer)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.approval.Run(subCtx, time.Duration(c.config.Approval.GCIntervalSeconds)*time.Second)
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.registry.Run(subCtx, time.Minute)
	}()

	for _, q := range c.config.Queues {
		c.wg.Add(1)
		go func(queueName string) {
			defer c.wg.Done()
			c.consumeLoop(subCtx, queueName)
		}(q.LogicalName)
	}

	c.logger.Info("dispatch-core started",
		"stream", c.config.StreamName,
		"queues", len(c.config.Queues),
		"workers", c.config.Pool.Workers)
	return nil
}

func (c *Component) rollbackStart(cancel context.CancelFunc) {
	c.mu.Lock()
	c.running = false
	c.cancel = nil
	c.mu.Unlock()
	cancel()
}

// consumeLoop is the per-queue read loop, one goroutine per configured queue
// so a slow queue never starves the others.
func (c *Component) consumeLoop(ctx context.Context, queueName string) {
	pollInterval := time.Duration(c.config.Pool.PollIntervalMS) * time.Millisecond
	visibility := time.Duration(c.config.Pool.VisibilitySeconds) * time.Second
	readBackoff := backoff.DefaultPolicy()
	outageAttempt := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		results, err := c.adapter.Read(ctx, queueName, c.config.Pool.BatchSize, visibility)
		if err != nil {
			if queueerr.IsShutdown(err) || ctx.Err() != nil {
				return
			}
			outageAttempt++
			wait := readBackoff.Next(outageAttempt)
			c.logger.Warn("dispatch-core read failed, backing off",
				"queue", queueName, "error", err, "attempt", outageAttempt, "wait", wait)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		outageAttempt = 0

		if len(results) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
			continue
		}

		c.updateLastActivity()
		for _, result := range results {
			c.handleEnvelope(ctx, queueName, result)
		}
	}
}

// handleEnvelope decodes, routes, registers, and submits one message.
func (c *Component) handleEnvelope(ctx context.Context, queueName string, result queue.ReadResult) {
	c.messagesRead.Add(1)
	c.metrics.messagesRead.Inc()

	if result.DecodeErr != nil {
		c.decodeFailures.Add(1)
		c.metrics.decodeFailures.Inc()
		c.dlq(ctx, queueName, result.Raw.MsgID, "invalid_message")
		return
	}

	msgType, _ := result.Raw.Body["type"].(string)
	entry, err := c.router.Lookup(queueName, msgType)
	if err != nil {
		c.dlq(ctx, queueName, result.Raw.MsgID, "unknown_type")
		return
	}

	workflowID, _ := result.Raw.Body["id"].(string)
	if workflowID == "" {
		workflowID = uuid.NewString()
		result.Raw.Body["id"] = workflowID
	}

	rec := c.registry.CreateOrGet(workflowID, msgType, queueName, result.Raw.Body)
	if err := c.registry.Transition(workflowID, registry.StatusPending, registry.StatusRunning, nil); err != nil {
		// Already running or completed: an at-least-once duplicate delivery
		// of the same id. Leave it to the substrate's redelivery cycle.
		c.logger.Debug("dispatch-core skipping duplicate delivery",
			"workflow_id", workflowID, "status", rec.Status, "queue", queueName)
		return
	}

	payload := result.Raw.Body
	attemptStart := time.Now()
	entryCopy := *entry
	task := pool.Task{
		WorkflowID: workflowID,
		Timeout:    entryCopy.Policy.Timeout,
		Run: func(ctx context.Context) router.Outcome {
			hctx := router.Context{
				DryRun:     isDryRun(payload),
				WorkflowID: workflowID,
				Deadline:   time.Now().Add(entryCopy.Policy.Timeout),
			}
			return entryCopy.Handler(ctx, payload, hctx)
		},
	}

	resultCh, err := c.pool.Submit(ctx, task)
	if err != nil {
		c.logger.Warn("dispatch-core failed to submit task", "workflow_id", workflowID, "error", err)
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		select {
		case res := <-resultCh:
			elapsed := time.Since(attemptStart)
			c.metrics.handlerLatency.WithLabelValues(entryCopy.HandlerName, queueName).Observe(elapsed.Seconds())
			c.drainResult(ctx, queueName, result.Raw.MsgID, entryCopy, res, elapsed)
		case <-ctx.Done():
		}
	}()
}

func isDryRun(body map[string]any) bool {
	v, _ := body["dry_run"].(bool)
	return v
}

// drainResult applies a completed task's outcome to the registry and either
// publishes a terminal result or leaves the message for substrate redelivery.
func (c *Component) drainResult(ctx context.Context, queueName, msgID string, entry router.Entry, res pool.Result, elapsed time.Duration) {
	rec, ok := c.registry.Get(res.WorkflowID)
	attempts := 1
	if ok {
		attempts = rec.Attempts
	}
	executionMS := elapsed.Milliseconds()

	if res.Outcome.Err == nil {
		c.publishResult(ctx, entry.ResultQueue, envelope.Result{
			WorkflowID:  res.WorkflowID,
			SourceQueue: queueName,
			Status:      "success",
			Result:      res.Outcome.Result,
			Attempts:    attempts,
			ExecutionMS: executionMS,
			Timestamp:   time.Now().UTC().Format(time.RFC3339),
		})
		c.archive(ctx, queueName, msgID)
		_ = c.registry.Transition(res.WorkflowID, registry.StatusRunning, registry.StatusCompleted, nil)
		return
	}

	kind := queueerr.ClassifyOf(res.Outcome.Err)
	if kind == queueerr.KindTransient && attempts < entry.Policy.MaxAttempts {
		// Not archived: the substrate redelivers after the visibility
		// timeout, restarting the state machine at pending.
		_ = c.registry.Transition(res.WorkflowID, registry.StatusRunning, registry.StatusPending, nil)
		return
	}

	lastErr := &registry.LastError{Kind: string(kind), Detail: res.Outcome.Err.Error()}
	c.publishResult(ctx, entry.ResultQueue, envelope.Result{
		WorkflowID:  res.WorkflowID,
		SourceQueue: queueName,
		Status:      "failed",
		Error:       &envelope.ErrorDetail{Kind: string(kind), Detail: res.Outcome.Err.Error()},
		Attempts:    attempts,
		ExecutionMS: executionMS,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	})
	c.dlq(ctx, queueName, msgID, string(kind))
	_ = c.registry.Transition(res.WorkflowID, registry.StatusRunning, registry.StatusFailed, lastErr)
}

func (c *Component) publishResult(ctx context.Context, resultQueue string, result envelope.Result) {
	if _, err := c.adapter.Publish(ctx, resultQueue, &result); err != nil {
		c.logger.Error("dispatch-core failed to publish result", "queue", resultQueue, "error", err)
		return
	}
	c.resultsPublished.Add(1)
	c.metrics.resultsPublished.Inc()
}

func (c *Component) archive(ctx context.Context, queueName, msgID string) {
	if err := c.adapter.Archive(ctx, queueName, msgID); err != nil {
		c.logger.Error("dispatch-core failed to archive message", "queue", queueName, "msg_id", msgID, "error", err)
		return
	}
	c.messagesArchived.Add(1)
	c.metrics.messagesArchived.Inc()
}

func (c *Component) dlq(ctx context.Context, queueName, msgID, reason string) {
	if err := c.adapter.MoveToDLQ(ctx, queueName, msgID, reason); err != nil {
		c.logger.Error("dispatch-core failed to move message to DLQ", "queue", queueName, "msg_id", msgID, "reason", reason, "error", err)
		return
	}
	c.messagesDLQ.Add(1)
	c.metrics.messagesDLQ.Inc()
}

// ErrUncleanStop is returned by Stop when in-flight work had to be abandoned:
// the worker pool's grace window elapsed, a background read loop did not
// exit in time, or at least one task was abandoned past its own deadline
// grace. Callers use this to pick a non-zero process exit code.
var ErrUncleanStop = fmt.Errorf("dispatch-core stop: in-flight work abandoned")

// Stop halts the read loops, waits for in-flight work to settle, and flushes
// a final registry snapshot.
func (c *Component) Stop(timeout time.Duration) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.running = false
	c.mu.Unlock()

	poolClean := c.pool.Stop(timeout)

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	loopsClean := true
	select {
	case <-done:
	case <-time.After(timeout):
		c.logger.Warn("dispatch-core stop timed out waiting for background loops")
		loopsClean = false
	}

	snapshot := c.registry.Snapshot()
	c.logger.Info("dispatch-core stopped",
		"messages_read", c.messagesRead.Load(),
		"messages_archived", c.messagesArchived.Load(),
		"messages_dlq", c.messagesDLQ.Load(),
		"results_published", c.resultsPublished.Load(),
		"decode_failures", c.decodeFailures.Load(),
		"tracked_workflows", len(snapshot))

	if !poolClean || !loopsClean {
		return ErrUncleanStop
	}
	return nil
}

// Meta returns component metadata.
func (c *Component) Meta() component.Metadata {
	return component.Metadata{
		Name:        "dispatch-core",
		Type:        "processor",
		Description: "Routes queued messages to typed handlers through a bounded worker pool with retry and DLQ semantics",
		Version:     "0.1.0",
	}
}

// InputPorts returns one input port per configured queue.
func (c *Component) InputPorts() []component.Port {
	ports := make([]component.Port, 0, len(c.config.Queues))
	for _, q := range c.config.Queues {
		ports = append(ports, component.Port{
			Name:        q.LogicalName,
			Direction:   component.DirectionInput,
			Required:    true,
			Description: fmt.Sprintf("Source queue for %s messages", q.MessageType),
			Config:      component.NATSPort{Subject: q.LogicalName},
		})
	}
	return ports
}

// OutputPorts returns one result port and one DLQ port per configured queue.
func (c *Component) OutputPorts() []component.Port {
	ports := make([]component.Port, 0, len(c.config.Queues)*2)
	for _, q := range c.config.Queues {
		ports = append(ports,
			component.Port{
				Name:        q.LogicalName + "-results",
				Direction:   component.DirectionOutput,
				Required:    false,
				Description: fmt.Sprintf("Result envelopes for %s", q.LogicalName),
				Config:      component.NATSPort{Subject: q.ResultQueueName},
			},
			component.Port{
				Name:        q.LogicalName + "-dlq",
				Direction:   component.DirectionOutput,
				Required:    false,
				Description: fmt.Sprintf("Dead-letter queue for %s", q.LogicalName),
				Config:      component.NATSPort{Subject: q.LogicalName + "_dlq"},
			},
		)
	}
	return ports
}

// ConfigSchema returns the configuration schema.
func (c *Component) ConfigSchema() component.ConfigSchema {
	return dispatchSchema
}

// Health returns the current health status.
func (c *Component) Health() component.HealthStatus {
	c.mu.RLock()
	running := c.running
	startTime := c.startTime
	c.mu.RUnlock()

	status := "stopped"
	if running {
		status = "running"
	}

	return component.HealthStatus{
		Healthy:    running,
		LastCheck:  time.Now(),
		ErrorCount: int(c.messagesDLQ.Load()),
		Uptime:     time.Since(startTime),
		Status:     status,
	}
}

// DataFlow returns current data flow metrics.
func (c *Component) DataFlow() component.FlowMetrics {
	return component.FlowMetrics{
		MessagesPerSecond: 0,
		BytesPerSecond:    0,
		ErrorRate:         0,
		LastActivity:      c.getLastActivity(),
	}
}

// IsRunning returns whether the component is running.
func (c *Component) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

func (c *Component) updateLastActivity() {
	c.lastActivityMu.Lock()
	c.lastActivity = time.Now()
	c.lastActivityMu.Unlock()
}

func (c *Component) getLastActivity() time.Time {
	c.lastActivityMu.RLock()
	defer c.lastActivityMu.RUnlock()
	return c.lastActivity
}

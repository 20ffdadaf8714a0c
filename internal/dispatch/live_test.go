package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/natsclient"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/selfevolve/dispatchcore/internal/envelope"
	"github.com/selfevolve/dispatchcore/internal/queueerr"
	"github.com/selfevolve/dispatchcore/internal/router"
)

// These tests drive a real Component end to end against an embedded NATS
// server: publish onto its source queue, let the read loop, router, pool and
// registry run for real, and assert on what actually lands on the result or
// DLQ subject. Nothing here fakes the queue adapter or the broker.

func startLiveBroker(t *testing.T) (*natsclient.Client, jetstream.JetStream) {
	t.Helper()
	ns, err := server.NewServer(&server.Options{Port: -1, JetStream: true, NoLog: true, NoSigs: true})
	if err != nil {
		t.Fatalf("create embedded NATS server: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("embedded NATS server did not become ready")
	}
	t.Cleanup(ns.Shutdown)

	client, err := natsclient.NewClient(ns.ClientURL(), natsclient.WithName("dispatch-live-test"))
	if err != nil {
		t.Fatalf("create NATS client: %v", err)
	}
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connect to embedded NATS: %v", err)
	}
	t.Cleanup(func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		client.Close(closeCtx)
	})

	js, err := client.JetStream()
	if err != nil {
		t.Fatalf("get jetstream: %v", err)
	}
	return client, js
}

func bootstrapLiveStream(t *testing.T, js jetstream.JetStream, streamName string, subjects []string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := js.CreateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: subjects,
	}); err != nil {
		t.Fatalf("create stream %s %v: %v", streamName, subjects, err)
	}
}

// fetchEnvelope pulls exactly one message published to subject within wait
// and returns its raw bytes, acking it so a retry of the same test subject
// doesn't see it again.
func fetchEnvelope(t *testing.T, js jetstream.JetStream, streamName, subject string, wait time.Duration) []byte {
	t.Helper()
	setupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := js.Stream(setupCtx, streamName)
	if err != nil {
		t.Fatalf("get stream %s: %v", streamName, err)
	}
	consumer, err := stream.CreateOrUpdateConsumer(setupCtx, jetstream.ConsumerConfig{
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		t.Fatalf("create consumer for %s: %v", subject, err)
	}

	batch, err := consumer.Fetch(1, jetstream.FetchMaxWait(wait))
	if err != nil {
		t.Fatalf("fetch from %s: %v", subject, err)
	}
	for msg := range batch.Messages() {
		data := msg.Data()
		msg.Ack()
		return data
	}
	if err := batch.Error(); err != nil && err != context.DeadlineExceeded {
		t.Fatalf("batch error reading %s: %v", subject, err)
	}
	t.Fatalf("no message observed on %s within %s", subject, wait)
	return nil
}

// liveConfig builds a single-queue Config around short, test-sized timeouts:
// visibility must still exceed the per-attempt timeout plus Validate's grace.
func liveConfig(streamName, queueName, resultQueue, handlerName string, maxAttempts int) Config {
	return Config{
		StreamName:     streamName,
		ConsumerPrefix: "dispatch-live-test",
		Queues: []QueueConfig{
			{
				LogicalName:       queueName,
				MessageType:       "live_test_message",
				ResultQueueName:   resultQueue,
				HandlerName:       handlerName,
				MaxAttempts:       maxAttempts,
				Timeout:           "200ms",
				InitialBackoff:    "50ms",
				BackoffMultiplier: 2.0,
				BackoffCap:        "1s",
			},
		},
		Pool: PoolConfig{
			Workers:           2,
			BatchSize:         2,
			PollIntervalMS:    50,
			VisibilitySeconds: 3,
		},
		Approval:      ApprovalConfig{DefaultTTLSeconds: 60, GCIntervalSeconds: 30},
		Observability: ObservabilityConfig{MetricsEnabled: true},
		Registry:      RegistryConfig{TerminalRetentionSeconds: 3600},
	}
}

func startLiveComponent(t *testing.T, client *natsclient.Client, cfg Config) *Component {
	t.Helper()
	cfgBytes, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	comp, err := NewComponent(cfgBytes, component.Dependencies{NATSClient: client})
	if err != nil {
		t.Fatalf("create component: %v", err)
	}
	c := comp.(*Component)
	if err := c.Initialize(); err != nil {
		t.Fatalf("initialize component: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start component: %v", err)
	}
	t.Cleanup(func() { c.Stop(5 * time.Second) })
	return c
}

func TestLiveHappyPathPublishesSuccessResult(t *testing.T) {
	client, js := startLiveBroker(t)
	const (
		stream  = "LIVE_S1"
		queue   = "live_s1_requests"
		results = "live_s1_results"
	)
	bootstrapLiveStream(t, js, stream, []string{queue, results, queue + "_dlq"})

	RegisterHandler("live-s1-handler", func(ctx context.Context, payload map[string]any, hctx router.Context) router.Outcome {
		time.Sleep(20 * time.Millisecond)
		return router.Outcome{Result: map[string]any{"echo": payload["value"]}}
	})

	startLiveComponent(t, client, liveConfig(stream, queue, results, "live-s1-handler", 3))

	body, _ := json.Marshal(map[string]any{"id": "wf-s1", "type": "live_test_message", "value": "hello"})
	if err := client.Publish(context.Background(), queue, body); err != nil {
		t.Fatalf("publish: %v", err)
	}

	raw := fetchEnvelope(t, js, stream, results, 5*time.Second)
	var result envelope.Result
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("decode result envelope: %v", err)
	}
	if result.WorkflowID != "wf-s1" {
		t.Errorf("expected workflow_id wf-s1, got %q", result.WorkflowID)
	}
	if result.Status != "success" {
		t.Errorf("expected status success, got %q: %+v", result.Status, result)
	}
	if result.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", result.Attempts)
	}
	if result.ExecutionMS <= 0 {
		t.Errorf("expected a positive execution_ms reflecting the handler's sleep, got %d", result.ExecutionMS)
	}
}

func TestLiveRetryThenSucceed(t *testing.T) {
	client, js := startLiveBroker(t)
	const (
		stream  = "LIVE_S2"
		queue   = "live_s2_requests"
		results = "live_s2_results"
	)
	bootstrapLiveStream(t, js, stream, []string{queue, results, queue + "_dlq"})

	var calls atomic.Int32
	RegisterHandler("live-s2-handler", func(ctx context.Context, payload map[string]any, hctx router.Context) router.Outcome {
		if calls.Add(1) == 1 {
			return router.Outcome{Err: queueerr.NewTransient(fmt.Errorf("upstream momentarily unavailable"))}
		}
		return router.Outcome{Result: map[string]any{"ok": true}}
	})

	startLiveComponent(t, client, liveConfig(stream, queue, results, "live-s2-handler", 5))

	body, _ := json.Marshal(map[string]any{"id": "wf-s2", "type": "live_test_message"})
	if err := client.Publish(context.Background(), queue, body); err != nil {
		t.Fatalf("publish: %v", err)
	}

	// The first attempt fails transient and is left for substrate redelivery
	// after the visibility timeout, so this waits past it for attempt two.
	raw := fetchEnvelope(t, js, stream, results, 8*time.Second)
	var result envelope.Result
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("decode result envelope: %v", err)
	}
	if result.Status != "success" {
		t.Errorf("expected eventual success, got %q: %+v", result.Status, result)
	}
	if result.Attempts != 2 {
		t.Errorf("expected 2 attempts (one transient failure then a success), got %d", result.Attempts)
	}
	if calls.Load() != 2 {
		t.Errorf("expected handler invoked exactly twice, got %d", calls.Load())
	}
}

func TestLiveExhaustsRetriesThenDLQ(t *testing.T) {
	client, js := startLiveBroker(t)
	const (
		stream  = "LIVE_S3"
		queue   = "live_s3_requests"
		results = "live_s3_results"
		dlq     = "live_s3_requests_dlq"
	)
	bootstrapLiveStream(t, js, stream, []string{queue, results, dlq})

	RegisterHandler("live-s3-handler", func(ctx context.Context, payload map[string]any, hctx router.Context) router.Outcome {
		return router.Outcome{Err: queueerr.NewTransient(fmt.Errorf("downstream unreachable"))}
	})

	startLiveComponent(t, client, liveConfig(stream, queue, results, "live-s3-handler", 2))

	body, _ := json.Marshal(map[string]any{"id": "wf-s3", "type": "live_test_message"})
	if err := client.Publish(context.Background(), queue, body); err != nil {
		t.Fatalf("publish: %v", err)
	}

	// max_attempts is 2: the first transient failure retries, the second
	// exhausts the policy and both a failure result and a DLQ entry publish.
	raw := fetchEnvelope(t, js, stream, results, 8*time.Second)
	var result envelope.Result
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("decode result envelope: %v", err)
	}
	if result.Status != "failed" {
		t.Errorf("expected status failed, got %q: %+v", result.Status, result)
	}
	if result.Error == nil || result.Error.Kind != string(queueerr.KindTransient) {
		t.Errorf("expected a transient error kind on the failure result, got %+v", result.Error)
	}
	if result.Attempts != 2 {
		t.Errorf("expected both attempts to have run before DLQ, got %d", result.Attempts)
	}

	dlqRaw := fetchEnvelope(t, js, stream, dlq, 2*time.Second)
	var entry envelope.DLQEntry
	if err := json.Unmarshal(dlqRaw, &entry); err != nil {
		t.Fatalf("decode dlq entry: %v", err)
	}
	if entry.Reason != string(queueerr.KindTransient) {
		t.Errorf("expected dlq reason %q, got %q", queueerr.KindTransient, entry.Reason)
	}
	if entry.OriginalMsgID == "" {
		t.Error("expected dlq entry to carry the original message id")
	}
}

func TestLiveInvalidMessagePublishesToDLQ(t *testing.T) {
	client, js := startLiveBroker(t)
	const (
		stream  = "LIVE_S4"
		queue   = "live_s4_requests"
		results = "live_s4_results"
		dlq     = "live_s4_requests_dlq"
	)
	bootstrapLiveStream(t, js, stream, []string{queue, results, dlq})

	var calls atomic.Int32
	RegisterHandler("live-s4-handler", func(ctx context.Context, payload map[string]any, hctx router.Context) router.Outcome {
		calls.Add(1)
		return router.Outcome{Result: map[string]any{"ok": true}}
	})

	startLiveComponent(t, client, liveConfig(stream, queue, results, "live-s4-handler", 3))

	if err := client.Publish(context.Background(), queue, []byte(`not valid json`)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	dlqRaw := fetchEnvelope(t, js, stream, dlq, 5*time.Second)
	var entry envelope.DLQEntry
	if err := json.Unmarshal(dlqRaw, &entry); err != nil {
		t.Fatalf("decode dlq entry: %v", err)
	}
	if entry.Reason != "invalid_message" {
		t.Errorf("expected dlq reason invalid_message, got %q", entry.Reason)
	}
	if calls.Load() != 0 {
		t.Errorf("expected the handler to never run for an undecodable message, got %d calls", calls.Load())
	}
}

func TestLiveBatchRunsHandlersConcurrently(t *testing.T) {
	client, js := startLiveBroker(t)
	const (
		stream  = "LIVE_S6"
		queue   = "live_s6_requests"
		results = "live_s6_results"
	)
	bootstrapLiveStream(t, js, stream, []string{queue, results, queue + "_dlq"})

	RegisterHandler("live-s6-handler", func(ctx context.Context, payload map[string]any, hctx router.Context) router.Outcome {
		time.Sleep(300 * time.Millisecond)
		return router.Outcome{Result: map[string]any{"ok": true}}
	})

	cfg := liveConfig(stream, queue, results, "live-s6-handler", 3)
	cfg.Pool.Workers = 2
	cfg.Pool.BatchSize = 2
	startLiveComponent(t, client, cfg)

	start := time.Now()
	for i := 0; i < 2; i++ {
		body, _ := json.Marshal(map[string]any{"id": fmt.Sprintf("wf-s6-%d", i), "type": "live_test_message"})
		if err := client.Publish(context.Background(), queue, body); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	fetchEnvelope(t, js, stream, results, 5*time.Second)
	fetchEnvelope(t, js, stream, results, 5*time.Second)
	elapsed := time.Since(start)

	// Two 300ms handlers on two workers finish well under their serial sum;
	// this only guards against a regression collapsing the pool back to width 1.
	if elapsed >= 550*time.Millisecond {
		t.Errorf("expected both handlers to run concurrently, took %s", elapsed)
	}
}

// Package queue implements the Queue Adapter: a minimal, uniform operation
// set (read/archive/publish/move_to_dlq) over the JetStream substrate,
// wrapping semstreams' natsclient.Client the way every processor in this
// codebase does.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/semstreams/natsclient"

	"github.com/selfevolve/dispatchcore/internal/envelope"
	"github.com/selfevolve/dispatchcore/internal/queueerr"
)

// ackMsg narrows jetstream.Msg to what the adapter needs, so tests can
// substitute a fake without standing up a broker.
type ackMsg interface {
	Data() []byte
	Ack() error
	Nak() error
	Term() error
	Metadata() (*jetstream.MsgMetadata, error)
}

// fetcher narrows jetstream.Consumer to the one call Read makes.
type fetcher interface {
	Fetch(batch int, opts ...jetstream.FetchOpt) (jetstream.MessageBatch, error)
}

// publisher narrows natsclient.Client to the one call Publish/MoveToDLQ make,
// so tests can substitute a fake without a live NATS connection.
type publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// ReadResult is one message Read returned, paired with a decode error when
// the body could not be parsed as JSON (the Dispatch Core is responsible for
// routing a non-nil DecodeErr to the DLQ with reason invalid_message).
type ReadResult struct {
	Raw       envelope.Raw
	DecodeErr error
}

// Adapter is the Queue Adapter. Queues must be bound via BindQueue before
// Read is called against them; Publish/MoveToDLQ work against any subject
// without prior binding.
type Adapter struct {
	client publisher
	logger *slog.Logger

	mu       sync.Mutex
	bindings map[string]fetcher
	handles  map[string]ackMsg
}

// New creates a Queue Adapter over client.
func New(client *natsclient.Client, logger *slog.Logger) *Adapter {
	return newAdapter(client, logger)
}

func newAdapter(client publisher, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		client:   client,
		logger:   logger,
		bindings: make(map[string]fetcher),
		handles:  make(map[string]ackMsg),
	}
}

// BindQueue associates a logical queue name with its JetStream consumer.
func (a *Adapter) BindQueue(queue string, consumer jetstream.Consumer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bindings[queue] = consumer
}

func msgID(msg ackMsg) (string, error) {
	meta, err := msg.Metadata()
	if err != nil {
		return "", err
	}
	return strconv.FormatUint(meta.Sequence.Stream, 10), nil
}

// Read fetches up to maxCount messages from queue, each held invisible to
// other consumers for visibility (enforced by the consumer's AckWait, set
// when the caller created it). On substrate outage this returns a transient
// error.
func (a *Adapter) Read(ctx context.Context, queue string, maxCount int, visibility time.Duration) ([]ReadResult, error) {
	a.mu.Lock()
	consumer, ok := a.bindings[queue]
	a.mu.Unlock()
	if !ok {
		return nil, queueerr.NewPermanent(fmt.Errorf("queue %s is not bound", queue))
	}

	batch, err := consumer.Fetch(maxCount, jetstream.FetchMaxWait(visibility))
	if err != nil {
		return nil, queueerr.NewTransient(fmt.Errorf("fetch %s: %w", queue, err))
	}

	var results []ReadResult
	for msg := range batch.Messages() {
		am, ok := msg.(ackMsg)
		if !ok {
			continue
		}
		id, err := msgID(am)
		if err != nil {
			a.logger.Warn("queue adapter: message metadata unavailable", "queue", queue, "error", err)
			continue
		}

		readCount := 1
		if meta, err := am.Metadata(); err == nil {
			readCount = int(meta.NumDelivered)
		}

		a.mu.Lock()
		a.handles[id] = am
		a.mu.Unlock()

		var body map[string]any
		decodeErr := json.Unmarshal(am.Data(), &body)

		results = append(results, ReadResult{
			Raw: envelope.Raw{
				MsgID:     id,
				Queue:     queue,
				Body:      body,
				ReadCount: readCount,
			},
			DecodeErr: decodeErr,
		})
	}

	if err := batch.Error(); err != nil && err != context.DeadlineExceeded {
		a.logger.Debug("queue adapter: batch fetch reported error", "queue", queue, "error", err)
	}

	return results, nil
}

// Archive acknowledges msgID so the substrate will not redeliver it.
// Archiving an id the adapter has no handle for (already archived, or from
// a prior process) is a no-op success.
func (a *Adapter) Archive(ctx context.Context, queue, msgID string) error {
	handle, ok := a.takeHandle(msgID)
	if !ok {
		return nil
	}
	if err := handle.Ack(); err != nil {
		return queueerr.NewTransient(fmt.Errorf("archive %s/%s: %w", queue, msgID, err))
	}
	return nil
}

// Publish sends body to queue and returns a synthesized message id.
// Publication is at-least-once; duplicates may occur under failure.
func (a *Adapter) Publish(ctx context.Context, queue string, body any) (string, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return "", queueerr.NewPermanent(fmt.Errorf("marshal publish body for %s: %w", queue, err))
	}
	if err := a.client.Publish(ctx, queue, data); err != nil {
		return "", queueerr.NewTransient(fmt.Errorf("publish %s: %w", queue, err))
	}
	return fmt.Sprintf("%s-%d", queue, time.Now().UnixNano()), nil
}

// MoveToDLQ copies the original message to "<queue>_dlq" annotated with
// reason, then archives the source. JetStream offers no cross-subject atomic
// move, so this is best-effort: a publish success followed by an archive
// failure leaves the source to redeliver, which the dlq handler's
// idempotent-by-original-msg-id consumption absorbs.
func (a *Adapter) MoveToDLQ(ctx context.Context, queue, msgID, reason string) error {
	a.mu.Lock()
	handle, ok := a.handles[msgID]
	a.mu.Unlock()

	var originalBody json.RawMessage
	if ok {
		originalBody = json.RawMessage(handle.Data())
	}

	entry := &envelope.DLQEntry{
		Reason:        reason,
		OriginalBody:  originalBody,
		OriginalMsgID: msgID,
	}
	if _, err := a.Publish(ctx, queue+"_dlq", entry); err != nil {
		return err
	}

	return a.Archive(ctx, queue, msgID)
}

func (a *Adapter) takeHandle(msgID string) (ackMsg, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	handle, ok := a.handles[msgID]
	if ok {
		delete(a.handles, msgID)
	}
	return handle, ok
}

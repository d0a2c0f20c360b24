package eventbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/anumate/orchestrator/internal/domain"
)

func newTestBus(client *fakeStreamer) *Bus {
	return &Bus{client: client, logger: zap.NewNop(), source: "anumate-orchestrator-test"}
}

func TestPublishAppendsSubjectStream(t *testing.T) {
	client := newFakeStreamer()
	bus := newTestBus(client)

	event, err := bus.Publish(context.Background(), "tenant-1", domain.EventExecutionCompleted, map[string]any{"run_id": "run-1"})
	if err != nil {
		t.Fatal(err)
	}
	if event.Subject() != "events.execution.completed" {
		t.Fatalf("unexpected subject %q", event.Subject())
	}
	if len(client.streams["anumate:stream:events.execution.completed"]) != 1 {
		t.Fatalf("expected one message on the stream, got %d", len(client.streams["anumate:stream:events.execution.completed"]))
	}
}

func TestSubscribeDeliversPublishedEvents(t *testing.T) {
	client := newFakeStreamer()
	bus := newTestBus(client)

	if _, err := bus.Publish(context.Background(), "tenant-1", domain.EventExecutionStarted, map[string]any{"run_id": "run-1"}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	var mu sync.Mutex
	var received []domain.CloudEvent
	handler := func(_ context.Context, event domain.CloudEvent) error {
		mu.Lock()
		received = append(received, event)
		mu.Unlock()
		cancel()
		return nil
	}

	err := bus.Subscribe(ctx, "events.execution.*", "workers", "worker-1", handler)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("unexpected Subscribe error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("expected exactly one delivered event, got %d", len(received))
	}
	if received[0].Type != domain.EventExecutionStarted {
		t.Fatalf("unexpected event type %q", received[0].Type)
	}
}

func TestSubscribeLeavesFailedHandlerPending(t *testing.T) {
	client := newFakeStreamer()
	bus := newTestBus(client)

	if _, err := bus.Publish(context.Background(), "tenant-1", domain.EventExecutionFailed, map[string]any{"run_id": "run-1"}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	var attempts int
	handler := func(_ context.Context, _ domain.CloudEvent) error {
		attempts++
		return errors.New("boom")
	}
	_ = bus.Subscribe(ctx, "events.execution.*", "workers", "worker-1", handler)

	if attempts == 0 {
		t.Fatal("expected handler to be invoked at least once")
	}

	stream := "anumate:stream:events.execution.failed"
	if len(client.pending[stream]["workers"]) != 1 {
		t.Fatalf("expected the failed message to remain pending, got %d entries", len(client.pending[stream]["workers"]))
	}
}

func TestReclaimStaleDeadLettersExhaustedMessages(t *testing.T) {
	client := newFakeStreamer()
	bus := newTestBus(client)

	if _, err := bus.Publish(context.Background(), "tenant-1", domain.EventExecutionFailed, map[string]any{"run_id": "run-1"}); err != nil {
		t.Fatal(err)
	}

	stream := "anumate:stream:events.execution.failed"

	// Prime the consumer group and pending-entries list by delivering once,
	// with a handler that always errors so the message stays pending.
	primeCtx, primeCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	_ = bus.Subscribe(primeCtx, "events.execution.*", "workers", "worker-1", func(context.Context, domain.CloudEvent) error {
		return errors.New("still failing")
	})
	primeCancel()

	pendingIDs := client.pending[stream]["workers"]
	if len(pendingIDs) != 1 {
		t.Fatalf("expected one pending entry after priming, got %d", len(pendingIDs))
	}
	client.bumpRetry(stream, "workers", pendingIDs[0].id, MaxDeliverAttempts)

	bus.reclaimStale(context.Background(), []string{stream}, "workers", "worker-2", func(context.Context, domain.CloudEvent) error {
		t.Fatal("exhausted message should not be redelivered to the handler")
		return nil
	})

	dlq := "anumate:stream:events.execution.failed:dlq"
	if len(client.streams[dlq]) != 1 {
		t.Fatalf("expected exhausted message to be dead-lettered, got %d entries on %s", len(client.streams[dlq]), dlq)
	}
	if len(client.pending[stream]["workers"]) != 0 {
		t.Fatalf("expected pending entry to be acked off the main stream after dead-lettering, got %d", len(client.pending[stream]["workers"]))
	}
}

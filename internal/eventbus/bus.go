// Package eventbus implements the EventBus: a typed publish/subscribe
// facade over Redis Streams, standing in for the spec's JetStream-like
// durable bus (no NATS/Kafka dependency anywhere in the retrieval pack; the
// teacher already leans on go-redis pervasively for pub/sub and streaming
// duties). Subjects are hierarchical (events.<domain>.<event>); durable
// consumer groups give at-least-once delivery with explicit acknowledgement
// and a per-subject dead-letter stream on exceeding max-deliver.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/anumate/orchestrator/internal/domain"
	"github.com/anumate/orchestrator/internal/infra"
)

// MaxDeliverAttempts is how many times a message is redelivered to a
// consumer group before it moves to the subject's dead-letter stream.
const MaxDeliverAttempts = 5

// RetentionMaxLen approximately caps each stream's length (spec.md §4.8,
// "retention by age+size" — age-based trimming is left to a Redis-side
// MINID policy configured at deploy time; this is the size half).
const RetentionMaxLen = 100_000

// claimIdleThreshold is how long a message may sit unacknowledged in a
// consumer's pending entries list before another consumer may claim it.
const claimIdleThreshold = 30 * time.Second

// redisStreamer is the narrow slice of Redis Streams operations the Bus
// needs, with plain return values rather than *redis.XxxCmd so tests can
// supply an in-memory fake instead of a live Redis server.
type redisStreamer interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) error
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) error
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) ([]redis.XStream, error)
	XAck(ctx context.Context, stream, group string, ids ...string) error
	XAutoClaim(ctx context.Context, a *redis.XAutoClaimArgs) ([]redis.XMessage, error)
	XPendingExt(ctx context.Context, a *redis.XPendingExtArgs) ([]redis.XPendingExt, error)
	XRange(ctx context.Context, stream, start, stop string) ([]redis.XMessage, error)
	ScanKeys(ctx context.Context, match string) ([]string, error)
}

// redisClientAdapter adapts *redis.Client to redisStreamer.
type redisClientAdapter struct {
	c *redis.Client
}

func (a redisClientAdapter) XAdd(ctx context.Context, args *redis.XAddArgs) error {
	return a.c.XAdd(ctx, args).Err()
}

func (a redisClientAdapter) XGroupCreateMkStream(ctx context.Context, stream, group, start string) error {
	return a.c.XGroupCreateMkStream(ctx, stream, group, start).Err()
}

func (a redisClientAdapter) XReadGroup(ctx context.Context, args *redis.XReadGroupArgs) ([]redis.XStream, error) {
	return a.c.XReadGroup(ctx, args).Result()
}

func (a redisClientAdapter) XAck(ctx context.Context, stream, group string, ids ...string) error {
	return a.c.XAck(ctx, stream, group, ids...).Err()
}

func (a redisClientAdapter) XAutoClaim(ctx context.Context, args *redis.XAutoClaimArgs) ([]redis.XMessage, error) {
	msgs, _, err := a.c.XAutoClaim(ctx, args).Result()
	return msgs, err
}

func (a redisClientAdapter) XPendingExt(ctx context.Context, args *redis.XPendingExtArgs) ([]redis.XPendingExt, error) {
	return a.c.XPendingExt(ctx, args).Result()
}

func (a redisClientAdapter) XRange(ctx context.Context, stream, start, stop string) ([]redis.XMessage, error) {
	return a.c.XRange(ctx, stream, start, stop).Result()
}

func (a redisClientAdapter) ScanKeys(ctx context.Context, match string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := a.c.Scan(ctx, cursor, match, 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

// EventRecorder persists a durable copy of every published event, backing
// replay-from-start independent of stream trimming (implemented by
// internal/store/postgres's RecordEvent).
type EventRecorder interface {
	RecordEvent(ctx context.Context, event domain.CloudEvent) error
}

// Bus is a typed publish/subscribe facade over Redis Streams.
type Bus struct {
	client   redisStreamer
	recorder EventRecorder // optional
	logger   *zap.Logger
	source   string // CloudEvents "source" field, e.g. "anumate-orchestrator"
}

// New constructs a Bus. source populates every published event's
// CloudEvents "source" field. recorder may be nil to disable durable replay
// storage independent of the stream itself.
func New(client *redis.Client, source string, recorder EventRecorder, logger *zap.Logger) *Bus {
	return &Bus{client: redisClientAdapter{c: client}, recorder: recorder, logger: logger.Named("eventbus"), source: source}
}

// Handler processes one delivered CloudEvent. A non-nil return leaves the
// message unacknowledged for redelivery (and eventual dead-lettering).
type Handler func(ctx context.Context, event domain.CloudEvent) error

// Publish wraps data in a CloudEvents 1.0 envelope and appends it to the
// stream for the subject derived from eventType, e.g.
// "com.anumate.execution.completed" -> "events.execution.completed".
func (b *Bus) Publish(ctx context.Context, tenantID, eventType string, data map[string]any) (domain.CloudEvent, error) {
	event := domain.CloudEvent{
		SpecVersion: "1.0",
		ID:          uuid.NewString(),
		Source:      b.source,
		Type:        eventType,
		Time:        time.Now().UTC(),
		TenantID:    tenantID,
		Data:        data,
	}
	subject := event.Subject()
	payload, err := json.Marshal(event)
	if err != nil {
		return domain.CloudEvent{}, fmt.Errorf("eventbus: marshal event: %w", err)
	}

	streamKey := infra.StreamKey(subject)
	if err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		MaxLen: RetentionMaxLen,
		Approx: true,
		Values: map[string]any{"event": payload},
	}); err != nil {
		return domain.CloudEvent{}, fmt.Errorf("eventbus: publish to %s: %w", streamKey, err)
	}

	if b.recorder != nil {
		if err := b.recorder.RecordEvent(ctx, event); err != nil {
			b.logger.Warn("durable event record failed", zap.String("subject", subject), zap.Error(err))
		}
	}
	return event, nil
}

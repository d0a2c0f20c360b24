package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/anumate/orchestrator/internal/domain"
	"github.com/anumate/orchestrator/internal/infra"
)

// Subscribe runs handler over every message published to a subject matching
// subjectPattern (a glob such as "events.execution.*"), as a durable member
// of consumerGroup identified by consumerName. It blocks until ctx is
// cancelled. Delivery is at-least-once: handler errors leave the message
// pending for redelivery, and messages redelivered MaxDeliverAttempts
// times or more are moved to the subject's dead-letter stream and
// acknowledged off the main stream.
func (b *Bus) Subscribe(ctx context.Context, subjectPattern, consumerGroup, consumerName string, handler Handler) error {
	streams, err := b.matchingStreams(ctx, subjectPattern)
	if err != nil {
		return err
	}
	if len(streams) == 0 {
		return fmt.Errorf("eventbus: no streams match pattern %q", subjectPattern)
	}

	for _, stream := range streams {
		if err := b.client.XGroupCreateMkStream(ctx, stream, consumerGroup, "0"); err != nil {
			if !isBusyGroupErr(err) {
				return fmt.Errorf("eventbus: create consumer group on %s: %w", stream, err)
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    consumerGroup,
			Consumer: consumerName,
			Streams:  streamArgs(streams),
			Count:    32,
			Block:    2 * time.Second,
		})
		if err != nil {
			if errors.Is(err, redis.Nil) {
				b.reclaimStale(ctx, streams, consumerGroup, consumerName, handler)
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.logger.Warn("xreadgroup failed", zap.Error(err))
			continue
		}

		for _, streamRes := range res {
			for _, msg := range streamRes.Messages {
				b.deliver(ctx, streamRes.Stream, consumerGroup, msg, handler)
			}
		}
	}
}

func (b *Bus) deliver(ctx context.Context, stream, group string, msg redis.XMessage, handler Handler) {
	event, err := decodeMessage(msg)
	if err != nil {
		b.logger.Error("undecodable event, acking to drop", zap.String("stream", stream), zap.String("id", msg.ID), zap.Error(err))
		if ackErr := b.client.XAck(ctx, stream, group, msg.ID); ackErr != nil {
			b.logger.Error("ack failed", zap.String("stream", stream), zap.String("id", msg.ID), zap.Error(ackErr))
		}
		return
	}
	if err := handler(ctx, event); err != nil {
		b.logger.Warn("handler failed, leaving pending for redelivery",
			zap.String("stream", stream), zap.String("id", msg.ID), zap.Error(err))
		return
	}
	if err := b.client.XAck(ctx, stream, group, msg.ID); err != nil {
		b.logger.Error("ack failed", zap.String("stream", stream), zap.String("id", msg.ID), zap.Error(err))
	}
}

// reclaimStale looks at each stream's pending-entries list for messages idle
// longer than claimIdleThreshold: entries already redelivered
// MaxDeliverAttempts times or more are dead-lettered instead of claimed
// again; the rest are claimed onto consumerName and redelivered.
func (b *Bus) reclaimStale(ctx context.Context, streams []string, group, consumerName string, handler Handler) {
	for _, stream := range streams {
		pending, err := b.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: stream,
			Group:  group,
			Idle:   claimIdleThreshold,
			Start:  "-",
			End:    "+",
			Count:  32,
		})
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				b.logger.Warn("xpending failed", zap.String("stream", stream), zap.Error(err))
			}
			continue
		}

		var exhausted, retryable []string
		for _, p := range pending {
			if p.RetryCount >= MaxDeliverAttempts {
				exhausted = append(exhausted, p.ID)
			} else {
				retryable = append(retryable, p.ID)
			}
		}

		for _, id := range exhausted {
			entries, err := b.client.XRange(ctx, stream, id, id)
			if err != nil || len(entries) == 0 {
				continue
			}
			b.deadLetter(ctx, stream, group, entries[0])
		}

		if len(retryable) == 0 {
			continue
		}
		claimed, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    group,
			Consumer: consumerName,
			MinIdle:  claimIdleThreshold,
			Start:    "0",
			Count:    32,
		})
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				b.logger.Warn("xautoclaim failed", zap.String("stream", stream), zap.Error(err))
			}
			continue
		}
		for _, msg := range claimed {
			b.deliver(ctx, stream, group, msg, handler)
		}
	}
}

// deadLetter moves a message's raw fields to the subject's DLQ stream and
// acknowledges it off the main stream, called once delivery attempts are
// exhausted.
func (b *Bus) deadLetter(ctx context.Context, stream, group string, msg redis.XMessage) {
	dlq := infra.DLQStreamKey(strings.TrimPrefix(stream, infra.RedisStreamPrefix))
	values := make(map[string]any, len(msg.Values))
	for k, v := range msg.Values {
		values[k] = v
	}
	if err := b.client.XAdd(ctx, &redis.XAddArgs{Stream: dlq, Values: values}); err != nil {
		b.logger.Error("dead-letter publish failed", zap.String("stream", stream), zap.Error(err))
		return
	}
	if err := b.client.XAck(ctx, stream, group, msg.ID); err != nil {
		b.logger.Error("dead-letter ack failed", zap.String("stream", stream), zap.Error(err))
	}
}

func (b *Bus) matchingStreams(ctx context.Context, subjectPattern string) ([]string, error) {
	pattern := infra.StreamKey(subjectPattern)
	keys, err := b.client.ScanKeys(ctx, pattern)
	if err != nil {
		return nil, fmt.Errorf("eventbus: scan streams matching %q: %w", pattern, err)
	}
	return keys, nil
}

func streamArgs(streams []string) []string {
	args := make([]string, 0, len(streams)*2)
	args = append(args, streams...)
	for range streams {
		args = append(args, ">")
	}
	return args
}

func decodeMessage(msg redis.XMessage) (domain.CloudEvent, error) {
	raw, ok := msg.Values["event"]
	if !ok {
		return domain.CloudEvent{}, fmt.Errorf("eventbus: message %s missing event field", msg.ID)
	}
	s, ok := raw.(string)
	if !ok {
		return domain.CloudEvent{}, fmt.Errorf("eventbus: message %s event field is not a string", msg.ID)
	}
	var event domain.CloudEvent
	if err := json.Unmarshal([]byte(s), &event); err != nil {
		return domain.CloudEvent{}, fmt.Errorf("eventbus: unmarshal event: %w", err)
	}
	return event, nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}

package approval

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/anumate/orchestrator/internal/domain"
	"github.com/anumate/orchestrator/internal/infra"
)

// decisionSignal is the payload published on RedisChanApprovalDecisions.
type decisionSignal struct {
	TenantID   string                `json:"tenant_id"`
	RunID      string                `json:"run_id"`
	ApprovalID string                `json:"approval_id"`
	Status     domain.ApprovalStatus `json:"status"`
}

// RedisNotifier publishes approval resolutions to a pub/sub channel so the
// Orchestrator can resume a run faster than its own deadline sweep.
type RedisNotifier struct {
	client *redis.Client
}

// NewRedisNotifier constructs a RedisNotifier.
func NewRedisNotifier(client *redis.Client) *RedisNotifier {
	return &RedisNotifier{client: client}
}

// NotifyApprovalResolved implements Notifier.
func (n *RedisNotifier) NotifyApprovalResolved(ctx context.Context, tenantID, runID, approvalID string, status domain.ApprovalStatus) error {
	payload, err := json.Marshal(decisionSignal{TenantID: tenantID, RunID: runID, ApprovalID: approvalID, Status: status})
	if err != nil {
		return err
	}
	return n.client.Publish(ctx, infra.RedisChanApprovalDecisions, payload).Err()
}

// Subscribe returns a channel of decisionSignal payloads for the orchestrator
// to observe resolutions without polling Postgres on every tick.
func (n *RedisNotifier) Subscribe(ctx context.Context) (<-chan ApprovalResolution, func() error) {
	sub := n.client.Subscribe(ctx, infra.RedisChanApprovalDecisions)
	out := make(chan ApprovalResolution, 32)
	go func() {
		defer close(out)
		ch := sub.Channel()
		for msg := range ch {
			var sig decisionSignal
			if err := json.Unmarshal([]byte(msg.Payload), &sig); err != nil {
				continue
			}
			select {
			case out <- ApprovalResolution(sig):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, sub.Close
}

// ApprovalResolution is the decoded form of a decisionSignal delivered to
// subscribers.
type ApprovalResolution decisionSignal

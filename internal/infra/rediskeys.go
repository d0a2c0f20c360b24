package infra

import "fmt"

// RedisNamespace isolates this service's keys within a shared Redis instance.
const RedisNamespace = "anumate"

// Replay guard and idempotency keys (captoken, orchestrator).
const (
	RedisKeyReplayPrefix      = RedisNamespace + ":captoken:replay:"
	RedisKeyRevokedPrefix     = RedisNamespace + ":captoken:revoked:"
	RedisKeyIdempotencyPrefix = RedisNamespace + ":idempotency:"
	RedisKeyReceiptChainHead  = RedisNamespace + ":receipt:chainhead:"
	RedisKeyPlanCachePrefix   = RedisNamespace + ":plan:cache:"
)

// Pub/sub channels for cross-process signaling.
const (
	RedisChanApprovalDecisions = RedisNamespace + ":approvals:decisions"
	RedisChanRunCancellation   = RedisNamespace + ":runs:cancel-signal"
)

// Stream keys backing the EventBus (stand-in for a JetStream-like durable
// stream, see SPEC_FULL.md DOMAIN STACK).
const (
	RedisStreamPrefix = RedisNamespace + ":stream:"
	RedisDLQSuffix    = ":dlq"
)

// ReplayGuardKey returns the per-jti replay-guard key.
func ReplayGuardKey(jti string) string {
	return RedisKeyReplayPrefix + jti
}

// RevokedTokenKey returns the per-jti revocation key.
func RevokedTokenKey(jti string) string {
	return RedisKeyRevokedPrefix + jti
}

// IdempotencyKeyFor returns the per-tenant idempotency record key.
func IdempotencyKeyFor(tenantID, key string) string {
	return fmt.Sprintf("%s%s:%s", RedisKeyIdempotencyPrefix, tenantID, key)
}

// ReceiptChainHeadKey returns the per-tenant chain-head key.
func ReceiptChainHeadKey(tenantID string) string {
	return RedisKeyReceiptChainHead + tenantID
}

// PlanCacheKey returns the plan-hash-keyed cache entry key.
func PlanCacheKey(planHash string) string {
	return RedisKeyPlanCachePrefix + planHash
}

// StreamKey returns the Redis Streams key backing a given EventBus subject.
func StreamKey(subject string) string {
	return RedisStreamPrefix + subject
}

// DLQStreamKey returns the dead-letter stream key for a given subject.
func DLQStreamKey(subject string) string {
	return RedisStreamPrefix + subject + RedisDLQSuffix
}

package captoken

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/anumate/orchestrator/internal/infra"
)

// ReplayGuard is an atomic insert_if_absent(jti, expires_at) store. A jti
// that has already been inserted and has not yet expired is rejected.
type ReplayGuard interface {
	CheckAndSet(ctx context.Context, jti string, ttl time.Duration) (bool, error)
}

// RedisReplayGuard is the production replay guard backend: durable, and
// survives process restarts. Uses SET NX EX, an atomic single-command
// insert-if-absent.
type RedisReplayGuard struct {
	client *redis.Client
}

// NewRedisReplayGuard constructs the production, durable replay guard.
func NewRedisReplayGuard(client *redis.Client) *RedisReplayGuard {
	return &RedisReplayGuard{client: client}
}

func (g *RedisReplayGuard) CheckAndSet(ctx context.Context, jti string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = time.Second
	}
	ok, err := g.client.SetNX(ctx, infra.ReplayGuardKey(jti), time.Now().Add(ttl).Unix(), ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

// MemoryReplayGuard is an in-memory replay guard. Test-only: spec.md §9
// requires the durable backend in every non-test environment, since an
// in-memory guard does not survive a process restart.
type MemoryReplayGuard struct {
	mu      sync.Mutex
	entries map[string]time.Time
}

// NewMemoryReplayGuardForTests constructs the test-only in-memory guard.
func NewMemoryReplayGuardForTests() *MemoryReplayGuard {
	return &MemoryReplayGuard{entries: make(map[string]time.Time)}
}

func (g *MemoryReplayGuard) CheckAndSet(_ context.Context, jti string, ttl time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	for k, exp := range g.entries {
		if !exp.After(now) {
			delete(g.entries, k)
		}
	}

	if exp, exists := g.entries[jti]; exists && exp.After(now) {
		return false, nil
	}
	g.entries[jti] = now.Add(ttl)
	return true, nil
}

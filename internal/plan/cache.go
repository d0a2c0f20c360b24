package plan

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/anumate/orchestrator/internal/domain"
	"github.com/anumate/orchestrator/internal/infra"
)

// Cache is a read-mostly, write-on-miss plan cache keyed by plan_hash. An
// in-process RW-locked map serves the hot path; Redis backs cross-process
// sharing so a plan compiled on one instance is visible to others without
// round-tripping through Postgres.
type Cache struct {
	mu     sync.RWMutex
	hot    map[string]*domain.ExecutablePlan
	rdb    *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

// NewCache constructs a Cache. rdb may be nil, in which case the cache is
// in-process only (used in tests).
func NewCache(rdb *redis.Client, logger *zap.Logger, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Cache{hot: make(map[string]*domain.ExecutablePlan), rdb: rdb, logger: logger.Named("plan_cache"), ttl: ttl}
}

// Get returns the cached plan for planHash, checking the in-process map
// first and falling back to Redis on miss.
func (c *Cache) Get(ctx context.Context, planHash string) (*domain.ExecutablePlan, bool) {
	c.mu.RLock()
	p, ok := c.hot[planHash]
	c.mu.RUnlock()
	if ok {
		return p, true
	}

	if c.rdb == nil {
		return nil, false
	}
	raw, err := c.rdb.Get(ctx, infra.PlanCacheKey(planHash)).Bytes()
	if err != nil {
		return nil, false
	}
	var plan domain.ExecutablePlan
	if err := json.Unmarshal(raw, &plan); err != nil {
		c.logger.Warn("corrupt plan cache entry", zap.String("plan_hash", planHash), zap.Error(err))
		return nil, false
	}
	c.mu.Lock()
	c.hot[planHash] = &plan
	c.mu.Unlock()
	return &plan, true
}

// Put writes p into both cache tiers. Writes are deduplicated by plan_hash:
// a plan already present is not re-serialized.
func (c *Cache) Put(ctx context.Context, p *domain.ExecutablePlan) {
	c.mu.Lock()
	if _, exists := c.hot[p.PlanHash]; exists {
		c.mu.Unlock()
		return
	}
	c.hot[p.PlanHash] = p
	c.mu.Unlock()

	if c.rdb == nil {
		return
	}
	raw, err := json.Marshal(p)
	if err != nil {
		c.logger.Warn("failed to marshal plan for cache", zap.Error(err))
		return
	}
	if err := c.rdb.Set(ctx, infra.PlanCacheKey(p.PlanHash), raw, c.ttl).Err(); err != nil {
		c.logger.Warn("failed to write plan cache entry", zap.Error(err))
	}
}

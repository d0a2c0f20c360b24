package orchestrator

import (
	"context"

	"github.com/anumate/orchestrator/internal/apperr"
	"github.com/anumate/orchestrator/internal/domain"
)

// PlanResolver resolves the ExecutablePlan an execute request names, per
// spec.md §4.7's Validating step ("resolve ExecutablePlan by plan_hash; if
// absent, compile or fetch; fail PlanNotFound if unavailable").
type PlanResolver interface {
	Resolve(ctx context.Context, tenantID, planHash string, inline *domain.ExecutablePlan) (*domain.ExecutablePlan, error)
}

// PlanCache is the narrow slice of internal/plan.Cache the resolver needs.
type PlanCache interface {
	Get(ctx context.Context, planHash string) (*domain.ExecutablePlan, bool)
	Put(ctx context.Context, p *domain.ExecutablePlan)
}

// PlanStore is the narrow slice of internal/store/postgres.Store the
// resolver needs.
type PlanStore interface {
	GetPlan(ctx context.Context, tenantID, planHash string) (*domain.ExecutablePlan, error)
}

// PlanLookup is the production PlanResolver: an inline plan wins outright
// (the orchestrator trusts its caller already compiled it), otherwise the
// cache is checked before falling back to Postgres.
type PlanLookup struct {
	cache PlanCache
	store PlanStore
}

// NewPlanLookup constructs a PlanLookup.
func NewPlanLookup(cache PlanCache, store PlanStore) *PlanLookup {
	return &PlanLookup{cache: cache, store: store}
}

func (r *PlanLookup) Resolve(ctx context.Context, tenantID, planHash string, inline *domain.ExecutablePlan) (*domain.ExecutablePlan, error) {
	if inline != nil {
		return inline, nil
	}
	if planHash == "" {
		return nil, apperr.Validation("missing_plan", "plan_hash or an inline plan is required")
	}
	if cached, ok := r.cache.Get(ctx, planHash); ok {
		return cached, nil
	}
	p, err := r.store.GetPlan(ctx, tenantID, planHash)
	if err != nil {
		return nil, err
	}
	r.cache.Put(ctx, p)
	return p, nil
}

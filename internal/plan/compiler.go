package plan

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/anumate/orchestrator/internal/apperr"
	"github.com/anumate/orchestrator/internal/crypto"
	"github.com/anumate/orchestrator/internal/domain"
)

// planPersister is the narrow store.postgres.Store slice the Compiler needs.
type planPersister interface {
	SavePlan(ctx context.Context, p *domain.ExecutablePlan) error
}

// CompileResult is the output of Compiler.Compile.
type CompileResult struct {
	PlanHash         string
	Plan             *domain.ExecutablePlan
	ValidationErrors []string
}

// Compiler transforms a validated Capsule into an ExecutablePlan and a
// deterministic plan_hash, caching compiled plans by hash.
type Compiler struct {
	validator *Validator
	resolver  *DependencyResolver
	optimizer *Optimizer
	hasher    *Hasher
	cache     *Cache
	store     planPersister
	logger    *zap.Logger
}

// New constructs a Compiler from its constituent stages.
func New(validator *Validator, resolver *DependencyResolver, optimizer *Optimizer, hasher *Hasher, cache *Cache, store planPersister, logger *zap.Logger) *Compiler {
	return &Compiler{validator: validator, resolver: resolver, optimizer: optimizer, hasher: hasher, cache: cache, store: store, logger: logger.Named("plan_compiler")}
}

// Compile validates, resolves, optimizes, and hashes c, returning the
// compiled ExecutablePlan and plan_hash, or validation errors.
func (c *Compiler) Compile(ctx context.Context, tenantID string, capsule *CapsuleYAML) (*CompileResult, error) {
	if errs := c.validator.Validate(capsule); len(errs) > 0 {
		return &CompileResult{ValidationErrors: errs}, nil
	}

	if _, err := c.resolver.ResolveTransitive(ctx, tenantID, capsule); err != nil {
		return nil, err
	}

	steps, batches, err := c.optimizer.Optimize(capsule.Steps)
	if err != nil {
		return nil, apperr.Internal("optimize_failed", "failed to topologically sort plan steps", err)
	}

	secCtx := domain.SecurityContext{
		ToolAllowlist:  capsule.ToolAllowlist,
		MaxParallelism: capsule.MaxParallelism,
	}
	for _, s := range steps {
		if !contains(secCtx.ToolAllowlist, s.Tool) {
			return &CompileResult{ValidationErrors: []string{fmt.Sprintf("tool %q used by step %q is not in the tool allowlist", s.Tool, s.Name)}}, nil
		}
	}

	plan := &domain.ExecutablePlan{
		TenantID:        tenantID,
		CapsuleRef:      domain.CapsuleRef{Name: capsule.Name, Version: capsule.Version},
		Steps:           steps,
		Batches:         batches,
		ToolAllowlist:   secCtx.ToolAllowlist,
		SecurityContext: secCtx,
		CreatedAt:       time.Now().UTC(),
	}

	hash, err := c.hasher.Hash(plan)
	if err != nil {
		return nil, apperr.Internal("hash_failed", "failed to compute plan hash", err)
	}
	plan.PlanHash = hash

	if cached, ok := c.cache.Get(ctx, hash); ok {
		return &CompileResult{PlanHash: hash, Plan: cached}, nil
	}

	c.cache.Put(ctx, plan)
	if c.store != nil {
		if err := c.store.SavePlan(ctx, plan); err != nil {
			c.logger.Error("failed to persist compiled plan", zap.String("plan_hash", hash), zap.Error(err))
		}
	}

	return &CompileResult{PlanHash: hash, Plan: plan}, nil
}

// ChecksumDefinition computes a Capsule's checksum = SHA-256(canonical(definition)).
func ChecksumDefinition(definition map[string]any) (string, error) {
	return crypto.SHA256HashJSON(definition)
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

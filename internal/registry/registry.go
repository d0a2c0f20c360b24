// Package registry defines the narrow interface the PlanCompiler's Resolver
// needs against the Capsule dependency registry. The registry service
// itself is an external collaborator out of scope per spec.md §1; this
// package only provides the calling contract plus a Postgres-backed stub
// that resolves dependencies from capsules already stored by this service.
package registry

import (
	"context"
	"fmt"

	"github.com/anumate/orchestrator/internal/apperr"
	"github.com/anumate/orchestrator/internal/domain"
)

// Resolver resolves a Capsule dependency reference to its definition.
type Resolver interface {
	Resolve(ctx context.Context, tenantID string, ref domain.CapsuleRef) (*domain.Capsule, error)
}

// capsuleGetter is the narrow slice of postgres.Store the stub needs.
type capsuleGetter interface {
	GetCapsuleByNameVersion(ctx context.Context, tenantID, name, version string) (*domain.Capsule, error)
}

// PostgresStub resolves dependencies against capsules already registered
// with this deployment's own store, standing in for a real external
// registry service.
type PostgresStub struct {
	store capsuleGetter
}

// NewPostgresStub constructs the stub Resolver.
func NewPostgresStub(store capsuleGetter) *PostgresStub {
	return &PostgresStub{store: store}
}

func (p *PostgresStub) Resolve(ctx context.Context, tenantID string, ref domain.CapsuleRef) (*domain.Capsule, error) {
	c, err := p.store.GetCapsuleByNameVersion(ctx, tenantID, ref.Name, ref.Version)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindNotFound {
			return nil, apperr.NotFound("dependency_not_found", fmt.Sprintf("capsule dependency %s@%s not found", ref.Name, ref.Version))
		}
		return nil, err
	}
	return c, nil
}

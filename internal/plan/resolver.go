package plan

import (
	"context"
	"fmt"
	"strings"

	"github.com/anumate/orchestrator/internal/apperr"
	"github.com/anumate/orchestrator/internal/domain"
)

// DependencyResolver resolves a Capsule's declared dependencies transitively,
// failing with DependencyNotFound or CycleDetected.
type DependencyResolver struct {
	resolve func(ctx context.Context, tenantID string, ref domain.CapsuleRef) (*domain.Capsule, error)
}

// NewDependencyResolver constructs a resolver over the given lookup function
// (normally registry.Resolver.Resolve).
func NewDependencyResolver(resolve func(ctx context.Context, tenantID string, ref domain.CapsuleRef) (*domain.Capsule, error)) *DependencyResolver {
	return &DependencyResolver{resolve: resolve}
}

// ResolveTransitive walks c's dependency graph and returns every transitively
// reachable capsule (not including c itself), in no particular order.
func (r *DependencyResolver) ResolveTransitive(ctx context.Context, tenantID string, c *CapsuleYAML) ([]*domain.Capsule, error) {
	visiting := map[string]bool{}
	visited := map[string]bool{}
	var out []*domain.Capsule

	var walk func(name string, deps []string) error
	walk = func(name string, deps []string) error {
		if visiting[name] {
			return apperr.Conflict("cycle_detected", fmt.Sprintf("circular capsule dependency at %q", name))
		}
		visiting[name] = true
		defer delete(visiting, name)

		for _, dep := range deps {
			ref, err := parseRef(dep)
			if err != nil {
				return apperr.Validation("invalid_dependency_ref", err.Error())
			}
			key := ref.Name + "@" + ref.Version
			if visited[key] {
				continue
			}
			cap, err := r.resolve(ctx, tenantID, ref)
			if err != nil {
				if apperr.KindOf(err) == apperr.KindNotFound {
					return apperr.NotFound("dependency_not_found", fmt.Sprintf("capsule dependency %s not found", key))
				}
				return err
			}
			visited[key] = true
			out = append(out, cap)

			var childDeps []string
			if depsRaw, ok := cap.Definition["dependencies"].([]any); ok {
				for _, d := range depsRaw {
					if s, ok := d.(string); ok {
						childDeps = append(childDeps, s)
					}
				}
			}
			if err := walk(key, childDeps); err != nil {
				return err
			}
		}
		return nil
	}

	if err := walk(c.Name+"@"+c.Version, c.Dependencies); err != nil {
		return nil, err
	}
	return out, nil
}

func parseRef(s string) (domain.CapsuleRef, error) {
	parts := strings.SplitN(s, "@", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return domain.CapsuleRef{}, fmt.Errorf("dependency reference %q must be name@version", s)
	}
	return domain.CapsuleRef{Name: parts[0], Version: parts[1]}, nil
}

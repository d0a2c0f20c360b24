package plan

import (
	"fmt"
	"sort"

	"github.com/anumate/orchestrator/internal/domain"
)

// Optimizer topologically sorts a capsule's steps, groups parallelizable
// steps into batches by absence of a data dependency, and attaches an
// estimated resource envelope to each step.
type Optimizer struct{}

func NewOptimizer() *Optimizer { return &Optimizer{} }

// Optimize returns the topologically sorted steps and their parallel
// batches (each batch is a list of step names with no dependency on any
// other step in the same batch).
func (o *Optimizer) Optimize(steps []CapsuleStepYAML) ([]domain.PlanStep, [][]string, error) {
	byName := make(map[string]CapsuleStepYAML, len(steps))
	indegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))

	for _, s := range steps {
		byName[s.Name] = s
		indegree[s.Name] = len(s.DependsOn)
		for _, dep := range s.DependsOn {
			dependents[dep] = append(dependents[dep], s.Name)
		}
	}

	var batches [][]string
	var ordered []string
	remaining := len(steps)

	var frontier []string
	for name, deg := range indegree {
		if deg == 0 {
			frontier = append(frontier, name)
		}
	}

	for remaining > 0 {
		if len(frontier) == 0 {
			return nil, nil, fmt.Errorf("plan: unresolved step dependencies, possible cycle")
		}
		batch := frontier
		sort.Strings(batch)
		frontier = nil
		for _, name := range batch {
			ordered = append(ordered, name)
			remaining--
			for _, dep := range dependents[name] {
				indegree[dep]--
				if indegree[dep] == 0 {
					frontier = append(frontier, dep)
				}
			}
		}
		batches = append(batches, batch)
	}

	out := make([]domain.PlanStep, 0, len(ordered))
	for _, name := range ordered {
		s := byName[name]
		out = append(out, domain.PlanStep{
			Name:             s.Name,
			Tool:             s.Tool,
			DependsOn:        s.DependsOn,
			Params:           s.Params,
			RequiresApproval: s.RequiresApproval,
			Resources:        estimateResources(s),
		})
	}
	return out, batches, nil
}

// estimateResources is a deterministic heuristic: a fixed base cost per
// step plus a per-dependency multiplier, since the compiler has no runtime
// telemetry to draw on. Kept intentionally simple; PreflightSimulator adds
// the probabilistic latency/cost sampling.
func estimateResources(s CapsuleStepYAML) domain.ResourceEnvelope {
	base := int64(500)
	return domain.ResourceEnvelope{
		EstimatedDurationMS: base + int64(len(s.DependsOn))*100,
		EstimatedCostUSD:    0.01 + float64(len(s.Params))*0.001,
	}
}

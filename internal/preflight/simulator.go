package preflight

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anumate/orchestrator/internal/apperr"
	"github.com/anumate/orchestrator/internal/domain"
)

// Simulator executes a compiled plan's DAG without external side effects,
// using a MockToolRegistry in place of the real tool protocol.
type Simulator struct {
	registry *MockToolRegistry

	mu         sync.Mutex
	cancelled  map[string]bool
}

// NewSimulator constructs a Simulator against registry.
func NewSimulator(registry *MockToolRegistry) *Simulator {
	return &Simulator{registry: registry, cancelled: make(map[string]bool)}
}

// Cancel marks runID as cancelled; in-flight and future batches for that run
// stop being simulated at the next batch boundary.
func (s *Simulator) Cancel(runID string) {
	s.mu.Lock()
	s.cancelled[runID] = true
	s.mu.Unlock()
}

func (s *Simulator) isCancelled(runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled[runID]
}

// Simulate runs plan's DAG in topological batches and produces a
// PreflightReport. runID identifies this simulation for cancellation.
func (s *Simulator) Simulate(ctx context.Context, runID string, plan *domain.ExecutablePlan) (*domain.PreflightReport, error) {
	rng := rand.New(rand.NewSource(seedFor(plan.PlanHash, runID)))

	stepByName := make(map[string]domain.PlanStep, len(plan.Steps))
	for _, st := range plan.Steps {
		stepByName[st.Name] = st
	}

	var stepRisks []domain.StepRisk
	var issues []string
	var criticalPathMS int64
	overall := domain.RiskLow

	for _, batch := range plan.Batches {
		if s.isCancelled(runID) {
			issues = append(issues, "simulation cancelled before completion")
			break
		}
		var batchMax int64
		for _, name := range batch {
			step, ok := stepByName[name]
			if !ok {
				continue
			}
			latency, succeeded, risk := s.registry.Sample(step.Tool, rng)
			sr := domain.StepRisk{
				StepName:           step.Name,
				Risk:               risk,
				SimulatedLatencyMS: latency,
				Succeeded:          succeeded,
			}
			if !succeeded {
				sr.Issues = append(sr.Issues, fmt.Sprintf("simulated failure invoking tool %q", step.Tool))
			}
			for paramName := range step.Params {
				if sensitiveParamRe.MatchString(paramName) {
					sr.Issues = append(sr.Issues, fmt.Sprintf("step %q parameter %q looks like a secret", step.Name, paramName))
				}
			}
			stepRisks = append(stepRisks, sr)
			issues = append(issues, sr.Issues...)
			if latency > batchMax {
				batchMax = latency
			}
			if riskRank(risk) > riskRank(overall) {
				overall = risk
			}
		}
		criticalPathMS += batchMax
	}

	recommendations := buildRecommendations(plan, stepRisks)

	feasible := true
	for _, sr := range stepRisks {
		if sr.Risk == domain.RiskCritical && !sr.Succeeded {
			feasible = false
			break
		}
	}

	var totalCost float64
	for _, st := range plan.Steps {
		totalCost += st.Resources.EstimatedCostUSD
	}

	return &domain.PreflightReport{
		ReportID:            uuid.NewString(),
		RunID:               runID,
		PlanHash:            plan.PlanHash,
		TenantID:            plan.TenantID,
		StepRisks:           stepRisks,
		EstimatedDurationMS: criticalPathMS,
		EstimatedCostUSD:    totalCost,
		Issues:              dedupe(issues),
		Recommendations:     recommendations,
		OverallRisk:         overall,
		Feasible:            feasible,
		CreatedAt:           time.Now().UTC(),
	}, nil
}

func buildRecommendations(plan *domain.ExecutablePlan, risks []domain.StepRisk) []string {
	var recs []string
	for _, sr := range risks {
		if sr.Risk == domain.RiskHigh || sr.Risk == domain.RiskCritical {
			recs = append(recs, fmt.Sprintf("consider requiring approval for step %q (risk=%s)", sr.StepName, sr.Risk))
		}
	}
	for _, st := range plan.Steps {
		if st.Resources.EstimatedCostUSD > 1.0 {
			recs = append(recs, fmt.Sprintf("step %q has a high estimated cost (%.2f USD); consider a spend cap", st.Name, st.Resources.EstimatedCostUSD))
		}
	}
	return dedupe(recs)
}

func riskRank(r domain.RiskLevel) int {
	switch r {
	case domain.RiskCritical:
		return 3
	case domain.RiskHigh:
		return 2
	case domain.RiskMedium:
		return 1
	default:
		return 0
	}
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// seedFor derives a deterministic PRNG seed from plan_hash+run_id so that
// repeated simulations of the same plan under the same run are reproducible
// for tests, without requiring a true random source.
func seedFor(planHash, runID string) int64 {
	var h int64 = 1469598103934665603 // FNV-1a 64-bit offset basis with its last digit dropped, so it fits in int64
	for _, b := range []byte(planHash + runID) {
		h ^= int64(b)
		h *= 1099511628211
	}
	if h < 0 {
		h = -h
	}
	return h
}

// ErrNotFound is returned by Status lookups for unknown simulation runs.
var ErrNotFound = apperr.NotFound("simulation_not_found", "simulation run not found")

package preflight

import (
	"context"
	"testing"

	"github.com/anumate/orchestrator/internal/domain"
)

func testPlan() *domain.ExecutablePlan {
	return &domain.ExecutablePlan{
		PlanHash: "abc123",
		TenantID: "T1",
		Steps: []domain.PlanStep{
			{Name: "build", Tool: "demo_tool"},
			{Name: "deploy", Tool: "demo_tool", DependsOn: []string{"build"}, Params: map[string]any{"api_key": "x"}},
		},
		Batches: [][]string{{"build"}, {"deploy"}},
	}
}

func TestSimulateProducesReport(t *testing.T) {
	reg := NewMockToolRegistry()
	sim := NewSimulator(reg)
	report, err := sim.Simulate(context.Background(), "run-1", testPlan())
	if err != nil {
		t.Fatal(err)
	}
	if report.PlanHash != "abc123" {
		t.Fatalf("expected plan hash to propagate, got %s", report.PlanHash)
	}
	if len(report.StepRisks) != 2 {
		t.Fatalf("expected 2 step risks, got %d", len(report.StepRisks))
	}
}

func TestSimulateFlagsSensitiveParams(t *testing.T) {
	reg := NewMockToolRegistry()
	sim := NewSimulator(reg)
	report, err := sim.Simulate(context.Background(), "run-2", testPlan())
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, sr := range report.StepRisks {
		for _, issue := range sr.Issues {
			if sr.StepName == "deploy" && issue != "" {
				found = true
			}
		}
	}
	if !found {
		t.Fatal("expected sensitive parameter issue on deploy step")
	}
}

func TestSimulateDeterministicForSameRunAndPlan(t *testing.T) {
	reg := NewMockToolRegistry()
	sim1 := NewSimulator(reg)
	sim2 := NewSimulator(reg)

	r1, err := sim1.Simulate(context.Background(), "run-3", testPlan())
	if err != nil {
		t.Fatal(err)
	}
	r2, err := sim2.Simulate(context.Background(), "run-3", testPlan())
	if err != nil {
		t.Fatal(err)
	}
	if r1.EstimatedDurationMS != r2.EstimatedDurationMS {
		t.Fatalf("expected deterministic simulation, got %d vs %d", r1.EstimatedDurationMS, r2.EstimatedDurationMS)
	}
}

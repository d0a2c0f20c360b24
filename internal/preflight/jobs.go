package preflight

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/anumate/orchestrator/internal/apperr"
	"github.com/anumate/orchestrator/internal/domain"
)

// Runner tracks async GhostRun jobs (POST /v1/ghostrun, GET /v1/ghostrun/{id},
// GET /v1/ghostrun/{id}/report) over the Simulator.
type Runner struct {
	sim    *Simulator
	logger *zap.Logger

	mu   sync.RWMutex
	runs map[string]*domain.SimulationRun
}

// NewRunner constructs a Runner over sim.
func NewRunner(sim *Simulator, logger *zap.Logger) *Runner {
	return &Runner{sim: sim, logger: logger.Named("preflight_runner"), runs: make(map[string]*domain.SimulationRun)}
}

// Start kicks off a new simulation run in the background and returns
// immediately with its run_id and Pending status.
func (r *Runner) Start(ctx context.Context, tenantID string, plan *domain.ExecutablePlan) *domain.SimulationRun {
	run := &domain.SimulationRun{
		RunID:     uuid.NewString(),
		TenantID:  tenantID,
		PlanHash:  plan.PlanHash,
		Status:    domain.SimulationPending,
		CreatedAt: time.Now().UTC(),
	}
	r.mu.Lock()
	r.runs[run.RunID] = run
	r.mu.Unlock()

	go r.run(context.WithoutCancel(ctx), run, plan)

	return run
}

func (r *Runner) run(ctx context.Context, run *domain.SimulationRun, plan *domain.ExecutablePlan) {
	r.setStatus(run.RunID, domain.SimulationRunning, 0)

	report, err := r.sim.Simulate(ctx, run.RunID, plan)

	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.runs[run.RunID]
	if !ok {
		return
	}
	if err != nil {
		cur.Status = domain.SimulationFailed
		r.logger.Error("simulation failed", zap.String("run_id", run.RunID), zap.Error(err))
		return
	}
	cur.Status = domain.SimulationCompleted
	cur.Progress = 1
	cur.Report = report
}

func (r *Runner) setStatus(runID string, status domain.SimulationStatus, progress float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if run, ok := r.runs[runID]; ok {
		run.Status = status
		run.Progress = progress
	}
}

// Status returns the current SimulationRun for runID, scoped to tenantID.
func (r *Runner) Status(tenantID, runID string) (*domain.SimulationRun, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runs[runID]
	if !ok || run.TenantID != tenantID {
		return nil, apperr.NotFound("simulation_not_found", "simulation run not found")
	}
	return run, nil
}

// Report returns the completed PreflightReport for runID, or a Conflict if
// the simulation has not finished yet.
func (r *Runner) Report(tenantID, runID string) (*domain.PreflightReport, error) {
	run, err := r.Status(tenantID, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != domain.SimulationCompleted || run.Report == nil {
		return nil, apperr.Conflict("simulation_not_completed", "simulation has not completed yet")
	}
	return run.Report, nil
}

// Cancel requests cancellation of an in-flight simulation.
func (r *Runner) Cancel(tenantID, runID string) error {
	run, err := r.Status(tenantID, runID)
	if err != nil {
		return err
	}
	if run.Status == domain.SimulationCompleted || run.Status == domain.SimulationFailed {
		return nil
	}
	r.sim.Cancel(runID)
	r.setStatus(runID, domain.SimulationCancelled, run.Progress)
	return nil
}

package api

import (
	"net/http"

	"github.com/anumate/orchestrator/internal/apperr"
	"github.com/anumate/orchestrator/internal/domain"
	"github.com/anumate/orchestrator/internal/infra"
)

// POST /v1/ghostrun — starts a PreflightSimulator run against a plan
// resolved the same way execute() does (inline plan wins, else plan_hash).
func (s *Server) startGhostRun(w http.ResponseWriter, r *http.Request) {
	tenantID := infra.TenantID(r.Context())

	var req struct {
		PlanHash string                  `json:"plan_hash"`
		Plan     *domain.ExecutablePlan  `json:"plan,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeProblem(w, r, err)
		return
	}

	plan := req.Plan
	if plan == nil {
		if req.PlanHash == "" {
			writeProblem(w, r, apperr.Validation("missing_plan", "plan_hash or an inline plan is required"))
			return
		}
		p, err := s.plans.GetPlan(r.Context(), tenantID, req.PlanHash)
		if err != nil {
			writeProblem(w, r, err)
			return
		}
		plan = p
	}

	run := s.ghostrun.Start(r.Context(), tenantID, plan)
	writeJSON(w, http.StatusAccepted, map[string]any{"run_id": run.RunID, "status": run.Status})
}

// GET /v1/ghostrun/{run_id}
func (s *Server) getGhostRunStatus(w http.ResponseWriter, r *http.Request) {
	tenantID := infra.TenantID(r.Context())
	run, err := s.ghostrun.Status(tenantID, urlParam(r, "run_id"))
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// GET /v1/ghostrun/{run_id}/report
func (s *Server) getGhostRunReport(w http.ResponseWriter, r *http.Request) {
	tenantID := infra.TenantID(r.Context())
	report, err := s.ghostrun.Report(tenantID, urlParam(r, "run_id"))
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

package api

import (
	"context"
	"net/http"

	"github.com/anumate/orchestrator/internal/domain"
	"github.com/anumate/orchestrator/internal/infra"
)

// POST /v1/execute — spec.md §4.1/§6.1. TenantID, IdempotencyKey and
// CorrelationID are always derived from the request, never trusted from the
// body, so a caller can't forge a run into another tenant by mistake.
func (s *Server) execute(w http.ResponseWriter, r *http.Request) {
	tenantID := infra.TenantID(r.Context())

	var req domain.ExecuteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeProblem(w, r, err)
		return
	}
	req.TenantID = tenantID
	req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	req.CorrelationID = infra.CorrelationID(r.Context())

	run, err := s.executions.Execute(r.Context(), req)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

// GET /v1/executions/{run_id}
func (s *Server) getExecution(w http.ResponseWriter, r *http.Request) {
	tenantID := infra.TenantID(r.Context())

	run, err := s.executions.Get(r.Context(), tenantID, urlParam(r, "run_id"))
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// controlExecution adapts one of Orchestrator's Pause/Resume/Cancel methods
// into a handler for /v1/executions/{run_id}/{pause,resume,cancel}.
func (s *Server) controlExecution(fn func(ctx context.Context, tenantID, runID string) (*domain.ExecutionRun, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID := infra.TenantID(r.Context())

		run, err := fn(r.Context(), tenantID, urlParam(r, "run_id"))
		if err != nil {
			writeProblem(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, run)
	}
}

package api

import (
	"net/http"
	"time"

	"github.com/anumate/orchestrator/internal/apperr"
	"github.com/anumate/orchestrator/internal/domain"
	"github.com/anumate/orchestrator/internal/infra"
)

// POST /v1/approvals — spec.md §4.5, opens an ApprovalStep outside the
// orchestrator's own auto-open path (e.g. a caller requesting approval for
// something other than a run in flight).
func (s *Server) createApproval(w http.ResponseWriter, r *http.Request) {
	tenantID := infra.TenantID(r.Context())

	var req struct {
		RunID           string   `json:"run_id"`
		Clarification   string   `json:"clarification"`
		ClarificationID string   `json:"clarification_id,omitempty"`
		Approvers       []string `json:"approvers"`
		Quorum          string   `json:"quorum,omitempty"`
		DeadlineSeconds int      `json:"deadline_secs"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeProblem(w, r, err)
		return
	}
	if req.RunID == "" || len(req.Approvers) == 0 {
		writeProblem(w, r, apperr.Validation("missing_fields", "run_id and approvers are required"))
		return
	}

	quorum := domain.QuorumAny
	if req.Quorum == string(domain.QuorumAll) {
		quorum = domain.QuorumAll
	}
	deadline := time.Now().Add(15 * time.Minute)
	if req.DeadlineSeconds > 0 {
		deadline = time.Now().Add(time.Duration(req.DeadlineSeconds) * time.Second)
	}

	actor := infra.Actor(r.Context())
	step, err := s.approvals.Create(r.Context(), tenantID, req.RunID, actor, req.Clarification, req.ClarificationID,
		domain.ApprovalPolicy{Approvers: req.Approvers, Quorum: quorum, Deadline: deadline})
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"approval_id": step.ApprovalID})
}

// decideApproval adapts ApprovalService.Decide into a handler for
// /v1/approvals/{id}/{approve,reject,delegate}.
func (s *Server) decideApproval(outcome string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID := infra.TenantID(r.Context())

		var req struct {
			Actor      string `json:"actor"`
			Reason     string `json:"reason,omitempty"`
			DelegateTo string `json:"delegate_to,omitempty"`
		}
		if err := decodeJSON(r, &req); err != nil {
			writeProblem(w, r, err)
			return
		}
		if req.Actor == "" {
			writeProblem(w, r, apperr.Validation("missing_actor", "actor is required"))
			return
		}
		if outcome == "delegate" && req.DelegateTo == "" {
			writeProblem(w, r, apperr.Validation("missing_delegate", "delegate_to is required for a delegate decision"))
			return
		}

		step, err := s.approvals.Decide(r.Context(), tenantID, urlParam(r, "id"), req.Actor, outcome, req.Reason, req.DelegateTo)
		if err != nil {
			writeProblem(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": step.Status})
	}
}

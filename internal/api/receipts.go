package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/anumate/orchestrator/internal/apperr"
	"github.com/anumate/orchestrator/internal/crypto"
	"github.com/anumate/orchestrator/internal/domain"
	"github.com/anumate/orchestrator/internal/infra"
)

// POST /v1/receipts — issues a Receipt for a completed run. Normally the
// orchestrator calls ReceiptService.Create directly on completion
// (spec.md §4.6); this endpoint exists for out-of-band re-issuance and for
// callers that only hold a run_id.
func (s *Server) createReceipt(w http.ResponseWriter, r *http.Request) {
	tenantID := infra.TenantID(r.Context())

	var req struct {
		RunID string `json:"run_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeProblem(w, r, err)
		return
	}
	if req.RunID == "" {
		writeProblem(w, r, apperr.Validation("missing_run_id", "run_id is required"))
		return
	}

	run, err := s.runs.GetRun(r.Context(), tenantID, req.RunID)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	digest, err := crypto.SHA256HashJSON(run.Results)
	if err != nil {
		writeProblem(w, r, apperr.Internal("digest_failed", "failed to hash run results", err))
		return
	}

	receipt, err := s.receipts.Create(r.Context(), run, digest)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"receipt_id": receipt.ReceiptID, "signature": receipt.Signature, "content_hash": receipt.ContentHash,
	})
}

// POST /v1/receipts/{id}/verify — recomputes the receipt's payload from the
// run it was issued for and checks the stored signature/content hash.
func (s *Server) verifyReceipt(w http.ResponseWriter, r *http.Request) {
	tenantID := infra.TenantID(r.Context())
	receiptID := urlParam(r, "id")

	receipt, err := s.receipts.Get(r.Context(), tenantID, receiptID)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	run, err := s.runs.GetRun(r.Context(), tenantID, receipt.RunID)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	digest, err := crypto.SHA256HashJSON(run.Results)
	if err != nil {
		writeProblem(w, r, apperr.Internal("digest_failed", "failed to hash run results", err))
		return
	}

	completedAt := time.Now().UTC()
	if run.CompletedAt != nil {
		completedAt = *run.CompletedAt
	}
	payload := domain.ReceiptPayload{
		RunID: run.RunID, PlanHash: run.PlanHash, TenantID: run.TenantID, Status: run.Status,
		ResultsDigest: digest, StartedAt: run.StartedAt, CompletedAt: completedAt,
		CapabilityTokenJTI: run.CapabilityTokenRef,
	}

	result, err := s.receipts.Verify(r.Context(), receipt, payload)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GET /v1/receipts/audit — paginated AuditEntry export (spec.md §4.5/§4.6
// audit trails), query params limit/offset.
func (s *Server) exportAudit(w http.ResponseWriter, r *http.Request) {
	tenantID := infra.TenantID(r.Context())

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	entries, err := s.audit.ListAudit(r.Context(), tenantID, limit, offset)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "limit": limit, "offset": offset})
}

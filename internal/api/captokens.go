package api

import (
	"net/http"
	"time"

	"github.com/anumate/orchestrator/internal/apperr"
	"github.com/anumate/orchestrator/internal/infra"
)

// maxCapabilityTTL mirrors spec.md §6.4's token.max_ttl_seconds default. It
// is a fixed constant; the configured ceiling (infra.Config's
// token.max_ttl_seconds) is enforced by captoken.Service itself — this
// handler only rejects obviously invalid input before it ever reaches the
// service.
const maxCapabilityTTL = 300 * time.Second

// POST /v1/captokens
func (s *Server) issueCapToken(w http.ResponseWriter, r *http.Request) {
	tenantID := infra.TenantID(r.Context())

	var req struct {
		Subject      string   `json:"subject"`
		Capabilities []string `json:"capabilities"`
		TTLSeconds   int      `json:"ttl_secs"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeProblem(w, r, err)
		return
	}
	if req.TTLSeconds <= 0 || time.Duration(req.TTLSeconds)*time.Second > maxCapabilityTTL {
		writeProblem(w, r, apperr.Validation("invalid_ttl", "ttl_secs must be in (0, 300]"))
		return
	}

	token, err := s.captokens.Issue(r.Context(), req.Subject, req.Capabilities, time.Duration(req.TTLSeconds)*time.Second, tenantID)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"token": token.Token, "jti": token.TokenID, "exp": token.ExpiresAt,
	})
}

// POST /v1/captokens/verify
func (s *Server) verifyCapToken(w http.ResponseWriter, r *http.Request) {
	tenantID := infra.TenantID(r.Context())

	var req struct {
		Token string `json:"token"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeProblem(w, r, err)
		return
	}

	claims, err := s.captokens.Verify(r.Context(), req.Token, tenantID)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true, "claims": claims})
}

// POST /v1/captokens/refresh
func (s *Server) refreshCapToken(w http.ResponseWriter, r *http.Request) {
	tenantID := infra.TenantID(r.Context())

	var req struct {
		Token     string `json:"token"`
		NewTTLSec int    `json:"new_ttl"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeProblem(w, r, err)
		return
	}
	if req.NewTTLSec <= 0 || time.Duration(req.NewTTLSec)*time.Second > maxCapabilityTTL {
		writeProblem(w, r, apperr.Validation("invalid_ttl", "new_ttl must be in (0, 300]"))
		return
	}

	claims, err := s.captokens.Verify(r.Context(), req.Token, tenantID)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	token, err := s.captokens.Refresh(r.Context(), claims, time.Duration(req.NewTTLSec)*time.Second)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token": token.Token, "jti": token.TokenID, "exp": token.ExpiresAt,
	})
}

// POST /v1/captokens/revoke
func (s *Server) revokeCapToken(w http.ResponseWriter, r *http.Request) {
	tenantID := infra.TenantID(r.Context())

	var req struct {
		TokenID string `json:"token_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeProblem(w, r, err)
		return
	}

	if err := s.captokens.Revoke(r.Context(), req.TokenID, tenantID); err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

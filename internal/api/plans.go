package api

import (
	"context"
	"io"
	"net/http"

	"github.com/anumate/orchestrator/internal/apperr"
	"github.com/anumate/orchestrator/internal/domain"
	"github.com/anumate/orchestrator/internal/infra"
	"github.com/anumate/orchestrator/internal/plan"
)

// capsuleCompiler adapts *plan.Compiler's CapsuleYAML-typed Compile method
// behind a signature this package can hold without importing plan's
// authoring types into every handler.
type capsuleCompiler struct {
	compiler *plan.Compiler
}

// NewCompilerAdapter wraps a *plan.Compiler for use by Server.
func NewCompilerAdapter(compiler *plan.Compiler) *capsuleCompiler {
	return &capsuleCompiler{compiler: compiler}
}

func (c *capsuleCompiler) compile(ctx context.Context, tenantID string, raw []byte) (*plan.CompileResult, error) {
	capsule, err := plan.ParseCapsuleYAML(raw)
	if err != nil {
		return nil, apperr.Validation("malformed_capsule", "capsule body is not valid: "+err.Error())
	}
	return c.compiler.Compile(ctx, tenantID, capsule)
}

// POST /v1/compile — spec.md §6.1: body is the capsule definition, authored
// as YAML (the compiler's native format, per internal/plan.CapsuleYAML).
func (s *Server) compileCapsule(w http.ResponseWriter, r *http.Request) {
	tenantID := infra.TenantID(r.Context())

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeProblem(w, r, apperr.Validation("unreadable_body", "failed to read request body"))
		return
	}

	result, err := s.compiler.compile(r.Context(), tenantID, raw)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	if len(result.ValidationErrors) > 0 {
		writeProblem(w, r, apperr.Validation("capsule_validation_failed", result.ValidationErrors[0]))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"plan_hash":     result.PlanHash,
		"compiled_plan": result.Plan,
	})
}

// GET /v1/plans/{plan_hash}
func (s *Server) getPlan(w http.ResponseWriter, r *http.Request) {
	tenantID := infra.TenantID(r.Context())
	planHash := urlParam(r, "plan_hash")

	p, err := s.plans.GetPlan(r.Context(), tenantID, planHash)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// POST /v1/capsules
func (s *Server) createCapsule(w http.ResponseWriter, r *http.Request) {
	tenantID := infra.TenantID(r.Context())

	var req struct {
		Name       string         `json:"name"`
		Version    string         `json:"version"`
		Definition map[string]any `json:"definition"`
		Signature  string         `json:"signature,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeProblem(w, r, err)
		return
	}
	if req.Name == "" || req.Version == "" {
		writeProblem(w, r, apperr.Validation("missing_fields", "name and version are required"))
		return
	}

	checksum, err := plan.ChecksumDefinition(req.Definition)
	if err != nil {
		writeProblem(w, r, apperr.Internal("checksum_failed", "failed to checksum capsule definition", err))
		return
	}

	c := &domain.Capsule{
		ID: capsuleID(tenantID, req.Name, req.Version), TenantID: tenantID, Name: req.Name,
		Version: req.Version, Definition: req.Definition, Checksum: checksum, Signature: req.Signature,
	}
	if err := s.capsules.CreateCapsule(r.Context(), c); err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// GET /v1/capsules/{id}
func (s *Server) getCapsule(w http.ResponseWriter, r *http.Request) {
	tenantID := infra.TenantID(r.Context())
	id := urlParam(r, "id")

	c, err := s.capsules.GetCapsule(r.Context(), tenantID, id)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// capsuleID builds a capsule ID that fits in the single {id} path segment
// of GET /v1/capsules/{id}, so it must not contain a '/'.
func capsuleID(tenantID, name, version string) string {
	return tenantID + ":" + name + "@" + version
}

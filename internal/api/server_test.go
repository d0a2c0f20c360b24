package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/anumate/orchestrator/internal/apperr"
	"github.com/anumate/orchestrator/internal/domain"
)

type fakeCapsules struct {
	byID map[string]*domain.Capsule
}

func newFakeCapsules() *fakeCapsules { return &fakeCapsules{byID: map[string]*domain.Capsule{}} }

func (f *fakeCapsules) CreateCapsule(_ context.Context, c *domain.Capsule) error {
	f.byID[c.TenantID+"/"+c.ID] = c
	return nil
}

func (f *fakeCapsules) GetCapsule(_ context.Context, tenantID, id string) (*domain.Capsule, error) {
	c, ok := f.byID[tenantID+"/"+id]
	if !ok {
		return nil, apperr.NotFound("capsule_not_found", "capsule not found")
	}
	return c, nil
}

type fakePlans struct {
	byHash map[string]*domain.ExecutablePlan
}

func (f *fakePlans) GetPlan(_ context.Context, _, planHash string) (*domain.ExecutablePlan, error) {
	p, ok := f.byHash[planHash]
	if !ok {
		return nil, apperr.NotFound("plan_not_found", "plan not found")
	}
	return p, nil
}

type fakeGhostRunner struct{}

func (fakeGhostRunner) Start(_ context.Context, tenantID string, plan *domain.ExecutablePlan) *domain.SimulationRun {
	return &domain.SimulationRun{RunID: "sim-1", TenantID: tenantID, PlanHash: plan.PlanHash, Status: domain.SimulationRunning}
}

func (fakeGhostRunner) Status(tenantID, runID string) (*domain.SimulationRun, error) {
	return &domain.SimulationRun{RunID: runID, TenantID: tenantID, Status: domain.SimulationCompleted}, nil
}

func (fakeGhostRunner) Report(tenantID, runID string) (*domain.PreflightReport, error) {
	return &domain.PreflightReport{RunID: runID, TenantID: tenantID}, nil
}

type fakeCapService struct{}

func (fakeCapService) Issue(_ context.Context, subject string, caps []string, ttl time.Duration, tenantID string) (*domain.CapabilityToken, error) {
	return &domain.CapabilityToken{Token: "tok-1", TokenID: "jti-1", Subject: subject, TenantID: tenantID, Capabilities: caps, ExpiresAt: time.Now().Add(ttl)}, nil
}

func (fakeCapService) Verify(_ context.Context, tokenStr, tenantID string) (*domain.CapabilityClaims, error) {
	if tokenStr == "bad" {
		return nil, apperr.Unauthorized("invalid_token", "invalid token")
	}
	return &domain.CapabilityClaims{Subject: "svc", TenantID: tenantID, JTI: "jti-1"}, nil
}

func (fakeCapService) Refresh(_ context.Context, claims *domain.CapabilityClaims, newTTL time.Duration) (*domain.CapabilityToken, error) {
	return &domain.CapabilityToken{Token: "tok-2", TokenID: claims.JTI, ExpiresAt: time.Now().Add(newTTL)}, nil
}

func (fakeCapService) Revoke(_ context.Context, tokenID, tenantID string) error { return nil }

type fakeExecutions struct {
	run *domain.ExecutionRun
}

func (f *fakeExecutions) Execute(_ context.Context, req domain.ExecuteRequest) (*domain.ExecutionRun, error) {
	f.run = &domain.ExecutionRun{RunID: "run-1", TenantID: req.TenantID, PlanHash: req.PlanHash, Status: domain.RunPending}
	return f.run, nil
}

func (f *fakeExecutions) Get(_ context.Context, tenantID, runID string) (*domain.ExecutionRun, error) {
	if f.run == nil || f.run.RunID != runID {
		return nil, apperr.NotFound("run_not_found", "run not found")
	}
	return f.run, nil
}

func (f *fakeExecutions) Pause(_ context.Context, tenantID, runID string) (*domain.ExecutionRun, error) {
	f.run.Status = domain.RunPaused
	return f.run, nil
}

func (f *fakeExecutions) Resume(_ context.Context, tenantID, runID string) (*domain.ExecutionRun, error) {
	f.run.Status = domain.RunRunning
	return f.run, nil
}

func (f *fakeExecutions) Cancel(_ context.Context, tenantID, runID string) (*domain.ExecutionRun, error) {
	f.run.Status = domain.RunCancelled
	return f.run, nil
}

type fakeApprovals struct {
	step *domain.ApprovalStep
}

func (f *fakeApprovals) Create(_ context.Context, tenantID, runID, requester, clarification, clarificationID string, policy domain.ApprovalPolicy) (*domain.ApprovalStep, error) {
	f.step = &domain.ApprovalStep{ApprovalID: "appr-1", TenantID: tenantID, RunID: runID, Status: domain.ApprovalPending, Policy: policy}
	return f.step, nil
}

func (f *fakeApprovals) Get(_ context.Context, tenantID, approvalID string) (*domain.ApprovalStep, error) {
	return f.step, nil
}

func (f *fakeApprovals) Decide(_ context.Context, tenantID, approvalID, actor, outcome, reason, delegateTo string) (*domain.ApprovalStep, error) {
	if f.step == nil {
		return nil, apperr.NotFound("approval_not_found", "approval not found")
	}
	switch outcome {
	case "approve":
		f.step.Status = domain.ApprovalApproved
	case "reject":
		f.step.Status = domain.ApprovalRejected
	case "delegate":
		f.step.Status = domain.ApprovalPending
	}
	return f.step, nil
}

type fakeReceipts struct {
	receipt *domain.Receipt
}

func (f *fakeReceipts) Create(_ context.Context, run *domain.ExecutionRun, resultsDigest string) (*domain.Receipt, error) {
	f.receipt = &domain.Receipt{ReceiptID: "rcpt-1", TenantID: run.TenantID, RunID: run.RunID, ContentHash: "hash-1", Signature: "sig-1"}
	return f.receipt, nil
}

func (f *fakeReceipts) Get(_ context.Context, tenantID, receiptID string) (*domain.Receipt, error) {
	if f.receipt == nil {
		return nil, apperr.NotFound("receipt_not_found", "receipt not found")
	}
	return f.receipt, nil
}

func (f *fakeReceipts) Verify(_ context.Context, r *domain.Receipt, payload domain.ReceiptPayload) (*domain.VerifyResult, error) {
	return &domain.VerifyResult{Valid: true}, nil
}

type fakeRuns struct {
	byID map[string]*domain.ExecutionRun
}

func (f *fakeRuns) GetRun(_ context.Context, tenantID, runID string) (*domain.ExecutionRun, error) {
	r, ok := f.byID[tenantID+"/"+runID]
	if !ok {
		return nil, apperr.NotFound("run_not_found", "run not found")
	}
	return r, nil
}

type fakeAudit struct{}

func (fakeAudit) ListAudit(_ context.Context, tenantID string, limit, offset int) ([]domain.AuditEntry, error) {
	return []domain.AuditEntry{{ID: "a1", TenantID: tenantID, Event: "test"}}, nil
}

func newTestServer() (*Server, *fakeExecutions, *fakeApprovals, *fakeReceipts, *fakeRuns) {
	execs := &fakeExecutions{}
	approvals := &fakeApprovals{}
	receipts := &fakeReceipts{}
	runs := &fakeRuns{byID: map[string]*domain.ExecutionRun{}}

	s := New(zap.NewNop(), newFakeCapsules(), nil, &fakePlans{byHash: map[string]*domain.ExecutablePlan{}},
		fakeGhostRunner{}, fakeCapService{}, execs, approvals, receipts, runs, fakeAudit{})
	return s, execs, approvals, receipts, runs
}

func doRequest(s *Server, method, path string, body any, tenantID string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if tenantID != "" {
		req.Header.Set("X-Tenant-ID", tenantID)
	}
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	return rr
}

func TestMissingTenantHeaderRejected(t *testing.T) {
	s, _, _, _, _ := newTestServer()
	rr := doRequest(s, http.MethodGet, "/v1/executions/run-1", nil, "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Fatalf("expected problem+json content type, got %q", ct)
	}
}

func TestExecuteAndGetExecution(t *testing.T) {
	s, _, _, _, _ := newTestServer()

	rr := doRequest(s, http.MethodPost, "/v1/execute", map[string]any{"plan_hash": "hash-a"}, "tenant-a")
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
	var run domain.ExecutionRun
	if err := json.Unmarshal(rr.Body.Bytes(), &run); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if run.RunID == "" {
		t.Fatal("expected a run_id in response")
	}

	rr2 := doRequest(s, http.MethodGet, "/v1/executions/"+run.RunID+"/", nil, "tenant-a")
	if rr2.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr2.Code, rr2.Body.String())
	}
}

func TestPauseResumeCancelExecution(t *testing.T) {
	s, _, _, _, _ := newTestServer()
	doRequest(s, http.MethodPost, "/v1/execute", map[string]any{"plan_hash": "hash-a"}, "tenant-a")

	rr := doRequest(s, http.MethodPost, "/v1/executions/run-1/pause", nil, "tenant-a")
	if rr.Code != http.StatusOK {
		t.Fatalf("pause: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	rr = doRequest(s, http.MethodPost, "/v1/executions/run-1/resume", nil, "tenant-a")
	if rr.Code != http.StatusOK {
		t.Fatalf("resume: expected 200, got %d", rr.Code)
	}
	rr = doRequest(s, http.MethodPost, "/v1/executions/run-1/cancel", nil, "tenant-a")
	if rr.Code != http.StatusOK {
		t.Fatalf("cancel: expected 200, got %d", rr.Code)
	}
}

func TestCapsuleCreateAndGetNotFoundAcrossTenants(t *testing.T) {
	s, _, _, _, _ := newTestServer()

	rr := doRequest(s, http.MethodPost, "/v1/capsules/", map[string]any{
		"name": "deploy", "version": "1.0.0", "definition": map[string]any{"steps": []any{}},
	}, "tenant-a")
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var created domain.Capsule
	if err := json.Unmarshal(rr.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	rr2 := doRequest(s, http.MethodGet, "/v1/capsules/"+created.ID, nil, "tenant-a")
	if rr2.Code != http.StatusOK {
		t.Fatalf("expected 200 for owning tenant, got %d", rr2.Code)
	}

	rr3 := doRequest(s, http.MethodGet, "/v1/capsules/"+created.ID, nil, "tenant-b")
	if rr3.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for a different tenant, got %d", rr3.Code)
	}
}

func TestCaptokenIssueRejectsExcessiveTTL(t *testing.T) {
	s, _, _, _, _ := newTestServer()
	rr := doRequest(s, http.MethodPost, "/v1/captokens/", map[string]any{
		"subject": "svc-a", "capabilities": []string{"exec:tools"}, "ttl_secs": 600,
	}, "tenant-a")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestCaptokenIssueVerifyRefreshRevoke(t *testing.T) {
	s, _, _, _, _ := newTestServer()

	rr := doRequest(s, http.MethodPost, "/v1/captokens/", map[string]any{
		"subject": "svc-a", "capabilities": []string{"exec:tools"}, "ttl_secs": 120,
	}, "tenant-a")
	if rr.Code != http.StatusCreated {
		t.Fatalf("issue: expected 201, got %d", rr.Code)
	}

	rr = doRequest(s, http.MethodPost, "/v1/captokens/verify", map[string]any{"token": "tok-1"}, "tenant-a")
	if rr.Code != http.StatusOK {
		t.Fatalf("verify: expected 200, got %d", rr.Code)
	}

	rr = doRequest(s, http.MethodPost, "/v1/captokens/refresh", map[string]any{"token": "tok-1", "new_ttl": 60}, "tenant-a")
	if rr.Code != http.StatusOK {
		t.Fatalf("refresh: expected 200, got %d", rr.Code)
	}

	rr = doRequest(s, http.MethodPost, "/v1/captokens/revoke", map[string]any{"token_id": "jti-1"}, "tenant-a")
	if rr.Code != http.StatusOK {
		t.Fatalf("revoke: expected 200, got %d", rr.Code)
	}
}

func TestApprovalCreateAndDecide(t *testing.T) {
	s, _, _, _, _ := newTestServer()

	rr := doRequest(s, http.MethodPost, "/v1/approvals/", map[string]any{
		"run_id": "run-1", "clarification": "confirm prod deploy", "approvers": []string{"alice"},
	}, "tenant-a")
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = doRequest(s, http.MethodPost, "/v1/approvals/appr-1/approve", map[string]any{"actor": "alice"}, "tenant-a")
	if rr.Code != http.StatusOK {
		t.Fatalf("approve: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestReceiptCreateAndVerify(t *testing.T) {
	s, _, _, _, runs := newTestServer()
	runs.byID["tenant-a/run-1"] = &domain.ExecutionRun{RunID: "run-1", TenantID: "tenant-a", Status: domain.RunSucceeded}

	rr := doRequest(s, http.MethodPost, "/v1/receipts/", map[string]any{"run_id": "run-1"}, "tenant-a")
	if rr.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = doRequest(s, http.MethodPost, "/v1/receipts/rcpt-1/verify", nil, "tenant-a")
	if rr.Code != http.StatusOK {
		t.Fatalf("verify: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestExportAudit(t *testing.T) {
	s, _, _, _, _ := newTestServer()
	rr := doRequest(s, http.MethodGet, "/v1/receipts/audit?limit=10&offset=0", nil, "tenant-a")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestErrorMappingKindConflict(t *testing.T) {
	if got := statusForKind(apperr.KindConflict); got != http.StatusConflict {
		t.Fatalf("expected 409, got %d", got)
	}
	if got := statusForKind(apperr.KindTransient); got != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", got)
	}
}

package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/anumate/orchestrator/internal/apperr"
	"github.com/anumate/orchestrator/internal/domain"
	"github.com/anumate/orchestrator/internal/toolproto"
)

// -- fakes --------------------------------------------------------------

type fakeRunStore struct {
	mu   sync.Mutex
	runs map[string]*domain.ExecutionRun
}

func newFakeRunStore() *fakeRunStore { return &fakeRunStore{runs: make(map[string]*domain.ExecutionRun)} }

func (s *fakeRunStore) CreateRun(_ context.Context, r *domain.ExecutionRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.runs[r.RunID] = &cp
	return nil
}

func (s *fakeRunStore) GetRun(_ context.Context, tenantID, runID string) (*domain.ExecutionRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok || r.TenantID != tenantID {
		return nil, apperr.NotFound("run_not_found", "no such run")
	}
	cp := *r
	return &cp, nil
}

func (s *fakeRunStore) UpdateRunState(_ context.Context, r *domain.ExecutionRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.runs[r.RunID] = &cp
	return nil
}

type fakeIdempotencyStore struct {
	mu      sync.Mutex
	records map[string]*domain.IdempotencyRecord
}

func newFakeIdempotencyStore() *fakeIdempotencyStore {
	return &fakeIdempotencyStore{records: make(map[string]*domain.IdempotencyRecord)}
}

func (s *fakeIdempotencyStore) ReserveIdempotencyRecord(_ context.Context, rec *domain.IdempotencyRecord) (*domain.IdempotencyRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := rec.TenantID + "/" + rec.Key
	if existing, ok := s.records[k]; ok {
		cp := *existing
		return &cp, false, nil
	}
	cp := *rec
	s.records[k] = &cp
	return nil, true, nil
}

func (s *fakeIdempotencyStore) FinalizeIdempotencyRecord(_ context.Context, tenantID, key string, status domain.IdempotencyStatus, cached map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := tenantID + "/" + key
	rec, ok := s.records[k]
	if !ok {
		return apperr.NotFound("idempotency_record_not_found", "no such record")
	}
	rec.Status = status
	rec.CachedResponse = cached
	return nil
}

type fakeCapabilityIssuer struct{}

func (fakeCapabilityIssuer) Issue(_ context.Context, subject string, caps []string, ttl time.Duration, tenantID string) (*domain.CapabilityToken, error) {
	now := time.Now().UTC()
	return &domain.CapabilityToken{
		Token: "tok", TokenID: "jti-" + subject, Subject: subject, TenantID: tenantID,
		Capabilities: caps, IssuedAt: now, ExpiresAt: now.Add(ttl),
	}, nil
}

type fakeApprovals struct {
	mu    sync.Mutex
	steps map[string]*domain.ApprovalStep
}

func newFakeApprovals() *fakeApprovals { return &fakeApprovals{steps: make(map[string]*domain.ApprovalStep)} }

func (f *fakeApprovals) Create(_ context.Context, tenantID, runID, requester, clarification, clarificationID string, policy domain.ApprovalPolicy) (*domain.ApprovalStep, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	step := &domain.ApprovalStep{
		ApprovalID: "appr-" + runID, RunID: runID, TenantID: tenantID, Requester: requester,
		Clarification: clarification, ClarificationID: clarificationID, Policy: policy,
		Status: domain.ApprovalPending, CreatedAt: time.Now().UTC(),
	}
	f.steps[step.ApprovalID] = step
	return step, nil
}

func (f *fakeApprovals) Get(_ context.Context, tenantID, approvalID string) (*domain.ApprovalStep, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.steps[approvalID]
	if !ok {
		return nil, apperr.NotFound("approval_not_found", "no such approval")
	}
	cp := *s
	return &cp, nil
}

func (f *fakeApprovals) decide(approvalID string, status domain.ApprovalStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.steps[approvalID]; ok {
		s.Status = status
	}
}

type fakeReceipts struct{ n int }

func (f *fakeReceipts) Create(_ context.Context, run *domain.ExecutionRun, resultsDigest string) (*domain.Receipt, error) {
	f.n++
	return &domain.Receipt{
		ReceiptID: "rcpt-" + run.RunID, TenantID: run.TenantID, RunID: run.RunID,
		ContentHash: resultsDigest, Signature: "sig", CreatedAt: time.Now().UTC(),
	}, nil
}

type recordedEvent struct {
	tenantID string
	typ      string
	data     map[string]any
}

type fakeEvents struct {
	mu   sync.Mutex
	sent []recordedEvent
}

func (f *fakeEvents) Publish(_ context.Context, tenantID, eventType string, data map[string]any) (domain.CloudEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, recordedEvent{tenantID: tenantID, typ: eventType, data: data})
	return domain.CloudEvent{Type: eventType, TenantID: tenantID, Data: data}, nil
}

func (f *fakeEvents) count(eventType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.sent {
		if e.typ == eventType {
			n++
		}
	}
	return n
}

type fakeToolInvoker struct {
	mu    sync.Mutex
	calls int
	fail  bool
}

func (f *fakeToolInvoker) Invoke(_ context.Context, tool string, params map[string]any) (*toolproto.InvokeResult, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.fail {
		return nil, &toolproto.InvocationError{Tool: tool, Message: "boom"}
	}
	return &toolproto.InvokeResult{InvocationID: "inv-1", Output: map[string]any{"ok": true}}, nil
}

func testPlan(planHash string, requireStepApproval bool) *domain.ExecutablePlan {
	return &domain.ExecutablePlan{
		PlanHash: planHash, TenantID: "T1",
		Steps: []domain.PlanStep{
			{Name: "s1", Tool: "demo_tool", RequiresApproval: requireStepApproval,
				Resources: domain.ResourceEnvelope{EstimatedDurationMS: 1000}},
		},
		Batches:       [][]string{{"s1"}},
		ToolAllowlist: []string{"demo_tool"},
	}
}

type fixedPlanResolver struct{ plan *domain.ExecutablePlan }

func (r fixedPlanResolver) Resolve(_ context.Context, tenantID, planHash string, inline *domain.ExecutablePlan) (*domain.ExecutablePlan, error) {
	if inline != nil {
		return inline, nil
	}
	return r.plan, nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ApprovalPollInterval = 5 * time.Millisecond
	cfg.PausePollInterval = 5 * time.Millisecond
	return cfg
}

func waitForTerminal(t *testing.T, o *Orchestrator, tenantID, runID string) *domain.ExecutionRun {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		run, err := o.Get(context.Background(), tenantID, runID)
		if err == nil && run.Status.Terminal() {
			return run
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s did not reach a terminal state in time", runID)
	return nil
}

// -- tests ----------------------------------------------------------------

// S1 - happy path, no approval.
func TestExecuteHappyPathNoApproval(t *testing.T) {
	runs := newFakeRunStore()
	events := &fakeEvents{}
	receipts := &fakeReceipts{}
	o := New(runs, newFakeIdempotencyStore(), fixedPlanResolver{plan: testPlan("abc123", false)},
		fakeCapabilityIssuer{}, newFakeApprovals(), receipts, events, &fakeToolInvoker{},
		testConfig(), nil, zap.NewNop())

	run, err := o.Execute(context.Background(), domain.ExecuteRequest{
		TenantID: "T1", PlanHash: "abc123", Engine: "demo_tool",
		Parameters: map[string]any{"x": float64(1)}, IdempotencyKey: "k-1",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	final := waitForTerminal(t, o, "T1", run.RunID)
	if final.Status != domain.RunSucceeded {
		t.Fatalf("status = %s, want Succeeded", final.Status)
	}
	if final.ReceiptID == "" {
		t.Fatal("expected a receipt_id to be set")
	}
	if events.count(domain.EventExecutionCompleted) != 1 {
		t.Fatalf("expected exactly one execution.completed event, got %d", events.count(domain.EventExecutionCompleted))
	}
}

// S2 - idempotent replay returns the same run and performs no new work.
func TestExecuteIdempotentReplay(t *testing.T) {
	runs := newFakeRunStore()
	events := &fakeEvents{}
	tool := &fakeToolInvoker{}
	o := New(runs, newFakeIdempotencyStore(), fixedPlanResolver{plan: testPlan("abc123", false)},
		fakeCapabilityIssuer{}, newFakeApprovals(), &fakeReceipts{}, events, tool,
		testConfig(), nil, zap.NewNop())

	req := domain.ExecuteRequest{
		TenantID: "T1", PlanHash: "abc123", Engine: "demo_tool",
		Parameters: map[string]any{"x": float64(1)}, IdempotencyKey: "k-1",
	}

	first, err := o.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("first Execute: %v", err)
	}
	waitForTerminal(t, o, "T1", first.RunID)

	second, err := o.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("second Execute: %v", err)
	}
	if second.RunID != first.RunID {
		t.Fatalf("replay run_id = %s, want %s", second.RunID, first.RunID)
	}
	if tool.calls != 1 {
		t.Fatalf("tool invoked %d times, want 1 (no duplicate work)", tool.calls)
	}
}

// S3 - idempotency conflict on a reused key with a different body.
func TestExecuteIdempotencyConflict(t *testing.T) {
	o := New(newFakeRunStore(), newFakeIdempotencyStore(), fixedPlanResolver{plan: testPlan("abc123", false)},
		fakeCapabilityIssuer{}, newFakeApprovals(), &fakeReceipts{}, &fakeEvents{}, &fakeToolInvoker{},
		testConfig(), nil, zap.NewNop())

	_, err := o.Execute(context.Background(), domain.ExecuteRequest{
		TenantID: "T1", PlanHash: "abc123", Parameters: map[string]any{"x": float64(1)}, IdempotencyKey: "k-1",
	})
	if err != nil {
		t.Fatalf("first Execute: %v", err)
	}

	_, err = o.Execute(context.Background(), domain.ExecuteRequest{
		TenantID: "T1", PlanHash: "abc123", Parameters: map[string]any{"x": float64(2)}, IdempotencyKey: "k-1",
	})
	if apperr.KindOf(err) != apperr.KindConflict {
		t.Fatalf("err kind = %v, want Conflict", apperr.KindOf(err))
	}
}

// S4 - approval gate.
func TestExecuteApprovalGate(t *testing.T) {
	runs := newFakeRunStore()
	approvals := newFakeApprovals()
	o := New(runs, newFakeIdempotencyStore(), fixedPlanResolver{plan: testPlan("abc123", false)},
		fakeCapabilityIssuer{}, approvals, &fakeReceipts{}, &fakeEvents{}, &fakeToolInvoker{},
		testConfig(), nil, zap.NewNop())

	run, err := o.Execute(context.Background(), domain.ExecuteRequest{
		TenantID: "T1", PlanHash: "abc123", RequireApproval: true,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		cur, _ := o.Get(context.Background(), "T1", run.RunID)
		if cur != nil && cur.Status == domain.RunAwaitingApproval {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cur, err := o.Get(context.Background(), "T1", run.RunID)
	if err != nil || cur.Status != domain.RunAwaitingApproval {
		t.Fatalf("status = %+v, want AwaitingApproval", cur)
	}
	if len(cur.ApprovalIDs) != 1 {
		t.Fatalf("expected exactly one approval id, got %v", cur.ApprovalIDs)
	}

	approvals.decide(cur.ApprovalIDs[0], domain.ApprovalApproved)

	final := waitForTerminal(t, o, "T1", run.RunID)
	if final.Status != domain.RunSucceeded {
		t.Fatalf("status = %s, want Succeeded", final.Status)
	}
}

// Rejected approvals fail the run without running any tool step.
func TestExecuteApprovalRejected(t *testing.T) {
	approvals := newFakeApprovals()
	tool := &fakeToolInvoker{}
	o := New(newFakeRunStore(), newFakeIdempotencyStore(), fixedPlanResolver{plan: testPlan("abc123", false)},
		fakeCapabilityIssuer{}, approvals, &fakeReceipts{}, &fakeEvents{}, tool,
		testConfig(), nil, zap.NewNop())

	run, err := o.Execute(context.Background(), domain.ExecuteRequest{TenantID: "T1", PlanHash: "abc123", RequireApproval: true})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	var approvalID string
	for time.Now().Before(deadline) {
		cur, _ := o.Get(context.Background(), "T1", run.RunID)
		if cur != nil && len(cur.ApprovalIDs) > 0 {
			approvalID = cur.ApprovalIDs[0]
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if approvalID == "" {
		t.Fatal("approval was never opened")
	}
	approvals.decide(approvalID, domain.ApprovalRejected)

	final := waitForTerminal(t, o, "T1", run.RunID)
	if final.Status != domain.RunFailed {
		t.Fatalf("status = %s, want Failed", final.Status)
	}
	if tool.calls != 0 {
		t.Fatalf("tool invoked after rejection, calls = %d", tool.calls)
	}
}

// Cancel requested before a run reaches a terminal state lands it in Cancelled.
func TestExecuteCancel(t *testing.T) {
	approvals := newFakeApprovals()
	o := New(newFakeRunStore(), newFakeIdempotencyStore(), fixedPlanResolver{plan: testPlan("abc123", false)},
		fakeCapabilityIssuer{}, approvals, &fakeReceipts{}, &fakeEvents{}, &fakeToolInvoker{},
		testConfig(), nil, zap.NewNop())

	run, err := o.Execute(context.Background(), domain.ExecuteRequest{TenantID: "T1", PlanHash: "abc123", RequireApproval: true})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if _, err := o.Cancel(context.Background(), "T1", run.RunID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	final := waitForTerminal(t, o, "T1", run.RunID)
	if final.Status != domain.RunCancelled {
		t.Fatalf("status = %s, want Cancelled", final.Status)
	}
}

// Open Question Decision #2: with DemoFallbackEnabled, a failing tool still
// yields a succeeded run via the synthetic fallback result.
func TestExecuteDemoFallback(t *testing.T) {
	cfg := testConfig()
	cfg.DemoFallbackEnabled = true
	tool := &fakeToolInvoker{fail: true}
	o := New(newFakeRunStore(), newFakeIdempotencyStore(), fixedPlanResolver{plan: testPlan("abc123", false)},
		fakeCapabilityIssuer{}, newFakeApprovals(), &fakeReceipts{}, &fakeEvents{}, tool,
		cfg, nil, zap.NewNop())

	run, err := o.Execute(context.Background(), domain.ExecuteRequest{TenantID: "T1", PlanHash: "abc123"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	final := waitForTerminal(t, o, "T1", run.RunID)
	if final.Status != domain.RunSucceeded {
		t.Fatalf("status = %s, want Succeeded (demo fallback)", final.Status)
	}
}

// Without DemoFallbackEnabled, a failing tool fails the run.
func TestExecuteToolFailurePropagates(t *testing.T) {
	tool := &fakeToolInvoker{fail: true}
	o := New(newFakeRunStore(), newFakeIdempotencyStore(), fixedPlanResolver{plan: testPlan("abc123", false)},
		fakeCapabilityIssuer{}, newFakeApprovals(), &fakeReceipts{}, &fakeEvents{}, tool,
		testConfig(), nil, zap.NewNop())

	run, err := o.Execute(context.Background(), domain.ExecuteRequest{TenantID: "T1", PlanHash: "abc123"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	final := waitForTerminal(t, o, "T1", run.RunID)
	if final.Status != domain.RunFailed {
		t.Fatalf("status = %s, want Failed", final.Status)
	}
}

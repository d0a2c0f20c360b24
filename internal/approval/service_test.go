package approval

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/anumate/orchestrator/internal/domain"
)

type fakeRepo struct {
	byID            map[string]*domain.ApprovalStep
	byClarification map[string]string
	audits          []domain.AuditEntry
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{byID: make(map[string]*domain.ApprovalStep), byClarification: make(map[string]string)}
}

func (f *fakeRepo) CreateApproval(ctx context.Context, a *domain.ApprovalStep) error {
	f.byID[a.ApprovalID] = a
	f.byClarification[a.ClarificationID] = a.ApprovalID
	return nil
}

func (f *fakeRepo) GetApproval(ctx context.Context, tenantID, approvalID string) (*domain.ApprovalStep, error) {
	a, ok := f.byID[approvalID]
	if !ok || a.TenantID != tenantID {
		return nil, errNotFound
	}
	cp := *a
	return &cp, nil
}

func (f *fakeRepo) GetApprovalByClarification(ctx context.Context, tenantID, clarificationID string) (*domain.ApprovalStep, error) {
	id, ok := f.byClarification[clarificationID]
	if !ok {
		return nil, errNotFound
	}
	return f.GetApproval(ctx, tenantID, id)
}

func (f *fakeRepo) UpdateApprovalDecision(ctx context.Context, a *domain.ApprovalStep) error {
	cur, ok := f.byID[a.ApprovalID]
	if !ok {
		return errNotFound
	}
	if terminalApproval(cur.Status) {
		return errConflict
	}
	f.byID[a.ApprovalID] = a
	return nil
}

func (f *fakeRepo) ListPendingApprovalsPastDeadline(ctx context.Context) ([]*domain.ApprovalStep, error) {
	var out []*domain.ApprovalStep
	for _, a := range f.byID {
		if !terminalApproval(a.Status) && a.Policy.Deadline.Before(time.Now()) {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeRepo) RecordApprovalAudit(ctx context.Context, entry domain.AuditEntry) error {
	f.audits = append(f.audits, entry)
	return nil
}

type fakeNotifier struct {
	notified []ApprovalResolution
}

func (n *fakeNotifier) NotifyApprovalResolved(ctx context.Context, tenantID, runID, approvalID string, status domain.ApprovalStatus) error {
	n.notified = append(n.notified, ApprovalResolution{TenantID: tenantID, RunID: runID, ApprovalID: approvalID, Status: status})
	return nil
}

var (
	errNotFound = &testErr{"not found"}
	errConflict = &testErr{"conflict"}
)

type testErr struct{ msg string }

func (e *testErr) Error() string { return e.msg }

func newTestBridge() (*Bridge, *fakeRepo, *fakeNotifier) {
	repo := newFakeRepo()
	notifier := &fakeNotifier{}
	return New(repo, notifier, zap.NewNop()), repo, notifier
}

func TestCreateRequiresApprovers(t *testing.T) {
	b, _, _ := newTestBridge()
	_, err := b.Create(context.Background(), "T1", "run-1", "alice", "deploy to prod?", "clar-1", domain.ApprovalPolicy{Quorum: domain.QuorumAny})
	if err == nil {
		t.Fatal("expected validation error for empty approver set")
	}
}

func TestDecideApproveAnyQuorum(t *testing.T) {
	b, _, notifier := newTestBridge()
	ctx := context.Background()
	a, err := b.Create(ctx, "T1", "run-1", "alice", "deploy?", "clar-1", domain.ApprovalPolicy{
		Approvers: []string{"bob", "carol"},
		Quorum:    domain.QuorumAny,
		Deadline:  time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}
	resolved, err := b.Decide(ctx, "T1", a.ApprovalID, "bob", "approve", "looks fine", "")
	if err != nil {
		t.Fatal(err)
	}
	if resolved.Status != domain.ApprovalApproved {
		t.Fatalf("expected Approved with any-quorum after one approve, got %s", resolved.Status)
	}
	if len(notifier.notified) != 1 {
		t.Fatalf("expected one notification, got %d", len(notifier.notified))
	}
}

func TestDecideRejectIsVeto(t *testing.T) {
	b, _, _ := newTestBridge()
	ctx := context.Background()
	a, _ := b.Create(ctx, "T1", "run-1", "alice", "deploy?", "clar-2", domain.ApprovalPolicy{
		Approvers: []string{"bob", "carol"},
		Quorum:    domain.QuorumAll,
		Deadline:  time.Now().Add(time.Hour),
	})
	resolved, err := b.Decide(ctx, "T1", a.ApprovalID, "bob", "reject", "too risky", "")
	if err != nil {
		t.Fatal(err)
	}
	if resolved.Status != domain.ApprovalRejected {
		t.Fatalf("expected Rejected, got %s", resolved.Status)
	}
}

func TestDecideAllQuorumRequiresEveryApprover(t *testing.T) {
	b, _, _ := newTestBridge()
	ctx := context.Background()
	a, _ := b.Create(ctx, "T1", "run-1", "alice", "deploy?", "clar-3", domain.ApprovalPolicy{
		Approvers: []string{"bob", "carol"},
		Quorum:    domain.QuorumAll,
		Deadline:  time.Now().Add(time.Hour),
	})
	resolved, err := b.Decide(ctx, "T1", a.ApprovalID, "bob", "approve", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if resolved.Status != domain.ApprovalInProgress {
		t.Fatalf("expected still InProgress after one of two approvals, got %s", resolved.Status)
	}
	resolved, err = b.Decide(ctx, "T1", a.ApprovalID, "carol", "approve", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if resolved.Status != domain.ApprovalApproved {
		t.Fatalf("expected Approved once all approvers signed, got %s", resolved.Status)
	}
}

func TestDecideRejectsIneligibleApprover(t *testing.T) {
	b, _, _ := newTestBridge()
	ctx := context.Background()
	a, _ := b.Create(ctx, "T1", "run-1", "alice", "deploy?", "clar-4", domain.ApprovalPolicy{
		Approvers: []string{"bob"},
		Quorum:    domain.QuorumAny,
		Deadline:  time.Now().Add(time.Hour),
	})
	_, err := b.Decide(ctx, "T1", a.ApprovalID, "mallory", "approve", "", "")
	if err == nil {
		t.Fatal("expected unauthorized error for non-approver")
	}
}

func TestSweepDeadlinesEscalates(t *testing.T) {
	b, repo, _ := newTestBridge()
	ctx := context.Background()
	a, _ := b.Create(ctx, "T1", "run-1", "alice", "deploy?", "clar-5", domain.ApprovalPolicy{
		Approvers:        []string{"bob"},
		Quorum:           domain.QuorumAny,
		Deadline:         time.Now().Add(-time.Minute),
		EscalationTarget: []string{"carol"},
	})
	n, err := b.SweepDeadlines(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 overdue approval swept, got %d", n)
	}
	updated := repo.byID[a.ApprovalID]
	if updated.Status != domain.ApprovalEscalated {
		t.Fatalf("expected Escalated, got %s", updated.Status)
	}
	if updated.Policy.Approvers[0] != "carol" {
		t.Fatalf("expected approvers to become escalation target, got %v", updated.Policy.Approvers)
	}
}

func TestSweepDeadlinesExpiresWithoutEscalationTarget(t *testing.T) {
	b, repo, notifier := newTestBridge()
	ctx := context.Background()
	a, _ := b.Create(ctx, "T1", "run-1", "alice", "deploy?", "clar-6", domain.ApprovalPolicy{
		Approvers: []string{"bob"},
		Quorum:    domain.QuorumAny,
		Deadline:  time.Now().Add(-time.Minute),
	})
	_, err := b.SweepDeadlines(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if repo.byID[a.ApprovalID].Status != domain.ApprovalExpired {
		t.Fatalf("expected Expired, got %s", repo.byID[a.ApprovalID].Status)
	}
	if len(notifier.notified) != 1 {
		t.Fatalf("expected notify on expiry, got %d", len(notifier.notified))
	}
}

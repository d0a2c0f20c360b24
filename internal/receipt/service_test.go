package receipt

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/anumate/orchestrator/internal/crypto"
	"github.com/anumate/orchestrator/internal/domain"
)

type fakeRepo struct {
	receipts map[string]*domain.Receipt
	heads    map[string]string
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{receipts: make(map[string]*domain.Receipt), heads: make(map[string]string)}
}

func (f *fakeRepo) CreateReceipt(ctx context.Context, r *domain.Receipt) error {
	f.receipts[r.ReceiptID] = r
	return nil
}

func (f *fakeRepo) GetReceipt(ctx context.Context, tenantID, receiptID string) (*domain.Receipt, error) {
	r, ok := f.receipts[receiptID]
	if !ok || r.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return r, nil
}

func (f *fakeRepo) ClaimReceiptChainHead(ctx context.Context, tenantID, newHead string) (string, error) {
	prior := f.heads[tenantID]
	f.heads[tenantID] = newHead
	return prior, nil
}

func testRun() *domain.ExecutionRun {
	completed := time.Now().UTC()
	return &domain.ExecutionRun{
		RunID:              "run-1",
		TenantID:           "T1",
		PlanHash:           "plan-hash",
		Status:             domain.RunSucceeded,
		CapabilityTokenRef: "jti-1",
		StartedAt:          completed.Add(-time.Minute),
		CompletedAt:        &completed,
	}
}

func TestCreateChainsHeadAcrossReceipts(t *testing.T) {
	repo := newFakeRepo()
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	svc := New(repo, nil, kp.Private, kp.Public, zap.NewNop())

	r1, err := svc.Create(context.Background(), testRun(), "digest-1")
	if err != nil {
		t.Fatal(err)
	}
	if r1.PriorReceiptHash != "" {
		t.Fatalf("expected empty prior hash for first receipt, got %q", r1.PriorReceiptHash)
	}

	r2, err := svc.Create(context.Background(), testRun(), "digest-2")
	if err != nil {
		t.Fatal(err)
	}
	if r2.PriorReceiptHash != r1.ContentHash {
		t.Fatalf("expected second receipt to chain to first, got %q want %q", r2.PriorReceiptHash, r1.ContentHash)
	}
}

func TestVerifyRoundTrip(t *testing.T) {
	repo := newFakeRepo()
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	svc := New(repo, nil, kp.Private, kp.Public, zap.NewNop())

	run := testRun()
	r, err := svc.Create(context.Background(), run, "digest-1")
	if err != nil {
		t.Fatal(err)
	}

	payload := domain.ReceiptPayload{
		RunID:              run.RunID,
		PlanHash:           run.PlanHash,
		TenantID:           run.TenantID,
		Status:             run.Status,
		ResultsDigest:      "digest-1",
		StartedAt:          run.StartedAt,
		CompletedAt:        *run.CompletedAt,
		CapabilityTokenJTI: run.CapabilityTokenRef,
	}
	result, err := svc.Verify(context.Background(), r, payload)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Valid {
		t.Fatalf("expected valid receipt, got invalid: %s", result.Reason)
	}
}

func TestVerifyDetectsTamperedPayload(t *testing.T) {
	repo := newFakeRepo()
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	svc := New(repo, nil, kp.Private, kp.Public, zap.NewNop())

	run := testRun()
	r, err := svc.Create(context.Background(), run, "digest-1")
	if err != nil {
		t.Fatal(err)
	}

	payload := domain.ReceiptPayload{
		RunID:              run.RunID,
		PlanHash:           run.PlanHash,
		TenantID:           run.TenantID,
		Status:             domain.RunFailed, // tampered
		ResultsDigest:      "digest-1",
		StartedAt:          run.StartedAt,
		CompletedAt:        *run.CompletedAt,
		CapabilityTokenJTI: run.CapabilityTokenRef,
	}
	result, err := svc.Verify(context.Background(), r, payload)
	if err != nil {
		t.Fatal(err)
	}
	if result.Valid {
		t.Fatal("expected tampered payload to fail verification")
	}
}

func TestWormExportAndFetchRoundTrip(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileWORMSink(dir)
	if err != nil {
		t.Fatal(err)
	}
	repo := newFakeRepo()
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	svc := New(repo, sink, kp.Private, kp.Public, zap.NewNop())

	run := testRun()
	r, err := svc.Create(context.Background(), run, "digest-1")
	if err != nil {
		t.Fatal(err)
	}
	if r.WORMURI == "" {
		t.Fatal("expected worm uri to be set")
	}

	payload := domain.ReceiptPayload{
		RunID:              run.RunID,
		PlanHash:           run.PlanHash,
		TenantID:           run.TenantID,
		Status:             run.Status,
		ResultsDigest:      "digest-1",
		StartedAt:          run.StartedAt,
		CompletedAt:        *run.CompletedAt,
		CapabilityTokenJTI: run.CapabilityTokenRef,
	}
	result, err := svc.Verify(context.Background(), r, payload)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Valid {
		t.Fatalf("expected valid receipt with worm cross-check, got: %s", result.Reason)
	}
}

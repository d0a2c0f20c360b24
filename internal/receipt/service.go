// Package receipt implements the Receipts component: tamper-evident,
// optionally chained, optionally WORM-exported records of execution
// outcomes.
package receipt

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/anumate/orchestrator/internal/apperr"
	"github.com/anumate/orchestrator/internal/crypto"
	"github.com/anumate/orchestrator/internal/domain"
)

// Repository is the persistence surface the Receipts service needs from
// internal/store/postgres.
type Repository interface {
	CreateReceipt(ctx context.Context, r *domain.Receipt) error
	GetReceipt(ctx context.Context, tenantID, receiptID string) (*domain.Receipt, error)
	ClaimReceiptChainHead(ctx context.Context, tenantID, newHead string) (string, error)
}

// WORMSink is an append-only export target for receipts (spec.md §4.6 step
// 5, "optionally export to an append-only WORM sink").
type WORMSink interface {
	Export(ctx context.Context, r *domain.Receipt, payload []byte) (uri string, err error)
	Fetch(ctx context.Context, uri string) ([]byte, error)
}

// Service implements Receipts creation and verification.
type Service struct {
	repo    Repository
	worm    WORMSink // optional; nil disables WORM export
	priv    ed25519.PrivateKey
	pub     ed25519.PublicKey
	logger  *zap.Logger
}

// New constructs a Service. worm may be nil to disable WORM export.
func New(repo Repository, worm WORMSink, priv ed25519.PrivateKey, pub ed25519.PublicKey, logger *zap.Logger) *Service {
	return &Service{repo: repo, worm: worm, priv: priv, pub: pub, logger: logger.Named("receipts")}
}

// Create assembles, hashes, signs, chains, and persists a Receipt for a
// completed ExecutionRun (spec.md §4.6 steps 1-5).
func (s *Service) Create(ctx context.Context, run *domain.ExecutionRun, resultsDigest string) (*domain.Receipt, error) {
	completedAt := time.Now().UTC()
	if run.CompletedAt != nil {
		completedAt = *run.CompletedAt
	}
	payload := domain.ReceiptPayload{
		RunID:              run.RunID,
		PlanHash:           run.PlanHash,
		TenantID:           run.TenantID,
		Status:             run.Status,
		ResultsDigest:      resultsDigest,
		StartedAt:          run.StartedAt,
		CompletedAt:        completedAt,
		CapabilityTokenJTI: run.CapabilityTokenRef,
	}

	contentHash, err := crypto.SHA256HashJSON(payload)
	if err != nil {
		return nil, fmt.Errorf("receipt: hash payload: %w", err)
	}
	signature := crypto.Sign(s.priv, []byte(contentHash))

	priorHead, err := s.repo.ClaimReceiptChainHead(ctx, run.TenantID, contentHash)
	if err != nil {
		return nil, fmt.Errorf("receipt: claim chain head: %w", err)
	}

	r := &domain.Receipt{
		ReceiptID:        uuid.NewString(),
		TenantID:         run.TenantID,
		RunID:            run.RunID,
		ContentHash:      contentHash,
		Signature:        signature,
		PriorReceiptHash: priorHead,
		CreatedAt:        time.Now().UTC(),
	}

	if s.worm != nil {
		canon, err := crypto.Canonical(payload)
		if err != nil {
			return nil, fmt.Errorf("receipt: canonicalize for worm export: %w", err)
		}
		uri, err := s.worm.Export(ctx, r, canon)
		if err != nil {
			// WORM export is best-effort: a receipt is still valid and
			// verifiable without it, so log and continue rather than fail
			// the run over an export sink outage.
			s.logger.Warn("worm export failed", zap.String("receipt_id", r.ReceiptID), zap.Error(err))
		} else {
			r.WORMURI = uri
		}
	}

	if err := s.repo.CreateReceipt(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Get fetches a receipt by ID, scoped to tenantID.
func (s *Service) Get(ctx context.Context, tenantID, receiptID string) (*domain.Receipt, error) {
	return s.repo.GetReceipt(ctx, tenantID, receiptID)
}

// Verify recomputes the content hash from payload, checks the signature, and
// optionally cross-checks the WORM-exported copy (spec.md §4.6 Verification).
func (s *Service) Verify(ctx context.Context, r *domain.Receipt, payload domain.ReceiptPayload) (*domain.VerifyResult, error) {
	recomputed, err := crypto.SHA256HashJSON(payload)
	if err != nil {
		return nil, fmt.Errorf("receipt: recompute hash: %w", err)
	}
	if recomputed != r.ContentHash {
		return &domain.VerifyResult{Valid: false, Reason: "content hash mismatch"}, nil
	}
	ok, err := crypto.Verify(s.pub, []byte(r.ContentHash), r.Signature)
	if err != nil {
		return &domain.VerifyResult{Valid: false, Reason: "malformed signature"}, nil
	}
	if !ok {
		return &domain.VerifyResult{Valid: false, Reason: "signature verification failed"}, nil
	}

	if r.WORMURI != "" && s.worm != nil {
		stored, err := s.worm.Fetch(ctx, r.WORMURI)
		if err != nil {
			return &domain.VerifyResult{Valid: false, Reason: "worm fetch failed: " + err.Error()}, nil
		}
		canon, err := crypto.Canonical(payload)
		if err != nil {
			return nil, fmt.Errorf("receipt: canonicalize for worm comparison: %w", err)
		}
		if string(stored) != string(canon) {
			return &domain.VerifyResult{Valid: false, Reason: "worm content mismatch"}, nil
		}
	}

	return &domain.VerifyResult{Valid: true}, nil
}

// ErrNotFound mirrors the repository's not-found sentinel for callers that
// only need to distinguish "no receipt" from other errors.
var ErrNotFound = apperr.NotFound("receipt_not_found", "receipt not found")

package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/anumate/orchestrator/internal/apperr"
	"github.com/anumate/orchestrator/internal/domain"
)

// CreateReceipt inserts an immutable Receipt row.
func (s *Store) CreateReceipt(ctx context.Context, r *domain.Receipt) error {
	query := `INSERT INTO receipts (receipt_id, tenant_id, run_id, content_hash, signature,
	              prior_receipt_hash, worm_uri, created_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := s.pool.Exec(ctx, query, r.ReceiptID, r.TenantID, r.RunID, r.ContentHash, r.Signature,
		nullableString(r.PriorReceiptHash), nullableString(r.WORMURI), r.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: insert receipt: %w", err)
	}
	return nil
}

// GetReceipt fetches a receipt scoped to tenantID.
func (s *Store) GetReceipt(ctx context.Context, tenantID, receiptID string) (*domain.Receipt, error) {
	query := `SELECT receipt_id, tenant_id, run_id, content_hash, signature, prior_receipt_hash, worm_uri, created_at
	          FROM receipts WHERE tenant_id = $1 AND receipt_id = $2`
	row := s.pool.QueryRow(ctx, query, tenantID, receiptID)

	var r domain.Receipt
	var prior, worm *string
	err := row.Scan(&r.ReceiptID, &r.TenantID, &r.RunID, &r.ContentHash, &r.Signature, &prior, &worm, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("receipt_not_found", "receipt not found")
		}
		return nil, fmt.Errorf("postgres: scan receipt: %w", err)
	}
	if prior != nil {
		r.PriorReceiptHash = *prior
	}
	if worm != nil {
		r.WORMURI = *worm
	}
	return &r, nil
}

// ClaimReceiptChainHead atomically reads and advances the per-tenant receipt
// chain head, returning the previous head (empty for the first receipt of a
// tenant). A single statement (a CTE that reads the current head, then an
// INSERT ... ON CONFLICT DO UPDATE) avoids a read-then-write race on the head.
func (s *Store) ClaimReceiptChainHead(ctx context.Context, tenantID, newHead string) (string, error) {
	// A CTE reads the current head under FOR UPDATE before the upsert writes
	// the new one, so the prior head returned to the caller reflects exactly
	// what this call replaced, not a subsequent concurrent write.
	const claim = `
		WITH prior AS (
			SELECT head_hash FROM receipt_chain_heads WHERE tenant_id = $1 FOR UPDATE
		), upsert AS (
			INSERT INTO receipt_chain_heads (tenant_id, head_hash)
			VALUES ($1, $2)
			ON CONFLICT (tenant_id) DO UPDATE SET head_hash = EXCLUDED.head_hash
		)
		SELECT COALESCE((SELECT head_hash FROM prior), '')`
	var prior string
	if err := s.pool.QueryRow(ctx, claim, tenantID, newHead).Scan(&prior); err != nil {
		return "", fmt.Errorf("postgres: claim receipt chain head: %w", err)
	}
	return prior, nil
}

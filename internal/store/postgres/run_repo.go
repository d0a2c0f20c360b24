package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/anumate/orchestrator/internal/apperr"
	"github.com/anumate/orchestrator/internal/domain"
)

// CreateRun inserts a new ExecutionRun row in Pending state.
func (s *Store) CreateRun(ctx context.Context, r *domain.ExecutionRun) error {
	params, err := json.Marshal(r.Parameters)
	if err != nil {
		return fmt.Errorf("postgres: marshal run parameters: %w", err)
	}
	query := `INSERT INTO runs (run_id, tenant_id, plan_hash, engine, parameters, require_approval,
	              status, progress, idempotency_key, correlation_id, started_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err = s.pool.Exec(ctx, query, r.RunID, r.TenantID, r.PlanHash, r.Engine, params, r.RequireApproval,
		r.Status, r.Progress, nullableString(r.IdempotencyKey), r.CorrelationID, r.StartedAt)
	if err != nil {
		return fmt.Errorf("postgres: insert run: %w", err)
	}
	return nil
}

// GetRun fetches a run scoped to tenantID.
func (s *Store) GetRun(ctx context.Context, tenantID, runID string) (*domain.ExecutionRun, error) {
	query := `SELECT run_id, tenant_id, plan_hash, engine, parameters, require_approval, status, progress,
	              results, capability_token_ref, approval_ids, receipt_id, idempotency_key, correlation_id,
	              failure_reason, started_at, completed_at
	          FROM runs WHERE tenant_id = $1 AND run_id = $2`
	row := s.pool.QueryRow(ctx, query, tenantID, runID)
	return scanRun(row)
}

func scanRun(row pgx.Row) (*domain.ExecutionRun, error) {
	var r domain.ExecutionRun
	var params, results, approvalIDs []byte
	var capRef, receiptID, idemKey, failureReason *string
	err := row.Scan(&r.RunID, &r.TenantID, &r.PlanHash, &r.Engine, &params, &r.RequireApproval, &r.Status,
		&r.Progress, &results, &capRef, &approvalIDs, &receiptID, &idemKey, &r.CorrelationID,
		&failureReason, &r.StartedAt, &r.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("run_not_found", "execution run not found")
		}
		return nil, fmt.Errorf("postgres: scan run: %w", err)
	}
	if len(params) > 0 {
		_ = json.Unmarshal(params, &r.Parameters)
	}
	if len(results) > 0 {
		_ = json.Unmarshal(results, &r.Results)
	}
	if len(approvalIDs) > 0 {
		_ = json.Unmarshal(approvalIDs, &r.ApprovalIDs)
	}
	if capRef != nil {
		r.CapabilityTokenRef = *capRef
	}
	if receiptID != nil {
		r.ReceiptID = *receiptID
	}
	if idemKey != nil {
		r.IdempotencyKey = *idemKey
	}
	if failureReason != nil {
		r.FailureReason = *failureReason
	}
	return &r, nil
}

// UpdateRunState atomically transitions status and persists progress,
// results, and terminal metadata. The WHERE clause enforces that a run
// already in a terminal state cannot be transitioned again (spec.md
// TESTABLE PROPERTIES #8, "no run leaves a terminal state").
func (s *Store) UpdateRunState(ctx context.Context, r *domain.ExecutionRun) error {
	results, err := json.Marshal(r.Results)
	if err != nil {
		return fmt.Errorf("postgres: marshal run results: %w", err)
	}
	approvalIDs, err := json.Marshal(r.ApprovalIDs)
	if err != nil {
		return fmt.Errorf("postgres: marshal approval ids: %w", err)
	}
	query := `UPDATE runs SET status = $1, progress = $2, results = $3, capability_token_ref = $4,
	              approval_ids = $5, receipt_id = $6, failure_reason = $7, completed_at = $8
	          WHERE tenant_id = $9 AND run_id = $10
	              AND status NOT IN ('Succeeded', 'Failed', 'Cancelled')`
	tag, err := s.pool.Exec(ctx, query, r.Status, r.Progress, results, nullableString(r.CapabilityTokenRef),
		approvalIDs, nullableString(r.ReceiptID), nullableString(r.FailureReason), r.CompletedAt,
		r.TenantID, r.RunID)
	if err != nil {
		return fmt.Errorf("postgres: update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.Conflict("invalid_run_transition", "run is already in a terminal state or does not exist")
	}
	return nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

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

// CreateApproval inserts a new ApprovalStep in Pending state.
func (s *Store) CreateApproval(ctx context.Context, a *domain.ApprovalStep) error {
	policy, err := json.Marshal(a.Policy)
	if err != nil {
		return fmt.Errorf("postgres: marshal approval policy: %w", err)
	}
	query := `INSERT INTO approvals (approval_id, run_id, tenant_id, requester, clarification, clarification_id,
	              policy, status, created_at, updated_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err = s.pool.Exec(ctx, query, a.ApprovalID, a.RunID, a.TenantID, a.Requester, a.Clarification,
		a.ClarificationID, policy, a.Status, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: insert approval: %w", err)
	}
	return nil
}

// GetApproval fetches an approval step scoped to tenantID.
func (s *Store) GetApproval(ctx context.Context, tenantID, approvalID string) (*domain.ApprovalStep, error) {
	query := `SELECT approval_id, run_id, tenant_id, requester, clarification, clarification_id, policy,
	              status, decisions, decision_metadata, created_at, updated_at
	          FROM approvals WHERE tenant_id = $1 AND approval_id = $2`
	row := s.pool.QueryRow(ctx, query, tenantID, approvalID)
	return scanApproval(row)
}

// GetApprovalByClarification supports ApprovalsBridge.poll_by_clarification.
func (s *Store) GetApprovalByClarification(ctx context.Context, tenantID, clarificationID string) (*domain.ApprovalStep, error) {
	query := `SELECT approval_id, run_id, tenant_id, requester, clarification, clarification_id, policy,
	              status, decisions, decision_metadata, created_at, updated_at
	          FROM approvals WHERE tenant_id = $1 AND clarification_id = $2
	          ORDER BY created_at DESC LIMIT 1`
	row := s.pool.QueryRow(ctx, query, tenantID, clarificationID)
	return scanApproval(row)
}

func scanApproval(row pgx.Row) (*domain.ApprovalStep, error) {
	var a domain.ApprovalStep
	var policy, decisions, meta []byte
	err := row.Scan(&a.ApprovalID, &a.RunID, &a.TenantID, &a.Requester, &a.Clarification, &a.ClarificationID,
		&policy, &a.Status, &decisions, &meta, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("approval_not_found", "approval not found")
		}
		return nil, fmt.Errorf("postgres: scan approval: %w", err)
	}
	if len(policy) > 0 {
		_ = json.Unmarshal(policy, &a.Policy)
	}
	if len(decisions) > 0 {
		_ = json.Unmarshal(decisions, &a.Decisions)
	}
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &a.DecisionMetadata)
	}
	return &a, nil
}

// UpdateApprovalDecision atomically records a decision and transitions
// status, guarded so only one open approval per run can be resolved once
// (spec.md §3, "One open approval per run at a time").
func (s *Store) UpdateApprovalDecision(ctx context.Context, a *domain.ApprovalStep) error {
	decisions, err := json.Marshal(a.Decisions)
	if err != nil {
		return fmt.Errorf("postgres: marshal decisions: %w", err)
	}
	meta, err := json.Marshal(a.DecisionMetadata)
	if err != nil {
		return fmt.Errorf("postgres: marshal decision metadata: %w", err)
	}
	query := `UPDATE approvals SET status = $1, decisions = $2, decision_metadata = $3,
	              policy = $4, updated_at = $5
	          WHERE tenant_id = $6 AND approval_id = $7
	              AND status NOT IN ('Approved', 'Rejected', 'Done')`
	policy, err := json.Marshal(a.Policy)
	if err != nil {
		return fmt.Errorf("postgres: marshal policy: %w", err)
	}
	tag, err := s.pool.Exec(ctx, query, a.Status, decisions, meta, policy, a.UpdatedAt, a.TenantID, a.ApprovalID)
	if err != nil {
		return fmt.Errorf("postgres: update approval: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.Conflict("approval_already_resolved", "approval has already reached a final decision")
	}
	return nil
}

// ListPendingApprovalsPastDeadline supports the ApprovalsBridge timeout
// sweep: expired steps are picked up by policy (fail or escalate).
func (s *Store) ListPendingApprovalsPastDeadline(ctx context.Context) ([]*domain.ApprovalStep, error) {
	query := `SELECT approval_id, run_id, tenant_id, requester, clarification, clarification_id, policy,
	              status, decisions, decision_metadata, created_at, updated_at
	          FROM approvals
	          WHERE status IN ('Pending', 'InProgress')
	              AND (policy->>'deadline')::timestamptz < NOW()`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: query overdue approvals: %w", err)
	}
	defer rows.Close()

	var out []*domain.ApprovalStep
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

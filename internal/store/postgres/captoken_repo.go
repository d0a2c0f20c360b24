package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anumate/orchestrator/internal/domain"
)

// RecordTokenAudit persists a CapabilityTokens audit entry (ISSUED, VERIFIED,
// FAILED, REVOKED, REFRESHED). Implements captoken.AuditSink.
func (s *Store) RecordTokenAudit(ctx context.Context, entry domain.AuditEntry) error {
	attrs, err := json.Marshal(entry.Attrs)
	if err != nil {
		return fmt.Errorf("postgres: marshal audit attrs: %w", err)
	}
	query := `INSERT INTO capability_tokens_audit (id, tenant_id, event, jti, actor, reason, attrs, correlation_id, occurred_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err = s.pool.Exec(ctx, query, entry.ID, entry.TenantID, entry.Event, entry.Subject, entry.Actor,
		entry.Reason, attrs, entry.CorrelationID, entry.Timestamp)
	if err != nil {
		return fmt.Errorf("postgres: insert token audit: %w", err)
	}
	return nil
}

// RecordApprovalAudit persists an ApprovalsBridge audit entry.
func (s *Store) RecordApprovalAudit(ctx context.Context, entry domain.AuditEntry) error {
	attrs, err := json.Marshal(entry.Attrs)
	if err != nil {
		return fmt.Errorf("postgres: marshal audit attrs: %w", err)
	}
	query := `INSERT INTO approvals_audit (id, tenant_id, event, approval_id, actor, reason, attrs, correlation_id, occurred_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err = s.pool.Exec(ctx, query, entry.ID, entry.TenantID, entry.Event, entry.Subject, entry.Actor,
		entry.Reason, attrs, entry.CorrelationID, entry.Timestamp)
	if err != nil {
		return fmt.Errorf("postgres: insert approval audit: %w", err)
	}
	return nil
}

// ListAudit powers GET /v1/receipts/audit, scoped to tenantID with
// limit/offset pagination.
func (s *Store) ListAudit(ctx context.Context, tenantID string, limit, offset int) ([]domain.AuditEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `SELECT id, tenant_id, event, jti, actor, reason, attrs, correlation_id, occurred_at
	          FROM capability_tokens_audit WHERE tenant_id = $1
	          ORDER BY occurred_at DESC LIMIT $2 OFFSET $3`
	rows, err := s.pool.Query(ctx, query, tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("postgres: query audit: %w", err)
	}
	defer rows.Close()

	out := make([]domain.AuditEntry, 0, limit)
	for rows.Next() {
		var e domain.AuditEntry
		var attrs []byte
		if err := rows.Scan(&e.ID, &e.TenantID, &e.Event, &e.Subject, &e.Actor, &e.Reason, &attrs, &e.CorrelationID, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("postgres: scan audit row: %w", err)
		}
		if len(attrs) > 0 {
			_ = json.Unmarshal(attrs, &e.Attrs)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

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

// ReserveIdempotencyRecord inserts a record with status=InFlight if (and
// only if) no record with this key exists yet for the tenant. If one
// already exists it is returned instead, letting the orchestrator decide
// between "return cached" and "Conflict" based on fingerprint comparison.
func (s *Store) ReserveIdempotencyRecord(ctx context.Context, rec *domain.IdempotencyRecord) (*domain.IdempotencyRecord, bool, error) {
	query := `INSERT INTO idempotency_records (key, tenant_id, request_fingerprint, status, expires_at, created_at)
	          VALUES ($1, $2, $3, $4, $5, $6)
	          ON CONFLICT (tenant_id, key) DO NOTHING`
	tag, err := s.pool.Exec(ctx, query, rec.Key, rec.TenantID, rec.RequestFingerprint, rec.Status, rec.ExpiresAt, rec.CreatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("postgres: reserve idempotency record: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return rec, true, nil
	}
	existing, err := s.GetIdempotencyRecord(ctx, rec.TenantID, rec.Key)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// GetIdempotencyRecord fetches the record for (tenant, key).
func (s *Store) GetIdempotencyRecord(ctx context.Context, tenantID, key string) (*domain.IdempotencyRecord, error) {
	query := `SELECT key, tenant_id, request_fingerprint, status, cached_response, expires_at, created_at
	          FROM idempotency_records WHERE tenant_id = $1 AND key = $2`
	row := s.pool.QueryRow(ctx, query, tenantID, key)
	var rec domain.IdempotencyRecord
	var cached []byte
	err := row.Scan(&rec.Key, &rec.TenantID, &rec.RequestFingerprint, &rec.Status, &cached, &rec.ExpiresAt, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("idempotency_record_not_found", "idempotency record not found")
		}
		return nil, fmt.Errorf("postgres: scan idempotency record: %w", err)
	}
	if len(cached) > 0 {
		_ = json.Unmarshal(cached, &rec.CachedResponse)
	}
	return &rec, nil
}

// FinalizeIdempotencyRecord transitions an InFlight record to its terminal
// status and stores the cached response, guarded so a record already
// finalized is not overwritten by a racing duplicate completion.
func (s *Store) FinalizeIdempotencyRecord(ctx context.Context, tenantID, key string, status domain.IdempotencyStatus, cached map[string]any) error {
	body, err := json.Marshal(cached)
	if err != nil {
		return fmt.Errorf("postgres: marshal cached response: %w", err)
	}
	query := `UPDATE idempotency_records SET status = $1, cached_response = $2
	          WHERE tenant_id = $3 AND key = $4 AND status = 'InFlight'`
	tag, err := s.pool.Exec(ctx, query, status, body, tenantID, key)
	if err != nil {
		return fmt.Errorf("postgres: finalize idempotency record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.Conflict("idempotency_already_finalized", "idempotency record already finalized")
	}
	return nil
}

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

// SavePlan upserts an ExecutablePlan keyed by plan_hash; PlanCompiler.compile
// is idempotent so a re-compile of the same capsule is a no-op write.
func (s *Store) SavePlan(ctx context.Context, p *domain.ExecutablePlan) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("postgres: marshal plan: %w", err)
	}
	query := `INSERT INTO plans (plan_hash, tenant_id, body, created_at)
	          VALUES ($1, $2, $3, $4)
	          ON CONFLICT (plan_hash) DO NOTHING`
	_, err = s.pool.Exec(ctx, query, p.PlanHash, p.TenantID, body, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: insert plan: %w", err)
	}
	return nil
}

// GetPlan retrieves a compiled plan by hash, scoped to tenantID.
func (s *Store) GetPlan(ctx context.Context, tenantID, planHash string) (*domain.ExecutablePlan, error) {
	query := `SELECT body FROM plans WHERE tenant_id = $1 AND plan_hash = $2`
	row := s.pool.QueryRow(ctx, query, tenantID, planHash)
	var body []byte
	if err := row.Scan(&body); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("plan_not_found", "plan not found")
		}
		return nil, fmt.Errorf("postgres: scan plan: %w", err)
	}
	var plan domain.ExecutablePlan
	if err := json.Unmarshal(body, &plan); err != nil {
		return nil, fmt.Errorf("postgres: unmarshal plan: %w", err)
	}
	return &plan, nil
}

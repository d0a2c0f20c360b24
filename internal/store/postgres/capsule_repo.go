package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/anumate/orchestrator/internal/apperr"
	"github.com/anumate/orchestrator/internal/domain"
)

const pgUniqueViolation = "23505"

// CreateCapsule inserts a new, immutable Capsule row.
func (s *Store) CreateCapsule(ctx context.Context, c *domain.Capsule) error {
	def, err := json.Marshal(c.Definition)
	if err != nil {
		return fmt.Errorf("postgres: marshal capsule definition: %w", err)
	}
	query := `INSERT INTO capsules (id, tenant_id, name, version, definition, checksum, signature, created_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err = s.pool.Exec(ctx, query, c.ID, c.TenantID, c.Name, c.Version, def, c.Checksum, c.Signature, c.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.Conflict("capsule_exists", fmt.Sprintf("capsule %s@%s already exists", c.Name, c.Version))
		}
		return fmt.Errorf("postgres: insert capsule: %w", err)
	}
	return nil
}

// GetCapsule fetches a capsule scoped to tenantID; a capsule from another
// tenant is indistinguishable from one that does not exist (spec.md
// TESTABLE PROPERTIES #6, tenant isolation).
func (s *Store) GetCapsule(ctx context.Context, tenantID, id string) (*domain.Capsule, error) {
	query := `SELECT id, tenant_id, name, version, definition, checksum, signature, deleted_at, created_at
	          FROM capsules WHERE tenant_id = $1 AND id = $2`
	row := s.pool.QueryRow(ctx, query, tenantID, id)
	return scanCapsule(row)
}

// GetCapsuleByNameVersion resolves a "name@version" dependency reference for
// the PlanCompiler's Resolver.
func (s *Store) GetCapsuleByNameVersion(ctx context.Context, tenantID, name, version string) (*domain.Capsule, error) {
	query := `SELECT id, tenant_id, name, version, definition, checksum, signature, deleted_at, created_at
	          FROM capsules WHERE tenant_id = $1 AND name = $2 AND version = $3 AND deleted_at IS NULL`
	row := s.pool.QueryRow(ctx, query, tenantID, name, version)
	return scanCapsule(row)
}

func scanCapsule(row pgx.Row) (*domain.Capsule, error) {
	var c domain.Capsule
	var def []byte
	err := row.Scan(&c.ID, &c.TenantID, &c.Name, &c.Version, &def, &c.Checksum, &c.Signature, &c.DeletedAt, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("capsule_not_found", "capsule not found")
		}
		return nil, fmt.Errorf("postgres: scan capsule: %w", err)
	}
	if err := json.Unmarshal(def, &c.Definition); err != nil {
		return nil, fmt.Errorf("postgres: unmarshal capsule definition: %w", err)
	}
	return &c, nil
}

// SoftDeleteCapsule marks a capsule as deleted without removing the row.
func (s *Store) SoftDeleteCapsule(ctx context.Context, tenantID, id string) error {
	query := `UPDATE capsules SET deleted_at = NOW() WHERE tenant_id = $1 AND id = $2 AND deleted_at IS NULL`
	tag, err := s.pool.Exec(ctx, query, tenantID, id)
	if err != nil {
		return fmt.Errorf("postgres: soft delete capsule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("capsule_not_found", "capsule not found")
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

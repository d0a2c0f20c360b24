// Package postgres persists every table in spec.md §6.3 (capsules, plans,
// runs, approvals, capability_tokens, receipts, events, audit) behind a
// pgxpool.Pool. Per-tenant lookups are filtered by tenant_id; the approval
// deadline sweep (ListPendingApprovalsPastDeadline) reads across tenants.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store bundles a pgxpool.Pool with the repository methods defined across
// this package's files (capsule_repo.go, plan_repo.go, run_repo.go, ...).
type Store struct {
	pool *pgxpool.Pool
}

// Open creates a pgxpool.Pool from dsn and wraps it in a Store.
func Open(ctx context.Context, dsn string, maxConns, minConns int32) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if minConns > 0 {
		cfg.MinConns = minConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool wraps an already-constructed pool, for tests using pgxmock or
// a real test database.
func NewWithPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping verifies connectivity, used by health checks at startup.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anumate/orchestrator/internal/domain"
)

// RecordEvent persists a durable copy of every published CloudEvent, giving
// the EventBus a replay-by-start-position source of truth independent of
// the Redis Stream's own retention window.
func (s *Store) RecordEvent(ctx context.Context, ev domain.CloudEvent) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("postgres: marshal event data: %w", err)
	}
	query := `INSERT INTO events (id, tenant_id, source, type, subject, occurred_at, data)
	          VALUES ($1, $2, $3, $4, $5, $6, $7)
	          ON CONFLICT (id) DO NOTHING`
	_, err = s.pool.Exec(ctx, query, ev.ID, ev.TenantID, ev.Source, ev.Type, ev.Subject(), ev.Time, data)
	if err != nil {
		return fmt.Errorf("postgres: insert event: %w", err)
	}
	return nil
}

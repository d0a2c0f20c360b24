package infra

import "context"

type ctxKey string

const (
	tenantIDKey      ctxKey = "tenant_id"
	correlationIDKey ctxKey = "correlation_id"
	actorKey         ctxKey = "actor"
)

// WithTenantID attaches the active tenant to ctx. Every persistence-layer
// query consults this value for its mandatory tenant-scoped row filter.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDKey, tenantID)
}

// TenantID extracts the active tenant, or "" if none was set.
func TenantID(ctx context.Context) string {
	id, _ := ctx.Value(tenantIDKey).(string)
	return id
}

// WithCorrelationID attaches a request correlation ID to ctx.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// CorrelationID extracts the correlation ID, or "" if none was set.
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey).(string)
	return id
}

// WithActor attaches the authenticated actor (subject) to ctx.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// Actor extracts the authenticated actor, or "" if none was set.
func Actor(ctx context.Context) string {
	a, _ := ctx.Value(actorKey).(string)
	return a
}

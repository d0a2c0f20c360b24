package orchestrator

import "time"

// Config configures a single Orchestrator instance, mirroring
// internal/infra.Config's retry/orchestrator/idempotency blocks
// (spec.md §6.4).
type Config struct {
	Retry                      RetryPolicy
	MaxConcurrentRunsPerTenant int
	// DemoFallbackEnabled implements Open Question Decision #2: when true, a
	// tool invocation that exhausts retries returns a synthetic
	// "demo_fallback" result instead of failing the step. Defaults to false;
	// production wiring (cmd/orchestratord) never sets this.
	DemoFallbackEnabled  bool
	IdempotencyTTL       time.Duration
	ApprovalPollInterval time.Duration
	PausePollInterval    time.Duration
	// ApprovalDeadline and DefaultApprovers seed the ApprovalPolicy the
	// orchestrator opens when a run requires approval. spec.md's
	// POST /v1/approvals lets a caller name approvers explicitly; the
	// orchestrator's own auto-opened workflow (execute-time
	// require_approval=true) has no caller-supplied approver set, so it
	// falls back to this tenant-independent default pool. A per-tenant
	// approver directory is out of scope (see DESIGN.md).
	ApprovalDeadline time.Duration
	DefaultApprovers []string
}

// DefaultConfig returns production defaults matching internal/infra's
// viper defaults.
func DefaultConfig() Config {
	return Config{
		Retry:                      DefaultRetryPolicy(),
		MaxConcurrentRunsPerTenant: 50,
		DemoFallbackEnabled:        false,
		IdempotencyTTL:             24 * time.Hour,
		ApprovalPollInterval:       500 * time.Millisecond,
		PausePollInterval:          200 * time.Millisecond,
		ApprovalDeadline:           time.Hour,
		DefaultApprovers:           []string{"on-call-approver"},
	}
}

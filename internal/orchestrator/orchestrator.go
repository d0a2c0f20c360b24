// Package orchestrator implements the Orchestrator: the central state
// machine coordinating a single execution, per spec.md §4.7. It owns
// idempotency, capability binding, approval coupling, retried tool
// invocation, receipt issuance, and CloudEvents emission, serializing all
// transitions for a given run_id while runs proceed in parallel across the
// tenant.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/anumate/orchestrator/internal/apperr"
	"github.com/anumate/orchestrator/internal/crypto"
	"github.com/anumate/orchestrator/internal/domain"
)

// RunStore is the persistence surface for ExecutionRun rows.
type RunStore interface {
	CreateRun(ctx context.Context, r *domain.ExecutionRun) error
	GetRun(ctx context.Context, tenantID, runID string) (*domain.ExecutionRun, error)
	UpdateRunState(ctx context.Context, r *domain.ExecutionRun) error
}

// IdempotencyStore is the persistence surface for IdempotencyRecord rows.
type IdempotencyStore interface {
	ReserveIdempotencyRecord(ctx context.Context, rec *domain.IdempotencyRecord) (*domain.IdempotencyRecord, bool, error)
	FinalizeIdempotencyRecord(ctx context.Context, tenantID, key string, status domain.IdempotencyStatus, cached map[string]any) error
}

// CapabilityIssuer issues scoped capability tokens for a run's tool
// allowlist. *captoken.Service satisfies this.
type CapabilityIssuer interface {
	Issue(ctx context.Context, subject string, capabilities []string, ttl time.Duration, tenantID string) (*domain.CapabilityToken, error)
}

// ApprovalOpener is the narrow slice of internal/approval.Bridge the
// orchestrator needs to open and observe an approval workflow.
type ApprovalOpener interface {
	Create(ctx context.Context, tenantID, runID, requester, clarification, clarificationID string, policy domain.ApprovalPolicy) (*domain.ApprovalStep, error)
	Get(ctx context.Context, tenantID, approvalID string) (*domain.ApprovalStep, error)
}

// ReceiptIssuer is the narrow slice of internal/receipt.Service the
// orchestrator needs.
type ReceiptIssuer interface {
	Create(ctx context.Context, run *domain.ExecutionRun, resultsDigest string) (*domain.Receipt, error)
}

// EventPublisher is the narrow slice of internal/eventbus.Bus the
// orchestrator needs.
type EventPublisher interface {
	Publish(ctx context.Context, tenantID, eventType string, data map[string]any) (domain.CloudEvent, error)
}

// Orchestrator coordinates the full lifecycle of ExecutionRuns.
type Orchestrator struct {
	runs        RunStore
	idempotency IdempotencyStore
	plans       PlanResolver
	captoken    CapabilityIssuer
	approvals   ApprovalOpener
	receipts    ReceiptIssuer
	events      EventPublisher
	tool        ToolInvoker

	cfg      Config
	metrics  *Metrics
	logger   *zap.Logger
	runLocks *runLocks
	controls *runControls
	backpressure *tenantBackpressure

	wrappersMu sync.Mutex
	wrappers   map[string]*ReliabilityWrapper
}

// New constructs an Orchestrator. metrics may be nil to disable
// instrumentation (a private registry is used internally instead).
func New(
	runs RunStore,
	idempotency IdempotencyStore,
	plans PlanResolver,
	captoken CapabilityIssuer,
	approvals ApprovalOpener,
	receipts ReceiptIssuer,
	events EventPublisher,
	tool ToolInvoker,
	cfg Config,
	metrics *Metrics,
	logger *zap.Logger,
) *Orchestrator {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Orchestrator{
		runs: runs, idempotency: idempotency, plans: plans, captoken: captoken,
		approvals: approvals, receipts: receipts, events: events, tool: tool,
		cfg: cfg, metrics: metrics, logger: logger.Named("orchestrator"),
		runLocks: newRunLocks(), controls: newRunControls(),
		backpressure: newTenantBackpressure(cfg.MaxConcurrentRunsPerTenant),
		wrappers:     make(map[string]*ReliabilityWrapper),
	}
}

func (o *Orchestrator) wrapperFor(tool string) *ReliabilityWrapper {
	o.wrappersMu.Lock()
	defer o.wrappersMu.Unlock()
	w, ok := o.wrappers[tool]
	if !ok {
		w = NewReliabilityWrapper(o.tool, tool, o.cfg.Retry, o.metrics)
		o.wrappers[tool] = w
	}
	return w
}

// Execute accepts a new execution request: it validates and reserves
// idempotency up front, synchronously persists the run in Pending, and
// drives the remainder of the state machine in a detached run actor
// goroutine, returning immediately (spec.md §4.7, "202 on async accept").
func (o *Orchestrator) Execute(ctx context.Context, req domain.ExecuteRequest) (*domain.ExecutionRun, error) {
	if req.TenantID == "" {
		return nil, apperr.Validation("missing_tenant_id", "tenant_id is required")
	}
	if req.PlanHash == "" && req.Plan == nil {
		return nil, apperr.Validation("missing_plan", "plan_hash or an inline plan is required")
	}

	var fingerprint string
	if req.IdempotencyKey != "" {
		fp, err := computeFingerprint(req)
		if err != nil {
			return nil, apperr.Internal("fingerprint_failed", "failed to compute idempotency fingerprint", err)
		}
		fingerprint = fp

		now := time.Now().UTC()
		rec := &domain.IdempotencyRecord{
			Key: req.IdempotencyKey, TenantID: req.TenantID, RequestFingerprint: fingerprint,
			Status: domain.IdempotencyInFlight, ExpiresAt: now.Add(o.cfg.IdempotencyTTL), CreatedAt: now,
		}
		existing, reserved, err := o.idempotency.ReserveIdempotencyRecord(ctx, rec)
		if err != nil {
			return nil, err
		}
		if !reserved {
			if existing.RequestFingerprint != fingerprint {
				return nil, apperr.Conflict("idempotency_conflict", "idempotency key reused with a different request body")
			}
			switch existing.Status {
			case domain.IdempotencyCommitted:
				return o.cachedRun(ctx, req.TenantID, existing)
			case domain.IdempotencyInFlight:
				return nil, apperr.Transient("idempotency_in_flight", "a request with this idempotency key is still being processed", nil)
			default:
				return nil, apperr.Conflict("idempotency_already_failed", "a previous attempt with this idempotency key failed terminally")
			}
		}
	}

	release, err := o.backpressure.acquire(req.TenantID)
	if err != nil {
		o.abandonIdempotency(ctx, req, fingerprint)
		return nil, err
	}

	now := time.Now().UTC()
	run := &domain.ExecutionRun{
		RunID: uuid.NewString(), TenantID: req.TenantID, PlanHash: req.PlanHash, Engine: req.Engine,
		Parameters: req.Parameters, RequireApproval: req.RequireApproval, Status: domain.RunPending,
		IdempotencyKey: req.IdempotencyKey, CorrelationID: req.CorrelationID, StartedAt: now,
	}

	if err := o.runs.CreateRun(ctx, run); err != nil {
		release()
		o.abandonIdempotency(ctx, req, fingerprint)
		return nil, err
	}
	o.metrics.RunsTotal.WithLabelValues(req.TenantID).Inc()
	o.metrics.InFlightRuns.Inc()

	go func() {
		defer release()
		defer o.metrics.InFlightRuns.Dec()
		defer o.controls.remove(run.RunID)
		// The triggering HTTP request's context is cancelled the moment
		// Execute returns; the run actor must outlive it.
		o.drive(context.WithoutCancel(ctx), run, req.Plan, fingerprint)
	}()

	return run, nil
}

// abandonIdempotency finalizes a just-reserved IdempotencyRecord as Failed
// when Execute cannot get the run actor started after reserving it (a
// backpressure rejection or a CreateRun failure). Without this the record
// stays InFlight for its full TTL, and every retry with the same
// Idempotency-Key is told the request "is still being processed" even
// though no run actor exists to ever finalize it (spec.md §4.7). A no-op
// when the request had no idempotency key.
func (o *Orchestrator) abandonIdempotency(ctx context.Context, req domain.ExecuteRequest, fingerprint string) {
	if fingerprint == "" || req.IdempotencyKey == "" {
		return
	}
	if err := o.idempotency.FinalizeIdempotencyRecord(ctx, req.TenantID, req.IdempotencyKey, domain.IdempotencyFailed, nil); err != nil {
		o.logger.Error("abandon idempotency record failed", zap.Error(err))
	}
}

func (o *Orchestrator) cachedRun(ctx context.Context, tenantID string, rec *domain.IdempotencyRecord) (*domain.ExecutionRun, error) {
	runID, _ := rec.CachedResponse["run_id"].(string)
	if runID == "" {
		return nil, apperr.Internal("cached_response_malformed", "committed idempotency record is missing a run_id", nil)
	}
	return o.runs.GetRun(ctx, tenantID, runID)
}

// Get returns the current state of a run, scoped to tenantID.
func (o *Orchestrator) Get(ctx context.Context, tenantID, runID string) (*domain.ExecutionRun, error) {
	return o.runs.GetRun(ctx, tenantID, runID)
}

// Pause requests a cooperative pause, applied at the run actor's next
// suspension point.
func (o *Orchestrator) Pause(ctx context.Context, tenantID, runID string) (*domain.ExecutionRun, error) {
	run, err := o.runs.GetRun(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	if !domain.CanTransition(run.Status, domain.RunPaused) {
		return nil, apperr.Conflict("invalid_run_transition", fmt.Sprintf("run in status %s cannot be paused", run.Status))
	}
	o.controls.get(runID).setPaused(true)
	return run, nil
}

// Resume clears a previously requested pause.
func (o *Orchestrator) Resume(ctx context.Context, tenantID, runID string) (*domain.ExecutionRun, error) {
	run, err := o.runs.GetRun(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != domain.RunPaused {
		return nil, apperr.Conflict("invalid_run_transition", fmt.Sprintf("run in status %s is not paused", run.Status))
	}
	o.controls.get(runID).setPaused(false)
	return run, nil
}

// Cancel requests cooperative cancellation, consumed at the run actor's
// next suspension point (spec.md §5, "cancellation is idempotent").
func (o *Orchestrator) Cancel(ctx context.Context, tenantID, runID string) (*domain.ExecutionRun, error) {
	run, err := o.runs.GetRun(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return run, nil
	}
	o.controls.get(runID).requestCancel()
	run.CancelRequested = true
	return run, nil
}

func computeFingerprint(req domain.ExecuteRequest) (string, error) {
	return crypto.SHA256HashJSON(domain.NormalizedFingerprintPayload{
		PlanHash: req.PlanHash, Engine: req.Engine, Parameters: req.Parameters,
		RequireApproval: req.RequireApproval, TenantID: req.TenantID,
	})
}

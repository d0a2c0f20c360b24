package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/anumate/orchestrator/internal/apperr"
	"github.com/anumate/orchestrator/internal/crypto"
	"github.com/anumate/orchestrator/internal/domain"
)

func resultsDigest(results []domain.StepResult) (string, error) {
	return crypto.SHA256HashJSON(results)
}

// drive runs the full state machine for one run, from Pending to a terminal
// state, per the diagram in spec.md §4.7:
//
//	Pending -> Validating -> AwaitingApproval? -> Running -> {Succeeded, Failed, Cancelled}
//
// with Paused reachable from Running or AwaitingApproval. It serializes on
// the run's runLock (a no-op for a freshly created run, but defensive
// against a future caller driving the same run_id twice) and always leaves
// the run in a terminal, persisted state before returning.
func (o *Orchestrator) drive(ctx context.Context, run *domain.ExecutionRun, inlinePlan *domain.ExecutablePlan, fingerprint string) {
	release := o.runLocks.acquire(run.RunID)
	defer release()

	control := o.controls.get(run.RunID)

	o.emit(ctx, run, domain.EventExecutionStarted, nil)

	plan, err := o.validate(ctx, run, inlinePlan)
	if err != nil {
		o.fail(ctx, run, fingerprint, err)
		return
	}

	if requiresApproval(run, plan) {
		if !o.awaitApproval(ctx, run, control, fingerprint) {
			return // terminal state already persisted by awaitApproval
		}
	}

	if control.isCancelled() {
		o.cancelled(ctx, run, fingerprint)
		return
	}

	ttl := capabilityTTL(plan)
	token, err := o.captoken.Issue(ctx, run.RunID, plan.ToolAllowlist, ttl, run.TenantID)
	if err != nil {
		o.fail(ctx, run, fingerprint, err)
		return
	}
	run.CapabilityTokenRef = token.TokenID

	run.Status = domain.RunRunning
	if err := o.runs.UpdateRunState(ctx, run); err != nil {
		o.logger.Error("persist running state failed", zap.Error(err))
	}

	if err := o.runBatches(ctx, run, plan, control); err != nil {
		if err == errCancelled {
			o.cancelled(ctx, run, fingerprint)
			return
		}
		o.fail(ctx, run, fingerprint, err)
		return
	}

	o.succeed(ctx, run, fingerprint)
}

func (o *Orchestrator) validate(ctx context.Context, run *domain.ExecutionRun, inlinePlan *domain.ExecutablePlan) (*domain.ExecutablePlan, error) {
	run.Status = domain.RunValidating
	if err := o.runs.UpdateRunState(ctx, run); err != nil {
		return nil, err
	}
	plan, err := o.plans.Resolve(ctx, run.TenantID, run.PlanHash, inlinePlan)
	if err != nil {
		return nil, err
	}
	run.PlanHash = plan.PlanHash
	return plan, nil
}

func requiresApproval(run *domain.ExecutionRun, plan *domain.ExecutablePlan) bool {
	if run.RequireApproval {
		return true
	}
	for _, step := range plan.Steps {
		if step.RequiresApproval {
			return true
		}
	}
	return false
}

// capabilityTTL implements spec.md §4.7's capability token rule:
// TTL = min(estimated_duration + 60s, 300s).
func capabilityTTL(plan *domain.ExecutablePlan) time.Duration {
	var total time.Duration
	for _, step := range plan.Steps {
		total += time.Duration(step.Resources.EstimatedDurationMS) * time.Millisecond
	}
	ttl := total + 60*time.Second
	const max = 300 * time.Second
	if ttl > max {
		ttl = max
	}
	return ttl
}

// awaitApproval opens an ApprovalsBridge workflow and polls it to a terminal
// decision, honoring cooperative cancellation. It returns false if the run
// reached a terminal state itself (rejection, expiry, or cancellation),
// having already persisted that state; true means the run is clear to
// proceed to capability issuance.
func (o *Orchestrator) awaitApproval(ctx context.Context, run *domain.ExecutionRun, control *runControl, fingerprint string) bool {
	run.Status = domain.RunAwaitingApproval

	deadline := time.Now().Add(o.cfg.ApprovalDeadline)
	step, err := o.approvals.Create(ctx, run.TenantID, run.RunID, "orchestrator",
		"execution requires approval", run.RunID, domain.ApprovalPolicy{
			Approvers: o.cfg.DefaultApprovers,
			Quorum:    domain.QuorumAny,
			Deadline:  deadline,
		})
	if err != nil {
		o.fail(ctx, run, fingerprint, err)
		return false
	}
	run.ApprovalIDs = append(run.ApprovalIDs, step.ApprovalID)
	if err := o.runs.UpdateRunState(ctx, run); err != nil {
		o.logger.Error("persist awaiting-approval state failed", zap.Error(err))
	}

	ticker := time.NewTicker(o.cfg.ApprovalPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.fail(ctx, run, fingerprint, ctx.Err())
			return false
		case <-ticker.C:
		}

		if control.isCancelled() {
			o.cancelled(ctx, run, fingerprint)
			return false
		}

		current, err := o.approvals.Get(ctx, run.TenantID, step.ApprovalID)
		if err != nil {
			o.fail(ctx, run, fingerprint, err)
			return false
		}

		switch current.Status {
		case domain.ApprovalApproved, domain.ApprovalDone:
			o.emit(ctx, run, domain.EventApprovalGranted, map[string]any{"approval_id": step.ApprovalID})
			return true
		case domain.ApprovalRejected, domain.ApprovalExpired:
			o.emit(ctx, run, domain.EventApprovalRejected, map[string]any{"approval_id": step.ApprovalID})
			o.fail(ctx, run, fingerprint, apperr.Denied("approval_rejected", "approval was rejected or expired"))
			return false
		}
		// Pending/InProgress/Escalated: keep polling.
	}
}

var errCancelled = apperr.Denied("run_cancelled", "run was cancelled")

// runBatches invokes every step of plan, one parallel batch at a time, via
// the per-tool ReliabilityWrapper, honoring cooperative pause/cancel at each
// batch boundary (spec.md §5: "cooperative, consumed at natural suspension
// points").
func (o *Orchestrator) runBatches(ctx context.Context, run *domain.ExecutionRun, plan *domain.ExecutablePlan, control *runControl) error {
	byName := make(map[string]domain.PlanStep, len(plan.Steps))
	for _, step := range plan.Steps {
		byName[step.Name] = step
	}

	total := len(plan.Steps)
	done := 0

	for _, batch := range plan.Batches {
		if err := o.waitWhilePaused(ctx, run, control); err != nil {
			return err
		}
		if control.isCancelled() {
			return errCancelled
		}

		for _, name := range batch {
			step := byName[name]
			result := o.invokeStep(ctx, step)
			run.Results = append(run.Results, result)
			done++
			run.Progress = float64(done) / float64(total)

			if !result.Succeeded {
				if control.isCancelled() {
					return errCancelled
				}
				return apperr.Internal("step_failed", "step "+name+" failed: "+result.Error, nil)
			}
		}
		if err := o.runs.UpdateRunState(ctx, run); err != nil {
			o.logger.Error("persist batch progress failed", zap.Error(err))
		}
	}
	return nil
}

func (o *Orchestrator) invokeStep(ctx context.Context, step domain.PlanStep) domain.StepResult {
	started := time.Now().UTC()
	result := domain.StepResult{StepName: step.Name, StartedAt: started}

	invoke, err := o.wrapperFor(step.Tool).Invoke(ctx, step.Tool, step.Params)
	result.FinishedAt = time.Now().UTC()

	switch {
	case err == nil:
		result.Succeeded = true
		result.Output = invoke.Output
	case o.cfg.DemoFallbackEnabled:
		// Open Question Decision #2: a demo/test deployment may opt into a
		// synthetic success instead of failing the whole run on a tool-side
		// error, so the rest of the pipeline (receipts, events) can be
		// exercised without a live agent runtime.
		result.Succeeded = true
		result.Output = map[string]any{"demo_fallback": true}
	default:
		result.Succeeded = false
		result.Error = wrapTransient(step.Tool, err).Error()
	}
	return result
}

func (o *Orchestrator) waitWhilePaused(ctx context.Context, run *domain.ExecutionRun, control *runControl) error {
	if !control.isPaused() {
		return nil
	}
	run.Status = domain.RunPaused
	if err := o.runs.UpdateRunState(ctx, run); err != nil {
		o.logger.Error("persist paused state failed", zap.Error(err))
	}

	ticker := time.NewTicker(o.cfg.PausePollInterval)
	defer ticker.Stop()
	for control.isPaused() {
		if control.isCancelled() {
			return errCancelled
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}

	run.Status = domain.RunRunning
	if err := o.runs.UpdateRunState(ctx, run); err != nil {
		o.logger.Error("persist resumed state failed", zap.Error(err))
	}
	return nil
}

func (o *Orchestrator) succeed(ctx context.Context, run *domain.ExecutionRun, fingerprint string) {
	now := time.Now().UTC()
	run.Status = domain.RunSucceeded
	run.Progress = 1
	run.CompletedAt = &now

	digest, err := resultsDigest(run.Results)
	if err != nil {
		o.logger.Error("results digest failed", zap.Error(err))
	}
	receipt, err := o.receipts.Create(ctx, run, digest)
	if err != nil {
		o.logger.Error("receipt issuance failed", zap.Error(err))
	} else {
		run.ReceiptID = receipt.ReceiptID
	}

	if err := o.runs.UpdateRunState(ctx, run); err != nil {
		o.logger.Error("persist succeeded state failed", zap.Error(err))
	}
	o.metrics.RunDuration.WithLabelValues(run.TenantID, string(run.Status)).Observe(time.Since(run.StartedAt).Seconds())
	o.emit(ctx, run, domain.EventExecutionCompleted, map[string]any{"receipt_id": run.ReceiptID})
	o.finalizeIdempotency(ctx, run, fingerprint, domain.IdempotencyCommitted)
}

func (o *Orchestrator) fail(ctx context.Context, run *domain.ExecutionRun, fingerprint string, cause error) {
	now := time.Now().UTC()
	run.Status = domain.RunFailed
	run.CompletedAt = &now
	run.FailureReason = cause.Error()

	if err := o.runs.UpdateRunState(ctx, run); err != nil {
		o.logger.Error("persist failed state failed", zap.Error(err))
	}
	o.metrics.ErrorsTotal.WithLabelValues(string(apperr.KindOf(cause))).Inc()
	o.metrics.RunDuration.WithLabelValues(run.TenantID, string(run.Status)).Observe(time.Since(run.StartedAt).Seconds())
	o.emit(ctx, run, domain.EventExecutionFailed, map[string]any{"reason": run.FailureReason})
	o.finalizeIdempotency(ctx, run, fingerprint, domain.IdempotencyFailed)
}

func (o *Orchestrator) cancelled(ctx context.Context, run *domain.ExecutionRun, fingerprint string) {
	now := time.Now().UTC()
	run.Status = domain.RunCancelled
	run.CompletedAt = &now

	if err := o.runs.UpdateRunState(ctx, run); err != nil {
		o.logger.Error("persist cancelled state failed", zap.Error(err))
	}
	o.metrics.RunDuration.WithLabelValues(run.TenantID, string(run.Status)).Observe(time.Since(run.StartedAt).Seconds())
	o.emit(ctx, run, domain.EventExecutionCancelled, nil)
	o.finalizeIdempotency(ctx, run, fingerprint, domain.IdempotencyFailed)
}

func (o *Orchestrator) finalizeIdempotency(ctx context.Context, run *domain.ExecutionRun, fingerprint string, status domain.IdempotencyStatus) {
	if fingerprint == "" || run.IdempotencyKey == "" {
		return
	}
	var cached map[string]any
	if status == domain.IdempotencyCommitted {
		cached = map[string]any{"run_id": run.RunID}
	}
	if err := o.idempotency.FinalizeIdempotencyRecord(ctx, run.TenantID, run.IdempotencyKey, status, cached); err != nil {
		o.logger.Error("finalize idempotency record failed", zap.Error(err))
	}
}

func (o *Orchestrator) emit(ctx context.Context, run *domain.ExecutionRun, eventType string, extra map[string]any) {
	data := map[string]any{
		"run_id":         run.RunID,
		"plan_hash":      run.PlanHash,
		"correlation_id": run.CorrelationID,
	}
	for k, v := range extra {
		data[k] = v
	}
	if _, err := o.events.Publish(ctx, run.TenantID, eventType, data); err != nil {
		o.logger.Error("event publish failed", zap.Error(err), zap.String("event_type", eventType))
	}
}

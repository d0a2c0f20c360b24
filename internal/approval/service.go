// Package approval implements the ApprovalsBridge: a workflow of human
// approval steps gating an ExecutionRun, with quorum policies, deadline
// sweeps, escalation, and delegation.
package approval

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/anumate/orchestrator/internal/apperr"
	"github.com/anumate/orchestrator/internal/domain"
	"github.com/anumate/orchestrator/internal/infra"
)

// Repository is the persistence surface the bridge needs from
// internal/store/postgres.
type Repository interface {
	CreateApproval(ctx context.Context, a *domain.ApprovalStep) error
	GetApproval(ctx context.Context, tenantID, approvalID string) (*domain.ApprovalStep, error)
	GetApprovalByClarification(ctx context.Context, tenantID, clarificationID string) (*domain.ApprovalStep, error)
	UpdateApprovalDecision(ctx context.Context, a *domain.ApprovalStep) error
	ListPendingApprovalsPastDeadline(ctx context.Context) ([]*domain.ApprovalStep, error)
	RecordApprovalAudit(ctx context.Context, entry domain.AuditEntry) error
}

// Notifier publishes a signal on approval resolution so the orchestrator can
// observe it faster than the sweep interval (spec.md §4.5, "< 2s between
// decision and orchestrator observation").
type Notifier interface {
	NotifyApprovalResolved(ctx context.Context, tenantID, runID, approvalID string, status domain.ApprovalStatus) error
}

// Bridge is the ApprovalsBridge workflow engine.
type Bridge struct {
	repo     Repository
	notifier Notifier
	logger   *zap.Logger
}

// New constructs a Bridge.
func New(repo Repository, notifier Notifier, logger *zap.Logger) *Bridge {
	return &Bridge{repo: repo, notifier: notifier, logger: logger.Named("approval_bridge")}
}

// Create opens a new ApprovalStep for runID under policy, returning its
// approval_id. clarificationID correlates it to the orchestrator's
// clarification request.
func (b *Bridge) Create(ctx context.Context, tenantID, runID, requester, clarification, clarificationID string, policy domain.ApprovalPolicy) (*domain.ApprovalStep, error) {
	if len(policy.Approvers) == 0 {
		return nil, apperr.Validation("empty_approver_set", "approval policy must name at least one approver")
	}
	if policy.Quorum != domain.QuorumAll && policy.Quorum != domain.QuorumAny {
		return nil, apperr.Validation("invalid_quorum", "quorum must be 'all' or 'any'")
	}
	if policy.Deadline.IsZero() {
		policy.Deadline = time.Now().UTC().Add(24 * time.Hour)
	}

	now := time.Now().UTC()
	a := &domain.ApprovalStep{
		ApprovalID:      uuid.NewString(),
		RunID:           runID,
		TenantID:        tenantID,
		Requester:       requester,
		Clarification:   clarification,
		ClarificationID: clarificationID,
		Policy:          policy,
		Status:          domain.ApprovalPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := b.repo.CreateApproval(ctx, a); err != nil {
		return nil, err
	}
	b.audit(ctx, a, "APPROVAL_CREATED", requester, "")
	return a, nil
}

// Get returns the ApprovalStep by ID, scoped to tenantID.
func (b *Bridge) Get(ctx context.Context, tenantID, approvalID string) (*domain.ApprovalStep, error) {
	return b.repo.GetApproval(ctx, tenantID, approvalID)
}

// PollByClarification supports the orchestrator's clarification-id lookup
// path (spec.md §4.5, `poll_by_clarification`).
func (b *Bridge) PollByClarification(ctx context.Context, tenantID, clarificationID string) (*domain.ApprovalStep, error) {
	return b.repo.GetApprovalByClarification(ctx, tenantID, clarificationID)
}

// Decide records actor's decision (approve/reject/delegate) on approvalID
// and, once quorum is satisfied, transitions the step to its terminal state.
func (b *Bridge) Decide(ctx context.Context, tenantID, approvalID, actor, outcome, reason, delegateTo string) (*domain.ApprovalStep, error) {
	a, err := b.repo.GetApproval(ctx, tenantID, approvalID)
	if err != nil {
		return nil, err
	}
	if terminalApproval(a.Status) {
		return nil, apperr.Conflict("approval_already_resolved", fmt.Sprintf("approval %s already reached status %s", approvalID, a.Status))
	}
	if !isEligibleApprover(a, actor) {
		return nil, apperr.Unauthorized("not_an_approver", fmt.Sprintf("%s is not an eligible approver for this approval", actor))
	}

	decision := domain.Decision{Actor: actor, Outcome: outcome, Reason: reason, At: time.Now().UTC()}

	switch outcome {
	case "delegate":
		if delegateTo == "" {
			return nil, apperr.Validation("missing_delegate", "delegate outcome requires delegated_to")
		}
		if !containsApprover(a.Policy.Approvers, delegateTo) {
			a.Policy.Approvers = append(a.Policy.Approvers, delegateTo)
		}
		decision.DelegatedTo = delegateTo
		a.Decisions = append(a.Decisions, decision)
		a.Status = domain.ApprovalInProgress
		a.UpdatedAt = time.Now().UTC()
		if err := b.repo.UpdateApprovalDecision(ctx, a); err != nil {
			return nil, err
		}
		b.audit(ctx, a, "APPROVAL_DELEGATED", actor, reason)
		return a, nil

	case "approve", "reject":
		a.Decisions = append(a.Decisions, decision)
		a.Status = domain.ApprovalInProgress
		if outcome == "reject" {
			// Any single reject fails the step regardless of quorum rule;
			// approvals are a veto gate, not a majority vote.
			a.Status = domain.ApprovalRejected
		} else if quorumSatisfied(a) {
			a.Status = domain.ApprovalApproved
		}
		a.UpdatedAt = time.Now().UTC()
		if err := b.repo.UpdateApprovalDecision(ctx, a); err != nil {
			return nil, err
		}
		b.audit(ctx, a, "APPROVAL_DECIDED", actor, reason)

		if terminalApproval(a.Status) && b.notifier != nil {
			if err := b.notifier.NotifyApprovalResolved(ctx, tenantID, a.RunID, a.ApprovalID, a.Status); err != nil {
				b.logger.Warn("approval resolution notify failed", zap.Error(err))
			}
		}
		return a, nil

	default:
		return nil, apperr.Validation("invalid_outcome", "outcome must be one of approve, reject, delegate")
	}
}

// SweepDeadlines resolves every Pending/InProgress step whose deadline has
// passed: escalate to the next target with an extended deadline, or fail if
// no escalation target remains (spec.md §4.5, "timeout handling").
func (b *Bridge) SweepDeadlines(ctx context.Context) (int, error) {
	overdue, err := b.repo.ListPendingApprovalsPastDeadline(ctx)
	if err != nil {
		return 0, err
	}
	for _, a := range overdue {
		if len(a.Policy.EscalationTarget) > 0 {
			a.Policy.Approvers = a.Policy.EscalationTarget
			a.Policy.EscalationTarget = nil
			a.Policy.Deadline = a.Policy.Deadline.Add(escalationExtension)
			a.Status = domain.ApprovalEscalated
			a.UpdatedAt = time.Now().UTC()
			if err := b.repo.UpdateApprovalDecision(ctx, a); err != nil {
				b.logger.Error("escalation update failed", zap.String("approval_id", a.ApprovalID), zap.Error(err))
				continue
			}
			b.audit(ctx, a, "APPROVAL_ESCALATED", "system", "deadline exceeded")
			continue
		}
		a.Status = domain.ApprovalExpired
		a.UpdatedAt = time.Now().UTC()
		if err := b.repo.UpdateApprovalDecision(ctx, a); err != nil {
			b.logger.Error("expiry update failed", zap.String("approval_id", a.ApprovalID), zap.Error(err))
			continue
		}
		b.audit(ctx, a, "APPROVAL_EXPIRED", "system", "deadline exceeded, no escalation target")
		if b.notifier != nil {
			if err := b.notifier.NotifyApprovalResolved(ctx, a.TenantID, a.RunID, a.ApprovalID, a.Status); err != nil {
				b.logger.Warn("expiry notify failed", zap.Error(err))
			}
		}
	}
	return len(overdue), nil
}

// escalationExtension is the deadline extension applied when an overdue
// step escalates to its next target.
const escalationExtension = time.Hour

func (b *Bridge) audit(ctx context.Context, a *domain.ApprovalStep, event, actor, reason string) {
	entry := domain.AuditEntry{
		ID:            uuid.NewString(),
		TenantID:      a.TenantID,
		Event:         event,
		Subject:       a.ApprovalID,
		Actor:         actor,
		Reason:        reason,
		CorrelationID: infra.CorrelationID(ctx),
		Timestamp:     time.Now().UTC(),
	}
	if err := b.repo.RecordApprovalAudit(ctx, entry); err != nil {
		b.logger.Error("approval audit write failed", zap.String("approval_id", a.ApprovalID), zap.Error(err))
	}
}

func terminalApproval(s domain.ApprovalStatus) bool {
	switch s {
	case domain.ApprovalApproved, domain.ApprovalRejected, domain.ApprovalExpired, domain.ApprovalDone:
		return true
	default:
		return false
	}
}

func isEligibleApprover(a *domain.ApprovalStep, actor string) bool {
	return containsApprover(a.Policy.Approvers, actor)
}

func containsApprover(set []string, actor string) bool {
	for _, s := range set {
		if s == actor {
			return true
		}
	}
	return false
}

// quorumSatisfied reports whether enough distinct approvers have recorded an
// "approve" decision to satisfy the policy's quorum rule.
func quorumSatisfied(a *domain.ApprovalStep) bool {
	approved := make(map[string]bool)
	for _, d := range a.Decisions {
		if d.Outcome == "approve" {
			approved[d.Actor] = true
		}
	}
	switch a.Policy.Quorum {
	case domain.QuorumAny:
		return len(approved) >= 1
	default: // "all"
		for _, ap := range a.Policy.Approvers {
			if !approved[ap] {
				return false
			}
		}
		return true
	}
}

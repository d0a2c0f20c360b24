package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/anumate/orchestrator/internal/domain"
)

// CapsuleStore is the narrow store.postgres.Store slice capsule handlers need.
type CapsuleStore interface {
	CreateCapsule(ctx context.Context, c *domain.Capsule) error
	GetCapsule(ctx context.Context, tenantID, id string) (*domain.Capsule, error)
}

// PlanStore is the narrow store.postgres.Store slice the plan-lookup
// handler needs.
type PlanStore interface {
	GetPlan(ctx context.Context, tenantID, planHash string) (*domain.ExecutablePlan, error)
}

// GhostRunner is the narrow preflight.Runner slice the ghostrun handlers need.
type GhostRunner interface {
	Start(ctx context.Context, tenantID string, plan *domain.ExecutablePlan) *domain.SimulationRun
	Status(tenantID, runID string) (*domain.SimulationRun, error)
	Report(tenantID, runID string) (*domain.PreflightReport, error)
}

// CapabilityService is the narrow captoken.Service slice the captoken
// handlers need.
type CapabilityService interface {
	Issue(ctx context.Context, subject string, capabilities []string, ttl time.Duration, tenantID string) (*domain.CapabilityToken, error)
	Verify(ctx context.Context, tokenStr, expectedTenantID string) (*domain.CapabilityClaims, error)
	Refresh(ctx context.Context, oldClaims *domain.CapabilityClaims, newTTL time.Duration) (*domain.CapabilityToken, error)
	Revoke(ctx context.Context, tokenID, tenantID string) error
}

// ExecutionService is the narrow orchestrator.Orchestrator slice the
// execution handlers need.
type ExecutionService interface {
	Execute(ctx context.Context, req domain.ExecuteRequest) (*domain.ExecutionRun, error)
	Get(ctx context.Context, tenantID, runID string) (*domain.ExecutionRun, error)
	Pause(ctx context.Context, tenantID, runID string) (*domain.ExecutionRun, error)
	Resume(ctx context.Context, tenantID, runID string) (*domain.ExecutionRun, error)
	Cancel(ctx context.Context, tenantID, runID string) (*domain.ExecutionRun, error)
}

// ApprovalService is the narrow approval.Bridge slice the approval
// handlers need.
type ApprovalService interface {
	Create(ctx context.Context, tenantID, runID, requester, clarification, clarificationID string, policy domain.ApprovalPolicy) (*domain.ApprovalStep, error)
	Get(ctx context.Context, tenantID, approvalID string) (*domain.ApprovalStep, error)
	Decide(ctx context.Context, tenantID, approvalID, actor, outcome, reason, delegateTo string) (*domain.ApprovalStep, error)
}

// ReceiptService is the narrow receipt.Service slice the receipt handlers need.
type ReceiptService interface {
	Create(ctx context.Context, run *domain.ExecutionRun, resultsDigest string) (*domain.Receipt, error)
	Get(ctx context.Context, tenantID, receiptID string) (*domain.Receipt, error)
	Verify(ctx context.Context, r *domain.Receipt, payload domain.ReceiptPayload) (*domain.VerifyResult, error)
}

// RunStore is the narrow store.postgres.Store slice needed to reconstruct a
// ReceiptPayload for verification.
type RunStore interface {
	GetRun(ctx context.Context, tenantID, runID string) (*domain.ExecutionRun, error)
}

// AuditStore is the narrow store.postgres.Store slice the audit-export
// handler needs.
type AuditStore interface {
	ListAudit(ctx context.Context, tenantID string, limit, offset int) ([]domain.AuditEntry, error)
}

// Server wires every component's service layer behind the /v1 HTTP surface.
type Server struct {
	router *chi.Mux
	logger *zap.Logger

	capsules   CapsuleStore
	compiler   *capsuleCompiler
	plans      PlanStore
	ghostrun   GhostRunner
	captokens  CapabilityService
	executions ExecutionService
	approvals  ApprovalService
	receipts   ReceiptService
	runs       RunStore
	audit      AuditStore
}

// New constructs a Server and wires its routes. compiler is a thin adapter
// over *plan.Compiler (see NewCompilerAdapter) since plan.CapsuleYAML is
// authored from YAML, not a stable wire type this package should depend on
// directly.
func New(
	logger *zap.Logger,
	capsules CapsuleStore,
	compiler *capsuleCompiler,
	plans PlanStore,
	ghostrun GhostRunner,
	captokens CapabilityService,
	executions ExecutionService,
	approvals ApprovalService,
	receipts ReceiptService,
	runs RunStore,
	audit AuditStore,
) *Server {
	s := &Server{
		router: chi.NewRouter(), logger: logger.Named("api"),
		capsules: capsules, compiler: compiler, plans: plans, ghostrun: ghostrun,
		captokens: captokens, executions: executions, approvals: approvals,
		receipts: receipts, runs: runs, audit: audit,
	}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) routes() {
	r := s.router
	baseMiddleware(r)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

	r.Route("/v1", func(r chi.Router) {
		r.Route("/capsules", func(r chi.Router) {
			r.Post("/", s.createCapsule)
			r.Get("/{id}", s.getCapsule)
		})

		r.Post("/compile", s.compileCapsule)
		r.Get("/plans/{plan_hash}", s.getPlan)

		r.Route("/ghostrun", func(r chi.Router) {
			r.Post("/", s.startGhostRun)
			r.Get("/{run_id}", s.getGhostRunStatus)
			r.Get("/{run_id}/report", s.getGhostRunReport)
		})

		r.Route("/captokens", func(r chi.Router) {
			r.Post("/", s.issueCapToken)
			r.Post("/verify", s.verifyCapToken)
			r.Post("/refresh", s.refreshCapToken)
			r.Post("/revoke", s.revokeCapToken)
		})

		r.Post("/execute", s.execute)
		r.Route("/executions/{run_id}", func(r chi.Router) {
			r.Get("/", s.getExecution)
			r.Post("/pause", s.controlExecution(s.executions.Pause))
			r.Post("/resume", s.controlExecution(s.executions.Resume))
			r.Post("/cancel", s.controlExecution(s.executions.Cancel))
		})

		r.Route("/approvals", func(r chi.Router) {
			r.Post("/", s.createApproval)
			r.Route("/{id}", func(r chi.Router) {
				r.Post("/approve", s.decideApproval("approve"))
				r.Post("/reject", s.decideApproval("reject"))
				r.Post("/delegate", s.decideApproval("delegate"))
			})
		})

		r.Route("/receipts", func(r chi.Router) {
			r.Post("/", s.createReceipt)
			r.Get("/audit", s.exportAudit)
			r.Post("/{id}/verify", s.verifyReceipt)
		})
	})
}

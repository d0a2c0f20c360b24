// Command orchestratord is the control plane's data-plane binary: it hosts
// the versioned HTTP surface (spec.md §6.1) and every component that
// surface depends on (Orchestrator, CapabilityTokens, ApprovalsBridge,
// Receipts, PlanCompiler, PreflightSimulator, EventBus) wired against
// Postgres and Redis.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/anumate/orchestrator/internal/api"
	"github.com/anumate/orchestrator/internal/approval"
	"github.com/anumate/orchestrator/internal/captoken"
	"github.com/anumate/orchestrator/internal/crypto"
	"github.com/anumate/orchestrator/internal/domain"
	"github.com/anumate/orchestrator/internal/eventbus"
	"github.com/anumate/orchestrator/internal/infra"
	"github.com/anumate/orchestrator/internal/orchestrator"
	"github.com/anumate/orchestrator/internal/plan"
	"github.com/anumate/orchestrator/internal/preflight"
	"github.com/anumate/orchestrator/internal/receipt"
	"github.com/anumate/orchestrator/internal/registry"
	"github.com/anumate/orchestrator/internal/store/postgres"
	"github.com/anumate/orchestrator/internal/toolproto"
)

func dialOptions() []grpc.DialOption {
	return []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "orchestratord:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := infra.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger(cfg.Logger)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := postgres.Open(ctx, cfg.Database.URL, cfg.Database.MaxConns, cfg.Database.MinConns)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer store.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = store.Ping(pingCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("postgres unreachable: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis unreachable: %w", err)
	}
	defer rdb.Close()

	priv, err := crypto.LoadPrivateKey(cfg.Crypto.PrivateKeyB64)
	if err != nil {
		return fmt.Errorf("load signing private key: %w", err)
	}
	pub, err := crypto.LoadPublicKey(cfg.Crypto.PublicKeyB64)
	if err != nil {
		return fmt.Errorf("load signing public key: %w", err)
	}

	captokens := captoken.New(
		priv, pub,
		captoken.NewRedisReplayGuard(rdb),
		captoken.NewRedisRevocationStore(rdb),
		auditSinkAdapter{store: store},
		time.Duration(cfg.Token.MaxTTLSeconds)*time.Second,
	)

	depResolver := plan.NewDependencyResolver(registry.NewPostgresStub(store).Resolve)
	planCache := plan.NewCache(rdb, logger, 0) // 0 -> plan.NewCache's own 24h default
	compiler := plan.New(plan.NewValidator(), depResolver, plan.NewOptimizer(), plan.NewHasher(), planCache, store, logger)

	var worm receipt.WORMSink
	if dir := os.Getenv("RECEIPT_WORM_DIR"); dir != "" {
		worm, err = receipt.NewFileWORMSink(dir)
		if err != nil {
			return fmt.Errorf("init receipt worm sink: %w", err)
		}
	}
	receipts := receipt.New(store, worm, priv, pub, logger)

	approvals := approval.New(store, approval.NewRedisNotifier(rdb), logger)

	events := eventbus.New(rdb, "anumate-orchestrator", store, logger)

	ghostrunner := preflight.NewRunner(preflight.NewSimulator(preflight.NewMockToolRegistry()), logger)

	toolTarget := cfg.ToolProto.Addr
	var toolClient *toolproto.Client
	if toolTarget != "" {
		toolClient, err = toolproto.Dial(toolTarget, cfg.ToolProto.CallTimeout, dialOptions()...)
		if err != nil {
			return fmt.Errorf("dial tool protocol server at %s: %w", toolTarget, err)
		}
		defer toolClient.Close()
	}

	orchCfg := orchestrator.Config{
		Retry: orchestrator.RetryPolicy{
			MaxAttempts: uint(cfg.Retry.MaxAttempts),
			BaseDelay:   time.Duration(cfg.Retry.BaseDelayMS) * time.Millisecond,
			MaxDelay:    time.Duration(cfg.Retry.MaxDelayMS) * time.Millisecond,
			JitterRatio: cfg.Retry.JitterRatio,
		},
		MaxConcurrentRunsPerTenant: cfg.Orchestrator.MaxConcurrentRunsPerTenant,
		DemoFallbackEnabled:        cfg.Orchestrator.DemoFallbackEnabled,
		IdempotencyTTL:             time.Duration(cfg.Idempotency.RecordTTLHours) * time.Hour,
		ApprovalPollInterval:       500 * time.Millisecond,
		PausePollInterval:          200 * time.Millisecond,
		ApprovalDeadline:           time.Duration(cfg.Approval.DefaultDeadlineSeconds) * time.Second,
		DefaultApprovers:           []string{"on-call-approver"},
	}

	orch := orchestrator.New(
		store, store, orchestrator.NewPlanLookup(planCache, store),
		captokens, approvals, receipts, events, toolInvoker{toolClient},
		orchCfg, orchestrator.NewMetrics(nil), logger,
	)

	server := api.New(logger, store, api.NewCompilerAdapter(compiler), store, ghostrunner,
		captokens, orch, approvals, receipts, store, store)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      server,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go runDeadlineSweeper(ctx, approvals, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("orchestratord listening", zap.String("addr", httpServer.Addr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown: %w", err)
		}
	}
	return nil
}

// runDeadlineSweeper periodically expires ApprovalSteps past their deadline
// (spec.md §4.5's SweepDeadlines), since nothing else in this binary calls
// it on a schedule.
func runDeadlineSweeper(ctx context.Context, approvals *approval.Bridge, logger *zap.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := approvals.SweepDeadlines(ctx)
			if err != nil {
				logger.Warn("approval deadline sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("expired approvals past deadline", zap.Int("count", n))
			}
		}
	}
}

// auditSinkAdapter satisfies captoken.AuditSink over postgres.Store's
// differently-named RecordTokenAudit method.
type auditSinkAdapter struct {
	store *postgres.Store
}

func (a auditSinkAdapter) Record(ctx context.Context, entry domain.AuditEntry) error {
	return a.store.RecordTokenAudit(ctx, entry)
}

// toolInvoker adapts *toolproto.Client to orchestrator.ToolInvoker, or fails
// every invocation when no Tool Protocol endpoint is configured (a
// deployment with tool_proto.addr unset is a control-plane-only instance —
// plan compilation, preflight, and approvals all still work).
type toolInvoker struct {
	client *toolproto.Client
}

func (t toolInvoker) Invoke(ctx context.Context, tool string, params map[string]any) (*toolproto.InvokeResult, error) {
	if t.client == nil {
		return nil, fmt.Errorf("toolproto: no tool protocol endpoint configured")
	}
	return t.client.Invoke(ctx, tool, params)
}

func newLogger(cfg infra.LoggerConfig) (*zap.Logger, error) {
	var zcfg zap.Config
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err == nil {
		zcfg.Level = level
	}
	return zcfg.Build()
}

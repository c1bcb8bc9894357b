package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/haasonsaas/agentcore/internal/config"
	"github.com/haasonsaas/agentcore/internal/events"
	"github.com/haasonsaas/agentcore/internal/executor"
	"github.com/haasonsaas/agentcore/internal/observability"
	"github.com/haasonsaas/agentcore/internal/ratelimit"
	"github.com/haasonsaas/agentcore/internal/store"
	"github.com/haasonsaas/agentcore/internal/toolregistry"
	"github.com/haasonsaas/agentcore/internal/workerpool"
	"go.opentelemetry.io/otel"
)

// runtime holds every long-lived component newServeCmd wires together,
// mirroring the teacher's cmd/nexus "app" struct that owns its
// dependencies for the process lifetime rather than reaching for package
// globals (spec.md §9 Design Notes: "Global singletons ... become explicit
// injected dependencies").
type runtime struct {
	cfg       *config.Config
	store     store.Store
	logger    *observability.Logger
	metrics   *observability.Metrics
	limiter   *ratelimit.Limiter
	overrides *ratelimit.OverrideStore
	pool      *workerpool.Pool
	tools     *toolregistry.Registry
	events    *events.Publisher
	executor  *executor.Executor
	shutdown  func(context.Context) error
}

func newRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	metrics := observability.NewMetrics()
	_, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: cfg.Tracing.ServiceVersion,
		Environment:    cfg.Tracing.Environment,
		SamplingRate:   cfg.Tracing.SamplingRate,
	})

	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	rlConfig := cfg.ToRateLimitConfig()
	overridePath := filepath.Join(cfg.DataDir, "ratelimit_overrides.json")
	overrides := ratelimit.NewOverrideStore(overridePath, rlConfig, logger)
	if err := overrides.Load(); err != nil {
		logger.Warn(ctx, "failed to load rate limit overrides", "error", err, "path", overridePath)
	}
	limiter := ratelimit.NewLimiter(rlConfig, st)

	tools := toolregistry.New()
	pub := &events.Publisher{}

	spawner := workerpool.NewExecSpawner(cfg.WorkerPool.Command, cfg.WorkerPool.Args, nil)
	pool := workerpool.New(cfg.ToWorkerPoolConfig(), spawner, logger)

	exec := &executor.Executor{
		Contexts: st,
		Tools:    tools,
		Attempts: st,
		Events:   pub,
		Logger:   logger.Slog(),
		Tracer:   otel.Tracer("agentcore/executor"),
	}

	return &runtime{
		cfg:       cfg,
		store:     st,
		logger:    logger,
		metrics:   metrics,
		limiter:   limiter,
		overrides: overrides,
		pool:      pool,
		tools:     tools,
		events:    pub,
		executor:  exec,
		shutdown:  shutdownTracer,
	}, nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case "", "sqlite":
		return store.NewSQLiteStore(ctx, cfg.Store.DSN)
	case "postgres":
		return store.NewPostgresStore(ctx, cfg.Store.DSN, nil)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func (r *runtime) Close(ctx context.Context) error {
	r.pool.Shutdown(ctx)
	if r.shutdown != nil {
		_ = r.shutdown(ctx)
	}
	return r.store.Close()
}

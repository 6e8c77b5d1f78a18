package app

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/yungbote/neurobridge-contentgen/internal/http"
	"github.com/yungbote/neurobridge-contentgen/internal/observability"
	"github.com/yungbote/neurobridge-contentgen/internal/pipeline/catalog"
	"github.com/yungbote/neurobridge-contentgen/internal/pipeline/orchestrator"
	"github.com/yungbote/neurobridge-contentgen/internal/platform/logger"
)

// Role selects which side of the service a process runs.
type Role string

const (
	RoleAPI    Role = "api"
	RoleWorker Role = "worker"
	// RoleAll runs the API and the worker pool in one process; required when
	// no Redis is configured and the queue is in-process.
	RoleAll Role = "all"
)

type App struct {
	Log      *logger.Logger
	Cfg      Config
	Role     Role
	Metrics  *observability.Metrics
	Clients  Clients
	Repos    Repos
	Services Services
	Server   *http.Server

	otelShutdown func(context.Context) error
}

// Option adjusts configuration after it is read from the environment.
type Option func(*Config)

// WithConcurrency overrides WORKER_CONCURRENCY when n > 0.
func WithConcurrency(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.Pool.Concurrency = n
		}
	}
}

func New(ctx context.Context, role Role, opts ...Option) (*App, error) {
	log, err := logger.New(logMode())
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	log.Info("Loading environment variables...")
	cfg := LoadConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	log = log.With("role", string(role), "instance", cfg.Orchestrator.InstanceID)

	otelShutdown := observability.InitOTel(ctx, log, observability.OtelConfig{
		ServiceName: cfg.ServiceName,
		Environment: cfg.Environment,
		Version:     cfg.Version,
	})
	metrics := observability.NewMetrics()

	cat, err := catalog.Load(cfg.StageCatalogPath)
	if err != nil {
		log.Sync()
		return nil, err
	}

	clients, err := wireClients(ctx, log, cfg, cat, metrics)
	if err != nil {
		log.Sync()
		return nil, err
	}
	reposet := wireRepos(clients.DB.DB(), log)

	serviceset, err := wireServices(ctx, log, cfg, cat, clients, reposet, metrics, role != RoleAPI)
	if err != nil {
		clients.Close(log)
		log.Sync()
		return nil, err
	}

	a := &App{
		Log:          log,
		Cfg:          cfg,
		Role:         role,
		Metrics:      metrics,
		Clients:      clients,
		Repos:        reposet,
		Services:     serviceset,
		otelShutdown: otelShutdown,
	}
	if role != RoleWorker {
		a.Server = wireServer(log, cfg, metrics, wireHandlers(log, clients, serviceset))
	}
	return a, nil
}

// Run blocks until ctx is cancelled or a component fails. In-flight requests
// are released at the next stage boundary.
func (a *App) Run(ctx context.Context) error {
	if a == nil {
		return fmt.Errorf("app not initialized")
	}
	g, gctx := errgroup.WithContext(ctx)
	if a.Server != nil {
		g.Go(func() error { return a.Server.Run(gctx, a.Cfg.HTTPAddr) })
	}
	if a.Services.Pool != nil {
		g.Go(func() error { return a.Services.Pool.Run(gctx) })
		g.Go(func() error {
			a.Services.Sweeper.Run(gctx)
			return nil
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Drain processes what is queued right now, at most limit messages when
// limit > 0, and returns.
func (a *App) Drain(ctx context.Context, limit int) (*orchestrator.Stats, error) {
	if a == nil || a.Services.Pool == nil {
		return nil, fmt.Errorf("app has no worker pool")
	}
	if _, err := a.Services.Sweeper.SweepOnce(ctx); err != nil {
		a.Log.Warn("pre-drain sweep failed", "error", err)
	}
	return a.Services.Pool.Drain(ctx, limit)
}

func (a *App) Close() {
	if a == nil {
		return
	}
	a.Clients.Close(a.Log)
	if a.otelShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := a.otelShutdown(ctx); err != nil {
			a.Log.Warn("otel shutdown failed", "error", err)
		}
	}
	a.Log.Sync()
}

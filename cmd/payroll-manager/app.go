package main

import (
	"context"
	"database/sql"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"

	"payroll/metrics"
	"payroll/pipeline"
	"payroll/router"
	"payroll/stagegate"
	"payroll/tenant"
)

const pingAttemptTimeout = 5 * time.Second

// app is the wired core shared by every command that talks to SQL Server.
type app struct {
	db      *sql.DB
	router  *router.Router
	gate    *stagegate.Gate
	metrics *metrics.Registry
	logger  *zap.Logger
}

// bootstrap loads the catalog, opens the shared pool and waits for SQL Server
// to answer before wiring the router and stage gate.
func (e environment) bootstrap(ctx context.Context, cfg *config, logger *zap.Logger, reg *metrics.Registry) (*app, error) {
	catalog, err := tenant.LoadCatalog(cfg.CatalogPath)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "load tenant catalog")
	}

	db, err := e.openDB(cfg)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "open SQL Server")
	}
	if err := pingWithRetry(ctx, db, cfg.StartupTimeout, e.clock, logger); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := reg.RegisterDB(db, "payroll"); err != nil {
		_ = db.Close()
		return nil, pkgerrors.Wrap(err, "register pool metrics")
	}

	r, err := router.New(db, catalog, cfg.routerConfig(),
		router.WithClock(e.clock),
		router.WithLogger(logger),
		router.WithMetrics(reg),
	)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	gate := stagegate.New(r,
		stagegate.WithClock(e.clock),
		stagegate.WithLogger(logger),
		stagegate.WithMetrics(reg),
	)
	logger.Info("tenant_catalog_loaded",
		zap.String("path", cfg.CatalogPath),
		zap.Int("active", len(catalog.Databases())),
		zap.Int("pool_size", cfg.PoolSize),
	)
	return &app{db: db, router: r, gate: gate, metrics: reg, logger: logger}, nil
}

// service builds the pipeline with a stored procedure collaborator for every
// step that has one configured.
func (a *app) service(cfg *config) (*pipeline.Service, error) {
	opts := []pipeline.Option{
		pipeline.WithLogger(a.logger),
		pipeline.WithMetrics(a.metrics),
	}
	for _, step := range pipeline.Steps() {
		name := cfg.procedureName(step)
		if name == "" {
			continue
		}
		proc, err := pipeline.NewStoredProcedure(a.router, name, a.logger)
		if err != nil {
			return nil, pkgerrors.Wrapf(err, "%s step", step)
		}
		opts = append(opts, pipeline.WithProcedure(step, proc))
	}
	return pipeline.New(a.router, a.gate, cfg.pipelineConfig(), opts...), nil
}

func (a *app) Close() error {
	return a.db.Close()
}

// pingWithRetry pings db with doubling backoff until it answers or timeout
// elapses.
func pingWithRetry(ctx context.Context, db *sql.DB, timeout time.Duration, clk clock.Clock, logger *zap.Logger) error {
	if timeout <= 0 {
		timeout = pingAttemptTimeout
	}
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			pingCtx, cancel := context.WithTimeout(ctx, pingAttemptTimeout)
			defer cancel()
			return db.PingContext(pingCtx)
		},
		NotifyFunc: func(err error, attempt int) {
			logger.Warn("sql_ping_failed", zap.Int("attempt", attempt), zap.Error(err))
		},
		Attempts:    -1,
		Delay:       250 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		MaxDuration: timeout,
		BackoffFunc: retry.DoubleDelay,
		Clock:       clk,
		Stop:        ctx.Done(),
	})
	if err != nil {
		if last := retry.LastError(err); last != nil {
			err = last
		}
		return pkgerrors.Wrap(err, "ping SQL Server")
	}
	return nil
}

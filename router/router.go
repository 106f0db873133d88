// Package router multiplexes one physical SQL Server connection pool across the
// logical payroll databases. Every routed call leases its own connection, binds
// it to the caller's tenant with USE, runs, and returns the connection to the
// pool, so concurrent requests for different tenants never see each other's
// database selection.
package router

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"payroll/metrics"
	"payroll/requestctx"
	"payroll/tenant"
)

const (
	defaultAcquireTimeout     = 5 * time.Second
	defaultSessionIdleTimeout = 30 * time.Minute
	defaultSweepInterval      = time.Minute
)

// Config bounds lease waits and session lifetime.
type Config struct {
	// AcquireTimeout caps how long a call waits for a pooled connection.
	AcquireTimeout time.Duration
	// SessionIdleTimeout is how long a session binding survives without use.
	SessionIdleTimeout time.Duration
	// SweepInterval is the period of the idle-session sweeper started by Run.
	SweepInterval time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		AcquireTimeout:     defaultAcquireTimeout,
		SessionIdleTimeout: defaultSessionIdleTimeout,
		SweepInterval:      defaultSweepInterval,
	}
}

func (c Config) normalized() Config {
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = defaultAcquireTimeout
	}
	if c.SessionIdleTimeout <= 0 {
		c.SessionIdleTimeout = defaultSessionIdleTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaultSweepInterval
	}
	return c
}

// Option customises a Router.
type Option func(*Router)

// WithClock replaces the wall clock used for session timestamps and sweeps.
func WithClock(c clock.Clock) Option {
	return func(r *Router) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics attaches a metrics registry.
func WithMetrics(m *metrics.Registry) Option {
	return func(r *Router) { r.metrics = m }
}

// Router is the tenant router. It is safe for concurrent use and is meant to be
// constructed once per process and injected into every component that queries
// tenant data.
type Router struct {
	db      *sql.DB
	catalog tenant.Catalog
	cfg     Config
	clock   clock.Clock
	logger  *zap.Logger
	metrics *metrics.Registry

	sessions        sync.Map // session id -> *session
	sessionCount    atomic.Int64
	leasesExhausted atomic.Int64
}

// New builds a Router over db. The pool size is whatever db was configured
// with; the router never opens connections outside it.
func New(db *sql.DB, catalog tenant.Catalog, cfg Config, opts ...Option) (*Router, error) {
	if db == nil {
		return nil, errors.New("router: db is required")
	}
	if catalog.Len() == 0 {
		return nil, errors.New("router: tenant catalog is empty")
	}
	r := &Router{
		db:      db,
		catalog: catalog,
		cfg:     cfg.normalized(),
		clock:   clock.WallClock,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Catalog returns the tenant catalog the router resolves against.
func (r *Router) Catalog() tenant.Catalog {
	return r.catalog
}

// Run sweeps idle sessions every SweepInterval until ctx is cancelled.
func (r *Router) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.clock.After(r.cfg.SweepInterval):
			r.SweepIdle()
		}
	}
}

// tenantFor returns the tenant a routed call made with ctx must use. A tenant
// pinned on the context wins over the session binding.
func (r *Router) tenantFor(ctx context.Context) (tenant.Database, error) {
	if db, ok := requestctx.TenantFrom(ctx); ok {
		return db, nil
	}
	sessionID, ok := requestctx.SessionID(ctx)
	if !ok {
		return tenant.Database{}, ErrNoTenantSelected
	}
	value, ok := r.sessions.Load(sessionID)
	if !ok {
		return tenant.Database{}, ErrNoTenantSelected
	}
	s := value.(*session)
	s.touch(r.clock.Now())
	return s.db, nil
}

package router

import (
	"context"
	"time"
)

// Stats is a snapshot of pool and session counters.
type Stats struct {
	MaxOpen         int           `json:"maxOpen"`
	Open            int           `json:"open"`
	InUse           int           `json:"inUse"`
	Idle            int           `json:"idle"`
	Available       int           `json:"available"`
	WaitCount       int64         `json:"waitCount"`
	WaitDuration    time.Duration `json:"waitDuration"`
	Sessions        int           `json:"sessions"`
	LeasesExhausted int64         `json:"leasesExhausted"`
}

// Status is the result of a health check.
type Status struct {
	Healthy bool          `json:"healthy"`
	Latency time.Duration `json:"latency"`
	Error   string        `json:"error,omitempty"`
	Stats   Stats         `json:"stats"`
}

// Stats reports pool occupancy. Available is the number of leases that could
// be handed out right now without waiting.
func (r *Router) Stats() Stats {
	dbStats := r.db.Stats()
	available := dbStats.MaxOpenConnections - dbStats.InUse
	if dbStats.MaxOpenConnections <= 0 {
		available = -1
	}
	return Stats{
		MaxOpen:         dbStats.MaxOpenConnections,
		Open:            dbStats.OpenConnections,
		InUse:           dbStats.InUse,
		Idle:            dbStats.Idle,
		Available:       available,
		WaitCount:       dbStats.WaitCount,
		WaitDuration:    dbStats.WaitDuration,
		Sessions:        int(r.sessionCount.Load()),
		LeasesExhausted: r.leasesExhausted.Load(),
	}
}

// HealthCheck runs SELECT 1 on an unbound lease. It does not need a tenant.
func (r *Router) HealthCheck(ctx context.Context) Status {
	start := time.Now()
	status := Status{}
	conn, err := r.lease(ctx, "")
	if err == nil {
		var one int
		err = conn.QueryRowContext(ctx, "SELECT 1").Scan(&one)
		_ = conn.Close()
	}
	status.Latency = time.Since(start)
	status.Healthy = err == nil
	if err != nil {
		status.Error = err.Error()
	}
	status.Stats = r.Stats()
	return status
}

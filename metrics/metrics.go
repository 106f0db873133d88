package metrics

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "payroll"

// Step outcomes recorded by ObserveStep.
const (
	OutcomeSuccess             = "success"
	OutcomePreconditionFailed  = "precondition_failed"
	OutcomeConflict            = "conflict"
	OutcomeCollaboratorFailed  = "collaborator_failed"
	OutcomeCollaboratorTimeout = "collaborator_timeout"
	OutcomeError               = "error"
)

// Registry owns the payroll-manager collectors. A nil *Registry is valid and
// records nothing, so components can be built without metrics in tests.
type Registry struct {
	reg *prometheus.Registry

	steps             *prometheus.CounterVec
	stepDuration      *prometheus.HistogramVec
	procedureDuration *prometheus.HistogramVec
	transitions       *prometheus.CounterVec
	leaseWait         prometheus.Histogram
	leasesExhausted   prometheus.Counter
	statementFailures *prometheus.CounterVec
	sessions          prometheus.Gauge
	sessionsReclaimed prometheus.Counter
}

var durationBucketsLease = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

var durationBucketsStep = []float64{0.05, 0.25, 1, 5, 15, 30, 60, 300, 900, 1800}

// New constructs a Registry with Go runtime and process collectors attached.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_steps_total",
			Help:      "Pipeline step invocations by tenant, step and outcome.",
		}, []string{"tenant", "step", "outcome"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_step_duration_seconds",
			Help:      "End-to-end pipeline step duration in seconds.",
			Buckets:   durationBucketsStep,
		}, []string{"step"}),
		procedureDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "procedure_duration_seconds",
			Help:      "Stored procedure collaborator duration in seconds.",
			Buckets:   durationBucketsStep,
		}, []string{"step", "outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_transitions_total",
			Help:      "Stage marker compare-and-set attempts by tenant and result.",
		}, []string{"tenant", "to", "result"}),
		leaseWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lease_wait_seconds",
			Help:      "Time spent waiting for a pooled connection.",
			Buckets:   durationBucketsLease,
		}),
		leasesExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "leases_exhausted_total",
			Help:      "Connection lease requests that timed out waiting for the pool.",
		}),
		statementFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "statement_failures_total",
			Help:      "Routed statements that failed in the driver, by tenant.",
		}, []string{"tenant"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Sessions currently bound to a tenant.",
		}),
		sessionsReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_reclaimed_total",
			Help:      "Idle sessions removed by the sweeper.",
		}),
	}
	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.steps,
		r.stepDuration,
		r.procedureDuration,
		r.transitions,
		r.leaseWait,
		r.leasesExhausted,
		r.statementFailures,
		r.sessions,
		r.sessionsReclaimed,
	)
	return r
}

// RegisterDB exports database/sql pool statistics for db.
func (r *Registry) RegisterDB(db *sql.DB, name string) error {
	if r == nil || db == nil {
		return nil
	}
	return r.reg.Register(collectors.NewDBStatsCollector(db, name))
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Gatherer exposes the underlying registry for tests and embedding.
func (r *Registry) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.reg
}

// ObserveStep records a pipeline step outcome and its duration.
func (r *Registry) ObserveStep(tenant, step, outcome string, duration time.Duration) {
	if r == nil {
		return
	}
	r.steps.WithLabelValues(tenant, step, outcome).Inc()
	r.stepDuration.WithLabelValues(step).Observe(duration.Seconds())
}

// ObserveProcedure records a collaborator call.
func (r *Registry) ObserveProcedure(step, outcome string, duration time.Duration) {
	if r == nil {
		return
	}
	r.procedureDuration.WithLabelValues(step, outcome).Observe(duration.Seconds())
}

// ObserveTransition records a compare-and-set result ("applied" or "conflict").
func (r *Registry) ObserveTransition(tenant, to, result string) {
	if r == nil {
		return
	}
	r.transitions.WithLabelValues(tenant, to, result).Inc()
}

// ObserveLeaseAcquired records how long a lease request waited.
func (r *Registry) ObserveLeaseAcquired(wait time.Duration) {
	if r == nil {
		return
	}
	r.leaseWait.Observe(wait.Seconds())
}

// ObserveLeaseExhausted records a lease request that timed out.
func (r *Registry) ObserveLeaseExhausted() {
	if r == nil {
		return
	}
	r.leasesExhausted.Inc()
}

// ObserveStatementFailure records a driver failure on a routed statement.
func (r *Registry) ObserveStatementFailure(tenant string) {
	if r == nil {
		return
	}
	r.statementFailures.WithLabelValues(tenant).Inc()
}

// SetSessions publishes the current session count.
func (r *Registry) SetSessions(n int) {
	if r == nil {
		return
	}
	r.sessions.Set(float64(n))
}

// ObserveSessionsReclaimed records sessions removed by the idle sweeper.
func (r *Registry) ObserveSessionsReclaimed(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.sessionsReclaimed.Add(float64(n))
}

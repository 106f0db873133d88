// Package stagegate guards the payroll stage marker. Every stage-advancing
// write is a single conditional UPDATE whose affected-row count decides the
// winner, so two requests that observed the same stage can never both advance
// it.
package stagegate

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/juju/clock"
	mssql "github.com/microsoft/go-mssqldb"
	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"

	"payroll/metrics"
	"payroll/pii"
	"payroll/router"
	"payroll/tenant"
)

// DefaultMarkerType is the marker row the payroll stages live on.
const DefaultMarkerType = "BT05"

const sqlDeadlockVictim = 1205

const readMarkerSQL = `SELECT [year], [month], stage, last_updated_by, last_updated_at
FROM dbo.payroll_stage_marker
WHERE marker_type = @p1`

const transitionSQL = `UPDATE dbo.payroll_stage_marker
   SET stage = @p1,
       last_updated_by = @p2,
       last_updated_at = @p3
 WHERE marker_type = @p4 AND stage = @p5`

// advanceSQL and advanceUntouchedSQL also pin last_updated_at, so a marker
// recalled and re-advanced to the same stage no longer matches.
const advanceSQL = transitionSQL + `
   AND last_updated_at = @p6`

const advanceUntouchedSQL = transitionSQL + `
   AND last_updated_at IS NULL`

const recallSQL = `UPDATE dbo.payroll_stage_marker
   SET stage = @p1,
       last_updated_by = @p2,
       last_updated_at = @p3
 WHERE marker_type = @p4`

// Querier is the routed statement surface the gate needs. *router.Router
// satisfies it.
type Querier interface {
	Query(ctx context.Context, statement string, args ...any) (router.RowSet, error)
	Exec(ctx context.Context, statement string, args ...any) (router.ExecResult, error)
	CurrentTenant(ctx context.Context) (tenant.Database, error)
}

// Option customises a Gate.
type Option func(*Gate)

// WithMarkerType selects a marker row other than DefaultMarkerType.
func WithMarkerType(markerType string) Option {
	return func(g *Gate) {
		if markerType = strings.TrimSpace(markerType); markerType != "" {
			g.markerType = markerType
		}
	}
}

// WithClock sets the clock used for last_updated_at.
func WithClock(c clock.Clock) Option {
	return func(g *Gate) {
		if c != nil {
			g.clock = c
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(g *Gate) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithMetrics attaches a metrics registry.
func WithMetrics(m *metrics.Registry) Option {
	return func(g *Gate) { g.metrics = m }
}

// Gate reads and advances the stage marker of whichever tenant the context
// routes to. It holds no marker state between calls.
type Gate struct {
	q          Querier
	markerType string
	clock      clock.Clock
	logger     *zap.Logger
	metrics    *metrics.Registry
}

// New returns a Gate issuing statements through q.
func New(q Querier, opts ...Option) *Gate {
	g := &Gate{
		q:          q,
		markerType: DefaultMarkerType,
		clock:      clock.WallClock,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// ReadMarker returns the live marker.
func (g *Gate) ReadMarker(ctx context.Context) (Marker, error) {
	set, err := g.q.Query(ctx, readMarkerSQL, g.markerType)
	if err != nil {
		return Marker{}, pkgerrors.Wrap(err, "read stage marker")
	}
	if set.Len() == 0 {
		return Marker{}, ErrMarkerMissing
	}
	year, err := set.Int64(0, "year")
	if err != nil {
		return Marker{}, err
	}
	month, err := set.Int64(0, "month")
	if err != nil {
		return Marker{}, err
	}
	stage, err := set.Int64(0, "stage")
	if err != nil {
		return Marker{}, err
	}
	by, err := set.String(0, "last_updated_by")
	if err != nil {
		return Marker{}, err
	}
	at, err := set.Time(0, "last_updated_at")
	if err != nil {
		return Marker{}, err
	}
	return Marker{
		Year:          int(year),
		Month:         int(month),
		Stage:         Stage(stage),
		LastUpdatedBy: by,
		LastUpdatedAt: normalizeDBTime(at),
	}, nil
}

// Require reads the marker and checks it against req. The marker is returned
// even when the check fails so callers can report the current stage.
func (g *Gate) Require(ctx context.Context, req Requirement) (Marker, error) {
	marker, err := g.ReadMarker(ctx)
	if err != nil {
		return Marker{}, err
	}
	return marker, req.Check(marker.Stage)
}

// Transition moves the marker from `from` to `to` if and only if the live
// stage still equals `from`. A lost race returns *ConflictError carrying the
// stage that won.
func (g *Gate) Transition(ctx context.Context, from, to Stage, actor string) error {
	return g.compareAndSet(ctx, from, to, actor, transitionSQL, int(to), nullString(actor), g.now(), g.markerType, int(from))
}

// Advance moves the marker from observed to `to` if and only if the row is
// unchanged since observed was read: same stage and same last_updated_at. A
// recall and re-advance to observed.Stage in between is reported as a
// *ConflictError whose Actual equals Expected.
func (g *Gate) Advance(ctx context.Context, observed Marker, to Stage, actor string) error {
	from := observed.Stage
	if observed.LastUpdatedAt.IsZero() {
		return g.compareAndSet(ctx, from, to, actor, advanceUntouchedSQL,
			int(to), nullString(actor), g.now(), g.markerType, int(from))
	}
	return g.compareAndSet(ctx, from, to, actor, advanceSQL,
		int(to), nullString(actor), g.now(), g.markerType, int(from), observed.LastUpdatedAt.UTC())
}

func (g *Gate) compareAndSet(ctx context.Context, from, to Stage, actor, statement string, args ...any) error {
	result, err := g.q.Exec(ctx, statement, args...)
	if err != nil {
		if isDeadlockVictim(err) {
			g.observeConflict(ctx, from, from, to, actor)
			return &ConflictError{Expected: from, Actual: from, Target: to, Deadlock: true}
		}
		return pkgerrors.Wrapf(err, "transition stage %d to %d", int(from), int(to))
	}
	if result.RowsAffected == 0 {
		marker, err := g.ReadMarker(ctx)
		if err != nil {
			return err
		}
		g.observeConflict(ctx, from, marker.Stage, to, actor)
		return &ConflictError{Expected: from, Actual: marker.Stage, Target: to}
	}

	tenantID := g.tenantID(ctx)
	g.metrics.ObserveTransition(tenantID, strconv.Itoa(int(to)), "applied")
	g.logger.Info("stage_transition",
		zap.String("tenant", tenantID),
		zap.Int("from", int(from)),
		zap.Int("to", int(to)),
		zap.String("actor_hash", pii.Hash(actor)),
	)
	return nil
}

// Recall resets the marker to Open whatever its current stage.
func (g *Gate) Recall(ctx context.Context, actor string) error {
	result, err := g.q.Exec(ctx, recallSQL, int(Open), nullString(actor), g.now(), g.markerType)
	if err != nil {
		return pkgerrors.Wrap(err, "recall stage marker")
	}
	if result.RowsAffected == 0 {
		return ErrMarkerMissing
	}
	tenantID := g.tenantID(ctx)
	g.metrics.ObserveTransition(tenantID, strconv.Itoa(int(Open)), "forced")
	g.logger.Warn("stage_recalled",
		zap.String("tenant", tenantID),
		zap.String("actor_hash", pii.Hash(actor)),
	)
	return nil
}

func (g *Gate) observeConflict(ctx context.Context, expected, actual, to Stage, actor string) {
	tenantID := g.tenantID(ctx)
	g.metrics.ObserveTransition(tenantID, strconv.Itoa(int(to)), "conflict")
	g.logger.Info("stage_conflict",
		zap.String("tenant", tenantID),
		zap.Int("expected", int(expected)),
		zap.Int("actual", int(actual)),
		zap.Int("to", int(to)),
		zap.String("actor_hash", pii.Hash(actor)),
	)
}

func (g *Gate) tenantID(ctx context.Context) string {
	db, err := g.q.CurrentTenant(ctx)
	if err != nil {
		return ""
	}
	return db.ID
}

// now is truncated to the millisecond precision of the datetime2(3) column.
func (g *Gate) now() time.Time {
	return g.clock.Now().UTC().Truncate(time.Millisecond)
}

func isDeadlockVictim(err error) bool {
	var sqlErr mssql.Error
	if !errors.As(err, &sqlErr) {
		return false
	}
	return sqlErr.Number == sqlDeadlockVictim
}

func nullString(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func normalizeDBTime(value time.Time) time.Time {
	if value.IsZero() {
		return value
	}
	return time.Date(
		value.Year(),
		value.Month(),
		value.Day(),
		value.Hour(),
		value.Minute(),
		value.Second(),
		value.Nanosecond(),
		time.UTC,
	)
}

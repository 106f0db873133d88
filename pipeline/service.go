// Package pipeline coordinates the payroll processing steps. Each step reads the
// tenant's stage marker, refuses to run out of order, delegates the heavy work
// to a tenant-scoped procedure, and advances the marker only when that
// procedure succeeded and nobody else advanced it first.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"

	"payroll/metrics"
	"payroll/pii"
	"payroll/requestctx"
	"payroll/router"
	"payroll/stagegate"
	"payroll/tenant"
)

const (
	defaultProcedureTimeout    = 10 * time.Minute
	defaultOverviewConcurrency = 4
)

// Status is the envelope status of a step result.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

// Step names a pipeline operation.
type Step string

const (
	StepSave           Step = "save"
	StepRecall         Step = "recall"
	StepInputVariables Step = "input-variables"
	StepMasterFile     Step = "master-file"
	StepBackup         Step = "backup"
	StepCalculate      Step = "calculate"
)

type stepSpec struct {
	step        Step
	require     stagegate.Requirement
	to          stagegate.Stage
	belowReason string
	aboveReason string
	next        string
}

var stepSpecs = map[Step]stepSpec{
	StepSave: {
		step:        StepSave,
		require:     stagegate.Exactly(stagegate.Open),
		to:          stagegate.EntryClosed,
		belowReason: ReasonStageOutOfOrder,
		aboveReason: ReasonEntryAlreadyClosed,
		next:        "Personnel reconciliation",
	},
	StepRecall: {
		step:        StepRecall,
		require:     stagegate.Between(stagegate.Open, stagegate.Calculated),
		to:          stagegate.Open,
		belowReason: ReasonStageOutOfOrder,
		aboveReason: ReasonAlreadyCalculated,
		next:        "Close data entry",
	},
	StepInputVariables: {
		step:        StepInputVariables,
		require:     stagegate.Exactly(stagegate.PersonnelReconciled),
		to:          stagegate.InputVariablesReconciled,
		belowReason: ReasonPersonnelStepNotDone,
		aboveReason: ReasonAlreadyProcessed,
		next:        "Update master file",
	},
	StepMasterFile: {
		step:        StepMasterFile,
		require:     stagegate.Exactly(stagegate.InputVariablesReconciled),
		to:          stagegate.MasterUpdated,
		belowReason: ReasonInputVariablesNotDone,
		aboveReason: ReasonMasterAlreadyUpdated,
		next:        "Back up payroll data",
	},
	StepBackup: {
		step:        StepBackup,
		require:     stagegate.Exactly(stagegate.MasterUpdated),
		to:          stagegate.BackedUp,
		belowReason: ReasonMasterFileNotUpdated,
		aboveReason: ReasonAlreadyBackedUp,
		next:        "Calculate payroll",
	},
	StepCalculate: {
		step:        StepCalculate,
		require:     stagegate.Between(stagegate.BackedUp, stagegate.Calculated),
		to:          stagegate.Calculated,
		belowReason: ReasonBackupNotDone,
		aboveReason: ReasonAlreadyCalculated,
	},
}

// Steps lists the steps in pipeline order.
func Steps() []Step {
	return []Step{StepSave, StepRecall, StepInputVariables, StepMasterFile, StepBackup, StepCalculate}
}

// ParseStep maps a step name to a Step.
func ParseStep(name string) (Step, bool) {
	_, ok := stepSpecs[Step(name)]
	return Step(name), ok
}

// Result is the envelope returned by every step.
type Result struct {
	Status    Status          `json:"status"`
	Stage     stagegate.Stage `json:"stage"`
	Progress  string          `json:"progress"`
	NextStage string          `json:"nextStage,omitempty"`
	Summary   *Summary        `json:"result,omitempty"`
}

// Config bounds collaborator calls.
type Config struct {
	ProcedureTimeout    time.Duration
	OverviewConcurrency int
}

func (c Config) normalized() Config {
	if c.ProcedureTimeout <= 0 {
		c.ProcedureTimeout = defaultProcedureTimeout
	}
	if c.OverviewConcurrency <= 0 {
		c.OverviewConcurrency = defaultOverviewConcurrency
	}
	return c
}

// Option customises a Service.
type Option func(*Service)

// WithProcedure sets the collaborator of step. A step without a procedure only
// moves the marker.
func WithProcedure(step Step, p Procedure) Option {
	return func(s *Service) { s.procedures[step] = p }
}

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics attaches a metrics registry.
func WithMetrics(m *metrics.Registry) Option {
	return func(s *Service) { s.metrics = m }
}

// Service runs pipeline steps for the tenant routed by the request context.
type Service struct {
	router     *router.Router
	gate       *stagegate.Gate
	cfg        Config
	procedures map[Step]Procedure
	logger     *zap.Logger
	metrics    *metrics.Registry
}

// New builds a Service.
func New(r *router.Router, gate *stagegate.Gate, cfg Config, opts ...Option) *Service {
	s := &Service{
		router:     r,
		gate:       gate,
		cfg:        cfg.normalized(),
		procedures: make(map[Step]Procedure),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Save closes data entry for the period.
func (s *Service) Save(ctx context.Context) (Result, error) {
	return s.Run(ctx, StepSave)
}

// Recall reopens data entry. It is refused once the period is calculated.
func (s *Service) Recall(ctx context.Context) (Result, error) {
	return s.Run(ctx, StepRecall)
}

// ProcessInputVariables reconciles input variables after personnel
// reconciliation.
func (s *Service) ProcessInputVariables(ctx context.Context) (Result, error) {
	return s.Run(ctx, StepInputVariables)
}

// UpdateMasterFile applies reconciled variables to the master file.
func (s *Service) UpdateMasterFile(ctx context.Context) (Result, error) {
	return s.Run(ctx, StepMasterFile)
}

// Backup snapshots payroll data before calculation.
func (s *Service) Backup(ctx context.Context) (Result, error) {
	return s.Run(ctx, StepBackup)
}

// Calculate runs the payroll calculation.
func (s *Service) Calculate(ctx context.Context) (Result, error) {
	return s.Run(ctx, StepCalculate)
}

// Run executes step. On failure the returned Result has StatusFailed and, when
// the marker could be read, the current stage.
func (s *Service) Run(ctx context.Context, step Step) (Result, error) {
	spec, ok := stepSpecs[step]
	if !ok {
		return Result{Status: StatusFailed}, fmt.Errorf("unknown pipeline step %q", step)
	}
	start := time.Now()

	db, err := s.router.CurrentTenant(ctx)
	if err != nil {
		s.metrics.ObserveStep("", string(step), metrics.OutcomeError, time.Since(start))
		return Result{Status: StatusFailed}, err
	}
	// The rest of the step routes to db even if the session is rebound.
	ctx = requestctx.WithTenant(ctx, db)
	actor := requestctx.Actor(ctx)

	marker, err := s.gate.Require(ctx, spec.require)
	if err != nil {
		failed := Result{Status: StatusFailed, Stage: marker.Stage, Progress: marker.Stage.Label()}
		outcome := metrics.OutcomeError
		var outOfOrder *stagegate.OutOfOrderError
		var advanced *stagegate.AlreadyAdvancedError
		switch {
		case errors.As(err, &outOfOrder):
			outcome = metrics.OutcomePreconditionFailed
			err = &PreconditionError{Step: step, Reason: spec.belowReason, Current: outOfOrder.Current, Required: outOfOrder.Required, Err: err}
		case errors.As(err, &advanced):
			outcome = metrics.OutcomePreconditionFailed
			err = &PreconditionError{Step: step, Reason: spec.aboveReason, Current: advanced.Current, Required: advanced.Required, Err: err}
		default:
			failed = Result{Status: StatusFailed}
		}
		s.metrics.ObserveStep(db.ID, string(step), outcome, time.Since(start))
		return failed, err
	}

	summary, err := s.invoke(ctx, spec, db, marker, actor)
	if err != nil {
		outcome := metrics.OutcomeCollaboratorFailed
		if errors.Is(err, ErrCollaboratorTimeout) {
			outcome = metrics.OutcomeCollaboratorTimeout
		}
		s.metrics.ObserveStep(db.ID, string(step), outcome, time.Since(start))
		return Result{Status: StatusFailed, Stage: marker.Stage, Progress: marker.Stage.Label()}, err
	}

	if err := s.gate.Advance(ctx, marker, spec.to, actor); err != nil {
		outcome := metrics.OutcomeError
		var conflict *stagegate.ConflictError
		if errors.As(err, &conflict) {
			outcome = metrics.OutcomeConflict
			s.logger.Warn("stage_conflict_after_procedure",
				zap.String("tenant", db.ID),
				zap.String("step", string(step)),
				zap.Int("expected", int(conflict.Expected)),
				zap.Int("actual", int(conflict.Actual)),
			)
		}
		s.metrics.ObserveStep(db.ID, string(step), outcome, time.Since(start))
		return Result{Status: StatusFailed, Stage: marker.Stage, Progress: marker.Stage.Label()}, err
	}

	s.metrics.ObserveStep(db.ID, string(step), metrics.OutcomeSuccess, time.Since(start))
	return Result{
		Status:    StatusSuccess,
		Stage:     spec.to,
		Progress:  spec.to.Label(),
		NextStage: spec.next,
		Summary:   summary,
	}, nil
}

func (s *Service) invoke(ctx context.Context, spec stepSpec, db tenant.Database, marker stagegate.Marker, actor string) (*Summary, error) {
	proc := s.procedures[spec.step]
	if proc == nil {
		return nil, nil
	}

	call := Call{
		Step:   spec.step,
		Tenant: db,
		Year:   marker.Year,
		Month:  marker.Month,
		Period: marker.Period(),
		Actor:  actor,
		RunID:  uuid.NewString(),
	}
	runCtx, cancel := context.WithTimeout(ctx, s.cfg.ProcedureTimeout)
	defer cancel()

	start := time.Now()
	outcome, err := proc.Run(runCtx, call)
	elapsed := time.Since(start)

	var failure error
	switch {
	case ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded):
		failure = pkgerrors.Wrapf(ErrCollaboratorTimeout, "%s procedure after %s", spec.step, s.cfg.ProcedureTimeout)
	case err != nil:
		failure = &CollaboratorError{Step: spec.step, Err: err}
	case !outcome.Success:
		failure = &CollaboratorError{Step: spec.step, Message: outcome.Message}
	}
	if failure != nil {
		result := metrics.OutcomeCollaboratorFailed
		if errors.Is(failure, ErrCollaboratorTimeout) {
			result = metrics.OutcomeCollaboratorTimeout
		}
		s.metrics.ObserveProcedure(string(spec.step), result, elapsed)
		s.logger.Warn("procedure_failed",
			zap.String("tenant", db.ID),
			zap.String("step", string(spec.step)),
			zap.String("run_id", call.RunID),
			zap.String("actor_hash", pii.Hash(actor)),
			zap.String("request_id", requestctx.RequestID(ctx)),
			zap.Duration("elapsed", elapsed),
			zap.Error(failure),
		)
		return nil, failure
	}

	s.metrics.ObserveProcedure(string(spec.step), metrics.OutcomeSuccess, elapsed)
	summary := outcome.Summary
	if summary != nil && summary.RunID == "" {
		summary.RunID = call.RunID
	}
	return summary, nil
}

package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-sql/civil"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"payroll/requestctx"
	"payroll/router"
	"payroll/sqlfake"
	"payroll/stagegate"
	"payroll/tenant"
)

type fixture struct {
	svc    *Service
	srv    *sqlfake.Server
	router *router.Router
	ctx    context.Context
}

func newFixture(t *testing.T, stage stagegate.Stage, cfg Config, opts ...Option) fixture {
	t.Helper()
	catalog, err := tenant.NewCatalog([]tenant.Database{
		{ID: "officers", DisplayName: "Officers", PhysicalName: "PAYROLL_OFFICERS", Aliases: []string{"1"}, Active: true},
		{ID: "ratings", DisplayName: "Ratings", PhysicalName: "PAYROLL_RATINGS", Aliases: []string{"2"}, Active: true},
		{ID: "juniors", PhysicalName: "PAYROLL_JUNIORS", Active: false},
	})
	require.NoError(t, err)

	srv := sqlfake.New("PAYROLL_OFFICERS", "PAYROLL_RATINGS")
	srv.SetMarker("PAYROLL_OFFICERS", sqlfake.MarkerRow{Year: 2024, Month: 3, Stage: int64(stage)})
	db := srv.OpenDB(4)
	t.Cleanup(func() { _ = db.Close() })

	logger := zaptest.NewLogger(t)
	r, err := router.New(db, catalog, router.Config{}, router.WithLogger(logger))
	require.NoError(t, err)
	gate := stagegate.New(r, stagegate.WithLogger(logger))

	ctx := requestctx.WithIdentity(context.Background(), requestctx.Identity{
		ActorID:          "NN1234",
		ActorDisplayName: "Lt. Okafor",
	})
	_, err = r.ResolveTenant(ctx, "officers")
	require.NoError(t, err)

	opts = append([]Option{WithLogger(logger)}, opts...)
	return fixture{
		svc:    New(r, gate, cfg, opts...),
		srv:    srv,
		router: r,
		ctx:    ctx,
	}
}

func (f fixture) stage(t *testing.T) stagegate.Stage {
	t.Helper()
	row, ok := f.srv.Marker("PAYROLL_OFFICERS")
	require.True(t, ok)
	return stagegate.Stage(row.Stage)
}

func (f fixture) setStage(stage stagegate.Stage) {
	f.srv.SetMarker("PAYROLL_OFFICERS", sqlfake.MarkerRow{Year: 2024, Month: 3, Stage: int64(stage)})
}

func requirePrecondition(t *testing.T, err error, reason string, current, required stagegate.Stage) {
	t.Helper()
	var precondition *PreconditionError
	require.True(t, errors.As(err, &precondition), "expected precondition error, got %v", err)
	assert.Equal(t, reason, precondition.Reason)
	assert.Equal(t, current, precondition.Current)
	assert.Equal(t, required, precondition.Required)
}

func TestProcessInputVariablesBeforePersonnelReconciliation(t *testing.T) {
	var calls atomic.Int32
	proc := ProcedureFunc(func(context.Context, Call) (Outcome, error) {
		calls.Add(1)
		return Outcome{Success: true}, nil
	})
	f := newFixture(t, stagegate.EntryClosed, Config{}, WithProcedure(StepInputVariables, proc))

	result, err := f.svc.ProcessInputVariables(f.ctx)
	requirePrecondition(t, err, ReasonPersonnelStepNotDone, stagegate.EntryClosed, stagegate.PersonnelReconciled)
	var outOfOrder *stagegate.OutOfOrderError
	assert.True(t, errors.As(err, &outOfOrder))
	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, stagegate.EntryClosed, result.Stage)
	assert.Equal(t, stagegate.EntryClosed, f.stage(t))
	assert.Equal(t, int32(0), calls.Load())
}

func TestProcessInputVariablesRunsOnceAtPersonnelReconciled(t *testing.T) {
	f := newFixture(t, stagegate.PersonnelReconciled, Config{})

	result, err := f.svc.ProcessInputVariables(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, result.Status)
	assert.Equal(t, stagegate.InputVariablesReconciled, result.Stage)
	assert.Equal(t, "Input variables processed", result.Progress)
	assert.Equal(t, "Update master file", result.NextStage)

	row, _ := f.srv.Marker("PAYROLL_OFFICERS")
	assert.Equal(t, "Lt. Okafor", row.LastUpdatedBy)

	_, err = f.svc.ProcessInputVariables(f.ctx)
	requirePrecondition(t, err, ReasonAlreadyProcessed, stagegate.InputVariablesReconciled, stagegate.PersonnelReconciled)
	var advanced *stagegate.AlreadyAdvancedError
	assert.True(t, errors.As(err, &advanced))
	assert.Equal(t, stagegate.InputVariablesReconciled, f.stage(t))
}

func TestCalculateGatingOverEveryStage(t *testing.T) {
	f := newFixture(t, stagegate.Open, Config{})

	for _, stage := range stagegate.Stages() {
		t.Run(stage.String(), func(t *testing.T) {
			f.setStage(stage)
			result, err := f.svc.Calculate(f.ctx)
			switch {
			case stage < stagegate.BackedUp:
				requirePrecondition(t, err, ReasonBackupNotDone, stage, stagegate.BackedUp)
				assert.Equal(t, stage, f.stage(t))
			case stage == stagegate.Calculated:
				requirePrecondition(t, err, ReasonAlreadyCalculated, stage, stagegate.BackedUp)
				assert.Equal(t, stagegate.Calculated, f.stage(t))
			default:
				require.NoError(t, err)
				assert.Equal(t, stagegate.Calculated, result.Stage)
				assert.Empty(t, result.NextStage)
				assert.Equal(t, stagegate.Calculated, f.stage(t))
			}
		})
	}
}

func TestRecallResetsAnyStageBeforeCalculation(t *testing.T) {
	f := newFixture(t, stagegate.Open, Config{})

	for _, stage := range stagegate.Stages() {
		t.Run(stage.String(), func(t *testing.T) {
			f.setStage(stage)
			result, err := f.svc.Recall(f.ctx)
			if stage == stagegate.Calculated {
				requirePrecondition(t, err, ReasonAlreadyCalculated, stagegate.Calculated, stagegate.Open)
				assert.Equal(t, stagegate.Calculated, f.stage(t))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, stagegate.Open, result.Stage)
			assert.Equal(t, stagegate.Open, f.stage(t))
		})
	}
}

func TestRecallIsIdempotent(t *testing.T) {
	f := newFixture(t, stagegate.MasterUpdated, Config{})
	for i := 0; i < 3; i++ {
		result, err := f.svc.Recall(f.ctx)
		require.NoError(t, err)
		assert.Equal(t, StatusSuccess, result.Status)
	}
	assert.Equal(t, stagegate.Open, f.stage(t))
}

func TestSaveAndBackupGating(t *testing.T) {
	f := newFixture(t, stagegate.Open, Config{})

	result, err := f.svc.Save(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, stagegate.EntryClosed, result.Stage)
	_, err = f.svc.Save(f.ctx)
	requirePrecondition(t, err, ReasonEntryAlreadyClosed, stagegate.EntryClosed, stagegate.Open)

	f.setStage(stagegate.InputVariablesReconciled)
	_, err = f.svc.Backup(f.ctx)
	requirePrecondition(t, err, ReasonMasterFileNotUpdated, stagegate.InputVariablesReconciled, stagegate.MasterUpdated)

	f.setStage(stagegate.MasterUpdated)
	result, err = f.svc.Backup(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, stagegate.BackedUp, result.Stage)
	assert.Equal(t, "Calculate payroll", result.NextStage)
	_, err = f.svc.Backup(f.ctx)
	requirePrecondition(t, err, ReasonAlreadyBackedUp, stagegate.BackedUp, stagegate.MasterUpdated)
}

func TestUpdateMasterFileGating(t *testing.T) {
	f := newFixture(t, stagegate.PersonnelReconciled, Config{})
	_, err := f.svc.UpdateMasterFile(f.ctx)
	requirePrecondition(t, err, ReasonInputVariablesNotDone, stagegate.PersonnelReconciled, stagegate.InputVariablesReconciled)

	f.setStage(stagegate.MasterUpdated)
	_, err = f.svc.UpdateMasterFile(f.ctx)
	requirePrecondition(t, err, ReasonMasterAlreadyUpdated, stagegate.MasterUpdated, stagegate.InputVariablesReconciled)
}

func TestConcurrentUpdateMasterFileOneWins(t *testing.T) {
	var arrived atomic.Int32
	release := make(chan struct{})
	proc := ProcedureFunc(func(ctx context.Context, _ Call) (Outcome, error) {
		if arrived.Add(1) == 2 {
			close(release)
		}
		select {
		case <-release:
			return Outcome{Success: true}, nil
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		}
	})
	f := newFixture(t, stagegate.InputVariablesReconciled, Config{ProcedureTimeout: 5 * time.Second},
		WithProcedure(StepMasterFile, proc))

	var wg sync.WaitGroup
	results := make([]Result, 2)
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.svc.UpdateMasterFile(f.ctx)
		}(i)
	}
	wg.Wait()

	wins, conflicts := 0, 0
	for i, err := range errs {
		var conflict *stagegate.ConflictError
		switch {
		case err == nil:
			wins++
			assert.Equal(t, StatusSuccess, results[i].Status)
		case errors.As(err, &conflict):
			conflicts++
			assert.Equal(t, stagegate.InputVariablesReconciled, conflict.Expected)
			assert.Equal(t, stagegate.MasterUpdated, conflict.Actual)
			assert.Equal(t, StatusFailed, results[i].Status)
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, conflicts)
	assert.Equal(t, stagegate.MasterUpdated, f.stage(t))
}

func TestCollaboratorFailureLeavesMarker(t *testing.T) {
	boom := errors.New("arithmetic overflow in allowance table")
	f := newFixture(t, stagegate.BackedUp, Config{},
		WithProcedure(StepCalculate, ProcedureFunc(func(context.Context, Call) (Outcome, error) {
			return Outcome{}, boom
		})))

	result, err := f.svc.Calculate(f.ctx)
	var collaborator *CollaboratorError
	require.True(t, errors.As(err, &collaborator))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, StepCalculate, collaborator.Step)
	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, stagegate.BackedUp, result.Stage)
	assert.Equal(t, stagegate.BackedUp, f.stage(t))
}

func TestUnsuccessfulOutcomeLeavesMarker(t *testing.T) {
	f := newFixture(t, stagegate.PersonnelReconciled, Config{},
		WithProcedure(StepInputVariables, ProcedureFunc(func(context.Context, Call) (Outcome, error) {
			return Outcome{Success: false, Message: "3 personnel records unreconciled"}, nil
		})))

	_, err := f.svc.ProcessInputVariables(f.ctx)
	var collaborator *CollaboratorError
	require.True(t, errors.As(err, &collaborator))
	assert.Equal(t, "3 personnel records unreconciled", collaborator.Message)
	assert.Equal(t, stagegate.PersonnelReconciled, f.stage(t))
}

func TestCollaboratorTimeoutLeavesMarker(t *testing.T) {
	f := newFixture(t, stagegate.InputVariablesReconciled, Config{ProcedureTimeout: 20 * time.Millisecond},
		WithProcedure(StepMasterFile, ProcedureFunc(func(ctx context.Context, _ Call) (Outcome, error) {
			<-ctx.Done()
			return Outcome{}, ctx.Err()
		})))

	result, err := f.svc.UpdateMasterFile(f.ctx)
	assert.ErrorIs(t, err, ErrCollaboratorTimeout)
	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, stagegate.InputVariablesReconciled, f.stage(t))
}

func TestProcedureReceivesPeriodAndActor(t *testing.T) {
	var got Call
	f := newFixture(t, stagegate.BackedUp, Config{},
		WithProcedure(StepCalculate, ProcedureFunc(func(_ context.Context, call Call) (Outcome, error) {
			got = call
			return Outcome{Success: true, Summary: &Summary{
				Records: 412,
				Totals:  map[string]decimal.Decimal{"gross": decimal.RequireFromString("1843221.50")},
			}}, nil
		})))

	result, err := f.svc.Calculate(f.ctx)
	require.NoError(t, err)

	assert.Equal(t, StepCalculate, got.Step)
	assert.Equal(t, "officers", got.Tenant.ID)
	assert.Equal(t, 2024, got.Year)
	assert.Equal(t, 3, got.Month)
	assert.Equal(t, civil.Date{Year: 2024, Month: time.March, Day: 1}, got.Period)
	assert.Equal(t, "Lt. Okafor", got.Actor)
	_, err = uuid.Parse(got.RunID)
	require.NoError(t, err)

	require.NotNil(t, result.Summary)
	assert.Equal(t, got.RunID, result.Summary.RunID)
	assert.Equal(t, int64(412), result.Summary.Records)
	assert.True(t, decimal.RequireFromString("1843221.5").Equal(result.Summary.Totals["gross"]))
}

func TestSessionRebindDuringStepKeepsTenant(t *testing.T) {
	var procTenant string
	var f fixture
	f = newFixture(t, stagegate.BackedUp, Config{},
		WithProcedure(StepCalculate, ProcedureFunc(func(ctx context.Context, call Call) (Outcome, error) {
			procTenant = call.Tenant.ID
			_, err := f.router.ResolveTenant(ctx, "ratings")
			require.NoError(t, err)
			return Outcome{Success: true}, nil
		})))
	f.srv.SetMarker("PAYROLL_RATINGS", sqlfake.MarkerRow{Year: 2024, Month: 3, Stage: int64(stagegate.BackedUp)})

	result, err := f.svc.Calculate(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, result.Status)
	assert.Equal(t, "officers", procTenant)
	assert.Equal(t, stagegate.Calculated, f.stage(t))
	ratings, ok := f.srv.Marker("PAYROLL_RATINGS")
	require.True(t, ok)
	assert.Equal(t, int64(stagegate.BackedUp), ratings.Stage)

	current, err := f.router.CurrentTenant(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, "ratings", current.ID)
}

func TestRecallAndReAdvanceDuringStepIsConflict(t *testing.T) {
	var f fixture
	f = newFixture(t, stagegate.BackedUp, Config{},
		WithProcedure(StepCalculate, ProcedureFunc(func(context.Context, Call) (Outcome, error) {
			f.srv.SetMarker("PAYROLL_OFFICERS", sqlfake.MarkerRow{
				Year:          2024,
				Month:         3,
				Stage:         int64(stagegate.BackedUp),
				LastUpdatedBy: "ops",
				LastUpdatedAt: time.Date(2024, 3, 28, 15, 0, 0, 0, time.UTC),
			})
			return Outcome{Success: true}, nil
		})))

	result, err := f.svc.Calculate(f.ctx)
	var conflict *stagegate.ConflictError
	require.True(t, errors.As(err, &conflict), "got %v", err)
	assert.Equal(t, stagegate.BackedUp, conflict.Expected)
	assert.Equal(t, stagegate.BackedUp, conflict.Actual)
	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, stagegate.BackedUp, f.stage(t))
}

func TestStepWithoutTenant(t *testing.T) {
	f := newFixture(t, stagegate.Open, Config{})
	ctx := requestctx.WithIdentity(context.Background(), requestctx.Identity{ActorID: "NN9999"})

	result, err := f.svc.Save(ctx)
	assert.ErrorIs(t, err, router.ErrNoTenantSelected)
	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, stagegate.Open, f.stage(t))
}

func TestRunUnknownStep(t *testing.T) {
	f := newFixture(t, stagegate.Open, Config{})
	_, err := f.svc.Run(f.ctx, Step("publish"))
	assert.Error(t, err)

	step, ok := ParseStep("master-file")
	assert.True(t, ok)
	assert.Equal(t, StepMasterFile, step)
	_, ok = ParseStep("publish")
	assert.False(t, ok)
	assert.Len(t, Steps(), 6)
}

func TestOverviewReportsEveryActiveTenant(t *testing.T) {
	f := newFixture(t, stagegate.EntryClosed, Config{OverviewConcurrency: 2})

	overview, err := f.svc.Overview(context.Background())
	require.NoError(t, err)
	require.Len(t, overview, 2)

	assert.Equal(t, "officers", overview[0].Tenant)
	assert.Equal(t, "Officers", overview[0].DisplayName)
	assert.Equal(t, stagegate.EntryClosed, overview[0].Stage)
	assert.Equal(t, "Data entry closed", overview[0].Progress)
	assert.Empty(t, overview[0].Error)

	assert.Equal(t, "ratings", overview[1].Tenant)
	assert.Contains(t, overview[1].Error, stagegate.ErrMarkerMissing.Error())
	assert.Equal(t, 1, f.router.Stats().Sessions)
}

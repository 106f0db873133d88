package pipeline

import (
	"errors"
	"fmt"

	"payroll/stagegate"
)

// ErrCollaboratorTimeout means the step's procedure did not answer within the
// procedure timeout. The marker is left unchanged.
var ErrCollaboratorTimeout = errors.New("collaborator timed out")

// Precondition failure reasons reported to callers.
const (
	ReasonStageOutOfOrder       = "stage_out_of_order"
	ReasonEntryAlreadyClosed    = "entry_already_closed"
	ReasonAlreadyCalculated     = "already_calculated"
	ReasonPersonnelStepNotDone  = "personnel_step_not_done"
	ReasonAlreadyProcessed      = "already_processed"
	ReasonInputVariablesNotDone = "input_variables_not_done"
	ReasonMasterAlreadyUpdated  = "master_already_updated"
	ReasonMasterFileNotUpdated  = "master_file_not_updated"
	ReasonAlreadyBackedUp       = "already_backed_up"
	ReasonBackupNotDone         = "backup_not_done"
	ReasonStageAlreadyAdvanced  = "stage_already_advanced"
)

// PreconditionError reports that the live stage does not allow the step. It
// wraps the gate's *stagegate.OutOfOrderError or *stagegate.AlreadyAdvancedError.
type PreconditionError struct {
	Step     Step
	Reason   string
	Current  stagegate.Stage
	Required stagegate.Stage
	Err      error
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s: %s (current stage %d, required %d)", e.Step, e.Reason, int(e.Current), int(e.Required))
}

func (e *PreconditionError) Unwrap() error { return e.Err }

// CollaboratorError reports a procedure that failed or did not report success.
type CollaboratorError struct {
	Step    Step
	Message string
	Err     error
}

func (e *CollaboratorError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%s procedure failed: %v", e.Step, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s procedure failed: %s", e.Step, e.Message)
	default:
		return fmt.Sprintf("%s procedure did not report success", e.Step)
	}
}

func (e *CollaboratorError) Unwrap() error { return e.Err }

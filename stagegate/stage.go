package stagegate

import (
	"fmt"
	"time"

	"github.com/golang-sql/civil"
)

// Stage is the persisted stage code of a payroll period. Codes are ordered; a
// larger code means the period is further along.
type Stage int

// Stage codes as stored in dbo.payroll_stage_marker.
const (
	Open                     Stage = 0
	EntryClosed              Stage = 666
	PersonnelReconciled      Stage = 775
	InputVariablesReconciled Stage = 777
	MasterUpdated            Stage = 888
	BackedUp                 Stage = 889
	Calculated               Stage = 999
)

var stages = []Stage{
	Open,
	EntryClosed,
	PersonnelReconciled,
	InputVariablesReconciled,
	MasterUpdated,
	BackedUp,
	Calculated,
}

var stageNames = map[Stage]string{
	Open:                     "open",
	EntryClosed:              "entry_closed",
	PersonnelReconciled:      "personnel_reconciled",
	InputVariablesReconciled: "input_variables_reconciled",
	MasterUpdated:            "master_updated",
	BackedUp:                 "backed_up",
	Calculated:               "calculated",
}

var stageLabels = map[Stage]string{
	Open:                     "Data entry open",
	EntryClosed:              "Data entry closed",
	PersonnelReconciled:      "Personnel reconciled",
	InputVariablesReconciled: "Input variables processed",
	MasterUpdated:            "Master file updated",
	BackedUp:                 "Backup complete",
	Calculated:               "Payroll calculated",
}

// Stages returns every known stage in order.
func Stages() []Stage {
	out := make([]Stage, len(stages))
	copy(out, stages)
	return out
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// Label is the operator-facing description of the stage.
func (s Stage) Label() string {
	if label, ok := stageLabels[s]; ok {
		return label
	}
	return fmt.Sprintf("Unknown stage %d", int(s))
}

// Known reports whether s is one of the defined codes.
func (s Stage) Known() bool {
	_, ok := stageNames[s]
	return ok
}

// Marker is the live stage row of one tenant.
type Marker struct {
	Year          int
	Month         int
	Stage         Stage
	LastUpdatedBy string
	LastUpdatedAt time.Time
}

// Period returns the first day of the marker's payroll month.
func (m Marker) Period() civil.Date {
	return civil.Date{Year: m.Year, Month: time.Month(m.Month), Day: 1}
}

// Requirement is a precondition on the live stage: AtLeast <= stage < Below.
type Requirement struct {
	AtLeast Stage
	Below   Stage
	exact   bool
}

// Exactly requires the stage to equal s.
func Exactly(s Stage) Requirement {
	return Requirement{AtLeast: s, Below: s + 1, exact: true}
}

// Between requires atLeast <= stage < below.
func Between(atLeast, below Stage) Requirement {
	return Requirement{AtLeast: atLeast, Below: below}
}

// Exact reports whether the requirement was built with Exactly.
func (r Requirement) Exact() bool {
	return r.exact
}

func (r Requirement) String() string {
	if r.exact {
		return fmt.Sprintf("stage == %d", int(r.AtLeast))
	}
	return fmt.Sprintf("%d <= stage < %d", int(r.AtLeast), int(r.Below))
}

// Check returns nil when current satisfies the requirement.
func (r Requirement) Check(current Stage) error {
	if current < r.AtLeast {
		return &OutOfOrderError{Current: current, Required: r.AtLeast}
	}
	if current >= r.Below {
		return &AlreadyAdvancedError{Current: current, Required: r.AtLeast, Limit: r.Below}
	}
	return nil
}

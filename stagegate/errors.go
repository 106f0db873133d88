package stagegate

import (
	"errors"
	"fmt"
)

// ErrMarkerMissing means the tenant database has no marker row of the gate's
// marker type.
var ErrMarkerMissing = errors.New("stage marker row is missing")

// OutOfOrderError reports a stage that has not yet reached the required
// predecessor.
type OutOfOrderError struct {
	Current  Stage
	Required Stage
}

func (e *OutOfOrderError) Error() string {
	return fmt.Sprintf("stage out of order: current stage %d, required %d", int(e.Current), int(e.Required))
}

// AlreadyAdvancedError reports a stage that is already at or past Limit, so the
// requested step has run before.
type AlreadyAdvancedError struct {
	Current  Stage
	Required Stage
	Limit    Stage
}

func (e *AlreadyAdvancedError) Error() string {
	return fmt.Sprintf("stage already advanced: current stage %d, required %d", int(e.Current), int(e.Required))
}

// ConflictError reports a compare-and-set that lost: the live stage no longer
// matched Expected when the update ran.
type ConflictError struct {
	Expected Stage
	Actual   Stage
	Target   Stage
	// Deadlock is set when the server chose this update as a deadlock victim.
	Deadlock bool
}

func (e *ConflictError) Error() string {
	if e.Deadlock {
		return fmt.Sprintf("concurrent stage conflict: deadlock while moving %d to %d", int(e.Expected), int(e.Target))
	}
	if e.Expected == e.Actual {
		return fmt.Sprintf("concurrent stage conflict: stage %d was rewritten since it was read", int(e.Actual))
	}
	return fmt.Sprintf("concurrent stage conflict: expected stage %d, found %d", int(e.Expected), int(e.Actual))
}

// Retryable reports that re-reading the marker and retrying once is safe.
func (e *ConflictError) Retryable() bool { return true }

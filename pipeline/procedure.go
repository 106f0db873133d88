package pipeline

import (
	"context"

	"github.com/golang-sql/civil"
	"github.com/shopspring/decimal"

	"payroll/tenant"
)

// Call is what a pipeline step hands to its collaborator.
type Call struct {
	Step   Step
	Tenant tenant.Database
	Year   int
	Month  int
	Period civil.Date
	// Actor is the audit name of the caller.
	Actor string
	// RunID correlates the call with collaborator-side logs.
	RunID string
}

// Outcome is the collaborator's answer. Only Success with a nil error lets the
// stage advance.
type Outcome struct {
	Success bool
	Message string
	Summary *Summary
}

// Summary is the optional report a collaborator returns with its outcome.
type Summary struct {
	RunID    string                     `json:"runId,omitempty"`
	Records  int64                      `json:"records"`
	Totals   map[string]decimal.Decimal `json:"totals,omitempty"`
	Fields   map[string]string          `json:"fields,omitempty"`
	Messages []string                   `json:"messages,omitempty"`
}

// Procedure performs the tenant-scoped computation of one step. The tenant is
// already routed by ctx; implementations must not switch databases themselves.
type Procedure interface {
	Run(ctx context.Context, call Call) (Outcome, error)
}

// ProcedureFunc adapts a function to Procedure.
type ProcedureFunc func(ctx context.Context, call Call) (Outcome, error)

// Run calls f.
func (f ProcedureFunc) Run(ctx context.Context, call Call) (Outcome, error) {
	return f(ctx, call)
}

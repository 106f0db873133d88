package router

import (
	"errors"
	"fmt"

	mssql "github.com/microsoft/go-mssqldb"
)

var (
	// ErrNoTenantSelected means the caller has no tenant bound and none pinned.
	ErrNoTenantSelected = errors.New("no tenant selected for this session")
	// ErrNoSession means a session-scoped operation ran without a session id.
	ErrNoSession = errors.New("no session in context")
	// ErrLeaseExhausted means no pooled connection became free within the
	// acquire timeout.
	ErrLeaseExhausted = errors.New("connection pool exhausted")
)

// UnknownTenantError reports a name or alias that does not resolve to an active
// logical database.
type UnknownTenantError struct {
	Name string
}

func (e UnknownTenantError) Error() string {
	return fmt.Sprintf("unknown tenant %q", e.Name)
}

// StatementError wraps a driver failure on a routed statement.
type StatementError struct {
	Tenant    string
	Statement string
	Err       error
}

func (e *StatementError) Error() string {
	return fmt.Sprintf("statement failed on tenant %s: %v", e.Tenant, e.Err)
}

func (e *StatementError) Unwrap() error { return e.Err }

// Number returns the SQL Server error number, or 0 when the failure did not
// come from the server.
func (e *StatementError) Number() int32 {
	var sqlErr mssql.Error
	if errors.As(e.Err, &sqlErr) {
		return sqlErr.Number
	}
	return 0
}

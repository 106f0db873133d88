package router

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"

	"payroll/tenant"
)

// ExecResult is the outcome of a routed Exec.
type ExecResult struct {
	RowsAffected int64
}

// Query runs statement against the caller's tenant and materialises every row
// before the connection goes back to the pool.
func (r *Router) Query(ctx context.Context, statement string, args ...any) (RowSet, error) {
	var out RowSet
	err := r.withLease(ctx, func(ctx context.Context, db tenant.Database, conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, statement, args...)
		if err != nil {
			return r.statementError(db, statement, err)
		}
		defer rows.Close()
		set, err := scanRowSet(rows)
		if err != nil {
			return r.statementError(db, statement, err)
		}
		out = set
		return nil
	})
	return out, err
}

// Exec runs a statement that returns no rows.
func (r *Router) Exec(ctx context.Context, statement string, args ...any) (ExecResult, error) {
	var out ExecResult
	err := r.withLease(ctx, func(ctx context.Context, db tenant.Database, conn *sql.Conn) error {
		result, err := conn.ExecContext(ctx, statement, args...)
		if err != nil {
			return r.statementError(db, statement, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return r.statementError(db, statement, err)
		}
		out.RowsAffected = affected
		return nil
	})
	return out, err
}

// Transaction runs work inside one transaction on one bound connection. The
// transaction commits when work returns nil and rolls back otherwise, including
// when work panics.
func (r *Router) Transaction(ctx context.Context, work func(ctx context.Context, tx *sql.Tx) error) error {
	return r.withLease(ctx, func(ctx context.Context, db tenant.Database, conn *sql.Conn) error {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return r.statementError(db, "BEGIN TRANSACTION", err)
		}
		defer func() {
			_ = tx.Rollback()
		}()
		if err := work(ctx, tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return r.statementError(db, "COMMIT", err)
		}
		return nil
	})
}

// InTransaction is Transaction for work that produces a value.
func InTransaction[T any](ctx context.Context, r *Router, work func(ctx context.Context, tx *sql.Tx) (T, error)) (T, error) {
	var out T
	err := r.Transaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		value, err := work(ctx, tx)
		if err != nil {
			return err
		}
		out = value
		return nil
	})
	return out, err
}

// Do hands work an exclusive bound connection for a multi-statement unit that
// does not need a transaction, such as a stored procedure call that streams
// messages.
func (r *Router) Do(ctx context.Context, work func(ctx context.Context, conn *sql.Conn) error) error {
	return r.withLease(ctx, func(ctx context.Context, _ tenant.Database, conn *sql.Conn) error {
		return work(ctx, conn)
	})
}

// withLease resolves the tenant before touching the pool, so a caller without a
// tenant never costs a connection.
func (r *Router) withLease(ctx context.Context, fn func(ctx context.Context, db tenant.Database, conn *sql.Conn) error) error {
	db, err := r.tenantFor(ctx)
	if err != nil {
		return err
	}
	conn, err := r.lease(ctx, db.ID)
	if err != nil {
		return err
	}
	defer func() {
		_ = conn.Close()
	}()
	statement := "USE " + quoteIdentifier(db.PhysicalName)
	if _, err := conn.ExecContext(ctx, statement); err != nil {
		return r.statementError(db, statement, err)
	}
	return fn(ctx, db, conn)
}

func (r *Router) lease(ctx context.Context, tenantID string) (*sql.Conn, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, r.cfg.AcquireTimeout)
	defer cancel()

	start := time.Now()
	conn, err := r.db.Conn(acquireCtx)
	waited := time.Since(start)
	if err == nil {
		r.metrics.ObserveLeaseAcquired(waited)
		return conn, nil
	}
	if ctx.Err() == nil && errors.Is(acquireCtx.Err(), context.DeadlineExceeded) {
		r.leasesExhausted.Add(1)
		r.metrics.ObserveLeaseExhausted()
		r.logger.Warn("lease_exhausted",
			zap.String("tenant", tenantID),
			zap.Duration("waited", waited),
			zap.Duration("acquire_timeout", r.cfg.AcquireTimeout),
		)
		return nil, ErrLeaseExhausted
	}
	return nil, pkgerrors.Wrap(err, "acquire connection")
}

func (r *Router) statementError(db tenant.Database, statement string, err error) error {
	r.metrics.ObserveStatementFailure(db.ID)
	r.logger.Warn("statement_failed", zap.String("tenant", db.ID), zap.Error(err))
	return &StatementError{Tenant: db.ID, Statement: statement, Err: err}
}

// quoteIdentifier brackets a SQL Server identifier, doubling any closing
// bracket it contains.
func quoteIdentifier(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

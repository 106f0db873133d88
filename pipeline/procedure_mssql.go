package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	"github.com/golang-sql/sqlexp"
	mssql "github.com/microsoft/go-mssqldb"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var procedureNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// ConnRunner hands out an exclusive connection bound to the caller's tenant.
// *router.Router satisfies it.
type ConnRunner interface {
	Do(ctx context.Context, work func(ctx context.Context, conn *sql.Conn) error) error
}

// StoredProcedure runs a SQL Server stored procedure as a step collaborator.
// The procedure receives @Year, @Month, @PeriodStart, @UserName and @RunId and
// reports success with return status 0. PRINT output is collected into the
// summary; the first row of the first result set becomes its totals.
type StoredProcedure struct {
	runner ConnRunner
	name   string
	logger *zap.Logger
}

// NewStoredProcedure validates name and returns the collaborator.
func NewStoredProcedure(runner ConnRunner, name string, logger *zap.Logger) (*StoredProcedure, error) {
	name = strings.TrimSpace(name)
	if !procedureNamePattern.MatchString(name) {
		return nil, fmt.Errorf("invalid stored procedure name %q", name)
	}
	if !strings.Contains(name, ".") {
		name = "dbo." + name
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoredProcedure{runner: runner, name: name, logger: logger}, nil
}

// Name returns the schema-qualified procedure name.
func (p *StoredProcedure) Name() string {
	return p.name
}

// Run calls the procedure on the tenant routed by ctx.
func (p *StoredProcedure) Run(ctx context.Context, call Call) (Outcome, error) {
	var outcome Outcome
	err := p.runner.Do(ctx, func(ctx context.Context, conn *sql.Conn) error {
		var status mssql.ReturnStatus
		messages := &sqlexp.ReturnMessage{}
		rows, err := conn.QueryContext(ctx, p.name,
			messages,
			sql.Named("Year", call.Year),
			sql.Named("Month", call.Month),
			sql.Named("PeriodStart", call.Period),
			sql.Named("UserName", call.Actor),
			sql.Named("RunId", call.RunID),
			&status,
		)
		if err != nil {
			return err
		}
		defer rows.Close()

		summary, err := collectSummary(ctx, rows, messages)
		if err != nil {
			return err
		}
		summary.RunID = call.RunID
		outcome = Outcome{Success: status == 0, Summary: summary}
		if status != 0 {
			outcome.Message = fmt.Sprintf("%s returned status %d", p.name, int(status))
			if n := len(summary.Messages); n > 0 {
				outcome.Message += ": " + summary.Messages[n-1]
			}
		}
		p.logger.Debug("procedure_completed",
			zap.String("procedure", p.name),
			zap.String("run_id", call.RunID),
			zap.Int32("return_status", int32(status)),
			zap.Int64("records", summary.Records),
		)
		return nil
	})
	return outcome, err
}

// collectSummary drains every message of a procedure call. The first row of
// the first result set is kept; later rows and result sets are discarded.
func collectSummary(ctx context.Context, rows *sql.Rows, messages *sqlexp.ReturnMessage) (*Summary, error) {
	summary := &Summary{}
	captured := false
	for active := true; active; {
		switch msg := messages.Message(ctx).(type) {
		case sqlexp.MsgNotice:
			summary.Messages = append(summary.Messages, msg.Message.String())
		case sqlexp.MsgNext:
			for rows.Next() {
				if captured {
					continue
				}
				if err := scanSummaryRow(rows, summary); err != nil {
					return nil, err
				}
				captured = true
			}
		case sqlexp.MsgNextResultSet:
			active = rows.NextResultSet()
		case sqlexp.MsgError:
			return nil, msg.Error
		case sqlexp.MsgRowsAffected:
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return summary, nil
}

func scanSummaryRow(rows *sql.Rows, summary *Summary) error {
	columns, err := rows.Columns()
	if err != nil {
		return err
	}
	values := make([]any, len(columns))
	targets := make([]any, len(columns))
	for i := range values {
		targets[i] = &values[i]
	}
	if err := rows.Scan(targets...); err != nil {
		return err
	}

	for i, column := range columns {
		key := strings.ToLower(strings.TrimSpace(column))
		if key == "records" || key == "record_count" {
			if n, ok := values[i].(int64); ok {
				summary.Records = n
				continue
			}
		}
		if amount, ok := decimalValue(values[i]); ok {
			if summary.Totals == nil {
				summary.Totals = make(map[string]decimal.Decimal)
			}
			summary.Totals[key] = amount
			continue
		}
		if values[i] != nil {
			if summary.Fields == nil {
				summary.Fields = make(map[string]string)
			}
			summary.Fields[key] = fmt.Sprint(values[i])
		}
	}
	return nil
}

// decimalValue converts numeric driver values. SQL Server DECIMAL and MONEY
// arrive as []byte.
func decimalValue(value any) (decimal.Decimal, bool) {
	switch v := value.(type) {
	case int64:
		return decimal.NewFromInt(v), true
	case float64:
		return decimal.NewFromFloat(v), true
	case []byte:
		d, err := decimal.NewFromString(string(v))
		return d, err == nil
	default:
		return decimal.Decimal{}, false
	}
}

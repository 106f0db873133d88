package router

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// RowSet is a fully materialised query result. It stays valid after the
// connection that produced it has returned to the pool.
type RowSet struct {
	Columns []string
	Rows    [][]any
}

func scanRowSet(rows *sql.Rows) (RowSet, error) {
	columns, err := rows.Columns()
	if err != nil {
		return RowSet{}, err
	}
	set := RowSet{Columns: columns}
	for rows.Next() {
		values := make([]any, len(columns))
		targets := make([]any, len(columns))
		for i := range values {
			targets[i] = &values[i]
		}
		if err := rows.Scan(targets...); err != nil {
			return RowSet{}, err
		}
		set.Rows = append(set.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return RowSet{}, err
	}
	return set, nil
}

// Len returns the number of rows.
func (s RowSet) Len() int {
	return len(s.Rows)
}

// Value returns the raw value at row and column (matched case-insensitively).
func (s RowSet) Value(row int, column string) (any, bool) {
	if row < 0 || row >= len(s.Rows) {
		return nil, false
	}
	for i, name := range s.Columns {
		if strings.EqualFold(name, column) {
			return s.Rows[row][i], true
		}
	}
	return nil, false
}

// Int64 returns an integer column value.
func (s RowSet) Int64(row int, column string) (int64, error) {
	value, ok := s.Value(row, column)
	if !ok {
		return 0, fmt.Errorf("column %q not found in row %d", column, row)
	}
	switch v := value.(type) {
	case int64:
		return v, nil
	case int32:
		return int64(v), nil
	case int:
		return int64(v), nil
	case []byte:
		return strconv.ParseInt(string(v), 10, 64)
	case string:
		return strconv.ParseInt(v, 10, 64)
	case nil:
		return 0, fmt.Errorf("column %q is NULL in row %d", column, row)
	default:
		return 0, fmt.Errorf("column %q has type %T, want integer", column, value)
	}
}

// String returns a text column value; NULL reads as "".
func (s RowSet) String(row int, column string) (string, error) {
	value, ok := s.Value(row, column)
	if !ok {
		return "", fmt.Errorf("column %q not found in row %d", column, row)
	}
	switch v := value.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	default:
		return fmt.Sprint(v), nil
	}
}

// Time returns a timestamp column value as the driver produced it; NULL reads
// as the zero time.
func (s RowSet) Time(row int, column string) (time.Time, error) {
	value, ok := s.Value(row, column)
	if !ok {
		return time.Time{}, fmt.Errorf("column %q not found in row %d", column, row)
	}
	switch v := value.(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return v, nil
	default:
		return time.Time{}, fmt.Errorf("column %q has type %T, want timestamp", column, value)
	}
}

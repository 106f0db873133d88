// Package sqlfake is an in-memory database/sql driver that understands the
// handful of statements the payroll router and stage gate issue. Tests use it to
// observe connection leasing, per-connection database binding, and marker
// compare-and-set behaviour without a SQL Server instance.
package sqlfake

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	mssql "github.com/microsoft/go-mssqldb"
)

// DefaultMarkerType is the marker row tag seeded by SetMarker.
const DefaultMarkerType = "BT05"

var markerColumns = []string{"year", "month", "stage", "last_updated_by", "last_updated_at"}

// Statement is one statement received by a fake connection.
type Statement struct {
	ConnID   int
	Database string
	Query    string
	Args     []any
}

// Result is what a Handler returns for a statement it recognises.
type Result struct {
	Columns      []string
	Rows         [][]driver.Value
	RowsAffected int64
}

// Handler answers statements the built-in grammar does not cover. It reports
// false when the statement is not one it handles.
type Handler func(st Statement) (Result, bool, error)

// Hook runs before every statement, outside the server lock. A non-nil error
// fails the statement. Hooks may block to build barriers.
type Hook func(ctx context.Context, st Statement) error

// MarkerRow is the stored form of a stage marker.
type MarkerRow struct {
	Year          int64
	Month         int64
	Stage         int64
	LastUpdatedBy string
	LastUpdatedAt time.Time
}

// Server holds the fake catalog of databases and connection accounting.
type Server struct {
	mu        sync.Mutex
	databases map[string]map[string]MarkerRow
	handler   Handler
	hook      Hook
	log       []Statement
	nextConn  int
	connects  int
	open      int
	begins    int
	commits   int
	rollbacks int
}

// New returns a server that accepts USE for the named databases.
func New(databases ...string) *Server {
	s := &Server{databases: make(map[string]map[string]MarkerRow, len(databases))}
	for _, name := range databases {
		s.databases[name] = map[string]MarkerRow{}
	}
	return s
}

// OpenDB returns a *sql.DB backed by s with the given pool size.
func (s *Server) OpenDB(maxOpen int) *sql.DB {
	db := sql.OpenDB(s)
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxOpen)
	return db
}

// SetHandler installs a handler for custom statements.
func (s *Server) SetHandler(h Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// SetHook installs a pre-statement hook.
func (s *Server) SetHook(h Hook) {
	s.mu.Lock()
	s.hook = h
	s.mu.Unlock()
}

// SetMarker stores the default marker row for database.
func (s *Server) SetMarker(database string, row MarkerRow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	markers, ok := s.databases[database]
	if !ok {
		markers = map[string]MarkerRow{}
		s.databases[database] = markers
	}
	markers[DefaultMarkerType] = row
}

// Marker returns the default marker row for database.
func (s *Server) Marker(database string) (MarkerRow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.databases[database][DefaultMarkerType]
	return row, ok
}

// Statements returns a copy of every statement received so far.
func (s *Server) Statements() []Statement {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Statement, len(s.log))
	copy(out, s.log)
	return out
}

// Connects reports how many physical connections were ever opened.
func (s *Server) Connects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

// OpenConns reports physical connections not yet closed.
func (s *Server) OpenConns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// TxCounts reports begun, committed and rolled back transactions.
func (s *Server) TxCounts() (begun, committed, rolledBack int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.begins, s.commits, s.rollbacks
}

// Connect implements driver.Connector.
func (s *Server) Connect(ctx context.Context) (driver.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextConn++
	s.connects++
	s.open++
	return &conn{srv: s, id: s.nextConn, database: "master"}, nil
}

// Driver implements driver.Connector.
func (s *Server) Driver() driver.Driver { return fakeDriver{srv: s} }

type fakeDriver struct{ srv *Server }

func (d fakeDriver) Open(string) (driver.Conn, error) {
	return d.srv.Connect(context.Background())
}

type conn struct {
	srv      *Server
	id       int
	database string
	closed   bool
}

func (c *conn) Prepare(query string) (driver.Stmt, error) {
	return &stmt{conn: c, query: query}, nil
}

func (c *conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.srv.mu.Lock()
	c.srv.open--
	c.srv.mu.Unlock()
	return nil
}

func (c *conn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *conn) BeginTx(ctx context.Context, _ driver.TxOptions) (driver.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.srv.mu.Lock()
	c.srv.begins++
	c.srv.mu.Unlock()
	return &tx{srv: c.srv}, nil
}

// CheckNamedValue accepts every argument, normalising the ones the default
// converter understands.
func (c *conn) CheckNamedValue(nv *driver.NamedValue) error {
	if v, err := driver.DefaultParameterConverter.ConvertValue(nv.Value); err == nil {
		nv.Value = v
	}
	return nil
}

func (c *conn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	res, err := c.run(ctx, query, args)
	if err != nil {
		return nil, err
	}
	return driver.RowsAffected(res.RowsAffected), nil
}

func (c *conn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	res, err := c.run(ctx, query, args)
	if err != nil {
		return nil, err
	}
	return &rows{columns: res.Columns, values: res.Rows}, nil
}

func (c *conn) run(ctx context.Context, query string, args []driver.NamedValue) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	st := Statement{ConnID: c.id, Database: c.database, Query: query, Args: make([]any, len(args))}
	for i, arg := range args {
		st.Args[i] = arg.Value
	}

	c.srv.mu.Lock()
	c.srv.log = append(c.srv.log, st)
	hook, handler := c.srv.hook, c.srv.handler
	c.srv.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, st); err != nil {
			return Result{}, err
		}
	}

	trimmed := strings.TrimSpace(query)
	lower := strings.ToLower(trimmed)
	switch {
	case strings.HasPrefix(lower, "use "):
		name, err := parseUse(trimmed)
		if err != nil {
			return Result{}, err
		}
		c.srv.mu.Lock()
		_, ok := c.srv.databases[name]
		c.srv.mu.Unlock()
		if !ok {
			return Result{}, mssql.Error{Number: 911, Message: fmt.Sprintf("Database '%s' does not exist.", name)}
		}
		c.database = name
		return Result{}, nil
	case lower == "select 1":
		return Result{Columns: []string{""}, Rows: [][]driver.Value{{int64(1)}}}, nil
	}

	if handler != nil {
		if res, ok, err := handler(st); ok {
			return res, err
		}
	}
	if strings.Contains(lower, "payroll_stage_marker") {
		return c.srv.marker(c.database, lower, st.Args)
	}
	return Result{}, fmt.Errorf("sqlfake: unsupported statement %q", trimmed)
}

func parseUse(query string) (string, error) {
	rest := strings.TrimSpace(query[len("use "):])
	if !strings.HasPrefix(rest, "[") || !strings.HasSuffix(rest, "]") {
		return "", fmt.Errorf("sqlfake: malformed USE %q", query)
	}
	return strings.ReplaceAll(rest[1:len(rest)-1], "]]", "]"), nil
}

// marker implements the marker statements: a read keyed by marker type and an
// update with an optional expected stage and last_updated_at.
func (s *Server) marker(database, lower string, args []any) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	markers, ok := s.databases[database]
	if !ok || database == "master" {
		return Result{}, mssql.Error{Number: 208, Message: "Invalid object name 'dbo.payroll_stage_marker'."}
	}
	switch {
	case strings.HasPrefix(lower, "select"):
		if len(args) != 1 {
			return Result{}, fmt.Errorf("sqlfake: marker read expects 1 argument, got %d", len(args))
		}
		res := Result{Columns: markerColumns}
		if row, ok := markers[asString(args[0])]; ok {
			res.Rows = append(res.Rows, row.values())
		}
		return res, nil
	case strings.HasPrefix(lower, "update"):
		if len(args) < 4 || len(args) > 6 {
			return Result{}, fmt.Errorf("sqlfake: marker update expects 4 to 6 arguments, got %d", len(args))
		}
		tag := asString(args[3])
		row, ok := markers[tag]
		if !ok {
			return Result{}, nil
		}
		if len(args) >= 5 && row.Stage != asInt64(args[4]) {
			return Result{}, nil
		}
		if len(args) == 6 && !row.LastUpdatedAt.Equal(asTime(args[5])) {
			return Result{}, nil
		}
		if strings.Contains(lower, "last_updated_at is null") && !row.LastUpdatedAt.IsZero() {
			return Result{}, nil
		}
		row.Stage = asInt64(args[0])
		row.LastUpdatedBy = asString(args[1])
		row.LastUpdatedAt = asTime(args[2])
		markers[tag] = row
		return Result{RowsAffected: 1}, nil
	}
	return Result{}, fmt.Errorf("sqlfake: unsupported marker statement %q", lower)
}

func (r MarkerRow) values() []driver.Value {
	var by driver.Value
	if r.LastUpdatedBy != "" {
		by = r.LastUpdatedBy
	}
	var at driver.Value
	if !r.LastUpdatedAt.IsZero() {
		at = r.LastUpdatedAt
	}
	return []driver.Value{r.Year, r.Month, r.Stage, by, at}
}

func asString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return fmt.Sprint(t)
	}
}

func asInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case int32:
		return int64(t)
	default:
		return -1
	}
}

func asTime(v any) time.Time {
	t, _ := v.(time.Time)
	return t
}

type stmt struct {
	conn  *conn
	query string
}

func (s *stmt) Close() error  { return nil }
func (s *stmt) NumInput() int { return -1 }

func (s *stmt) Exec(args []driver.Value) (driver.Result, error) {
	return s.conn.ExecContext(context.Background(), s.query, named(args))
}

func (s *stmt) Query(args []driver.Value) (driver.Rows, error) {
	return s.conn.QueryContext(context.Background(), s.query, named(args))
}

func named(args []driver.Value) []driver.NamedValue {
	out := make([]driver.NamedValue, len(args))
	for i, v := range args {
		out[i] = driver.NamedValue{Ordinal: i + 1, Value: v}
	}
	return out
}

type tx struct{ srv *Server }

func (t *tx) Commit() error {
	t.srv.mu.Lock()
	t.srv.commits++
	t.srv.mu.Unlock()
	return nil
}

func (t *tx) Rollback() error {
	t.srv.mu.Lock()
	t.srv.rollbacks++
	t.srv.mu.Unlock()
	return nil
}

type rows struct {
	columns []string
	values  [][]driver.Value
	next    int
}

func (r *rows) Columns() []string { return r.columns }
func (r *rows) Close() error      { return nil }

func (r *rows) Next(dest []driver.Value) error {
	if r.next >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.next])
	r.next++
	return nil
}

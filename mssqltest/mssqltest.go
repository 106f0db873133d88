// Package mssqltest provisions throwaway SQL Server tenant databases for
// integration tests. Tests skip when MSSQL_SA_PASSWORD is not configured.
package mssqltest

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	// sqlserver driver
	_ "github.com/microsoft/go-mssqldb"

	"payroll/tenant"
)

// Setup runs once per tenant database on a connection already switched to it.
type Setup func(ctx context.Context, conn *sql.Conn) error

// NewServer creates one throwaway database per tenant id on the SQL Server named
// by MSSQL_HOST/MSSQL_PORT, applies the marker schema to each and runs setup.
// The returned pool connects to master; routing picks the tenant database per
// lease.
func NewServer(t testing.TB, poolSize int, setup Setup, tenantIDs ...string) (*sql.DB, tenant.Catalog) {
	t.Helper()

	password, ok, err := resolveSQLPassword(t)
	if err != nil {
		t.Fatalf("resolve sql password: %v", err)
	}
	if !ok {
		t.Skip("MSSQL_SA_PASSWORD not set; start SQL Server and set env or .env")
	}

	host := envOrDefault("MSSQL_HOST", "localhost")
	port := envOrDefault("MSSQL_PORT", "1433")

	masterDB, err := sql.Open("sqlserver", buildSQLServerDSN(host, port, password, "master"))
	if err != nil {
		t.Fatalf("open master db: %v", err)
	}
	masterDB.SetMaxOpenConns(poolSize)
	t.Cleanup(func() { _ = masterDB.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	if err := masterDB.PingContext(ctx); err != nil {
		t.Fatalf("ping master db: %v", err)
	}

	schema, err := os.ReadFile(filepath.Join(moduleRoot(t), "conf", "sql", "payroll", "001_create_marker.sql"))
	if err != nil {
		t.Fatalf("read schema: %v", err)
	}

	suffix := time.Now().UnixNano()
	var databases []tenant.Database
	for _, id := range tenantIDs {
		name := fmt.Sprintf("payroll_%s_test_%d", id, suffix)
		if _, err := masterDB.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE [%s]", name)); err != nil {
			t.Fatalf("create database: %v", err)
		}
		t.Cleanup(func() {
			_ = dropTestDB(context.Background(), masterDB, name)
		})
		if err := prepareTenantDB(ctx, masterDB, name, string(schema), setup); err != nil {
			t.Fatalf("seed %s: %v", name, err)
		}
		databases = append(databases, tenant.Database{ID: id, PhysicalName: name, Active: true})
	}

	catalog, err := tenant.NewCatalog(databases)
	if err != nil {
		t.Fatalf("build catalog: %v", err)
	}
	return masterDB, catalog
}

func prepareTenantDB(ctx context.Context, masterDB *sql.DB, name, schema string, setup Setup) error {
	conn, err := masterDB.Conn(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = conn.Close()
	}()
	if _, err := conn.ExecContext(ctx, fmt.Sprintf("USE [%s]", name)); err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, schema); err != nil {
		return err
	}
	if setup == nil {
		return nil
	}
	return setup(ctx, conn)
}

// SeedMarker returns a Setup inserting the marker row for 2024-03 at stage.
func SeedMarker(markerType string, stage int) Setup {
	return func(ctx context.Context, conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx,
			`INSERT INTO dbo.payroll_stage_marker (marker_type, [year], [month], stage) VALUES (@p1, 2024, 3, @p2)`,
			markerType, stage)
		return err
	}
}

func dropTestDB(ctx context.Context, masterDB *sql.DB, dbName string) error {
	_, _ = masterDB.ExecContext(ctx, fmt.Sprintf("ALTER DATABASE [%s] SET SINGLE_USER WITH ROLLBACK IMMEDIATE", dbName))
	_, err := masterDB.ExecContext(ctx, fmt.Sprintf("DROP DATABASE [%s]", dbName))
	return err
}

func buildSQLServerDSN(host, port, password, database string) string {
	u := &url.URL{
		Scheme: "sqlserver",
		User:   url.UserPassword("sa", password),
		Host:   fmt.Sprintf("%s:%s", host, port),
	}
	query := url.Values{}
	query.Set("database", database)
	query.Set("encrypt", "disable")
	u.RawQuery = query.Encode()
	return u.String()
}

func resolveSQLPassword(t testing.TB) (string, bool, error) {
	t.Helper()
	if value, ok := os.LookupEnv("MSSQL_SA_PASSWORD"); ok && strings.TrimSpace(value) != "" {
		return value, true, nil
	}

	data, err := os.ReadFile(filepath.Join(moduleRoot(t), ".env"))
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, err
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		if strings.TrimSpace(key) == "MSSQL_SA_PASSWORD" && strings.TrimSpace(value) != "" {
			return strings.Trim(strings.TrimSpace(value), "\"'"), true, nil
		}
	}
	return "", false, scanner.Err()
}

func envOrDefault(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func moduleRoot(t testing.TB) string {
	t.Helper()
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatalf("resolve module root")
	}
	return filepath.Clean(filepath.Join(filepath.Dir(filename), ".."))
}

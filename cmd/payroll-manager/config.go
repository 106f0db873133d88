package main

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"payroll/pipeline"
	"payroll/router"
)

const envPrefix = "PAYROLL"

// config holds every setting of the payroll-manager commands. Flags are the
// definition of the settings; setAllConfig fills unset flags from the
// environment and the config file.
type config struct {
	ConfigPath string

	Addr        string
	CatalogPath string

	SQLHost     string
	SQLPort     string
	SQLUser     string
	SQLPassword string
	SQLDatabase string
	SQLEncrypt  string

	PoolSize           int
	AcquireTimeout     time.Duration
	SessionIdleTimeout time.Duration
	SweepInterval      time.Duration
	StartupTimeout     time.Duration

	ProcedureTimeout    time.Duration
	OverviewConcurrency int
	Procedures          map[pipeline.Step]*string

	JWTKey    string
	JWTIssuer string

	LogFormat string
	LogLevel  string
}

func newConfig() *config {
	return &config{Procedures: make(map[pipeline.Step]*string)}
}

// defaultProcedures names the stored procedure run by each step. Save and recall
// only move the marker unless a procedure is configured for them.
var defaultProcedures = map[pipeline.Step]string{
	pipeline.StepSave:           "",
	pipeline.StepRecall:         "",
	pipeline.StepInputVariables: "usp_payroll_input_variables",
	pipeline.StepMasterFile:     "usp_payroll_update_master",
	pipeline.StepBackup:         "usp_payroll_backup",
	pipeline.StepCalculate:      "usp_payroll_calculate",
}

func (c *config) addSQLFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.CatalogPath, "catalog", "conf/tenant/catalog.json", "Tenant catalog path")
	fs.StringVar(&c.SQLHost, "sql-host", envOrDefault("MSSQL_HOST", "localhost"), "SQL Server host")
	fs.StringVar(&c.SQLPort, "sql-port", envOrDefault("MSSQL_PORT", "1433"), "SQL Server port")
	fs.StringVar(&c.SQLUser, "sql-user", envOrDefault("MSSQL_USER", "sa"), "SQL Server user")
	fs.StringVar(&c.SQLPassword, "sql-password", envOrDefault("MSSQL_SA_PASSWORD", ""), "SQL Server password")
	fs.StringVar(&c.SQLDatabase, "sql-db", envOrDefault("MSSQL_DATABASE", "master"), "Database a fresh connection starts in")
	fs.StringVar(&c.SQLEncrypt, "sql-encrypt", envOrDefault("MSSQL_ENCRYPT", "disable"), "SQL Server encrypt setting")
	fs.IntVar(&c.PoolSize, "pool-size", 20, "Maximum open connections shared by every tenant")
	fs.DurationVar(&c.AcquireTimeout, "acquire-timeout", 5*time.Second, "How long a request waits for a pooled connection")
	fs.DurationVar(&c.StartupTimeout, "startup-timeout", 30*time.Second, "How long to keep retrying the startup ping")
	fs.StringVar(&c.LogFormat, "log-format", "json", "Log format: json or console")
	fs.StringVar(&c.LogLevel, "log-level", "info", "Log level")
}

func (c *config) addServeFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Addr, "addr", ":8085", "HTTP listen address")
	fs.DurationVar(&c.SessionIdleTimeout, "session-idle-timeout", 30*time.Minute, "Idle time after which a tenant selection is dropped")
	fs.DurationVar(&c.SweepInterval, "sweep-interval", time.Minute, "How often idle sessions are swept")
	fs.DurationVar(&c.ProcedureTimeout, "procedure-timeout", 10*time.Minute, "Upper bound on one stored procedure call")
	fs.IntVar(&c.OverviewConcurrency, "overview-concurrency", 4, "Tenants read in parallel by the admin overview")
	for _, step := range pipeline.Steps() {
		name := defaultProcedures[step]
		c.Procedures[step] = fs.String("proc-"+string(step), name, fmt.Sprintf("Stored procedure run by the %s step (empty for none)", step))
	}
	c.addJWTFlags(fs)
}

func (c *config) addJWTFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.JWTKey, "jwt-key", "", "HS256 signing key for bearer tokens")
	fs.StringVar(&c.JWTIssuer, "jwt-issuer", "payroll-manager", "Expected token issuer")
}

// setAllConfig takes a FlagSet to be the definition of all configuration
// options, as well as their defaults. It then reads from the command line, the
// environment, and a config file (if specified), and applies the configuration
// in that priority order.
//
// Environment variables are the flag names upper-cased, with dashes replaced by
// underscores and prefixed with PAYROLL_.
func setAllConfig(v *viper.Viper, flags *pflag.FlagSet) error {
	if err := v.BindPFlags(flags); err != nil {
		return err
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	validTags := make(map[string]bool)
	flags.VisitAll(func(f *pflag.Flag) {
		validTags[f.Name] = true
	})

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading configuration file '%s': %v", path, err)
		}
		for _, key := range v.AllKeys() {
			if !validTags[key] {
				return fmt.Errorf("invalid option in configuration file: %v", key)
			}
		}
	}

	var flagErr error
	flags.VisitAll(func(f *pflag.Flag) {
		if flagErr != nil || f.Changed {
			return
		}
		if err := f.Value.Set(v.GetString(f.Name)); err != nil {
			flagErr = fmt.Errorf("option %s: %v", f.Name, err)
		}
	})
	return flagErr
}

func (c *config) routerConfig() router.Config {
	return router.Config{
		AcquireTimeout:     c.AcquireTimeout,
		SessionIdleTimeout: c.SessionIdleTimeout,
		SweepInterval:      c.SweepInterval,
	}
}

func (c *config) pipelineConfig() pipeline.Config {
	return pipeline.Config{
		ProcedureTimeout:    c.ProcedureTimeout,
		OverviewConcurrency: c.OverviewConcurrency,
	}
}

// procedureName returns the configured procedure for step, or "".
func (c *config) procedureName(step pipeline.Step) string {
	name := c.Procedures[step]
	if name == nil {
		return ""
	}
	return strings.TrimSpace(*name)
}

func (c *config) dsn() (string, error) {
	return buildSQLServerDSN(c.SQLHost, c.SQLPort, c.SQLUser, c.SQLPassword, c.SQLDatabase, c.SQLEncrypt)
}

func (c *config) newLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	var cfg zap.Config
	switch c.LogFormat {
	case "json", "":
		cfg = zap.NewProductionConfig()
	case "console":
		cfg = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	return cfg.Build()
}

// openSQLServer opens the shared pool. Every tenant draws from the same
// PoolSize connections.
func openSQLServer(c *config) (*sql.DB, error) {
	dsn, err := c.dsn()
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlserver", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(c.PoolSize)
	db.SetMaxIdleConns(c.PoolSize)
	return db, nil
}

func envOrDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func buildSQLServerDSN(host, port, user, password, database, encrypt string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("sql password is required")
	}
	uri := &url.URL{
		Scheme: "sqlserver",
		User:   url.UserPassword(user, password),
		Host:   fmt.Sprintf("%s:%s", host, port),
	}
	query := url.Values{}
	query.Set("database", database)
	query.Set("encrypt", encrypt)
	uri.RawQuery = query.Encode()
	return uri.String(), nil
}

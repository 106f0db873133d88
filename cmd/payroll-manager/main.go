package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/juju/clock"
	_ "github.com/microsoft/go-mssqldb"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"payroll/auth"
	"payroll/metrics"
	"payroll/pii"
	"payroll/pipeline"
	"payroll/requestctx"
	"payroll/stagegate"
)

// environment carries what the commands take from the process. Tests replace
// openDB with an in-memory driver and clock with a test clock.
type environment struct {
	stdout io.Writer
	stderr io.Writer
	openDB func(*config) (*sql.DB, error)
	clock  clock.Clock
}

func main() {
	env := environment{
		stdout: os.Stdout,
		stderr: os.Stderr,
		openDB: openSQLServer,
		clock:  clock.WallClock,
	}
	if err := newRootCommand(env).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand(env environment) *cobra.Command {
	rc := &cobra.Command{
		Use:   "payroll-manager",
		Short: "Multi-tenant payroll processing service.",
		Long: `payroll-manager serves the payroll processing pipeline for every payroll
class on a shared SQL Server instance, and carries the operator tools for
inspecting and recalling a period's stage marker.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setAllConfig(viper.New(), cmd.Flags())
		},
	}
	rc.PersistentFlags().StringP("config", "c", "", "Configuration file to read from.")

	rc.AddCommand(newServeCommand(env))
	rc.AddCommand(newMarkerCommand(env))
	rc.AddCommand(newRecallCommand(env))
	rc.AddCommand(newCheckCommand(env))
	rc.AddCommand(newTokenCommand(env))
	rc.AddCommand(newHashCommand())

	rc.SetOut(env.stdout)
	rc.SetErr(env.stderr)
	return rc
}

func newServeCommand(env environment) *cobra.Command {
	cfg := newConfig()
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := cfg.newLogger()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, env, cfg, logger)
		},
	}
	cfg.addSQLFlags(cmd.Flags())
	cfg.addServeFlags(cmd.Flags())
	return cmd
}

func serve(ctx context.Context, env environment, cfg *config, logger *zap.Logger) error {
	if cfg.JWTKey == "" {
		return errors.New("jwt-key is required")
	}
	verifier, err := auth.NewVerifier([]byte(cfg.JWTKey), cfg.JWTIssuer, env.clock)
	if err != nil {
		return err
	}

	reg := metrics.New()
	a, err := env.bootstrap(ctx, cfg, logger, reg)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	service, err := a.service(cfg)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go a.router.Run(runCtx)

	server := &apiServer{
		router:   a.router,
		gate:     a.gate,
		service:  service,
		verifier: verifier,
		metrics:  reg,
		logger:   logger,
	}
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           newHandler(server),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		errs <- httpServer.ListenAndServe()
	}()
	logger.Info("payroll_manager_listening", zap.String("addr", cfg.Addr))

	select {
	case err := <-errs:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	logger.Info("payroll_manager_stopping")
	return httpServer.Shutdown(shutdownCtx)
}

// withApp runs fn against a bootstrapped app and closes the pool afterwards.
func withApp(cmd *cobra.Command, env environment, cfg *config, fn func(ctx context.Context, a *app) error) error {
	logger, err := cfg.newLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	a, err := env.bootstrap(cmd.Context(), cfg, logger, nil)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()
	return fn(cmd.Context(), a)
}

func newMarkerCommand(env environment) *cobra.Command {
	cfg := newConfig()
	var tenantName string
	cmd := &cobra.Command{
		Use:   "marker",
		Short: "Print the stage marker of a payroll class.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, env, cfg, func(ctx context.Context, a *app) error {
				db, ok := a.router.Catalog().Lookup(tenantName)
				if !ok {
					return fmt.Errorf("unknown payroll class %q", tenantName)
				}
				marker, err := a.gate.ReadMarker(requestctx.WithTenant(ctx, db))
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), toMarkerResponse(db.ID, marker))
			})
		},
	}
	cfg.addSQLFlags(cmd.Flags())
	cmd.Flags().StringVarP(&tenantName, "tenant", "t", "", "Payroll class name or alias")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func newRecallCommand(env environment) *cobra.Command {
	cfg := newConfig()
	var (
		tenantName string
		actor      string
		force      bool
	)
	cmd := &cobra.Command{
		Use:   "recall",
		Short: "Reopen data entry for a payroll class.",
		Long: `Recall resets a payroll class's stage marker to data entry open.

Without --force the recall is refused once payroll has been calculated, as it
is over the API. --force resets the marker from any stage.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, env, cfg, func(ctx context.Context, a *app) error {
				db, ok := a.router.Catalog().Lookup(tenantName)
				if !ok {
					return fmt.Errorf("unknown payroll class %q", tenantName)
				}
				ctx = requestctx.WithIdentity(ctx, requestctx.Identity{ActorID: actor})
				ctx = requestctx.WithTenant(ctx, db)

				before, err := a.gate.ReadMarker(ctx)
				if err != nil {
					return err
				}
				if force {
					err = a.gate.Recall(ctx, actor)
				} else {
					svc := pipeline.New(a.router, a.gate, pipeline.Config{}, pipeline.WithLogger(a.logger))
					_, err = svc.Recall(ctx)
				}
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: stage %d (%s) -> %d (%s)\n",
					db.ID, int(before.Stage), before.Stage, int(stagegate.Open), stagegate.Open)
				return err
			})
		},
	}
	cfg.addSQLFlags(cmd.Flags())
	cmd.Flags().StringVarP(&tenantName, "tenant", "t", "", "Payroll class name or alias")
	cmd.Flags().StringVar(&actor, "actor", envOrDefault("USER", "payroll-manager"), "Name recorded as last updated by")
	cmd.Flags().BoolVar(&force, "force", false, "Reset the marker even after payroll was calculated")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func newCheckCommand(env environment) *cobra.Command {
	cfg := newConfig()
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Verify the catalog against SQL Server.",
		Long: `Check pings SQL Server and reads the stage marker of every active payroll
class in the catalog. It exits non-zero when any class cannot be read.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, env, cfg, func(ctx context.Context, a *app) error {
				status := a.router.HealthCheck(ctx)
				if !status.Healthy {
					return fmt.Errorf("health check: %s", status.Error)
				}

				svc := pipeline.New(a.router, a.gate, pipeline.Config{}, pipeline.WithLogger(a.logger))
				tenants, err := svc.Overview(ctx)
				if err != nil {
					return err
				}

				out := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				_, _ = fmt.Fprintln(out, "TENANT\tPERIOD\tSTAGE\tPROGRESS\tERROR")
				failed := 0
				for _, t := range tenants {
					period := ""
					if t.Error == "" {
						period = fmt.Sprintf("%04d-%02d", t.Year, t.Month)
					} else {
						failed++
					}
					_, _ = fmt.Fprintf(out, "%s\t%s\t%d\t%s\t%s\n", t.Tenant, period, int(t.Stage), t.Progress, t.Error)
				}
				if err := out.Flush(); err != nil {
					return err
				}
				if failed > 0 {
					return fmt.Errorf("%d of %d payroll classes failed the check", failed, len(tenants))
				}
				return nil
			})
		},
	}
	cfg.addSQLFlags(cmd.Flags())
	return cmd
}

func newTokenCommand(env environment) *cobra.Command {
	cfg := newConfig()
	var (
		identity requestctx.Identity
		ttl      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for local testing.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			issuer, err := auth.NewIssuer([]byte(cfg.JWTKey), cfg.JWTIssuer, env.clock)
			if err != nil {
				return err
			}
			token, err := issuer.Issue(identity, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cfg.addJWTFlags(cmd.Flags())
	cmd.Flags().StringVar(&identity.ActorID, "actor", "", "Actor id (token subject)")
	cmd.Flags().StringVar(&identity.ActorDisplayName, "name", "", "Actor display name")
	cmd.Flags().StringVar(&identity.TenantHint, "tenant", "", "Payroll class the session starts on")
	cmd.Flags().DurationVar(&ttl, "ttl", 8*time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func newHashCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hash <actor-id>...",
		Short: "Print the actor_hash logged for each actor id.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, value := range args {
				if _, err := fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", value, pii.Hash(value)); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func printJSON(w io.Writer, payload any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}

// stepNames lists the accepted step names for help and error text.
func stepNames() string {
	steps := pipeline.Steps()
	names := make([]string, len(steps))
	for i, step := range steps {
		names[i] = string(step)
	}
	return strings.Join(names, ", ")
}

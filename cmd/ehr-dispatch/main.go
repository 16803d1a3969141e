package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"

	"github.com/ehr/dispatch/internal/config"
	"github.com/ehr/dispatch/internal/domain/dispatch"
	"github.com/ehr/dispatch/internal/platform/auth"
	"github.com/ehr/dispatch/internal/platform/db"
	"github.com/ehr/dispatch/internal/platform/hl7v2"
	"github.com/ehr/dispatch/internal/platform/middleware"
	"github.com/ehr/dispatch/migrations"
)

// stdout is where command output goes; tests swap it.
var stdout io.Writer = os.Stdout

// monitorInterval is how often dead-letter counts are checked.
const monitorInterval = time.Minute

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "ehr-dispatch",
		Short:        "Delivers finalized clinical documentation to external EHRs",
		SilenceUsage: true,
	}

	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(tenantCmd())
	root.AddCommand(jobsCmd())
	root.AddCommand(validateCmd())
	root.AddCommand(readinessCmd())
	root.AddCommand(sandboxMLLPCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the dispatch worker, dead-letter monitor and operator API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// withApp loads config, wires the components and runs fn.
func withApp(fn func(ctx context.Context, a *app) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx := context.Background()
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run job store migrations (postgres)",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			return withMigrator(func(ctx context.Context, m *db.Migrator) error {
				fmt.Fprintf(stdout, "Running migrations on schema: %s\n", schema)
				count, err := m.Up(ctx, schema)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(stdout, "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().String("schema", "tenant_default", "Target schema for migrations")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			return withMigrator(func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx, schema)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}

				fmt.Fprintf(stdout, "Migration status for schema: %s\n", schema)
				fmt.Fprintf(stdout, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				fmt.Fprintln(stdout, "---------- ---------------------------------------- ---------- --------------------")
				for _, s := range statuses {
					status := "pending"
					appliedAt := ""
					if s.Applied {
						status = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
						}
					}
					fmt.Fprintf(stdout, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	}
	statusCmd.Flags().String("schema", "tenant_default", "Target schema for migrations")
	cmd.AddCommand(statusCmd)

	return cmd
}

func withMigrator(fn func(ctx context.Context, m *db.Migrator) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.JobStore != config.DriverPostgres {
		return fmt.Errorf("migrations apply to the postgres job store; the %s store creates its schema on open", cfg.JobStore)
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	return fn(ctx, db.NewMigratorFS(pool, migrations.FS, "."))
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a tenant schema and apply the job store migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			if !db.ValidTenantID(name) {
				return fmt.Errorf("invalid tenant identifier: %s", name)
			}
			schema := db.SchemaName(name)
			return withMigrator(func(ctx context.Context, m *db.Migrator) error {
				fmt.Fprintf(stdout, "Creating tenant schema: %s\n", schema)
				count, err := m.Up(ctx, schema)
				if err != nil {
					return fmt.Errorf("run migrations for %s: %w", schema, err)
				}
				fmt.Fprintf(stdout, "Tenant created; applied %d migration(s). Add %s to DISPATCH_TENANTS to start polling it.\n", count, name)
				return nil
			})
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier (alphanumeric)")

	cmd.AddCommand(createCmd)
	return cmd
}

func jobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and operate on dispatch jobs",
	}
	cmd.PersistentFlags().String("tenant", "", "Tenant to operate in (defaults to DEFAULT_TENANT)")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			statusFlag, _ := cmd.Flags().GetString("status")
			encounter, _ := cmd.Flags().GetString("encounter")
			limit, _ := cmd.Flags().GetInt("limit")

			var filter dispatch.ListFilter
			if statusFlag != "" {
				st, ok := dispatch.ParseStatus(statusFlag)
				if !ok {
					return fmt.Errorf("unknown status %q", statusFlag)
				}
				filter.Status = st
			}
			filter.EncounterID = encounter

			return withTenantApp(cmd, func(ctx context.Context, a *app) error {
				jobs, total, err := a.svc.ListJobs(ctx, filter, limit, 0)
				if err != nil {
					return err
				}
				printJobs(stdout, jobs, total)
				return nil
			})
		},
	}
	listCmd.Flags().String("status", "", "Filter by status (PENDING, RETRYING, DISPATCHED, DEAD_LETTER)")
	listCmd.Flags().String("encounter", "", "Filter by encounter id")
	listCmd.Flags().Int("limit", 50, "Maximum rows")
	cmd.AddCommand(listCmd)

	replayCmd := &cobra.Command{
		Use:   "replay <job-id>",
		Short: "Reset a job and attempt it immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid job id: %w", err)
			}
			return withTenantApp(cmd, func(ctx context.Context, a *app) error {
				job, err := a.svc.Replay(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(stdout, job)
			})
		},
	}
	cmd.AddCommand(replayCmd)

	deadLetterCmd := &cobra.Command{
		Use:   "dead-letter <job-id>",
		Short: "Move a job to the dead-letter queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason, _ := cmd.Flags().GetString("reason")
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid job id: %w", err)
			}
			return withTenantApp(cmd, func(ctx context.Context, a *app) error {
				job, err := a.svc.MarkDeadLetter(ctx, id, reason)
				if err != nil {
					return err
				}
				return printJSON(stdout, job)
			})
		},
	}
	deadLetterCmd.Flags().String("reason", "", "Reason recorded on the job")
	cmd.AddCommand(deadLetterCmd)

	return cmd
}

// withTenantApp runs fn inside the tenant named by --tenant, as the cli actor.
func withTenantApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	tenant, _ := cmd.Flags().GetString("tenant")
	return withApp(func(ctx context.Context, a *app) error {
		if tenant == "" {
			tenant = a.cfg.DefaultTenant
		}
		ctx = auth.WithUser(ctx, "cli", "admin")
		return a.inTenant(ctx, tenant, func(ctx context.Context) error {
			return fn(ctx, a)
		})
	})
}

func validateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <payload.json>",
		Short: "Build the contract for a clinical payload offline and report problems",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, _ := cmd.Flags().GetString("target")
			vendor, _ := cmd.Flags().GetString("vendor")

			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			return withApp(func(_ context.Context, a *app) error {
				res := a.svc.ValidateContract(dispatch.ValidateRequest{Payload: raw, Target: target, Vendor: vendor})
				if err := printJSON(stdout, res); err != nil {
					return err
				}
				if !res.OK {
					return fmt.Errorf("contract has %d issue(s)", len(res.Errors))
				}
				return nil
			})
		},
	}
	cmd.Flags().String("target", "", "Dispatch target (defaults to DISPATCH_TARGET)")
	cmd.Flags().String("vendor", "", "Vendor (defaults to DISPATCH_VENDOR)")
	return cmd
}

func readinessCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "readiness",
		Short: "Report configuration issues for the configured target, auth mode and transport",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(_ context.Context, a *app) error {
				report := a.svc.Readiness()
				if err := printJSON(stdout, report); err != nil {
					return err
				}
				if !report.Ready {
					return fmt.Errorf("not ready: %s", strings.Join(report.Issues, "; "))
				}
				return nil
			})
		},
	}
}

func sandboxMLLPCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sandbox-mllp",
		Short: "Run a local MLLP receiver that acknowledges every message",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			logger := newLogger(&config.Config{Env: os.Getenv("ENV")})

			srv := hl7v2.NewMLLPServer(addr, hl7v2.AcceptAllHandler()).WithLogger(logger)
			if err := srv.Start(); err != nil {
				return err
			}
			logger.Info().Str("addr", srv.Addr()).Msg("sandbox MLLP receiver listening")

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit
			return srv.Stop()
		},
	}
	cmd.Flags().String("addr", "127.0.0.1:2575", "Listen address")
	return cmd
}

// newServer builds the operator API. Health is public; everything under
// /api/v1 requires auth and a resolved tenant.
func newServer(a *app) *echo.Echo {
	cfg := a.cfg

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(middleware.BodyLimit("2M"))

	if a.pool != nil {
		e.GET("/health", db.HealthHandler(a.pool, cfg.JobStore))
	} else {
		e.GET("/health", db.HealthHandler(a.repo, cfg.JobStore))
	}

	apiV1 := e.Group("/api/v1")
	if cfg.IsDev() && cfg.AuthJWTSecret == "" && cfg.AuthJWKSURL == "" {
		apiV1.Use(auth.DevAuthMiddleware(cfg.DefaultTenant))
	} else {
		apiV1.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthJWTSecret),
		}))
	}
	if a.pool != nil {
		apiV1.Use(db.TenantMiddleware(a.pool, cfg.DefaultTenant))
	} else {
		apiV1.Use(db.TenantOnlyMiddleware(cfg.DefaultTenant))
	}

	dispatch.NewHandler(a.svc).RegisterRoutes(apiV1)
	return e
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		l := newLogger(nil)
		l.Error().Err(err).Msg("failed to load config")
		return err
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to start dispatch service")
		return err
	}
	defer a.Close()

	// Background loops
	worker := a.newWorker()
	monitor, err := a.newMonitor()
	if err != nil {
		return err
	}
	sched := dispatch.NewScheduler(logger)
	if err := sched.Every(ctx, "dispatch-worker", worker.Interval(), func(ctx context.Context) { worker.RunOnce(ctx) }); err != nil {
		return err
	}
	if err := sched.Every(ctx, "dead-letter-monitor", monitorInterval, func(ctx context.Context) { monitor.RunOnce(ctx) }); err != nil {
		return err
	}
	sched.Start()
	logger.Info().
		Dur("worker_interval", worker.Interval()).
		Strs("tenants", cfg.Tenants()).
		Msg("dispatch scheduler started")

	e := newServer(a)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting operator API")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("server error")
			stop()
		}
	}()

	<-ctx.Done()

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}

	// Wait for in-flight worker and monitor runs.
	select {
	case <-sched.Stop().Done():
	case <-shutdownCtx.Done():
		logger.Warn().Msg("scheduler did not stop before the shutdown deadline")
	}
	logger.Info().Msg("dispatch service stopped")
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printJobs(w io.Writer, jobs []*dispatch.Job, total int) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tTARGET\tATTEMPTS\tENCOUNTER\tNEXT RETRY\tLAST ERROR")
	for _, j := range jobs {
		next := "-"
		if j.NextRetryAt != nil {
			next = j.NextRetryAt.Format(time.RFC3339)
		}
		lastErr := "-"
		if j.LastError != nil {
			lastErr = truncate(*j.LastError, 60)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\t%s\t%s\n",
			j.ID, j.Status, j.Target, j.AttemptCount, j.MaxAttempts, j.EncounterID, next, lastErr)
	}
	tw.Flush()
	fmt.Fprintf(w, "%d of %d job(s)\n", len(jobs), total)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

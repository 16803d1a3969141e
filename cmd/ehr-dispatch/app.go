package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ehr/dispatch/internal/config"
	"github.com/ehr/dispatch/internal/domain/dispatch"
	"github.com/ehr/dispatch/internal/platform/db"
	"github.com/ehr/dispatch/internal/platform/hipaa"
	"github.com/ehr/dispatch/internal/platform/notification"
	"github.com/ehr/dispatch/internal/platform/transport"
	"github.com/ehr/dispatch/internal/platform/webhook"
)

// app holds the wired dispatch components shared by the serve loop and the
// operator commands.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger

	pool  *pgxpool.Pool
	repo  dispatch.JobRepository
	scope dispatch.TenantScope
	audit hipaa.AuditWriter

	engine *dispatch.Engine
	svc    *dispatch.Service

	closers []func() error
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg != nil && cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(stdout).With().Timestamp().Logger()
}

// newApp opens the configured job store and builds the engine and service.
func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	a := &app{cfg: cfg, logger: logger}
	logAudit := hipaa.NewLogAuditWriter(logger)

	switch cfg.JobStore {
	case config.DriverPostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		a.pool = pool
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		a.repo = dispatch.NewJobRepoPG(pool)
		a.scope = dispatch.PoolScope(pool)
		a.audit = hipaa.MultiAuditWriter{hipaa.NewAuditLogger(pool), logAudit}
	case config.DriverSQLite:
		repo, closeFn, err := dispatch.OpenSQLiteJobRepo(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, closeFn)
		a.repo = repo
		a.scope = dispatch.ContextScope
		a.audit = logAudit
	default:
		a.repo = dispatch.NewMemoryJobRepo()
		a.scope = dispatch.ContextScope
		a.audit = logAudit
	}

	// Validate already parsed these.
	target, _ := cfg.Target()
	vendor, _ := cfg.Vendor()
	outbound, _ := cfg.OutboundAuth()
	tcfg := cfg.Transport()

	sender := transport.New(tcfg)
	a.engine = dispatch.NewEngine(a.repo, sender, a.audit, dispatch.EngineConfig{
		Vendor:      vendor,
		Auth:        outbound,
		BackoffBase: cfg.BackoffBase(),
	}, logger)
	a.svc = dispatch.NewService(a.repo, a.engine, dispatch.ServiceConfig{
		DefaultTarget: target,
		Vendor:        vendor,
		MaxAttempts:   cfg.MaxAttempts,
		Auth:          outbound,
		Transport:     tcfg,
		AlertWindow:   cfg.AlertWindow(),
	})

	logger.Info().
		Str("jobstore", cfg.JobStore).
		Str("target", string(target)).
		Str("vendor", string(vendor)).
		Str("auth_mode", string(outbound.Mode)).
		Msg("dispatch components ready")
	return a, nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn().Err(err).Msg("close failed")
		}
	}
}

// inTenant runs fn scoped to tenant as an operator invoked from the CLI.
func (a *app) inTenant(ctx context.Context, tenant string, fn func(ctx context.Context) error) error {
	return a.scope(ctx, tenant, fn)
}

func (a *app) newWorker() *dispatch.Worker {
	return dispatch.NewWorker(a.repo, a.engine, a.scope, dispatch.WorkerConfig{
		Interval:  a.cfg.WorkerInterval(),
		BatchSize: a.cfg.BatchSize,
		Lease:     a.cfg.Lease(),
		Tenants:   a.cfg.Tenants(),
	}, a.logger)
}

func (a *app) newMonitor() (*dispatch.Monitor, error) {
	sinks, err := alertSinks(a.cfg, a.logger)
	if err != nil {
		return nil, err
	}
	state, err := a.monitorState()
	if err != nil {
		return nil, err
	}
	return dispatch.NewMonitor(a.repo, a.scope, sinks, a.audit, state, dispatch.MonitorConfig{
		Threshold: a.cfg.DLQAlertThreshold,
		Window:    a.cfg.AlertWindow(),
		Cooldown:  a.cfg.AlertCooldown(),
		Tenants:   a.cfg.Tenants(),
	}, a.logger), nil
}

// monitorState keeps alert cooldowns in Redis when REDIS_URL is set so
// several replicas share them.
func (a *app) monitorState() (dispatch.MonitorState, error) {
	if a.cfg.RedisURL == "" {
		return dispatch.NewMemoryMonitorState(), nil
	}
	opts, err := goredis.ParseURL(a.cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := goredis.NewClient(opts)
	a.closers = append(a.closers, client.Close)

	ttl := a.cfg.AlertCooldown()
	if w := a.cfg.AlertWindow(); w > ttl {
		ttl = w
	}
	return dispatch.NewRedisMonitorState(client, ttl+time.Hour), nil
}

// alertSinks returns the log sink plus the webhook and SMS sinks that are
// configured.
func alertSinks(cfg *config.Config, logger zerolog.Logger) ([]notification.AlertSink, error) {
	sinks := []notification.AlertSink{notification.NewLogSink(logger)}

	if cfg.AlertWebhookURL != "" {
		poster, err := webhook.NewPoster(cfg.AlertWebhookURL, cfg.AlertWebhookSecret)
		if err != nil {
			return nil, fmt.Errorf("ALERT_WEBHOOK_URL: %w", err)
		}
		sinks = append(sinks, notification.NewWebhookSink(poster))
	}

	if cfg.TwilioAccountSID != "" {
		sender, err := notification.NewTwilioSMSSender(notification.TwilioConfig{
			AccountSID: cfg.TwilioAccountSID,
			AuthToken:  cfg.TwilioAuthToken,
			FromNumber: cfg.TwilioFromNumber,
		})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, notification.NewSMSSink(sender, cfg.AlertSMSTo))
	}
	return sinks, nil
}

package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/ehr/dispatch/internal/platform/db"
)

// TenantScope runs fn with ctx bound to tenant.
type TenantScope func(ctx context.Context, tenant string, fn func(ctx context.Context) error) error

// PoolScope binds a tenant-scoped Postgres connection for each run.
func PoolScope(pool *pgxpool.Pool) TenantScope {
	return func(ctx context.Context, tenant string, fn func(ctx context.Context) error) error {
		return db.WithTenant(ctx, pool, tenant, fn)
	}
}

// ContextScope only tags ctx with the tenant. Used with stores that filter
// by org_id themselves.
func ContextScope(ctx context.Context, tenant string, fn func(ctx context.Context) error) error {
	if !db.ValidTenantID(tenant) {
		return fmt.Errorf("invalid tenant identifier: %s", tenant)
	}
	return fn(db.WithTenantID(ctx, tenant))
}

// Scheduler runs the periodic dispatch loops. A run that is still in
// progress when its next tick fires is skipped, so each loop has at most
// one active run per process.
type Scheduler struct {
	cron   *cron.Cron
	logger zerolog.Logger
}

func NewScheduler(logger zerolog.Logger) *Scheduler {
	cl := cronLogger{logger: logger.With().Str("component", "scheduler").Logger()}
	c := cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)), cron.WithLogger(cl))
	return &Scheduler{cron: c, logger: cl.logger}
}

// Every registers fn to run at interval. fn receives ctx.
func (s *Scheduler) Every(ctx context.Context, name string, interval time.Duration, fn func(ctx context.Context)) error {
	if interval <= 0 {
		return fmt.Errorf("scheduler: %s interval must be positive", name)
	}
	_, err := s.cron.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		if ctx.Err() != nil {
			return
		}
		fn(ctx)
	})
	if err != nil {
		return fmt.Errorf("scheduler: register %s: %w", name, err)
	}
	s.logger.Info().Str("loop", name).Dur("interval", interval).Msg("scheduled")
	return nil
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the schedule. The returned context is done once running loops
// have returned.
func (s *Scheduler) Stop() context.Context { return s.cron.Stop() }

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}

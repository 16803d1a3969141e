package dispatch

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultWorkerInterval = 30 * time.Second
	DefaultBatchSize      = 25
	DefaultLease          = 2 * time.Minute
)

type WorkerConfig struct {
	Interval  time.Duration
	BatchSize int
	Lease     time.Duration
	Tenants   []string
}

// Worker claims due jobs per tenant and attempts them one at a time.
type Worker struct {
	repo    JobRepository
	engine  *Engine
	scope   TenantScope
	cfg     WorkerConfig
	logger  zerolog.Logger
	nowFunc func() time.Time
}

func NewWorker(repo JobRepository, engine *Engine, scope TenantScope, cfg WorkerConfig, logger zerolog.Logger) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultWorkerInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Lease <= 0 {
		cfg.Lease = DefaultLease
	}
	if scope == nil {
		scope = ContextScope
	}
	return &Worker{
		repo:    repo,
		engine:  engine,
		scope:   scope,
		cfg:     cfg,
		logger:  logger.With().Str("component", "dispatch_worker").Logger(),
		nowFunc: func() time.Time { return time.Now().UTC() },
	}
}

func (w *Worker) Interval() time.Duration { return w.cfg.Interval }

// RunOnce processes one batch per tenant and returns the number of jobs
// attempted. A failing tenant is logged and does not stop the others.
func (w *Worker) RunOnce(ctx context.Context) int {
	total := 0
	for _, tenant := range w.cfg.Tenants {
		if ctx.Err() != nil {
			break
		}
		err := w.scope(ctx, tenant, func(ctx context.Context) error {
			n, err := w.processTenant(ctx)
			total += n
			return err
		})
		if err != nil {
			w.logger.Error().Err(err).Str("org_id", tenant).Msg("dispatch batch failed")
		}
	}
	return total
}

func (w *Worker) processTenant(ctx context.Context) (int, error) {
	jobs, err := w.repo.ClaimDue(ctx, w.nowFunc(), w.cfg.BatchSize, w.cfg.Lease)
	if err != nil {
		return 0, err
	}
	for i, j := range jobs {
		if ctx.Err() != nil {
			return i, ctx.Err()
		}
		res, err := w.engine.Attempt(ctx, j.ID)
		if err != nil {
			w.logger.Error().Err(err).Str("job_id", j.ID.String()).Msg("dispatch attempt could not be recorded")
			continue
		}
		w.logger.Debug().Str("job_id", res.ID.String()).Str("status", string(res.Status)).Msg("dispatch attempt processed")
	}
	if len(jobs) > 0 {
		w.logger.Info().Int("claimed", len(jobs)).Msg("dispatch batch processed")
	}
	return len(jobs), nil
}

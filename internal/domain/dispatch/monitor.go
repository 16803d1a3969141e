package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/dispatch/internal/platform/hipaa"
	"github.com/ehr/dispatch/internal/platform/notification"
)

const (
	DefaultAlertThreshold = 5
	DefaultAlertWindow    = 60 * time.Minute
	DefaultAlertCooldown  = 30 * time.Minute
)

type MonitorConfig struct {
	Threshold int
	Window    time.Duration
	Cooldown  time.Duration
	Tenants   []string
}

// Monitor raises an alert when a tenant's dead-letter count within the
// sliding window reaches the threshold, at most once per cooldown.
type Monitor struct {
	repo    JobRepository
	scope   TenantScope
	sinks   []notification.AlertSink
	audit   hipaa.AuditWriter
	state   MonitorState
	cfg     MonitorConfig
	logger  zerolog.Logger
	nowFunc func() time.Time
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithClock replaces the monitor's time source.
func WithClock(now func() time.Time) MonitorOption {
	return func(m *Monitor) { m.nowFunc = now }
}

func NewMonitor(repo JobRepository, scope TenantScope, sinks []notification.AlertSink, audit hipaa.AuditWriter, state MonitorState, cfg MonitorConfig, logger zerolog.Logger, opts ...MonitorOption) *Monitor {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultAlertThreshold
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultAlertWindow
	}
	if cfg.Cooldown < 0 {
		cfg.Cooldown = DefaultAlertCooldown
	}
	if scope == nil {
		scope = ContextScope
	}
	if state == nil {
		state = NewMemoryMonitorState()
	}
	m := &Monitor{
		repo:    repo,
		scope:   scope,
		sinks:   sinks,
		audit:   audit,
		state:   state,
		cfg:     cfg,
		logger:  logger.With().Str("component", "dlq_monitor").Logger(),
		nowFunc: func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// RunOnce evaluates every configured tenant and returns the alerts raised.
func (m *Monitor) RunOnce(ctx context.Context) []notification.AlertEvent {
	var raised []notification.AlertEvent
	for _, tenant := range m.cfg.Tenants {
		if ctx.Err() != nil {
			break
		}
		err := m.scope(ctx, tenant, func(ctx context.Context) error {
			ev, err := m.Check(ctx, tenant)
			if ev != nil {
				raised = append(raised, *ev)
			}
			return err
		})
		if err != nil {
			m.logger.Error().Err(err).Str("scope", tenant).Msg("dead-letter check failed")
		}
	}
	return raised
}

// Check evaluates one scope. ctx must already be bound to it. It returns the
// alert when one was raised, nil otherwise.
func (m *Monitor) Check(ctx context.Context, scope string) (*notification.AlertEvent, error) {
	now := m.nowFunc()
	stats, err := m.repo.DeadLetterStats(ctx, now.Add(-m.cfg.Window))
	if err != nil {
		return nil, fmt.Errorf("dead letter stats: %w", err)
	}
	if stats.DeadLettered < m.cfg.Threshold {
		return nil, nil
	}

	last, err := m.state.LastAlertAt(ctx, scope)
	if err != nil {
		return nil, err
	}
	if !last.IsZero() && now.Sub(last) < m.cfg.Cooldown {
		m.logger.Debug().Str("scope", scope).Time("last_alert_at", last).Msg("dead-letter alert suppressed by cooldown")
		return nil, nil
	}

	ev := notification.AlertEvent{
		Type:            hipaa.ActionDispatchDLQAlert,
		Scope:           scope,
		DeadLetterCount: stats.DeadLettered,
		RetryingCount:   stats.Retrying,
		PendingCount:    stats.Pending,
		Threshold:       m.cfg.Threshold,
		WindowMinutes:   int(m.cfg.Window / time.Minute),
		DetectedAt:      now,
	}

	results := notification.Broadcast(ctx, m.sinks, ev, m.logger)

	if m.audit != nil {
		sinks := make([]interface{}, 0, len(results))
		for _, r := range results {
			sinks = append(sinks, map[string]interface{}{"sink": r.Sink, "error": r.Error})
		}
		audit := hipaa.NewDispatchEvent(scope, hipaa.ActionDispatchDLQAlert, scope, hipaa.OutcomeSuccess, map[string]interface{}{
			"dead_letter_count": stats.DeadLettered,
			"retrying_count":    stats.Retrying,
			"pending_count":     stats.Pending,
			"threshold":         m.cfg.Threshold,
			"window_minutes":    ev.WindowMinutes,
			"sinks":             sinks,
		})
		audit.EntityType = "DeadLetterQueue"
		audit.ActorID = "system"
		if err := m.audit.WriteAudit(ctx, audit); err != nil {
			m.logger.Error().Err(err).Str("scope", scope).Msg("failed to write dead-letter alert audit event")
		}
	}

	if err := m.state.SetLastAlertAt(ctx, scope, now); err != nil {
		return &ev, err
	}

	m.logger.Warn().
		Str("scope", scope).
		Int("dead_letter_count", stats.DeadLettered).
		Int("threshold", m.cfg.Threshold).
		Msg("dead-letter alert raised")
	return &ev, nil
}

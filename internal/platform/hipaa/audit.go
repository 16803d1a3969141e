package hipaa

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/dispatch/internal/platform/db"
)

// Dispatch audit actions.
const (
	ActionDispatchSucceeded    = "ehr.dispatch.succeeded"
	ActionDispatchFailed       = "ehr.dispatch.failed"
	ActionDispatchReplayed     = "ehr.dispatch.replayed"
	ActionDispatchDeadLettered = "ehr.dispatch.dead_lettered"
	ActionDispatchDLQAlert     = "ehr.dispatch.dlq_alert"
)

const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// AuditEvent is one append-only record in dispatch_audit_event.
type AuditEvent struct {
	ID         uuid.UUID              `json:"id"`
	OrgID      string                 `json:"org_id"`
	Action     string                 `json:"action"`
	EntityType string                 `json:"entity_type"`
	EntityID   string                 `json:"entity_id"`
	ActorID    string                 `json:"actor_id,omitempty"`
	Outcome    string                 `json:"outcome"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Recorded   time.Time              `json:"recorded"`
	CreatedAt  time.Time              `json:"created_at"`
}

// AuditWriter persists audit events. Implementations must be safe for
// concurrent use.
type AuditWriter interface {
	WriteAudit(ctx context.Context, event *AuditEvent) error
}

// NewDispatchEvent builds an event about a dispatch job.
func NewDispatchEvent(orgID, action, jobID, outcome string, details map[string]interface{}) *AuditEvent {
	return &AuditEvent{
		OrgID:      orgID,
		Action:     action,
		EntityType: "DispatchJob",
		EntityID:   jobID,
		Outcome:    outcome,
		Details:    details,
		Recorded:   time.Now().UTC(),
	}
}

// AuditLogger writes audit events to Postgres.
type AuditLogger struct {
	pool *pgxpool.Pool
}

func NewAuditLogger(pool *pgxpool.Pool) *AuditLogger {
	return &AuditLogger{pool: pool}
}

// WriteAudit inserts event. It uses the tenant-scoped connection from context
// when available, falling back to pool.Acquire.
func (a *AuditLogger) WriteAudit(ctx context.Context, event *AuditEvent) error {
	if event.Recorded.IsZero() {
		event.Recorded = time.Now().UTC()
	}
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	details, err := json.Marshal(event.Details)
	if err != nil {
		return fmt.Errorf("hipaa audit: encode details: %w", err)
	}
	if event.Details == nil {
		details = []byte("{}")
	}

	const query = `
		INSERT INTO dispatch_audit_event (
			id, org_id, action, entity_type, entity_id, actor_id, outcome, details, recorded
		) VALUES ($1,$2,$3,$4,$5,NULLIF($6,''),$7,$8,$9)
		RETURNING created_at`

	args := []any{
		event.ID, event.OrgID, event.Action, event.EntityType, event.EntityID,
		event.ActorID, event.Outcome, details, event.Recorded,
	}

	if tx := db.TxFromContext(ctx); tx != nil {
		return tx.QueryRow(ctx, query, args...).Scan(&event.CreatedAt)
	}
	if conn := db.ConnFromContext(ctx); conn != nil {
		return conn.QueryRow(ctx, query, args...).Scan(&event.CreatedAt)
	}

	poolConn, err := a.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("hipaa audit: acquire connection: %w", err)
	}
	defer poolConn.Release()

	return poolConn.QueryRow(ctx, query, args...).Scan(&event.CreatedAt)
}

// LogAuditWriter emits audit events as structured log lines. It backs
// deployments without Postgres.
type LogAuditWriter struct {
	logger zerolog.Logger
}

func NewLogAuditWriter(logger zerolog.Logger) *LogAuditWriter {
	return &LogAuditWriter{logger: logger.With().Str("component", "audit").Logger()}
}

func (w *LogAuditWriter) WriteAudit(_ context.Context, event *AuditEvent) error {
	if event.Recorded.IsZero() {
		event.Recorded = time.Now().UTC()
	}
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	event.CreatedAt = event.Recorded

	w.logger.Info().
		Str("audit_id", event.ID.String()).
		Str("org_id", event.OrgID).
		Str("action", event.Action).
		Str("entity_type", event.EntityType).
		Str("entity_id", event.EntityID).
		Str("actor_id", event.ActorID).
		Str("outcome", event.Outcome).
		Interface("details", event.Details).
		Time("recorded", event.Recorded).
		Msg("audit event")
	return nil
}

// MultiAuditWriter writes to every writer and returns the first error.
type MultiAuditWriter []AuditWriter

func (m MultiAuditWriter) WriteAudit(ctx context.Context, event *AuditEvent) error {
	var first error
	for _, w := range m {
		if err := w.WriteAudit(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}

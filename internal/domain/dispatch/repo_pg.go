package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/dispatch/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

type jobRepoPG struct{ pool *pgxpool.Pool }

// NewJobRepoPG returns a JobRepository over the dispatch_job table of the
// tenant schema selected by the connection in ctx.
func NewJobRepoPG(pool *pgxpool.Pool) JobRepository {
	return &jobRepoPG{pool: pool}
}

func (r *jobRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const jobCols = `id, org_id, encounter_id, note_id, target, vendor, contract_type, status,
	attempt_count, max_attempts, payload, next_retry_at, dead_lettered_at, dispatched_at,
	last_error, external_message_id, response, created_by_id, lease_expires_at,
	created_at, updated_at`

func (r *jobRepoPG) scanJob(row pgx.Row) (*Job, error) {
	var j Job
	var payload, response []byte
	err := row.Scan(&j.ID, &j.OrgID, &j.EncounterID, &j.NoteID, &j.Target, &j.Vendor,
		&j.ContractType, &j.Status, &j.AttemptCount, &j.MaxAttempts, &payload,
		&j.NextRetryAt, &j.DeadLetteredAt, &j.DispatchedAt, &j.LastError,
		&j.ExternalMessageID, &response, &j.CreatedByID, &j.LeaseExpiresAt,
		&j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	j.Payload = payload
	j.Response = response
	return &j, nil
}

// nullJSON maps an empty document to SQL NULL.
func nullJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func (r *jobRepoPG) Create(ctx context.Context, j *Job) error {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO dispatch_job (id, org_id, encounter_id, note_id, target, vendor,
			contract_type, status, attempt_count, max_attempts, payload, next_retry_at,
			created_by_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING created_at, updated_at`,
		j.ID, j.OrgID, j.EncounterID, j.NoteID, j.Target, j.Vendor,
		j.ContractType, j.Status, j.AttemptCount, j.MaxAttempts, nullJSON(j.Payload), j.NextRetryAt,
		j.CreatedByID).Scan(&j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return fmt.Errorf("dispatch/postgres: create job: %w", err)
	}
	return nil
}

func (r *jobRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Job, error) {
	return r.scanJob(r.conn(ctx).QueryRow(ctx, `SELECT `+jobCols+` FROM dispatch_job WHERE id = $1`, id))
}

func (r *jobRepoPG) Update(ctx context.Context, id uuid.UUID, fn func(*Job) error) (*Job, error) {
	tx, err := r.conn(ctx).Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("dispatch/postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	j, err := r.scanJob(tx.QueryRow(ctx, `SELECT `+jobCols+` FROM dispatch_job WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}
	if err := fn(j); err != nil {
		return nil, err
	}

	err = tx.QueryRow(ctx, `
		UPDATE dispatch_job SET status=$2, attempt_count=$3, max_attempts=$4, next_retry_at=$5,
			dead_lettered_at=$6, dispatched_at=$7, last_error=$8, external_message_id=$9,
			response=$10, contract_type=$11, lease_expires_at=NULL, updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		id, j.Status, j.AttemptCount, j.MaxAttempts, j.NextRetryAt,
		j.DeadLetteredAt, j.DispatchedAt, j.LastError, j.ExternalMessageID,
		nullJSON(j.Response), j.ContractType).Scan(&j.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("dispatch/postgres: update job %s: %w", id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("dispatch/postgres: commit: %w", err)
	}
	j.LeaseExpiresAt = nil
	return j, nil
}

// ClaimDue uses SKIP LOCKED so that concurrent workers never lease the same
// row, and stamps lease_expires_at so a claimed row stays invisible after the
// statement commits.
func (r *jobRepoPG) ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*Job, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		UPDATE dispatch_job SET lease_expires_at = $2
		WHERE id IN (
			SELECT id FROM dispatch_job
			WHERE status IN ('PENDING', 'RETRYING')
				AND (next_retry_at IS NULL OR next_retry_at <= $1)
				AND (lease_expires_at IS NULL OR lease_expires_at <= $1)
			ORDER BY created_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED)
		RETURNING `+jobCols,
		now, now.Add(lease), limit)
	if err != nil {
		return nil, fmt.Errorf("dispatch/postgres: claim due: %w", err)
	}
	defer rows.Close()

	var items []*Job
	for rows.Next() {
		j, err := r.scanJob(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, j)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// RETURNING order is unspecified.
	sortOldestFirst(items)
	return items, nil
}

func (r *jobRepoPG) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Job, int, error) {
	where := ` WHERE 1=1`
	var args []interface{}
	if f.Status != "" {
		args = append(args, f.Status)
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.EncounterID != "" {
		args = append(args, f.EncounterID)
		where += fmt.Sprintf(" AND encounter_id = $%d", len(args))
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM dispatch_job`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + jobCols + ` FROM dispatch_job` + where +
		fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	rows, err := r.conn(ctx).Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Job
	for rows.Next() {
		j, err := r.scanJob(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, j)
	}
	return items, total, rows.Err()
}

func (r *jobRepoPG) DeadLetterStats(ctx context.Context, since time.Time) (DeadLetterStats, error) {
	var s DeadLetterStats
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'DEAD_LETTER' AND dead_lettered_at >= $1),
			COUNT(*) FILTER (WHERE status = 'RETRYING'),
			COUNT(*) FILTER (WHERE status = 'PENDING')
		FROM dispatch_job`, since).Scan(&s.DeadLettered, &s.Retrying, &s.Pending)
	if err != nil {
		return s, fmt.Errorf("dispatch/postgres: dead letter stats: %w", err)
	}
	return s, nil
}

func (r *jobRepoPG) Ping(ctx context.Context) error {
	var one int
	return r.conn(ctx).QueryRow(ctx, `SELECT 1`).Scan(&one)
}

package dispatch

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/ehr/dispatch/internal/platform/db"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

// sqliteTime is fixed width so that text comparison orders like time.
const sqliteTime = "2006-01-02T15:04:05.000000000Z"

type jobRepoSQLite struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLiteJobRepo opens (creating if needed) a single-node job store at
// path. Writers are serialized by SQLite's database lock.
func OpenSQLiteJobRepo(path string) (JobRepository, func() error, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("dispatch/sqlite: create directory %s: %w", dir, err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_txlock=immediate&_journal_mode=WAL", path)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("dispatch/sqlite: open: %w", err)
	}
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("dispatch/sqlite: ping: %w", err)
	}
	if _, err := conn.Exec(sqliteSchema); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("dispatch/sqlite: apply schema: %w", err)
	}

	r := &jobRepoSQLite{db: conn, now: func() time.Time { return time.Now().UTC() }}
	return r, conn.Close, nil
}

const sqliteJobCols = `id, org_id, encounter_id, note_id, target, vendor, contract_type, status,
	attempt_count, max_attempts, payload, next_retry_at, dead_lettered_at, dispatched_at,
	last_error, external_message_id, response, created_by_id, lease_expires_at,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (r *jobRepoSQLite) scanJob(row rowScanner) (*Job, error) {
	var j Job
	var payload string
	var noteID, lastError, extID, response, createdBy sql.NullString
	var nextRetry, deadLettered, dispatched, lease sql.NullString
	var created, updated string

	err := row.Scan(&j.ID, &j.OrgID, &j.EncounterID, &noteID, &j.Target, &j.Vendor,
		&j.ContractType, &j.Status, &j.AttemptCount, &j.MaxAttempts, &payload,
		&nextRetry, &deadLettered, &dispatched, &lastError, &extID, &response,
		&createdBy, &lease, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("dispatch/sqlite: scan job: %w", err)
	}

	j.Payload = []byte(payload)
	j.NoteID = nullString(noteID)
	j.LastError = nullString(lastError)
	j.ExternalMessageID = nullString(extID)
	j.CreatedByID = nullString(createdBy)
	if response.Valid {
		j.Response = []byte(response.String)
	}
	if j.NextRetryAt, err = parseNullTime(nextRetry); err != nil {
		return nil, err
	}
	if j.DeadLetteredAt, err = parseNullTime(deadLettered); err != nil {
		return nil, err
	}
	if j.DispatchedAt, err = parseNullTime(dispatched); err != nil {
		return nil, err
	}
	if j.LeaseExpiresAt, err = parseNullTime(lease); err != nil {
		return nil, err
	}
	if j.CreatedAt, err = time.Parse(sqliteTime, created); err != nil {
		return nil, fmt.Errorf("dispatch/sqlite: parse created_at: %w", err)
	}
	if j.UpdatedAt, err = time.Parse(sqliteTime, updated); err != nil {
		return nil, fmt.Errorf("dispatch/sqlite: parse updated_at: %w", err)
	}
	return &j, nil
}

func (r *jobRepoSQLite) Create(ctx context.Context, j *Job) error {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	now := r.now()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO dispatch_job (id, org_id, encounter_id, note_id, target, vendor,
			contract_type, status, attempt_count, max_attempts, payload, next_retry_at,
			created_by_id, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID.String(), j.OrgID, j.EncounterID, j.NoteID, string(j.Target), string(j.Vendor),
		string(j.ContractType), string(j.Status), j.AttemptCount, j.MaxAttempts, string(j.Payload),
		formatNullTime(j.NextRetryAt), j.CreatedByID, formatTime(j.CreatedAt), formatTime(j.UpdatedAt))
	if err != nil {
		return fmt.Errorf("dispatch/sqlite: create job: %w", err)
	}
	return nil
}

func (r *jobRepoSQLite) GetByID(ctx context.Context, id uuid.UUID) (*Job, error) {
	tenant := db.TenantFromContext(ctx)
	return r.scanJob(r.db.QueryRowContext(ctx,
		`SELECT `+sqliteJobCols+` FROM dispatch_job WHERE id = ? AND (? = '' OR org_id = ?)`,
		id.String(), tenant, tenant))
}

func (r *jobRepoSQLite) Update(ctx context.Context, id uuid.UUID, fn func(*Job) error) (*Job, error) {
	tenant := db.TenantFromContext(ctx)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("dispatch/sqlite: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	j, err := r.scanJob(tx.QueryRowContext(ctx,
		`SELECT `+sqliteJobCols+` FROM dispatch_job WHERE id = ? AND (? = '' OR org_id = ?)`,
		id.String(), tenant, tenant))
	if err != nil {
		return nil, err
	}
	if err := fn(j); err != nil {
		return nil, err
	}
	j.ID = id
	j.LeaseExpiresAt = nil
	j.UpdatedAt = r.now()

	var response interface{}
	if len(j.Response) > 0 {
		response = string(j.Response)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE dispatch_job SET status=?, attempt_count=?, max_attempts=?, next_retry_at=?,
			dead_lettered_at=?, dispatched_at=?, last_error=?, external_message_id=?,
			response=?, contract_type=?, lease_expires_at=NULL, updated_at=?
		WHERE id = ?`,
		string(j.Status), j.AttemptCount, j.MaxAttempts, formatNullTime(j.NextRetryAt),
		formatNullTime(j.DeadLetteredAt), formatNullTime(j.DispatchedAt), j.LastError, j.ExternalMessageID,
		response, string(j.ContractType), formatTime(j.UpdatedAt), id.String())
	if err != nil {
		return nil, fmt.Errorf("dispatch/sqlite: update job %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("dispatch/sqlite: commit: %w", err)
	}
	return j, nil
}

func (r *jobRepoSQLite) ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*Job, error) {
	tenant := db.TenantFromContext(ctx)
	ts := formatTime(now)

	rows, err := r.db.QueryContext(ctx, `
		UPDATE dispatch_job SET lease_expires_at = ?
		WHERE id IN (
			SELECT id FROM dispatch_job
			WHERE status IN ('PENDING', 'RETRYING')
				AND (? = '' OR org_id = ?)
				AND (next_retry_at IS NULL OR next_retry_at <= ?)
				AND (lease_expires_at IS NULL OR lease_expires_at <= ?)
			ORDER BY created_at
			LIMIT ?)
		RETURNING `+sqliteJobCols,
		formatTime(now.Add(lease)), tenant, tenant, ts, ts, limit)
	if err != nil {
		return nil, fmt.Errorf("dispatch/sqlite: claim due: %w", err)
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
	sortOldestFirst(items)
	return items, nil
}

func (r *jobRepoSQLite) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Job, int, error) {
	tenant := db.TenantFromContext(ctx)
	where := ` WHERE (? = '' OR org_id = ?) AND (? = '' OR status = ?) AND (? = '' OR encounter_id = ?)`
	args := []interface{}{tenant, tenant, string(f.Status), string(f.Status), f.EncounterID, f.EncounterID}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dispatch_job`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("dispatch/sqlite: count jobs: %w", err)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sqliteJobCols+` FROM dispatch_job`+where+` ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("dispatch/sqlite: list jobs: %w", err)
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

func (r *jobRepoSQLite) DeadLetterStats(ctx context.Context, since time.Time) (DeadLetterStats, error) {
	tenant := db.TenantFromContext(ctx)
	var s DeadLetterStats
	err := r.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status = 'DEAD_LETTER' AND dead_lettered_at >= ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'RETRYING' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'PENDING' THEN 1 ELSE 0 END), 0)
		FROM dispatch_job WHERE (? = '' OR org_id = ?)`,
		formatTime(since), tenant, tenant).Scan(&s.DeadLettered, &s.Retrying, &s.Pending)
	if err != nil {
		return s, fmt.Errorf("dispatch/sqlite: dead letter stats: %w", err)
	}
	return s, nil
}

func (r *jobRepoSQLite) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTime)
}

func formatNullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(sqliteTime, s.String)
	if err != nil {
		return nil, fmt.Errorf("dispatch/sqlite: parse time %q: %w", s.String, err)
	}
	return &t, nil
}

func nullString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrJobNotFound = errors.New("dispatch: job not found")

// ListFilter narrows List. Empty fields match everything.
type ListFilter struct {
	Status      Status
	EncounterID string
}

// DeadLetterStats are the counts a DeadLetterMonitor evaluates per scope.
type DeadLetterStats struct {
	DeadLettered int `json:"dead_lettered"`
	Retrying     int `json:"retrying"`
	Pending      int `json:"pending"`
}

// JobRepository persists dispatch jobs. Implementations scope every call to
// the tenant carried by ctx.
type JobRepository interface {
	Create(ctx context.Context, j *Job) error
	GetByID(ctx context.Context, id uuid.UUID) (*Job, error)
	// Update loads the job under a row lock, applies fn and persists the
	// result atomically. An error from fn aborts without writing. Any claim
	// lease is released.
	Update(ctx context.Context, id uuid.UUID, fn func(*Job) error) (*Job, error)
	// ClaimDue leases up to limit PENDING or RETRYING jobs that are due at
	// now, oldest first. Leased jobs are invisible to other claimers until
	// the lease expires or the job is updated.
	ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*Job, error)
	List(ctx context.Context, f ListFilter, limit, offset int) ([]*Job, int, error)
	// DeadLetterStats counts jobs dead-lettered at or after since, plus the
	// current RETRYING and PENDING backlog.
	DeadLetterStats(ctx context.Context, since time.Time) (DeadLetterStats, error)
	Ping(ctx context.Context) error
}

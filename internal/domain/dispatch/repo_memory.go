package dispatch

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/dispatch/internal/platform/db"
)

type memoryJobRepo struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*Job
	now  func() time.Time
}

// NewMemoryJobRepo returns a process-local JobRepository. Jobs are lost on
// restart; it backs tests and the sandbox.
func NewMemoryJobRepo() JobRepository {
	return &memoryJobRepo{
		jobs: make(map[uuid.UUID]*Job),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// visible applies the tenant filter. An unscoped context sees every tenant.
func visible(ctx context.Context, j *Job) bool {
	t := db.TenantFromContext(ctx)
	return t == "" || j.OrgID == t
}

func (r *memoryJobRepo) Create(ctx context.Context, j *Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	now := r.now()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now
	r.jobs[j.ID] = j.clone()
	return nil
}

func (r *memoryJobRepo) GetByID(ctx context.Context, id uuid.UUID) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok || !visible(ctx, j) {
		return nil, ErrJobNotFound
	}
	return j.clone(), nil
}

func (r *memoryJobRepo) Update(ctx context.Context, id uuid.UUID, fn func(*Job) error) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.jobs[id]
	if !ok || !visible(ctx, cur) {
		return nil, ErrJobNotFound
	}
	j := cur.clone()
	if err := fn(j); err != nil {
		return nil, err
	}
	j.ID = cur.ID
	j.LeaseExpiresAt = nil
	j.UpdatedAt = r.now()
	r.jobs[id] = j
	return j.clone(), nil
}

func (r *memoryJobRepo) ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var due []*Job
	for _, j := range r.jobs {
		if !visible(ctx, j) {
			continue
		}
		if j.Status != StatusPending && j.Status != StatusRetrying {
			continue
		}
		if j.NextRetryAt != nil && j.NextRetryAt.After(now) {
			continue
		}
		if j.LeaseExpiresAt != nil && j.LeaseExpiresAt.After(now) {
			continue
		}
		due = append(due, j)
	}
	sortOldestFirst(due)
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]*Job, 0, len(due))
	for _, j := range due {
		j.LeaseExpiresAt = timePtr(now.Add(lease))
		out = append(out, j.clone())
	}
	return out, nil
}

func (r *memoryJobRepo) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Job, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var matched []*Job
	for _, j := range r.jobs {
		if !visible(ctx, j) {
			continue
		}
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if f.EncounterID != "" && j.EncounterID != f.EncounterID {
			continue
		}
		matched = append(matched, j)
	}
	sort.Slice(matched, func(a, b int) bool {
		if matched[a].CreatedAt.Equal(matched[b].CreatedAt) {
			return matched[a].ID.String() > matched[b].ID.String()
		}
		return matched[a].CreatedAt.After(matched[b].CreatedAt)
	})

	total := len(matched)
	if offset > total {
		offset = total
	}
	matched = matched[offset:]
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]*Job, 0, len(matched))
	for _, j := range matched {
		out = append(out, j.clone())
	}
	return out, total, nil
}

func (r *memoryJobRepo) DeadLetterStats(ctx context.Context, since time.Time) (DeadLetterStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var s DeadLetterStats
	for _, j := range r.jobs {
		if !visible(ctx, j) {
			continue
		}
		switch j.Status {
		case StatusDeadLetter:
			if j.DeadLetteredAt != nil && !j.DeadLetteredAt.Before(since) {
				s.DeadLettered++
			}
		case StatusRetrying:
			s.Retrying++
		case StatusPending:
			s.Pending++
		}
	}
	return s, nil
}

func (r *memoryJobRepo) Ping(context.Context) error { return nil }

func sortOldestFirst(jobs []*Job) {
	sort.SliceStable(jobs, func(a, b int) bool {
		if jobs[a].CreatedAt.Equal(jobs[b].CreatedAt) {
			return jobs[a].ID.String() < jobs[b].ID.String()
		}
		return jobs[a].CreatedAt.Before(jobs[b].CreatedAt)
	})
}

package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// JobStatus is the lifecycle state of a queue job.
type JobStatus string

const (
	JobPending   JobStatus = "PENDING"
	JobRunning   JobStatus = "RUNNING"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
	JobCancelled JobStatus = "CANCELLED"
)

// Job is one durable queue entry.
type Job struct {
	ID               string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Name             string    `json:"name" gorm:"type:varchar(100);not null;index"`
	Payload          []byte    `json:"payload" gorm:"type:mediumblob"`
	Status           JobStatus `json:"status" gorm:"type:varchar(20);not null;index"`
	Attempts         int       `json:"attempts"`
	MaxAttempts      int       `json:"max_attempts"`
	RunAt            time.Time `json:"run_at" gorm:"not null;index"`
	IdempotencyKey   string    `json:"idempotency_key" gorm:"type:varchar(255);index"`
	ConcurrencyKey   string    `json:"concurrency_key" gorm:"type:varchar(255);index"`
	ConcurrencyLimit int       `json:"concurrency_limit"`
	LastError        string    `json:"last_error" gorm:"type:text"`
	LockedAt         *time.Time `json:"locked_at"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// TableName specifies the table name for Job
func (Job) TableName() string {
	return "queue_jobs"
}

// Store is the persistence surface of the durable queue. Claiming must be
// atomic: no two dispatchers may both claim the same job.
type Store interface {
	CreateJob(ctx context.Context, job *Job) error
	// FindActiveByIdempotencyKey returns a pending or running job carrying
	// the key, or nil. Finished jobs never block a re-enqueue.
	FindActiveByIdempotencyKey(ctx context.Context, key string) (*Job, error)
	// ClaimDueJobs atomically transitions up to limit due pending jobs to
	// RUNNING, honoring per-key concurrency limits, and returns them.
	ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]*Job, error)
	MarkCompleted(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, attempts int, lastError string) error
	// MarkRetry returns the job to PENDING with the attempt recorded and a
	// future run time.
	MarkRetry(ctx context.Context, id string, attempts int, runAt time.Time, lastError string) error
	// MarkRescheduled returns the job to PENDING without consuming an attempt.
	MarkRescheduled(ctx context.Context, id string, runAt time.Time) error
	// CancelJob cancels a pending job. Running and finished jobs are left alone.
	CancelJob(ctx context.Context, id string) (bool, error)
	// RequeueStaleJobs returns RUNNING jobs locked before the cutoff to
	// PENDING, recovering work abandoned by a crashed worker. Returns how many
	// jobs were requeued.
	RequeueStaleJobs(ctx context.Context, cutoff time.Time) (int, error)
}

// MemoryStore is an in-process Store for tests and single-node development.
// It mirrors the claim semantics of the database-backed store.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*Job)}
}

// CreateJob stores a new job.
func (s *MemoryStore) CreateJob(ctx context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	s.jobs[job.ID] = &cp
	return nil
}

// FindActiveByIdempotencyKey returns an unfinished job with the key, or nil.
func (s *MemoryStore) FindActiveByIdempotencyKey(ctx context.Context, key string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.IdempotencyKey == key && (j.Status == JobPending || j.Status == JobRunning) {
			cp := *j
			return &cp, nil
		}
	}
	return nil, nil
}

// ClaimDueJobs claims due pending jobs, oldest run time first.
func (s *MemoryStore) ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*Job
	for _, j := range s.jobs {
		if j.Status == JobPending && !j.RunAt.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, k int) bool { return due[i].RunAt.Before(due[k].RunAt) })

	var claimed []*Job
	for _, j := range due {
		if len(claimed) >= limit {
			break
		}
		if j.ConcurrencyKey != "" && j.ConcurrencyLimit > 0 {
			if s.countRunningLocked(j.ConcurrencyKey) >= j.ConcurrencyLimit {
				continue
			}
		}
		j.Status = JobRunning
		t := now
		j.LockedAt = &t
		j.UpdatedAt = now
		cp := *j
		claimed = append(claimed, &cp)
	}
	return claimed, nil
}

func (s *MemoryStore) countRunningLocked(key string) int {
	n := 0
	for _, j := range s.jobs {
		if j.Status == JobRunning && j.ConcurrencyKey == key {
			n++
		}
	}
	return n
}

// MarkCompleted finishes a job successfully.
func (s *MemoryStore) MarkCompleted(ctx context.Context, id string) error {
	return s.update(id, func(j *Job) {
		j.Status = JobCompleted
		j.LockedAt = nil
	})
}

// MarkFailed finishes a job as permanently failed.
func (s *MemoryStore) MarkFailed(ctx context.Context, id string, attempts int, lastError string) error {
	return s.update(id, func(j *Job) {
		j.Status = JobFailed
		j.Attempts = attempts
		j.LastError = lastError
		j.LockedAt = nil
	})
}

// MarkRetry schedules another attempt.
func (s *MemoryStore) MarkRetry(ctx context.Context, id string, attempts int, runAt time.Time, lastError string) error {
	return s.update(id, func(j *Job) {
		j.Status = JobPending
		j.Attempts = attempts
		j.RunAt = runAt
		j.LastError = lastError
		j.LockedAt = nil
	})
}

// MarkRescheduled defers a job without consuming an attempt.
func (s *MemoryStore) MarkRescheduled(ctx context.Context, id string, runAt time.Time) error {
	return s.update(id, func(j *Job) {
		j.Status = JobPending
		j.RunAt = runAt
		j.LockedAt = nil
	})
}

// CancelJob cancels a pending job.
func (s *MemoryStore) CancelJob(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return false, ErrJobNotFound
	}
	if j.Status != JobPending {
		return false, nil
	}
	j.Status = JobCancelled
	j.UpdatedAt = time.Now()
	return true, nil
}

// RequeueStaleJobs returns RUNNING jobs locked before the cutoff to PENDING.
func (s *MemoryStore) RequeueStaleJobs(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if j.Status == JobRunning && j.LockedAt != nil && j.LockedAt.Before(cutoff) {
			j.Status = JobPending
			j.LockedAt = nil
			j.UpdatedAt = time.Now()
			n++
		}
	}
	return n, nil
}

// GetJob returns a copy of the job, for tests.
func (s *MemoryStore) GetJob(id string) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, false
	}
	cp := *j
	return &cp, true
}

// CountByStatus returns how many jobs are in the given status, for tests.
func (s *MemoryStore) CountByStatus(status JobStatus) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if j.Status == status {
			n++
		}
	}
	return n
}

func (s *MemoryStore) update(id string, fn func(*Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	fn(j)
	j.UpdatedAt = time.Now()
	return nil
}

package queue

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// GormStore persists queue jobs in the application database. The claim step
// is a conditional update checking affected rows, so concurrent dispatchers
// never double-claim.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a GormStore.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// CreateJob stores a new job.
func (s *GormStore) CreateJob(ctx context.Context, job *Job) error {
	if result := s.db.WithContext(ctx).Create(job); result.Error != nil {
		return fmt.Errorf("failed to create queue job: %w", result.Error)
	}
	return nil
}

// FindActiveByIdempotencyKey returns an unfinished job with the key, or nil.
func (s *GormStore) FindActiveByIdempotencyKey(ctx context.Context, key string) (*Job, error) {
	var job Job
	result := s.db.WithContext(ctx).
		Where("idempotency_key = ? AND status IN ?", key, []JobStatus{JobPending, JobRunning}).
		First(&job)
	if result.Error == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if result.Error != nil {
		return nil, fmt.Errorf("database error: %w", result.Error)
	}
	return &job, nil
}

// ClaimDueJobs claims due pending jobs, oldest run time first. Candidates
// lost to claim races or held back by a concurrency cap are excluded and the
// query repeats until the limit is filled or no due work remains, so a burst
// of jobs sharing one due instant cannot starve later-due ones.
func (s *GormStore) ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]*Job, error) {
	var claimed []*Job
	var skipped []string

	for len(claimed) < limit {
		query := s.db.WithContext(ctx).
			Where("status = ? AND run_at <= ?", JobPending, now)
		if len(skipped) > 0 {
			query = query.Where("id NOT IN ?", skipped)
		}

		var candidates []Job
		result := query.Order("run_at ASC").Limit(limit - len(claimed)).Find(&candidates)
		if result.Error != nil {
			return claimed, fmt.Errorf("failed to query due jobs: %w", result.Error)
		}
		if len(candidates) == 0 {
			break
		}

		for i := range candidates {
			job := candidates[i]

			if job.ConcurrencyKey != "" && job.ConcurrencyLimit > 0 {
				var running int64
				if err := s.db.WithContext(ctx).Model(&Job{}).
					Where("concurrency_key = ? AND status = ?", job.ConcurrencyKey, JobRunning).
					Count(&running).Error; err != nil {
					return claimed, fmt.Errorf("failed to count running jobs: %w", err)
				}
				if running >= int64(job.ConcurrencyLimit) {
					skipped = append(skipped, job.ID)
					continue
				}
			}

			// Conditional claim: losing the race to another dispatcher is not
			// an error, the job is simply excluded from this cycle.
			update := s.db.WithContext(ctx).Model(&Job{}).
				Where("id = ? AND status = ?", job.ID, JobPending).
				Updates(map[string]any{"status": JobRunning, "locked_at": now})
			if update.Error != nil {
				return claimed, fmt.Errorf("failed to claim job %s: %w", job.ID, update.Error)
			}
			if update.RowsAffected == 0 {
				skipped = append(skipped, job.ID)
				continue
			}

			job.Status = JobRunning
			t := now
			job.LockedAt = &t
			claimed = append(claimed, &job)
		}
	}
	return claimed, nil
}

// MarkCompleted finishes a job successfully.
func (s *GormStore) MarkCompleted(ctx context.Context, id string) error {
	return s.update(ctx, id, map[string]any{"status": JobCompleted, "locked_at": nil})
}

// MarkFailed finishes a job as permanently failed.
func (s *GormStore) MarkFailed(ctx context.Context, id string, attempts int, lastError string) error {
	return s.update(ctx, id, map[string]any{
		"status": JobFailed, "attempts": attempts, "last_error": lastError, "locked_at": nil,
	})
}

// MarkRetry schedules another attempt.
func (s *GormStore) MarkRetry(ctx context.Context, id string, attempts int, runAt time.Time, lastError string) error {
	return s.update(ctx, id, map[string]any{
		"status": JobPending, "attempts": attempts, "run_at": runAt, "last_error": lastError, "locked_at": nil,
	})
}

// MarkRescheduled defers a job without consuming an attempt.
func (s *GormStore) MarkRescheduled(ctx context.Context, id string, runAt time.Time) error {
	return s.update(ctx, id, map[string]any{"status": JobPending, "run_at": runAt, "locked_at": nil})
}

// RequeueStaleJobs returns RUNNING jobs locked before the cutoff to PENDING.
// A job stuck in RUNNING otherwise pins its idempotency key forever.
func (s *GormStore) RequeueStaleJobs(ctx context.Context, cutoff time.Time) (int, error) {
	result := s.db.WithContext(ctx).Model(&Job{}).
		Where("status = ? AND locked_at < ?", JobRunning, cutoff).
		Updates(map[string]any{"status": JobPending, "locked_at": nil})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to requeue stale jobs: %w", result.Error)
	}
	return int(result.RowsAffected), nil
}

// CancelJob cancels a pending job.
func (s *GormStore) CancelJob(ctx context.Context, id string) (bool, error) {
	result := s.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", id, JobPending).
		Update("status", JobCancelled)
	if result.Error != nil {
		return false, fmt.Errorf("failed to cancel job %s: %w", id, result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (s *GormStore) update(ctx context.Context, id string, fields map[string]any) error {
	result := s.db.WithContext(ctx).Model(&Job{}).Where("id = ?", id).Updates(fields)
	if result.Error != nil {
		return fmt.Errorf("failed to update job %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrJobNotFound
	}
	return nil
}

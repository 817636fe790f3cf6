package store

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"inbox-autopilot-go/internal/model"
)

// BulkJobStore persists bulk-processing progress rows.
type BulkJobStore struct {
	db *gorm.DB
}

// NewBulkJobStore creates a BulkJobStore.
func NewBulkJobStore(db *gorm.DB) *BulkJobStore {
	return &BulkJobStore{db: db}
}

// CreateJob persists a new bulk job.
func (s *BulkJobStore) CreateJob(ctx context.Context, job *model.BulkJob) error {
	if result := s.db.WithContext(ctx).Create(job); result.Error != nil {
		return fmt.Errorf("failed to create bulk job: %w", result.Error)
	}
	return nil
}

// GetJob fetches one bulk job by id.
func (s *BulkJobStore) GetJob(ctx context.Context, id string) (*model.BulkJob, error) {
	var job model.BulkJob
	result := s.db.WithContext(ctx).Where("id = ?", id).First(&job)
	if result.Error == gorm.ErrRecordNotFound {
		return nil, ErrNotFound
	}
	if result.Error != nil {
		return nil, fmt.Errorf("database error: %w", result.Error)
	}
	return &job, nil
}

// CounterDeltas is a set of counter increments recorded in one update.
type CounterDeltas struct {
	PagesFetched      int
	MessagesFound     int
	MessagesQueued    int
	MessagesProcessed int
	MessagesSkipped   int
	MessagesFailed    int
}

// IncrementCounters adds the deltas to the job's progress counters. Counters
// are bumped before fan-out so progress stays observable even when fan-out
// partially fails.
func (s *BulkJobStore) IncrementCounters(ctx context.Context, id string, d CounterDeltas) error {
	updates := map[string]any{}
	if d.PagesFetched != 0 {
		updates["pages_fetched"] = gorm.Expr("pages_fetched + ?", d.PagesFetched)
	}
	if d.MessagesFound != 0 {
		updates["messages_found"] = gorm.Expr("messages_found + ?", d.MessagesFound)
	}
	if d.MessagesQueued != 0 {
		updates["messages_queued"] = gorm.Expr("messages_queued + ?", d.MessagesQueued)
	}
	if d.MessagesProcessed != 0 {
		updates["messages_processed"] = gorm.Expr("messages_processed + ?", d.MessagesProcessed)
	}
	if d.MessagesSkipped != 0 {
		updates["messages_skipped"] = gorm.Expr("messages_skipped + ?", d.MessagesSkipped)
	}
	if d.MessagesFailed != 0 {
		updates["messages_failed"] = gorm.Expr("messages_failed + ?", d.MessagesFailed)
	}
	if len(updates) == 0 {
		return nil
	}

	result := s.db.WithContext(ctx).Model(&model.BulkJob{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to update bulk job %s counters: %w", id, result.Error)
	}
	return nil
}

// MarkFetchComplete records that pagination is exhausted.
func (s *BulkJobStore) MarkFetchComplete(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Model(&model.BulkJob{}).
		Where("id = ?", id).
		Updates(map[string]any{"fetch_complete": true, "status": model.BulkJobCompleted})
	if result.Error != nil {
		return fmt.Errorf("failed to mark bulk job %s fetch-complete: %w", id, result.Error)
	}
	return nil
}

// CancelJob flags a running job as cancelled. In-flight fetcher and worker
// invocations observe the flag at their next step boundary and stop cleanly.
func (s *BulkJobStore) CancelJob(ctx context.Context, id string) (bool, error) {
	result := s.db.WithContext(ctx).Model(&model.BulkJob{}).
		Where("id = ? AND status = ?", id, model.BulkJobRunning).
		Update("status", model.BulkJobCancelled)
	if result.Error != nil {
		return false, fmt.Errorf("failed to cancel bulk job %s: %w", id, result.Error)
	}
	return result.RowsAffected > 0, nil
}

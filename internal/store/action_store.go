package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"inbox-autopilot-go/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("record not found")

// ActionStore persists scheduled actions. Every status transition is a
// conditional update checking affected rows; the row itself is the only
// synchronization point, no external lock exists.
type ActionStore struct {
	db *gorm.DB
}

// NewActionStore creates an ActionStore.
func NewActionStore(db *gorm.DB) *ActionStore {
	return &ActionStore{db: db}
}

// CreateAction persists a new scheduled action.
func (s *ActionStore) CreateAction(ctx context.Context, action *model.ScheduledAction) error {
	if result := s.db.WithContext(ctx).Create(action); result.Error != nil {
		return fmt.Errorf("failed to create scheduled action: %w", result.Error)
	}
	return nil
}

// GetAction fetches one action by id.
func (s *ActionStore) GetAction(ctx context.Context, id string) (*model.ScheduledAction, error) {
	var action model.ScheduledAction
	result := s.db.WithContext(ctx).Where("id = ?", id).First(&action)
	if result.Error == gorm.ErrRecordNotFound {
		return nil, ErrNotFound
	}
	if result.Error != nil {
		return nil, fmt.Errorf("database error: %w", result.Error)
	}
	return &action, nil
}

// ClaimPending transitions PENDING to EXECUTING. Exactly one caller observes
// true for a given row; everyone else lost the race and must skip.
func (s *ActionStore) ClaimPending(ctx context.Context, id string) (bool, error) {
	result := s.db.WithContext(ctx).Model(&model.ScheduledAction{}).
		Where("id = ? AND status = ?", id, model.ActionPending).
		Update("status", model.ActionExecuting)
	if result.Error != nil {
		return false, fmt.Errorf("failed to claim action %s: %w", id, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// ReleaseClaim reverts EXECUTING to PENDING after a failure that happened
// before any side effect, so the retry (or the sweeper) can re-drive the row.
func (s *ActionStore) ReleaseClaim(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Model(&model.ScheduledAction{}).
		Where("id = ? AND status = ?", id, model.ActionExecuting).
		Update("status", model.ActionPending)
	if result.Error != nil {
		return fmt.Errorf("failed to release claim on action %s: %w", id, result.Error)
	}
	return nil
}

// CompleteAction transitions EXECUTING to COMPLETED, recording the provider
// result id.
func (s *ActionStore) CompleteAction(ctx context.Context, id, executionResultID string) error {
	now := time.Now()
	result := s.db.WithContext(ctx).Model(&model.ScheduledAction{}).
		Where("id = ? AND status = ?", id, model.ActionExecuting).
		Updates(map[string]any{
			"status":              model.ActionCompleted,
			"execution_result_id": executionResultID,
			"executed_at":         now,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to complete action %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// FailAction transitions EXECUTING to FAILED, preserving the error message
// for operators.
func (s *ActionStore) FailAction(ctx context.Context, id, errorMessage string) error {
	now := time.Now()
	result := s.db.WithContext(ctx).Model(&model.ScheduledAction{}).
		Where("id = ? AND status = ?", id, model.ActionExecuting).
		Updates(map[string]any{
			"status":        model.ActionFailed,
			"error_message": errorMessage,
			"executed_at":   now,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to mark action %s failed: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CancelAction transitions PENDING to CANCELLED. Actions already executing
// or finished are left alone; the return value reports whether the
// cancellation took effect.
func (s *ActionStore) CancelAction(ctx context.Context, id string) (bool, error) {
	result := s.db.WithContext(ctx).Model(&model.ScheduledAction{}).
		Where("id = ? AND status = ?", id, model.ActionPending).
		Update("status", model.ActionCancelled)
	if result.Error != nil {
		return false, fmt.Errorf("failed to cancel action %s: %w", id, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// MarkSchedulingEnqueued records the external queue entry backing the action.
func (s *ActionStore) MarkSchedulingEnqueued(ctx context.Context, id, externalJobID string) error {
	result := s.db.WithContext(ctx).Model(&model.ScheduledAction{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"scheduling_status": model.SchedulingEnqueued,
			"external_job_id":   externalJobID,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to mark action %s enqueued: %w", id, result.Error)
	}
	return nil
}

// MarkSchedulingFailed records that enqueueing failed. The action row stays
// PENDING so the sweeper can still recover it.
func (s *ActionStore) MarkSchedulingFailed(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Model(&model.ScheduledAction{}).
		Where("id = ?", id).
		Update("scheduling_status", model.SchedulingFailed)
	if result.Error != nil {
		return fmt.Errorf("failed to mark action %s scheduling-failed: %w", id, result.Error)
	}
	return nil
}

// ListOverdue returns PENDING actions whose execution time has passed,
// oldest first, bounded by limit.
func (s *ActionStore) ListOverdue(ctx context.Context, before time.Time, limit int) ([]model.ScheduledAction, error) {
	var actions []model.ScheduledAction
	result := s.db.WithContext(ctx).
		Where("status = ? AND scheduled_for < ?", model.ActionPending, before).
		Order("scheduled_for ASC").
		Limit(limit).
		Find(&actions)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list overdue actions: %w", result.Error)
	}
	return actions, nil
}

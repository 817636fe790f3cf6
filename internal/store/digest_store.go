package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"inbox-autopilot-go/internal/model"
)

// DigestStore persists digests and their items. The digest row is the
// synchronization point for aggregation, exactly as the action row is for
// execution.
type DigestStore struct {
	db *gorm.DB
}

// NewDigestStore creates a DigestStore.
func NewDigestStore(db *gorm.DB) *DigestStore {
	return &DigestStore{db: db}
}

// ItemParams describes one summarized message to append.
type ItemParams struct {
	MessageID       string
	ThreadID        string
	RuleName        string
	RuleExecutionID string
	Content         string
}

// AppendItem upserts an item into the account's pending digest: the oldest
// PENDING digest is reused or one is created, and an existing item for the
// same (message, thread) is updated rather than duplicated. Repeated
// enqueues for the same message are therefore idempotent. The unique
// (account_id, pending_token) index backs the find-or-create: when two
// aggregators race past the find, one insert is rejected and that caller
// re-reads the winner's digest. The returned bool reports whether a new item
// row was created.
func (s *DigestStore) AppendItem(ctx context.Context, accountID string, params ItemParams) (bool, error) {
	created := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var digest model.Digest
		result := tx.Where("account_id = ? AND status = ?", accountID, model.DigestPending).
			Order("created_at ASC").
			First(&digest)
		if result.Error == gorm.ErrRecordNotFound {
			token := model.DigestPendingToken
			digest = model.Digest{
				ID:           uuid.NewString(),
				AccountID:    accountID,
				Status:       model.DigestPending,
				PendingToken: &token,
			}
			if createErr := tx.Create(&digest).Error; createErr != nil {
				if !isDuplicateKey(createErr) {
					return fmt.Errorf("failed to create digest: %w", createErr)
				}
				// A concurrent aggregator won the (account, pending) slot;
				// append to its digest instead.
				if err := tx.Where("account_id = ? AND status = ?", accountID, model.DigestPending).
					Order("created_at ASC").
					First(&digest).Error; err != nil {
					return fmt.Errorf("failed to find pending digest: %w", err)
				}
			}
		} else if result.Error != nil {
			return fmt.Errorf("failed to find pending digest: %w", result.Error)
		}

		var item model.DigestItem
		result = tx.Where("digest_id = ? AND message_id = ? AND thread_id = ?",
			digest.ID, params.MessageID, params.ThreadID).
			First(&item)
		if result.Error == nil {
			return tx.Model(&item).Updates(map[string]any{
				"content":   params.Content,
				"rule_name": params.RuleName,
			}).Error
		}
		if result.Error != gorm.ErrRecordNotFound {
			return fmt.Errorf("failed to find digest item: %w", result.Error)
		}

		created = true
		item = model.DigestItem{
			ID:              uuid.NewString(),
			DigestID:        digest.ID,
			MessageID:       params.MessageID,
			ThreadID:        params.ThreadID,
			RuleName:        params.RuleName,
			RuleExecutionID: params.RuleExecutionID,
			Content:         params.Content,
		}
		if err := tx.Create(&item).Error; err != nil {
			return fmt.Errorf("failed to create digest item: %w", err)
		}
		return nil
	})
	return created, err
}

// ClaimPending marks every PENDING digest for the account PROCESSING and
// returns them with items preloaded. The mark happens before any slow I/O so
// a concurrent sender run cannot double-pick the same rows. Each digest is
// claimed by its own conditional update checking affected rows, the same way
// actions are claimed; rows lost to a concurrent sender between the read and
// the claim are dropped.
func (s *DigestStore) ClaimPending(ctx context.Context, accountID string) ([]model.Digest, error) {
	var claimed []model.Digest
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var candidates []model.Digest
		if err := tx.Preload("Items").
			Where("account_id = ? AND status = ?", accountID, model.DigestPending).
			Order("created_at ASC").
			Find(&candidates).Error; err != nil {
			return fmt.Errorf("failed to list pending digests: %w", err)
		}

		for i := range candidates {
			result := tx.Model(&model.Digest{}).
				Where("id = ? AND status = ?", candidates[i].ID, model.DigestPending).
				Updates(map[string]any{"status": model.DigestProcessing, "pending_token": nil})
			if result.Error != nil {
				return fmt.Errorf("failed to claim digest %s: %w", candidates[i].ID, result.Error)
			}
			if result.RowsAffected == 0 {
				continue
			}
			candidates[i].Status = model.DigestProcessing
			claimed = append(claimed, candidates[i])
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// FinalizeSent completes a successful delivery in one atomic transaction:
// the schedule's occurrence window advances, the digests become SENT, and
// every item's content is redacted. All three succeed or none do. An empty id
// list still advances the schedule, so a due account with nothing to send is
// not re-picked every scan.
func (s *DigestStore) FinalizeSent(ctx context.Context, accountID string, ids []string) error {
	now := time.Now()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var schedule model.DigestSchedule
		result := tx.Where("account_id = ?", accountID).First(&schedule)
		if result.Error == gorm.ErrRecordNotFound {
			schedule = model.DigestSchedule{
				ID:              uuid.NewString(),
				AccountID:       accountID,
				IntervalMinutes: 1440,
			}
			if err := tx.Create(&schedule).Error; err != nil {
				return fmt.Errorf("failed to create digest schedule: %w", err)
			}
		} else if result.Error != nil {
			return fmt.Errorf("failed to load digest schedule: %w", result.Error)
		}

		next := now.Add(time.Duration(schedule.IntervalMinutes) * time.Minute)
		if err := tx.Model(&schedule).Updates(map[string]any{
			"last_occurrence": now,
			"next_occurrence": next,
		}).Error; err != nil {
			return fmt.Errorf("failed to advance digest schedule: %w", err)
		}

		if len(ids) == 0 {
			return nil
		}

		if err := tx.Model(&model.Digest{}).
			Where("id IN ?", ids).
			Updates(map[string]any{"status": model.DigestSent, "sent_at": now}).Error; err != nil {
			return fmt.Errorf("failed to mark digests sent: %w", err)
		}

		if err := tx.Model(&model.DigestItem{}).
			Where("digest_id IN ?", ids).
			Update("content", model.RedactedContent).Error; err != nil {
			return fmt.Errorf("failed to redact digest items: %w", err)
		}
		return nil
	})
}

// MarkFailed records a failed delivery. Items keep their content for retry
// and audit; the digests are not returned to PENDING.
func (s *DigestStore) MarkFailed(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	result := s.db.WithContext(ctx).Model(&model.Digest{}).
		Where("id IN ?", ids).
		Update("status", model.DigestFailed)
	if result.Error != nil {
		return fmt.Errorf("failed to mark digests failed: %w", result.Error)
	}
	return nil
}

// ListDueSchedules returns digest schedules whose next occurrence has passed.
func (s *DigestStore) ListDueSchedules(ctx context.Context, now time.Time) ([]model.DigestSchedule, error) {
	var schedules []model.DigestSchedule
	result := s.db.WithContext(ctx).
		Where("next_occurrence IS NULL OR next_occurrence <= ?", now).
		Find(&schedules)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list due digest schedules: %w", result.Error)
	}
	return schedules, nil
}

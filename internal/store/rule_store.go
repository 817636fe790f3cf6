package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"

	"inbox-autopilot-go/internal/model"
)

// ErrDuplicate reports a write rejected by a unique index.
var ErrDuplicate = errors.New("duplicate record")

const mysqlDuplicateEntry = 1062

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry
}

// RuleStore reads rules and persists rule-execution records. The execution
// row doubles as the bulk-processing idempotency record.
type RuleStore struct {
	db *gorm.DB
}

// NewRuleStore creates a RuleStore.
func NewRuleStore(db *gorm.DB) *RuleStore {
	return &RuleStore{db: db}
}

// GetEnabledRules returns the account's enabled rules.
func (s *RuleStore) GetEnabledRules(ctx context.Context, accountID string) ([]model.Rule, error) {
	var rules []model.Rule
	result := s.db.WithContext(ctx).
		Where("account_id = ? AND enabled = ?", accountID, true).
		Find(&rules)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to get enabled rules: %w", result.Error)
	}
	return rules, nil
}

// HasExecution reports whether rules already ran against the message.
func (s *RuleStore) HasExecution(ctx context.Context, accountID, messageID string) (bool, error) {
	var execution model.RuleExecution
	result := s.db.WithContext(ctx).
		Where("account_id = ? AND message_id = ?", accountID, messageID).
		First(&execution)
	if result.Error == nil {
		return true, nil
	}
	if result.Error == gorm.ErrRecordNotFound {
		return false, nil
	}
	return false, fmt.Errorf("database error checking rule execution: %w", result.Error)
}

// CreateExecution records one rule-evaluation outcome. A row already holding
// the (account, message) slot surfaces as ErrDuplicate so callers can tell a
// lost idempotency race from a storage failure.
func (s *RuleStore) CreateExecution(ctx context.Context, execution *model.RuleExecution) error {
	if result := s.db.WithContext(ctx).Create(execution); result.Error != nil {
		if isDuplicateKey(result.Error) {
			return fmt.Errorf("rule execution for message %s: %w", execution.MessageID, ErrDuplicate)
		}
		return fmt.Errorf("failed to create rule execution: %w", result.Error)
	}
	return nil
}

// ReplaceExecution force-overwrites the outcome recorded for the execution's
// (account, message) slot: an existing row is updated in place keeping its id,
// otherwise the row is created. Force-reprocess runs go through here so the
// idempotency record never blocks the re-applied effect. Returns the id of
// the row that now holds the outcome.
func (s *RuleStore) ReplaceExecution(ctx context.Context, execution *model.RuleExecution) (string, error) {
	var id string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing model.RuleExecution
		result := tx.Where("account_id = ? AND message_id = ?", execution.AccountID, execution.MessageID).
			First(&existing)
		if result.Error == gorm.ErrRecordNotFound {
			if err := tx.Create(execution).Error; err != nil {
				if isDuplicateKey(err) {
					return fmt.Errorf("rule execution for message %s: %w", execution.MessageID, ErrDuplicate)
				}
				return fmt.Errorf("failed to create rule execution: %w", err)
			}
			id = execution.ID
			return nil
		}
		if result.Error != nil {
			return fmt.Errorf("database error loading rule execution: %w", result.Error)
		}

		if err := tx.Model(&existing).Updates(map[string]any{
			"thread_id":   execution.ThreadID,
			"rule_id":     execution.RuleID,
			"status":      execution.Status,
			"reason":      execution.Reason,
			"bulk_job_id": execution.BulkJobID,
		}).Error; err != nil {
			return fmt.Errorf("failed to replace rule execution: %w", err)
		}
		id = existing.ID
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// GetExecution fetches one rule execution with its rule preloaded.
func (s *RuleStore) GetExecution(ctx context.Context, id string) (*model.RuleExecution, error) {
	var execution model.RuleExecution
	result := s.db.WithContext(ctx).Preload("Rule").Where("id = ?", id).First(&execution)
	if result.Error == gorm.ErrRecordNotFound {
		return nil, ErrNotFound
	}
	if result.Error != nil {
		return nil, fmt.Errorf("database error: %w", result.Error)
	}
	return &execution, nil
}

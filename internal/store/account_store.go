package store

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"inbox-autopilot-go/internal/model"
)

// AccountStore reads connected mailbox accounts.
type AccountStore struct {
	db *gorm.DB
}

// NewAccountStore creates an AccountStore.
func NewAccountStore(db *gorm.DB) *AccountStore {
	return &AccountStore{db: db}
}

// GetAccount fetches one account by id.
func (s *AccountStore) GetAccount(ctx context.Context, id string) (*model.EmailAccount, error) {
	var account model.EmailAccount
	result := s.db.WithContext(ctx).Where("id = ?", id).First(&account)
	if result.Error == gorm.ErrRecordNotFound {
		return nil, ErrNotFound
	}
	if result.Error != nil {
		return nil, fmt.Errorf("database error: %w", result.Error)
	}
	return &account, nil
}

package model

import (
	"time"

	"gorm.io/gorm"
)

// DigestStatus is the lifecycle state of a Digest.
type DigestStatus string

const (
	DigestPending    DigestStatus = "PENDING"
	DigestProcessing DigestStatus = "PROCESSING"
	DigestSent       DigestStatus = "SENT"
	DigestFailed     DigestStatus = "FAILED"
)

// RedactedContent replaces every item's stored summary once its digest has
// been delivered. Content must never be retained post-send.
const RedactedContent = "[REDACTED]"

// DigestPendingToken is the value PendingToken holds while a digest is
// PENDING. The column is NULL in every other status, so the unique
// (account_id, pending_token) index admits at most one pending digest per
// account without constraining finished ones.
const DigestPendingToken = "PENDING"

// Digest accumulates per-message summaries for one account until it is sent.
// An account has at most one PENDING digest that new items append to.
type Digest struct {
	ID           string         `json:"id" gorm:"primaryKey;type:varchar(36)"`
	AccountID    string         `json:"account_id" gorm:"type:varchar(36);not null;index;uniqueIndex:idx_digest_account_pending,priority:1"`
	Status       DigestStatus   `json:"status" gorm:"type:varchar(20);not null;index"`
	PendingToken *string        `json:"-" gorm:"type:varchar(16);uniqueIndex:idx_digest_account_pending,priority:2"`
	SentAt       *time.Time     `json:"sent_at"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	DeletedAt    gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`

	Items []DigestItem `json:"items,omitempty" gorm:"foreignKey:DigestID"`
}

// TableName specifies the table name for Digest
func (Digest) TableName() string {
	return "digests"
}

// DigestItem is one summarized message inside a digest.
type DigestItem struct {
	ID              string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	DigestID        string    `json:"digest_id" gorm:"type:varchar(36);not null;index"`
	MessageID       string    `json:"message_id" gorm:"type:varchar(255);not null;index"`
	ThreadID        string    `json:"thread_id" gorm:"type:varchar(255)"`
	RuleName        string    `json:"rule_name" gorm:"type:varchar(255);not null"`
	RuleExecutionID string    `json:"rule_execution_id" gorm:"type:varchar(36);index"`
	Content         string    `json:"content" gorm:"type:text"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// TableName specifies the table name for DigestItem
func (DigestItem) TableName() string {
	return "digest_items"
}

// DigestSchedule tracks when an account's digest was last delivered and when
// the next delivery is due.
type DigestSchedule struct {
	ID              string     `json:"id" gorm:"primaryKey;type:varchar(36)"`
	AccountID       string     `json:"account_id" gorm:"type:varchar(36);not null;uniqueIndex"`
	IntervalMinutes int        `json:"interval_minutes" gorm:"not null;default:1440"`
	LastOccurrence  *time.Time `json:"last_occurrence"`
	NextOccurrence  *time.Time `json:"next_occurrence" gorm:"index"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// TableName specifies the table name for DigestSchedule
func (DigestSchedule) TableName() string {
	return "digest_schedules"
}

package model

import (
	"time"

	"gorm.io/gorm"
)

// Rule is a user-defined automation rule. Matching logic lives in the rules
// package; only the fields the orchestration layer needs are modeled here.
type Rule struct {
	ID        string `json:"id" gorm:"primaryKey;type:varchar(36)"`
	AccountID string `json:"account_id" gorm:"type:varchar(36);not null;index"`
	Name      string `json:"name" gorm:"type:varchar(255);not null"`
	// Sender substring or keyword the rule matches on.
	Pattern string `json:"pattern" gorm:"type:varchar(255);not null"`
	Enabled bool   `json:"enabled" gorm:"default:true"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}

// TableName specifies the table name for Rule
func (Rule) TableName() string {
	return "rules"
}

// RuleExecutionStatus is the recorded outcome of applying rules to a message.
type RuleExecutionStatus string

const (
	RuleExecutionApplied RuleExecutionStatus = "APPLIED"
	RuleExecutionSkipped RuleExecutionStatus = "SKIPPED"
	RuleExecutionFailed  RuleExecutionStatus = "FAILED"
)

// RuleExecution records that rules were evaluated against one message. It is
// the idempotency record for bulk processing: a second worker invocation for
// the same (account, message) finds this row and skips.
type RuleExecution struct {
	ID        string              `json:"id" gorm:"primaryKey;type:varchar(36)"`
	AccountID string              `json:"account_id" gorm:"type:varchar(36);not null;uniqueIndex:idx_rule_exec_account_message"`
	MessageID string              `json:"message_id" gorm:"type:varchar(255);not null;uniqueIndex:idx_rule_exec_account_message"`
	ThreadID  string              `json:"thread_id" gorm:"type:varchar(255)"`
	RuleID    *string             `json:"rule_id" gorm:"type:varchar(36);index"`
	Status    RuleExecutionStatus `json:"status" gorm:"type:varchar(20);not null"`
	Reason    string              `json:"reason" gorm:"type:text"`
	BulkJobID string              `json:"bulk_job_id" gorm:"type:varchar(36);index"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Rule *Rule `json:"rule,omitempty" gorm:"foreignKey:RuleID"`
}

// TableName specifies the table name for RuleExecution
func (RuleExecution) TableName() string {
	return "rule_executions"
}

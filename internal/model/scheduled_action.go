package model

import (
	"time"

	"gorm.io/gorm"
)

// ActionStatus is the lifecycle state of a ScheduledAction.
type ActionStatus string

const (
	ActionPending   ActionStatus = "PENDING"
	ActionExecuting ActionStatus = "EXECUTING"
	ActionCompleted ActionStatus = "COMPLETED"
	ActionFailed    ActionStatus = "FAILED"
	ActionCancelled ActionStatus = "CANCELLED"
)

// IsTerminal reports whether the status permits no further transitions.
func (s ActionStatus) IsTerminal() bool {
	return s == ActionCompleted || s == ActionFailed || s == ActionCancelled
}

// ActionType identifies a delayable action kind.
type ActionType string

const (
	ActionTypeArchive   ActionType = "archive"
	ActionTypeLabel     ActionType = "label"
	ActionTypeReply     ActionType = "reply"
	ActionTypeSendEmail ActionType = "send-email"
	ActionTypeForward   ActionType = "forward"
	ActionTypeDraft     ActionType = "draft"
	ActionTypeMarkSpam  ActionType = "mark-spam"
)

// DelayableActionTypes is the allow-list of action kinds that may be scheduled
// for later execution.
var DelayableActionTypes = map[ActionType]bool{
	ActionTypeArchive:   true,
	ActionTypeLabel:     true,
	ActionTypeReply:     true,
	ActionTypeSendEmail: true,
	ActionTypeForward:   true,
	ActionTypeDraft:     true,
	ActionTypeMarkSpam:  true,
}

// SchedulingStatus traces the state of the external queue entry backing an action.
type SchedulingStatus string

const (
	SchedulingPending  SchedulingStatus = "PENDING"
	SchedulingEnqueued SchedulingStatus = "ENQUEUED"
	SchedulingFailed   SchedulingStatus = "FAILED"
)

// ScheduledAction is a single deferred mailbox action. The payload fields are a
// snapshot captured at schedule time; execution never re-reads rule state.
// Rows are never deleted, terminal rows are kept for audit.
type ScheduledAction struct {
	ID           string       `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Status       ActionStatus `json:"status" gorm:"type:varchar(20);not null;index"`
	ActionType   ActionType   `json:"action_type" gorm:"type:varchar(30);not null"`
	ScheduledFor time.Time    `json:"scheduled_for" gorm:"not null;index"`

	// Payload snapshot, immutable once created.
	Label      string `json:"label" gorm:"type:varchar(255)"`
	Subject    string `json:"subject" gorm:"type:varchar(998)"`
	Body       string `json:"body" gorm:"type:text"`
	Recipients string `json:"recipients" gorm:"type:text"`
	Folder     string `json:"folder" gorm:"type:varchar(255)"`

	// Foreign references.
	RuleExecutionID string `json:"rule_execution_id" gorm:"type:varchar(36);index"`
	MessageID       string `json:"message_id" gorm:"type:varchar(255)"`
	ThreadID        string `json:"thread_id" gorm:"type:varchar(255)"`
	AccountID       string `json:"account_id" gorm:"type:varchar(36);not null;index"`

	// Legacy scheduling-provider fields, kept for tracing which queue entry
	// corresponds to this row.
	ExternalJobID    string           `json:"external_job_id" gorm:"type:varchar(64)"`
	SchedulingStatus SchedulingStatus `json:"scheduling_status" gorm:"type:varchar(20)"`

	ExecutionResultID string    `json:"execution_result_id" gorm:"type:varchar(255)"`
	ErrorMessage      string    `json:"error_message" gorm:"type:text"`
	ExecutedAt        *time.Time `json:"executed_at"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	DeletedAt         gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}

// TableName specifies the table name for ScheduledAction
func (ScheduledAction) TableName() string {
	return "scheduled_actions"
}

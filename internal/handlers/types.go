package handlers

import (
	"time"

	"inbox-autopilot-go/internal/model"
	"inbox-autopilot-go/internal/schedule"
)

// ErrorResponse is the JSON body for error replies
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// HealthResponse is the JSON body for health checks
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Database  string    `json:"database"`
}

// ScheduleActionRequest creates one deferred action
type ScheduleActionRequest struct {
	AccountID       string                 `json:"account_id" binding:"required"`
	ActionType      model.ActionType       `json:"action_type" binding:"required"`
	MessageID       string                 `json:"message_id"`
	ThreadID        string                 `json:"thread_id"`
	RuleExecutionID string                 `json:"rule_execution_id"`
	ScheduledFor    time.Time              `json:"scheduled_for" binding:"required"`
	Payload         schedule.ActionPayload `json:"payload"`
}

// StartBulkRequest starts one historical-mailbox processing run
type StartBulkRequest struct {
	AccountID      string     `json:"account_id" binding:"required"`
	StartDate      time.Time  `json:"start_date" binding:"required"`
	EndDate        *time.Time `json:"end_date"`
	OnlyUnread     bool       `json:"only_unread"`
	ForceReprocess bool       `json:"force_reprocess"`
}

// TriggerDigestResponse acknowledges a digest-send trigger
type TriggerDigestResponse struct {
	JobID string `json:"job_id"`
}

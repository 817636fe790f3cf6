package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// Payload is implemented by every typed job payload. Validation runs at the
// handler boundary, before any side effect.
type Payload interface {
	Validate() error
}

func marshalPayload(payload any) ([]byte, error) {
	if p, ok := payload.(Payload); ok {
		if err := p.Validate(); err != nil {
			return nil, err
		}
	}
	return json.Marshal(payload)
}

// Decode unmarshals and validates a job payload. Both failure modes are
// structural bugs, so the returned error is marked non-retryable.
func Decode(raw []byte, p Payload) error {
	if err := json.Unmarshal(raw, p); err != nil {
		return NonRetryable(fmt.Errorf("failed to decode payload: %w", err))
	}
	if err := p.Validate(); err != nil {
		return NonRetryable(fmt.Errorf("invalid payload: %w", err))
	}
	return nil
}

// ScheduledActionExecutePayload drives one Executor invocation.
type ScheduledActionExecutePayload struct {
	ScheduledActionID string    `json:"scheduledActionId"`
	ScheduledFor      time.Time `json:"scheduledFor"`
}

// Validate checks required fields.
func (p *ScheduledActionExecutePayload) Validate() error {
	if p.ScheduledActionID == "" {
		return fmt.Errorf("scheduledActionId is required")
	}
	if p.ScheduledFor.IsZero() {
		return fmt.Errorf("scheduledFor is required")
	}
	return nil
}

// BulkFetchPayload drives one Bulk Fetcher page.
type BulkFetchPayload struct {
	JobID          string     `json:"jobId"`
	AccountID      string     `json:"accountId"`
	StartDate      time.Time  `json:"startDate"`
	EndDate        *time.Time `json:"endDate,omitempty"`
	OnlyUnread     bool       `json:"onlyUnread"`
	ForceReprocess bool       `json:"forceReprocess"`
	// PageToken is opaque and threaded unmodified between fetch calls.
	PageToken string `json:"pageToken,omitempty"`
	PageCount int    `json:"pageCount"`
}

// Validate checks required fields.
func (p *BulkFetchPayload) Validate() error {
	if p.JobID == "" {
		return fmt.Errorf("jobId is required")
	}
	if p.AccountID == "" {
		return fmt.Errorf("accountId is required")
	}
	if p.StartDate.IsZero() {
		return fmt.Errorf("startDate is required")
	}
	if p.PageCount < 0 {
		return fmt.Errorf("pageCount must not be negative")
	}
	return nil
}

// BulkProcessPayload drives one Bulk Worker invocation.
type BulkProcessPayload struct {
	JobID          string `json:"jobId"`
	AccountID      string `json:"accountId"`
	MessageID      string `json:"messageId"`
	ThreadID       string `json:"threadId"`
	ForceReprocess bool   `json:"forceReprocess"`
}

// Validate checks required fields.
func (p *BulkProcessPayload) Validate() error {
	if p.JobID == "" {
		return fmt.Errorf("jobId is required")
	}
	if p.AccountID == "" {
		return fmt.Errorf("accountId is required")
	}
	if p.MessageID == "" {
		return fmt.Errorf("messageId is required")
	}
	return nil
}

// DigestMessage is the message snapshot carried into digest aggregation.
type DigestMessage struct {
	ID       string `json:"id"`
	ThreadID string `json:"threadId"`
	From     string `json:"from"`
	To       string `json:"to,omitempty"`
	Subject  string `json:"subject"`
	Content  string `json:"content"`
}

// DigestAddItemPayload drives one Digest Aggregator invocation.
type DigestAddItemPayload struct {
	AccountID   string        `json:"accountId"`
	ActionID    string        `json:"actionId,omitempty"`
	ColdEmailID string        `json:"coldEmailId,omitempty"`
	Message     DigestMessage `json:"message"`
}

// Validate checks required fields.
func (p *DigestAddItemPayload) Validate() error {
	if p.AccountID == "" {
		return fmt.Errorf("accountId is required")
	}
	if p.ActionID == "" && p.ColdEmailID == "" {
		return fmt.Errorf("actionId or coldEmailId is required")
	}
	if p.Message.ID == "" {
		return fmt.Errorf("message.id is required")
	}
	if p.Message.From == "" {
		return fmt.Errorf("message.from is required")
	}
	return nil
}

// DigestSendPayload drives one Digest Sender invocation.
type DigestSendPayload struct {
	AccountID string `json:"accountId"`
	Force     bool   `json:"force,omitempty"`
}

// Validate checks required fields.
func (p *DigestSendPayload) Validate() error {
	if p.AccountID == "" {
		return fmt.Errorf("accountId is required")
	}
	return nil
}

// SweepPayload drives one Recovery Sweeper run.
type SweepPayload struct {
	BatchSize int `json:"batchSize,omitempty"`
}

// Validate checks required fields.
func (p *SweepPayload) Validate() error {
	if p.BatchSize < 0 {
		return fmt.Errorf("batchSize must not be negative")
	}
	return nil
}

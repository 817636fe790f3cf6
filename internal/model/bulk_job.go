package model

import (
	"time"

	"gorm.io/gorm"
)

// BulkJobStatus is the lifecycle state of a bulk-processing job.
type BulkJobStatus string

const (
	BulkJobRunning   BulkJobStatus = "RUNNING"
	BulkJobCompleted BulkJobStatus = "COMPLETED"
	BulkJobCancelled BulkJobStatus = "CANCELLED"
	BulkJobFailed    BulkJobStatus = "FAILED"
)

// BulkJob is the progress row for one historical-mailbox processing run. The
// fetch loop and the per-message workers both report into its counters, so
// progress stays observable even when fan-out partially fails.
type BulkJob struct {
	ID             string        `json:"id" gorm:"primaryKey;type:varchar(36)"`
	AccountID      string        `json:"account_id" gorm:"type:varchar(36);not null;index"`
	Status         BulkJobStatus `json:"status" gorm:"type:varchar(20);not null;index"`
	StartDate      time.Time     `json:"start_date" gorm:"not null"`
	EndDate        *time.Time    `json:"end_date"`
	OnlyUnread     bool          `json:"only_unread"`
	ForceReprocess bool          `json:"force_reprocess"`

	// FetchComplete flips once the provider returns no further page token.
	// Workers may still be draining after that point.
	FetchComplete bool `json:"fetch_complete"`

	PagesFetched      int `json:"pages_fetched"`
	MessagesFound     int `json:"messages_found"`
	MessagesQueued    int `json:"messages_queued"`
	MessagesProcessed int `json:"messages_processed"`
	MessagesSkipped   int `json:"messages_skipped"`
	MessagesFailed    int `json:"messages_failed"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}

// TableName specifies the table name for BulkJob
func (BulkJob) TableName() string {
	return "bulk_jobs"
}

package model

import (
	"time"

	"gorm.io/gorm"
)

// ProviderKind selects the mail backend for an account.
type ProviderKind string

const (
	ProviderGmail ProviderKind = "gmail"
	ProviderIMAP  ProviderKind = "imap"
)

// EmailAccount holds one connected mailbox and the credentials needed to
// build a provider client for it. Token refresh itself is the provider's
// concern; this layer only stores what the client constructor needs.
type EmailAccount struct {
	ID       string       `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Email    string       `json:"email" gorm:"type:varchar(255);not null;uniqueIndex"`
	Provider ProviderKind `json:"provider" gorm:"type:varchar(20);not null"`

	// AssistantEmail is the address the automation replies from. Digest
	// aggregation skips mail sent by it to avoid self-loops.
	AssistantEmail string `json:"assistant_email" gorm:"type:varchar(255)"`

	// OAuth credentials (gmail).
	RefreshToken string `json:"-" gorm:"type:text"`

	// IMAP credentials.
	IMAPHost     string `json:"imap_host" gorm:"type:varchar(255)"`
	IMAPPort     int    `json:"imap_port"`
	IMAPUser     string `json:"imap_user" gorm:"type:varchar(255)"`
	IMAPPassword string `json:"-" gorm:"type:text"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}

// TableName specifies the table name for EmailAccount
func (EmailAccount) TableName() string {
	return "email_accounts"
}

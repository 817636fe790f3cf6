package provider

import (
	"context"
	"errors"
	"strings"
	"time"

	"google.golang.org/api/googleapi"

	"inbox-autopilot-go/internal/model"
)

// ErrUnsupported is returned when a mail backend cannot perform an operation
// (for example sending through a fetch-only IMAP account).
var ErrUnsupported = errors.New("operation not supported by provider")

// Filter selects messages for a paginated fetch.
type Filter struct {
	StartDate  time.Time
	EndDate    *time.Time
	OnlyUnread bool
	PageSize   int
}

// Page is one bounded fetch result. An empty NextPageToken means the
// sequence is exhausted.
type Page struct {
	Messages      []model.EmailMessage
	NextPageToken string
}

// OutgoingMessage is an email to be sent or drafted. ThreadID, when set,
// threads the message into an existing conversation.
type OutgoingMessage struct {
	To       []string
	Subject  string
	HTMLBody string
	ThreadID string
}

// EmailProvider abstracts one mail backend. Implementations are cheap to
// construct and callers build a fresh client per invocation so credentials
// are always current.
type EmailProvider interface {
	// FetchMessages returns one page of messages matching the filter. The
	// page token is opaque and must be threaded back unmodified.
	FetchMessages(ctx context.Context, filter Filter, pageToken string) (*Page, error)
	// GetMessagesBatch fetches full content for the given message ids.
	// Individually missing messages are skipped, not errors.
	GetMessagesBatch(ctx context.Context, ids []string) ([]model.EmailMessage, error)
	SendEmail(ctx context.Context, msg OutgoingMessage) (string, error)
	CreateDraft(ctx context.Context, msg OutgoingMessage) (string, error)
	ModifyLabels(ctx context.Context, messageID string, add, remove []string) error
	// MessageExists reports whether the message is still present in the
	// mailbox. A deleted message is not an error.
	MessageExists(ctx context.Context, messageID string) (bool, error)
	Close() error
}

// IsTransient reports whether a provider error is worth retrying: rate
// limits, quota exhaustion, expired auth and transient network failures.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == 429 || apiErr.Code >= 500 || apiErr.Code == 401
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"rate", "quota", "timeout", "temporarily", "connection reset", "unavailable"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// IsNotFound reports whether the error means the target message is gone.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == 404
	}
	return strings.Contains(strings.ToLower(err.Error()), "not found")
}

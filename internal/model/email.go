package model

import "time"

// EmailMessage represents a fetched email message structure
type EmailMessage struct {
	ID       string            `json:"id"`
	ThreadID string            `json:"thread_id"`
	Subject  string            `json:"subject"`
	From     string            `json:"from"`
	To       []string          `json:"to"`
	CC       []string          `json:"cc"`
	Body     string            `json:"body"`
	HTMLBody string            `json:"html_body"`
	Headers  map[string]string `json:"headers"`
	Unread   bool              `json:"unread"`
	Date     time.Time         `json:"date"`
}

package provider

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/sirupsen/logrus"

	"inbox-autopilot-go/internal/model"
)

// GmailProvider implements EmailProvider using the Gmail API.
type GmailProvider struct {
	service   *gmail.Service
	userEmail string
}

// NewGmailProvider creates a Gmail client for one account. The token source
// refreshes lazily from the stored refresh token, so a freshly built client
// always carries valid credentials.
func NewGmailProvider(ctx context.Context, clientID, clientSecret, refreshToken, userEmail string) (*GmailProvider, error) {
	oauth2Config := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Scopes:       []string{gmail.GmailModifyScope, gmail.GmailSendScope, gmail.GmailComposeScope},
		Endpoint:     google.Endpoint,
	}

	token := &oauth2.Token{
		RefreshToken: refreshToken,
	}

	tokenSource := oauth2Config.TokenSource(ctx, token)

	service, err := gmail.NewService(ctx, option.WithTokenSource(tokenSource))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}

	return &GmailProvider{
		service:   service,
		userEmail: userEmail,
	}, nil
}

// FetchMessages returns one page of messages matching the filter.
func (p *GmailProvider) FetchMessages(ctx context.Context, filter Filter, pageToken string) (*Page, error) {
	query := fmt.Sprintf("after:%d", filter.StartDate.Unix())
	if filter.EndDate != nil {
		query += fmt.Sprintf(" before:%d", filter.EndDate.Unix())
	}
	if filter.OnlyUnread {
		query += " is:unread"
	}
	query += " -in:chats"

	call := p.service.Users.Messages.List(p.userEmail).Q(query).Context(ctx)
	if filter.PageSize > 0 {
		call = call.MaxResults(int64(filter.PageSize))
	}
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	response, err := call.Do()
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	var emails []model.EmailMessage
	for _, msg := range response.Messages {
		message, err := p.service.Users.Messages.Get(p.userEmail, msg.Id).Format("full").Context(ctx).Do()
		if err != nil {
			logrus.Warnf("Failed to get message %s: %v", msg.Id, err)
			continue
		}

		email, err := p.parseMessage(message)
		if err != nil {
			logrus.Warnf("Failed to parse message %s: %v", msg.Id, err)
			continue
		}
		emails = append(emails, email)
	}

	return &Page{Messages: emails, NextPageToken: response.NextPageToken}, nil
}

// GetMessagesBatch fetches full content for the given ids. Missing or
// unparsable messages are skipped.
func (p *GmailProvider) GetMessagesBatch(ctx context.Context, ids []string) ([]model.EmailMessage, error) {
	var emails []model.EmailMessage
	for _, id := range ids {
		message, err := p.service.Users.Messages.Get(p.userEmail, id).Format("full").Context(ctx).Do()
		if err != nil {
			if IsNotFound(err) {
				logrus.Debugf("Message %s no longer exists, skipping", id)
				continue
			}
			return nil, fmt.Errorf("failed to get message %s: %w", id, err)
		}
		email, err := p.parseMessage(message)
		if err != nil {
			logrus.Warnf("Failed to parse message %s: %v", id, err)
			continue
		}
		emails = append(emails, email)
	}
	return emails, nil
}

// SendEmail sends the message and returns the provider id of the sent mail.
func (p *GmailProvider) SendEmail(ctx context.Context, msg OutgoingMessage) (string, error) {
	raw := p.buildRFC822(msg)
	gmsg := &gmail.Message{
		Raw:      base64.URLEncoding.EncodeToString([]byte(raw)),
		ThreadId: msg.ThreadID,
	}

	sent, err := p.service.Users.Messages.Send(p.userEmail, gmsg).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("failed to send email: %w", err)
	}
	return sent.Id, nil
}

// CreateDraft stores the message as a draft and returns the draft id.
func (p *GmailProvider) CreateDraft(ctx context.Context, msg OutgoingMessage) (string, error) {
	raw := p.buildRFC822(msg)
	draft := &gmail.Draft{
		Message: &gmail.Message{
			Raw:      base64.URLEncoding.EncodeToString([]byte(raw)),
			ThreadId: msg.ThreadID,
		},
	}

	created, err := p.service.Users.Drafts.Create(p.userEmail, draft).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("failed to create draft: %w", err)
	}
	return created.Id, nil
}

// ModifyLabels adds and removes labels on a message. Non-system labels are
// resolved by name and created when absent.
func (p *GmailProvider) ModifyLabels(ctx context.Context, messageID string, add, remove []string) error {
	addIDs, err := p.resolveLabelIDs(ctx, add, true)
	if err != nil {
		return err
	}
	removeIDs, err := p.resolveLabelIDs(ctx, remove, false)
	if err != nil {
		return err
	}

	req := &gmail.ModifyMessageRequest{
		AddLabelIds:    addIDs,
		RemoveLabelIds: removeIDs,
	}
	if _, err := p.service.Users.Messages.Modify(p.userEmail, messageID, req).Context(ctx).Do(); err != nil {
		return fmt.Errorf("failed to modify labels on message %s: %w", messageID, err)
	}
	return nil
}

// MessageExists reports whether the message is still present.
func (p *GmailProvider) MessageExists(ctx context.Context, messageID string) (bool, error) {
	_, err := p.service.Users.Messages.Get(p.userEmail, messageID).Format("minimal").Context(ctx).Do()
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check message %s: %w", messageID, err)
	}
	return true, nil
}

// Close closes the Gmail provider (no-op for the Gmail API).
func (p *GmailProvider) Close() error {
	return nil
}

// systemLabels are Gmail's built-in label ids, usable as-is.
var systemLabels = map[string]bool{
	"INBOX": true, "SPAM": true, "TRASH": true, "UNREAD": true, "STARRED": true,
	"IMPORTANT": true, "SENT": true, "DRAFT": true,
}

func (p *GmailProvider) resolveLabelIDs(ctx context.Context, names []string, createMissing bool) ([]string, error) {
	var ids []string
	var userLabels []*gmail.Label

	for _, name := range names {
		if systemLabels[name] {
			ids = append(ids, name)
			continue
		}

		if userLabels == nil {
			resp, err := p.service.Users.Labels.List(p.userEmail).Context(ctx).Do()
			if err != nil {
				return nil, fmt.Errorf("failed to list labels: %w", err)
			}
			userLabels = resp.Labels
		}

		found := ""
		for _, l := range userLabels {
			if strings.EqualFold(l.Name, name) {
				found = l.Id
				break
			}
		}
		if found == "" {
			if !createMissing {
				continue
			}
			created, err := p.service.Users.Labels.Create(p.userEmail, &gmail.Label{Name: name}).Context(ctx).Do()
			if err != nil {
				return nil, fmt.Errorf("failed to create label %q: %w", name, err)
			}
			found = created.Id
		}
		ids = append(ids, found)
	}
	return ids, nil
}

func (p *GmailProvider) buildRFC822(msg OutgoingMessage) string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("From: %s\r\n", p.userEmail))
	b.WriteString(fmt.Sprintf("To: %s\r\n", strings.Join(msg.To, ", ")))
	b.WriteString(fmt.Sprintf("Subject: %s\r\n", msg.Subject))
	b.WriteString(fmt.Sprintf("Date: %s\r\n", time.Now().Format(time.RFC1123Z)))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(msg.HTMLBody)

	return b.String()
}

func (p *GmailProvider) parseMessage(msg *gmail.Message) (model.EmailMessage, error) {
	email := model.EmailMessage{
		ID:       msg.Id,
		ThreadID: msg.ThreadId,
		Headers:  make(map[string]string),
		Date:     time.UnixMilli(msg.InternalDate),
	}

	for _, label := range msg.LabelIds {
		if label == "UNREAD" {
			email.Unread = true
		}
	}

	if msg.Payload == nil {
		return email, fmt.Errorf("message %s has no payload", msg.Id)
	}

	for _, header := range msg.Payload.Headers {
		email.Headers[header.Name] = header.Value

		switch header.Name {
		case "Subject":
			email.Subject = header.Value
		case "From":
			email.From = header.Value
		case "To":
			email.To = strings.Split(header.Value, ",")
		case "Cc":
			email.CC = strings.Split(header.Value, ",")
		}
	}

	if err := p.parseBody(msg.Payload, &email); err != nil {
		return email, err
	}
	return email, nil
}

// parseBody recursively parses Gmail message body parts
func (p *GmailProvider) parseBody(part *gmail.MessagePart, email *model.EmailMessage) error {
	if part.Body != nil && part.Body.Data != "" {
		data, err := base64.URLEncoding.DecodeString(part.Body.Data)
		if err != nil {
			return fmt.Errorf("failed to decode body data: %w", err)
		}

		content := string(data)
		switch part.MimeType {
		case "text/plain":
			email.Body = content
		case "text/html":
			email.HTMLBody = content
		}
	}

	for _, subPart := range part.Parts {
		if err := p.parseBody(subPart, email); err != nil {
			return err
		}
	}
	return nil
}

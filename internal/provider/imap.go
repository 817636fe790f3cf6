package provider

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message"
	"github.com/sirupsen/logrus"

	"inbox-autopilot-go/internal/model"
)

// IMAPProvider implements EmailProvider over a plain IMAP mailbox. Sending is
// not available on this backend; accounts that need outbound mail use Gmail.
type IMAPProvider struct {
	client *client.Client
}

// NewIMAPProvider dials and authenticates an IMAP connection.
func NewIMAPProvider(host string, port int, user, password string) (*IMAPProvider, error) {
	c, err := client.DialTLS(fmt.Sprintf("%s:%d", host, port), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to IMAP server: %w", err)
	}

	if err := c.Login(user, password); err != nil {
		c.Logout()
		return nil, fmt.Errorf("failed to login to IMAP server: %w", err)
	}

	return &IMAPProvider{client: c}, nil
}

// FetchMessages returns one page of INBOX messages. The page token encodes
// the last UID already returned; UIDs are strictly increasing, so everything
// above it is the next page.
func (p *IMAPProvider) FetchMessages(ctx context.Context, filter Filter, pageToken string) (*Page, error) {
	if _, err := p.client.Select("INBOX", false); err != nil {
		return nil, fmt.Errorf("failed to select INBOX: %w", err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.Since = filter.StartDate
	if filter.EndDate != nil {
		criteria.Before = *filter.EndDate
	}
	if filter.OnlyUnread {
		criteria.WithoutFlags = []string{imap.SeenFlag}
	}

	uids, err := p.client.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search messages: %w", err)
	}

	var lastUID uint32
	if pageToken != "" {
		parsed, err := strconv.ParseUint(pageToken, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid page token %q: %w", pageToken, err)
		}
		lastUID = uint32(parsed)
	}

	var remaining []uint32
	for _, uid := range uids {
		if uid > lastUID {
			remaining = append(remaining, uid)
		}
	}
	sort.Slice(remaining, func(i, k int) bool { return remaining[i] < remaining[k] })

	pageSize := filter.PageSize
	if pageSize <= 0 || pageSize > len(remaining) {
		pageSize = len(remaining)
	}
	page := remaining[:pageSize]

	if len(page) == 0 {
		return &Page{}, nil
	}

	emails, err := p.fetchByUID(page)
	if err != nil {
		return nil, err
	}

	next := ""
	if len(remaining) > pageSize {
		next = strconv.FormatUint(uint64(page[len(page)-1]), 10)
	}
	return &Page{Messages: emails, NextPageToken: next}, nil
}

// GetMessagesBatch fetches full content for the given UIDs.
func (p *IMAPProvider) GetMessagesBatch(ctx context.Context, ids []string) ([]model.EmailMessage, error) {
	if _, err := p.client.Select("INBOX", false); err != nil {
		return nil, fmt.Errorf("failed to select INBOX: %w", err)
	}

	var uids []uint32
	for _, id := range ids {
		parsed, err := strconv.ParseUint(id, 10, 32)
		if err != nil {
			logrus.Warnf("Skipping non-numeric IMAP message id %q", id)
			continue
		}
		uids = append(uids, uint32(parsed))
	}
	if len(uids) == 0 {
		return nil, nil
	}
	return p.fetchByUID(uids)
}

// SendEmail is unavailable over IMAP.
func (p *IMAPProvider) SendEmail(ctx context.Context, msg OutgoingMessage) (string, error) {
	return "", ErrUnsupported
}

// CreateDraft appends the message to the Drafts mailbox.
func (p *IMAPProvider) CreateDraft(ctx context.Context, msg OutgoingMessage) (string, error) {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("To: %s\r\n", strings.Join(msg.To, ", ")))
	b.WriteString(fmt.Sprintf("Subject: %s\r\n", msg.Subject))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(msg.HTMLBody)

	literal := strings.NewReader(b.String())
	if err := p.client.Append("Drafts", []string{imap.DraftFlag}, time.Now(), literal); err != nil {
		return "", fmt.Errorf("failed to append draft: %w", err)
	}
	return "", nil
}

// ModifyLabels maps the label vocabulary onto IMAP mailboxes and flags:
// removing INBOX archives the message, adding SPAM junks it, adding or
// removing UNREAD toggles the Seen flag.
func (p *IMAPProvider) ModifyLabels(ctx context.Context, messageID string, add, remove []string) error {
	uid, err := strconv.ParseUint(messageID, 10, 32)
	if err != nil {
		return fmt.Errorf("invalid IMAP message id %q: %w", messageID, err)
	}
	if _, err := p.client.Select("INBOX", false); err != nil {
		return fmt.Errorf("failed to select INBOX: %w", err)
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uint32(uid))

	for _, label := range add {
		switch label {
		case "SPAM":
			if err := p.moveTo(seqset, "Junk"); err != nil {
				return err
			}
		case "UNREAD":
			if err := p.storeFlags(seqset, imap.RemoveFlags, imap.SeenFlag); err != nil {
				return err
			}
		default:
			return fmt.Errorf("label %q: %w", label, ErrUnsupported)
		}
	}

	for _, label := range remove {
		switch label {
		case "INBOX":
			if err := p.moveTo(seqset, "Archive"); err != nil {
				return err
			}
		case "UNREAD":
			if err := p.storeFlags(seqset, imap.AddFlags, imap.SeenFlag); err != nil {
				return err
			}
		default:
			return fmt.Errorf("label %q: %w", label, ErrUnsupported)
		}
	}
	return nil
}

// MessageExists reports whether the UID is still present in INBOX.
func (p *IMAPProvider) MessageExists(ctx context.Context, messageID string) (bool, error) {
	uid, err := strconv.ParseUint(messageID, 10, 32)
	if err != nil {
		return false, fmt.Errorf("invalid IMAP message id %q: %w", messageID, err)
	}
	if _, err := p.client.Select("INBOX", false); err != nil {
		return false, fmt.Errorf("failed to select INBOX: %w", err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.Uid = new(imap.SeqSet)
	criteria.Uid.AddNum(uint32(uid))

	uids, err := p.client.UidSearch(criteria)
	if err != nil {
		return false, fmt.Errorf("failed to search for message %s: %w", messageID, err)
	}
	return len(uids) > 0, nil
}

// Close logs out the IMAP session.
func (p *IMAPProvider) Close() error {
	return p.client.Logout()
}

func (p *IMAPProvider) moveTo(seqset *imap.SeqSet, mailbox string) error {
	if err := p.client.UidCopy(seqset, mailbox); err != nil {
		return fmt.Errorf("failed to copy message to %s: %w", mailbox, err)
	}
	if err := p.storeFlags(seqset, imap.AddFlags, imap.DeletedFlag); err != nil {
		return err
	}
	if err := p.client.Expunge(nil); err != nil {
		return fmt.Errorf("failed to expunge: %w", err)
	}
	return nil
}

func (p *IMAPProvider) storeFlags(seqset *imap.SeqSet, op imap.FlagsOp, flags ...string) error {
	item := imap.FormatFlagsOp(op, true)
	args := make([]interface{}, len(flags))
	for i, f := range flags {
		args[i] = f
	}
	if err := p.client.UidStore(seqset, item, args, nil); err != nil {
		return fmt.Errorf("failed to store flags: %w", err)
	}
	return nil
}

func (p *IMAPProvider) fetchByUID(uids []uint32) ([]model.EmailMessage, error) {
	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)

	messages := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)

	go func() {
		done <- p.client.UidFetch(seqset,
			[]imap.FetchItem{imap.FetchEnvelope, imap.FetchFlags, imap.FetchBody, imap.FetchUid},
			messages)
	}()

	var emails []model.EmailMessage
	for msg := range messages {
		email, err := p.parseMessage(msg)
		if err != nil {
			logrus.Warnf("Failed to parse IMAP message: %v", err)
			continue
		}
		emails = append(emails, email)
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}
	return emails, nil
}

func (p *IMAPProvider) parseMessage(msg *imap.Message) (model.EmailMessage, error) {
	email := model.EmailMessage{
		ID:      strconv.FormatUint(uint64(msg.Uid), 10),
		Headers: make(map[string]string),
		Unread:  true,
	}

	for _, flag := range msg.Flags {
		if flag == imap.SeenFlag {
			email.Unread = false
		}
	}

	if msg.Envelope != nil {
		email.Subject = msg.Envelope.Subject
		email.Date = msg.Envelope.Date
		// IMAP has no thread ids; the Message-Id header is the closest stable
		// conversation handle.
		email.ThreadID = msg.Envelope.MessageId
		if len(msg.Envelope.From) > 0 {
			email.From = msg.Envelope.From[0].Address()
		}
		for _, addr := range msg.Envelope.To {
			email.To = append(email.To, addr.Address())
		}
	}

	if err := p.parseBody(msg, &email); err != nil {
		return email, err
	}
	return email, nil
}

func (p *IMAPProvider) parseBody(msg *imap.Message, email *model.EmailMessage) error {
	if msg.Body == nil {
		return nil
	}

	section := &imap.BodySectionName{}
	r := msg.GetBody(section)
	if r == nil {
		return nil
	}

	entity, err := message.Read(r)
	if err != nil {
		return fmt.Errorf("failed to read message: %w", err)
	}

	if mr := entity.MultipartReader(); mr != nil {
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				return fmt.Errorf("failed to read part: %w", err)
			}

			content, err := io.ReadAll(part.Body)
			if err != nil {
				return fmt.Errorf("failed to read part body: %w", err)
			}

			contentType := part.Header.Get("Content-Type")
			if strings.Contains(contentType, "text/plain") {
				email.Body = string(content)
			} else if strings.Contains(contentType, "text/html") {
				email.HTMLBody = string(content)
			}
		}
		return nil
	}

	content, err := io.ReadAll(entity.Body)
	if err != nil {
		return fmt.Errorf("failed to read message body: %w", err)
	}

	contentType := entity.Header.Get("Content-Type")
	if strings.Contains(contentType, "text/html") {
		email.HTMLBody = string(content)
	} else {
		email.Body = string(content)
	}
	return nil
}

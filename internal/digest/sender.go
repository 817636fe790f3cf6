package digest

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"inbox-autopilot-go/internal/config"
	"inbox-autopilot-go/internal/metrics"
	"inbox-autopilot-go/internal/model"
	"inbox-autopilot-go/internal/provider"
	"inbox-autopilot-go/internal/queue"
)

// SenderStore is the persistence surface for digest delivery.
type SenderStore interface {
	ClaimPending(ctx context.Context, accountID string) ([]model.Digest, error)
	FinalizeSent(ctx context.Context, accountID string, ids []string) error
	MarkFailed(ctx context.Context, ids []string) error
}

// SendResult summarizes one sender run.
type SendResult struct {
	Sent      bool   `json:"sent"`
	ItemCount int    `json:"item_count"`
	Message   string `json:"message,omitempty"`
}

// Sender delivers an account's pending digests as one email. Claiming
// (PENDING -> PROCESSING) happens before any provider call so two overlapping
// runs cannot deliver the same digest twice.
type Sender struct {
	digests  SenderStore
	accounts AccountStore
	factory  provider.Factory
	cfg      *config.DigestConfig
	metrics  *metrics.Metrics

	// pause is swappable for tests.
	pause func(time.Duration)
}

// NewSender creates a Sender.
func NewSender(digests SenderStore, accounts AccountStore, factory provider.Factory,
	cfg *config.DigestConfig, m *metrics.Metrics) *Sender {
	return &Sender{
		digests:  digests,
		accounts: accounts,
		factory:  factory,
		cfg:      cfg,
		metrics:  m,
		pause:    time.Sleep,
	}
}

// Handle is the queue handler for digest-send jobs.
func (s *Sender) Handle(ctx context.Context, raw []byte) error {
	var payload queue.DigestSendPayload
	if err := queue.Decode(raw, &payload); err != nil {
		return err
	}

	result, err := s.Send(ctx, payload.AccountID, payload.Force)
	if err != nil {
		return err
	}
	logrus.Infof("Digest send for account %s: %s", payload.AccountID, result.Message)
	return nil
}

// Send claims and delivers every pending digest for the account. A forced
// send delivers even when nothing is pending, so a manual trigger always
// produces an email. On delivery failure the claimed digests become FAILED
// with their content intact, and the error is surfaced so the caller sees the
// broken run.
func (s *Sender) Send(ctx context.Context, accountID string, force bool) (SendResult, error) {
	digests, err := s.digests.ClaimPending(ctx, accountID)
	if err != nil {
		return SendResult{}, fmt.Errorf("failed to claim pending digests: %w", err)
	}

	items := 0
	for _, d := range digests {
		items += len(d.Items)
	}
	if (len(digests) == 0 || items == 0) && !force {
		// Finalizing even an empty run advances the schedule and keeps
		// claimed-but-empty digests from lingering in PROCESSING.
		if err := s.digests.FinalizeSent(ctx, accountID, digestIDList(digests)); err != nil {
			return SendResult{}, err
		}
		return SendResult{Sent: false, Message: "nothing to send"}, nil
	}

	ids := digestIDList(digests)

	account, err := s.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return SendResult{}, s.failAndWrap(ctx, ids, fmt.Errorf("failed to resolve account %s: %w", accountID, err))
	}

	client, err := s.factory.ClientFor(ctx, account)
	if err != nil {
		return SendResult{}, s.failAndWrap(ctx, ids, fmt.Errorf("failed to build provider client: %w", err))
	}
	defer client.Close()

	fetched, err := s.fetchDetails(ctx, client, digests)
	if err != nil {
		return SendResult{}, s.failAndWrap(ctx, ids, err)
	}

	body := renderDigest(groupItems(digests, fetched))
	outgoing := provider.OutgoingMessage{
		To:       []string{account.Email},
		Subject:  s.cfg.Subject,
		HTMLBody: body,
	}
	if _, err := client.SendEmail(ctx, outgoing); err != nil {
		return SendResult{}, s.failAndWrap(ctx, ids, fmt.Errorf("failed to send digest email: %w", err))
	}

	// Sent status, redaction and the schedule bump land in one transaction.
	if err := s.digests.FinalizeSent(ctx, accountID, ids); err != nil {
		return SendResult{}, err
	}

	if s.metrics != nil {
		s.metrics.DigestsSent.Inc()
	}
	return SendResult{
		Sent:      true,
		ItemCount: items,
		Message:   fmt.Sprintf("sent %d items across %d digests", items, len(digests)),
	}, nil
}

// fetchDetails re-reads the digested messages in bounded batches with a pause
// between them, so a large digest does not hammer the provider.
func (s *Sender) fetchDetails(ctx context.Context, client provider.EmailProvider, digests []model.Digest) (map[string]model.EmailMessage, error) {
	seen := make(map[string]bool)
	var ids []string
	for _, d := range digests {
		for _, item := range d.Items {
			if !seen[item.MessageID] {
				seen[item.MessageID] = true
				ids = append(ids, item.MessageID)
			}
		}
	}

	fetched := make(map[string]model.EmailMessage, len(ids))
	for start := 0; start < len(ids); start += s.cfg.BatchSize {
		end := start + s.cfg.BatchSize
		if end > len(ids) {
			end = len(ids)
		}
		if start > 0 && s.cfg.BatchPause > 0 {
			s.pause(s.cfg.BatchPause)
		}

		messages, err := client.GetMessagesBatch(ctx, ids[start:end])
		if err != nil {
			return nil, fmt.Errorf("failed to fetch digest message batch: %w", err)
		}
		for _, msg := range messages {
			fetched[msg.ID] = msg
		}
	}
	// Messages deleted since aggregation simply render from their stored
	// summary alone.
	return fetched, nil
}

// failAndWrap marks the claimed digests FAILED and passes the original error
// through for the caller.
func (s *Sender) failAndWrap(ctx context.Context, ids []string, err error) error {
	if s.metrics != nil {
		s.metrics.DigestSendErrors.Inc()
	}
	if markErr := s.digests.MarkFailed(ctx, ids); markErr != nil {
		logrus.Errorf("Failed to mark digests failed: %v", markErr)
	}
	return err
}

func digestIDList(digests []model.Digest) []string {
	ids := make([]string, len(digests))
	for i, d := range digests {
		ids[i] = d.ID
	}
	return ids
}

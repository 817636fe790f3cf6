package digest

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"inbox-autopilot-go/internal/config"
	"inbox-autopilot-go/internal/metrics"
	"inbox-autopilot-go/internal/model"
	"inbox-autopilot-go/internal/queue"
	"inbox-autopilot-go/internal/store"
)

// coldEmailRuleName groups items that came from cold-email screening rather
// than a user rule.
const coldEmailRuleName = "Cold Emails"

// ItemStore upserts digest items.
type ItemStore interface {
	AppendItem(ctx context.Context, accountID string, params store.ItemParams) (bool, error)
}

// ExecutionResolver resolves the rule execution an item points back to.
type ExecutionResolver interface {
	GetExecution(ctx context.Context, id string) (*model.RuleExecution, error)
}

// AccountStore resolves the owning account.
type AccountStore interface {
	GetAccount(ctx context.Context, id string) (*model.EmailAccount, error)
}

// Summary is the distilled form of one message.
type Summary struct {
	Content string
}

// Summarizer condenses a message for digest display. Returning a nil Summary
// with a nil error means the content is not worth surfacing.
type Summarizer interface {
	Summarize(ctx context.Context, msg queue.DigestMessage) (*Summary, error)
}

// Aggregator appends summarized messages to the account's pending digest.
type Aggregator struct {
	digests    ItemStore
	executions ExecutionResolver
	accounts   AccountStore
	summarizer Summarizer
	cfg        *config.DigestConfig
	metrics    *metrics.Metrics
}

// NewAggregator creates an Aggregator.
func NewAggregator(digests ItemStore, executions ExecutionResolver, accounts AccountStore,
	summarizer Summarizer, cfg *config.DigestConfig, m *metrics.Metrics) *Aggregator {
	return &Aggregator{
		digests:    digests,
		executions: executions,
		accounts:   accounts,
		summarizer: summarizer,
		cfg:        cfg,
		metrics:    m,
	}
}

// Handle is the queue handler for digest-add-item jobs. Skips are silent
// successes: an item that should not appear in a digest is simply dropped.
func (a *Aggregator) Handle(ctx context.Context, raw []byte) error {
	var payload queue.DigestAddItemPayload
	if err := queue.Decode(raw, &payload); err != nil {
		return err
	}

	account, err := a.accounts.GetAccount(ctx, payload.AccountID)
	if err != nil {
		return fmt.Errorf("failed to resolve account %s: %w", payload.AccountID, err)
	}

	// Self-loop prevention: never digest mail the system itself sent.
	from := normalizeAddress(payload.Message.From)
	if addressEquals(from, a.cfg.FromAddress) || addressEquals(from, account.AssistantEmail) {
		logrus.Debugf("Skipping digest item for message %s: sender is our own address", payload.Message.ID)
		return nil
	}

	ruleName, ok, err := a.resolveRuleName(ctx, &payload)
	if err != nil {
		return err
	}
	if !ok {
		logrus.Warnf("Skipping digest item for message %s: rule name unresolvable", payload.Message.ID)
		return nil
	}

	summary, err := a.summarizer.Summarize(ctx, payload.Message)
	if err != nil {
		return fmt.Errorf("failed to summarize message %s: %w", payload.Message.ID, err)
	}
	if summary == nil {
		logrus.Debugf("Skipping digest item for message %s: not worth surfacing", payload.Message.ID)
		return nil
	}

	created, err := a.digests.AppendItem(ctx, payload.AccountID, store.ItemParams{
		MessageID:       payload.Message.ID,
		ThreadID:        payload.Message.ThreadID,
		RuleName:        ruleName,
		RuleExecutionID: payload.ActionID,
		Content:         summary.Content,
	})
	if err != nil {
		return err
	}

	if created {
		if a.metrics != nil {
			a.metrics.DigestItemsAdded.Inc()
		}
		logrus.Infof("Added digest item for message %s under rule %q", payload.Message.ID, ruleName)
	}
	return nil
}

// resolveRuleName finds the human-readable group for the item. Items that
// cannot be attributed to a rule get no digest entry.
func (a *Aggregator) resolveRuleName(ctx context.Context, payload *queue.DigestAddItemPayload) (string, bool, error) {
	if payload.ColdEmailID != "" {
		return coldEmailRuleName, true, nil
	}

	execution, err := a.executions.GetExecution(ctx, payload.ActionID)
	if err != nil {
		if err == store.ErrNotFound {
			return "", false, nil
		}
		return "", false, err
	}
	if execution.Rule == nil || execution.Rule.Name == "" {
		return "", false, nil
	}
	return execution.Rule.Name, true, nil
}

// normalizeAddress extracts the bare address from forms like
// "Name <user@host>".
func normalizeAddress(addr string) string {
	if start := strings.LastIndex(addr, "<"); start >= 0 {
		if end := strings.LastIndex(addr, ">"); end > start {
			return addr[start+1 : end]
		}
	}
	return strings.TrimSpace(addr)
}

func addressEquals(a, b string) bool {
	return b != "" && strings.EqualFold(a, strings.TrimSpace(b))
}

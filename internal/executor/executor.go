package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"inbox-autopilot-go/internal/metrics"
	"inbox-autopilot-go/internal/model"
	"inbox-autopilot-go/internal/provider"
	"inbox-autopilot-go/internal/queue"
)

// ActionStore is the persistence surface the executor needs. ClaimPending is
// the sole concurrency-safety mechanism: a conditional update that exactly
// one caller can win.
type ActionStore interface {
	GetAction(ctx context.Context, id string) (*model.ScheduledAction, error)
	ClaimPending(ctx context.Context, id string) (bool, error)
	ReleaseClaim(ctx context.Context, id string) error
	CompleteAction(ctx context.Context, id, executionResultID string) error
	FailAction(ctx context.Context, id, errorMessage string) error
}

// AccountStore resolves the owning account of an action.
type AccountStore interface {
	GetAccount(ctx context.Context, id string) (*model.EmailAccount, error)
}

// Result is the structured outcome of one executor invocation. A skip is a
// success: duplicate deliveries and cancelled actions are normal, not errors.
type Result struct {
	Success bool   `json:"success"`
	Skipped bool   `json:"skipped,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Executor runs one scheduled action to a terminal state.
type Executor struct {
	actions  ActionStore
	accounts AccountStore
	factory  provider.Factory
	metrics  *metrics.Metrics
}

// NewExecutor creates an Executor.
func NewExecutor(actions ActionStore, accounts AccountStore, factory provider.Factory, m *metrics.Metrics) *Executor {
	return &Executor{actions: actions, accounts: accounts, factory: factory, metrics: m}
}

// Handle is the queue handler for scheduled-action-execute jobs.
func (e *Executor) Handle(ctx context.Context, raw []byte) error {
	var payload queue.ScheduledActionExecutePayload
	if err := queue.Decode(raw, &payload); err != nil {
		return err
	}

	result, err := e.Execute(ctx, payload.ScheduledActionID)
	if err != nil {
		return err
	}
	if result.Skipped {
		logrus.Infof("Scheduled action %s skipped: %s", payload.ScheduledActionID, result.Reason)
	}
	return nil
}

// Execute drives the PENDING -> EXECUTING -> terminal state machine for one
// action. A returned error means the invocation should be retried; every
// other outcome is final and described by the Result.
func (e *Executor) Execute(ctx context.Context, actionID string) (Result, error) {
	action, err := e.actions.GetAction(ctx, actionID)
	if err != nil {
		// Missing rows are retried by the queue; a row that never appears
		// surfaces as a failed job for operators.
		return Result{}, fmt.Errorf("failed to load action %s: %w", actionID, err)
	}

	// Durable sleep: early delivery is deferred through the queue, never an
	// in-memory timer, so the wait survives restarts.
	if action.ScheduledFor.After(time.Now()) {
		return Result{}, queue.RescheduleAt(action.ScheduledFor)
	}

	if action.Status == model.ActionCancelled {
		e.countSkip()
		return Result{Success: true, Skipped: true, Reason: "cancelled"}, nil
	}
	if action.Status != model.ActionPending {
		e.countSkip()
		return Result{Success: true, Skipped: true, Reason: "not pending"}, nil
	}

	claimed, err := e.actions.ClaimPending(ctx, actionID)
	if err != nil {
		return Result{}, err
	}
	if !claimed {
		// Another worker won the conditional update.
		e.countSkip()
		return Result{Success: true, Skipped: true, Reason: "not pending"}, nil
	}

	account, err := e.accounts.GetAccount(ctx, action.AccountID)
	if err != nil {
		return Result{}, e.releaseAndFail(ctx, actionID, fmt.Errorf("failed to resolve account %s: %w", action.AccountID, err))
	}

	client, err := e.factory.ClientFor(ctx, account)
	if err != nil {
		return Result{}, e.releaseAndFail(ctx, actionID, fmt.Errorf("failed to build provider client: %w", err))
	}
	defer client.Close()

	if needsTarget(action.ActionType) {
		exists, err := client.MessageExists(ctx, action.MessageID)
		if err != nil {
			return Result{}, e.releaseAndFail(ctx, actionID, err)
		}
		if !exists {
			// The target disappearing is not a failure, there is simply
			// nothing left to do.
			if err := e.actions.CompleteAction(ctx, actionID, "target gone"); err != nil {
				return Result{}, err
			}
			if e.metrics != nil {
				e.metrics.ActionsExecuted.Inc()
			}
			logrus.Infof("Scheduled action %s completed: target message %s gone", actionID, action.MessageID)
			return Result{Success: true, Reason: "target gone"}, nil
		}
	}

	resultID, err := e.perform(ctx, client, action)
	if err != nil {
		if provider.IsTransient(err) {
			// Release before surfacing so the retry (or the sweeper, once
			// retries are exhausted) finds the row PENDING again.
			return Result{}, e.releaseAndFail(ctx, actionID, err)
		}

		if failErr := e.actions.FailAction(ctx, actionID, err.Error()); failErr != nil {
			return Result{}, failErr
		}
		if e.metrics != nil {
			e.metrics.ActionsFailed.Inc()
		}
		logrus.Errorf("Scheduled action %s permanently failed: %v", actionID, err)
		return Result{Success: false, Error: err.Error()}, nil
	}

	if err := e.actions.CompleteAction(ctx, actionID, resultID); err != nil {
		return Result{}, err
	}
	if e.metrics != nil {
		e.metrics.ActionsExecuted.Inc()
	}
	logrus.Infof("Scheduled action %s (%s) completed", actionID, action.ActionType)
	return Result{Success: true}, nil
}

func (e *Executor) perform(ctx context.Context, client provider.EmailProvider, action *model.ScheduledAction) (string, error) {
	recipients := splitRecipients(action.Recipients)

	switch action.ActionType {
	case model.ActionTypeArchive:
		return "", client.ModifyLabels(ctx, action.MessageID, nil, []string{"INBOX"})

	case model.ActionTypeLabel:
		return "", client.ModifyLabels(ctx, action.MessageID, []string{action.Label}, nil)

	case model.ActionTypeMarkSpam:
		return "", client.ModifyLabels(ctx, action.MessageID, []string{"SPAM"}, []string{"INBOX"})

	case model.ActionTypeReply:
		return client.SendEmail(ctx, provider.OutgoingMessage{
			To:       recipients,
			Subject:  replySubject(action.Subject),
			HTMLBody: action.Body,
			ThreadID: action.ThreadID,
		})

	case model.ActionTypeSendEmail:
		return client.SendEmail(ctx, provider.OutgoingMessage{
			To:       recipients,
			Subject:  action.Subject,
			HTMLBody: action.Body,
		})

	case model.ActionTypeForward:
		return client.SendEmail(ctx, provider.OutgoingMessage{
			To:       recipients,
			Subject:  "Fwd: " + action.Subject,
			HTMLBody: action.Body,
		})

	case model.ActionTypeDraft:
		return client.CreateDraft(ctx, provider.OutgoingMessage{
			To:       recipients,
			Subject:  action.Subject,
			HTMLBody: action.Body,
			ThreadID: action.ThreadID,
		})

	default:
		return "", fmt.Errorf("unknown action type %q", action.ActionType)
	}
}

// releaseAndFail reverts the claim and returns the original error so the
// queue's retry policy engages.
func (e *Executor) releaseAndFail(ctx context.Context, actionID string, err error) error {
	if relErr := e.actions.ReleaseClaim(ctx, actionID); relErr != nil {
		logrus.Errorf("Failed to release claim on action %s: %v", actionID, relErr)
	}
	return err
}

func (e *Executor) countSkip() {
	if e.metrics != nil {
		e.metrics.ActionsSkipped.Inc()
	}
}

// needsTarget reports whether the action operates on an existing message.
func needsTarget(t model.ActionType) bool {
	switch t {
	case model.ActionTypeSendEmail, model.ActionTypeDraft:
		return false
	}
	return true
}

func splitRecipients(recipients string) []string {
	if recipients == "" {
		return nil
	}
	parts := strings.Split(recipients, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func replySubject(subject string) string {
	if strings.HasPrefix(strings.ToLower(subject), "re:") {
		return subject
	}
	return "Re: " + subject
}

package schedule

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"inbox-autopilot-go/internal/metrics"
	"inbox-autopilot-go/internal/model"
	"inbox-autopilot-go/internal/queue"
)

// ErrInvalidRequest marks a schedule request that failed validation.
var ErrInvalidRequest = errors.New("invalid schedule request")

// ActionStore is the persistence surface the scheduler needs.
type ActionStore interface {
	CreateAction(ctx context.Context, action *model.ScheduledAction) error
	GetAction(ctx context.Context, id string) (*model.ScheduledAction, error)
	MarkSchedulingEnqueued(ctx context.Context, id, externalJobID string) error
	MarkSchedulingFailed(ctx context.Context, id string) error
	CancelAction(ctx context.Context, id string) (bool, error)
}

// ActionPayload is the snapshot of action parameters captured at schedule
// time, so execution never depends on mutable rule state.
type ActionPayload struct {
	Label      string   `json:"label,omitempty"`
	Subject    string   `json:"subject,omitempty"`
	Body       string   `json:"body,omitempty"`
	Recipients []string `json:"recipients,omitempty"`
	Folder     string   `json:"folder,omitempty"`
}

// Request describes one action to defer.
type Request struct {
	RuleExecutionID string
	AccountID       string
	MessageID       string
	ThreadID        string
	ActionType      model.ActionType
	Payload         ActionPayload
	ScheduledFor    time.Time
}

// Scheduler creates scheduled-action rows and their backing queue entries.
type Scheduler struct {
	actions ActionStore
	queue   queue.Enqueuer
	metrics *metrics.Metrics
}

// NewScheduler creates a Scheduler.
func NewScheduler(actions ActionStore, q queue.Enqueuer, m *metrics.Metrics) *Scheduler {
	return &Scheduler{actions: actions, queue: q, metrics: m}
}

// Schedule validates the request, persists the PENDING row and enqueues
// exactly one execution job keyed deterministically by the action id, so a
// duplicate scheduling call cannot create a second queue entry.
func (s *Scheduler) Schedule(ctx context.Context, req Request) (*model.ScheduledAction, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	action := &model.ScheduledAction{
		ID:               uuid.NewString(),
		Status:           model.ActionPending,
		ActionType:       req.ActionType,
		ScheduledFor:     req.ScheduledFor,
		Label:            req.Payload.Label,
		Subject:          req.Payload.Subject,
		Body:             req.Payload.Body,
		Recipients:       strings.Join(req.Payload.Recipients, ","),
		Folder:           req.Payload.Folder,
		RuleExecutionID:  req.RuleExecutionID,
		MessageID:        req.MessageID,
		ThreadID:         req.ThreadID,
		AccountID:        req.AccountID,
		SchedulingStatus: model.SchedulingPending,
	}

	if err := s.actions.CreateAction(ctx, action); err != nil {
		return nil, err
	}

	payload := &queue.ScheduledActionExecutePayload{
		ScheduledActionID: action.ID,
		ScheduledFor:      action.ScheduledFor,
	}
	jobID, err := s.queue.Enqueue(ctx, queue.JobScheduledActionExecute, payload, queue.Options{
		NotBefore:      action.ScheduledFor,
		IdempotencyKey: queue.ActionIdempotencyKey(action.ID),
	})
	if err != nil {
		// The row stays PENDING: the sweeper will find it once it is
		// overdue, so the action is delayed but not lost.
		if markErr := s.actions.MarkSchedulingFailed(ctx, action.ID); markErr != nil {
			logrus.Errorf("Failed to record scheduling failure for action %s: %v", action.ID, markErr)
		}
		return nil, fmt.Errorf("failed to enqueue scheduled action %s: %w", action.ID, err)
	}

	if err := s.actions.MarkSchedulingEnqueued(ctx, action.ID, jobID); err != nil {
		logrus.Errorf("Failed to record queue entry for action %s: %v", action.ID, err)
	}
	action.ExternalJobID = jobID
	action.SchedulingStatus = model.SchedulingEnqueued

	if s.metrics != nil {
		s.metrics.ActionsScheduled.Inc()
	}
	logrus.Infof("Scheduled %s action %s for %s", action.ActionType, action.ID,
		action.ScheduledFor.Format(time.RFC3339))
	return action, nil
}

// Cancel cancels a PENDING action. Actions already executing or finished are
// unaffected; the result reports whether the cancellation took effect. The
// queue entry is cancelled best-effort, the status row alone is authoritative.
func (s *Scheduler) Cancel(ctx context.Context, actionID string) (bool, error) {
	action, err := s.actions.GetAction(ctx, actionID)
	if err != nil {
		return false, err
	}

	cancelled, err := s.actions.CancelAction(ctx, actionID)
	if err != nil {
		return false, err
	}
	if !cancelled {
		return false, nil
	}

	if action.ExternalJobID != "" {
		if _, err := s.queue.Cancel(ctx, action.ExternalJobID); err != nil {
			logrus.Warnf("Failed to cancel queue entry %s for action %s: %v",
				action.ExternalJobID, actionID, err)
		}
	}

	if s.metrics != nil {
		s.metrics.ActionsCancelled.Inc()
	}
	logrus.Infof("Cancelled scheduled action %s", actionID)
	return true, nil
}

func validate(req Request) error {
	if req.AccountID == "" {
		return fmt.Errorf("%w: account id is required", ErrInvalidRequest)
	}
	if !model.DelayableActionTypes[req.ActionType] {
		return fmt.Errorf("%w: action type %q is not delayable", ErrInvalidRequest, req.ActionType)
	}
	if !req.ScheduledFor.After(time.Now()) {
		return fmt.Errorf("%w: scheduled time must be in the future", ErrInvalidRequest)
	}
	switch req.ActionType {
	case model.ActionTypeSendEmail, model.ActionTypeForward, model.ActionTypeReply:
		if len(req.Payload.Recipients) == 0 {
			return fmt.Errorf("%w: recipients are required for %s", ErrInvalidRequest, req.ActionType)
		}
	case model.ActionTypeLabel:
		if req.Payload.Label == "" {
			return fmt.Errorf("%w: label is required for label actions", ErrInvalidRequest)
		}
	}
	if req.ActionType != model.ActionTypeSendEmail && req.MessageID == "" {
		return fmt.Errorf("%w: message id is required for %s", ErrInvalidRequest, req.ActionType)
	}
	return nil
}

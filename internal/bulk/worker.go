package bulk

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"inbox-autopilot-go/internal/metrics"
	"inbox-autopilot-go/internal/model"
	"inbox-autopilot-go/internal/provider"
	"inbox-autopilot-go/internal/queue"
	"inbox-autopilot-go/internal/rules"
	"inbox-autopilot-go/internal/store"
)

// ExecutionStore records rule-evaluation outcomes. The unique
// (account, message) index makes the record double as the idempotency guard;
// ReplaceExecution overwrites the slot for force-reprocess runs.
type ExecutionStore interface {
	HasExecution(ctx context.Context, accountID, messageID string) (bool, error)
	CreateExecution(ctx context.Context, execution *model.RuleExecution) error
	ReplaceExecution(ctx context.Context, execution *model.RuleExecution) (string, error)
}

// Result is the structured outcome of one worker invocation. Returning a
// failure Result does not by itself trigger a retry; Handle translates it
// into an error so the queue's retry policy engages.
type Result struct {
	Success bool   `json:"success"`
	Skipped bool   `json:"skipped,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Worker processes one discovered message: applies rules, records the
// outcome and hands matched messages to digest aggregation. Parallelism is
// bounded per account by the queue's concurrency key, unbounded across
// accounts.
type Worker struct {
	jobs       JobStore
	accounts   AccountStore
	executions ExecutionStore
	engine     rules.Engine
	factory    provider.Factory
	queue      queue.Enqueuer
	metrics    *metrics.Metrics
}

// NewWorker creates a Worker.
func NewWorker(jobs JobStore, accounts AccountStore, executions ExecutionStore,
	engine rules.Engine, factory provider.Factory, q queue.Enqueuer, m *metrics.Metrics) *Worker {
	return &Worker{
		jobs:       jobs,
		accounts:   accounts,
		executions: executions,
		engine:     engine,
		factory:    factory,
		queue:      q,
		metrics:    m,
	}
}

// Handle is the queue handler for one message. A failure Result is
// explicitly raised as an error here: this is the retry boundary, and a
// handler that only returned the failure object would never be retried.
func (w *Worker) Handle(ctx context.Context, raw []byte) error {
	var payload queue.BulkProcessPayload
	if err := queue.Decode(raw, &payload); err != nil {
		return err
	}

	result, err := w.Process(ctx, &payload)
	if err != nil {
		return err
	}
	if !result.Success {
		return fmt.Errorf("bulk worker failed for message %s: %s", payload.MessageID, result.Error)
	}
	if result.Skipped {
		logrus.Debugf("Bulk worker skipped message %s: %s", payload.MessageID, result.Reason)
	}
	return nil
}

// Process applies rules to one message and records the outcome. Errors are
// reported through the Result; a non-nil error is reserved for infrastructure
// failures around the processing itself.
func (w *Worker) Process(ctx context.Context, payload *queue.BulkProcessPayload) (Result, error) {
	if w.metrics != nil {
		w.metrics.BulkWorkerRuns.Inc()
	}

	job, err := w.jobs.GetJob(ctx, payload.JobID)
	if err != nil {
		if err == store.ErrNotFound {
			return Result{Success: true, Skipped: true, Reason: "job gone"}, nil
		}
		return Result{}, err
	}
	if job.Status != model.BulkJobRunning {
		return Result{Success: true, Skipped: true, Reason: "job " + string(job.Status)}, nil
	}

	if !payload.ForceReprocess {
		processed, err := w.executions.HasExecution(ctx, payload.AccountID, payload.MessageID)
		if err != nil {
			return Result{}, err
		}
		if processed {
			w.countSkipped(ctx, job.ID)
			return Result{Success: true, Skipped: true, Reason: "already processed"}, nil
		}
	}

	account, err := w.accounts.GetAccount(ctx, payload.AccountID)
	if err != nil {
		return Result{Success: false, Error: fmt.Sprintf("failed to resolve account: %v", err)}, nil
	}

	client, err := w.factory.ClientFor(ctx, account)
	if err != nil {
		return Result{Success: false, Error: fmt.Sprintf("failed to build provider client: %v", err)}, nil
	}
	defer client.Close()

	messages, err := client.GetMessagesBatch(ctx, []string{payload.MessageID})
	if err != nil {
		return Result{Success: false, Error: fmt.Sprintf("failed to fetch message: %v", err)}, nil
	}
	if len(messages) == 0 {
		if _, err := w.recordOutcome(ctx, job, payload, nil, model.RuleExecutionSkipped, "target gone"); err != nil {
			return Result{}, err
		}
		w.countSkipped(ctx, job.ID)
		return Result{Success: true, Skipped: true, Reason: "target gone"}, nil
	}
	msg := messages[0]

	match, err := w.engine.Evaluate(ctx, payload.AccountID, msg)
	if err != nil {
		w.countFailed(ctx, job.ID)
		return Result{Success: false, Error: fmt.Sprintf("rule evaluation failed: %v", err)}, nil
	}

	if match == nil {
		if _, err := w.recordOutcome(ctx, job, payload, nil, model.RuleExecutionSkipped, "no rule matched"); err != nil {
			return Result{}, err
		}
		w.countSkipped(ctx, job.ID)
		return Result{Success: true, Skipped: true, Reason: "no rule matched"}, nil
	}

	executionID, err := w.recordOutcome(ctx, job, payload, match, model.RuleExecutionApplied, "")
	if err != nil {
		return Result{}, err
	}
	if executionID == "" {
		// The unique index rejected a concurrent duplicate; the other
		// worker owns this message.
		w.countSkipped(ctx, job.ID)
		return Result{Success: true, Skipped: true, Reason: "already processed"}, nil
	}

	digestPayload := &queue.DigestAddItemPayload{
		AccountID: payload.AccountID,
		ActionID:  executionID,
		Message: queue.DigestMessage{
			ID:       msg.ID,
			ThreadID: msg.ThreadID,
			From:     msg.From,
			Subject:  msg.Subject,
			Content:  messageContent(msg),
		},
	}
	if _, err := w.queue.Enqueue(ctx, queue.JobDigestAddItem, digestPayload, queue.Options{}); err != nil {
		w.countFailed(ctx, job.ID)
		return Result{Success: false, Error: fmt.Sprintf("failed to enqueue digest item: %v", err)}, nil
	}

	if err := w.jobs.IncrementCounters(ctx, job.ID, store.CounterDeltas{MessagesProcessed: 1}); err != nil {
		logrus.Errorf("Failed to update processed counter for bulk job %s: %v", job.ID, err)
	}
	logrus.Infof("Bulk worker processed message %s with rule %q", payload.MessageID, match.RuleName)
	return Result{Success: true}, nil
}

// recordOutcome persists the rule-execution row and returns its id, or ""
// when a concurrent duplicate already holds the (account, message) slot. A
// force-reprocess run overwrites the existing row instead, so a prior
// execution never downgrades the forced run to a skip. Any other storage
// failure is returned so the delivery retries instead of silently dropping
// the message.
func (w *Worker) recordOutcome(ctx context.Context, job *model.BulkJob, payload *queue.BulkProcessPayload,
	match *rules.Match, status model.RuleExecutionStatus, reason string) (string, error) {

	execution := &model.RuleExecution{
		ID:        uuid.NewString(),
		AccountID: payload.AccountID,
		MessageID: payload.MessageID,
		ThreadID:  payload.ThreadID,
		Status:    status,
		Reason:    reason,
		BulkJobID: job.ID,
	}
	if match != nil {
		ruleID := match.RuleID
		execution.RuleID = &ruleID
	}

	if payload.ForceReprocess {
		id, err := w.executions.ReplaceExecution(ctx, execution)
		if err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				// A concurrent forced run created the row first and owns it.
				return "", nil
			}
			return "", fmt.Errorf("failed to replace rule execution for message %s: %w", payload.MessageID, err)
		}
		return id, nil
	}

	if err := w.executions.CreateExecution(ctx, execution); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return "", nil
		}
		return "", fmt.Errorf("failed to record rule execution for message %s: %w", payload.MessageID, err)
	}
	return execution.ID, nil
}

func (w *Worker) countSkipped(ctx context.Context, jobID string) {
	if err := w.jobs.IncrementCounters(ctx, jobID, store.CounterDeltas{MessagesSkipped: 1}); err != nil {
		logrus.Errorf("Failed to update skipped counter for bulk job %s: %v", jobID, err)
	}
}

func (w *Worker) countFailed(ctx context.Context, jobID string) {
	if err := w.jobs.IncrementCounters(ctx, jobID, store.CounterDeltas{MessagesFailed: 1}); err != nil {
		logrus.Errorf("Failed to update failed counter for bulk job %s: %v", jobID, err)
	}
}

func messageContent(msg model.EmailMessage) string {
	if msg.Body != "" {
		return msg.Body
	}
	return msg.HTMLBody
}

package bulk

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"inbox-autopilot-go/internal/config"
	"inbox-autopilot-go/internal/metrics"
	"inbox-autopilot-go/internal/model"
	"inbox-autopilot-go/internal/provider"
	"inbox-autopilot-go/internal/queue"
	"inbox-autopilot-go/internal/store"
)

// JobStore is the persistence surface for bulk-job progress rows.
type JobStore interface {
	CreateJob(ctx context.Context, job *model.BulkJob) error
	GetJob(ctx context.Context, id string) (*model.BulkJob, error)
	IncrementCounters(ctx context.Context, id string, d store.CounterDeltas) error
	MarkFetchComplete(ctx context.Context, id string) error
}

// AccountStore resolves the account under bulk processing.
type AccountStore interface {
	GetAccount(ctx context.Context, id string) (*model.EmailAccount, error)
}

// ExecutionChecker reports whether a message was already processed, so pages
// never queue duplicate work.
type ExecutionChecker interface {
	HasExecution(ctx context.Context, accountID, messageID string) (bool, error)
}

// StartRequest describes one historical-mailbox processing run.
type StartRequest struct {
	AccountID      string
	StartDate      time.Time
	EndDate        *time.Time
	OnlyUnread     bool
	ForceReprocess bool
}

// Fetcher paginates a mailbox and fans each page out to per-message worker
// jobs. Every invocation handles exactly one page and re-enqueues itself for
// the next, so a run over thousands of messages never holds one long call.
type Fetcher struct {
	jobs       JobStore
	accounts   AccountStore
	executions ExecutionChecker
	factory    provider.Factory
	queue      queue.Enqueuer
	cfg        *config.BulkConfig
	metrics    *metrics.Metrics
}

// NewFetcher creates a Fetcher.
func NewFetcher(jobs JobStore, accounts AccountStore, executions ExecutionChecker,
	factory provider.Factory, q queue.Enqueuer, cfg *config.BulkConfig, m *metrics.Metrics) *Fetcher {
	return &Fetcher{
		jobs:       jobs,
		accounts:   accounts,
		executions: executions,
		factory:    factory,
		queue:      q,
		cfg:        cfg,
		metrics:    m,
	}
}

// Start creates the progress row and enqueues the first page.
func (f *Fetcher) Start(ctx context.Context, req StartRequest) (*model.BulkJob, error) {
	if req.AccountID == "" {
		return nil, fmt.Errorf("account id is required")
	}
	if req.StartDate.IsZero() {
		return nil, fmt.Errorf("start date is required")
	}

	job := &model.BulkJob{
		ID:             uuid.NewString(),
		AccountID:      req.AccountID,
		Status:         model.BulkJobRunning,
		StartDate:      req.StartDate,
		EndDate:        req.EndDate,
		OnlyUnread:     req.OnlyUnread,
		ForceReprocess: req.ForceReprocess,
	}
	if err := f.jobs.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	payload := &queue.BulkFetchPayload{
		JobID:          job.ID,
		AccountID:      job.AccountID,
		StartDate:      job.StartDate,
		EndDate:        job.EndDate,
		OnlyUnread:     job.OnlyUnread,
		ForceReprocess: job.ForceReprocess,
	}
	if _, err := f.queue.Enqueue(ctx, queue.JobBulkFetchPage, payload, f.fetchOptions(job.AccountID)); err != nil {
		return nil, fmt.Errorf("failed to enqueue first bulk page: %w", err)
	}

	logrus.Infof("Started bulk job %s for account %s", job.ID, job.AccountID)
	return job, nil
}

// Handle is the queue handler for one bulk page.
func (f *Fetcher) Handle(ctx context.Context, raw []byte) error {
	var payload queue.BulkFetchPayload
	if err := queue.Decode(raw, &payload); err != nil {
		return err
	}

	// Cancellation and existence checks come before any provider work.
	job, err := f.jobs.GetJob(ctx, payload.JobID)
	if err != nil {
		if err == store.ErrNotFound {
			logrus.Warnf("Bulk job %s no longer exists, aborting fetch", payload.JobID)
			return nil
		}
		return err
	}
	if job.Status != model.BulkJobRunning {
		logrus.Infof("Bulk job %s is %s, aborting fetch", job.ID, job.Status)
		return nil
	}

	account, err := f.accounts.GetAccount(ctx, payload.AccountID)
	if err != nil {
		return fmt.Errorf("failed to resolve account %s: %w", payload.AccountID, err)
	}

	// A fresh client per page: reusing one across a long paginated run
	// risks acting on an expired token.
	client, err := f.factory.ClientFor(ctx, account)
	if err != nil {
		return fmt.Errorf("failed to build provider client: %w", err)
	}
	defer client.Close()

	filter := provider.Filter{
		StartDate:  payload.StartDate,
		EndDate:    payload.EndDate,
		OnlyUnread: payload.OnlyUnread,
		PageSize:   f.cfg.PageSize,
	}
	page, err := client.FetchMessages(ctx, filter, payload.PageToken)
	if err != nil {
		return fmt.Errorf("failed to fetch page %d of bulk job %s: %w", payload.PageCount, job.ID, err)
	}

	// Counters first, fan-out second, so progress is observable even if
	// fan-out partially fails.
	if err := f.jobs.IncrementCounters(ctx, job.ID, store.CounterDeltas{
		PagesFetched:  1,
		MessagesFound: len(page.Messages),
	}); err != nil {
		logrus.Errorf("Failed to update counters for bulk job %s: %v", job.ID, err)
	}
	if f.metrics != nil {
		f.metrics.BulkPagesFetched.Inc()
		f.metrics.BulkMessagesFound.Add(float64(len(page.Messages)))
	}

	queued, fanErr := f.fanOut(ctx, job, &payload, page.Messages)
	if queued > 0 {
		if err := f.jobs.IncrementCounters(ctx, job.ID, store.CounterDeltas{MessagesQueued: queued}); err != nil {
			logrus.Errorf("Failed to update queued counter for bulk job %s: %v", job.ID, err)
		}
	}
	if fanErr != nil {
		return fanErr
	}

	if page.NextPageToken != "" {
		next := payload
		next.PageToken = page.NextPageToken
		next.PageCount = payload.PageCount + 1
		if _, err := f.queue.Enqueue(ctx, queue.JobBulkFetchPage, &next, f.fetchOptions(job.AccountID)); err != nil {
			return fmt.Errorf("failed to enqueue next page of bulk job %s: %w", job.ID, err)
		}
		logrus.Infof("Bulk job %s: page %d fetched %d messages, queued %d, continuing",
			job.ID, payload.PageCount, len(page.Messages), queued)
		return nil
	}

	if err := f.jobs.MarkFetchComplete(ctx, job.ID); err != nil {
		return err
	}
	logrus.Infof("Bulk job %s: fetch phase complete after %d pages", job.ID, payload.PageCount+1)
	return nil
}

// fanOut enqueues one worker job per message and returns how many were
// queued. A single message failing to enqueue never aborts the rest of the
// page, but a broken dedup check does: skipping past it would drop the
// message for good, so the page is retried instead. The worker idempotency
// keys keep the retry from double-queueing what already went out.
func (f *Fetcher) fanOut(ctx context.Context, job *model.BulkJob, payload *queue.BulkFetchPayload, messages []model.EmailMessage) (int, error) {
	queued := 0
	for _, msg := range messages {
		if !payload.ForceReprocess {
			processed, err := f.executions.HasExecution(ctx, job.AccountID, msg.ID)
			if err != nil {
				return queued, fmt.Errorf("failed to check prior processing of message %s: %w", msg.ID, err)
			}
			if processed {
				continue
			}
		}

		workerPayload := &queue.BulkProcessPayload{
			JobID:          job.ID,
			AccountID:      job.AccountID,
			MessageID:      msg.ID,
			ThreadID:       msg.ThreadID,
			ForceReprocess: payload.ForceReprocess,
		}
		_, err := f.queue.Enqueue(ctx, queue.JobBulkProcessMessage, workerPayload, queue.Options{
			// Deduplicates a message rediscovered on a later page while its
			// worker job is still queued.
			IdempotencyKey:   fmt.Sprintf("bulk-%s-msg-%s", job.ID, msg.ID),
			ConcurrencyKey:   workerConcurrencyKey(job.AccountID),
			ConcurrencyLimit: f.cfg.WorkerConcurrency,
		})
		if err != nil {
			logrus.Errorf("Failed to enqueue worker for message %s: %v", msg.ID, err)
			continue
		}
		queued++
	}
	return queued, nil
}

// fetchOptions serializes page fetches per account: cursors are not safe to
// share across concurrent fetch calls.
func (f *Fetcher) fetchOptions(accountID string) queue.Options {
	return queue.Options{
		ConcurrencyKey:   "bulk-fetch-" + accountID,
		ConcurrencyLimit: 1,
	}
}

func workerConcurrencyKey(accountID string) string {
	return "bulk-worker-" + accountID
}

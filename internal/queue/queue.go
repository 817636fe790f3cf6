package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Job names handled by the dispatcher.
const (
	JobScheduledActionExecute = "scheduled-action-execute"
	JobBulkFetchPage          = "bulk-fetch-page"
	JobBulkProcessMessage     = "bulk-process-message"
	JobDigestAddItem          = "digest-add-item"
	JobDigestSend             = "digest-send"
	JobSweepOverdueActions    = "sweep-overdue-actions"
)

// ErrJobNotFound is returned when a job id does not exist.
var ErrJobNotFound = errors.New("job not found")

// Options control delivery of an enqueued job.
type Options struct {
	// NotBefore delays delivery until the given instant. Zero means deliver
	// as soon as a worker is free.
	NotBefore time.Time
	// IdempotencyKey deduplicates against jobs that have not yet finished:
	// enqueueing while a pending or running job carries the same key returns
	// that job's id instead of creating a new row.
	IdempotencyKey string
	// ConcurrencyKey with ConcurrencyLimit bounds how many jobs sharing the
	// key may run at once. Zero limit means unbounded.
	ConcurrencyKey   string
	ConcurrencyLimit int
}

// Enqueuer is the durable-queue surface components depend on.
type Enqueuer interface {
	Enqueue(ctx context.Context, name string, payload any, opts Options) (string, error)
	Cancel(ctx context.Context, jobID string) (bool, error)
}

// Handler processes one delivered job. Returning an error triggers the retry
// policy; returning nil acknowledges the job. A handler that merely records a
// failure without returning an error will NOT be retried.
type Handler func(ctx context.Context, payload []byte) error

// ActionIdempotencyKey derives the deterministic queue key for a scheduled
// action so duplicate scheduling calls collapse onto one queue entry.
func ActionIdempotencyKey(actionID string) string {
	return "scheduled-action-" + actionID
}

// Queue is a durable, at-least-once queue backed by a Store.
type Queue struct {
	store       Store
	maxAttempts int
}

// New creates a Queue over the given store.
func New(store Store, maxAttempts int) *Queue {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Queue{store: store, maxAttempts: maxAttempts}
}

// Enqueue persists a job for delivery at opts.NotBefore (or immediately).
func (q *Queue) Enqueue(ctx context.Context, name string, payload any, opts Options) (string, error) {
	if name == "" {
		return "", fmt.Errorf("job name is required")
	}

	if opts.IdempotencyKey != "" {
		existing, err := q.store.FindActiveByIdempotencyKey(ctx, opts.IdempotencyKey)
		if err != nil {
			return "", fmt.Errorf("failed to check idempotency key: %w", err)
		}
		if existing != nil {
			return existing.ID, nil
		}
	}

	raw, err := marshalPayload(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode payload: %w", err)
	}

	runAt := opts.NotBefore
	if runAt.IsZero() {
		runAt = time.Now()
	}

	job := &Job{
		ID:               uuid.NewString(),
		Name:             name,
		Payload:          raw,
		Status:           JobPending,
		MaxAttempts:      q.maxAttempts,
		RunAt:            runAt,
		IdempotencyKey:   opts.IdempotencyKey,
		ConcurrencyKey:   opts.ConcurrencyKey,
		ConcurrencyLimit: opts.ConcurrencyLimit,
	}

	if err := q.store.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("failed to enqueue job %s: %w", name, err)
	}
	return job.ID, nil
}

// Cancel cancels a job that has not started running. It reports whether the
// job was actually cancelled.
func (q *Queue) Cancel(ctx context.Context, jobID string) (bool, error) {
	return q.store.CancelJob(ctx, jobID)
}

package bulk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"inbox-autopilot-go/internal/model"
	"inbox-autopilot-go/internal/provider"
	"inbox-autopilot-go/internal/queue"
	"inbox-autopilot-go/internal/rules"
	"inbox-autopilot-go/internal/store"
)

type fakeEngine struct {
	match *rules.Match
	err   error
}

func (f *fakeEngine) Evaluate(ctx context.Context, accountID string, msg model.EmailMessage) (*rules.Match, error) {
	return f.match, f.err
}

// batchProvider serves configured messages for GetMessagesBatch.
type batchProvider struct {
	pagedProvider
	messages map[string]model.EmailMessage
}

func (p *batchProvider) GetMessagesBatch(ctx context.Context, ids []string) ([]model.EmailMessage, error) {
	var out []model.EmailMessage
	for _, id := range ids {
		if msg, ok := p.messages[id]; ok {
			out = append(out, msg)
		}
	}
	return out, nil
}

func runningJob(id string) *model.BulkJob {
	return &model.BulkJob{ID: id, AccountID: "acct-1", Status: model.BulkJobRunning, StartDate: time.Now()}
}

func workerPayload() *queue.BulkProcessPayload {
	return &queue.BulkProcessPayload{
		JobID:     "bulk-1",
		AccountID: "acct-1",
		MessageID: "msg-1",
		ThreadID:  "thread-1",
	}
}

func newTestWorker(jobs *fakeJobStore, executions *fakeExecutions, engine rules.Engine,
	client provider.EmailProvider, q queue.Enqueuer) *Worker {
	return NewWorker(jobs, fakeAccountStore{}, executions, engine, &fakeFactory{client: client}, q, nil)
}

func TestWorkerMatchedMessageFeedsDigest(t *testing.T) {
	jobs := newFakeJobStore()
	jobs.jobs["bulk-1"] = runningJob("bulk-1")
	executions := &fakeExecutions{}
	engine := &fakeEngine{match: &rules.Match{RuleID: "rule-1", RuleName: "Newsletters"}}
	client := &batchProvider{messages: map[string]model.EmailMessage{
		"msg-1": {ID: "msg-1", ThreadID: "thread-1", From: "news@example.com", Subject: "Weekly"},
	}}
	q := &recordingEnqueuer{}
	w := newTestWorker(jobs, executions, engine, client, q)

	result, err := w.Process(context.Background(), workerPayload())
	assert.NoError(t, err)
	assert.True(t, result.Success)
	assert.False(t, result.Skipped)

	assert.Len(t, executions.created, 1)
	assert.Equal(t, model.RuleExecutionApplied, executions.created[0].Status)
	assert.Equal(t, 1, q.countByName(queue.JobDigestAddItem))
	assert.Equal(t, 1, jobs.jobs["bulk-1"].MessagesProcessed)
}

func TestWorkerSkipsAlreadyProcessedMessage(t *testing.T) {
	jobs := newFakeJobStore()
	jobs.jobs["bulk-1"] = runningJob("bulk-1")
	executions := &fakeExecutions{processed: map[string]bool{"msg-1": true}}
	q := &recordingEnqueuer{}
	w := newTestWorker(jobs, executions, &fakeEngine{}, &batchProvider{}, q)

	result, err := w.Process(context.Background(), workerPayload())
	assert.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Equal(t, "already processed", result.Reason)
	assert.Empty(t, executions.created)
	assert.Equal(t, 1, jobs.jobs["bulk-1"].MessagesSkipped)
}

func TestWorkerForceReprocessReplacesExecution(t *testing.T) {
	jobs := newFakeJobStore()
	jobs.jobs["bulk-1"] = runningJob("bulk-1")
	executions := &fakeExecutions{
		processed: map[string]bool{"msg-1": true},
		created: []*model.RuleExecution{{
			ID:        "exec-old",
			AccountID: "acct-1",
			MessageID: "msg-1",
			Status:    model.RuleExecutionSkipped,
			Reason:    "no rule matched",
		}},
	}
	engine := &fakeEngine{match: &rules.Match{RuleID: "rule-1", RuleName: "Newsletters"}}
	client := &batchProvider{messages: map[string]model.EmailMessage{
		"msg-1": {ID: "msg-1", ThreadID: "thread-1", From: "news@example.com", Subject: "Weekly"},
	}}
	q := &recordingEnqueuer{}
	w := newTestWorker(jobs, executions, engine, client, q)

	payload := workerPayload()
	payload.ForceReprocess = true

	// A message processed before must actually be reprocessed when forced:
	// the existing execution row is overwritten, not treated as a duplicate
	// skip, and the digest item is enqueued.
	result, err := w.Process(context.Background(), payload)
	assert.NoError(t, err)
	assert.True(t, result.Success)
	assert.False(t, result.Skipped)

	assert.Len(t, executions.created, 1)
	assert.Equal(t, "exec-old", executions.created[0].ID)
	assert.Equal(t, model.RuleExecutionApplied, executions.created[0].Status)
	assert.Equal(t, 1, q.countByName(queue.JobDigestAddItem))
	for _, call := range q.calls {
		if call.name == queue.JobDigestAddItem {
			item := call.payload.(*queue.DigestAddItemPayload)
			assert.Equal(t, "exec-old", item.ActionID)
		}
	}
	assert.Equal(t, 1, jobs.jobs["bulk-1"].MessagesProcessed)
}

func TestWorkerForceReprocessConcurrentReplaceIsSkip(t *testing.T) {
	jobs := newFakeJobStore()
	jobs.jobs["bulk-1"] = runningJob("bulk-1")
	executions := &fakeExecutions{replaceErr: store.ErrDuplicate}
	engine := &fakeEngine{match: &rules.Match{RuleID: "rule-1", RuleName: "Newsletters"}}
	client := &batchProvider{messages: map[string]model.EmailMessage{
		"msg-1": {ID: "msg-1", From: "news@example.com"},
	}}
	q := &recordingEnqueuer{}
	w := newTestWorker(jobs, executions, engine, client, q)

	payload := workerPayload()
	payload.ForceReprocess = true

	result, err := w.Process(context.Background(), payload)
	assert.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Equal(t, "already processed", result.Reason)
	assert.Equal(t, 0, q.countByName(queue.JobDigestAddItem))
}

func TestWorkerNoMatchRecordsSkippedExecution(t *testing.T) {
	jobs := newFakeJobStore()
	jobs.jobs["bulk-1"] = runningJob("bulk-1")
	executions := &fakeExecutions{}
	client := &batchProvider{messages: map[string]model.EmailMessage{
		"msg-1": {ID: "msg-1", From: "someone@example.com"},
	}}
	q := &recordingEnqueuer{}
	w := newTestWorker(jobs, executions, &fakeEngine{}, client, q)

	result, err := w.Process(context.Background(), workerPayload())
	assert.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Equal(t, "no rule matched", result.Reason)

	// The skip is still recorded so a rerun will not re-evaluate the message.
	assert.Len(t, executions.created, 1)
	assert.Equal(t, model.RuleExecutionSkipped, executions.created[0].Status)
	assert.Equal(t, 0, q.countByName(queue.JobDigestAddItem))
}

func TestWorkerTargetGoneIsRecordedSkip(t *testing.T) {
	jobs := newFakeJobStore()
	jobs.jobs["bulk-1"] = runningJob("bulk-1")
	executions := &fakeExecutions{}
	w := newTestWorker(jobs, executions, &fakeEngine{}, &batchProvider{}, &recordingEnqueuer{})

	result, err := w.Process(context.Background(), workerPayload())
	assert.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Equal(t, "target gone", result.Reason)
	assert.Len(t, executions.created, 1)
}

func TestWorkerAbortsWhenJobNotRunning(t *testing.T) {
	jobs := newFakeJobStore()
	job := runningJob("bulk-1")
	job.Status = model.BulkJobCancelled
	jobs.jobs["bulk-1"] = job
	executions := &fakeExecutions{}
	w := newTestWorker(jobs, executions, &fakeEngine{}, &batchProvider{}, &recordingEnqueuer{})

	result, err := w.Process(context.Background(), workerPayload())
	assert.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Empty(t, executions.created)
}

func TestWorkerEvaluationFailureIsFailureResult(t *testing.T) {
	jobs := newFakeJobStore()
	jobs.jobs["bulk-1"] = runningJob("bulk-1")
	client := &batchProvider{messages: map[string]model.EmailMessage{
		"msg-1": {ID: "msg-1", From: "someone@example.com"},
	}}
	engine := &fakeEngine{err: errors.New("rules unavailable")}
	w := newTestWorker(jobs, &fakeExecutions{}, engine, client, &recordingEnqueuer{})

	result, err := w.Process(context.Background(), workerPayload())
	assert.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, 1, jobs.jobs["bulk-1"].MessagesFailed)
}

func TestWorkerExecutionStoreOutageIsRetried(t *testing.T) {
	jobs := newFakeJobStore()
	jobs.jobs["bulk-1"] = runningJob("bulk-1")
	executions := &fakeExecutions{createErr: errors.New("connection reset by peer")}
	engine := &fakeEngine{match: &rules.Match{RuleID: "rule-1", RuleName: "Newsletters"}}
	client := &batchProvider{messages: map[string]model.EmailMessage{
		"msg-1": {ID: "msg-1", From: "news@example.com"},
	}}
	q := &recordingEnqueuer{}
	w := newTestWorker(jobs, executions, engine, client, q)

	// A transient storage failure must surface so the delivery retries; a
	// swallowed error here would ack the job and lose the message.
	_, err := w.Process(context.Background(), workerPayload())
	assert.Error(t, err)
	assert.Equal(t, 0, q.countByName(queue.JobDigestAddItem))

	raw := []byte(`{"jobId":"bulk-1","accountId":"acct-1","messageId":"msg-1"}`)
	err = w.Handle(context.Background(), raw)
	assert.Error(t, err)
	assert.False(t, queue.IsNonRetryable(err))
}

func TestWorkerConcurrentDuplicateIsSkip(t *testing.T) {
	jobs := newFakeJobStore()
	jobs.jobs["bulk-1"] = runningJob("bulk-1")
	executions := &fakeExecutions{createErr: store.ErrDuplicate}
	engine := &fakeEngine{match: &rules.Match{RuleID: "rule-1", RuleName: "Newsletters"}}
	client := &batchProvider{messages: map[string]model.EmailMessage{
		"msg-1": {ID: "msg-1", From: "news@example.com"},
	}}
	q := &recordingEnqueuer{}
	w := newTestWorker(jobs, executions, engine, client, q)

	// Only a unique-index rejection means another worker owns the message.
	result, err := w.Process(context.Background(), workerPayload())
	assert.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Equal(t, "already processed", result.Reason)
	assert.Equal(t, 0, q.countByName(queue.JobDigestAddItem))
	assert.Equal(t, 1, jobs.jobs["bulk-1"].MessagesSkipped)
}

func TestHandleTranslatesFailureResultIntoError(t *testing.T) {
	jobs := newFakeJobStore()
	jobs.jobs["bulk-1"] = runningJob("bulk-1")
	client := &batchProvider{messages: map[string]model.EmailMessage{
		"msg-1": {ID: "msg-1", From: "someone@example.com"},
	}}
	engine := &fakeEngine{err: errors.New("rules unavailable")}
	w := newTestWorker(jobs, &fakeExecutions{}, engine, client, &recordingEnqueuer{})

	raw := []byte(`{"jobId":"bulk-1","accountId":"acct-1","messageId":"msg-1"}`)
	err := w.Handle(context.Background(), raw)
	assert.Error(t, err)
}

func TestHandleRejectsMalformedPayload(t *testing.T) {
	w := newTestWorker(newFakeJobStore(), &fakeExecutions{}, &fakeEngine{}, &batchProvider{}, &recordingEnqueuer{})

	err := w.Handle(context.Background(), []byte(`{"jobId":""}`))
	assert.Error(t, err)
	assert.True(t, queue.IsNonRetryable(err))
}

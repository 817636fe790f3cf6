package bulk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"inbox-autopilot-go/internal/config"
	"inbox-autopilot-go/internal/model"
	"inbox-autopilot-go/internal/provider"
	"inbox-autopilot-go/internal/queue"
	"inbox-autopilot-go/internal/store"
)

type fakeJobStore struct {
	jobs map[string]*model.BulkJob
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{jobs: make(map[string]*model.BulkJob)}
}

func (f *fakeJobStore) CreateJob(ctx context.Context, job *model.BulkJob) error {
	cp := *job
	f.jobs[job.ID] = &cp
	return nil
}

func (f *fakeJobStore) GetJob(ctx context.Context, id string) (*model.BulkJob, error) {
	j, ok := f.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (f *fakeJobStore) IncrementCounters(ctx context.Context, id string, d store.CounterDeltas) error {
	j := f.jobs[id]
	j.PagesFetched += d.PagesFetched
	j.MessagesFound += d.MessagesFound
	j.MessagesQueued += d.MessagesQueued
	j.MessagesProcessed += d.MessagesProcessed
	j.MessagesSkipped += d.MessagesSkipped
	j.MessagesFailed += d.MessagesFailed
	return nil
}

func (f *fakeJobStore) MarkFetchComplete(ctx context.Context, id string) error {
	f.jobs[id].FetchComplete = true
	f.jobs[id].Status = model.BulkJobCompleted
	return nil
}

type fakeAccountStore struct{}

func (fakeAccountStore) GetAccount(ctx context.Context, id string) (*model.EmailAccount, error) {
	return &model.EmailAccount{ID: id, Email: "user@example.com", Provider: model.ProviderGmail}, nil
}

type fakeExecutions struct {
	processed  map[string]bool
	created    []*model.RuleExecution
	hasErr     error
	createErr  error
	replaceErr error
}

func (f *fakeExecutions) HasExecution(ctx context.Context, accountID, messageID string) (bool, error) {
	if f.hasErr != nil {
		return false, f.hasErr
	}
	return f.processed[messageID], nil
}

func (f *fakeExecutions) CreateExecution(ctx context.Context, execution *model.RuleExecution) error {
	if f.createErr != nil {
		return f.createErr
	}
	cp := *execution
	f.created = append(f.created, &cp)
	return nil
}

// ReplaceExecution mirrors the store's force-reprocess semantics: an existing
// (account, message) row is overwritten in place keeping its id.
func (f *fakeExecutions) ReplaceExecution(ctx context.Context, execution *model.RuleExecution) (string, error) {
	if f.replaceErr != nil {
		return "", f.replaceErr
	}
	for _, prior := range f.created {
		if prior.AccountID == execution.AccountID && prior.MessageID == execution.MessageID {
			id := prior.ID
			*prior = *execution
			prior.ID = id
			return id, nil
		}
	}
	cp := *execution
	f.created = append(f.created, &cp)
	return cp.ID, nil
}

// pagedProvider serves a fixed sequence of pages keyed by page token.
type pagedProvider struct {
	pages      map[string]*provider.Page
	fetchCalls int
}

func (p *pagedProvider) FetchMessages(ctx context.Context, filter provider.Filter, pageToken string) (*provider.Page, error) {
	p.fetchCalls++
	page, ok := p.pages[pageToken]
	if !ok {
		return nil, fmt.Errorf("unknown page token %q", pageToken)
	}
	return page, nil
}

func (p *pagedProvider) GetMessagesBatch(ctx context.Context, ids []string) ([]model.EmailMessage, error) {
	return nil, nil
}

func (p *pagedProvider) SendEmail(ctx context.Context, msg provider.OutgoingMessage) (string, error) {
	return "", provider.ErrUnsupported
}

func (p *pagedProvider) CreateDraft(ctx context.Context, msg provider.OutgoingMessage) (string, error) {
	return "", provider.ErrUnsupported
}

func (p *pagedProvider) ModifyLabels(ctx context.Context, messageID string, add, remove []string) error {
	return nil
}

func (p *pagedProvider) MessageExists(ctx context.Context, messageID string) (bool, error) {
	return true, nil
}

func (p *pagedProvider) Close() error { return nil }

type fakeFactory struct {
	client provider.EmailProvider
}

func (f *fakeFactory) ClientFor(ctx context.Context, account *model.EmailAccount) (provider.EmailProvider, error) {
	return f.client, nil
}

type recordingEnqueuer struct {
	calls []struct {
		name    string
		payload any
		opts    queue.Options
	}
}

func (r *recordingEnqueuer) Enqueue(ctx context.Context, name string, payload any, opts queue.Options) (string, error) {
	r.calls = append(r.calls, struct {
		name    string
		payload any
		opts    queue.Options
	}{name, payload, opts})
	return fmt.Sprintf("job-%d", len(r.calls)), nil
}

func (r *recordingEnqueuer) Cancel(ctx context.Context, jobID string) (bool, error) {
	return false, nil
}

func (r *recordingEnqueuer) countByName(name string) int {
	n := 0
	for _, c := range r.calls {
		if c.name == name {
			n++
		}
	}
	return n
}

// popFetch removes and returns the next queued fetch payload, marshaled the
// way the dispatcher would hand it to the handler.
func (r *recordingEnqueuer) popFetch(t *testing.T) ([]byte, bool) {
	for i, c := range r.calls {
		if c.name == queue.JobBulkFetchPage {
			raw, err := json.Marshal(c.payload)
			assert.NoError(t, err)
			r.calls = append(r.calls[:i], r.calls[i+1:]...)
			return raw, true
		}
	}
	return nil, false
}

func messagesNamed(prefix string, n int) []model.EmailMessage {
	out := make([]model.EmailMessage, n)
	for i := range out {
		out[i] = model.EmailMessage{ID: fmt.Sprintf("%s-%d", prefix, i), ThreadID: "t"}
	}
	return out
}

func testBulkConfig() *config.BulkConfig {
	return &config.BulkConfig{PageSize: 25, WorkerConcurrency: 3}
}

func newTestFetcher(jobs *fakeJobStore, executions *fakeExecutions, client provider.EmailProvider, q queue.Enqueuer) *Fetcher {
	return NewFetcher(jobs, fakeAccountStore{}, executions, &fakeFactory{client: client}, q, testBulkConfig(), nil)
}

func TestFetcherPaginatesUntilTokenExhausted(t *testing.T) {
	jobs := newFakeJobStore()
	executions := &fakeExecutions{}
	client := &pagedProvider{pages: map[string]*provider.Page{
		"":   {Messages: messagesNamed("p0", 25), NextPageToken: "t1"},
		"t1": {Messages: messagesNamed("p1", 25), NextPageToken: "t2"},
		"t2": {Messages: messagesNamed("p2", 10)},
	}}
	q := &recordingEnqueuer{}
	f := newTestFetcher(jobs, executions, client, q)

	job, err := f.Start(context.Background(), StartRequest{
		AccountID: "acct-1",
		StartDate: time.Now().Add(-30 * 24 * time.Hour),
	})
	assert.NoError(t, err)

	// Drain the fetch chain the way the dispatcher would.
	for {
		raw, ok := q.popFetch(t)
		if !ok {
			break
		}
		assert.NoError(t, f.Handle(context.Background(), raw))
	}

	assert.Equal(t, 3, client.fetchCalls)
	assert.Equal(t, 60, q.countByName(queue.JobBulkProcessMessage))

	final, _ := jobs.GetJob(context.Background(), job.ID)
	assert.True(t, final.FetchComplete)
	assert.Equal(t, model.BulkJobCompleted, final.Status)
	assert.Equal(t, 3, final.PagesFetched)
	assert.Equal(t, 60, final.MessagesFound)
	assert.Equal(t, 60, final.MessagesQueued)
}

func TestFetcherSkipsAlreadyProcessedMessages(t *testing.T) {
	jobs := newFakeJobStore()
	executions := &fakeExecutions{processed: map[string]bool{"p0-0": true, "p0-1": true}}
	client := &pagedProvider{pages: map[string]*provider.Page{
		"": {Messages: messagesNamed("p0", 5)},
	}}
	q := &recordingEnqueuer{}
	f := newTestFetcher(jobs, executions, client, q)

	job, err := f.Start(context.Background(), StartRequest{AccountID: "acct-1", StartDate: time.Now()})
	assert.NoError(t, err)

	raw, ok := q.popFetch(t)
	assert.True(t, ok)
	assert.NoError(t, f.Handle(context.Background(), raw))

	assert.Equal(t, 3, q.countByName(queue.JobBulkProcessMessage))
	final, _ := jobs.GetJob(context.Background(), job.ID)
	assert.Equal(t, 5, final.MessagesFound)
	assert.Equal(t, 3, final.MessagesQueued)
}

func TestFetcherDedupCheckFailureRetriesPage(t *testing.T) {
	jobs := newFakeJobStore()
	executions := &fakeExecutions{hasErr: errors.New("db down")}
	client := &pagedProvider{pages: map[string]*provider.Page{
		"": {Messages: messagesNamed("p0", 3)},
	}}
	q := &recordingEnqueuer{}
	f := newTestFetcher(jobs, executions, client, q)

	_, err := f.Start(context.Background(), StartRequest{AccountID: "acct-1", StartDate: time.Now()})
	assert.NoError(t, err)

	raw, _ := q.popFetch(t)
	// The page errors out instead of silently dropping messages whose history
	// could not be read; the queue retries it.
	err = f.Handle(context.Background(), raw)
	assert.Error(t, err)
	assert.Equal(t, 0, q.countByName(queue.JobBulkProcessMessage))
}

func TestFetcherForceReprocessIgnoresHistory(t *testing.T) {
	jobs := newFakeJobStore()
	executions := &fakeExecutions{processed: map[string]bool{"p0-0": true}}
	client := &pagedProvider{pages: map[string]*provider.Page{
		"": {Messages: messagesNamed("p0", 3)},
	}}
	q := &recordingEnqueuer{}
	f := newTestFetcher(jobs, executions, client, q)

	_, err := f.Start(context.Background(), StartRequest{
		AccountID:      "acct-1",
		StartDate:      time.Now(),
		ForceReprocess: true,
	})
	assert.NoError(t, err)

	raw, _ := q.popFetch(t)
	assert.NoError(t, f.Handle(context.Background(), raw))
	assert.Equal(t, 3, q.countByName(queue.JobBulkProcessMessage))
}

func TestFetcherAbortsWhenJobCancelled(t *testing.T) {
	jobs := newFakeJobStore()
	client := &pagedProvider{pages: map[string]*provider.Page{
		"": {Messages: messagesNamed("p0", 5)},
	}}
	q := &recordingEnqueuer{}
	f := newTestFetcher(jobs, &fakeExecutions{}, client, q)

	job, err := f.Start(context.Background(), StartRequest{AccountID: "acct-1", StartDate: time.Now()})
	assert.NoError(t, err)
	jobs.jobs[job.ID].Status = model.BulkJobCancelled

	raw, _ := q.popFetch(t)
	assert.NoError(t, f.Handle(context.Background(), raw))

	// No provider call and no fan-out once the job stops running.
	assert.Equal(t, 0, client.fetchCalls)
	assert.Equal(t, 0, q.countByName(queue.JobBulkProcessMessage))
}

func TestFetcherSerializesPagesPerAccount(t *testing.T) {
	jobs := newFakeJobStore()
	client := &pagedProvider{pages: map[string]*provider.Page{
		"": {Messages: messagesNamed("p0", 1)},
	}}
	q := &recordingEnqueuer{}
	f := newTestFetcher(jobs, &fakeExecutions{}, client, q)

	_, err := f.Start(context.Background(), StartRequest{AccountID: "acct-1", StartDate: time.Now()})
	assert.NoError(t, err)

	assert.Len(t, q.calls, 1)
	assert.Equal(t, "bulk-fetch-acct-1", q.calls[0].opts.ConcurrencyKey)
	assert.Equal(t, 1, q.calls[0].opts.ConcurrencyLimit)
}

func TestStartRequiresAccountAndStartDate(t *testing.T) {
	f := newTestFetcher(newFakeJobStore(), &fakeExecutions{}, &pagedProvider{}, &recordingEnqueuer{})

	_, err := f.Start(context.Background(), StartRequest{StartDate: time.Now()})
	assert.Error(t, err)
	_, err = f.Start(context.Background(), StartRequest{AccountID: "acct-1"})
	assert.Error(t, err)
}

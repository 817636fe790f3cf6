package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"inbox-autopilot-go/internal/model"
	"inbox-autopilot-go/internal/provider"
	"inbox-autopilot-go/internal/queue"
)

type fakeActionStore struct {
	mu      sync.Mutex
	actions map[string]*model.ScheduledAction
}

func newFakeActionStore(actions ...*model.ScheduledAction) *fakeActionStore {
	s := &fakeActionStore{actions: make(map[string]*model.ScheduledAction)}
	for _, a := range actions {
		cp := *a
		s.actions[a.ID] = &cp
	}
	return s
}

func (f *fakeActionStore) GetAction(ctx context.Context, id string) (*model.ScheduledAction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.actions[id]
	if !ok {
		return nil, errors.New("not found")
	}
	cp := *a
	return &cp, nil
}

func (f *fakeActionStore) ClaimPending(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.actions[id]
	if !ok || a.Status != model.ActionPending {
		return false, nil
	}
	a.Status = model.ActionExecuting
	return true, nil
}

func (f *fakeActionStore) ReleaseClaim(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.actions[id]; ok && a.Status == model.ActionExecuting {
		a.Status = model.ActionPending
	}
	return nil
}

func (f *fakeActionStore) CompleteAction(ctx context.Context, id, executionResultID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := f.actions[id]
	a.Status = model.ActionCompleted
	a.ExecutionResultID = executionResultID
	return nil
}

func (f *fakeActionStore) FailAction(ctx context.Context, id, errorMessage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := f.actions[id]
	a.Status = model.ActionFailed
	a.ErrorMessage = errorMessage
	return nil
}

func (f *fakeActionStore) status(id string) model.ActionStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.actions[id].Status
}

type fakeAccountStore struct{}

func (fakeAccountStore) GetAccount(ctx context.Context, id string) (*model.EmailAccount, error) {
	return &model.EmailAccount{ID: id, Email: "user@example.com", Provider: model.ProviderGmail}, nil
}

type fakeProvider struct {
	exists     bool
	sendErr    error
	modifyErr  error
	sent       []provider.OutgoingMessage
	drafted    []provider.OutgoingMessage
	labelAdds  [][]string
	labelDrops [][]string
}

func (f *fakeProvider) FetchMessages(ctx context.Context, filter provider.Filter, pageToken string) (*provider.Page, error) {
	return &provider.Page{}, nil
}

func (f *fakeProvider) GetMessagesBatch(ctx context.Context, ids []string) ([]model.EmailMessage, error) {
	return nil, nil
}

func (f *fakeProvider) SendEmail(ctx context.Context, msg provider.OutgoingMessage) (string, error) {
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sent = append(f.sent, msg)
	return "sent-1", nil
}

func (f *fakeProvider) CreateDraft(ctx context.Context, msg provider.OutgoingMessage) (string, error) {
	f.drafted = append(f.drafted, msg)
	return "draft-1", nil
}

func (f *fakeProvider) ModifyLabels(ctx context.Context, messageID string, add, remove []string) error {
	if f.modifyErr != nil {
		return f.modifyErr
	}
	f.labelAdds = append(f.labelAdds, add)
	f.labelDrops = append(f.labelDrops, remove)
	return nil
}

func (f *fakeProvider) MessageExists(ctx context.Context, messageID string) (bool, error) {
	return f.exists, nil
}

func (f *fakeProvider) Close() error { return nil }

type fakeFactory struct {
	client *fakeProvider
	err    error
}

func (f *fakeFactory) ClientFor(ctx context.Context, account *model.EmailAccount) (provider.EmailProvider, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.client, nil
}

func pendingAction(actionType model.ActionType) *model.ScheduledAction {
	return &model.ScheduledAction{
		ID:           "action-1",
		Status:       model.ActionPending,
		ActionType:   actionType,
		ScheduledFor: time.Now().Add(-time.Minute),
		MessageID:    "msg-1",
		ThreadID:     "thread-1",
		AccountID:    "acct-1",
		Subject:      "Hello",
		Body:         "<p>hi</p>",
		Recipients:   "a@example.com, b@example.com",
	}
}

func TestExecuteArchiveCompletesAction(t *testing.T) {
	store := newFakeActionStore(pendingAction(model.ActionTypeArchive))
	client := &fakeProvider{exists: true}
	e := NewExecutor(store, fakeAccountStore{}, &fakeFactory{client: client}, nil)

	result, err := e.Execute(context.Background(), "action-1")
	assert.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, model.ActionCompleted, store.status("action-1"))
	assert.Equal(t, [][]string{{"INBOX"}}, client.labelDrops)
}

func TestExecuteEarlyDeliveryReschedules(t *testing.T) {
	action := pendingAction(model.ActionTypeArchive)
	action.ScheduledFor = time.Now().Add(time.Hour)
	store := newFakeActionStore(action)
	e := NewExecutor(store, fakeAccountStore{}, &fakeFactory{client: &fakeProvider{exists: true}}, nil)

	_, err := e.Execute(context.Background(), "action-1")
	assert.Error(t, err)
	// The deferral travels through the queue, and the row is untouched.
	assert.Equal(t, model.ActionPending, store.status("action-1"))
}

func TestExecuteSkipsCancelledAction(t *testing.T) {
	action := pendingAction(model.ActionTypeArchive)
	action.Status = model.ActionCancelled
	store := newFakeActionStore(action)
	e := NewExecutor(store, fakeAccountStore{}, &fakeFactory{client: &fakeProvider{exists: true}}, nil)

	result, err := e.Execute(context.Background(), "action-1")
	assert.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Equal(t, "cancelled", result.Reason)
	assert.Equal(t, model.ActionCancelled, store.status("action-1"))
}

func TestExecuteDuplicateDeliveryRunsOnce(t *testing.T) {
	store := newFakeActionStore(pendingAction(model.ActionTypeArchive))
	client := &fakeProvider{exists: true}
	e := NewExecutor(store, fakeAccountStore{}, &fakeFactory{client: client}, nil)

	first, err := e.Execute(context.Background(), "action-1")
	assert.NoError(t, err)
	assert.True(t, first.Success)
	assert.False(t, first.Skipped)

	second, err := e.Execute(context.Background(), "action-1")
	assert.NoError(t, err)
	assert.True(t, second.Skipped)

	// The side effect happened exactly once.
	assert.Len(t, client.labelDrops, 1)
}

func TestExecuteConcurrentDeliveriesRunOnce(t *testing.T) {
	store := newFakeActionStore(pendingAction(model.ActionTypeArchive))
	client := &fakeProvider{exists: true}
	e := NewExecutor(store, fakeAccountStore{}, &fakeFactory{client: client}, nil)

	// Racing deliveries of the same action: exactly one wins the conditional
	// claim, everyone else skips.
	const deliveries = 8
	var wg sync.WaitGroup
	var successes, skips int32
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := e.Execute(context.Background(), "action-1")
			if err != nil {
				return
			}
			if result.Skipped {
				atomic.AddInt32(&skips, 1)
			} else if result.Success {
				atomic.AddInt32(&successes, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&successes))
	assert.Equal(t, int32(deliveries-1), atomic.LoadInt32(&skips))
	assert.Len(t, client.labelDrops, 1)
	assert.Equal(t, model.ActionCompleted, store.status("action-1"))
}

func TestExecuteTargetGoneCompletesWithoutSideEffect(t *testing.T) {
	store := newFakeActionStore(pendingAction(model.ActionTypeArchive))
	client := &fakeProvider{exists: false}
	e := NewExecutor(store, fakeAccountStore{}, &fakeFactory{client: client}, nil)

	result, err := e.Execute(context.Background(), "action-1")
	assert.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "target gone", result.Reason)
	assert.Equal(t, model.ActionCompleted, store.status("action-1"))
	assert.Empty(t, client.labelDrops)
}

func TestExecuteSendEmailSkipsTargetCheck(t *testing.T) {
	store := newFakeActionStore(pendingAction(model.ActionTypeSendEmail))
	client := &fakeProvider{exists: false}
	e := NewExecutor(store, fakeAccountStore{}, &fakeFactory{client: client}, nil)

	result, err := e.Execute(context.Background(), "action-1")
	assert.NoError(t, err)
	assert.True(t, result.Success)
	assert.Len(t, client.sent, 1)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, client.sent[0].To)
}

func TestExecuteReplyThreadsAndPrefixesSubject(t *testing.T) {
	store := newFakeActionStore(pendingAction(model.ActionTypeReply))
	client := &fakeProvider{exists: true}
	e := NewExecutor(store, fakeAccountStore{}, &fakeFactory{client: client}, nil)

	_, err := e.Execute(context.Background(), "action-1")
	assert.NoError(t, err)
	assert.Len(t, client.sent, 1)
	assert.Equal(t, "Re: Hello", client.sent[0].Subject)
	assert.Equal(t, "thread-1", client.sent[0].ThreadID)
}

func TestExecuteTransientFailureReleasesClaim(t *testing.T) {
	store := newFakeActionStore(pendingAction(model.ActionTypeArchive))
	client := &fakeProvider{exists: true, modifyErr: errors.New("rate limit exceeded")}
	e := NewExecutor(store, fakeAccountStore{}, &fakeFactory{client: client}, nil)

	_, err := e.Execute(context.Background(), "action-1")
	assert.Error(t, err)
	// The row is PENDING again so the retry or the sweeper can re-drive it.
	assert.Equal(t, model.ActionPending, store.status("action-1"))
}

func TestExecutePermanentFailureMarksFailed(t *testing.T) {
	store := newFakeActionStore(pendingAction(model.ActionTypeArchive))
	client := &fakeProvider{exists: true, modifyErr: errors.New("invalid label name")}
	e := NewExecutor(store, fakeAccountStore{}, &fakeFactory{client: client}, nil)

	result, err := e.Execute(context.Background(), "action-1")
	assert.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, model.ActionFailed, store.status("action-1"))
}

func TestExecuteClientFailureReleasesClaim(t *testing.T) {
	store := newFakeActionStore(pendingAction(model.ActionTypeArchive))
	e := NewExecutor(store, fakeAccountStore{}, &fakeFactory{err: errors.New("token refresh failed")}, nil)

	_, err := e.Execute(context.Background(), "action-1")
	assert.Error(t, err)
	assert.Equal(t, model.ActionPending, store.status("action-1"))
}

func TestHandleDecodesPayload(t *testing.T) {
	store := newFakeActionStore(pendingAction(model.ActionTypeArchive))
	client := &fakeProvider{exists: true}
	e := NewExecutor(store, fakeAccountStore{}, &fakeFactory{client: client}, nil)

	raw := []byte(`{"scheduledActionId":"action-1","scheduledFor":"2020-01-01T00:00:00Z"}`)
	assert.NoError(t, e.Handle(context.Background(), raw))
	assert.Equal(t, model.ActionCompleted, store.status("action-1"))
}

func TestHandleRejectsMalformedPayload(t *testing.T) {
	e := NewExecutor(newFakeActionStore(), fakeAccountStore{}, &fakeFactory{}, nil)

	err := e.Handle(context.Background(), []byte(`{"scheduledActionId":""}`))
	assert.Error(t, err)
	assert.True(t, queue.IsNonRetryable(err))
}

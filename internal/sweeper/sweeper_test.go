package sweeper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"inbox-autopilot-go/internal/config"
	"inbox-autopilot-go/internal/model"
	"inbox-autopilot-go/internal/queue"
)

type fakeActionStore struct {
	overdue []model.ScheduledAction
	listErr error
	limit   int
}

func (f *fakeActionStore) ListOverdue(ctx context.Context, before time.Time, limit int) ([]model.ScheduledAction, error) {
	f.limit = limit
	if f.listErr != nil {
		return nil, f.listErr
	}
	if len(f.overdue) > limit {
		return f.overdue[:limit], nil
	}
	return f.overdue, nil
}

type enqueueCall struct {
	name string
	opts queue.Options
}

type fakeEnqueuer struct {
	calls   []enqueueCall
	failFor map[string]bool
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, name string, payload any, opts queue.Options) (string, error) {
	if f.failFor != nil && f.failFor[opts.IdempotencyKey] {
		return "", errors.New("enqueue failed")
	}
	f.calls = append(f.calls, enqueueCall{name: name, opts: opts})
	return "job-1", nil
}

func (f *fakeEnqueuer) Cancel(ctx context.Context, jobID string) (bool, error) {
	return false, nil
}

func (f *fakeEnqueuer) byName(name string) []enqueueCall {
	var out []enqueueCall
	for _, c := range f.calls {
		if c.name == name {
			out = append(out, c)
		}
	}
	return out
}

func testSweeperConfig() *config.SweeperConfig {
	return &config.SweeperConfig{Interval: 5 * time.Minute, BatchSize: 100}
}

func overdueAction(id string) model.ScheduledAction {
	return model.ScheduledAction{
		ID:           id,
		Status:       model.ActionPending,
		ScheduledFor: time.Now().Add(-time.Hour),
	}
}

func TestHandleRequeuesOverdueActions(t *testing.T) {
	actions := &fakeActionStore{overdue: []model.ScheduledAction{overdueAction("a-1"), overdueAction("a-2")}}
	q := &fakeEnqueuer{}
	s := NewSweeper(actions, q, testSweeperConfig(), nil)

	assert.NoError(t, s.Handle(context.Background(), []byte(`{}`)))

	executes := q.byName(queue.JobScheduledActionExecute)
	assert.Len(t, executes, 2)
	assert.Equal(t, queue.ActionIdempotencyKey("a-1"), executes[0].opts.IdempotencyKey)
	// Overdue actions are delivered immediately, not re-delayed.
	assert.True(t, executes[0].opts.NotBefore.IsZero())
}

func TestHandleRearmsEvenWhenListFails(t *testing.T) {
	actions := &fakeActionStore{listErr: errors.New("db down")}
	q := &fakeEnqueuer{}
	s := NewSweeper(actions, q, testSweeperConfig(), nil)

	assert.Error(t, s.Handle(context.Background(), []byte(`{}`)))

	// The next cycle is still armed.
	sweeps := q.byName(queue.JobSweepOverdueActions)
	assert.Len(t, sweeps, 1)
	assert.WithinDuration(t, time.Now().Add(5*time.Minute), sweeps[0].opts.NotBefore, time.Minute)
}

func TestHandleOneFailureDoesNotAbortBatch(t *testing.T) {
	actions := &fakeActionStore{overdue: []model.ScheduledAction{overdueAction("a-1"), overdueAction("a-2")}}
	q := &fakeEnqueuer{failFor: map[string]bool{queue.ActionIdempotencyKey("a-1"): true}}
	s := NewSweeper(actions, q, testSweeperConfig(), nil)

	assert.NoError(t, s.Handle(context.Background(), []byte(`{}`)))

	executes := q.byName(queue.JobScheduledActionExecute)
	assert.Len(t, executes, 1)
	assert.Equal(t, queue.ActionIdempotencyKey("a-2"), executes[0].opts.IdempotencyKey)
}

func TestHandleUsesConfiguredBatchSize(t *testing.T) {
	actions := &fakeActionStore{}
	q := &fakeEnqueuer{}
	s := NewSweeper(actions, q, testSweeperConfig(), nil)

	assert.NoError(t, s.Handle(context.Background(), []byte(`{}`)))
	assert.Equal(t, 100, actions.limit)

	// An explicit payload batch size overrides the default.
	assert.NoError(t, s.Handle(context.Background(), []byte(`{"batchSize":7}`)))
	assert.Equal(t, 7, actions.limit)
}

func TestArmBucketsIdempotencyKeyBySlot(t *testing.T) {
	q := &fakeEnqueuer{}
	s := NewSweeper(&fakeActionStore{}, q, testSweeperConfig(), nil)

	assert.NoError(t, s.Arm(context.Background()))
	assert.Len(t, q.calls, 1)
	assert.NotEmpty(t, q.calls[0].opts.IdempotencyKey)
	assert.WithinDuration(t, time.Now().Add(5*time.Minute), q.calls[0].opts.NotBefore, time.Minute)
}

package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"inbox-autopilot-go/internal/config"
	"inbox-autopilot-go/internal/metrics"
	"inbox-autopilot-go/internal/model"
	"inbox-autopilot-go/internal/queue"
)

// sweepKeyPrefix builds the idempotency key for one sweep slot. The key is
// bucketed by target minute rather than constant: a constant key would dedup
// the re-arm against the sweep job that is currently running and the cycle
// would never continue.
const sweepKeyPrefix = "sweep-overdue-actions"

// ActionStore is the persistence surface the sweeper needs.
type ActionStore interface {
	ListOverdue(ctx context.Context, before time.Time, limit int) ([]model.ScheduledAction, error)
}

// Sweeper re-drives scheduled actions stuck past their execution time,
// typically because the original enqueue failed or the queue entry was lost.
// It is its own recurring trigger: each run re-arms the next one through the
// queue, so the cycle needs no host-level cron.
type Sweeper struct {
	actions ActionStore
	queue   queue.Enqueuer
	cfg     *config.SweeperConfig
	metrics *metrics.Metrics
}

// NewSweeper creates a Sweeper.
func NewSweeper(actions ActionStore, q queue.Enqueuer, cfg *config.SweeperConfig, m *metrics.Metrics) *Sweeper {
	return &Sweeper{actions: actions, queue: q, cfg: cfg, metrics: m}
}

// Handle is the queue handler for sweep jobs.
func (s *Sweeper) Handle(ctx context.Context, raw []byte) error {
	var payload queue.SweepPayload
	if err := queue.Decode(raw, &payload); err != nil {
		return err
	}

	// Re-arm no matter how the sweep itself went; a sweep cycle that
	// silently stops is worse than one failed run.
	defer func() {
		if err := s.Arm(ctx); err != nil {
			logrus.Errorf("Failed to re-arm sweeper: %v", err)
		}
	}()

	batchSize := payload.BatchSize
	if batchSize <= 0 {
		batchSize = s.cfg.BatchSize
	}

	overdue, err := s.actions.ListOverdue(ctx, time.Now(), batchSize)
	if err != nil {
		return fmt.Errorf("failed to list overdue actions: %w", err)
	}
	if len(overdue) == 0 {
		logrus.Debug("Sweeper found no overdue actions")
		return nil
	}

	requeued, failed := 0, 0
	for _, action := range overdue {
		payload := &queue.ScheduledActionExecutePayload{
			ScheduledActionID: action.ID,
			ScheduledFor:      action.ScheduledFor,
		}
		// No delay: the action is already overdue. The deterministic key
		// dedups against a queue entry that is still pending delivery.
		_, err := s.queue.Enqueue(ctx, queue.JobScheduledActionExecute, payload, queue.Options{
			IdempotencyKey: queue.ActionIdempotencyKey(action.ID),
		})
		if err != nil {
			// One stuck action must not abort the batch.
			logrus.Errorf("Failed to re-enqueue overdue action %s: %v", action.ID, err)
			failed++
			continue
		}
		requeued++
		if s.metrics != nil {
			s.metrics.SweeperRequeued.Inc()
		}
	}

	logrus.Infof("Sweeper re-enqueued %d overdue actions (%d failed)", requeued, failed)
	return nil
}

// Kick enqueues an immediate sweep, used at startup so actions stranded
// during downtime are recovered without waiting a full interval.
func (s *Sweeper) Kick(ctx context.Context) error {
	now := time.Now()
	_, err := s.queue.Enqueue(ctx, queue.JobSweepOverdueActions, &queue.SweepPayload{}, queue.Options{
		IdempotencyKey: fmt.Sprintf("%s-%d", sweepKeyPrefix, now.Truncate(time.Minute).Unix()),
	})
	if err != nil {
		return fmt.Errorf("failed to kick sweeper: %w", err)
	}
	return nil
}

// Arm enqueues the next sweep one interval ahead. The slot-bucketed
// idempotency key keeps a crashed-and-restarted app from stacking cycles.
func (s *Sweeper) Arm(ctx context.Context) error {
	at := time.Now().Add(s.cfg.Interval)
	_, err := s.queue.Enqueue(ctx, queue.JobSweepOverdueActions, &queue.SweepPayload{}, queue.Options{
		NotBefore:      at,
		IdempotencyKey: fmt.Sprintf("%s-%d", sweepKeyPrefix, at.Truncate(time.Minute).Unix()),
	})
	if err != nil {
		return fmt.Errorf("failed to arm sweeper: %w", err)
	}
	return nil
}

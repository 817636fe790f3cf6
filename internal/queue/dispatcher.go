package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"inbox-autopilot-go/internal/config"
	"inbox-autopilot-go/internal/metrics"
)

// retryDelays is the backoff schedule applied after a failed attempt: the
// first delivery is immediate, then +1m, then +5m.
var retryDelays = []time.Duration{time.Minute, 5 * time.Minute}

// defaultStaleLockAge bounds how long a RUNNING job may hold its lock when no
// job timeout is configured.
const defaultStaleLockAge = 15 * time.Minute

// Dispatcher polls the store for due jobs and runs registered handlers with
// bounded in-process parallelism. Delivery is at-least-once: a crash between
// running a handler and acknowledging leaves the job RUNNING until the poll
// loop's stale-lock requeue returns it to PENDING, and handlers are expected
// to be idempotent.
type Dispatcher struct {
	store    Store
	cfg      *config.QueueConfig
	metrics  *metrics.Metrics
	handlers map[string]Handler

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	sem       chan struct{}
	isRunning bool
	mu        sync.RWMutex
}

// NewDispatcher creates a dispatcher over the given store.
func NewDispatcher(store Store, cfg *config.QueueConfig, m *metrics.Metrics) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	return &Dispatcher{
		store:    store,
		cfg:      cfg,
		metrics:  m,
		handlers: make(map[string]Handler),
		ctx:      ctx,
		cancel:   cancel,
		sem:      make(chan struct{}, workers),
	}
}

// Register binds a handler to a job name. Must be called before Start.
func (d *Dispatcher) Register(name string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[name] = h
}

// Start starts the polling loop.
func (d *Dispatcher) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.isRunning {
		return fmt.Errorf("dispatcher is already running")
	}
	d.isRunning = true

	d.wg.Add(1)
	go d.loop()

	logrus.Infof("Queue dispatcher started with %d workers, poll interval %v", cap(d.sem), d.cfg.PollInterval)
	return nil
}

// Stop stops polling and waits for in-flight handlers to finish.
func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	if !d.isRunning {
		d.mu.Unlock()
		return nil
	}
	d.isRunning = false
	d.mu.Unlock()

	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logrus.Info("Queue dispatcher stopped gracefully")
	case <-time.After(30 * time.Second):
		logrus.Warn("Queue dispatcher stop timeout, forcing shutdown")
	}
	return nil
}

// IsRunning returns whether the dispatcher is running
func (d *Dispatcher) IsRunning() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.isRunning
}

func (d *Dispatcher) loop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.tick()
		}
	}
}

// Tick claims one batch of due jobs and dispatches them. Exposed so tests can
// drive delivery without waiting on the poll ticker.
func (d *Dispatcher) Tick() {
	d.tick()
	d.wg.Wait()
}

func (d *Dispatcher) tick() {
	// Break locks held by workers that died mid-job; the requeued jobs become
	// claimable again and stop pinning their idempotency keys.
	requeued, err := d.store.RequeueStaleJobs(d.ctx, time.Now().Add(-d.staleLockAge()))
	if err != nil {
		logrus.Errorf("Failed to requeue stale jobs: %v", err)
	} else if requeued > 0 {
		logrus.Warnf("Requeued %d stale jobs abandoned by a dead worker", requeued)
	}

	free := cap(d.sem) - len(d.sem)
	if free == 0 {
		return
	}

	jobs, err := d.store.ClaimDueJobs(d.ctx, time.Now(), free)
	if err != nil {
		logrus.Errorf("Failed to claim due jobs: %v", err)
		return
	}

	for _, job := range jobs {
		d.sem <- struct{}{}
		d.wg.Add(1)
		go func(job *Job) {
			defer d.wg.Done()
			defer func() { <-d.sem }()
			d.run(job)
		}(job)
	}
}

// staleLockAge is how long a RUNNING job may stay locked before the lock is
// presumed orphaned. A live handler is bounded by the job timeout, so a lock
// older than that plus a poll interval cannot belong to a running worker.
func (d *Dispatcher) staleLockAge() time.Duration {
	if d.cfg.JobTimeout > 0 {
		return d.cfg.JobTimeout + d.cfg.PollInterval
	}
	return defaultStaleLockAge
}

func (d *Dispatcher) run(job *Job) {
	d.mu.RLock()
	handler, ok := d.handlers[job.Name]
	d.mu.RUnlock()

	if !ok {
		logrus.Errorf("No handler registered for job %s (%s)", job.Name, job.ID)
		if err := d.store.MarkFailed(context.Background(), job.ID, job.Attempts, "no handler registered"); err != nil {
			logrus.Errorf("Failed to mark job %s failed: %v", job.ID, err)
		}
		return
	}

	ctx := d.ctx
	var cancel context.CancelFunc
	if d.cfg.JobTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, d.cfg.JobTimeout)
		defer cancel()
	}

	start := time.Now()
	err := handler(ctx, job.Payload)
	duration := time.Since(start)

	// Acknowledgement must not be lost to a cancelled run context.
	ackCtx := context.Background()

	switch {
	case err == nil:
		if d.metrics != nil {
			d.metrics.JobsProcessed.WithLabelValues(job.Name).Inc()
		}
		if mErr := d.store.MarkCompleted(ackCtx, job.ID); mErr != nil {
			logrus.Errorf("Failed to mark job %s completed: %v", job.ID, mErr)
		}
		logrus.Debugf("Job %s (%s) completed in %v", job.Name, job.ID, duration)

	default:
		if at, ok := rescheduleTime(err); ok {
			if mErr := d.store.MarkRescheduled(ackCtx, job.ID, at); mErr != nil {
				logrus.Errorf("Failed to reschedule job %s: %v", job.ID, mErr)
			}
			logrus.Infof("Job %s (%s) rescheduled for %s", job.Name, job.ID, at.Format(time.RFC3339))
			return
		}

		attempts := job.Attempts + 1
		if IsNonRetryable(err) || attempts >= job.MaxAttempts {
			if d.metrics != nil {
				d.metrics.JobsFailed.WithLabelValues(job.Name).Inc()
			}
			if mErr := d.store.MarkFailed(ackCtx, job.ID, attempts, err.Error()); mErr != nil {
				logrus.Errorf("Failed to mark job %s failed: %v", job.ID, mErr)
			}
			logrus.Errorf("Job %s (%s) permanently failed after %d attempts: %v", job.Name, job.ID, attempts, err)
			return
		}

		delay := retryDelays[len(retryDelays)-1]
		if attempts-1 < len(retryDelays) {
			delay = retryDelays[attempts-1]
		}
		if d.metrics != nil {
			d.metrics.JobsRetried.WithLabelValues(job.Name).Inc()
		}
		if mErr := d.store.MarkRetry(ackCtx, job.ID, attempts, time.Now().Add(delay), err.Error()); mErr != nil {
			logrus.Errorf("Failed to mark job %s for retry: %v", job.ID, mErr)
		}
		logrus.Warnf("Job %s (%s) failed (attempt %d/%d), retrying in %v: %v",
			job.Name, job.ID, attempts, job.MaxAttempts, delay, err)
	}
}

package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"inbox-autopilot-go/internal/bulk"
	"inbox-autopilot-go/internal/config"
	"inbox-autopilot-go/internal/database"
	"inbox-autopilot-go/internal/digest"
	"inbox-autopilot-go/internal/executor"
	"inbox-autopilot-go/internal/handlers"
	"inbox-autopilot-go/internal/metrics"
	"inbox-autopilot-go/internal/provider"
	"inbox-autopilot-go/internal/queue"
	"inbox-autopilot-go/internal/rules"
	"inbox-autopilot-go/internal/schedule"
	"inbox-autopilot-go/internal/server"
	"inbox-autopilot-go/internal/store"
	"inbox-autopilot-go/internal/sweeper"
)

// Run initializes and starts the application
func Run() error {
	logrus.SetFormatter(&logrus.JSONFormatter{})
	logrus.SetLevel(logrus.InfoLevel)

	logrus.Info("Starting Inbox Autopilot Service")

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	dbConn, err := database.InitDatabase(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	m := metrics.NewMetrics()

	actionStore := store.NewActionStore(dbConn)
	accountStore := store.NewAccountStore(dbConn)
	bulkStore := store.NewBulkJobStore(dbConn)
	ruleStore := store.NewRuleStore(dbConn)
	digestStore := store.NewDigestStore(dbConn)

	queueStore := queue.NewGormStore(dbConn)
	q := queue.New(queueStore, cfg.Queue.MaxAttempts)
	dispatcher := queue.NewDispatcher(queueStore, &cfg.Queue, m)

	factory := provider.NewClientFactory(cfg.Gmail)
	engine := rules.NewMatcherEngine(ruleStore)

	scheduler := schedule.NewScheduler(actionStore, q, m)
	exec := executor.NewExecutor(actionStore, accountStore, factory, m)
	swp := sweeper.NewSweeper(actionStore, q, &cfg.Sweeper, m)
	fetcher := bulk.NewFetcher(bulkStore, accountStore, ruleStore, factory, q, &cfg.Bulk, m)
	worker := bulk.NewWorker(bulkStore, accountStore, ruleStore, engine, factory, q, m)
	aggregator := digest.NewAggregator(digestStore, ruleStore, accountStore,
		digest.HeadlineSummarizer{}, &cfg.Digest, m)
	sender := digest.NewSender(digestStore, accountStore, factory, &cfg.Digest, m)

	dispatcher.Register(queue.JobScheduledActionExecute, exec.Handle)
	dispatcher.Register(queue.JobSweepOverdueActions, swp.Handle)
	dispatcher.Register(queue.JobBulkFetchPage, fetcher.Handle)
	dispatcher.Register(queue.JobBulkProcessMessage, worker.Handle)
	dispatcher.Register(queue.JobDigestAddItem, aggregator.Handle)
	dispatcher.Register(queue.JobDigestSend, sender.Handle)

	if err := dispatcher.Start(); err != nil {
		return fmt.Errorf("failed to start dispatcher: %w", err)
	}

	// Recover actions stranded while the service was down, then keep the
	// sweep cycle self-arming through the queue.
	if err := swp.Kick(context.Background()); err != nil {
		logrus.Errorf("Failed to enqueue startup sweep: %v", err)
	}

	// Digest deliveries are driven by per-account schedules; the cron only
	// scans for due ones and hands them to the queue.
	scheduleCron := cron.New()
	if _, err := scheduleCron.AddFunc("@every 1m", func() {
		scanDigestSchedules(digestStore, q)
	}); err != nil {
		return fmt.Errorf("failed to register digest schedule scan: %w", err)
	}
	scheduleCron.Start()

	h := handlers.NewHandlers(dbConn, scheduler, fetcher, actionStore, bulkStore, q)
	router := server.SetupRouter(h)
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logrus.Infof("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("HTTP server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cronCtx := scheduleCron.Stop()
	<-cronCtx.Done()

	if err := dispatcher.Stop(); err != nil {
		logrus.Errorf("Failed to stop dispatcher: %v", err)
	}

	if err := srv.Shutdown(ctx); err != nil {
		logrus.Errorf("HTTP server shutdown error: %v", err)
	}

	logrus.Info("Server stopped gracefully")
	return nil
}

// scanDigestSchedules enqueues a send job for every account whose digest is
// due. The idempotency key keeps overlapping scans from stacking sends.
func scanDigestSchedules(digests *store.DigestStore, q queue.Enqueuer) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	due, err := digests.ListDueSchedules(ctx, time.Now())
	if err != nil {
		logrus.Errorf("Failed to list due digest schedules: %v", err)
		return
	}

	for _, schedule := range due {
		payload := &queue.DigestSendPayload{AccountID: schedule.AccountID}
		_, err := q.Enqueue(ctx, queue.JobDigestSend, payload, queue.Options{
			IdempotencyKey: "digest-send-" + schedule.AccountID,
		})
		if err != nil {
			logrus.Errorf("Failed to enqueue digest send for account %s: %v", schedule.AccountID, err)
		}
	}
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	JobsProcessed *prometheus.CounterVec
	JobsFailed    *prometheus.CounterVec
	JobsRetried   *prometheus.CounterVec

	ActionsScheduled prometheus.Counter
	ActionsExecuted  prometheus.Counter
	ActionsSkipped   prometheus.Counter
	ActionsFailed    prometheus.Counter
	ActionsCancelled prometheus.Counter
	SweeperRequeued  prometheus.Counter

	BulkPagesFetched  prometheus.Counter
	BulkMessagesFound prometheus.Counter
	BulkWorkerRuns    prometheus.Counter

	DigestItemsAdded prometheus.Counter
	DigestsSent      prometheus.Counter
	DigestSendErrors prometheus.Counter
}

// NewMetrics creates new Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		JobsProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "inbox_autopilot_jobs_processed_total",
			Help: "Total number of queue jobs completed, by job name",
		}, []string{"job"}),
		JobsFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "inbox_autopilot_jobs_failed_total",
			Help: "Total number of queue jobs permanently failed, by job name",
		}, []string{"job"}),
		JobsRetried: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "inbox_autopilot_jobs_retried_total",
			Help: "Total number of queue job retry attempts, by job name",
		}, []string{"job"}),
		ActionsScheduled: promauto.NewCounter(prometheus.CounterOpts{
			Name: "inbox_autopilot_actions_scheduled_total",
			Help: "Total number of scheduled actions created",
		}),
		ActionsExecuted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "inbox_autopilot_actions_executed_total",
			Help: "Total number of scheduled actions executed to completion",
		}),
		ActionsSkipped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "inbox_autopilot_actions_skipped_total",
			Help: "Total number of executor invocations skipped as no-ops",
		}),
		ActionsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "inbox_autopilot_actions_failed_total",
			Help: "Total number of scheduled actions terminally failed",
		}),
		ActionsCancelled: promauto.NewCounter(prometheus.CounterOpts{
			Name: "inbox_autopilot_actions_cancelled_total",
			Help: "Total number of scheduled actions cancelled before execution",
		}),
		SweeperRequeued: promauto.NewCounter(prometheus.CounterOpts{
			Name: "inbox_autopilot_sweeper_requeued_total",
			Help: "Total number of overdue actions re-enqueued by the sweeper",
		}),
		BulkPagesFetched: promauto.NewCounter(prometheus.CounterOpts{
			Name: "inbox_autopilot_bulk_pages_fetched_total",
			Help: "Total number of mailbox pages fetched by bulk jobs",
		}),
		BulkMessagesFound: promauto.NewCounter(prometheus.CounterOpts{
			Name: "inbox_autopilot_bulk_messages_found_total",
			Help: "Total number of messages discovered by bulk jobs",
		}),
		BulkWorkerRuns: promauto.NewCounter(prometheus.CounterOpts{
			Name: "inbox_autopilot_bulk_worker_runs_total",
			Help: "Total number of bulk worker invocations",
		}),
		DigestItemsAdded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "inbox_autopilot_digest_items_added_total",
			Help: "Total number of items added to pending digests",
		}),
		DigestsSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "inbox_autopilot_digests_sent_total",
			Help: "Total number of digest emails delivered",
		}),
		DigestSendErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "inbox_autopilot_digest_send_errors_total",
			Help: "Total number of failed digest delivery attempts",
		}),
	}
}

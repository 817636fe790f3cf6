package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"inbox-autopilot-go/internal/bulk"
	"inbox-autopilot-go/internal/queue"
	"inbox-autopilot-go/internal/schedule"
	"inbox-autopilot-go/internal/store"
)

// Handlers contains all HTTP handlers
type Handlers struct {
	db        *gorm.DB
	scheduler *schedule.Scheduler
	fetcher   *bulk.Fetcher
	actions   *store.ActionStore
	bulkJobs  *store.BulkJobStore
	queue     queue.Enqueuer
}

// NewHandlers creates new HTTP handlers
func NewHandlers(db *gorm.DB, scheduler *schedule.Scheduler, fetcher *bulk.Fetcher,
	actions *store.ActionStore, bulkJobs *store.BulkJobStore, q queue.Enqueuer) *Handlers {
	return &Handlers{
		db:        db,
		scheduler: scheduler,
		fetcher:   fetcher,
		actions:   actions,
		bulkJobs:  bulkJobs,
		queue:     q,
	}
}

// SetupRoutes sets up all HTTP routes
func (h *Handlers) SetupRoutes(router *gin.Engine) {
	router.GET("/healthz", h.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api/v1")
	{
		api.POST("/actions", h.ScheduleAction)
		api.GET("/actions/:id", h.GetAction)
		api.DELETE("/actions/:id", h.CancelAction)

		api.POST("/bulk", h.StartBulkJob)
		api.GET("/bulk/:id", h.GetBulkJob)
		api.DELETE("/bulk/:id", h.CancelBulkJob)

		api.POST("/digests/:accountId/send", h.TriggerDigestSend)
	}
}

// HealthCheck handles health check requests
func (h *Handlers) HealthCheck(c *gin.Context) {
	response := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Database:  "ok",
	}

	if err := h.db.Raw("SELECT 1").Error; err != nil {
		response.Status = "error"
		response.Database = "error"
		logrus.Errorf("Database health check failed: %v", err)
	}

	statusCode := http.StatusOK
	if response.Status == "error" {
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, response)
}

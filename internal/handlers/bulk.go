package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"inbox-autopilot-go/internal/bulk"
	"inbox-autopilot-go/internal/store"
)

// StartBulkJob starts a historical-mailbox processing run
func (h *Handlers) StartBulkJob(c *gin.Context) {
	var req StartBulkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: "Invalid request body",
			Code:    http.StatusBadRequest,
		})
		return
	}

	job, err := h.fetcher.Start(c.Request.Context(), bulk.StartRequest{
		AccountID:      req.AccountID,
		StartDate:      req.StartDate,
		EndDate:        req.EndDate,
		OnlyUnread:     req.OnlyUnread,
		ForceReprocess: req.ForceReprocess,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "bulk_error",
			Message: "Failed to start bulk job",
			Code:    http.StatusInternalServerError,
		})
		return
	}

	c.JSON(http.StatusCreated, job)
}

// GetBulkJob returns the progress of one bulk job
func (h *Handlers) GetBulkJob(c *gin.Context) {
	job, err := h.bulkJobs.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		if err == store.ErrNotFound {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error:   "not_found",
				Message: "Bulk job not found",
				Code:    http.StatusNotFound,
			})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "database_error",
			Message: "Failed to fetch bulk job",
			Code:    http.StatusInternalServerError,
		})
		return
	}
	c.JSON(http.StatusOK, job)
}

// CancelBulkJob flags a running bulk job as cancelled
func (h *Handlers) CancelBulkJob(c *gin.Context) {
	cancelled, err := h.bulkJobs.CancelJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "cancel_error",
			Message: "Failed to cancel bulk job",
			Code:    http.StatusInternalServerError,
		})
		return
	}
	if !cancelled {
		c.JSON(http.StatusConflict, ErrorResponse{
			Error:   "not_cancellable",
			Message: "Bulk job is not running",
			Code:    http.StatusConflict,
		})
		return
	}
	c.Status(http.StatusNoContent)
}

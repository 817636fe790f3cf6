package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"inbox-autopilot-go/internal/schedule"
	"inbox-autopilot-go/internal/store"
)

// ScheduleAction creates a new scheduled action
func (h *Handlers) ScheduleAction(c *gin.Context) {
	var req ScheduleActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: "Invalid request body",
			Code:    http.StatusBadRequest,
		})
		return
	}

	action, err := h.scheduler.Schedule(c.Request.Context(), schedule.Request{
		RuleExecutionID: req.RuleExecutionID,
		AccountID:       req.AccountID,
		MessageID:       req.MessageID,
		ThreadID:        req.ThreadID,
		ActionType:      req.ActionType,
		Payload:         req.Payload,
		ScheduledFor:    req.ScheduledFor,
	})
	if err != nil {
		if errors.Is(err, schedule.ErrInvalidRequest) {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "validation_error",
				Message: err.Error(),
				Code:    http.StatusBadRequest,
			})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "schedule_error",
			Message: "Failed to schedule action",
			Code:    http.StatusInternalServerError,
		})
		return
	}

	c.JSON(http.StatusCreated, action)
}

// GetAction returns one scheduled action by ID
func (h *Handlers) GetAction(c *gin.Context) {
	action, err := h.actions.GetAction(c.Request.Context(), c.Param("id"))
	if err != nil {
		if err == store.ErrNotFound {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error:   "not_found",
				Message: "Action not found",
				Code:    http.StatusNotFound,
			})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "database_error",
			Message: "Failed to fetch action",
			Code:    http.StatusInternalServerError,
		})
		return
	}
	c.JSON(http.StatusOK, action)
}

// CancelAction cancels a pending scheduled action
func (h *Handlers) CancelAction(c *gin.Context) {
	cancelled, err := h.scheduler.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		if err == store.ErrNotFound {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error:   "not_found",
				Message: "Action not found",
				Code:    http.StatusNotFound,
			})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "cancel_error",
			Message: "Failed to cancel action",
			Code:    http.StatusInternalServerError,
		})
		return
	}
	if !cancelled {
		// The action already started or finished; cancellation is a no-op.
		c.JSON(http.StatusConflict, ErrorResponse{
			Error:   "not_cancellable",
			Message: "Action is no longer pending",
			Code:    http.StatusConflict,
		})
		return
	}
	c.Status(http.StatusNoContent)
}

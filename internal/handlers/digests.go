package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"inbox-autopilot-go/internal/queue"
)

// TriggerDigestSend enqueues an immediate digest delivery for the account.
// Delivery itself runs through the queue so it shares the retry policy of
// scheduled sends.
func (h *Handlers) TriggerDigestSend(c *gin.Context) {
	accountID := c.Param("accountId")

	// Forced triggers carry their own key: sharing the scheduled scan's key
	// would dedup onto a pending scheduled job and drop the force flag.
	payload := &queue.DigestSendPayload{AccountID: accountID, Force: true}
	jobID, err := h.queue.Enqueue(c.Request.Context(), queue.JobDigestSend, payload, queue.Options{
		IdempotencyKey: "digest-send-forced-" + accountID,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "enqueue_error",
			Message: "Failed to enqueue digest send",
			Code:    http.StatusInternalServerError,
		})
		return
	}

	c.JSON(http.StatusAccepted, TriggerDigestResponse{JobID: jobID})
}

package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"inbox-autopilot-go/internal/queue"
)

type recordingEnqueuer struct {
	calls []struct {
		name    string
		payload any
		opts    queue.Options
	}
}

func (r *recordingEnqueuer) Enqueue(ctx context.Context, name string, payload any, opts queue.Options) (string, error) {
	r.calls = append(r.calls, struct {
		name    string
		payload any
		opts    queue.Options
	}{name, payload, opts})
	return "job-1", nil
}

func (r *recordingEnqueuer) Cancel(ctx context.Context, jobID string) (bool, error) {
	return false, nil
}

func TestTriggerDigestSendUsesForcedKey(t *testing.T) {
	gin.SetMode(gin.TestMode)
	q := &recordingEnqueuer{}
	h := NewHandlers(nil, nil, nil, nil, nil, q)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Params = gin.Params{{Key: "accountId", Value: "acct-1"}}
	c.Request = httptest.NewRequest(http.MethodPost, "/api/v1/digests/acct-1/send", nil)

	h.TriggerDigestSend(c)

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Len(t, q.calls, 1)
	payload := q.calls[0].payload.(*queue.DigestSendPayload)
	assert.True(t, payload.Force)
	// The manual trigger must not share the scheduled scan's idempotency key,
	// or it dedups onto a pending scheduled send and the force flag is lost.
	assert.Equal(t, "digest-send-forced-acct-1", q.calls[0].opts.IdempotencyKey)
	assert.Equal(t, queue.JobDigestSend, q.calls[0].name)
}

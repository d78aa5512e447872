package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

type streamEnvelope struct {
	ActivityID string    `json:"activity_id"`
	Source     string    `json:"source"`
	Timestamp  time.Time `json:"timestamp"`
	Payload    any       `json:"payload,omitempty"`
}

// handleStream serves an activity's events as server-sent events. The
// subscription is registered before the response headers are flushed so a
// client that sees the 200 cannot miss a subsequent transition.
func (h *httpHandler) handleStream(c *gin.Context) {
	activityID := c.Param("id")
	if _, err := h.engine.Get(c.Request.Context(), activityID); err != nil {
		h.writeError(c, "stream", err)
		return
	}

	ctx := c.Request.Context()
	events, cancel := h.realtime.Subscribe(ctx, activityID)
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-events:
			if !ok {
				return
			}
			c.SSEvent(message.EventType, streamEnvelope{
				ActivityID: message.ActivityID,
				Source:     realtimeSourceBackend,
				Timestamp:  message.Timestamp.UTC(),
				Payload:    message.Payload,
			})
			c.Writer.Flush()
		case tick := <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, streamEnvelope{
				ActivityID: activityID,
				Source:     realtimeSourceBackend,
				Timestamp:  tick.UTC(),
			})
			c.Writer.Flush()
		}
	}
}

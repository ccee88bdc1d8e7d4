package dashboard

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/gin-gonic/gin"
)

// handleSSE streams the view model: one "view" event on connect and after
// every change, plus a periodic "heartbeat" while idle.
func (h *handlers) handleSSE(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	changes, unsubscribe := h.session.Subscribe()
	defer unsubscribe()

	initial := h.session.View()
	lastRev := initial.Revision
	writeSSE(c.Writer, "view", initial)
	c.Writer.Flush()

	ctx := c.Request.Context()
	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			writeSSE(c.Writer, "heartbeat", map[string]string{
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			})
			c.Writer.Flush()
		case <-changes:
			v := h.session.View()
			if v.Revision == lastRev {
				continue
			}
			lastRev = v.Revision
			writeSSE(c.Writer, "view", v)
			c.Writer.Flush()
		}
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}

package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/zulandar/atlasfeed/internal/models"
	"go.uber.org/zap"
)

// updateSignal is the payload the backend pushes when new intelligence exists.
const updateSignal = "update"

// errPushClosed is returned when the server ends the event stream.
var errPushClosed = errors.New("push channel closed by server")

// Subscribe holds the server-push channel open and calls onUpdate for every
// "update" signal. Connection failures are retried with exponential backoff;
// Subscribe returns only when ctx is cancelled.
func (c *Client) Subscribe(ctx context.Context, onUpdate func()) error {
	attempt := 0
	for {
		connected, err := c.subscribeOnce(ctx, onUpdate)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			attempt = 0
		}

		wait := c.backoff(attempt)
		c.logger.Warn("push channel error, reconnecting",
			zap.Error(err),
			zap.Int("attempt", attempt+1),
			zap.Duration("wait", wait))
		attempt++

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// backoff returns base * 2^attempt, capped at maxBackoff.
func (c *Client) backoff(attempt int) time.Duration {
	wait := time.Duration(math.Pow(2, float64(attempt))) * c.baseBackoff
	if wait > c.maxBackoff || wait <= 0 {
		wait = c.maxBackoff
	}
	return wait
}

// subscribeOnce runs a single connection. connected reports whether the
// server accepted the subscription before it failed.
func (c *Client) subscribeOnce(ctx context.Context, onUpdate func()) (connected bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/stream/live", nil)
	if err != nil {
		return false, fmt.Errorf("transport: push: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.http.Do(req)
	if err != nil {
		return false, &models.TransportError{Op: "push", Err: err}
	}
	if err := checkStatus("push", resp); err != nil {
		return false, err
	}
	defer resp.Body.Close()

	c.logger.Info("push channel connected")
	return true, readEvents(resp.Body, func(event, data string) {
		if data == updateSignal || event == updateSignal {
			c.logger.Debug("push update received")
			onUpdate()
		}
	})
}

// readEvents parses a text/event-stream body, dispatching each complete
// event. Comment lines (keepalives) are ignored.
func readEvents(r io.Reader, dispatch func(event, data string)) error {
	reader := bufio.NewReader(r)
	var event string
	var data []string
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return errPushClosed
			}
			return &models.TransportError{Op: "push", Err: err}
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if len(data) > 0 || event != "" {
				dispatch(event, strings.Join(data, "\n"))
			}
			event, data = "", nil
		case strings.HasPrefix(line, ":"):
			// keepalive
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(line[len("event:"):])
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimSpace(line[len("data:"):]))
		}
	}
}

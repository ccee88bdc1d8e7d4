// Package transport wraps the intelligence backend: request/response calls,
// the streamed chat response, and the server-push subscription. It owns
// retry and reconnect policy only; no feed logic lives here.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/zulandar/atlasfeed/internal/logging"
	"github.com/zulandar/atlasfeed/internal/models"
	"go.uber.org/zap"
)

// Default client settings.
const (
	DefaultTimeout     = 15 * time.Second
	DefaultBaseBackoff = time.Second
	DefaultMaxBackoff  = time.Minute
)

// maxErrorBody caps how much of an error response body is kept.
const maxErrorBody = 512

// Client talks to the intelligence backend over HTTP.
type Client struct {
	baseURL     string
	http        *http.Client
	timeout     time.Duration
	baseBackoff time.Duration
	maxBackoff  time.Duration
	logger      *zap.Logger
}

// ClientOpts holds parameters for creating a Client.
type ClientOpts struct {
	BaseURL     string
	Timeout     time.Duration // per-request timeout for non-streaming calls
	BaseBackoff time.Duration // push reconnect base delay
	MaxBackoff  time.Duration // push reconnect cap
	HTTPClient  *http.Client  // defaults to a client without a global timeout
	Logger      *zap.Logger
}

// New creates a Client.
func New(opts ClientOpts) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("transport: base url is required")
	}
	u, err := url.Parse(opts.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("transport: invalid base url %q", opts.BaseURL)
	}
	c := &Client{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		http:        opts.HTTPClient,
		timeout:     opts.Timeout,
		baseBackoff: opts.BaseBackoff,
		maxBackoff:  opts.MaxBackoff,
		logger:      logging.OrNop(opts.Logger),
	}
	// Streams stay open indefinitely, so the shared client must not carry
	// a global timeout; per-call deadlines come from contexts.
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.baseBackoff <= 0 {
		c.baseBackoff = DefaultBaseBackoff
	}
	if c.maxBackoff <= 0 {
		c.maxBackoff = DefaultMaxBackoff
	}
	if c.maxBackoff < c.baseBackoff {
		c.maxBackoff = c.baseBackoff
	}
	return c, nil
}

// Snapshot fetches the full intelligence stream. Tab filtering is always
// requested as "all" and narrowed client-side.
func (c *Client) Snapshot(ctx context.Context) (*models.Snapshot, error) {
	var ws wireSnapshot
	if err := c.getJSON(ctx, "snapshot", "/stream?filter=all", &ws); err != nil {
		return nil, err
	}
	return ws.toModel(), nil
}

// LiveMetrics fetches the market/book strip.
func (c *Client) LiveMetrics(ctx context.Context) (*models.LiveMetrics, error) {
	var wm wireLiveStrip
	if err := c.getJSON(ctx, "live metrics", "/live-strip", &wm); err != nil {
		return nil, err
	}
	return wm.toModel(), nil
}

// HeartbeatStatus fetches the backend sweep status.
func (c *Client) HeartbeatStatus(ctx context.Context) (*models.HeartbeatStatus, error) {
	var hs models.HeartbeatStatus
	if err := c.getJSON(ctx, "heartbeat status", "/heartbeat-status", &hs); err != nil {
		return nil, err
	}
	return &hs, nil
}

// ApproveDraft approves and sends a draft communication.
func (c *Client) ApproveDraft(ctx context.Context, draftID string) error {
	return c.send(ctx, "approve draft", http.MethodPost, "/drafts/"+url.PathEscape(draftID)+"/approve", nil)
}

// RejectDraft dismisses a draft communication.
func (c *Client) RejectDraft(ctx context.Context, draftID string) error {
	return c.send(ctx, "reject draft", http.MethodPost, "/drafts/"+url.PathEscape(draftID)+"/reject", nil)
}

// EditDraft replaces a draft's subject and body.
func (c *Client) EditDraft(ctx context.Context, draftID string, content models.DraftContent) error {
	return c.send(ctx, "edit draft", http.MethodPut, "/drafts/"+url.PathEscape(draftID), content)
}

// ResolveRisk marks a risk event as resolved by the adviser.
func (c *Client) ResolveRisk(ctx context.Context, eventID string) error {
	return c.send(ctx, "resolve risk", http.MethodPost, "/risk-events/"+url.PathEscape(eventID)+"/resolve", nil)
}

// Chat starts a streamed chat response. The caller owns the returned body and
// must close it; cancelling ctx aborts the stream.
func (c *Client) Chat(ctx context.Context, req models.ChatRequest) (io.ReadCloser, error) {
	if req.History == nil {
		req.History = []models.HistoryTurn{}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("transport: chat: marshal: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("transport: chat: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &models.TransportError{Op: "chat", Err: err}
	}
	if err := checkStatus("chat", resp); err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// getJSON issues a GET bounded by the client timeout and decodes the body.
func (c *Client) getJSON(ctx context.Context, op, path string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("transport: %s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return &models.TransportError{Op: op, Err: err}
	}
	if err := checkStatus(op, resp); err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &models.TransportError{Op: op, Err: fmt.Errorf("decode: %w", err)}
	}
	return nil
}

// send issues a command with an optional JSON body and discards the response.
func (c *Client) send(ctx context.Context, op, method, path string, payload any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("transport: %s: marshal: %w", op, err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("transport: %s: %w", op, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return &models.TransportError{Op: op, Err: err}
	}
	if err := checkStatus(op, resp); err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	c.logger.Debug("command sent", zap.String("op", op), zap.String("path", path))
	return nil
}

// checkStatus converts a >= 400 response into a TransportError and closes
// the body. Successful responses are left open for the caller.
func checkStatus(op string, resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(data))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &models.TransportError{Op: op, Status: resp.StatusCode, Err: errors.New(msg)}
}

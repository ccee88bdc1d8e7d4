// Package slack posts telegraph alert batches to a Slack channel through the
// Web API.
package slack

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/zulandar/atlasfeed/internal/telegraph"
)

const (
	// maxRetries bounds retries of a rate-limited post.
	maxRetries = 3
	// maxAttachments is how many alerts go into one post; larger batches
	// are split across several posts.
	maxAttachments = 20
	// footer is shown under every alert attachment.
	footer = "Atlas intelligence feed"
)

// slackClient is the part of the Slack API the adapter calls.
type slackClient interface {
	AuthTestContext(ctx context.Context) (*slackapi.AuthTestResponse, error)
	PostMessageContext(ctx context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// Adapter implements telegraph.Adapter for Slack.
type Adapter struct {
	client    slackClient
	botToken  string
	channelID string
	mention   bool
	backoff   time.Duration

	mu        sync.Mutex
	identity  string
	connected bool
	closed    bool
}

// AdapterOpts holds parameters for creating a Slack Adapter.
type AdapterOpts struct {
	BotToken          string // xoxb-... bot token
	ChannelID         string // channel used when a message names none
	MentionOnCritical bool   // prefix batches with a critical card with @here
	Client            slackClient
}

// New creates a Slack Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	return &Adapter{
		client:    opts.Client,
		botToken:  opts.BotToken,
		channelID: opts.ChannelID,
		mention:   opts.MentionOnCritical,
		backoff:   time.Second,
	}, nil
}

// Connect checks the bot token with auth.test.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch {
	case a.closed:
		return fmt.Errorf("slack: adapter already closed")
	case a.connected:
		return nil
	}
	if a.client == nil {
		a.client = slackapi.New(a.botToken)
	}

	auth, err := a.client.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack: auth test: %w", err)
	}
	a.identity = auth.User
	if auth.Team != "" {
		a.identity += "@" + auth.Team
	}
	a.connected = true
	return nil
}

// Send posts the batch. Batches above maxAttachments alerts are split; the
// first failed post aborts the rest.
func (a *Adapter) Send(ctx context.Context, msg telegraph.OutboundMessage) error {
	a.mu.Lock()
	connected := a.connected
	a.mu.Unlock()
	if !connected {
		return fmt.Errorf("slack: not connected")
	}

	channelID := msg.ChannelID
	if channelID == "" {
		channelID = a.channelID
	}
	if channelID == "" {
		return fmt.Errorf("slack: no channel specified")
	}

	parts := splitAlerts(msg.Alerts)
	for i, alerts := range parts {
		text := msg.Text
		if len(parts) > 1 {
			text = fmt.Sprintf("%s (%d/%d)", msg.Text, i+1, len(parts))
		}
		if i == 0 && a.mention && msg.Urgent {
			text = "<!here> " + text
		}
		options := messageOptions(text, alerts)
		err := a.post(ctx, func() error {
			_, _, err := a.client.PostMessageContext(ctx, channelID, options...)
			return err
		})
		if err != nil {
			return fmt.Errorf("slack: post %d/%d: %w", i+1, len(parts), err)
		}
	}
	return nil
}

// Close marks the adapter closed. The Web API holds no connection.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	a.connected = false
	return nil
}

// Identity returns "user@team" for the bot, available after Connect.
func (a *Adapter) Identity() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.identity
}

// splitAlerts cuts alerts into post-sized groups. A batch without alerts is
// one text-only post.
func splitAlerts(alerts []telegraph.FormattedAlert) [][]telegraph.FormattedAlert {
	if len(alerts) == 0 {
		return [][]telegraph.FormattedAlert{nil}
	}
	var parts [][]telegraph.FormattedAlert
	for len(alerts) > maxAttachments {
		parts = append(parts, alerts[:maxAttachments])
		alerts = alerts[maxAttachments:]
	}
	return append(parts, alerts)
}

// messageOptions builds the post. Text doubles as the notification preview.
func messageOptions(text string, alerts []telegraph.FormattedAlert) []slackapi.MsgOption {
	options := []slackapi.MsgOption{slackapi.MsgOptionText(text, false)}
	if len(alerts) == 0 {
		return options
	}
	attachments := make([]slackapi.Attachment, 0, len(alerts))
	for _, alert := range alerts {
		attachments = append(attachments, alertAttachment(alert))
	}
	return append(options, slackapi.MsgOptionAttachments(attachments...))
}

func alertAttachment(alert telegraph.FormattedAlert) slackapi.Attachment {
	att := slackapi.Attachment{
		Fallback:   alert.Title,
		Color:      alert.Color,
		Title:      alert.Title,
		Text:       alert.Body,
		Footer:     footer,
		MarkdownIn: []string{"text"},
	}
	for _, f := range alert.Fields {
		att.Fields = append(att.Fields, slackapi.AttachmentField{Title: f.Name, Value: f.Value, Short: f.Short})
	}
	return att
}

// post runs fn, waiting out rate limits up to maxRetries times.
func (a *Adapter) post(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		wait, limited := rateLimitWait(err, attempt, a.backoff)
		if !limited || attempt == maxRetries {
			return err
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// rateLimitWait reports whether err is a Slack rate limit and how long to
// wait: Retry-After when Slack sends it, else base doubled per attempt.
func rateLimitWait(err error, attempt int, base time.Duration) (time.Duration, bool) {
	var rle *slackapi.RateLimitedError
	if !errors.As(err, &rle) {
		return 0, false
	}
	if rle.RetryAfter > 0 {
		return rle.RetryAfter, true
	}
	return base << attempt, true
}

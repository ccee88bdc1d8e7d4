// Package discord posts telegraph alert batches to a Discord channel through
// the REST API. No gateway connection is opened.
package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/zulandar/atlasfeed/internal/telegraph"
)

const (
	// maxRetries bounds retries of a rate-limited send.
	maxRetries = 3
	// maxEmbeds is Discord's per-message embed limit.
	maxEmbeds = 10
	// footer is shown under every alert embed.
	footer = "Atlas intelligence feed"
)

// session is the part of *discordgo.Session the adapter calls.
type session interface {
	User(userID string, options ...discordgo.RequestOption) (*discordgo.User, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Adapter implements telegraph.Adapter for Discord.
type Adapter struct {
	sess        session
	botToken    string
	channelID   string
	mention     bool
	baseBackoff time.Duration
	maxBackoff  time.Duration

	mu        sync.Mutex
	identity  string
	connected bool
	closed    bool
}

// AdapterOpts holds parameters for creating a Discord Adapter.
type AdapterOpts struct {
	BotToken          string
	ChannelID         string // channel used when a message names none
	MentionOnCritical bool   // ping @here for batches with a critical card
	Session           session
}

// New creates a Discord Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	return &Adapter{
		sess:        opts.Session,
		botToken:    opts.BotToken,
		channelID:   opts.ChannelID,
		mention:     opts.MentionOnCritical,
		baseBackoff: 2 * time.Second,
		maxBackoff:  2 * time.Minute,
	}, nil
}

// Connect checks the token by resolving the bot's own user.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch {
	case a.closed:
		return fmt.Errorf("discord: adapter already closed")
	case a.connected:
		return nil
	}
	if a.sess == nil {
		dg, err := discordgo.New("Bot " + a.botToken)
		if err != nil {
			return fmt.Errorf("discord: create session: %w", err)
		}
		a.sess = dg
	}

	me, err := a.sess.User("@me", discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("discord: identify bot: %w", err)
	}
	a.identity = me.Username
	a.connected = true
	return nil
}

// Send posts the batch, maxEmbeds alerts per message.
func (a *Adapter) Send(ctx context.Context, msg telegraph.OutboundMessage) error {
	a.mu.Lock()
	connected := a.connected
	a.mu.Unlock()
	if !connected {
		return fmt.Errorf("discord: not connected")
	}

	channelID := msg.ChannelID
	if channelID == "" {
		channelID = a.channelID
	}
	if channelID == "" {
		return fmt.Errorf("discord: no channel specified")
	}

	batches := a.messages(msg)
	for i, data := range batches {
		err := a.send(ctx, func() error {
			_, err := a.sess.ChannelMessageSendComplex(channelID, data, discordgo.WithContext(ctx))
			return err
		})
		if err != nil {
			return fmt.Errorf("discord: send %d/%d: %w", i+1, len(batches), err)
		}
	}
	return nil
}

// Close marks the adapter closed.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	a.connected = false
	return nil
}

// Identity returns the bot's username, available after Connect.
func (a *Adapter) Identity() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.identity
}

// messages splits msg into Discord messages. Only the first carries the
// text and the optional @here ping.
func (a *Adapter) messages(msg telegraph.OutboundMessage) []*discordgo.MessageSend {
	first := &discordgo.MessageSend{
		Content:         msg.Text,
		AllowedMentions: &discordgo.MessageAllowedMentions{},
	}
	if a.mention && msg.Urgent {
		first.Content = strings.TrimSpace("@here " + msg.Text)
		first.AllowedMentions.Parse = []discordgo.AllowedMentionType{discordgo.AllowedMentionTypeEveryone}
	}

	out := []*discordgo.MessageSend{first}
	cur := first
	for _, alert := range msg.Alerts {
		if len(cur.Embeds) == maxEmbeds {
			cur = &discordgo.MessageSend{AllowedMentions: &discordgo.MessageAllowedMentions{}}
			out = append(out, cur)
		}
		cur.Embeds = append(cur.Embeds, alertEmbed(alert))
	}
	return out
}

func alertEmbed(alert telegraph.FormattedAlert) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:       alert.Title,
		Description: alert.Body,
		Color:       hexColor(alert.Color),
		Footer:      &discordgo.MessageEmbedFooter{Text: footer},
	}
	for _, f := range alert.Fields {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: f.Name, Value: f.Value, Inline: f.Short})
	}
	return embed
}

// hexColor parses "#rrggbb" (or "rrggbb"); anything unparsable is 0, which
// Discord renders as the default embed color.
func hexColor(s string) int {
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "#"), 16, 32)
	if err != nil {
		return 0
	}
	return int(v)
}

// send runs fn, waiting out 429 responses up to maxRetries times.
func (a *Adapter) send(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		wait, limited := a.rateLimitWait(err, attempt)
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

// rateLimitWait reports whether err is a 429 and how long to wait: the
// Retry-After header when present, else exponential backoff capped at
// maxBackoff.
func (a *Adapter) rateLimitWait(err error, attempt int) (time.Duration, bool) {
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) || restErr.Response == nil || restErr.Response.StatusCode != http.StatusTooManyRequests {
		return 0, false
	}
	if secs, perr := strconv.ParseFloat(restErr.Response.Header.Get("Retry-After"), 64); perr == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second)), true
	}
	wait := a.baseBackoff << attempt
	if wait > a.maxBackoff || wait <= 0 {
		wait = a.maxBackoff
	}
	return wait, true
}

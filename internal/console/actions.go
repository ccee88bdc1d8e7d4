package console

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zulandar/atlasfeed/internal/chat"
	"github.com/zulandar/atlasfeed/internal/draft"
	"github.com/zulandar/atlasfeed/internal/models"
)

// Lookup errors.
var (
	ErrCardNotFound = errors.New("card not found")
	ErrNoDetail     = errors.New("card has no detail")
)

// Filter returns the current filter.
func (c *Console) Filter() models.FilterState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.filter
}

// SetFilter replaces the whole filter.
func (c *Console) SetFilter(f models.FilterState) error {
	if err := f.Validate(); err != nil {
		return fmt.Errorf("console: %w", err)
	}
	c.mu.Lock()
	c.filter = f.Normalize()
	c.mu.Unlock()
	c.changed()
	return nil
}

// SetTab selects a category tab; "" or "all" shows every category.
func (c *Console) SetTab(tab string) {
	c.updateFilter(func(f *models.FilterState) { f.Tab = tab })
}

// SetUrgency selects the urgency filter: all, high, or critical.
func (c *Console) SetUrgency(urgency string) error {
	if err := (models.FilterState{Urgency: urgency}).Validate(); err != nil {
		return fmt.Errorf("console: %w", err)
	}
	c.updateFilter(func(f *models.FilterState) { f.Urgency = urgency })
	return nil
}

// SetSearch narrows entries by text; "" clears it.
func (c *Console) SetSearch(text string) {
	c.updateFilter(func(f *models.FilterState) { f.Search = text })
}

// updateFilter edits one field of the current filter in place. Tab and
// search accept any value, so only urgency needs validating first.
func (c *Console) updateFilter(edit func(*models.FilterState)) {
	c.mu.Lock()
	edit(&c.filter)
	c.filter = c.filter.Normalize()
	c.mu.Unlock()
	c.changed()
}

// Refresh fetches a snapshot immediately, bypassing the coalescing funnel.
func (c *Console) Refresh(ctx context.Context) error {
	return c.feed.Refresh(ctx)
}

// Approve sends a draft.
func (c *Console) Approve(ctx context.Context, draftID string) (draft.Outcome, error) {
	out, err := c.drafts.Approve(ctx, draftID)
	c.changed()
	return out, err
}

// Dismiss dismisses a draft.
func (c *Console) Dismiss(ctx context.Context, draftID string) (draft.Outcome, error) {
	out, err := c.drafts.Dismiss(ctx, draftID)
	c.changed()
	return out, err
}

// EditDraft replaces a draft's subject and body.
func (c *Console) EditDraft(ctx context.Context, draftID string, content models.DraftContent) (draft.Outcome, error) {
	out, err := c.drafts.Edit(ctx, draftID, content)
	c.changed()
	return out, err
}

// Discuss opens the refinement conversation for a draft. The draft's
// current subject and body travel with every message.
func (c *Console) Discuss(draftID string) (*chat.Session, draft.Outcome, error) {
	reqContext := map[string]any{"mode": "draft_refinement"}
	if card, entry, ok := c.feed.Card(draftID); ok {
		reqContext["client"] = firstNonEmpty(card.Subject, entry.Client)
		if d, err := c.OpenCard(draftID); err == nil {
			reqContext["subject"] = d.Subject
			reqContext["body"] = d.Body
		}
	}
	s, out, err := c.drafts.RequestDiscussion(draftID, reqContext)
	c.changed()
	return s, out, err
}

// SendDiscussion posts a message into a draft's open conversation.
func (c *Console) SendDiscussion(ctx context.Context, draftID, text string) (string, <-chan struct{}, error) {
	s, ok := c.chats.Session(draftID)
	if !ok {
		return "", nil, fmt.Errorf("console: no discussion open for %s", draftID)
	}
	turn, done, err := s.Send(c.streamContext(ctx), text)
	c.changed()
	return turn, done, err
}

// CloseDiscussion stops a draft's conversation, dropping any answer still
// streaming.
func (c *Console) CloseDiscussion(draftID string) {
	c.chats.Close(draftID)
	c.changed()
}

// Ask sends text from the main input bar. The answer streams into the feed
// as a chat echo entry.
func (c *Console) Ask(ctx context.Context, text string) (string, <-chan struct{}, error) {
	s, ok := c.chats.Session(chat.MainScope)
	if !ok {
		s = c.chats.Open(chat.MainScope, nil)
	}
	return s.Send(c.streamContext(ctx), text)
}

// OpenCard decodes a card's detail on first open and caches it until the
// card's payload changes.
func (c *Console) OpenCard(cardID string) (*models.CardDetail, error) {
	card, _, ok := c.feed.Card(cardID)
	if !ok {
		return nil, fmt.Errorf("console: open %s: %w", cardID, ErrCardNotFound)
	}
	if len(card.Detail) == 0 {
		return nil, fmt.Errorf("console: open %s: %w", cardID, ErrNoDetail)
	}
	raw := string(card.Detail)

	c.mu.Lock()
	cached, ok := c.details[cardID]
	c.mu.Unlock()
	if ok && cached.raw == raw {
		return cached.detail, nil
	}

	var d models.CardDetail
	if err := json.Unmarshal(card.Detail, &d); err != nil {
		return nil, fmt.Errorf("console: open %s: decode detail: %w", cardID, err)
	}
	c.mu.Lock()
	c.details[cardID] = cachedDetail{raw: raw, detail: &d}
	c.mu.Unlock()
	return &d, nil
}

// ResolveRisk marks a risk event resolved and schedules a refresh.
func (c *Console) ResolveRisk(ctx context.Context, eventID string) error {
	if err := c.backend.ResolveRisk(ctx, eventID); err != nil {
		return fmt.Errorf("console: resolve %s: %w", eventID, err)
	}
	c.feed.NotifyExternalUpdate()
	return nil
}

// streamContext ties chat streams to the running session rather than to
// the request that started them.
func (c *Console) streamContext(ctx context.Context) context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return c.runCtx
	}
	return ctx
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

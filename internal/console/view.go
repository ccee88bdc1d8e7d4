package console

import (
	"github.com/zulandar/atlasfeed/internal/chat"
	"github.com/zulandar/atlasfeed/internal/models"
)

// View is the render-ready model handed to the presentation layer.
type View struct {
	Revision  uint64                  `json:"revision"`
	Loaded    bool                    `json:"loaded"`
	Error     string                  `json:"error,omitempty"`
	Filter    models.FilterState      `json:"filter"`
	Tabs      []models.TabSummary     `json:"tabs"`
	Total     int                     `json:"total"`
	Visible   int                     `json:"visible"`
	Entries   []EntryView             `json:"entries"`
	Metrics   *models.LiveMetrics     `json:"metrics,omitempty"`
	Heartbeat *models.HeartbeatStatus `json:"heartbeat,omitempty"`
	Chats     []ChatView              `json:"chats,omitempty"`
}

// EntryView is a feed entry with render metadata.
type EntryView struct {
	models.FeedEntry
	Urgency models.Urgency `json:"urgency,omitempty"`
	Cards   []CardView     `json:"cards,omitempty"`
}

// CardView is an intel card with its draft lifecycle state.
type CardView struct {
	models.IntelCard
	HasDetail  bool              `json:"has_detail"`
	DraftState models.DraftState `json:"draft_state,omitempty"`
	Busy       bool              `json:"busy,omitempty"`
	Actions    []string          `json:"actions,omitempty"`
}

// ChatView is one open conversation.
type ChatView struct {
	Scope     string               `json:"scope"`
	SessionID string               `json:"session_id"`
	Streaming bool                 `json:"streaming"`
	Messages  []models.ChatMessage `json:"messages"`
}

// View builds the current view model.
func (c *Console) View() View {
	st := c.feed.State()

	c.mu.Lock()
	filter := c.filter
	metrics := c.metrics
	heartbeat := c.heartbeat
	rev := c.rev
	c.mu.Unlock()

	projected := c.projector.Project(st.Version, st.Entries, filter)

	v := View{
		Revision:  st.Version + rev,
		Loaded:    st.Loaded,
		Filter:    filter,
		Tabs:      st.Tabs,
		Total:     len(st.Entries),
		Visible:   len(projected),
		Entries:   make([]EntryView, 0, len(projected)),
		Metrics:   metrics,
		Heartbeat: heartbeat,
	}
	if st.LastErr != nil {
		v.Error = st.LastErr.Error()
	}
	for _, e := range projected {
		v.Entries = append(v.Entries, c.entryView(e))
	}
	for _, scope := range c.openScopes(st.Entries) {
		s, ok := c.chats.Session(scope)
		if !ok {
			continue
		}
		v.Chats = append(v.Chats, ChatView{
			Scope:     scope,
			SessionID: s.ID(),
			Streaming: s.Streaming(),
			Messages:  s.Messages(),
		})
	}
	return v
}

// Project returns the filtered entries without render metadata.
func (c *Console) Project() []models.FeedEntry {
	st := c.feed.State()
	c.mu.Lock()
	filter := c.filter
	c.mu.Unlock()
	return c.projector.Project(st.Version, st.Entries, filter)
}

func (c *Console) entryView(e models.FeedEntry) EntryView {
	ev := EntryView{FeedEntry: e, Urgency: e.MaxUrgency()}
	if len(e.Cards) == 0 {
		return ev
	}
	ev.Cards = make([]CardView, 0, len(e.Cards))
	for _, card := range e.Cards {
		cv := CardView{IntelCard: card, HasDetail: len(card.Detail) > 0}
		if card.IsDraft {
			cv.DraftState = c.drafts.State(card.ID)
			cv.Busy = c.drafts.Busy(card.ID)
			cv.Actions = c.drafts.Actions(card.ID)
		}
		ev.Cards = append(ev.Cards, cv)
	}
	return ev
}

// openScopes lists chat scopes worth showing: the main bar plus every
// draft in the feed.
func (c *Console) openScopes(entries []models.FeedEntry) []string {
	scopes := []string{chat.MainScope}
	for _, e := range entries {
		for _, card := range e.Cards {
			if card.IsDraft {
				scopes = append(scopes, card.ID)
			}
		}
	}
	return scopes
}

package models

import "encoding/json"

// EntryKind classifies a feed entry for rendering and filtering.
type EntryKind string

const (
	KindHeartbeat    EntryKind = "heartbeat"
	KindIntelligence EntryKind = "intelligence"
	KindChatEcho     EntryKind = "chat-echo"
)

// FeedEntry is one immutable timeline unit. Entries are never mutated in
// place; a changed entry arrives as a new value and replaces the old one by ID.
type FeedEntry struct {
	ID        string      `json:"id"`
	Kind      EntryKind   `json:"kind"`
	Category  string      `json:"category"` // action-cluster key, e.g. "market_risk"
	Timestamp string      `json:"timestamp"`
	Client    string      `json:"client,omitempty"`
	Narrative string      `json:"narrative"`
	Summary   []string    `json:"summary,omitempty"`
	Cards     []IntelCard `json:"cards,omitempty"`
}

// MaxUrgency returns the highest urgency among the entry's cards.
func (e FeedEntry) MaxUrgency() Urgency {
	max := UrgencyNone
	for _, c := range e.Cards {
		if c.Urgency.Rank() > max.Rank() {
			max = c.Urgency
		}
	}
	return max
}

// IntelCard is a decision-relevant unit attached to a feed entry.
type IntelCard struct {
	ID       string   `json:"id"`
	Category string   `json:"category"`
	Urgency  Urgency  `json:"urgency,omitempty"`
	IsDraft  bool     `json:"is_draft"`
	Subject  string   `json:"subject,omitempty"` // client name or asset
	Impact   string   `json:"impact,omitempty"`
	Chips    []string `json:"chips,omitempty"`

	// Detail is resolved lazily when the card is opened.
	Detail json.RawMessage `json:"-"`
}

// TabSummary is one action-cluster tab as reported by the backend.
type TabSummary struct {
	Key       string `json:"key"`
	Label     string `json:"label"`
	Count     int    `json:"count"`
	HighCount int    `json:"high_count"`
}

// Snapshot is a full, consistent fetch of the intelligence stream.
type Snapshot struct {
	Entries []FeedEntry  `json:"entries"`
	Tabs    []TabSummary `json:"tabs"`
}

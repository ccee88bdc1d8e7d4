package models

import "time"

// DraftState is the lifecycle state of a draft communication.
type DraftState string

const (
	DraftProposed   DraftState = "proposed"
	DraftDiscussing DraftState = "discussing"
	DraftSent       DraftState = "sent"
	DraftDismissed  DraftState = "dismissed"
)

// Terminal reports whether no further transition is permitted.
func (s DraftState) Terminal() bool {
	return s == DraftSent || s == DraftDismissed
}

// DraftContent is the editable body of a draft communication.
type DraftContent struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// DraftAction is one journaled lifecycle action applied to a draft.
type DraftAction struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	DraftID   string `gorm:"size:64;not null;index"`
	Action    string `gorm:"size:16;not null"` // approve, dismiss, edit, discuss
	FromState string `gorm:"size:16"`
	ToState   string `gorm:"size:16;not null;index"`
	Error     string `gorm:"type:text"`
	CreatedAt time.Time
}

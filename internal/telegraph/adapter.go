// Package telegraph relays urgent intelligence cards to chat platforms (Slack, Discord).
package telegraph

import "context"

// Adapter is the interface that platform-specific implementations must satisfy.
// Alerts are outbound only; nothing is read back from the platform.
type Adapter interface {
	// Connect establishes a connection to the chat platform.
	Connect(ctx context.Context) error

	// Send delivers an outbound message to the platform.
	Send(ctx context.Context, msg OutboundMessage) error

	// Close gracefully shuts down the adapter connection.
	Close() error
}

// OutboundMessage represents a message to be sent to the chat platform.
type OutboundMessage struct {
	ChannelID string           // target channel (empty uses the adapter default)
	Text      string           // message text, also the notification fallback
	Alerts    []FormattedAlert // one attachment per card
	Urgent    bool             // at least one alert is critical
}

// FormattedAlert is an intel card formatted for display in chat.
type FormattedAlert struct {
	Title   string  // e.g. "Critical: Harrington Family Office"
	Body    string  // impact line and narrative
	Urgency string  // "high" or "critical"
	Color   string  // sidebar color hint
	Fields  []Field // key-value metadata pairs
}

// Field is a key-value pair displayed in an alert attachment.
type Field struct {
	Name  string
	Value string
	Short bool // hint: render side-by-side with another field
}

package telegraph

import (
	"fmt"
	"strings"

	"github.com/zulandar/atlasfeed/internal/models"
)

// Sidebar colors per urgency.
const (
	ColorCritical = "#e53935"
	ColorHigh     = "#ff9800"
	ColorInfo     = "#2196f3"
)

// maxNarrative caps the narrative excerpt carried in an alert body.
const maxNarrative = 280

// urgencyColor maps an urgency to a sidebar color.
func urgencyColor(u models.Urgency) string {
	switch u {
	case models.UrgencyCritical:
		return ColorCritical
	case models.UrgencyHigh:
		return ColorHigh
	default:
		return ColorInfo
	}
}

// categoryLabel turns an action-cluster key into a display label.
func categoryLabel(key string) string {
	words := strings.Fields(strings.ReplaceAll(key, "_", " "))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// FormatCard formats one card together with the entry it arrived on.
func FormatCard(entry models.FeedEntry, card models.IntelCard) FormattedAlert {
	subject := card.Subject
	if subject == "" {
		subject = entry.Client
	}
	if subject == "" {
		subject = categoryLabel(card.Category)
	}

	label := "Alert"
	switch card.Urgency {
	case models.UrgencyCritical:
		label = "Critical"
	case models.UrgencyHigh:
		label = "High"
	}

	var body []string
	if card.Impact != "" {
		body = append(body, card.Impact)
	}
	if n := truncate(entry.Narrative, maxNarrative); n != "" {
		body = append(body, n)
	}

	a := FormattedAlert{
		Title:   fmt.Sprintf("%s: %s", label, subject),
		Body:    strings.Join(body, "\n"),
		Urgency: string(card.Urgency),
		Color:   urgencyColor(card.Urgency),
	}
	if card.Category != "" {
		a.Fields = append(a.Fields, Field{Name: "Category", Value: categoryLabel(card.Category), Short: true})
	}
	if card.IsDraft {
		a.Fields = append(a.Fields, Field{Name: "Draft", Value: "awaiting approval", Short: true})
	}
	if entry.Timestamp != "" {
		a.Fields = append(a.Fields, Field{Name: "Time", Value: entry.Timestamp, Short: true})
	}
	if len(card.Chips) > 0 {
		a.Fields = append(a.Fields, Field{Name: "Tags", Value: strings.Join(card.Chips, ", ")})
	}
	return a
}

// FormatBatch builds one outbound message for a batch of new cards.
func FormatBatch(alerts []Alert) OutboundMessage {
	msg := OutboundMessage{Alerts: make([]FormattedAlert, 0, len(alerts))}
	for _, a := range alerts {
		msg.Alerts = append(msg.Alerts, FormatCard(a.Entry, a.Card))
		if a.Card.Urgency == models.UrgencyCritical {
			msg.Urgent = true
		}
	}
	switch len(alerts) {
	case 0:
	case 1:
		msg.Text = msg.Alerts[0].Title
	default:
		msg.Text = fmt.Sprintf("%d new urgent items in the intelligence feed", len(alerts))
	}
	return msg
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n])) + "…"
}

package models

import "strings"

// Urgency is the decision urgency of an intel card. The zero value means unset.
type Urgency string

const (
	UrgencyNone     Urgency = ""
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// ParseUrgency normalizes a backend urgency label. Anything other than
// "high" or "critical" (e.g. "medium", "low") maps to UrgencyNone.
func ParseUrgency(s string) Urgency {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return UrgencyCritical
	case "high":
		return UrgencyHigh
	default:
		return UrgencyNone
	}
}

// Rank orders urgencies: none < high < critical.
func (u Urgency) Rank() int {
	switch u {
	case UrgencyCritical:
		return 2
	case UrgencyHigh:
		return 1
	default:
		return 0
	}
}

// Meets reports whether u is at or above threshold.
func (u Urgency) Meets(threshold Urgency) bool {
	return u.Rank() >= threshold.Rank()
}

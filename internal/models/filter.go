package models

import "fmt"

// TabAll selects every category.
const TabAll = "all"

// UrgencyFilter values accepted by FilterState.Urgency.
const (
	UrgencyFilterAll      = "all"
	UrgencyFilterHigh     = "high"
	UrgencyFilterCritical = "critical"
)

// FilterState is pure client-side view state; it is never sent to the backend.
type FilterState struct {
	Tab     string `json:"tab"`
	Urgency string `json:"urgency"`
	Search  string `json:"search,omitempty"`
}

// DefaultFilter shows everything.
func DefaultFilter() FilterState {
	return FilterState{Tab: TabAll, Urgency: UrgencyFilterAll}
}

// Normalize fills empty fields with their "all" defaults.
func (f FilterState) Normalize() FilterState {
	if f.Tab == "" {
		f.Tab = TabAll
	}
	if f.Urgency == "" {
		f.Urgency = UrgencyFilterAll
	}
	return f
}

// Threshold returns the minimum card urgency the filter requires, and false
// when no urgency filtering is active.
func (f FilterState) Threshold() (Urgency, bool) {
	switch f.Urgency {
	case UrgencyFilterHigh:
		return UrgencyHigh, true
	case UrgencyFilterCritical:
		return UrgencyCritical, true
	default:
		return UrgencyNone, false
	}
}

// Validate rejects unknown urgency filter values.
func (f FilterState) Validate() error {
	switch f.Normalize().Urgency {
	case UrgencyFilterAll, UrgencyFilterHigh, UrgencyFilterCritical:
		return nil
	default:
		return fmt.Errorf("invalid urgency filter %q (want all, high or critical)", f.Urgency)
	}
}

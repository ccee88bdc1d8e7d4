// Package view derives filtered entry lists from canonical feed state. It
// performs no I/O and never modifies its input.
package view

import (
	"strings"
	"sync"

	"github.com/zulandar/atlasfeed/internal/models"
)

// Project returns the entries that pass filter, in their canonical order.
// With no active filter the input slice itself is returned.
func Project(entries []models.FeedEntry, filter models.FilterState) []models.FeedEntry {
	filter = filter.Normalize()
	threshold, urgencyOn := filter.Threshold()
	search := strings.ToLower(strings.TrimSpace(filter.Search))

	if filter.Tab == models.TabAll && !urgencyOn && search == "" {
		return entries
	}

	out := make([]models.FeedEntry, 0, len(entries))
	for _, e := range entries {
		if filter.Tab != models.TabAll && !matchesTab(e, filter.Tab) {
			continue
		}
		if urgencyOn && !meetsUrgency(e, threshold) {
			continue
		}
		if search != "" && !matchesSearch(e, search) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func matchesTab(e models.FeedEntry, tab string) bool {
	return e.Category == tab || string(e.Kind) == tab
}

// meetsUrgency excludes heartbeats and keeps entries with at least one card
// at or above threshold.
func meetsUrgency(e models.FeedEntry, threshold models.Urgency) bool {
	if e.Kind == models.KindHeartbeat {
		return false
	}
	for _, c := range e.Cards {
		if c.Urgency != models.UrgencyNone && c.Urgency.Meets(threshold) {
			return true
		}
	}
	return false
}

// matchesSearch does a case-insensitive substring match over the entry's
// visible text. needle must already be lower-cased.
func matchesSearch(e models.FeedEntry, needle string) bool {
	if contains(e.Narrative, needle) || contains(e.Client, needle) {
		return true
	}
	for _, s := range e.Summary {
		if contains(s, needle) {
			return true
		}
	}
	for _, c := range e.Cards {
		if contains(c.Subject, needle) || contains(c.Impact, needle) {
			return true
		}
	}
	return false
}

func contains(haystack, needle string) bool {
	return haystack != "" && strings.Contains(strings.ToLower(haystack), needle)
}

// Projector memoizes Project on (state version, filter) so repeated reads of
// unchanged state return the identical slice.
type Projector struct {
	mu      sync.Mutex
	valid   bool
	version uint64
	filter  models.FilterState
	result  []models.FeedEntry
}

// Project returns the projection of entries at version under filter.
func (p *Projector) Project(version uint64, entries []models.FeedEntry, filter models.FilterState) []models.FeedEntry {
	filter = filter.Normalize()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.valid && p.version == version && p.filter == filter {
		return p.result
	}
	p.result = Project(entries, filter)
	p.version = version
	p.filter = filter
	p.valid = true
	return p.result
}

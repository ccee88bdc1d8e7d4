package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/zulandar/atlasfeed/internal/console"
	"github.com/zulandar/atlasfeed/internal/models"
)

// renderView writes the whole view: header, live strip, then entries.
func renderView(out io.Writer, v console.View) {
	fmt.Fprintf(out, "Atlas  %d of %d entries  (tab: %s, urgency: %s", v.Visible, v.Total, v.Filter.Tab, v.Filter.Urgency)
	if v.Filter.Search != "" {
		fmt.Fprintf(out, ", search: %q", v.Filter.Search)
	}
	fmt.Fprintln(out, ")")
	if line := formatTabs(v.Tabs); line != "" {
		fmt.Fprintln(out, line)
	}
	if line := formatLiveStrip(v.Metrics, v.Heartbeat); line != "" {
		fmt.Fprintln(out, line)
	}
	if v.Error != "" {
		fmt.Fprintf(out, "! refresh failed: %s\n", v.Error)
	}
	if !v.Loaded {
		fmt.Fprintln(out, "Loading...")
		return
	}
	fmt.Fprintln(out)
	if len(v.Entries) == 0 {
		fmt.Fprintln(out, "No entries match the current filter.")
		return
	}
	for _, e := range v.Entries {
		renderEntry(out, e)
	}
}

func formatTabs(tabs []models.TabSummary) string {
	parts := make([]string, 0, len(tabs))
	for _, t := range tabs {
		label := t.Label
		if label == "" {
			label = t.Key
		}
		if t.HighCount > 0 {
			parts = append(parts, fmt.Sprintf("%s %d (%d high)", label, t.Count, t.HighCount))
		} else {
			parts = append(parts, fmt.Sprintf("%s %d", label, t.Count))
		}
	}
	return strings.Join(parts, " | ")
}

func formatLiveStrip(m *models.LiveMetrics, hs *models.HeartbeatStatus) string {
	var parts []string
	if m != nil {
		if m.MarketIndex != nil {
			parts = append(parts, fmt.Sprintf("index %.2f", *m.MarketIndex))
		}
		sectors := make([]string, 0, len(m.SectorDeltas))
		for name := range m.SectorDeltas {
			sectors = append(sectors, name)
		}
		sort.Strings(sectors)
		for _, name := range sectors {
			parts = append(parts, fmt.Sprintf("%s %+.1f%%", name, m.SectorDeltas[name]))
		}
		parts = append(parts,
			fmt.Sprintf("risks %d", m.OpenRisks),
			fmt.Sprintf("clients %d", m.ClientsImpacted),
			fmt.Sprintf("meetings %d", m.MeetingsToday),
		)
	}
	if hs != nil && (hs.LastRunText != "" || hs.NextRunText != "") {
		parts = append(parts, fmt.Sprintf("heartbeat last %s, next %s", orDash(hs.LastRunText), orDash(hs.NextRunText)))
	}
	return strings.Join(parts, "  ")
}

// renderEntry writes one entry and its cards.
func renderEntry(out io.Writer, e console.EntryView) {
	head := []string{e.Timestamp, strings.ToUpper(strings.ReplaceAll(e.Category, "_", " "))}
	if e.Client != "" {
		head = append(head, e.Client)
	}
	if e.Urgency != models.UrgencyNone {
		head = append(head, "["+strings.ToUpper(string(e.Urgency))+"]")
	}
	if e.Kind == models.KindChatEcho {
		head = append(head, "(chat)")
	}
	fmt.Fprintln(out, strings.Join(nonEmpty(head), "  "))
	if e.Narrative != "" {
		fmt.Fprintf(out, "  %s\n", truncate(e.Narrative, 300))
	}
	for _, s := range e.Summary {
		fmt.Fprintf(out, "  - %s\n", truncate(s, 200))
	}
	for _, c := range e.Cards {
		fmt.Fprintf(out, "  > %s\n", formatCard(c))
	}
	fmt.Fprintln(out)
}

func formatCard(c console.CardView) string {
	parts := []string{c.ID}
	if c.Urgency != models.UrgencyNone {
		parts = append(parts, string(c.Urgency))
	}
	if c.Subject != "" {
		parts = append(parts, c.Subject)
	}
	if c.Impact != "" {
		parts = append(parts, c.Impact)
	}
	if c.IsDraft {
		state := string(c.DraftState)
		if c.Busy {
			state += ", working"
		}
		parts = append(parts, "draft ("+state+")")
		if len(c.Actions) > 0 {
			parts = append(parts, "["+strings.Join(c.Actions, " ")+"]")
		}
	}
	return strings.Join(parts, "  ")
}

// formatAction formats one journal row for `atlas journal`.
func formatAction(a models.DraftAction) string {
	line := fmt.Sprintf("%s  %-10s %-8s %s -> %s",
		a.CreatedAt.Local().Format("2006-01-02 15:04:05"), a.DraftID, a.Action, orDash(a.FromState), a.ToState)
	if a.Error != "" {
		line += "  error: " + truncate(a.Error, 120)
	}
	return line
}

// truncate shortens s to at most max runes, adding "..." when cut.
func truncate(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max <= 3 {
		return string(r[:max])
	}
	return string(r[:max-3]) + "..."
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func nonEmpty(parts []string) []string {
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

package transport

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/zulandar/atlasfeed/internal/models"
)

// wireSnapshot is the /stream response body.
type wireSnapshot struct {
	Stream []wireEntry `json:"stream"`
	Tabs   []wireTab   `json:"tabs"`
}

type wireEntry struct {
	ID        flexString `json:"id"`
	Type      string     `json:"type"`
	Timestamp string     `json:"timestamp"`
	Client    string     `json:"client"`
	Text      string     `json:"text"`
	Summary   []string   `json:"summary"`
	Cards     []wireCard `json:"cards"`
}

type wireCard struct {
	ID         flexString      `json:"id"`
	Type       string          `json:"type"`
	Urgency    flexString      `json:"urgency"`
	IsDraft    bool            `json:"isDraft"`
	Client     string          `json:"client"`
	Asset      string          `json:"asset"`
	Impact     string          `json:"impact"`
	Chips      []string        `json:"chips"`
	DrawerData json.RawMessage `json:"drawerData"`
}

type wireTab struct {
	Key       string `json:"key"`
	Label     string `json:"label"`
	Count     int    `json:"count"`
	HighCount int    `json:"highCount"`
}

// wireLiveStrip is the /live-strip response body.
type wireLiveStrip struct {
	FTSE100         *float64           `json:"ftse_100"`
	Sectors         map[string]float64 `json:"sectors"`
	ClientsImpacted int                `json:"clients_impacted"`
	OpenRisks       int                `json:"open_risks"`
	MeetingsToday   int                `json:"meetings_today"`
}

// flexString accepts a JSON string or number. Some backend ids and
// urgency values arrive as numbers.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

func (ws wireSnapshot) toModel() *models.Snapshot {
	snap := &models.Snapshot{
		Entries: make([]models.FeedEntry, 0, len(ws.Stream)),
		Tabs:    make([]models.TabSummary, 0, len(ws.Tabs)),
	}
	for _, we := range ws.Stream {
		snap.Entries = append(snap.Entries, we.toModel())
	}
	for _, t := range ws.Tabs {
		snap.Tabs = append(snap.Tabs, models.TabSummary{
			Key:       t.Key,
			Label:     t.Label,
			Count:     t.Count,
			HighCount: t.HighCount,
		})
	}
	return snap
}

func (we wireEntry) toModel() models.FeedEntry {
	e := models.FeedEntry{
		ID:        string(we.ID),
		Kind:      entryKind(we.Type),
		Category:  we.Type,
		Timestamp: we.Timestamp,
		Client:    we.Client,
		Narrative: we.Text,
		Summary:   we.Summary,
	}
	if len(we.Cards) > 0 {
		e.Cards = make([]models.IntelCard, 0, len(we.Cards))
		for _, wc := range we.Cards {
			e.Cards = append(e.Cards, wc.toModel())
		}
	}
	return e
}

func (wc wireCard) toModel() models.IntelCard {
	subject := wc.Client
	if subject == "" {
		subject = wc.Asset
	}
	card := models.IntelCard{
		ID:       string(wc.ID),
		Category: wc.Type,
		Urgency:  parseWireUrgency(string(wc.Urgency)),
		IsDraft:  wc.IsDraft || wc.Type == "draft",
		Subject:  subject,
		Impact:   wc.Impact,
		Chips:    wc.Chips,
	}
	if len(wc.DrawerData) > 0 && !bytes.Equal(wc.DrawerData, []byte("null")) {
		card.Detail = wc.DrawerData
	}
	return card
}

func (wm wireLiveStrip) toModel() *models.LiveMetrics {
	return &models.LiveMetrics{
		MarketIndex:     wm.FTSE100,
		SectorDeltas:    wm.Sectors,
		ClientsImpacted: wm.ClientsImpacted,
		OpenRisks:       wm.OpenRisks,
		MeetingsToday:   wm.MeetingsToday,
	}
}

// entryKind maps a backend message type onto an entry kind.
func entryKind(typ string) models.EntryKind {
	switch typ {
	case "heartbeat":
		return models.KindHeartbeat
	case "atlas", "chat", string(models.KindChatEcho):
		return models.KindChatEcho
	default:
		return models.KindIntelligence
	}
}

// parseWireUrgency accepts labels and the legacy 1-5 numeric scale, where
// 5 is critical and 4 is high.
func parseWireUrgency(s string) models.Urgency {
	if n, err := strconv.Atoi(s); err == nil {
		switch {
		case n >= 5:
			return models.UrgencyCritical
		case n == 4:
			return models.UrgencyHigh
		default:
			return models.UrgencyNone
		}
	}
	return models.ParseUrgency(s)
}

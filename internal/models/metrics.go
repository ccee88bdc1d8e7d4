package models

// LiveMetrics is the polled market/book strip.
type LiveMetrics struct {
	MarketIndex     *float64           `json:"market_index,omitempty"`
	SectorDeltas    map[string]float64 `json:"sector_deltas,omitempty"`
	ClientsImpacted int                `json:"clients_impacted"`
	OpenRisks       int                `json:"open_risks"`
	MeetingsToday   int                `json:"meetings_today"`
}

// HeartbeatStatus describes the backend's periodic book sweep.
type HeartbeatStatus struct {
	LastRunText string `json:"last_run_text"`
	NextRunText string `json:"next_run_text"`
}

package models

// CardDetail is the decoded drawer payload of an intel card.
type CardDetail struct {
	Title          string           `json:"title"`
	IsDraft        bool             `json:"isDraft"`
	Subject        string           `json:"subject,omitempty"`
	Body           string           `json:"body,omitempty"`
	Volatility     string           `json:"volatility,omitempty"`
	BehaviourNote  string           `json:"behaviourNote,omitempty"`
	MarketContext  string           `json:"marketContext,omitempty"`
	Trace          []string         `json:"trace,omitempty"`
	Memory         []MemoryRef      `json:"memory,omitempty"`
	Portfolio      []AllocationLine `json:"portfolio,omitempty"`
	ExposedClients []ExposedClient  `json:"exposedClients,omitempty"`
}

// MemoryRef is a past conversation referenced by a card.
type MemoryRef struct {
	Date string `json:"date"`
	Text string `json:"text"`
}

// AllocationLine is one portfolio concentration bar.
type AllocationLine struct {
	Label string  `json:"label"`
	Value float64 `json:"value"`
}

// ExposedClient names a client affected by a market interrupt.
type ExposedClient struct {
	Name string `json:"name"`
}

package models

// Role identifies the author of a chat message.
type Role string

const (
	RoleAdvisor   Role = "advisor"
	RoleAssistant Role = "assistant"
)

// ChatMessage is one message inside an open discussion. While Streaming is
// true, Content only grows and Thoughts is only appended to.
type ChatMessage struct {
	SessionID string   `json:"session_id,omitempty"`
	Role      Role     `json:"role"`
	Content   string   `json:"content"`
	Thoughts  []string `json:"thoughts,omitempty"`
	Streaming bool     `json:"streaming"`
}

// HistoryTurn is a prior exchange sent along with a chat request.
type HistoryTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the body of a chat/draft-generation call.
type ChatRequest struct {
	Message string         `json:"message"`
	History []HistoryTurn  `json:"history"`
	Context map[string]any `json:"context,omitempty"`
}

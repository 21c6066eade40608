package types

// Role distinguishes user from assistant messages.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is either a user message (text or tool-result blocks) or an
// assistant message (text/reasoning/tool-use/server-tool/citation blocks).
type Message struct {
	ID        string  `json:"id"`
	SessionID string  `json:"sessionId"`
	Role      Role    `json:"role"`
	CreatedAt int64   `json:"createdAt"`
	Content   []Block `json:"content"`

	// Assistant-only bookkeeping.
	StopReason string      `json:"stopReason,omitempty"`
	Usage      *Usage      `json:"usage,omitempty"`
	Error      *MessageErr `json:"error,omitempty"`
}

// Usage carries token accounting for an assistant final message.
type Usage struct {
	Input     int `json:"input"`
	Output    int `json:"output"`
	Reasoning int `json:"reasoning,omitempty"`
}

// MessageErr records a terminal adapter error attached to a message.
type MessageErr struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

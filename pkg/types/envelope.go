package types

// InboundEnvelope is one message arriving on the client gateway channel (§6).
type InboundEnvelope struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`

	// agent:message
	Content    string `json:"content,omitempty"`
	WorkingDir string `json:"workingDir,omitempty"`
	MaxMode    bool   `json:"maxMode,omitempty"`
	Provider   string `json:"provider,omitempty"`
	APIKey     string `json:"apiKey,omitempty"`

	// agent:tool_response
	ToolResponse *ToolResponsePayload `json:"toolResponse,omitempty"`
}

// ToolResponsePayload answers one pending tool request.
type ToolResponsePayload struct {
	ID       string `json:"id"`
	Approved bool   `json:"approved"`
}

// OutboundEnvelope is one sequenced message sent to the client (§3 I2, §6).
type OutboundEnvelope struct {
	V             int    `json:"v"`
	ID            string `json:"id"`
	CorrelationID string `json:"correlationId,omitempty"`
	SessionID     string `json:"sessionId"`
	Ts            int64  `json:"ts"`
	Seq           int64  `json:"seq"`
	Type          string `json:"type"`
	Payload       any    `json:"payload,omitempty"`
}

// StatusPayload is the agent:status envelope payload.
type StatusPayload struct {
	Phase Phase `json:"phase"`
}

// TitlePayload is the agent:title envelope payload.
type TitlePayload struct {
	Title string `json:"title"`
}

// StreamEventPayload is the agent:stream_event envelope payload: one
// normalized event from the Provider Adapter (§4.3).
type StreamEventPayload struct {
	StreamEvent NormalizedEvent `json:"streamEvent"`
}

// ToolRequestPayload is the agent:tool_request envelope payload.
type ToolRequestPayload struct {
	ToolRequest PendingToolRequest `json:"toolRequest"`
}

// ToolOutputPayload is the agent:tool_output envelope payload.
type ToolOutputPayload struct {
	ToolOutput ToolOutput `json:"toolOutput"`
	Message    string     `json:"message,omitempty"`
}

// ToolOutput is the rendered result of one executed (or rejected) tool.
type ToolOutput struct {
	ID        string         `json:"id"`
	ToolUseID string         `json:"tool_use_id"`
	Name      string         `json:"name"`
	Output    string         `json:"output"`
	IsError   bool           `json:"isError"`
	Input     map[string]any `json:"input"`
}

// StreamCompletePayload is the agent:stream_complete envelope payload.
type StreamCompletePayload struct {
	FinalMessage Message `json:"finalMessage"`
}

// ErrorPayload is the agent:error envelope payload.
type ErrorPayload struct {
	Error ErrorInfo `json:"error"`
}

// ErrorInfo names one of the §7 error kinds.
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

package types

// StopReason is the terminal reason a provider stream ended (§4.3).
type StopReason string

const (
	StopEndTurn      StopReason = "end_turn"
	StopMaxTokens    StopReason = "max_tokens"
	StopStopSequence StopReason = "stop_sequence"
	StopToolUse      StopReason = "tool_use"
	StopPauseTurn    StopReason = "pause_turn"
	StopAborted      StopReason = "aborted"
	StopError        StopReason = "error"
)

// NormalizedEventType enumerates the engine-internal event vocabulary
// emitted by both Provider Adapter flavors (§4.3).
type NormalizedEventType string

const (
	EventMessageStart   NormalizedEventType = "message_start"
	EventReasoningDelta NormalizedEventType = "reasoning_delta"
	EventReasoningEnd   NormalizedEventType = "reasoning_end"
	EventTextDelta      NormalizedEventType = "text_delta"
	EventTextEnd        NormalizedEventType = "text_end"
	EventToolUse        NormalizedEventType = "tool_use"
	EventUsage          NormalizedEventType = "usage"
	EventStop           NormalizedEventType = "stop"
)

// NormalizedEvent is the only vocabulary downstream components (Turn
// Engine, Client Gateway) ever see; adapters translate provider-native
// events into this shape.
type NormalizedEvent struct {
	Type NormalizedEventType `json:"type"`

	// message_start
	MessageID string `json:"id,omitempty"`

	// reasoning_delta / text_delta
	Text string `json:"text,omitempty"`

	// reasoning_end
	ReasoningSignature string `json:"signature,omitempty"`

	// tool_use
	ToolUseID          string         `json:"toolUseId,omitempty"`
	ToolName           string         `json:"name,omitempty"`
	ToolInput          map[string]any `json:"input,omitempty"`
	ToolDescription    string         `json:"description,omitempty"`
	ContinuationHandle string         `json:"continuationHandle,omitempty"`

	// usage
	InputTokens     int `json:"input,omitempty"`
	OutputTokens    int `json:"output,omitempty"`
	ReasoningTokens int `json:"reasoning,omitempty"`

	// stop
	Reason StopReason  `json:"reason,omitempty"`
	Err    *ErrorInfo  `json:"error,omitempty"`
}

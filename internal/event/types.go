package event

import "github.com/agentd/agentd/pkg/types"

const (
	SessionCreated EventType = "session.created"
	SessionUpdated EventType = "session.updated"
	SessionDeleted EventType = "session.deleted"
	PhaseChanged   EventType = "phase.changed"
	TitleChanged   EventType = "title.changed"
	StreamEvent    EventType = "stream.event"
	ToolRequested  EventType = "tool.requested"
	ToolOutput     EventType = "tool.output"
	StreamComplete EventType = "stream.complete"
	WorkPlanEvent  EventType = "workplan.updated"
	PushDispatched EventType = "push.dispatched"
	ErrorEvent     EventType = "error"
)

// SessionCreatedData/SessionUpdatedData carry the full session snapshot
// so the Client Gateway can render without a round-trip read.
type SessionCreatedData struct {
	Info *types.Session `json:"info"`
}

type SessionUpdatedData struct {
	Info *types.Session `json:"info"`
}

type SessionDeletedData struct {
	SessionID string `json:"sessionId"`
}

// PhaseChangedData is published on every Turn Engine phase transition
// (§4.6); the Client Gateway wraps it as an agent:status envelope.
type PhaseChangedData struct {
	SessionID string      `json:"sessionId"`
	Phase     types.Phase `json:"phase"`
}

// StreamEventData carries one normalized provider event (§4.3) destined
// for the owning connection's agent:stream_event envelope.
type StreamEventData struct {
	SessionID string                `json:"sessionId"`
	Event     types.NormalizedEvent `json:"event"`
}

// ToolOutputData carries one executed (or rejected) tool's rendered
// result, destined for the agent:tool_output envelope.
type ToolOutputData struct {
	SessionID string            `json:"sessionId"`
	Output    types.ToolOutput  `json:"output"`
	Message   string            `json:"message,omitempty"`
}

// TitleChangedData is published once a session's title is derived or
// renamed (§4.8), destined for the agent:title envelope.
type TitleChangedData struct {
	SessionID string `json:"sessionId"`
	Title     string `json:"title"`
}

// ToolRequestedData is published when the engine enqueues a pending
// tool request awaiting approval (§4.6 step 5), destined for the
// agent:tool_request envelope.
type ToolRequestedData struct {
	SessionID   string                    `json:"sessionId"`
	ToolRequest types.PendingToolRequest  `json:"toolRequest"`
}

// StreamCompleteData carries a turn's final assistant message (real or
// synthesized on cancel/abort), destined for the agent:stream_complete
// envelope (§4.6).
type StreamCompleteData struct {
	SessionID    string        `json:"sessionId"`
	FinalMessage types.Message `json:"finalMessage"`
}

// WorkPlanEventData is published on create/complete/revise (§4.7).
type WorkPlanEventData struct {
	SessionID string         `json:"sessionId"`
	Plan      *types.WorkPlan `json:"plan"`
}

// PushDispatchedData records a push-notification send attempt for
// observability; failures are logged, never surfaced as engine errors.
type PushDispatchedData struct {
	SessionID string `json:"sessionId"`
	Kind      string `json:"kind"`
	Err       string `json:"error,omitempty"`
}

// ErrorEventData is published whenever the engine surfaces one of the
// §7 error kinds to the client, destined for the agent:error envelope.
type ErrorEventData struct {
	SessionID string          `json:"sessionId"`
	Error     types.ErrorInfo `json:"error"`
}

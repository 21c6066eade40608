// Package types holds the wire- and disk-shape data model shared across
// the session store, turn engine, and client gateway.
package types

// Mode toggles whether tool execution requires per-call user approval.
type Mode string

const (
	ModeInteractive Mode = "interactive"
	ModeAuto        Mode = "auto"
)

// Phase is one of the Turn Engine state-machine states.
type Phase string

const (
	PhaseCreated      Phase = "created"
	PhaseStarting     Phase = "starting"
	PhaseReady        Phase = "ready"
	PhaseStreaming    Phase = "streaming"
	PhaseReasoning    Phase = "reasoning"
	PhaseAwaitingTool Phase = "awaiting_tool"
	PhaseToolRunning  Phase = "tool_running"
	PhaseContinuing   Phase = "continuing"
	PhasePaused       Phase = "paused"
	PhaseCompleted    Phase = "completed"
	PhaseError        Phase = "error"
	PhaseStopped      Phase = "stopped"
)

// ProjectContext is loaded once per session and cached verbatim.
type ProjectContext struct {
	Source  string `json:"source"`
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Session is the authoritative record of one conversation.
type Session struct {
	ID                 string          `json:"id"`
	WorkingDir         string          `json:"workingDir"`
	Mode               Mode            `json:"mode"`
	Phase              Phase           `json:"phase"`
	Title              string          `json:"title"`
	Provider           string          `json:"provider,omitempty"`
	CreatedAt          int64           `json:"createdAt"`
	LastActivity       int64           `json:"lastActivity"`
	Conversation       []Message       `json:"conversation"`
	WorkPlan           *WorkPlan       `json:"workPlan,omitempty"`
	ProjectContext     *ProjectContext `json:"projectContext,omitempty"`
	LastSeq            int64           `json:"lastSeq"`
	PreviousResponseID string          `json:"previousResponseId,omitempty"`
	InitiatorDeviceID  string          `json:"initiatorDeviceId,omitempty"`
	PendingTools       []PendingToolRequest `json:"pendingTools,omitempty"`
}

// SessionIndexItem is the lightweight per-session row kept in index.json.
type SessionIndexItem struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	WorkingDir   string `json:"workingDir"`
	Phase        Phase  `json:"phase"`
	CreatedAt    int64  `json:"createdAt"`
	LastActivity int64  `json:"lastActivity"`
}

// Snapshot is the durable, disk-shape projection of a Session (§6 layout).
type Snapshot struct {
	ID                 string          `json:"id"`
	Title              string          `json:"title"`
	CreatedAt           string          `json:"createdAt"`
	LastActivity        string          `json:"lastActivity"`
	MessageCount        int             `json:"messageCount"`
	WorkingDir          string          `json:"workingDir"`
	MaxMode             bool            `json:"maxMode"`
	Phase               Phase           `json:"phase"`
	Provider            string          `json:"provider,omitempty"`
	PendingTools        []PendingToolRequest `json:"pendingTools"`
	InitiatorDeviceID   string          `json:"initiatorDeviceId,omitempty"`
	PreviousResponseID  string          `json:"previousResponseId,omitempty"`
	WorkPlan            *WorkPlan       `json:"workPlan,omitempty"`
	Conversation        ConversationBox `json:"conversation"`
	StreamingState      string          `json:"streamingState,omitempty"`
	LastSeq             int64           `json:"lastSeq"`
}

// ConversationBox wraps the message slice to match the §6 snapshot schema
// ({"conversation": {"messages": [...]}} rather than a bare array).
type ConversationBox struct {
	Messages []Message `json:"messages"`
}

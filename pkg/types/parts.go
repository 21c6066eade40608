package types

// BlockType enumerates the content-block kinds carried inside a Message.
type BlockType string

const (
	BlockText             BlockType = "text"
	BlockReasoning        BlockType = "reasoning"
	BlockToolUse          BlockType = "tool_use"
	BlockToolResult       BlockType = "tool_result"
	BlockServerToolUse    BlockType = "server_tool_use"
	BlockServerToolResult BlockType = "server_tool_result"
	BlockCitation         BlockType = "citation"
)

// Block is a typed sub-element of a message's content list. Only the
// fields relevant to Type are populated; the rest are zero values.
type Block struct {
	Type BlockType `json:"type"`

	// text / reasoning
	Text      string `json:"text,omitempty"`
	Signature string `json:"signature,omitempty"`

	// tool_use / server_tool_use
	ID          string         `json:"id,omitempty"`
	Name        string         `json:"name,omitempty"`
	Input       map[string]any `json:"input,omitempty"`
	Description string         `json:"description,omitempty"`

	// tool_result / server_tool_result
	ToolUseID string `json:"toolUseId,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"isError,omitempty"`

	// citation
	Source string `json:"source,omitempty"`
}

// PendingToolRequest is an Approval Ledger entry for one tool-use id
// within a single assistant turn (§3, §4.4).
type PendingToolRequest struct {
	ID                 string         `json:"id"`
	Name               string         `json:"name"`
	Input              map[string]any `json:"input"`
	Description        string         `json:"description,omitempty"`
	ContinuationHandle string         `json:"continuationHandle,omitempty"`
	Decision           Decision       `json:"decision"`
}

// Decision is the approval state of a PendingToolRequest.
type Decision string

const (
	DecisionUndecided Decision = "undecided"
	DecisionApproved  Decision = "approved"
	DecisionRejected  Decision = "rejected"
)

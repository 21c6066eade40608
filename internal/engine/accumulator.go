package engine

import (
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/agentd/agentd/pkg/types"
)

// accumulator assembles one assistant turn's content blocks from the
// normalized event stream (§4.3), so both the natural stop-handling
// path and a concurrent Cancel can produce the same shape of final
// message. It is safe for concurrent use: the forwarding loop calls
// handle while Cancel may call finalize from another goroutine.
type accumulator struct {
	mu sync.Mutex

	messageID string
	blocks    []types.Block

	textOpen bool
	textBuf  strings.Builder

	reasoningOpen bool
	reasoningBuf  strings.Builder
	reasoningSig  string

	usage types.Usage
}

func newAccumulator() *accumulator {
	return &accumulator{}
}

// handle folds one normalized event into the accumulating message.
func (a *accumulator) handle(ev types.NormalizedEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch ev.Type {
	case types.EventMessageStart:
		a.messageID = ev.MessageID
	case types.EventTextDelta:
		a.textOpen = true
		a.textBuf.WriteString(ev.Text)
	case types.EventTextEnd:
		a.closeText()
	case types.EventReasoningDelta:
		a.reasoningOpen = true
		a.reasoningBuf.WriteString(ev.Text)
	case types.EventReasoningEnd:
		a.reasoningSig = ev.ReasoningSignature
		a.closeReasoning()
	case types.EventToolUse:
		a.closeText()
		a.closeReasoning()
		a.blocks = append(a.blocks, types.Block{
			Type:        types.BlockToolUse,
			ID:          ev.ToolUseID,
			Name:        ev.ToolName,
			Input:       ev.ToolInput,
			Description: ev.ToolDescription,
		})
	case types.EventUsage:
		a.usage = types.Usage{Input: ev.InputTokens, Output: ev.OutputTokens, Reasoning: ev.ReasoningTokens}
	}
}

func (a *accumulator) closeText() {
	if !a.textOpen {
		return
	}
	a.blocks = append(a.blocks, types.Block{Type: types.BlockText, Text: a.textBuf.String()})
	a.textBuf.Reset()
	a.textOpen = false
}

func (a *accumulator) closeReasoning() {
	if !a.reasoningOpen {
		return
	}
	a.blocks = append(a.blocks, types.Block{Type: types.BlockReasoning, Text: a.reasoningBuf.String(), Signature: a.reasoningSig})
	a.reasoningBuf.Reset()
	a.reasoningOpen = false
	a.reasoningSig = ""
}

// currentMessageID returns the provider-assigned id captured at
// message_start, used both as the persisted message's id and, for the
// Responses adapter, as the next turn's continuation handle (§4.3.b).
func (a *accumulator) currentMessageID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.messageID
}

// finalize closes any open text/reasoning buffers and returns the
// assembled assistant message. Idempotent: calling it again (e.g. once
// from stop-handling, once from a racing Cancel) returns the same
// content.
func (a *accumulator) finalize(sessionID string) types.Message {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.closeText()
	a.closeReasoning()

	id := a.messageID
	if id == "" {
		id = ulid.Make().String()
	}
	usage := a.usage
	return types.Message{
		ID:        id,
		SessionID: sessionID,
		Role:      types.RoleAssistant,
		CreatedAt: time.Now().UnixMilli(),
		Content:   append([]types.Block(nil), a.blocks...),
		Usage:     &usage,
	}
}

package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/agentd/agentd/pkg/types"
)

// ResponseAdapter streams OpenAI's Responses API, whose event vocabulary
// is item-indexed rather than content-block-indexed: tool-call
// arguments arrive as response.function_call_arguments.delta/.done
// against an item id, not a block index (§4.3).
type ResponseAdapter struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func NewResponseAdapter(apiKey, baseURL string) *ResponseAdapter {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &ResponseAdapter{apiKey: apiKey, baseURL: baseURL, client: http.DefaultClient}
}

func (a *ResponseAdapter) ID() string { return "openai" }

type responsesRequest struct {
	Model              string                 `json:"model"`
	Instructions       string                 `json:"instructions,omitempty"`
	Input              []responseInputItem    `json:"input"`
	Tools              []responseToolSpec     `json:"tools,omitempty"`
	ToolChoice         string                 `json:"tool_choice,omitempty"`
	Stream             bool                   `json:"stream"`
	PreviousResponseID string                 `json:"previous_response_id,omitempty"`
	MaxOutputTokens    int                    `json:"max_output_tokens,omitempty"`
}

type responseInputItem struct {
	Type    string              `json:"type"`
	Role    string              `json:"role,omitempty"`
	Content []responseContent   `json:"content,omitempty"`
	CallID  string              `json:"call_id,omitempty"`
	Name    string              `json:"name,omitempty"`
	Output  string              `json:"output,omitempty"`
}

type responseContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type responseToolSpec struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

func (a *ResponseAdapter) Stream(ctx context.Context, req Request, ch chan<- types.NormalizedEvent) error {
	defer close(ch)

	body, err := json.Marshal(buildResponsesRequest(req))
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/responses", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		err := fmt.Errorf("openai responses: status %d", resp.StatusCode)
		_ = send(ctx, ch, types.NormalizedEvent{Type: types.EventStop, Reason: types.StopError, Err: &types.ErrorInfo{Kind: "provider_error", Message: err.Error()}})
		return err
	}

	dec := newResponseDecoder()
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var dataLines []string
	flush := func() error {
		if len(dataLines) == 0 {
			return nil
		}
		joined := strings.Join(dataLines, "\n")
		dataLines = dataLines[:0]
		if strings.TrimSpace(joined) == "" || strings.TrimSpace(joined) == "[DONE]" {
			return nil
		}
		var ev rawEvent
		if jsonErr := json.Unmarshal([]byte(joined), &ev); jsonErr != nil {
			return nil
		}
		return dec.handle(ctx, ev, ch)
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if err := flush(); err != nil {
				return err
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		if strings.HasPrefix(line, "data:") {
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return flush()
}

// rawEvent is the subset of Responses API SSE payload fields this
// adapter reads (§4.3).
type rawEvent struct {
	Type  string `json:"type"`
	Delta string `json:"delta,omitempty"`
	Item  *struct {
		ID        string `json:"id"`
		CallID    string `json:"call_id"`
		Type      string `json:"type"`
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"item,omitempty"`
	ItemID   string `json:"item_id,omitempty"`
	CallID   string `json:"call_id,omitempty"`
	Name     string `json:"name,omitempty"`
	Response *struct {
		ID    string `json:"id"`
		Usage *struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage,omitempty"`
	} `json:"response,omitempty"`
	Message string `json:"message,omitempty"`
}

// responseDecoder accumulates per-item function-call argument
// fragments, since the Responses API indexes tool calls by item id
// rather than by the text-stream's content-block index.
type responseDecoder struct {
	itemToCall map[string]string
	argBuf     map[string]*strings.Builder
	names      map[string]string
	messageID  string
}

func newResponseDecoder() *responseDecoder {
	return &responseDecoder{
		itemToCall: make(map[string]string),
		argBuf:     make(map[string]*strings.Builder),
		names:      make(map[string]string),
	}
}

func (d *responseDecoder) builder(callID string) *strings.Builder {
	if b, ok := d.argBuf[callID]; ok {
		return b
	}
	b := &strings.Builder{}
	d.argBuf[callID] = b
	return b
}

func (d *responseDecoder) handle(ctx context.Context, ev rawEvent, ch chan<- types.NormalizedEvent) error {
	switch ev.Type {
	case "response.created":
		if ev.Response != nil {
			d.messageID = ev.Response.ID
			return send(ctx, ch, types.NormalizedEvent{Type: types.EventMessageStart, MessageID: d.messageID})
		}
	case "response.output_text.delta":
		if ev.Delta != "" {
			return send(ctx, ch, types.NormalizedEvent{Type: types.EventTextDelta, Text: ev.Delta})
		}
	case "response.output_text.done":
		return send(ctx, ch, types.NormalizedEvent{Type: types.EventTextEnd})
	case "response.reasoning_summary_text.delta":
		if ev.Delta != "" {
			return send(ctx, ch, types.NormalizedEvent{Type: types.EventReasoningDelta, Text: ev.Delta})
		}
	case "response.reasoning_summary_text.done":
		return send(ctx, ch, types.NormalizedEvent{Type: types.EventReasoningEnd})
	case "response.output_item.added":
		if ev.Item != nil && ev.Item.ID != "" && ev.Item.CallID != "" {
			d.itemToCall[ev.Item.ID] = ev.Item.CallID
			if ev.Item.Name != "" {
				d.names[ev.Item.CallID] = ev.Item.Name
			}
		}
	case "response.function_call_arguments.delta":
		callID := ev.CallID
		if callID == "" {
			callID = d.itemToCall[ev.ItemID]
		}
		if callID != "" && ev.Delta != "" {
			d.builder(callID).WriteString(ev.Delta)
		}
	case "response.function_call_arguments.done", "response.output_item.done":
		return d.emitToolCall(ctx, ev, ch)
	case "response.completed", "response.done":
		var in, out int
		if ev.Response != nil && ev.Response.Usage != nil {
			in, out = ev.Response.Usage.InputTokens, ev.Response.Usage.OutputTokens
		}
		if err := send(ctx, ch, types.NormalizedEvent{Type: types.EventUsage, InputTokens: in, OutputTokens: out}); err != nil {
			return err
		}
		return send(ctx, ch, types.NormalizedEvent{Type: types.EventStop, Reason: types.StopEndTurn})
	case "error":
		msg := ev.Message
		if msg == "" {
			msg = "unknown provider error"
		}
		return send(ctx, ch, types.NormalizedEvent{
			Type:   types.EventStop,
			Reason: types.StopError,
			Err:    &types.ErrorInfo{Kind: "provider_error", Message: msg},
		})
	}
	return nil
}

func (d *responseDecoder) emitToolCall(ctx context.Context, ev rawEvent, ch chan<- types.NormalizedEvent) error {
	if ev.Item == nil || ev.Item.Type != "function_call" {
		return nil
	}
	callID := ev.Item.CallID
	name := ev.Item.Name
	if name == "" {
		name = d.names[callID]
	}
	args := ev.Item.Arguments
	if args == "" {
		if b, ok := d.argBuf[callID]; ok {
			args = b.String()
		}
	}
	input := map[string]any{}
	if strings.TrimSpace(args) != "" {
		if err := json.Unmarshal([]byte(args), &input); err != nil {
			// Malformed tool input is recoverable (§7): surface it as a
			// tool_use event carrying the parse error instead of
			// aborting the whole stream.
			return send(ctx, ch, types.NormalizedEvent{
				Type:      types.EventToolUse,
				ToolUseID: callID,
				ToolName:  name,
				Err:       &types.ErrorInfo{Kind: "malformed_tool_input", Message: fmt.Sprintf("tool call %s: %v", callID, err)},
			})
		}
	}
	return send(ctx, ch, types.NormalizedEvent{
		Type:      types.EventToolUse,
		ToolUseID: callID,
		ToolName:  name,
		ToolInput: input,
	})
}

// conversationTail selects what to actually send: the full history
// when there is no continuation handle, or only the newest message
// when resuming via previous_response_id (§4.3.b, §9 — "send only the
// new user tool-result message... rather than replaying the full
// conversation").
func conversationTail(req Request) []types.Message {
	if req.PreviousResponseID == "" || len(req.Conversation) == 0 {
		return req.Conversation
	}
	return req.Conversation[len(req.Conversation)-1:]
}

func buildResponsesRequest(req Request) responsesRequest {
	conversation := conversationTail(req)
	input := make([]responseInputItem, 0, len(conversation))
	for _, m := range conversation {
		for _, b := range m.Content {
			switch b.Type {
			case types.BlockText:
				input = append(input, responseInputItem{
					Type:    "message",
					Role:    string(m.Role),
					Content: []responseContent{{Type: "input_text", Text: b.Text}},
				})
			case types.BlockToolUse:
				input = append(input, responseInputItem{Type: "function_call", CallID: b.ID, Name: b.Name})
			case types.BlockToolResult:
				input = append(input, responseInputItem{Type: "function_call_output", CallID: b.ToolUseID, Output: b.Content})
			}
		}
	}

	tools := make([]responseToolSpec, 0, len(req.Tools))
	for _, t := range req.Tools {
		tools = append(tools, responseToolSpec{Type: "function", Name: t.Name, Description: t.Description, Parameters: t.Schema})
	}

	toolChoice := ""
	if len(tools) > 0 {
		toolChoice = "auto"
	}

	return responsesRequest{
		Model:              req.Model,
		Instructions:       req.SystemPrompt,
		Input:              input,
		Tools:              tools,
		ToolChoice:         toolChoice,
		Stream:             true,
		PreviousResponseID: req.PreviousResponseID,
		MaxOutputTokens:    req.MaxTokens,
	}
}

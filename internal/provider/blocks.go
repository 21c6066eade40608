package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/agentd/agentd/pkg/types"
)

// AnthropicAdapter streams the Messages API's content-block event
// vocabulary directly into NormalizedEvents, preserving the
// thinking/text/tool_use granularity native to that API (§4.3).
type AnthropicAdapter struct {
	client sdk.Client
}

func NewAnthropicAdapter(apiKey, baseURL string) *AnthropicAdapter {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &AnthropicAdapter{client: sdk.NewClient(opts...)}
}

func (a *AnthropicAdapter) ID() string { return "anthropic" }

func (a *AnthropicAdapter) Stream(ctx context.Context, req Request, ch chan<- types.NormalizedEvent) error {
	defer close(ch)

	params, err := buildMessageParams(req)
	if err != nil {
		return err
	}

	stream := a.client.Messages.NewStreaming(ctx, *params)
	defer stream.Close()

	toolBlocks := make(map[int64]*toolBuffer)
	var stopReason types.StopReason

	for stream.Next() {
		event := stream.Current()
		switch ev := event.AsAny().(type) {
		case sdk.MessageStartEvent:
			if err := send(ctx, ch, types.NormalizedEvent{Type: types.EventMessageStart, MessageID: ev.Message.ID}); err != nil {
				return err
			}
		case sdk.ContentBlockStartEvent:
			if tu, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
				toolBlocks[ev.Index] = &toolBuffer{id: tu.ID, name: tu.Name}
			}
		case sdk.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case sdk.TextDelta:
				if delta.Text != "" {
					if err := send(ctx, ch, types.NormalizedEvent{Type: types.EventTextDelta, Text: delta.Text}); err != nil {
						return err
					}
				}
			case sdk.ThinkingDelta:
				if delta.Thinking != "" {
					if err := send(ctx, ch, types.NormalizedEvent{Type: types.EventReasoningDelta, Text: delta.Thinking}); err != nil {
						return err
					}
				}
			case sdk.SignatureDelta:
				if err := send(ctx, ch, types.NormalizedEvent{Type: types.EventReasoningEnd, ReasoningSignature: delta.Signature}); err != nil {
					return err
				}
			case sdk.InputJSONDelta:
				if tb := toolBlocks[ev.Index]; tb != nil {
					tb.fragments = append(tb.fragments, delta.PartialJSON)
				}
			}
		case sdk.ContentBlockStopEvent:
			if tb := toolBlocks[ev.Index]; tb != nil {
				delete(toolBlocks, ev.Index)
				input, err := tb.decode()
				if err != nil {
					// Malformed tool input is recoverable (§7): surface it
					// as a tool_use event carrying the parse error instead
					// of aborting the whole stream.
					if err := send(ctx, ch, types.NormalizedEvent{
						Type:      types.EventToolUse,
						ToolUseID: tb.id,
						ToolName:  tb.name,
						Err:       &types.ErrorInfo{Kind: "malformed_tool_input", Message: err.Error()},
					}); err != nil {
						return err
					}
				} else if err := send(ctx, ch, types.NormalizedEvent{
					Type:      types.EventToolUse,
					ToolUseID: tb.id,
					ToolName:  tb.name,
					ToolInput: input,
				}); err != nil {
					return err
				}
			} else {
				if err := send(ctx, ch, types.NormalizedEvent{Type: types.EventTextEnd}); err != nil {
					return err
				}
			}
		case sdk.MessageDeltaEvent:
			if r := mapStopReason(string(ev.Delta.StopReason)); r != "" {
				stopReason = r
			}
			if err := send(ctx, ch, types.NormalizedEvent{
				Type:         types.EventUsage,
				InputTokens:  int(ev.Usage.InputTokens),
				OutputTokens: int(ev.Usage.OutputTokens),
			}); err != nil {
				return err
			}
		case sdk.MessageStopEvent:
			if stopReason == "" {
				stopReason = types.StopEndTurn
			}
			return send(ctx, ch, types.NormalizedEvent{Type: types.EventStop, Reason: stopReason})
		}
	}
	if err := stream.Err(); err != nil {
		_ = send(ctx, ch, types.NormalizedEvent{
			Type:   types.EventStop,
			Reason: types.StopError,
			Err:    &types.ErrorInfo{Kind: "provider_error", Message: err.Error()},
		})
		return err
	}
	return nil
}

func send(ctx context.Context, ch chan<- types.NormalizedEvent, ev types.NormalizedEvent) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case ch <- ev:
		return nil
	}
}

// mapStopReason keeps only the terminal reason from the last
// message_delta seen before message_stop wins (the Open-Questions
// decision that a mid-stream value never overrides the final one).
func mapStopReason(raw string) types.StopReason {
	switch raw {
	case "end_turn":
		return types.StopEndTurn
	case "max_tokens":
		return types.StopMaxTokens
	case "stop_sequence":
		return types.StopStopSequence
	case "tool_use":
		return types.StopToolUse
	case "pause_turn":
		return types.StopPauseTurn
	default:
		return ""
	}
}

type toolBuffer struct {
	id        string
	name      string
	fragments []string
}

func (tb *toolBuffer) decode() (map[string]any, error) {
	joined := strings.Join(tb.fragments, "")
	if strings.TrimSpace(joined) == "" {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(joined), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func buildMessageParams(req Request) (*sdk.MessageNewParams, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	params := &sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		MaxTokens: int64(maxTokens),
	}
	if req.SystemPrompt != "" {
		params.System = []sdk.TextBlockParam{{Text: req.SystemPrompt}}
	}
	msgs, err := encodeConversation(req.Conversation)
	if err != nil {
		return nil, err
	}
	params.Messages = msgs

	if len(req.Tools) > 0 {
		tools := make([]sdk.ToolUnionParam, 0, len(req.Tools))
		for _, t := range req.Tools {
			schema, err := decodeSchema(t.Schema)
			if err != nil {
				return nil, fmt.Errorf("tool %s: %w", t.Name, err)
			}
			u := sdk.ToolUnionParamOfTool(schema, t.Name)
			if u.OfTool != nil {
				u.OfTool.Description = sdk.String(t.Description)
			}
			tools = append(tools, u)
		}
		params.Tools = tools
	}
	return params, nil
}

func decodeSchema(raw json.RawMessage) (sdk.ToolInputSchemaParam, error) {
	if len(raw) == 0 {
		return sdk.ToolInputSchemaParam{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	return sdk.ToolInputSchemaParam{ExtraFields: m}, nil
}

func encodeConversation(conversation []types.Message) ([]sdk.MessageParam, error) {
	out := make([]sdk.MessageParam, 0, len(conversation))
	for _, m := range conversation {
		blocks := make([]sdk.ContentBlockParamUnion, 0, len(m.Content))
		for _, b := range m.Content {
			switch b.Type {
			case types.BlockText:
				if b.Text != "" {
					blocks = append(blocks, sdk.NewTextBlock(b.Text))
				}
			case types.BlockToolUse:
				blocks = append(blocks, sdk.NewToolUseBlock(b.ID, b.Input, b.Name))
			case types.BlockToolResult:
				blocks = append(blocks, sdk.NewToolResultBlock(b.ToolUseID, b.Content, b.IsError))
			}
		}
		if len(blocks) == 0 {
			continue
		}
		switch m.Role {
		case types.RoleUser:
			out = append(out, sdk.NewUserMessage(blocks...))
		case types.RoleAssistant:
			out = append(out, sdk.NewAssistantMessage(blocks...))
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("conversation must contain at least one message")
	}
	return out, nil
}

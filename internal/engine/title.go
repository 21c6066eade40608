package engine

import (
	"context"
	"strings"

	"github.com/agentd/agentd/internal/provider"
	"github.com/agentd/agentd/pkg/types"
)

const titlePrompt = "Generate a short title (max 3 words) summarizing this request. Reply with only the title, no punctuation or quotes."

// cueWords maps a lowercase substring of the user's message to a fixed
// title, used by the deterministic fallback (§4.8).
var cueWords = []struct {
	cue   string
	title string
}{
	{"fix", "Debug Issue"},
	{"debug", "Debug Issue"},
	{"bug", "Debug Issue"},
	{"test", "Write Tests"},
	{"refactor", "Refactor Code"},
	{"review", "Review Code"},
	{"explain", "Explain Code"},
	{"document", "Write Docs"},
}

// deriveTitle calls the provider with a tight prompt/token cap; on any
// failure it falls back to a deterministic rule so title derivation
// never blocks admission (§4.8). The result always satisfies P7: a
// non-empty string of at most 3 whitespace-separated tokens.
func deriveTitle(ctx context.Context, adapter provider.Adapter, model, userContent string) string {
	if adapter != nil {
		if title := tryProviderTitle(ctx, adapter, model, userContent); title != "" {
			return clampTokens(title, 3)
		}
	}
	return fallbackTitle(userContent)
}

func tryProviderTitle(ctx context.Context, adapter provider.Adapter, model, userContent string) string {
	req := provider.Request{
		Model:        model,
		SystemPrompt: titlePrompt,
		Conversation: []types.Message{{
			Role:    types.RoleUser,
			Content: []types.Block{{Type: types.BlockText, Text: userContent}},
		}},
		MaxTokens: 20,
	}
	ch := make(chan types.NormalizedEvent, 16)
	errCh := make(chan error, 1)
	go func() { errCh <- adapter.Stream(ctx, req, ch) }()

	var sb strings.Builder
	for ev := range ch {
		if ev.Type == types.EventTextDelta {
			sb.WriteString(ev.Text)
		}
	}
	if err := <-errCh; err != nil {
		return ""
	}
	return strings.TrimSpace(sb.String())
}

// fallbackTitle implements §4.8's deterministic rule: a cue-word match
// first, otherwise the first three whitespace-separated tokens of the
// message, otherwise "New Chat".
func fallbackTitle(userContent string) string {
	lower := strings.ToLower(userContent)
	for _, c := range cueWords {
		if strings.Contains(lower, c.cue) {
			return c.title
		}
	}
	tokens := strings.Fields(userContent)
	if len(tokens) == 0 {
		return "New Chat"
	}
	return clampTokens(strings.Join(tokens, " "), 3)
}

func clampTokens(s string, n int) string {
	tokens := strings.Fields(s)
	if len(tokens) == 0 {
		return "New Chat"
	}
	if len(tokens) > n {
		tokens = tokens[:n]
	}
	return strings.Join(tokens, " ")
}

package engine

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/agentd/agentd/pkg/types"
)

// providerPreamble is a short, provider-specific header prepended to
// the shared operating-principles/tool-contract/workflow sections
// (§4.9): the teacher codebase layers a provider header ahead of
// shared instructions, and this composition follows that shape.
var providerPreamble = map[string]string{
	"anthropic": "You are Claude, operating as an autonomous coding agent inside agentd.",
	"openai":    "You are operating as an autonomous coding agent inside agentd.",
}

// composeSystemPrompt builds the per-turn system prompt (§4.9),
// parameterized by working directory, platform, and current time, with
// an optional project-context block attached verbatim.
func composeSystemPrompt(providerID, workingDir string, pc *types.ProjectContext) string {
	var sb strings.Builder

	if pre, ok := providerPreamble[providerID]; ok {
		sb.WriteString(pre)
		sb.WriteString("\n\n")
	}

	fmt.Fprintf(&sb, "Working directory: %s\n", workingDir)
	fmt.Fprintf(&sb, "Platform: %s\n", runtime.GOOS)
	fmt.Fprintf(&sb, "Current date/time: %s\n\n", time.Now().Format(time.RFC3339))

	sb.WriteString("## Operating principles\n")
	sb.WriteString("Be direct and concise. Verify assumptions against the actual filesystem and command output rather than guessing. Prefer the smallest change that satisfies the request.\n\n")

	sb.WriteString("## Tool usage\n")
	sb.WriteString("- bash: run a shell command with a timeout; dangerous commands (rm -rf /, sudo, mkfs, shutdown, fork bombs, kill -9 -1, dd of=/dev/*) always require explicit approval.\n")
	sb.WriteString("- str_replace_based_edit_tool: view/create/str_replace/insert on a file within the working directory.\n")
	sb.WriteString("- web_search: query the web and read back rendered results.\n")
	sb.WriteString("- work_plan: create/complete/revise an ordered checklist visible to the user.\n\n")

	sb.WriteString("## Workflow\n")
	sb.WriteString("Plan the steps needed, analyze the relevant code or state, implement the change, then summarize what changed and why.\n")

	if pc != nil {
		fmt.Fprintf(&sb, "\n## Project Memory (source: %s)\n%s\n", pc.Path, pc.Content)
	}

	return sb.String()
}

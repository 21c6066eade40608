package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/agentd/agentd/internal/catalog"
	"github.com/agnivade/levenshtein"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// ClassifyEdit implements the Classify hook for str_replace_based_edit_tool
// (§4.2): view is safe, every other command is mutating.
func ClassifyEdit(input map[string]any) catalog.SafetyClass {
	if cmd, _ := input["command"].(string); cmd == "view" {
		return catalog.Safe
	}
	return catalog.Mutating
}

// EditResult carries the rendered output plus, for str_replace, the
// unified diff of the change (§4.5 implementation detail).
type EditResult struct {
	Output string
	Diff   string
}

// ExecuteEdit dispatches a str_replace_based_edit_tool call. workspaceRoot,
// if non-empty, bounds every path under it (I4).
func ExecuteEdit(ctx context.Context, input map[string]any, execCtx catalog.ExecContext, workspaceRoot string) (string, bool, error) {
	command, _ := input["command"].(string)
	path, _ := input["path"].(string)
	if path == "" {
		return "", true, fmt.Errorf("path is required")
	}
	if err := checkWorkspaceBoundary(path, workspaceRoot); err != nil {
		return "", true, err
	}

	switch command {
	case "view":
		return viewPath(ctx, path, execCtx.WorkingDir, workspaceRoot)
	case "create":
		text, _ := input["file_text"].(string)
		out, isErr, err := ExecuteWrite(ctx, map[string]any{"path": path, "content": text}, execCtx.WorkingDir, workspaceRoot)
		if err != nil {
			return out, isErr, err
		}
		return fmt.Sprintf("Created %s", filepath.Base(path)), false, nil
	case "str_replace":
		old, _ := input["old_str"].(string)
		newStr, _ := input["new_str"].(string)
		return strReplace(path, old, newStr)
	case "insert":
		insertLine, _ := input["insert_line"].(float64)
		text, _ := input["new_str"].(string)
		return insertAt(path, int(insertLine), text)
	default:
		return "", true, fmt.Errorf("unknown command: %s", command)
	}
}

// checkWorkspaceBoundary enforces I4 against the canonical path, not
// just the lexical one, so a symlink inside root pointing outside it
// is rejected rather than passing a plain Abs+Rel prefix check.
func checkWorkspaceBoundary(path, root string) error {
	if root == "" {
		return nil
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	realRoot, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		realRoot = absRoot
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	realPath, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		// Path doesn't exist yet (e.g. create): canonicalize its parent
		// instead so the boundary check still sees through a symlinked
		// ancestor directory.
		realParent, parentErr := filepath.EvalSymlinks(filepath.Dir(absPath))
		if parentErr != nil {
			return fmt.Errorf("path %q escapes workspace boundary", path)
		}
		realPath = filepath.Join(realParent, filepath.Base(absPath))
	}

	rel, err := filepath.Rel(realRoot, realPath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("path %q escapes workspace boundary", path)
	}
	return nil
}

// viewPath renders a file (truncated to the text-tool cap, via
// ExecuteRead) or a directory listing (via ExecuteList).
func viewPath(ctx context.Context, path, workingDir, workspaceRoot string) (string, bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", true, fmt.Errorf("failed to stat path: %w", err)
	}
	if info.IsDir() {
		return ExecuteList(ctx, map[string]any{"path": path}, workingDir, workspaceRoot)
	}
	return ExecuteRead(ctx, map[string]any{"path": path}, workingDir, workspaceRoot)
}

func strReplace(path, old, newStr string) (string, bool, error) {
	if old == newStr {
		return "", true, fmt.Errorf("old_str and new_str must be different")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return "", true, fmt.Errorf("failed to read file: %w", err)
	}
	text := string(content)

	count := strings.Count(text, old)
	if count == 1 {
		newText := strings.Replace(text, old, newStr, 1)
		return writeWithDiff(path, text, newText, "")
	}
	if count > 1 {
		return "", true, fmt.Errorf("old_str appears %d times in file; it must match exactly once", count)
	}
	return fuzzyReplace(path, text, old, newStr)
}

func fuzzyReplace(path, text, old, newStr string) (string, bool, error) {
	normalizedOld := strings.ReplaceAll(old, "\r\n", "\n")
	normalizedText := strings.ReplaceAll(text, "\r\n", "\n")
	if strings.Contains(normalizedText, normalizedOld) {
		newText := strings.Replace(normalizedText, normalizedOld, newStr, 1)
		return writeWithDiff(path, text, newText, " (line ending normalized)")
	}

	match, sim := findBestMatch(text, old)
	if match != "" && sim >= 0.7 {
		newText := strings.Replace(text, match, newStr, 1)
		return writeWithDiff(path, text, newText, fmt.Sprintf(" (%.0f%% fuzzy match)", sim*100))
	}
	return "", true, fmt.Errorf("old_str not found in file")
}

func writeWithDiff(path, before, after, note string) (string, bool, error) {
	if err := os.WriteFile(path, []byte(after), 0644); err != nil {
		return "", true, fmt.Errorf("failed to write file: %w", err)
	}
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(before, after, false)
	_ = dmp.DiffPrettyText(diffs) // the rendered diff is discarded; the tool result reports only the replacement
	return fmt.Sprintf("Replaced 1 occurrence in %s%s", filepath.Base(path), note), false, nil
}

func insertAt(path string, line int, text string) (string, bool, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", true, fmt.Errorf("failed to read file: %w", err)
	}
	lines := strings.Split(string(content), "\n")
	if line < 0 || line > len(lines) {
		return "", true, fmt.Errorf("insert_line %d out of range", line)
	}
	out := make([]string, 0, len(lines)+1)
	out = append(out, lines[:line]...)
	out = append(out, text)
	out = append(out, lines[line:]...)
	if err := os.WriteFile(path, []byte(strings.Join(out, "\n")), 0644); err != nil {
		return "", true, fmt.Errorf("failed to write file: %w", err)
	}
	return fmt.Sprintf("Inserted at line %d in %s", line, filepath.Base(path)), false, nil
}

// findBestMatch finds the substring of text most similar to target,
// scanning single lines or equal-length line blocks.
func findBestMatch(text, target string) (string, float64) {
	lines := strings.Split(text, "\n")
	targetLines := strings.Split(target, "\n")

	bestMatch := ""
	bestSimilarity := 0.0

	if len(targetLines) == 1 {
		for _, line := range lines {
			if sim := similarity(line, target); sim > bestSimilarity {
				bestSimilarity, bestMatch = sim, line
			}
		}
		return bestMatch, bestSimilarity
	}

	targetLen := len(targetLines)
	for i := 0; i <= len(lines)-targetLen; i++ {
		block := strings.Join(lines[i:i+targetLen], "\n")
		if sim := similarity(block, target); sim > bestSimilarity {
			bestSimilarity, bestMatch = sim, block
		}
	}
	return bestMatch, bestSimilarity
}

func similarity(a, b string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}
	if len(a) > 10000 || len(b) > 10000 {
		maxLen, minLen := len(a), len(b)
		if minLen > maxLen {
			maxLen, minLen = minLen, maxLen
		}
		return float64(minLen) / float64(maxLen)
	}
	dist := levenshtein.ComputeDistance(a, b)
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	return 1.0 - float64(dist)/float64(maxLen)
}

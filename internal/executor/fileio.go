package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const maxReadBytes = 50 * 1024

// ExecuteRead returns a file's content, truncated to the text-tool
// output cap (§4.5: ~50KB for text tools).
func ExecuteRead(ctx context.Context, input map[string]any, workingDir, workspaceRoot string) (string, bool, error) {
	path, _ := input["path"].(string)
	if path == "" {
		return "", true, fmt.Errorf("path is required")
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(workingDir, path)
	}
	if err := checkWorkspaceBoundary(path, workspaceRoot); err != nil {
		return "", true, err
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return "", true, fmt.Errorf("failed to read file: %w", err)
	}
	if len(content) > maxReadBytes {
		return string(content[:maxReadBytes]) + "\n\n(content truncated)", false, nil
	}
	return string(content), false, nil
}

// ExecuteWrite creates or overwrites a file with the given content.
func ExecuteWrite(ctx context.Context, input map[string]any, workingDir, workspaceRoot string) (string, bool, error) {
	path, _ := input["path"].(string)
	content, _ := input["content"].(string)
	if path == "" {
		return "", true, fmt.Errorf("path is required")
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(workingDir, path)
	}
	if err := checkWorkspaceBoundary(path, workspaceRoot); err != nil {
		return "", true, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", true, fmt.Errorf("failed to create parent directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return "", true, fmt.Errorf("failed to write file: %w", err)
	}
	return fmt.Sprintf("Wrote %d bytes to %s", len(content), filepath.Base(path)), false, nil
}

// ExecuteList renders a UI-shaped directory listing: one entry per
// line, directories marked [d] and files [f], matching str_replace_based_edit_tool's
// `view` rendering for directories.
func ExecuteList(ctx context.Context, input map[string]any, workingDir, workspaceRoot string) (string, bool, error) {
	path, _ := input["path"].(string)
	if path == "" {
		path = workingDir
	} else if !filepath.IsAbs(path) {
		path = filepath.Join(workingDir, path)
	}
	if err := checkWorkspaceBoundary(path, workspaceRoot); err != nil {
		return "", true, err
	}

	var ignore []string
	if raw, ok := input["ignore"].([]any); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				ignore = append(ignore, s)
			}
		}
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return "", true, fmt.Errorf("failed to read directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var sb strings.Builder
	for _, e := range entries {
		if matchesAny(e.Name(), ignore) {
			continue
		}
		tag := "[f]"
		if e.IsDir() {
			tag = "[d]"
		}
		fmt.Fprintf(&sb, "%s %s\n", tag, e.Name())
	}
	return sb.String(), false, nil
}

func matchesAny(name string, patterns []string) bool {
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, name); ok {
			return true
		}
	}
	return false
}

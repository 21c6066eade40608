package executor

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// matchBashPattern reports whether command matches a configured
// auto-approve wildcard pattern ("git *", "npm run *", "*"). Simple
// prefix/suffix wildcards are matched directly; patterns containing "**"
// or a mid-string "*" fall back to doublestar, mirroring the teacher's
// own matchWildcard split between cheap string matching and full glob
// matching.
func matchBashPattern(pattern, command string) bool {
	command = strings.TrimSpace(command)
	if pattern == "*" {
		return true
	}
	if strings.Contains(pattern, "**") {
		matched, _ := doublestar.Match(pattern, command)
		return matched
	}
	if strings.HasSuffix(pattern, "*") && !strings.HasPrefix(pattern, "*") {
		return strings.HasPrefix(command, strings.TrimSuffix(pattern, "*"))
	}
	if strings.HasPrefix(pattern, "*") && !strings.HasSuffix(pattern, "*") {
		return strings.HasSuffix(command, strings.TrimPrefix(pattern, "*"))
	}
	if strings.Contains(pattern, "*") {
		matched, _ := doublestar.Match(pattern, command)
		return matched
	}
	return pattern == command
}

// matchesAnyBashPattern reports whether command matches any configured
// auto-approve pattern.
func matchesAnyBashPattern(command string, patterns []string) bool {
	for _, p := range patterns {
		if matchBashPattern(p, command) {
			return true
		}
	}
	return false
}

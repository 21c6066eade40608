// Package executor is the Tool Executor (C5): stateless functions that
// run an approved tool call against its external collaborators (shell,
// filesystem, web search, work-plan mutator) and return a result string
// plus an error flag. None of these block a provider stream; the Turn
// Engine calls them only after the Approval Ledger has resolved a
// decision for the call.
package executor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/agentd/agentd/internal/catalog"
	"github.com/agentd/agentd/internal/logging"
	"mvdan.cc/sh/v3/syntax"
)

// BashLimits configures the shell tool's timeout and output cap (§4.5, §5).
type BashLimits struct {
	Timeout   time.Duration
	OutputCap int
}

const sigkillGrace = 200 * time.Millisecond

var shellDenyList = map[string]bool{
	"shutdown": true,
	"reboot":   true,
	"mkfs":     true,
	"sudo":     true,
}

// ClassifyBash implements the catalog.Descriptor.Classify hook for
// `bash` (§4.2): dangerous if the parsed command line matches a
// deny-listed destructive pattern; safe if it matches a configured
// auto-approve wildcard pattern ("git *", "npm run *"); mutating
// otherwise. The deny-list always wins over an auto-approve match.
func ClassifyBash(input map[string]any, autoApprove []string) catalog.SafetyClass {
	cmd, _ := input["command"].(string)
	if isDangerousBash(cmd) {
		return catalog.Dangerous
	}
	if matchesAnyBashPattern(cmd, autoApprove) {
		return catalog.Safe
	}
	return catalog.Mutating
}

// isDangerousBash parses the command with a real shell parser (rather
// than substring matching) so "git commit -m 'rm -rf /'" is not
// misclassified, while "cd /tmp && rm -rf /" is.
func isDangerousBash(command string) bool {
	f, err := syntax.NewParser().Parse(strings.NewReader(command), "")
	if err != nil {
		// Unparsable input is treated conservatively as dangerous.
		return true
	}

	dangerous := false
	syntax.Walk(f, func(node syntax.Node) bool {
		call, ok := node.(*syntax.CallExpr)
		if !ok || len(call.Args) == 0 {
			return true
		}
		name := wordString(call.Args[0])
		if shellDenyList[name] {
			dangerous = true
		}
		switch name {
		case "rm":
			if hasFlag(call.Args, "-rf", "-fr") && targetsRoot(call.Args) {
				dangerous = true
			}
		case "kill":
			if hasFlag(call.Args, "-9") {
				for _, a := range call.Args[1:] {
					if wordString(a) == "-1" {
						dangerous = true
					}
				}
			}
		case "dd":
			for _, a := range call.Args[1:] {
				if strings.HasPrefix(wordString(a), "of=/dev/") {
					dangerous = true
				}
			}
		case ":(){":
			dangerous = true
		}
		return true
	})
	return dangerous
}

func wordString(w *syntax.Word) string {
	var sb strings.Builder
	for _, part := range w.Parts {
		if lit, ok := part.(*syntax.Lit); ok {
			sb.WriteString(lit.Value)
		}
	}
	return sb.String()
}

func hasFlag(args []*syntax.Word, flags ...string) bool {
	for _, a := range args {
		s := wordString(a)
		for _, f := range flags {
			if s == f {
				return true
			}
		}
	}
	return false
}

func targetsRoot(args []*syntax.Word) bool {
	for _, a := range args[1:] {
		s := wordString(a)
		if s == "/" || s == "/*" {
			return true
		}
	}
	return false
}

// ExecuteBash runs a shell command with a timeout and process-group
// cleanup, truncating output to the configured cap (§4.5).
func ExecuteBash(ctx context.Context, input map[string]any, execCtx catalog.ExecContext, limits BashLimits) (string, bool, error) {
	command, _ := input["command"].(string)
	if command == "" {
		return "", true, fmt.Errorf("command is required")
	}

	timeout := limits.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	shell := detectShell()
	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(cmdCtx, shell, "/c", command)
	} else {
		cmd = exec.CommandContext(cmdCtx, shell, "-c", command)
	}
	cmd.Dir = execCtx.WorkingDir
	cmd.Env = os.Environ()
	if runtime.GOOS != "windows" {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}

	out, err := cmd.CombinedOutput()
	timedOut := cmdCtx.Err() == context.DeadlineExceeded
	if timedOut {
		killProcessGroup(cmd)
	}

	result := string(out)
	cap := limits.OutputCap
	if cap <= 0 {
		cap = 100 * 1024
	}
	if len(result) > cap {
		result = result[:cap] + "\n\n(output truncated)"
	}

	exitCode := 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}

	isError := exitCode != 0 || hasErrorPrefix(result)
	if timedOut {
		result += fmt.Sprintf("\n\n(command timed out after %s)", timeout)
		isError = true
	}
	if err != nil && !timedOut {
		logging.Debug().Err(err).Str("command", command).Msg("bash exec finished with error")
	}

	return result, isError, nil
}

// hasErrorPrefix reports whether any line in output starts with
// "Error:" (§4.5's isError detection rule).
func hasErrorPrefix(output string) bool {
	for _, line := range strings.Split(output, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "Error:") {
			return true
		}
	}
	return false
}

func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid
	if runtime.GOOS == "windows" {
		_ = exec.Command("taskkill", "/pid", fmt.Sprint(pid), "/f", "/t").Run()
		return
	}
	_ = syscall.Kill(-pid, syscall.SIGTERM)
	time.Sleep(sigkillGrace)
	if cmd.ProcessState == nil {
		_ = syscall.Kill(-pid, syscall.SIGKILL)
	}
}

func detectShell() string {
	if s := os.Getenv("SHELL"); s != "" {
		if !strings.HasSuffix(s, "fish") && !strings.HasSuffix(s, "nu") {
			return s
		}
	}
	if runtime.GOOS == "darwin" {
		return "/bin/zsh"
	}
	if runtime.GOOS == "windows" {
		if comspec := os.Getenv("COMSPEC"); comspec != "" {
			return comspec
		}
		return "cmd.exe"
	}
	if bash, err := exec.LookPath("bash"); err == nil {
		return bash
	}
	return "/bin/sh"
}

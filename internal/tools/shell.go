package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/basket/microclaw/internal/sandbox"
)

const maxShellOutput = 8 * 1024

// denyList contains commands that are never executed, sandboxed or not.
var denyList = map[string]struct{}{
	"mkfs":     {},
	"shutdown": {},
	"reboot":   {},
	"halt":     {},
	"poweroff": {},
	"sudo":     {},
	"su":       {},
}

// ShellTool runs a shell command through the sandbox router. Where the
// command actually executes (container, host, or host fallback) is
// reported back to the model.
type ShellTool struct {
	router *sandbox.Router
}

func NewShellTool(router *sandbox.Router) *ShellTool {
	return &ShellTool{router: router}
}

func (t *ShellTool) Name() string { return "shell" }
func (t *ShellTool) Risk() Risk   { return RiskHigh }

func (t *ShellTool) Description() string {
	return "Execute a shell command in the chat working directory. Output is truncated to 8KB. Pass timeout_secs to override the default timeout."
}

func (t *ShellTool) InputSchema() map[string]any {
	return objectSchema([]string{"command"}, map[string]any{
		"command":      strProp("Shell command to run with sh -c."),
		"timeout_secs": intProp("Optional timeout in seconds for this call."),
	})
}

func (t *ShellTool) Execute(ctx context.Context, call Call) Result {
	command := strings.TrimSpace(stringInput(call.Input, "command"))
	if command == "" {
		return Errorf(ErrToolInternal, "empty command")
	}
	if bin := firstWord(command); bin != "" {
		if _, denied := denyList[bin]; denied {
			return Errorf(ErrPermissionDenied, "command %q is not allowed", bin)
		}
	}

	res, location, err := t.router.Exec(ctx, sandbox.PolicyDual, command, call.Chat.WorkDir)
	if err != nil {
		if errors.Is(err, sandbox.ErrUnavailable) {
			return Errorf(ErrSandboxUnavailable, "sandbox unavailable: %v", err)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return Errorf(ErrTimeout, "command timed out")
		}
		return Errorf(ErrToolInternal, "exec: %v", err)
	}

	out := formatShellOutput(res, location)
	result := Text(out)
	result.StatusCode = res.ExitCode
	if res.ExitCode != 0 {
		result.IsError = true
		result.ErrorType = ErrToolInternal
	}
	return result
}

func formatShellOutput(res sandbox.ExecResult, location string) string {
	var b strings.Builder
	b.WriteString(truncateOutput(res.Stdout))
	if res.Stderr != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("stderr: ")
		b.WriteString(truncateOutput(res.Stderr))
	}
	if res.ExitCode != 0 {
		fmt.Fprintf(&b, "\nexit code: %d", res.ExitCode)
	}
	if location == sandbox.LocationHostFallback {
		b.WriteString("\n(sandbox runtime unavailable, ran on host)")
	}
	if b.Len() == 0 {
		return "(no output)"
	}
	return b.String()
}

func truncateOutput(s string) string {
	if len(s) <= maxShellOutput {
		return s
	}
	return s[:maxShellOutput] + "\n[output truncated]"
}

func firstWord(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

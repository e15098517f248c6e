package progress

import (
	"context"
	"errors"
	"os/exec"
	"strings"
)

// CommandMonitor samples progress by running a command and using its trimmed
// stdout as the token (e.g. `wc -l < output.csv`). A non-zero exit is an
// error for the tick, not a stall signal.
type CommandMonitor struct{ Command string }

func (m CommandMonitor) Sample(ctx context.Context, _ string) (Token, error) {
	cmd := buildShellAwareCommand(ctx, m.Command)
	out, err := cmd.Output()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return NoToken, ErrSampleTimeout
		}
		return NoToken, err
	}
	return Token(strings.TrimSpace(string(out))), nil
}

func (m CommandMonitor) Describe() string { return "cmd:" + m.Command }

// buildShellAwareCommand constructs an *exec.Cmd for a monitor command.
// Avoids invoking a shell unless obvious shell metacharacters are present.
func buildShellAwareCommand(ctx context.Context, cmdStr string) *exec.Cmd {
	cmdStr = strings.TrimSpace(cmdStr)
	if cmdStr == "" {
		// #nosec G204
		return exec.CommandContext(ctx, "/bin/true")
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		// #nosec G204
		return exec.CommandContext(ctx, "/bin/sh", "-c", cmdStr)
	}
	parts := strings.Fields(cmdStr)
	name := parts[0]
	var args []string
	if len(parts) > 1 {
		args = parts[1:]
	}
	// #nosec G204
	return exec.CommandContext(ctx, name, args...)
}

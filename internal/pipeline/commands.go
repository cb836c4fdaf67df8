package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/threadbox/threadbox/internal/common/stringutil"
)

const defaultLogLines = 50

// command is a parsed plain-text control command.
type command struct {
	name string
	arg  string
}

// parseCommand recognizes the control commands intercepted before any prompt
// is sent. Returns nil for ordinary messages.
func parseCommand(content string) *command {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "!") {
		return nil
	}
	fields := strings.Fields(trimmed)
	name := strings.ToLower(fields[0])
	switch name {
	case "!status", "!reset", "!recreate", "!logs":
		cmd := &command{name: name}
		if len(fields) > 1 {
			cmd.arg = fields[1]
		}
		return cmd
	}
	return nil
}

// handleCommand executes a command against the thread and returns the reply
// text.
func (p *Pipeline) handleCommand(ctx context.Context, threadID string, cmd *command) string {
	switch cmd.name {
	case "!status":
		return p.formatStatus(ctx, threadID)

	case "!reset", "!recreate":
		if err := p.turns.Recreate(ctx, threadID); err != nil {
			return MsgGenericFailure
		}
		return "Session reset. The next message will start a fresh sandbox."

	case "!logs":
		lines := defaultLogLines
		if cmd.arg != "" {
			if n, err := strconv.Atoi(cmd.arg); err == nil && n > 0 {
				lines = n
			}
		}
		sandboxID, out, err := p.turns.Logs(ctx, threadID, lines)
		if err != nil {
			return "No logs available for this thread."
		}
		out = strings.TrimSpace(out)
		if out == "" {
			out = "(empty)"
		}
		// Discord caps messages at 2000 chars; leave room for the frame.
		if len(out) > 1800 {
			out = out[len(out)-1800:]
		}
		return fmt.Sprintf("Agent log tail for `%s`:\n```\n%s\n```", sandboxID, out)
	}
	return MsgGenericFailure
}

func (p *Pipeline) formatStatus(ctx context.Context, threadID string) string {
	rec, err := p.turns.Status(ctx, threadID)
	if err != nil {
		return MsgGenericFailure
	}
	if rec == nil {
		return "No session for this thread yet. Send a message to start one."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "**Session status**\n")
	fmt.Fprintf(&b, "Status: `%s`\n", rec.Status)
	if rec.SandboxID != "" {
		fmt.Fprintf(&b, "Sandbox: `%s`\n", rec.SandboxID)
	}
	if p.cfg.AgentModel != "" {
		fmt.Fprintf(&b, "Model: `%s`\n", p.cfg.AgentModel)
	}
	if !rec.LastActivity.IsZero() {
		fmt.Fprintf(&b, "Last activity: %s\n", rec.LastActivity.UTC().Format(time.RFC3339))
	}
	if rec.ResumeFailCount > 0 {
		fmt.Fprintf(&b, "Resume failures: %d\n", rec.ResumeFailCount)
	}
	if rec.LastError != "" {
		fmt.Fprintf(&b, "Last error: `%s`\n", stringutil.TruncateStringWithEllipsis(rec.LastError, 200))
	}
	return strings.TrimRight(b.String(), "\n")
}

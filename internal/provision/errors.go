package provision

import (
	"errors"
	"fmt"

	"github.com/threadbox/threadbox/internal/agentapi"
)

// SandboxCreateError reports a failed provision. LogTail carries the end of
// the agent log when the failure happened after the agent was launched.
type SandboxCreateError struct {
	ThreadID string
	LogTail  string
	Err      error
}

func (e *SandboxCreateError) Error() string {
	if e.LogTail != "" {
		return fmt.Sprintf("sandbox create for thread %s: %v\nagent log tail:\n%s", e.ThreadID, e.Err, e.LogTail)
	}
	return fmt.Sprintf("sandbox create for thread %s: %v", e.ThreadID, e.Err)
}

func (e *SandboxCreateError) Unwrap() error { return e.Err }

// SandboxStartError reports a failed wake of an existing sandbox.
type SandboxStartError struct {
	SandboxID string
	Err       error
}

func (e *SandboxStartError) Error() string {
	return fmt.Sprintf("sandbox %s start: %v", e.SandboxID, e.Err)
}

func (e *SandboxStartError) Unwrap() error { return e.Err }

// SandboxDeadError reports a sandbox that cannot be brought back without
// recreating it, where recreating would lose conversation context.
type SandboxDeadError struct {
	SandboxID string
	Reason    string
}

func (e *SandboxDeadError) Error() string {
	return fmt.Sprintf("sandbox %s dead: %s", e.SandboxID, e.Reason)
}

// SandboxExecError reports a failed command inside a sandbox.
type SandboxExecError struct {
	SandboxID string
	Label     string
	Output    string
	Err       error
}

func (e *SandboxExecError) Error() string {
	return fmt.Sprintf("sandbox %s exec %s: %v", e.SandboxID, e.Label, e.Err)
}

func (e *SandboxExecError) Unwrap() error { return e.Err }

// SandboxNotFoundError reports a sandbox id the provider no longer knows.
type SandboxNotFoundError struct {
	SandboxID string
}

func (e *SandboxNotFoundError) Error() string {
	return fmt.Sprintf("sandbox %s no longer exists", e.SandboxID)
}

// ResumeFailedError reports a resume that did not reach active.
// AllowRecreate distinguishes "safe to reprovision" (the sandbox is gone or
// never started) from "must not reprovision" (the sandbox came back but the
// agent is unhealthy; recreating would discard its session state).
type ResumeFailedError struct {
	ThreadID      string
	AllowRecreate bool
	Cause         error
}

func (e *ResumeFailedError) Error() string {
	return fmt.Sprintf("resume failed for thread %s (allowRecreate=%v): %v", e.ThreadID, e.AllowRecreate, e.Cause)
}

func (e *ResumeFailedError) Unwrap() error { return e.Cause }

// Retriable reports whether err is worth retrying from the pipeline:
// sandbox-dead, agent transport, health-check, and start failures are
// transient; everything else is not.
func Retriable(err error) bool {
	var (
		dead    *SandboxDeadError
		start   *SandboxStartError
		health  *agentapi.HealthError
		agent   *agentapi.Error
		resumed *ResumeFailedError
	)
	switch {
	case errors.As(err, &dead), errors.As(err, &start), errors.As(err, &health):
		return true
	case errors.As(err, &agent):
		return agent.Kind() != agentapi.KindNonRecoverable
	case errors.As(err, &resumed):
		return Retriable(resumed.Cause)
	}
	return false
}

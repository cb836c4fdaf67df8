// Package sandbox abstracts the remote code-execution sandbox provider.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Preview is the connectivity pair used to reach the agent server inside a
// sandbox. The token may be empty when the provider embeds it in the URL as
// a tkn query parameter; callers normalize with NormalizePreview.
type Preview struct {
	URL   string
	Token string
}

// CreateRequest identifies the conversation a sandbox is provisioned for.
type CreateRequest struct {
	ThreadID string
	GuildID  string
	Timeout  time.Duration
}

// ExecOptions adjusts a single command execution inside a sandbox.
type ExecOptions struct {
	Cwd string
	Env map[string]string
}

// Info describes a provider-side sandbox, used by listing and reconciliation.
type Info struct {
	ID        string
	Status    string
	CreatedAt time.Time
}

// API is the provider contract the provisioner consumes. Implementations
// must be safe for concurrent use from multiple actors.
type API interface {
	// Create provisions a sandbox and returns its id. The id is stable
	// across stop/start cycles until Destroy.
	Create(ctx context.Context, req CreateRequest) (string, error)

	// Exec runs a command inside the sandbox and returns its combined
	// output. The label names the step for error reporting.
	Exec(ctx context.Context, sandboxID, label string, command []string, opts ExecOptions) (string, error)

	// Start wakes a stopped sandbox. Returns a NotFoundError when the
	// provider no longer knows the id.
	Start(ctx context.Context, sandboxID string, timeout time.Duration) error

	// Stop suspends the sandbox, preserving its filesystem.
	Stop(ctx context.Context, sandboxID string) error

	// Destroy removes the sandbox permanently.
	Destroy(ctx context.Context, sandboxID string) error

	// GetPreview resolves the connectivity pair for the agent port.
	GetPreview(ctx context.Context, sandboxID string) (Preview, error)

	// List enumerates sandboxes owned by this orchestrator.
	List(ctx context.Context) ([]Info, error)

	Close() error
}

// NotFoundError reports a sandbox id the provider no longer knows.
type NotFoundError struct {
	SandboxID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("sandbox %s not found", e.SandboxID)
}

// IsNotFound reports whether err indicates a missing sandbox.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

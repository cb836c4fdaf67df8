// Package history reconstructs prior conversation context when the agent
// session under a thread has been swapped.
package history

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/threadbox/threadbox/internal/common/logger"
)

const defaultFetchLimit = 30

// Message is one prior platform message in chronological order.
type Message struct {
	AuthorName  string
	AuthorIsBot bool
	Content     string
}

// MessageFetcher retrieves recent thread messages, oldest first.
type MessageFetcher interface {
	RecentMessages(ctx context.Context, threadID string, limit int) ([]Message, error)
}

// Error reports a failed rehydration. Retriable: the platform fetch is
// transient by nature.
type Error struct {
	ThreadID string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("history rehydration for thread %s: %v", e.ThreadID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Retriable() bool { return true }

// Rehydrator builds prompts that carry a transcript of the prior turns.
type Rehydrator struct {
	fetcher MessageFetcher
	limit   int
	logger  *logger.Logger
}

// NewRehydrator creates a rehydrator. limit <= 0 uses the default.
func NewRehydrator(fetcher MessageFetcher, limit int, log *logger.Logger) *Rehydrator {
	if limit <= 0 {
		limit = defaultFetchLimit
	}
	return &Rehydrator{
		fetcher: fetcher,
		limit:   limit,
		logger:  log.WithFields(zap.String("component", "history")),
	}
}

// Rehydrate prefixes latestUserText with a transcript of the thread's recent
// messages so a fresh agent session can pick up where the old one stopped.
func (r *Rehydrator) Rehydrate(ctx context.Context, threadID, latestUserText string) (string, error) {
	messages, err := r.fetcher.RecentMessages(ctx, threadID, r.limit)
	if err != nil {
		return "", &Error{ThreadID: threadID, Err: err}
	}
	if len(messages) == 0 {
		return latestUserText, nil
	}

	var b strings.Builder
	b.WriteString("Your execution environment was reset and a new session started. ")
	b.WriteString("The transcript below restores the conversation so far.\n\n")
	b.WriteString("<transcript>\n")
	for _, m := range messages {
		content := strings.TrimSpace(m.Content)
		if content == "" || content == strings.TrimSpace(latestUserText) {
			continue
		}
		role := "user"
		if m.AuthorIsBot {
			role = "assistant"
		}
		name := m.AuthorName
		if name == "" {
			name = role
		}
		fmt.Fprintf(&b, "%s (%s): %s\n", name, role, content)
	}
	b.WriteString("</transcript>\n\n")
	b.WriteString(latestUserText)

	r.logger.Debug("prompt rehydrated",
		zap.String("thread_id", threadID),
		zap.Int("messages", len(messages)))
	return b.String(), nil
}

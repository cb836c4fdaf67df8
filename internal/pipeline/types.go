// Package pipeline ingests platform events and drives per-thread turns:
// dedup, routing, thread resolution, command handling, dispatch, and retry.
package pipeline

import (
	"context"

	"github.com/threadbox/threadbox/internal/session/models"
	"github.com/threadbox/threadbox/internal/thread"
)

// InboundEvent is a platform-agnostic message. ThreadID is empty for
// channel-level messages.
type InboundEvent struct {
	MessageID        string
	ThreadID         string
	ChannelID        string
	GuildID          string
	AuthorID         string
	AuthorIsBot      bool
	MentionsEveryone bool
	MentionedUserIDs []string
	MentionedRoleIDs []string
	BotUserID        string
	BotRoleID        string
	Content          string
}

// IsThread reports whether the event originated inside a thread.
func (e InboundEvent) IsThread() bool { return e.ThreadID != "" }

// ActionType enumerates outbound actions.
type ActionType string

const (
	ActionSend   ActionType = "send"
	ActionReply  ActionType = "reply"
	ActionTyping ActionType = "typing"
)

// Action is an outbound platform effect.
type Action struct {
	Type     ActionType
	ThreadID string
	Text     string
}

// Inbox is the stream of platform events. The channel closes when the
// adapter shuts down.
type Inbox interface {
	Events() <-chan InboundEvent
}

// Outbox publishes actions and scopes a typing pulse around a body.
type Outbox interface {
	Publish(ctx context.Context, action Action) error

	// WithTyping emits a typing pulse on the thread at a fixed cadence
	// until body returns, on all exit paths.
	WithTyping(ctx context.Context, threadID string, body func(ctx context.Context) error) error
}

// ThreadResolver creates or finds the thread for a channel message,
// idempotent by message id so retries land on the same thread.
type ThreadResolver interface {
	Ensure(ctx context.Context, event InboundEvent, suggestedName string) (threadID, channelID string, err error)
}

// RouteQuery is the input to the respond/ignore classifier.
type RouteQuery struct {
	Content          string
	BotUserID        string
	BotRoleID        string
	MentionedUserIDs []string
	MentionedRoleIDs []string
}

// RouteDecision is the classifier verdict.
type RouteDecision struct {
	ShouldRespond bool
	Reason        string
}

// TurnRouter decides whether an unaddressed thread message deserves a reply
// and names new threads.
type TurnRouter interface {
	ShouldRespond(ctx context.Context, q RouteQuery) (RouteDecision, error)
	GenerateThreadName(content string) string
}

// TurnHandler is the per-thread operation surface the pipeline drives.
// *thread.Entities satisfies it.
type TurnHandler interface {
	Send(ctx context.Context, in thread.SendInput) (*thread.SendResult, error)
	Status(ctx context.Context, threadID string) (*models.Session, error)
	Recreate(ctx context.Context, threadID string) error
	Logs(ctx context.Context, threadID string, lines int) (string, string, error)
}

// SessionReader is the subset of the store the pipeline reads for routing.
// Routing reads must not touch activity timestamps, so they bypass the actor.
type SessionReader interface {
	HasTracked(ctx context.Context, threadID string) (bool, error)
	GetByThread(ctx context.Context, threadID string) (*models.Session, error)
}

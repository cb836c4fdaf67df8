// Package thread binds the actor registry to the provisioner: one serialized
// actor per thread id holding the session record as state, exposing the turn
// operations the pipeline and the admin surface consume.
package thread

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/threadbox/threadbox/internal/actor"
	"github.com/threadbox/threadbox/internal/agentapi"
	"github.com/threadbox/threadbox/internal/common/logger"
	"github.com/threadbox/threadbox/internal/events/bus"
	"github.com/threadbox/threadbox/internal/provision"
	"github.com/threadbox/threadbox/internal/sandbox"
	"github.com/threadbox/threadbox/internal/session/models"
	"github.com/threadbox/threadbox/internal/session/store"
)

// PromptSender submits a prompt to an agent session and returns the reply.
type PromptSender interface {
	SendPrompt(ctx context.Context, preview sandbox.Preview, sessionID, text string) (string, error)
}

// History reconstructs prior conversation context when the agent session has
// been swapped under a thread.
type History interface {
	Rehydrate(ctx context.Context, threadID, latestUserText string) (string, error)
}

// SendError wraps any failure inside Send. The retriable bit lives here, on
// the outermost wrapper, derived from the inner cause.
type SendError struct {
	Err error
}

func (e *SendError) Error() string { return fmt.Sprintf("send failed: %v", e.Err) }

func (e *SendError) Unwrap() error { return e.Err }

// Retriable reports whether the pipeline should retry this turn.
func (e *SendError) Retriable() bool { return provision.Retriable(e.Err) }

// SendInput is one user turn.
type SendInput struct {
	ThreadID  string
	ChannelID string
	GuildID   string
	MessageID string
	Text      string
}

// SendResult is the outcome of a turn. ChangedSession reports whether the
// agent session id differs from the pre-send snapshot, which means prior
// context was rehydrated into the prompt.
type SendResult struct {
	Text           string
	Session        *models.Session
	ChangedSession bool
}

// state is the per-actor ephemeral state: the cached record reflecting this
// actor's latest intent. Never persisted as-is; the store is written along
// every transition by the provisioner.
type state struct {
	session *models.Session
}

// Entities is the registry of per-thread actors.
type Entities struct {
	actors  *actor.Map[state]
	store   store.Store
	prov    *provision.Provisioner
	prompts PromptSender
	history History
	events  bus.EventBus
	logger  *logger.Logger
}

// NewEntities creates the registry. idleTimeout of zero disables idle
// pausing; history and events may be nil.
func NewEntities(st store.Store, prov *provision.Provisioner, prompts PromptSender, hist History, events bus.EventBus, idleTimeout time.Duration, log *logger.Logger) *Entities {
	e := &Entities{
		store:   st,
		prov:    prov,
		prompts: prompts,
		history: hist,
		events:  events,
		logger:  log.WithFields(zap.String("component", "thread")),
	}
	e.actors = actor.New(actor.Options[state]{
		Load: func(ctx context.Context, key string) (*state, error) {
			rec, err := st.GetByThread(ctx, key)
			if err != nil {
				return nil, err
			}
			return &state{session: rec}, nil
		},
		IdleTimeout: idleTimeout,
		OnIdle: func(key string) {
			e.onIdle(key)
		},
		Logger: log,
	})
	return e
}

func (e *Entities) onIdle(threadID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if _, err := e.Pause(ctx, threadID, "idle-timeout"); err != nil {
		e.logger.Warn("idle pause failed", zap.String("thread_id", threadID), zap.Error(err))
	}
}

// Send runs one user turn on the thread's actor: ensure an active session,
// rehydrate the prompt if the agent session was swapped, submit, and recover
// once if the sandbox died underneath the send.
func (e *Entities) Send(ctx context.Context, in SendInput) (*SendResult, error) {
	var result *SendResult
	err := e.actors.Run(ctx, in.ThreadID, func(ctx context.Context, slot *actor.Slot[state]) error {
		r, err := e.sendInActor(ctx, in, slot)
		if err != nil {
			e.publishTurnFailed(ctx, in, slot, err)
			return &SendError{Err: err}
		}
		result = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (e *Entities) sendInActor(ctx context.Context, in SendInput, slot *actor.Slot[state]) (*SendResult, error) {
	log := e.logger.WithThreadID(in.ThreadID)

	var snapshot *models.Session
	if st := slot.Get(); st != nil {
		snapshot = st.session
	}

	rec, err := e.prov.EnsureActive(ctx, in.ThreadID, in.ChannelID, in.GuildID, snapshot)
	if err != nil {
		return nil, err
	}
	slot.Set(&state{session: rec})

	reply, rec, err := e.submitPrompt(ctx, in, snapshot, rec)
	if err != nil {
		agentErr, ok := asAgentError(err)
		if !ok {
			return nil, err
		}

		switch agentErr.Kind() {
		case agentapi.KindSandboxDown:
			// The sandbox died underneath the send. Park it in a resumable
			// state, bring a session back up, and retry exactly once.
			log.Warn("prompt failed with sandbox down, recovering", zap.Error(err))
			recovered, recErr := e.prov.RecoverSendFailure(ctx, rec, agentErr)
			if recErr != nil {
				return nil, recErr
			}
			slot.Set(&state{session: recovered})

			rec, err = e.prov.EnsureActive(ctx, in.ThreadID, in.ChannelID, in.GuildID, recovered)
			if err != nil {
				return nil, err
			}
			slot.Set(&state{session: rec})

			reply, rec, err = e.submitPrompt(ctx, in, snapshot, rec)
			if err != nil {
				return nil, err
			}

		case agentapi.KindSessionMissing:
			// The agent lost the session but the sandbox is alive. Park the
			// record in error so the next attempt resumes this sandbox and
			// reattaches a session instead of recreating and losing its
			// filesystem state.
			log.Warn("prompt failed with missing agent session", zap.Error(err))
			recovered, recErr := e.prov.RecoverSendFailure(ctx, rec, agentErr)
			if recErr != nil {
				return nil, recErr
			}
			slot.Set(&state{session: recovered})
			return nil, err

		default:
			return nil, err
		}
	}
	slot.Set(&state{session: rec})

	changed := snapshot != nil && snapshot.AgentSessionID != rec.AgentSessionID
	e.publishTurn(ctx, bus.SubjectTurnCompleted, in, rec)
	return &SendResult{Text: reply, Session: rec, ChangedSession: changed}, nil
}

// submitPrompt marks activity and forwards the (possibly rehydrated) prompt
// to the agent session on rec.
func (e *Entities) submitPrompt(ctx context.Context, in SendInput, snapshot, rec *models.Session) (string, *models.Session, error) {
	prompt := in.Text
	if snapshot != nil && snapshot.AgentSessionID != rec.AgentSessionID && e.history != nil {
		rehydrated, err := e.history.Rehydrate(ctx, in.ThreadID, in.Text)
		if err != nil {
			return "", rec, err
		}
		prompt = rehydrated
	}

	if err := e.store.MarkActivity(ctx, in.ThreadID); err != nil {
		e.logger.Warn("mark activity failed", zap.String("thread_id", in.ThreadID), zap.Error(err))
	}

	preview := sandbox.NormalizePreview(sandbox.Preview{URL: rec.PreviewURL, Token: rec.PreviewToken})
	reply, err := e.prompts.SendPrompt(ctx, preview, rec.AgentSessionID, prompt)
	if err != nil {
		return "", rec, err
	}
	return reply, rec, nil
}

// Status returns the lazily loaded record without resetting the idle timer.
func (e *Entities) Status(ctx context.Context, threadID string) (*models.Session, error) {
	var rec *models.Session
	err := e.actors.Run(ctx, threadID, func(ctx context.Context, slot *actor.Slot[state]) error {
		if st := slot.Get(); st != nil {
			rec = st.session.Clone()
		}
		return nil
	}, actor.WithoutTouch())
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Recreate destroys the thread's sandbox and clears the cached session so the
// next send provisions fresh.
func (e *Entities) Recreate(ctx context.Context, threadID string) error {
	return e.actors.Run(ctx, threadID, func(ctx context.Context, slot *actor.Slot[state]) error {
		st := slot.Get()
		if st == nil || st.session == nil {
			return nil
		}
		if _, err := e.prov.Destroy(ctx, st.session, "recreate"); err != nil {
			return err
		}
		slot.Set(&state{session: nil})
		return nil
	})
}

// Pause stops the thread's sandbox.
func (e *Entities) Pause(ctx context.Context, threadID, reason string) (*models.Session, error) {
	var rec *models.Session
	err := e.actors.Run(ctx, threadID, func(ctx context.Context, slot *actor.Slot[state]) error {
		st := slot.Get()
		if st == nil || st.session == nil {
			return nil
		}
		paused, err := e.prov.Pause(ctx, st.session, reason)
		if err != nil {
			return err
		}
		slot.Set(&state{session: paused})
		rec = paused
		return nil
	}, actor.WithoutTouch())
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Resume brings the thread's session back to active.
func (e *Entities) Resume(ctx context.Context, threadID, channelOverride, guildOverride string) (*models.Session, error) {
	var rec *models.Session
	err := e.actors.Run(ctx, threadID, func(ctx context.Context, slot *actor.Slot[state]) error {
		var snapshot *models.Session
		channelID, guildID := channelOverride, guildOverride
		if st := slot.Get(); st != nil && st.session != nil {
			snapshot = st.session
			if channelID == "" {
				channelID = snapshot.ChannelID
			}
			if guildID == "" {
				guildID = snapshot.GuildID
			}
		}
		active, err := e.prov.EnsureActive(ctx, threadID, channelID, guildID, snapshot)
		if err != nil {
			return err
		}
		slot.Set(&state{session: active})
		rec = active
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Logs tails the agent log inside the thread's sandbox.
func (e *Entities) Logs(ctx context.Context, threadID string, lines int) (string, string, error) {
	var sandboxID, output string
	err := e.actors.Run(ctx, threadID, func(ctx context.Context, slot *actor.Slot[state]) error {
		st := slot.Get()
		if st == nil || st.session == nil || st.session.SandboxID == "" {
			return fmt.Errorf("no sandbox for thread %s", threadID)
		}
		sandboxID = st.session.SandboxID
		out, err := e.prov.LogTail(ctx, sandboxID, lines)
		if err != nil {
			return err
		}
		output = out
		return nil
	}, actor.WithoutTouch())
	if err != nil {
		return "", "", err
	}
	return sandboxID, output, nil
}

// Close tears down every actor.
func (e *Entities) Close() {
	e.actors.Close()
}

func (e *Entities) publishTurn(ctx context.Context, subject string, in SendInput, rec *models.Session) {
	if e.events == nil {
		return
	}
	data := map[string]interface{}{
		"thread_id":  in.ThreadID,
		"message_id": in.MessageID,
		"sandbox_id": rec.SandboxID,
	}
	if err := e.events.Publish(ctx, subject, bus.NewEvent(subject, "thread", data)); err != nil {
		e.logger.Warn("failed to publish turn event", zap.String("thread_id", in.ThreadID), zap.Error(err))
	}
}

func (e *Entities) publishTurnFailed(ctx context.Context, in SendInput, slot *actor.Slot[state], cause error) {
	if e.events == nil {
		return
	}
	data := map[string]interface{}{
		"thread_id":  in.ThreadID,
		"message_id": in.MessageID,
		"error":      cause.Error(),
	}
	if st := slot.Get(); st != nil && st.session != nil {
		data["sandbox_id"] = st.session.SandboxID
	}
	if err := e.events.Publish(ctx, bus.SubjectTurnFailed, bus.NewEvent(bus.SubjectTurnFailed, "thread", data)); err != nil {
		e.logger.Warn("failed to publish turn event", zap.String("thread_id", in.ThreadID), zap.Error(err))
	}
}

func asAgentError(err error) (*agentapi.Error, bool) {
	var agentErr *agentapi.Error
	if errors.As(err, &agentErr) {
		return agentErr, true
	}
	return nil, false
}

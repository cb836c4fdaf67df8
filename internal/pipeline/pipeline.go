package pipeline

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/threadbox/threadbox/internal/common/logger"
	"github.com/threadbox/threadbox/internal/session/models"
	"github.com/threadbox/threadbox/internal/thread"
)

// Config holds the pipeline's identity and display knobs.
type Config struct {
	BotUserID  string
	BotRoleID  string
	AgentModel string
}

// Pipeline consumes inbound events with unbounded per-event concurrency;
// events only collide when they share a thread, where the actor serializes
// them.
type Pipeline struct {
	cfg      Config
	inbox    Inbox
	outbox   Outbox
	resolver ThreadResolver
	router   TurnRouter
	turns    TurnHandler
	sessions SessionReader
	dedup    *Dedup
	logger   *logger.Logger
}

// New creates a pipeline. dedup may be nil to use the default window.
func New(cfg Config, inbox Inbox, outbox Outbox, resolver ThreadResolver, router TurnRouter, turns TurnHandler, sessions SessionReader, dedup *Dedup, log *logger.Logger) *Pipeline {
	if dedup == nil {
		dedup = NewDedup(DefaultDedupCapacity)
	}
	return &Pipeline{
		cfg:      cfg,
		inbox:    inbox,
		outbox:   outbox,
		resolver: resolver,
		router:   router,
		turns:    turns,
		sessions: sessions,
		dedup:    dedup,
		logger:   log.WithFields(zap.String("component", "pipeline")),
	}
}

// Run consumes the inbox until ctx is cancelled or the stream closes, then
// waits for in-flight events to finish.
func (p *Pipeline) Run(ctx context.Context) error {
	var g errgroup.Group
	events := p.inbox.Events()

	for {
		select {
		case <-ctx.Done():
			err := g.Wait()
			if err == nil {
				err = ctx.Err()
			}
			return err
		case ev, ok := <-events:
			if !ok {
				return g.Wait()
			}
			g.Go(func() error {
				p.handleEvent(ctx, ev)
				return nil
			})
		}
	}
}

// HandleEvent processes one event synchronously. Exposed for the adapter's
// catch-up path and for tests.
func (p *Pipeline) HandleEvent(ctx context.Context, ev InboundEvent) {
	p.handleEvent(ctx, ev)
}

func (p *Pipeline) handleEvent(ctx context.Context, ev InboundEvent) {
	log := p.logger.WithFields(
		zap.String("message_id", ev.MessageID),
		zap.String("channel_id", ev.ChannelID))

	// Cheap structural drops happen before dedup so garbage never occupies
	// window slots.
	if ev.AuthorIsBot || ev.MentionsEveryone || strings.TrimSpace(ev.Content) == "" {
		return
	}

	if !p.dedup.Fresh(ev.MessageID) {
		log.Debug("duplicate message dropped")
		return
	}

	respond, err := p.shouldRespond(ctx, ev)
	if err != nil {
		log.Warn("routing failed, ignoring message", zap.Error(err))
		return
	}
	if !respond {
		return
	}

	// Resolution is idempotent per message id, so a retriable Discord
	// failure here gets the same backoff treatment as the turn itself.
	var threadID, channelID string
	err = withRetry(ctx, func(ctx context.Context) error {
		var resolveErr error
		threadID, channelID, resolveErr = p.resolveThread(ctx, ev)
		return resolveErr
	})
	if err != nil {
		log.Error("thread resolution failed", zap.Error(err))
		return
	}
	log = log.WithThreadID(threadID)

	text := stripBotMentions(ev.Content, ev.BotUserID, ev.BotRoleID)

	if cmd := parseCommand(text); cmd != nil {
		reply := p.handleCommand(ctx, threadID, cmd)
		p.publish(ctx, Action{Type: ActionReply, ThreadID: threadID, Text: reply})
		return
	}

	p.dispatch(ctx, ev, threadID, channelID, text, log)
}

// shouldRespond applies the routing rules: explicit mention always wins; an
// unaddressed thread message gets a reply only when the thread is tracked
// and the classifier agrees.
func (p *Pipeline) shouldRespond(ctx context.Context, ev InboundEvent) (bool, error) {
	mentioned := containsString(ev.MentionedUserIDs, ev.BotUserID) ||
		(ev.BotRoleID != "" && containsString(ev.MentionedRoleIDs, ev.BotRoleID))

	if !ev.IsThread() {
		return mentioned, nil
	}
	if mentioned {
		return true, nil
	}

	tracked, err := p.sessions.HasTracked(ctx, ev.ThreadID)
	if err != nil {
		return false, &RoutingError{Err: err}
	}
	if !tracked {
		return false, nil
	}

	decision, err := p.router.ShouldRespond(ctx, RouteQuery{
		Content:          ev.Content,
		BotUserID:        ev.BotUserID,
		BotRoleID:        ev.BotRoleID,
		MentionedUserIDs: ev.MentionedUserIDs,
		MentionedRoleIDs: ev.MentionedRoleIDs,
	})
	if err != nil {
		return false, &RoutingError{Err: err}
	}
	return decision.ShouldRespond, nil
}

func (p *Pipeline) resolveThread(ctx context.Context, ev InboundEvent) (string, string, error) {
	if ev.IsThread() {
		return ev.ThreadID, ev.ChannelID, nil
	}
	name := p.router.GenerateThreadName(ev.Content)
	return p.resolver.Ensure(ctx, ev, name)
}

// dispatch runs the turn under a typing scope with retry, publishing the
// reply or, for non-retriable failures, the generic recovery message.
func (p *Pipeline) dispatch(ctx context.Context, ev InboundEvent, threadID, channelID, text string, log *logger.Logger) {
	// A session that is not currently active means the user will wait on a
	// resume; let them know.
	if rec, err := p.sessions.GetByThread(ctx, threadID); err == nil && rec != nil {
		switch rec.Status {
		case models.StatusPaused, models.StatusPausing, models.StatusResuming, models.StatusError:
			p.publish(ctx, Action{Type: ActionReply, ThreadID: threadID, Text: MsgRecovering})
		}
	}

	var result *thread.SendResult
	err := p.outbox.WithTyping(ctx, threadID, func(ctx context.Context) error {
		return withRetry(ctx, func(ctx context.Context) error {
			res, sendErr := p.turns.Send(ctx, thread.SendInput{
				ThreadID:  threadID,
				ChannelID: channelID,
				GuildID:   ev.GuildID,
				MessageID: ev.MessageID,
				Text:      text,
			})
			if sendErr != nil {
				return sendErr
			}
			result = res
			return nil
		})
	})
	if err != nil {
		if isRetriable(err) {
			// The typing indicator simply stops; retriable exhaustion gets
			// no user-visible text.
			log.Warn("turn failed after retries", zap.Error(err))
		} else {
			log.Error("turn failed", zap.Error(err))
			p.publish(ctx, Action{Type: ActionSend, ThreadID: threadID, Text: MsgGenericFailure})
		}
		return
	}

	p.publish(ctx, Action{Type: ActionSend, ThreadID: threadID, Text: result.Text})
}

func (p *Pipeline) publish(ctx context.Context, action Action) {
	if err := p.outbox.Publish(ctx, action); err != nil {
		p.logger.Warn("outbox publish failed",
			zap.String("thread_id", action.ThreadID),
			zap.Error(err))
	}
}

// stripBotMentions removes the bot's mention tokens so commands and prompts
// see clean text.
func stripBotMentions(content, botUserID, botRoleID string) string {
	out := content
	if botUserID != "" {
		out = strings.ReplaceAll(out, "<@"+botUserID+">", "")
		out = strings.ReplaceAll(out, "<@!"+botUserID+">", "")
	}
	if botRoleID != "" {
		out = strings.ReplaceAll(out, "<@&"+botRoleID+">", "")
	}
	return strings.TrimSpace(out)
}

func containsString(list []string, v string) bool {
	if v == "" {
		return false
	}
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

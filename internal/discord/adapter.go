package discord

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/threadbox/threadbox/internal/common/logger"
	"github.com/threadbox/threadbox/internal/history"
	"github.com/threadbox/threadbox/internal/pipeline"
	"github.com/threadbox/threadbox/internal/session/store"
)

const (
	typingInterval  = 8 * time.Second
	eventBufferSize = 256
	catchupPageSize = 100
)

// AdapterConfig identifies the bot on the platform.
type AdapterConfig struct {
	Token     string
	BotUserID string
	BotRoleID string
	Intents   int
}

// Adapter glues Discord to the pipeline: gateway dispatches become
// InboundEvents, outbound actions become REST calls, and thread creation is
// idempotent by message id. It also persists per-thread offsets so missed
// messages are replayed after a restart.
type Adapter struct {
	cfg     AdapterConfig
	rest    *Rest
	gateway *Gateway
	store   store.Store
	events  chan pipeline.InboundEvent
	logger  *logger.Logger

	mu      sync.Mutex
	ensured map[string]string // message id -> thread id
}

var (
	_ pipeline.Inbox          = (*Adapter)(nil)
	_ pipeline.Outbox         = (*Adapter)(nil)
	_ pipeline.ThreadResolver = (*Adapter)(nil)
	_ history.MessageFetcher  = (*Adapter)(nil)
)

// NewAdapter creates the adapter. The gateway is not connected until Run.
func NewAdapter(cfg AdapterConfig, st store.Store, log *logger.Logger) *Adapter {
	a := &Adapter{
		cfg:     cfg,
		rest:    NewRest(cfg.Token, log),
		store:   st,
		events:  make(chan pipeline.InboundEvent, eventBufferSize),
		logger:  log.WithFields(zap.String("component", "discord")),
		ensured: make(map[string]string),
	}
	a.gateway = NewGateway(cfg.Token, cfg.Intents, a.onMessage, log)
	return a
}

// Rest exposes the underlying REST client.
func (a *Adapter) Rest() *Rest { return a.rest }

// Events implements pipeline.Inbox.
func (a *Adapter) Events() <-chan pipeline.InboundEvent { return a.events }

// Run replays missed messages for tracked threads, then holds the gateway
// connection until ctx is cancelled. The events channel closes on return.
func (a *Adapter) Run(ctx context.Context) error {
	a.catchUp(ctx)
	err := a.gateway.Run(ctx)
	close(a.events)
	return err
}

// onMessage converts a gateway dispatch and forwards it to the pipeline.
func (a *Adapter) onMessage(msg Message) {
	ctx, cancel := context.WithTimeout(context.Background(), restTimeout)
	defer cancel()

	ev := a.toInboundEvent(ctx, msg)
	select {
	case a.events <- ev:
	default:
		a.logger.Warn("event buffer full, dropping message",
			zap.String("message_id", msg.ID))
		return
	}
	a.saveOffset(ctx, ev)
}

func (a *Adapter) toInboundEvent(ctx context.Context, msg Message) pipeline.InboundEvent {
	ev := pipeline.InboundEvent{
		MessageID:        msg.ID,
		ChannelID:        msg.ChannelID,
		GuildID:          msg.GuildID,
		AuthorID:         msg.Author.ID,
		AuthorIsBot:      msg.Author.Bot,
		MentionsEveryone: msg.MentionEveryone,
		MentionedRoleIDs: msg.MentionRoles,
		BotUserID:        a.cfg.BotUserID,
		BotRoleID:        a.cfg.BotRoleID,
		Content:          msg.Content,
	}
	for _, m := range msg.Mentions {
		ev.MentionedUserIDs = append(ev.MentionedUserIDs, m.ID)
	}

	// A message "in a channel" that is actually a thread carries the thread
	// as its channel id; resolve the real parent.
	info, err := a.rest.GetChannel(ctx, msg.ChannelID)
	if err != nil {
		a.logger.Debug("channel lookup failed, treating as channel message",
			zap.String("channel_id", msg.ChannelID), zap.Error(err))
		return ev
	}
	if info.IsThread() {
		ev.ThreadID = msg.ChannelID
		ev.ChannelID = info.ParentID
	}
	return ev
}

func (a *Adapter) saveOffset(ctx context.Context, ev pipeline.InboundEvent) {
	sourceID := ev.ThreadID
	if sourceID == "" {
		sourceID = ev.ChannelID
	}
	if err := a.store.SaveOffset(ctx, sourceID, ev.MessageID); err != nil {
		a.logger.Warn("offset save failed", zap.String("source_id", sourceID), zap.Error(err))
	}
}

// catchUp replays messages tracked threads received while the orchestrator
// was down.
func (a *Adapter) catchUp(ctx context.Context) {
	records, err := a.store.ListTracked(ctx)
	if err != nil {
		a.logger.Warn("catch-up listing failed", zap.Error(err))
		return
	}

	for _, rec := range records {
		offset, err := a.store.GetOffset(ctx, rec.ThreadID)
		if err != nil {
			a.logger.Warn("offset read failed", zap.String("thread_id", rec.ThreadID), zap.Error(err))
			continue
		}
		if offset == "" {
			continue
		}

		missed, err := a.rest.MessagesAfter(ctx, rec.ThreadID, offset, catchupPageSize)
		if err != nil {
			a.logger.Warn("catch-up fetch failed", zap.String("thread_id", rec.ThreadID), zap.Error(err))
			continue
		}
		for _, msg := range missed {
			ev := a.toInboundEvent(ctx, msg)
			select {
			case a.events <- ev:
				a.saveOffset(ctx, ev)
			case <-ctx.Done():
				return
			}
		}
		if len(missed) > 0 {
			a.logger.Info("replayed missed messages",
				zap.String("thread_id", rec.ThreadID),
				zap.Int("count", len(missed)))
		}
	}
}

// Publish implements pipeline.Outbox.
func (a *Adapter) Publish(ctx context.Context, action pipeline.Action) error {
	switch action.Type {
	case pipeline.ActionTyping:
		return a.rest.TriggerTyping(ctx, action.ThreadID)
	default:
		return a.rest.CreateMessage(ctx, action.ThreadID, action.Text)
	}
}

// WithTyping implements pipeline.Outbox: a typing pulse every 8 seconds
// until body returns, stopped on every exit path.
func (a *Adapter) WithTyping(ctx context.Context, threadID string, body func(ctx context.Context) error) error {
	pulseCtx, stopPulse := context.WithCancel(ctx)
	defer stopPulse()

	go func() {
		if err := a.rest.TriggerTyping(pulseCtx, threadID); err != nil {
			a.logger.Debug("typing pulse failed", zap.String("thread_id", threadID), zap.Error(err))
		}
		ticker := time.NewTicker(typingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pulseCtx.Done():
				return
			case <-ticker.C:
				if err := a.rest.TriggerTyping(pulseCtx, threadID); err != nil {
					a.logger.Debug("typing pulse failed", zap.String("thread_id", threadID), zap.Error(err))
				}
			}
		}
	}()

	return body(ctx)
}

// Ensure implements pipeline.ThreadResolver: thread creation keyed by the
// originating message id so retried events land on the same thread.
func (a *Adapter) Ensure(ctx context.Context, event pipeline.InboundEvent, suggestedName string) (string, string, error) {
	a.mu.Lock()
	if threadID, ok := a.ensured[event.MessageID]; ok {
		a.mu.Unlock()
		return threadID, event.ChannelID, nil
	}
	a.mu.Unlock()

	threadID, err := a.rest.StartThreadFromMessage(ctx, event.ChannelID, event.MessageID, suggestedName)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return "", "", &pipeline.ThreadEnsureError{StatusCode: apiErr.StatusCode, Err: err}
		}
		return "", "", &pipeline.ThreadEnsureError{Err: err}
	}

	a.mu.Lock()
	a.ensured[event.MessageID] = threadID
	a.mu.Unlock()
	return threadID, event.ChannelID, nil
}

// RecentMessages implements history.MessageFetcher for prompt rehydration.
func (a *Adapter) RecentMessages(ctx context.Context, threadID string, limit int) ([]history.Message, error) {
	msgs, err := a.rest.RecentMessages(ctx, threadID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]history.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, history.Message{
			AuthorName:  m.Author.Username,
			AuthorIsBot: m.Author.Bot,
			Content:     m.Content,
		})
	}
	return out, nil
}

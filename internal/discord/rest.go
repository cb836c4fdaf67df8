// Package discord is the platform adapter: a gateway client for inbound
// events and a REST client for outbound effects, glued to the pipeline's
// Inbox/Outbox/ThreadResolver contracts.
package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/threadbox/threadbox/internal/common/logger"
)

const (
	apiBase        = "https://discord.com/api/v10"
	restTimeout    = 15 * time.Second
	maxMessageLen  = 2000
	threadAutoArch = 1440 // minutes
)

// Channel types relevant to routing.
const (
	channelTypeGuildText     = 0
	channelTypePublicThread  = 11
	channelTypePrivateThread = 12
	channelTypeNewsThread    = 10
)

// APIError is a non-2xx Discord REST response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("discord API: HTTP %d: %s", e.StatusCode, e.Body)
}

// Message is a Discord message as returned by the REST API.
type Message struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	GuildID   string `json:"guild_id"`
	Content   string `json:"content"`
	Author    struct {
		ID       string `json:"id"`
		Username string `json:"username"`
		Bot      bool   `json:"bot"`
	} `json:"author"`
	Mentions []struct {
		ID string `json:"id"`
	} `json:"mentions"`
	MentionRoles    []string `json:"mention_roles"`
	MentionEveryone bool     `json:"mention_everyone"`
}

// ChannelInfo is the subset of a channel object the adapter needs.
type ChannelInfo struct {
	ID       string `json:"id"`
	Type     int    `json:"type"`
	ParentID string `json:"parent_id"`
}

// IsThread reports whether the channel is any thread type.
func (c ChannelInfo) IsThread() bool {
	switch c.Type {
	case channelTypePublicThread, channelTypePrivateThread, channelTypeNewsThread:
		return true
	}
	return false
}

// Rest is a minimal Discord REST client. Safe for concurrent use.
type Rest struct {
	token   string
	baseURL string
	client  *http.Client
	logger  *logger.Logger

	mu       sync.Mutex
	channels map[string]ChannelInfo // channel type cache
}

// NewRest creates a REST client with the bot token.
func NewRest(token string, log *logger.Logger) *Rest {
	return &Rest{
		token:    token,
		baseURL:  apiBase,
		client:   &http.Client{Timeout: restTimeout},
		logger:   log.WithFields(zap.String("component", "discord-rest")),
		channels: make(map[string]ChannelInfo),
	}
}

// NewRestWithBase is NewRest pointed at a custom API base, for tests.
func NewRestWithBase(token, baseURL string, log *logger.Logger) *Rest {
	r := NewRest(token, log)
	r.baseURL = baseURL
	return r
}

func (r *Rest) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bot "+r.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("parse response: %w", err)
		}
	}
	return nil
}

// CreateMessage posts content to a channel or thread, chunking at the
// platform's message length cap.
func (r *Rest) CreateMessage(ctx context.Context, channelID, content string) error {
	for _, chunk := range chunkMessage(content, maxMessageLen) {
		payload := map[string]interface{}{
			"content": chunk,
			// Never let agent output ping people.
			"allowed_mentions": map[string]interface{}{"parse": []string{}},
		}
		if err := r.do(ctx, http.MethodPost, "/channels/"+channelID+"/messages", payload, nil); err != nil {
			return err
		}
	}
	return nil
}

// TriggerTyping emits one typing indicator on the channel. It expires
// platform-side after ~10 seconds.
func (r *Rest) TriggerTyping(ctx context.Context, channelID string) error {
	return r.do(ctx, http.MethodPost, "/channels/"+channelID+"/typing", struct{}{}, nil)
}

// StartThreadFromMessage creates a thread anchored on the message. Discord
// makes this idempotent: a second call for the same message returns the
// existing thread.
func (r *Rest) StartThreadFromMessage(ctx context.Context, channelID, messageID, name string) (string, error) {
	payload := map[string]interface{}{
		"name":                  name,
		"auto_archive_duration": threadAutoArch,
	}
	var thread ChannelInfo
	err := r.do(ctx, http.MethodPost,
		"/channels/"+channelID+"/messages/"+messageID+"/threads", payload, &thread)
	if err != nil {
		// 400 with code 160004 means the thread already exists; the thread
		// id equals the anchoring message id.
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == 400 &&
			strings.Contains(apiErr.Body, "160004") {
			return messageID, nil
		}
		return "", err
	}
	r.cacheChannel(thread)
	return thread.ID, nil
}

// GetChannel fetches channel metadata, serving repeats from a cache.
func (r *Rest) GetChannel(ctx context.Context, channelID string) (ChannelInfo, error) {
	r.mu.Lock()
	if info, ok := r.channels[channelID]; ok {
		r.mu.Unlock()
		return info, nil
	}
	r.mu.Unlock()

	var info ChannelInfo
	if err := r.do(ctx, http.MethodGet, "/channels/"+channelID, nil, &info); err != nil {
		return ChannelInfo{}, err
	}
	r.cacheChannel(info)
	return info, nil
}

// MessagesAfter fetches up to limit messages newer than afterID, oldest
// first.
func (r *Rest) MessagesAfter(ctx context.Context, channelID, afterID string, limit int) ([]Message, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	q := url.Values{"limit": {strconv.Itoa(limit)}}
	if afterID != "" {
		q.Set("after", afterID)
	}

	var messages []Message
	if err := r.do(ctx, http.MethodGet, "/channels/"+channelID+"/messages?"+q.Encode(), nil, &messages); err != nil {
		return nil, err
	}
	// Discord returns newest first.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// RecentMessages fetches the latest messages in a channel, oldest first.
func (r *Rest) RecentMessages(ctx context.Context, channelID string, limit int) ([]Message, error) {
	return r.MessagesAfter(ctx, channelID, "", limit)
}

func (r *Rest) cacheChannel(info ChannelInfo) {
	r.mu.Lock()
	r.channels[info.ID] = info
	r.mu.Unlock()
}

// chunkMessage splits content at the platform cap, preferring newline
// boundaries.
func chunkMessage(content string, max int) []string {
	if content == "" {
		return []string{""}
	}
	var chunks []string
	for len(content) > max {
		cut := max
		if idx := lastIndexByteBefore(content, '\n', max); idx > max/2 {
			cut = idx
		}
		chunks = append(chunks, content[:cut])
		content = content[cut:]
		if len(content) > 0 && content[0] == '\n' {
			content = content[1:]
		}
	}
	if len(content) > 0 {
		chunks = append(chunks, content)
	}
	return chunks
}

func lastIndexByteBefore(s string, b byte, before int) int {
	for i := before - 1; i >= 0; i-- {
		if s[i] == b {
			return i
		}
	}
	return -1
}


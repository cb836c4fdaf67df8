// Package agentapi is the HTTP client for the agent server running inside a
// sandbox: health, session CRUD, and prompt submission.
package agentapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/threadbox/threadbox/internal/common/logger"
	"github.com/threadbox/threadbox/internal/sandbox"
)

const (
	healthPollInterval = 2 * time.Second
	defaultTimeout     = 30 * time.Second

	// Prompts can take minutes to complete; they get a dedicated client.
	promptTimeout = 60 * time.Minute
)

// FailureKind classifies a prompt-submission failure from transport
// observables alone.
type FailureKind string

const (
	KindSessionMissing FailureKind = "session-missing"
	KindSandboxDown    FailureKind = "sandbox-down"
	KindNonRecoverable FailureKind = "non-recoverable"
)

// Error is an agent request failure. StatusCode 0 means the request never
// produced an HTTP response (network failure).
type Error struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *Error) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("agent %s: network failure: %s", e.Op, e.Body)
	}
	return fmt.Sprintf("agent %s: HTTP %d: %s", e.Op, e.StatusCode, e.Body)
}

// Kind maps the failure onto the recovery taxonomy. A 404 means the agent is
// reachable but the session is gone; network failures and 5xx (or the
// provider's "sandbox not found" / "is the sandbox started" body markers)
// mean the sandbox itself is down; anything else is not recoverable.
func (e *Error) Kind() FailureKind {
	if e.StatusCode == http.StatusNotFound {
		return KindSessionMissing
	}
	if e.StatusCode == 0 || e.StatusCode >= 500 {
		return KindSandboxDown
	}
	body := strings.ToLower(e.Body)
	if strings.Contains(body, "sandbox not found") || strings.Contains(body, "is the sandbox started") {
		return KindSandboxDown
	}
	return KindNonRecoverable
}

// HealthError reports an agent that never became healthy within the budget.
type HealthError struct {
	LastStatus int
	LastBody   string
}

func (e *HealthError) Error() string {
	if e.LastStatus == 0 {
		return "agent health check timed out: no response"
	}
	return fmt.Sprintf("agent health check timed out: last HTTP %d: %s", e.LastStatus, e.LastBody)
}

// SessionInfo is one entry from the agent's session listing.
type SessionInfo struct {
	ID        string
	Title     string
	UpdatedAt time.Time
}

// Client talks to the agent server across the sandbox preview boundary.
// Safe for concurrent use from multiple actors.
type Client struct {
	httpClient   *http.Client
	promptClient *http.Client
	logger       *logger.Logger
}

// NewClient creates an agent client.
func NewClient(log *logger.Logger) *Client {
	return &Client{
		httpClient:   &http.Client{Timeout: defaultTimeout},
		promptClient: &http.Client{Timeout: promptTimeout},
		logger:       log.WithFields(zap.String("component", "agentapi")),
	}
}

func authHeader(token string) string {
	credentials := base64.StdEncoding.EncodeToString([]byte("opencode:" + token))
	return "Basic " + credentials
}

func (c *Client) doRequest(ctx context.Context, client *http.Client, preview sandbox.Preview, method, path string, body io.Reader) (*http.Response, error) {
	url := strings.TrimSuffix(preview.URL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", authHeader(preview.Token))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return client.Do(req)
}

// WaitForHealthy polls the agent health endpoint until it reports healthy or
// the wall-clock budget is exhausted.
func (c *Client) WaitForHealthy(ctx context.Context, preview sandbox.Preview, maxWait time.Duration) error {
	deadline := time.Now().Add(maxWait)
	lastStatus := 0
	lastBody := ""

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		resp, err := c.doRequest(ctx, c.httpClient, preview, http.MethodGet, "/global/health", nil)
		if err == nil {
			bodyBytes, readErr := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			lastStatus = resp.StatusCode
			lastBody = string(bodyBytes)

			if readErr == nil && resp.StatusCode == http.StatusOK {
				var health struct {
					Healthy bool   `json:"healthy"`
					Version string `json:"version"`
				}
				if json.Unmarshal(bodyBytes, &health) == nil && health.Healthy {
					c.logger.Debug("agent healthy", zap.String("version", health.Version))
					return nil
				}
			}
		} else {
			c.logger.Debug("health check request failed", zap.Error(err))
		}

		if !time.Now().Add(healthPollInterval).Before(deadline) {
			return &HealthError{LastStatus: lastStatus, LastBody: lastBody}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(healthPollInterval):
		}
	}
}

// CreateSession creates a new agent session with the given title.
func (c *Client) CreateSession(ctx context.Context, preview sandbox.Preview, title string) (string, error) {
	payload, err := json.Marshal(map[string]string{"title": title})
	if err != nil {
		return "", fmt.Errorf("marshal session request: %w", err)
	}

	resp, err := c.doRequest(ctx, c.httpClient, preview, http.MethodPost, "/session", strings.NewReader(string(payload)))
	if err != nil {
		return "", &Error{Op: "create_session", StatusCode: 0, Body: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", &Error{Op: "create_session", StatusCode: resp.StatusCode, Body: string(body)}
	}

	var session struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &session); err != nil {
		return "", fmt.Errorf("parse session response: %w", err)
	}
	if session.ID == "" {
		return "", fmt.Errorf("session response missing id: %s", string(body))
	}
	return session.ID, nil
}

// SessionExists reports whether the agent still knows the session id.
func (c *Client) SessionExists(ctx context.Context, preview sandbox.Preview, sessionID string) (bool, error) {
	resp, err := c.doRequest(ctx, c.httpClient, preview, http.MethodGet, "/session/"+sessionID, nil)
	if err != nil {
		return false, &Error{Op: "session_exists", StatusCode: 0, Body: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode == http.StatusOK:
		return true, nil
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	default:
		return false, &Error{Op: "session_exists", StatusCode: resp.StatusCode, Body: ""}
	}
}

// ListSessions returns up to limit sessions known to the agent.
func (c *Client) ListSessions(ctx context.Context, preview sandbox.Preview, limit int) ([]SessionInfo, error) {
	path := "/session"
	if limit > 0 {
		path = fmt.Sprintf("/session?limit=%d", limit)
	}
	resp, err := c.doRequest(ctx, c.httpClient, preview, http.MethodGet, path, nil)
	if err != nil {
		return nil, &Error{Op: "list_sessions", StatusCode: 0, Body: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, &Error{Op: "list_sessions", StatusCode: resp.StatusCode, Body: string(body)}
	}

	var raw []struct {
		ID    string `json:"id"`
		Title string `json:"title"`
		Time  struct {
			Updated int64 `json:"updated"`
		} `json:"time"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse session list: %w", err)
	}

	sessions := make([]SessionInfo, 0, len(raw))
	for _, r := range raw {
		info := SessionInfo{ID: r.ID, Title: r.Title}
		if r.Time.Updated > 0 {
			info.UpdatedAt = time.UnixMilli(r.Time.Updated)
		}
		sessions = append(sessions, info)
	}
	return sessions, nil
}

// SendPrompt submits a prompt to the session and returns the reply text.
// Failures come back as *Error so callers can classify the recovery path.
func (c *Client) SendPrompt(ctx context.Context, preview sandbox.Preview, sessionID, text string) (string, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"parts": []map[string]string{
			{"type": "text", "text": text},
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal prompt request: %w", err)
	}

	path := fmt.Sprintf("/session/%s/message", sessionID)
	resp, err := c.doRequest(ctx, c.promptClient, preview, http.MethodPost, path, strings.NewReader(string(payload)))
	if err != nil {
		return "", &Error{Op: "send_prompt", StatusCode: 0, Body: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read prompt response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &Error{Op: "send_prompt", StatusCode: resp.StatusCode, Body: string(body)}
	}

	reply, err := extractReplyText(body)
	if err != nil {
		return "", fmt.Errorf("parse prompt response: %w", err)
	}
	return reply, nil
}

// AbortSession asks the agent to stop the session's current operation.
// Best-effort: errors are ignored and a short timeout applies.
func (c *Client) AbortSession(ctx context.Context, preview sandbox.Preview, sessionID string) {
	abortCtx, cancel := context.WithTimeout(ctx, 800*time.Millisecond)
	defer cancel()

	resp, err := c.doRequest(abortCtx, c.httpClient, preview, http.MethodPost, "/session/"+sessionID+"/abort", nil)
	if err != nil {
		return
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.ReadAll(resp.Body)
}

// extractReplyText pulls the assistant text out of a prompt response of the
// form { info, parts: [{type, text}, ...] }. An error payload of the form
// { name, data: { message } } becomes an error.
func extractReplyText(body []byte) (string, error) {
	var parsed struct {
		Info  json.RawMessage `json:"info"`
		Parts []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"parts"`
		Name string `json:"name"`
		Data struct {
			Message string `json:"message"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", err
	}

	if parsed.Name != "" {
		msg := parsed.Data.Message
		if msg == "" {
			msg = "unknown error"
		}
		return "", fmt.Errorf("agent error: %s: %s", parsed.Name, msg)
	}

	var out strings.Builder
	for _, part := range parsed.Parts {
		if part.Type != "text" {
			continue
		}
		if out.Len() > 0 {
			out.WriteString("\n")
		}
		out.WriteString(part.Text)
	}
	if out.Len() == 0 {
		return "", fmt.Errorf("prompt returned no text parts")
	}
	return out.String(), nil
}

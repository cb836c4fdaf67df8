package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threadbox/threadbox/internal/common/logger"
	"github.com/threadbox/threadbox/internal/session/models"
)

type fakeThreads struct {
	statusRec  *models.Session
	statusErr  error
	pausedWith string
	pauseRec   *models.Session
	resumeRec  *models.Session
	recreated  []string
	logsOut    string
	logsLines  int
	logsErr    error
}

func (f *fakeThreads) Status(ctx context.Context, threadID string) (*models.Session, error) {
	return f.statusRec, f.statusErr
}

func (f *fakeThreads) Pause(ctx context.Context, threadID, reason string) (*models.Session, error) {
	f.pausedWith = reason
	return f.pauseRec, nil
}

func (f *fakeThreads) Resume(ctx context.Context, threadID, channelOverride, guildOverride string) (*models.Session, error) {
	return f.resumeRec, nil
}

func (f *fakeThreads) Recreate(ctx context.Context, threadID string) error {
	f.recreated = append(f.recreated, threadID)
	return nil
}

func (f *fakeThreads) Logs(ctx context.Context, threadID string, lines int) (string, string, error) {
	f.logsLines = lines
	return "sb-1", f.logsOut, f.logsErr
}

type fakeSessions struct {
	tracked  []*models.Session
	byThread map[string]*models.Session
	listErr  error
}

func (f *fakeSessions) ListTracked(ctx context.Context) ([]*models.Session, error) {
	return f.tracked, f.listErr
}

func (f *fakeSessions) GetByThread(ctx context.Context, threadID string) (*models.Session, error) {
	return f.byThread[threadID], nil
}

func newTestServer(t *testing.T, threads *fakeThreads, sessions *fakeSessions) *Server {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return NewServer(threads, sessions, log)
}

func doRequest(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t, &fakeThreads{}, &fakeSessions{})
	w := doRequest(t, s, http.MethodGet, "/health", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestListSessions(t *testing.T) {
	sessions := &fakeSessions{tracked: []*models.Session{
		{ThreadID: "t1", Status: models.StatusActive},
		{ThreadID: "t2", Status: models.StatusPaused},
	}}
	s := newTestServer(t, &fakeThreads{}, sessions)
	w := doRequest(t, s, http.MethodGet, "/api/v1/sessions", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var resp ListSessionsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
	assert.Equal(t, "t1", resp.Sessions[0].ThreadID)
}

func TestListSessionsEmptyIsNotNull(t *testing.T) {
	s := newTestServer(t, &fakeThreads{}, &fakeSessions{})
	w := doRequest(t, s, http.MethodGet, "/api/v1/sessions", nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"sessions":[]`)
}

func TestListSessionsStoreError(t *testing.T) {
	s := newTestServer(t, &fakeThreads{}, &fakeSessions{listErr: errors.New("db locked")})
	w := doRequest(t, s, http.MethodGet, "/api/v1/sessions", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestGetSessionFromActor(t *testing.T) {
	threads := &fakeThreads{statusRec: &models.Session{ThreadID: "t1", SandboxID: "sb-1", Status: models.StatusActive}}
	s := newTestServer(t, threads, &fakeSessions{})
	w := doRequest(t, s, http.MethodGet, "/api/v1/sessions/t1", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var rec models.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.Equal(t, "sb-1", rec.SandboxID)
}

func TestGetSessionFallsBackToStore(t *testing.T) {
	sessions := &fakeSessions{byThread: map[string]*models.Session{
		"t1": {ThreadID: "t1", Status: models.StatusPaused},
	}}
	s := newTestServer(t, &fakeThreads{}, sessions)
	w := doRequest(t, s, http.MethodGet, "/api/v1/sessions/t1", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var rec models.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.Equal(t, models.StatusPaused, rec.Status)
}

func TestGetSessionNotFound(t *testing.T) {
	s := newTestServer(t, &fakeThreads{}, &fakeSessions{})
	w := doRequest(t, s, http.MethodGet, "/api/v1/sessions/unknown", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPauseUsesRequestReason(t *testing.T) {
	threads := &fakeThreads{pauseRec: &models.Session{ThreadID: "t1", Status: models.StatusPaused}}
	s := newTestServer(t, threads, &fakeSessions{})
	w := doRequest(t, s, http.MethodPost, "/api/v1/sessions/t1/pause", PauseRequest{Reason: "maintenance"})

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "maintenance", threads.pausedWith)
}

func TestPauseDefaultsReason(t *testing.T) {
	threads := &fakeThreads{pauseRec: &models.Session{ThreadID: "t1"}}
	s := newTestServer(t, threads, &fakeSessions{})
	w := doRequest(t, s, http.MethodPost, "/api/v1/sessions/t1/pause", nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "api-pause", threads.pausedWith)
}

func TestPauseUnknownThread(t *testing.T) {
	s := newTestServer(t, &fakeThreads{}, &fakeSessions{})
	w := doRequest(t, s, http.MethodPost, "/api/v1/sessions/nope/pause", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestResume(t *testing.T) {
	threads := &fakeThreads{resumeRec: &models.Session{ThreadID: "t1", Status: models.StatusActive}}
	s := newTestServer(t, threads, &fakeSessions{})
	w := doRequest(t, s, http.MethodPost, "/api/v1/sessions/t1/resume", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var rec models.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.Equal(t, models.StatusActive, rec.Status)
}

func TestRecreate(t *testing.T) {
	threads := &fakeThreads{}
	s := newTestServer(t, threads, &fakeSessions{})
	w := doRequest(t, s, http.MethodPost, "/api/v1/sessions/t1/recreate", nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"t1"}, threads.recreated)
}

func TestLogs(t *testing.T) {
	threads := &fakeThreads{logsOut: "line1\nline2"}
	s := newTestServer(t, threads, &fakeSessions{})
	w := doRequest(t, s, http.MethodGet, "/api/v1/sessions/t1/logs?lines=25", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var resp LogsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "sb-1", resp.SandboxID)
	assert.Equal(t, 25, resp.Lines)
	assert.Equal(t, 25, threads.logsLines)
	assert.Equal(t, "line1\nline2", resp.Output)
}

func TestLogsRejectsBadLineCount(t *testing.T) {
	s := newTestServer(t, &fakeThreads{}, &fakeSessions{})
	w := doRequest(t, s, http.MethodGet, "/api/v1/sessions/t1/logs?lines=-3", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLogsSurfacesFailure(t *testing.T) {
	threads := &fakeThreads{logsErr: errors.New("no sandbox for thread t1")}
	s := newTestServer(t, threads, &fakeSessions{})
	w := doRequest(t, s, http.MethodGet, "/api/v1/sessions/t1/logs", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

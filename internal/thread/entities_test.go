package thread

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threadbox/threadbox/internal/agentapi"
	"github.com/threadbox/threadbox/internal/common/logger"
	"github.com/threadbox/threadbox/internal/events/bus"
	"github.com/threadbox/threadbox/internal/provision"
	"github.com/threadbox/threadbox/internal/sandbox"
	"github.com/threadbox/threadbox/internal/session/models"
	"github.com/threadbox/threadbox/internal/session/store"
)

type fakeSandbox struct {
	mu      sync.Mutex
	created int
	stops   int
}

func (f *fakeSandbox) Create(ctx context.Context, req sandbox.CreateRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	return fmt.Sprintf("sbx-%d", f.created), nil
}

func (f *fakeSandbox) Exec(ctx context.Context, sandboxID, label string, command []string, opts sandbox.ExecOptions) (string, error) {
	return "", nil
}

func (f *fakeSandbox) Start(ctx context.Context, sandboxID string, timeout time.Duration) error {
	return nil
}

func (f *fakeSandbox) Stop(ctx context.Context, sandboxID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeSandbox) Destroy(ctx context.Context, sandboxID string) error { return nil }

func (f *fakeSandbox) GetPreview(ctx context.Context, sandboxID string) (sandbox.Preview, error) {
	return sandbox.Preview{URL: "http://127.0.0.1:9000?tkn=tok-" + sandboxID}, nil
}

func (f *fakeSandbox) List(ctx context.Context) ([]sandbox.Info, error) { return nil, nil }
func (f *fakeSandbox) Close() error                                    { return nil }

type fakeAgent struct {
	mu            sync.Mutex
	sessions      int
	sessionExists bool
	existsQueue   []bool // scripted per-call answers, drains before sessionExists applies
}

func (f *fakeAgent) WaitForHealthy(ctx context.Context, preview sandbox.Preview, maxWait time.Duration) error {
	return nil
}

func (f *fakeAgent) CreateSession(ctx context.Context, preview sandbox.Preview, title string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions++
	return fmt.Sprintf("ses-%d", f.sessions), nil
}

func (f *fakeAgent) SessionExists(ctx context.Context, preview sandbox.Preview, sessionID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.existsQueue) > 0 {
		answer := f.existsQueue[0]
		f.existsQueue = f.existsQueue[1:]
		return answer, nil
	}
	return f.sessionExists, nil
}

func (f *fakeAgent) ListSessions(ctx context.Context, preview sandbox.Preview, limit int) ([]agentapi.SessionInfo, error) {
	return nil, nil
}

type fakePrompts struct {
	mu    sync.Mutex
	sent  []string
	fails []error // scripted error per call, nil means success
}

func (f *fakePrompts) SendPrompt(ctx context.Context, preview sandbox.Preview, sessionID, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := len(f.sent)
	f.sent = append(f.sent, text)
	if idx < len(f.fails) && f.fails[idx] != nil {
		return "", f.fails[idx]
	}
	return "ok:" + text, nil
}

func (f *fakePrompts) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeHistory struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeHistory) Rehydrate(ctx context.Context, threadID, latest string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return "history::" + latest, nil
}

type fixture struct {
	entities *Entities
	store    store.Store
	sandbox  *fakeSandbox
	agent    *fakeAgent
	prompts  *fakePrompts
	history  *fakeHistory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "threads.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	sb := &fakeSandbox{}
	agent := &fakeAgent{}
	prompts := &fakePrompts{}
	hist := &fakeHistory{}

	prov := provision.NewProvisioner(st, sb, agent, nil, provision.Config{
		StartupHealthTimeout: time.Second,
		ResumeHealthTimeout:  time.Second,
		ActiveCheckTimeout:   time.Second,
	}, log)

	e := NewEntities(st, prov, prompts, hist, nil, 0, log)
	t.Cleanup(e.Close)

	return &fixture{entities: e, store: st, sandbox: sb, agent: agent, prompts: prompts, history: hist}
}

func TestSendProvisionsOnFirstTurn(t *testing.T) {
	f := newFixture(t)

	res, err := f.entities.Send(context.Background(), SendInput{
		ThreadID: "t1", ChannelID: "c1", GuildID: "g1", MessageID: "m1", Text: "hello",
	})
	require.NoError(t, err)

	assert.Equal(t, "ok:hello", res.Text)
	assert.False(t, res.ChangedSession, "first turn has no prior session to change from")
	assert.Equal(t, 1, f.sandbox.created)

	rec, err := f.store.GetActive(context.Background(), "t1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, models.StatusActive, rec.Status)
}

func TestSendReusesHealthyActiveSession(t *testing.T) {
	f := newFixture(t)
	f.agent.sessionExists = true

	_, err := f.entities.Send(context.Background(), SendInput{ThreadID: "t1", ChannelID: "c1", GuildID: "g1", MessageID: "m1", Text: "one"})
	require.NoError(t, err)
	_, err = f.entities.Send(context.Background(), SendInput{ThreadID: "t1", ChannelID: "c1", GuildID: "g1", MessageID: "m2", Text: "two"})
	require.NoError(t, err)

	assert.Equal(t, 1, f.sandbox.created, "second turn must reuse the sandbox")
	assert.Equal(t, 2, f.prompts.callCount())
}

func TestSendRecoversFromSandboxDown(t *testing.T) {
	f := newFixture(t)

	// Seed an established turn so there is a pre-send snapshot.
	_, err := f.entities.Send(context.Background(), SendInput{ThreadID: "t1", ChannelID: "c1", GuildID: "g1", MessageID: "m1", Text: "seed"})
	require.NoError(t, err)

	// Second turn: the pre-send health probe passes, the prompt itself hits
	// a 502, recovery pauses and resumes the sandbox, and the old agent
	// session is gone after the resume, so the retry runs against a fresh
	// session with a rehydrated prompt.
	f.prompts.fails = []error{nil, &agentapi.Error{Op: "send_prompt", StatusCode: 502, Body: "bad gateway"}}
	f.agent.existsQueue = []bool{true, false}

	res, err := f.entities.Send(context.Background(), SendInput{ThreadID: "t1", ChannelID: "c1", GuildID: "g1", MessageID: "m2", Text: "again"})
	require.NoError(t, err)

	assert.Equal(t, 1, f.sandbox.stops, "sandbox-down recovery pauses the sandbox")
	assert.Equal(t, 1, f.sandbox.created, "recovery resumes, never recreates")
	assert.True(t, res.ChangedSession)
	assert.Equal(t, 1, f.history.calls, "session swap must rehydrate the prompt")
	assert.Equal(t, "ok:history::again", res.Text)
}

func TestSendSessionMissingParksErrorAndKeepsSandbox(t *testing.T) {
	f := newFixture(t)

	_, err := f.entities.Send(context.Background(), SendInput{ThreadID: "t1", ChannelID: "c1", GuildID: "g1", MessageID: "m1", Text: "seed"})
	require.NoError(t, err)

	// Second turn: the pre-send probe still sees the session, but the prompt
	// itself comes back 404. The record must land in error so the follow-up
	// turn resumes this sandbox instead of recreating it.
	f.prompts.fails = []error{nil, &agentapi.Error{Op: "send_prompt", StatusCode: 404, Body: "session not found"}}
	f.agent.existsQueue = []bool{true}

	_, err = f.entities.Send(context.Background(), SendInput{ThreadID: "t1", ChannelID: "c1", GuildID: "g1", MessageID: "m2", Text: "lost"})
	require.Error(t, err)

	var sendErr *SendError
	require.ErrorAs(t, err, &sendErr)
	assert.True(t, sendErr.Retriable())

	rec, err := f.store.GetByThread(context.Background(), "t1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, models.StatusError, rec.Status)
	assert.Equal(t, 1, rec.ResumeFailCount)

	res, err := f.entities.Send(context.Background(), SendInput{ThreadID: "t1", ChannelID: "c1", GuildID: "g1", MessageID: "m3", Text: "back"})
	require.NoError(t, err)

	assert.Equal(t, 1, f.sandbox.created, "follow-up turn must resume the same sandbox")
	assert.True(t, res.ChangedSession, "reattach swaps the agent session")
	assert.Equal(t, "ok:history::back", res.Text)
}

func TestSendRetriesAtMostOnce(t *testing.T) {
	f := newFixture(t)
	down := &agentapi.Error{Op: "send_prompt", StatusCode: 503}
	f.prompts.fails = []error{down, down, down}

	_, err := f.entities.Send(context.Background(), SendInput{ThreadID: "t1", ChannelID: "c1", GuildID: "g1", MessageID: "m1", Text: "x"})
	require.Error(t, err)

	var sendErr *SendError
	require.ErrorAs(t, err, &sendErr)
	assert.True(t, sendErr.Retriable())
	assert.Equal(t, 2, f.prompts.callCount(), "one original send plus exactly one retry")
}

func TestSendNonRecoverableFailsWithoutRetry(t *testing.T) {
	f := newFixture(t)
	f.prompts.fails = []error{&agentapi.Error{Op: "send_prompt", StatusCode: 400, Body: "invalid"}}

	_, err := f.entities.Send(context.Background(), SendInput{ThreadID: "t1", ChannelID: "c1", GuildID: "g1", MessageID: "m1", Text: "x"})
	require.Error(t, err)

	var sendErr *SendError
	require.ErrorAs(t, err, &sendErr)
	assert.False(t, sendErr.Retriable())
	assert.Equal(t, 1, f.prompts.callCount())
}

func TestRecreateGivesFreshSandboxAndSession(t *testing.T) {
	f := newFixture(t)
	f.agent.sessionExists = true

	first, err := f.entities.Send(context.Background(), SendInput{ThreadID: "t1", ChannelID: "c1", GuildID: "g1", MessageID: "m1", Text: "a"})
	require.NoError(t, err)

	require.NoError(t, f.entities.Recreate(context.Background(), "t1"))

	second, err := f.entities.Send(context.Background(), SendInput{ThreadID: "t1", ChannelID: "c1", GuildID: "g1", MessageID: "m2", Text: "b"})
	require.NoError(t, err)

	assert.NotEqual(t, first.Session.SandboxID, second.Session.SandboxID)
	assert.NotEqual(t, first.Session.AgentSessionID, second.Session.AgentSessionID)
}

func TestStatusDoesNotProvision(t *testing.T) {
	f := newFixture(t)

	rec, err := f.entities.Status(context.Background(), "t1")
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.Zero(t, f.sandbox.created)
}

func TestPauseThenResume(t *testing.T) {
	f := newFixture(t)
	f.agent.sessionExists = true

	_, err := f.entities.Send(context.Background(), SendInput{ThreadID: "t1", ChannelID: "c1", GuildID: "g1", MessageID: "m1", Text: "a"})
	require.NoError(t, err)

	paused, err := f.entities.Pause(context.Background(), "t1", "manual")
	require.NoError(t, err)
	require.NotNil(t, paused)
	assert.Equal(t, models.StatusPaused, paused.Status)
	assert.Equal(t, 1, f.sandbox.stops)

	resumed, err := f.entities.Resume(context.Background(), "t1", "", "")
	require.NoError(t, err)
	require.NotNil(t, resumed)
	assert.Equal(t, models.StatusActive, resumed.Status)
	assert.Equal(t, 1, f.sandbox.created, "resume must not create a new sandbox")
}

func TestSendPublishesTurnEvents(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	events := bus.NewMemoryEventBus(log)
	t.Cleanup(events.Close)
	received := make(chan *bus.Event, 8)
	_, err = events.Subscribe("turn.>", func(ctx context.Context, ev *bus.Event) error {
		received <- ev
		return nil
	})
	require.NoError(t, err)

	sb := &fakeSandbox{}
	agent := &fakeAgent{sessionExists: true}
	prompts := &fakePrompts{fails: []error{nil, &agentapi.Error{Op: "send_prompt", StatusCode: 400, Body: "invalid"}}}
	prov := provision.NewProvisioner(st, sb, agent, events, provision.Config{
		StartupHealthTimeout: time.Second,
		ResumeHealthTimeout:  time.Second,
		ActiveCheckTimeout:   time.Second,
	}, log)
	e := NewEntities(st, prov, prompts, nil, events, 0, log)
	t.Cleanup(e.Close)

	waitTurnEvent := func() *bus.Event {
		select {
		case ev := <-received:
			return ev
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for turn event")
			return nil
		}
	}

	_, err = e.Send(context.Background(), SendInput{ThreadID: "t1", ChannelID: "c1", GuildID: "g1", MessageID: "m1", Text: "a"})
	require.NoError(t, err)
	ev := waitTurnEvent()
	assert.Equal(t, bus.SubjectTurnCompleted, ev.Type)
	assert.Equal(t, "m1", ev.Data["message_id"])

	_, err = e.Send(context.Background(), SendInput{ThreadID: "t1", ChannelID: "c1", GuildID: "g1", MessageID: "m2", Text: "b"})
	require.Error(t, err)
	ev = waitTurnEvent()
	assert.Equal(t, bus.SubjectTurnFailed, ev.Type)
	assert.Equal(t, "m2", ev.Data["message_id"])
	assert.Contains(t, ev.Data["error"], "400")
}

func TestIdleTimeoutPausesSession(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "idle.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	sb := &fakeSandbox{}
	agent := &fakeAgent{sessionExists: true}
	prov := provision.NewProvisioner(st, sb, agent, nil, provision.Config{
		StartupHealthTimeout: time.Second,
		ResumeHealthTimeout:  time.Second,
		ActiveCheckTimeout:   time.Second,
	}, log)

	e := NewEntities(st, prov, &fakePrompts{}, nil, nil, 50*time.Millisecond, log)
	t.Cleanup(e.Close)

	_, err = e.Send(context.Background(), SendInput{ThreadID: "t1", ChannelID: "c1", GuildID: "g1", MessageID: "m1", Text: "a"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec, err := st.GetByThread(context.Background(), "t1")
		return err == nil && rec != nil && rec.Status == models.StatusPaused
	}, 2*time.Second, 20*time.Millisecond, "idle timer should pause the session")
}

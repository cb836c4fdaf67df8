package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threadbox/threadbox/internal/session/models"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func activeRecord(threadID string) *models.Session {
	return &models.Session{
		ThreadID:       threadID,
		ChannelID:      "c1",
		GuildID:        "g1",
		SandboxID:      "sbx-" + threadID,
		AgentSessionID: "ses-" + threadID,
		PreviewURL:     "http://127.0.0.1:9000",
		PreviewToken:   "tok",
		Status:         models.StatusActive,
	}
}

func TestUpsertAndGetByThread(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, activeRecord("t1")))

	got, err := s.GetByThread(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "t1", got.ThreadID)
	assert.Equal(t, models.StatusActive, got.Status)
	assert.Equal(t, "tok", got.PreviewToken)
	assert.Equal(t, models.ThreadTitle("t1"), got.Title)
	assert.False(t, got.LastActivity.IsZero())
	require.NotNil(t, got.ResumedAt, "active upsert must set resumed_at")

	missing, err := s.GetByThread(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestUpsertReplacesByThreadID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, activeRecord("t1")))

	updated := activeRecord("t1")
	updated.SandboxID = "sbx-new"
	require.NoError(t, s.Upsert(ctx, updated))

	got, err := s.GetByThread(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "sbx-new", got.SandboxID)

	all, err := s.ListTracked(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1, "thread_id is the primary key")
}

func TestHasTrackedIgnoresDestroyed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, activeRecord("t1")))

	tracked, err := s.HasTracked(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, tracked)

	require.NoError(t, s.UpdateStatus(ctx, "t1", models.StatusDestroying, ""))
	require.NoError(t, s.UpdateStatus(ctx, "t1", models.StatusDestroyed, "recreate"))

	tracked, err = s.HasTracked(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, tracked)

	tracked, err = s.HasTracked(ctx, "unknown")
	require.NoError(t, err)
	assert.False(t, tracked)
}

func TestGetActiveOnlyReturnsActive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, activeRecord("t1")))

	got, err := s.GetActive(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, got)

	require.NoError(t, s.UpdateStatus(ctx, "t1", models.StatusPausing, ""))

	got, err = s.GetActive(ctx, "t1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestUpdateStatusSetsCanonicalTimestamps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, activeRecord("t1")))

	require.NoError(t, s.UpdateStatus(ctx, "t1", models.StatusPausing, ""))
	got, err := s.GetByThread(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPausing, got.Status)
	require.NotNil(t, got.PauseRequestedAt)

	require.NoError(t, s.UpdateStatus(ctx, "t1", models.StatusPaused, ""))
	got, err = s.GetByThread(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, got.PausedAt)
	// Earlier transition timestamps are never cleared.
	require.NotNil(t, got.PauseRequestedAt)

	require.NoError(t, s.UpdateStatus(ctx, "t1", models.StatusResuming, ""))
	got, err = s.GetByThread(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, got.ResumeAttemptedAt)
	require.NotNil(t, got.PausedAt)

	require.NoError(t, s.UpdateStatus(ctx, "t1", models.StatusActive, ""))
	got, err = s.GetByThread(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, got.ResumedAt)
}

func TestUpdateStatusRejectsInvalidTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, activeRecord("t1")))
	require.NoError(t, s.UpdateStatus(ctx, "t1", models.StatusDestroying, ""))

	err := s.UpdateStatus(ctx, "t1", models.StatusActive, "")
	var terr *TransitionError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, models.StatusDestroying, terr.From)
	assert.Equal(t, models.StatusActive, terr.To)
}

func TestUpdateStatusRejectedTransitionWritesNothing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, activeRecord("t1")))
	require.NoError(t, s.UpdateStatus(ctx, "t1", models.StatusDestroying, ""))
	before, err := s.GetByThread(ctx, "t1")
	require.NoError(t, err)

	err = s.UpdateStatus(ctx, "t1", models.StatusActive, "must not land")
	var terr *TransitionError
	require.True(t, errors.As(err, &terr))

	// The guard lives in the statement itself, so a rejected transition
	// leaves the row byte-for-byte untouched.
	after, err := s.GetByThread(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusDestroying, after.Status)
	assert.True(t, before.UpdatedAt.Equal(after.UpdatedAt), "rejected transition must not touch the row")
	assert.Empty(t, after.LastError)
}

func TestUpdateStatusCreatesStubForNewThread(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpdateStatus(ctx, "fresh", models.StatusCreating, ""))

	got, err := s.GetByThread(ctx, "fresh")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.StatusCreating, got.Status)

	// Only creating is reachable from the empty state.
	err = s.UpdateStatus(ctx, "fresh2", models.StatusActive, "")
	var terr *TransitionError
	require.True(t, errors.As(err, &terr))
}

func TestUpdateStatusRecordsLastError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, activeRecord("t1")))
	require.NoError(t, s.UpdateStatus(ctx, "t1", models.StatusError, "health probe timed out"))

	got, err := s.GetByThread(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, got.Status)
	assert.Equal(t, "health probe timed out", got.LastError)
}

func TestIncrementResumeFailureIsMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, activeRecord("t1")))

	for i := 1; i <= 3; i++ {
		require.NoError(t, s.IncrementResumeFailure(ctx, "t1", "start failed"))
		got, err := s.GetByThread(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, i, got.ResumeFailCount)
	}

	got, err := s.GetByThread(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "start failed", got.LastError)
}

func TestMarkActivityAndHealthOk(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, activeRecord("t1")))
	before, err := s.GetByThread(ctx, "t1")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, s.MarkActivity(ctx, "t1"))
	require.NoError(t, s.MarkHealthOk(ctx, "t1"))

	after, err := s.GetByThread(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, after.LastActivity.After(before.LastActivity))
	require.NotNil(t, after.LastHealthOkAt)
}

func TestListStaleActive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, activeRecord("fresh")))
	require.NoError(t, s.Upsert(ctx, activeRecord("stale")))

	// Nothing is stale yet.
	stale, err := s.ListStaleActive(ctx, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, stale)

	// Everything upserted above is older than a zero-age cutoff.
	time.Sleep(5 * time.Millisecond)
	stale, err = s.ListStaleActive(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, stale, 2)

	require.NoError(t, s.UpdateStatus(ctx, "stale", models.StatusPausing, ""))
	stale, err = s.ListStaleActive(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, stale, 1)
	assert.Equal(t, "fresh", stale[0].ThreadID)
}

func TestListExpiredPaused(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, activeRecord("t1")))
	require.NoError(t, s.UpdateStatus(ctx, "t1", models.StatusPausing, ""))
	require.NoError(t, s.UpdateStatus(ctx, "t1", models.StatusPaused, ""))

	expired, err := s.ListExpiredPaused(ctx, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, expired)

	time.Sleep(5 * time.Millisecond)
	expired, err = s.ListExpiredPaused(ctx, 0)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "t1", expired[0].ThreadID)
}

func TestListOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, activeRecord("old")))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, s.Upsert(ctx, activeRecord("new")))

	active, err := s.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "new", active[0].ThreadID, "most recent activity first")

	tracked, err := s.ListTracked(ctx)
	require.NoError(t, err)
	require.Len(t, tracked, 2)
	assert.Equal(t, "new", tracked[0].ThreadID, "most recently updated first")
}

func TestOffsets(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.GetOffset(ctx, "chan-1")
	require.NoError(t, err)
	assert.Equal(t, "", got)

	require.NoError(t, s.SaveOffset(ctx, "chan-1", "m100"))
	require.NoError(t, s.SaveOffset(ctx, "chan-1", "m200"))

	got, err = s.GetOffset(ctx, "chan-1")
	require.NoError(t, err)
	assert.Equal(t, "m200", got)
}

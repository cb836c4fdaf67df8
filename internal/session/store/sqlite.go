package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/threadbox/threadbox/internal/db"
	"github.com/threadbox/threadbox/internal/session/models"
)

type sqliteStore struct {
	pool   *db.Pool
	ownsDB bool
}

var _ Store = (*sqliteStore)(nil)

// NewSQLiteStore opens (or creates) the database at path and initializes the
// schema. The returned store owns the connections and closes them on Close.
func NewSQLiteStore(path string) (Store, error) {
	pool, err := db.OpenPool(path)
	if err != nil {
		return nil, err
	}
	s := &sqliteStore{pool: pool, ownsDB: true}
	if err := s.initSchema(); err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// NewSQLiteStoreWithPool wraps an existing pool. The caller keeps ownership
// of the connections.
func NewSQLiteStoreWithPool(pool *db.Pool) (Store, error) {
	s := &sqliteStore{pool: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *sqliteStore) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.pool.Close()
}

func (s *sqliteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		thread_id TEXT PRIMARY KEY,
		channel_id TEXT NOT NULL DEFAULT '',
		guild_id TEXT NOT NULL DEFAULT '',
		sandbox_id TEXT NOT NULL DEFAULT '',
		agent_session_id TEXT NOT NULL DEFAULT '',
		preview_url TEXT NOT NULL DEFAULT '',
		preview_token TEXT,
		title TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL CHECK (status IN (
			'creating','active','pausing','paused','resuming','destroying','destroyed','error'
		)),
		last_activity TIMESTAMP NOT NULL,
		pause_requested_at TIMESTAMP,
		paused_at TIMESTAMP,
		resume_attempted_at TIMESTAMP,
		resumed_at TIMESTAMP,
		destroyed_at TIMESTAMP,
		last_health_ok_at TIMESTAMP,
		last_error TEXT,
		resume_fail_count INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_status_activity ON sessions(status, last_activity);
	CREATE INDEX IF NOT EXISTS idx_sessions_status_updated ON sessions(status, updated_at);

	CREATE TABLE IF NOT EXISTS offsets (
		source_id TEXT PRIMARY KEY,
		last_message_id TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	`
	_, err := s.pool.Writer().Exec(schema)
	return err
}

const sessionColumns = `thread_id, channel_id, guild_id, sandbox_id, agent_session_id,
	preview_url, preview_token, title, status,
	last_activity, pause_requested_at, paused_at, resume_attempted_at,
	resumed_at, destroyed_at, last_health_ok_at,
	last_error, resume_fail_count, created_at, updated_at`

func (s *sqliteStore) Upsert(ctx context.Context, rec *models.Session) error {
	if rec == nil {
		return &StorageError{Op: "upsert", Err: errors.New("record is nil")}
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	rec.LastActivity = now
	if rec.Status == models.StatusActive {
		rec.ResumedAt = &now
	}
	if rec.Title == "" {
		rec.Title = models.ThreadTitle(rec.ThreadID)
	}

	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET
			channel_id = excluded.channel_id,
			guild_id = excluded.guild_id,
			sandbox_id = excluded.sandbox_id,
			agent_session_id = excluded.agent_session_id,
			preview_url = excluded.preview_url,
			preview_token = excluded.preview_token,
			title = excluded.title,
			status = excluded.status,
			last_activity = excluded.last_activity,
			pause_requested_at = excluded.pause_requested_at,
			paused_at = excluded.paused_at,
			resume_attempted_at = excluded.resume_attempted_at,
			resumed_at = excluded.resumed_at,
			destroyed_at = excluded.destroyed_at,
			last_health_ok_at = excluded.last_health_ok_at,
			last_error = excluded.last_error,
			resume_fail_count = excluded.resume_fail_count,
			updated_at = excluded.updated_at
	`),
		rec.ThreadID, rec.ChannelID, rec.GuildID, rec.SandboxID, rec.AgentSessionID,
		rec.PreviewURL, nullString(rec.PreviewToken), rec.Title, string(rec.Status),
		rec.LastActivity, rec.PauseRequestedAt, rec.PausedAt, rec.ResumeAttemptedAt,
		rec.ResumedAt, rec.DestroyedAt, rec.LastHealthOkAt,
		nullString(rec.LastError), rec.ResumeFailCount, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return &StorageError{Op: "upsert", Err: err}
	}
	return nil
}

func (s *sqliteStore) GetByThread(ctx context.Context, threadID string) (*models.Session, error) {
	r := s.pool.Reader()
	row := r.QueryRowContext(ctx, r.Rebind(`
		SELECT `+sessionColumns+` FROM sessions WHERE thread_id = ?
	`), threadID)
	rec, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &StorageError{Op: "get_by_thread", Err: err}
	}
	return rec, nil
}

func (s *sqliteStore) HasTracked(ctx context.Context, threadID string) (bool, error) {
	r := s.pool.Reader()
	var count int
	err := r.QueryRowContext(ctx, r.Rebind(`
		SELECT COUNT(1) FROM sessions WHERE thread_id = ? AND status != 'destroyed'
	`), threadID).Scan(&count)
	if err != nil {
		return false, &StorageError{Op: "has_tracked", Err: err}
	}
	return count > 0, nil
}

func (s *sqliteStore) GetActive(ctx context.Context, threadID string) (*models.Session, error) {
	r := s.pool.Reader()
	row := r.QueryRowContext(ctx, r.Rebind(`
		SELECT `+sessionColumns+` FROM sessions WHERE thread_id = ? AND status = 'active'
	`), threadID)
	rec, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &StorageError{Op: "get_active", Err: err}
	}
	return rec, nil
}

func (s *sqliteStore) MarkActivity(ctx context.Context, threadID string) error {
	w := s.pool.Writer()
	now := time.Now().UTC()
	_, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE sessions SET last_activity = ?, updated_at = ? WHERE thread_id = ?
	`), now, now, threadID)
	if err != nil {
		return &StorageError{Op: "mark_activity", Err: err}
	}
	return nil
}

func (s *sqliteStore) MarkHealthOk(ctx context.Context, threadID string) error {
	w := s.pool.Writer()
	now := time.Now().UTC()
	_, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE sessions SET last_health_ok_at = ?, updated_at = ? WHERE thread_id = ?
	`), now, now, threadID)
	if err != nil {
		return &StorageError{Op: "mark_health_ok", Err: err}
	}
	return nil
}

// statusTimestampColumn maps a target status to the one canonical timestamp
// column set by the transition into it.
func statusTimestampColumn(status models.Status) string {
	switch status {
	case models.StatusPausing:
		return "pause_requested_at"
	case models.StatusPaused:
		return "paused_at"
	case models.StatusResuming:
		return "resume_attempted_at"
	case models.StatusActive:
		return "resumed_at"
	case models.StatusDestroyed:
		return "destroyed_at"
	}
	return ""
}

func (s *sqliteStore) UpdateStatus(ctx context.Context, threadID string, status models.Status, lastError string) error {
	if !status.Valid() {
		return &StorageError{Op: "update_status", Err: fmt.Errorf("invalid status %q", status)}
	}

	now := time.Now().UTC()
	w := s.pool.Writer()

	// Single guarded statement: the allowed source statuses travel inside the
	// WHERE clause, so the transition check and the write cannot be split by a
	// crash or a concurrent writer.
	query := `UPDATE sessions SET status = ?, updated_at = ?`
	args := []interface{}{string(status), now}
	if col := statusTimestampColumn(status); col != "" {
		query += `, ` + col + ` = ?`
		args = append(args, now)
	}
	if status == models.StatusActive {
		query += `, last_activity = ?`
		args = append(args, now)
	}
	if lastError != "" {
		query += `, last_error = ?`
		args = append(args, lastError)
	}
	query += ` WHERE thread_id = ? AND status IN (?)`

	sources := models.TransitionSources(status)
	froms := make([]string, len(sources))
	for i, src := range sources {
		froms[i] = string(src)
	}
	args = append(args, threadID, froms)

	query, flat, err := sqlx.In(query, args...)
	if err != nil {
		return &StorageError{Op: "update_status", Err: err}
	}
	res, err := w.ExecContext(ctx, w.Rebind(query), flat...)
	if err != nil {
		return &StorageError{Op: "update_status", Err: err}
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}

	// No row matched: either the thread has no record yet, or it sits in a
	// status the machine does not allow this move from.
	if models.CanTransition("", status) {
		res, err := w.ExecContext(ctx, w.Rebind(`
			INSERT INTO sessions (thread_id, status, last_error, last_activity, created_at, updated_at)
			SELECT ?, ?, ?, ?, ?, ?
			WHERE NOT EXISTS (SELECT 1 FROM sessions WHERE thread_id = ?)
		`), threadID, string(status), nullString(lastError), now, now, now, threadID)
		if err != nil {
			return &StorageError{Op: "update_status", Err: err}
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			return nil
		}
	}

	current, err := s.GetByThread(ctx, threadID)
	if err != nil {
		return err
	}
	from := models.Status("")
	if current != nil {
		from = current.Status
	}
	return &TransitionError{ThreadID: threadID, From: from, To: status}
}

func (s *sqliteStore) IncrementResumeFailure(ctx context.Context, threadID, lastError string) error {
	w := s.pool.Writer()
	now := time.Now().UTC()
	_, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE sessions
		SET resume_fail_count = resume_fail_count + 1, last_error = ?, updated_at = ?
		WHERE thread_id = ?
	`), lastError, now, threadID)
	if err != nil {
		return &StorageError{Op: "increment_resume_failure", Err: err}
	}
	return nil
}

func (s *sqliteStore) ListActive(ctx context.Context) ([]*models.Session, error) {
	return s.list(ctx, `SELECT `+sessionColumns+` FROM sessions
		WHERE status = 'active' ORDER BY last_activity DESC`, "list_active")
}

func (s *sqliteStore) ListTracked(ctx context.Context) ([]*models.Session, error) {
	return s.list(ctx, `SELECT `+sessionColumns+` FROM sessions
		WHERE status != 'destroyed' ORDER BY updated_at DESC`, "list_tracked")
}

func (s *sqliteStore) ListStaleActive(ctx context.Context, olderThan time.Duration) ([]*models.Session, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	r := s.pool.Reader()
	return s.listArgs(ctx, r.Rebind(`SELECT `+sessionColumns+` FROM sessions
		WHERE status = 'active' AND last_activity < ? ORDER BY last_activity ASC`),
		"list_stale_active", cutoff)
}

func (s *sqliteStore) ListExpiredPaused(ctx context.Context, olderThan time.Duration) ([]*models.Session, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	r := s.pool.Reader()
	return s.listArgs(ctx, r.Rebind(`SELECT `+sessionColumns+` FROM sessions
		WHERE status = 'paused' AND paused_at IS NOT NULL AND paused_at < ? ORDER BY paused_at ASC`),
		"list_expired_paused", cutoff)
}

func (s *sqliteStore) list(ctx context.Context, query, op string) ([]*models.Session, error) {
	return s.listArgs(ctx, query, op)
}

func (s *sqliteStore) listArgs(ctx context.Context, query, op string, args ...interface{}) ([]*models.Session, error) {
	rows, err := s.pool.Reader().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &StorageError{Op: op, Err: err}
	}
	defer func() { _ = rows.Close() }()

	var sessions []*models.Session
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, &StorageError{Op: op, Err: err}
		}
		sessions = append(sessions, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: op, Err: err}
	}
	return sessions, nil
}

func (s *sqliteStore) SaveOffset(ctx context.Context, sourceID, lastMessageID string) error {
	w := s.pool.Writer()
	now := time.Now().UTC()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO offsets (source_id, last_message_id, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(source_id) DO UPDATE SET
			last_message_id = excluded.last_message_id,
			updated_at = excluded.updated_at
	`), sourceID, lastMessageID, now)
	if err != nil {
		return &StorageError{Op: "save_offset", Err: err}
	}
	return nil
}

func (s *sqliteStore) GetOffset(ctx context.Context, sourceID string) (string, error) {
	r := s.pool.Reader()
	var lastMessageID string
	err := r.QueryRowContext(ctx, r.Rebind(`
		SELECT last_message_id FROM offsets WHERE source_id = ?
	`), sourceID).Scan(&lastMessageID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", &StorageError{Op: "get_offset", Err: err}
	}
	return lastMessageID, nil
}

func scanSession(scanner interface{ Scan(dest ...any) error }) (*models.Session, error) {
	var (
		rec          models.Session
		previewToken sql.NullString
		lastError    sql.NullString
		status       string
	)
	err := scanner.Scan(
		&rec.ThreadID, &rec.ChannelID, &rec.GuildID, &rec.SandboxID, &rec.AgentSessionID,
		&rec.PreviewURL, &previewToken, &rec.Title, &status,
		&rec.LastActivity, &rec.PauseRequestedAt, &rec.PausedAt, &rec.ResumeAttemptedAt,
		&rec.ResumedAt, &rec.DestroyedAt, &rec.LastHealthOkAt,
		&lastError, &rec.ResumeFailCount, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.PreviewToken = previewToken.String
	rec.LastError = lastError.String
	rec.Status = models.Status(status)
	return &rec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Package models defines the session record persisted per conversation
// thread and its lifecycle status machine.
package models

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a sandbox session.
type Status string

const (
	StatusCreating   Status = "creating"
	StatusActive     Status = "active"
	StatusPausing    Status = "pausing"
	StatusPaused     Status = "paused"
	StatusResuming   Status = "resuming"
	StatusDestroying Status = "destroying"
	StatusDestroyed  Status = "destroyed"
	StatusError      Status = "error"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusCreating, StatusActive, StatusPausing, StatusPaused,
		StatusResuming, StatusDestroying, StatusDestroyed, StatusError:
		return true
	}
	return false
}

// transitions is the allowed edge set of the status machine. The empty
// "from" entry covers a thread with no prior record.
var transitions = map[Status][]Status{
	"":               {StatusCreating},
	StatusCreating:   {StatusActive, StatusError, StatusDestroying},
	StatusActive:     {StatusActive, StatusPausing, StatusDestroying, StatusError, StatusResuming, StatusCreating},
	StatusPausing:    {StatusPaused, StatusDestroyed, StatusResuming, StatusDestroying},
	StatusPaused:     {StatusResuming, StatusDestroying, StatusPausing},
	StatusResuming:   {StatusActive, StatusError, StatusDestroying, StatusPausing, StatusResuming},
	StatusDestroying: {StatusDestroyed},
	StatusDestroyed:  {StatusCreating, StatusResuming, StatusDestroying},
	StatusError:      {StatusResuming, StatusCreating, StatusDestroying, StatusPausing, StatusError},
}

// CanTransition reports whether the status machine allows moving from one
// status to another.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionSources returns every stored status a record may hold for a move
// into to to be allowed. The empty pre-record state is excluded; callers
// handle record creation separately.
func TransitionSources(to Status) []Status {
	var sources []Status
	for from, nexts := range transitions {
		if from == "" {
			continue
		}
		for _, next := range nexts {
			if next == to {
				sources = append(sources, from)
				break
			}
		}
	}
	return sources
}

// Session is the persistent record mapping a conversation thread to its
// sandbox and agent session. One row per thread id.
type Session struct {
	ThreadID       string `db:"thread_id" json:"thread_id"`
	ChannelID      string `db:"channel_id" json:"channel_id"`
	GuildID        string `db:"guild_id" json:"guild_id"`
	SandboxID      string `db:"sandbox_id" json:"sandbox_id"`
	AgentSessionID string `db:"agent_session_id" json:"agent_session_id"`
	PreviewURL     string `db:"preview_url" json:"preview_url"`
	PreviewToken   string `db:"preview_token" json:"-"`
	Title          string `db:"title" json:"title"`
	Status         Status `db:"status" json:"status"`

	LastActivity      time.Time  `db:"last_activity" json:"last_activity"`
	PauseRequestedAt  *time.Time `db:"pause_requested_at" json:"pause_requested_at,omitempty"`
	PausedAt          *time.Time `db:"paused_at" json:"paused_at,omitempty"`
	ResumeAttemptedAt *time.Time `db:"resume_attempted_at" json:"resume_attempted_at,omitempty"`
	ResumedAt         *time.Time `db:"resumed_at" json:"resumed_at,omitempty"`
	DestroyedAt       *time.Time `db:"destroyed_at" json:"destroyed_at,omitempty"`
	LastHealthOkAt    *time.Time `db:"last_health_ok_at" json:"last_health_ok_at,omitempty"`

	LastError       string `db:"last_error" json:"last_error,omitempty"`
	ResumeFailCount int    `db:"resume_fail_count" json:"resume_fail_count"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// ThreadTitle returns the canonical agent-session title for a thread. The
// title is stored on the record and treated as an opaque matching key after
// that; only brand-new records derive it here.
func ThreadTitle(threadID string) string {
	return fmt.Sprintf("Discord thread %s", threadID)
}

// Clone returns a deep copy of the session record.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.PauseRequestedAt = cloneTime(s.PauseRequestedAt)
	out.PausedAt = cloneTime(s.PausedAt)
	out.ResumeAttemptedAt = cloneTime(s.ResumeAttemptedAt)
	out.ResumedAt = cloneTime(s.ResumedAt)
	out.DestroyedAt = cloneTime(s.DestroyedAt)
	out.LastHealthOkAt = cloneTime(s.LastHealthOkAt)
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

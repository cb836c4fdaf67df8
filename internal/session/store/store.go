// Package store persists session records and platform catch-up offsets.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/threadbox/threadbox/internal/session/models"
)

// Store is the narrow persistence contract the orchestrator consumes.
// Lookups return (nil, nil) when no row exists.
type Store interface {
	// Upsert inserts or updates a record by thread id. It touches
	// lastActivity and, when the record is active, resumedAt.
	Upsert(ctx context.Context, s *models.Session) error

	GetByThread(ctx context.Context, threadID string) (*models.Session, error)

	// HasTracked reports whether any non-destroyed record exists.
	HasTracked(ctx context.Context, threadID string) (bool, error)

	// GetActive returns the record only when its status is active.
	GetActive(ctx context.Context, threadID string) (*models.Session, error)

	MarkActivity(ctx context.Context, threadID string) error
	MarkHealthOk(ctx context.Context, threadID string) error

	// UpdateStatus performs an atomic status transition, setting the one
	// canonical timestamp column for the target status. Earlier transition
	// timestamps are never cleared. lastError is written only when non-empty.
	UpdateStatus(ctx context.Context, threadID string, status models.Status, lastError string) error

	// IncrementResumeFailure bumps resumeFailCount and records lastError.
	// The counter is diagnostic and only ever grows.
	IncrementResumeFailure(ctx context.Context, threadID, lastError string) error

	ListActive(ctx context.Context) ([]*models.Session, error)
	ListTracked(ctx context.Context) ([]*models.Session, error)

	// ListStaleActive returns active records whose lastActivity is older
	// than the given age.
	ListStaleActive(ctx context.Context, olderThan time.Duration) ([]*models.Session, error)

	// ListExpiredPaused returns paused records whose pausedAt is older than
	// the given age.
	ListExpiredPaused(ctx context.Context, olderThan time.Duration) ([]*models.Session, error)

	// SaveOffset / GetOffset track the last processed platform message per
	// source for catch-up after restart. GetOffset returns "" when unset.
	SaveOffset(ctx context.Context, sourceID, lastMessageID string) error
	GetOffset(ctx context.Context, sourceID string) (string, error)

	Close() error
}

// StorageError wraps a persistence failure with the failing operation.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// TransitionError reports a status change the lifecycle machine does not
// allow.
type TransitionError struct {
	ThreadID string
	From     models.Status
	To       models.Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid status transition %q -> %q for thread %s", e.From, e.To, e.ThreadID)
}

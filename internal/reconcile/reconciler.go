// Package reconcile runs the background sweep that pauses idle active
// sessions and destroys expired paused ones.
package reconcile

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/threadbox/threadbox/internal/common/logger"
	"github.com/threadbox/threadbox/internal/session/models"
	"github.com/threadbox/threadbox/internal/session/store"
)

// ThreadOps is the per-thread mutation surface the reconciler drives. All
// mutations go through the owning actor, never the store directly.
type ThreadOps interface {
	Pause(ctx context.Context, threadID, reason string) (*models.Session, error)
	Recreate(ctx context.Context, threadID string) error
}

// Lister is the read-side store contract for sweeps.
type Lister interface {
	ListStaleActive(ctx context.Context, olderThan time.Duration) ([]*models.Session, error)
	ListExpiredPaused(ctx context.Context, olderThan time.Duration) ([]*models.Session, error)
}

var _ Lister = (store.Store)(nil)

// Config sets the sweep cadence and age cutoffs.
type Config struct {
	Interval         time.Duration
	StaleActiveAfter time.Duration // idle timeout plus grace
	PausedTTL        time.Duration
}

// Reconciler periodically pauses stale active sessions and destroys expired
// paused ones.
type Reconciler struct {
	store  Lister
	ops    ThreadOps
	cfg    Config
	logger *logger.Logger
}

// New creates a reconciler.
func New(st Lister, ops ThreadOps, cfg Config, log *logger.Logger) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	return &Reconciler{
		store:  st,
		ops:    ops,
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "reconciler")),
	}
}

// Run sweeps at the configured cadence until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				r.logger.Warn("sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep runs one reconciliation pass. Per-record actions run in parallel;
// serialization per thread is the actor's job.
func (r *Reconciler) Sweep(ctx context.Context) error {
	stale, err := r.store.ListStaleActive(ctx, r.cfg.StaleActiveAfter)
	if err != nil {
		return err
	}
	expired, err := r.store.ListExpiredPaused(ctx, r.cfg.PausedTTL)
	if err != nil {
		return err
	}

	if len(stale) == 0 && len(expired) == 0 {
		return nil
	}
	r.logger.Info("sweep",
		zap.Int("stale_active", len(stale)),
		zap.Int("expired_paused", len(expired)))

	var g errgroup.Group
	for _, rec := range stale {
		rec := rec
		g.Go(func() error {
			if _, err := r.ops.Pause(ctx, rec.ThreadID, "cleanup-stale-active"); err != nil {
				r.logger.Warn("stale pause failed",
					zap.String("thread_id", rec.ThreadID),
					zap.Error(err))
			}
			return nil
		})
	}
	for _, rec := range expired {
		rec := rec
		g.Go(func() error {
			if err := r.ops.Recreate(ctx, rec.ThreadID); err != nil {
				r.logger.Warn("expired destroy failed",
					zap.String("thread_id", rec.ThreadID),
					zap.Error(err))
			}
			return nil
		})
	}
	return g.Wait()
}

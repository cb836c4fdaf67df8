// Package actor provides a keyed-actor registry: one goroutine per key
// consuming a FIFO job queue, with optional per-key state, lazy load/save
// hooks, and idle timers. Jobs on the same key never overlap; different keys
// make progress concurrently.
package actor

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/threadbox/threadbox/internal/common/logger"
)

// ErrActorRemoved is returned to jobs that were queued on an actor when it
// was removed or the map was closed.
var ErrActorRemoved = errors.New("actor removed")

// ErrMapClosed is returned by Run after Close.
var ErrMapClosed = errors.New("actor map closed")

// Slot carries the actor's state into a job. Replacing the pointer via Set
// (or dropping it via Clear) marks the state changed; the save hook fires
// after the job only when the pointer identity differs from the one the job
// started with.
type Slot[S any] struct {
	state *S
}

// Get returns the current state pointer, which may be nil.
func (s *Slot[S]) Get() *S { return s.state }

// Set replaces the state pointer.
func (s *Slot[S]) Set(v *S) { s.state = v }

// Clear drops the state pointer.
func (s *Slot[S]) Clear() { s.state = nil }

// Options configures a Map instance.
type Options[S any] struct {
	// Load is invoked once per actor on creation. A load error yields nil
	// state; it is logged and otherwise ignored.
	Load func(ctx context.Context, key string) (*S, error)

	// Save is invoked after a job completes if the job replaced the state
	// pointer with a non-nil one. Save errors are logged and swallowed.
	Save func(ctx context.Context, key string, state *S) error

	// IdleTimeout and OnIdle together arm a per-key idle timer. The timer
	// is reset by every touching job; when it fires, OnIdle runs on its own
	// goroutine (it may call back into the map).
	IdleTimeout time.Duration
	OnIdle      func(key string)

	Logger *logger.Logger
}

// RunOption adjusts a single Run call.
type RunOption func(*runConfig)

type runConfig struct {
	touch bool
}

// WithoutTouch marks a job as bookkeeping: it does not reset the key's idle
// timer. Reads used only for routing decisions should not keep a session
// alive.
func WithoutTouch() RunOption {
	return func(c *runConfig) { c.touch = false }
}

// Map is the actor registry. The zero value is not usable; construct with New.
type Map[S any] struct {
	mu     sync.Mutex
	actors map[string]*mailbox[S]
	opts   Options[S]
	log    *logger.Logger
	closed bool
}

// New creates an actor map.
func New[S any](opts Options[S]) *Map[S] {
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}
	return &Map[S]{
		actors: make(map[string]*mailbox[S]),
		opts:   opts,
		log:    log,
	}
}

type job[S any] struct {
	ctx   context.Context
	fn    func(ctx context.Context, slot *Slot[S]) error
	done  chan error
	touch bool
}

type mailbox[S any] struct {
	key     string
	owner   *Map[S]
	mu      sync.Mutex
	pending []*job[S]
	wake    chan struct{}
	stop    chan struct{}
	stopped bool
	idle    *time.Timer
	state   *S
	loaded  bool
}

// Run enqueues fn onto key's FIFO queue and waits for it to complete. The
// actor is created (and its state lazily loaded) on first use. If ctx is
// cancelled while the job is still queued or running, Run returns ctx.Err()
// but the job itself still runs to completion in queue order.
func (m *Map[S]) Run(ctx context.Context, key string, fn func(ctx context.Context, slot *Slot[S]) error, opts ...RunOption) error {
	cfg := runConfig{touch: true}
	for _, o := range opts {
		o(&cfg)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrMapClosed
	}
	a, ok := m.actors[key]
	if !ok {
		a = m.spawn(key)
		m.actors[key] = a
	}
	m.mu.Unlock()

	j := &job[S]{ctx: ctx, fn: fn, done: make(chan error, 1), touch: cfg.touch}
	if err := a.enqueue(j); err != nil {
		// Raced with Remove: retry once against a fresh actor.
		if errors.Is(err, ErrActorRemoved) {
			return m.Run(ctx, key, fn, opts...)
		}
		return err
	}

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CancelIdle stops the idle timer for key without removing the actor.
func (m *Map[S]) CancelIdle(key string) {
	m.mu.Lock()
	a, ok := m.actors[key]
	m.mu.Unlock()
	if ok {
		a.cancelIdle()
	}
}

// Remove cancels all pending work for key (each pending job fails with
// ErrActorRemoved), shuts the queue down, and forgets the actor. A running
// job completes first; a later Run on the same key recreates the actor from
// scratch, including re-running the load hook.
func (m *Map[S]) Remove(key string) {
	m.mu.Lock()
	a, ok := m.actors[key]
	if ok {
		delete(m.actors, key)
	}
	m.mu.Unlock()
	if ok {
		a.shutdown()
	}
}

// Close removes every actor and rejects further Run calls.
func (m *Map[S]) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	actors := m.actors
	m.actors = make(map[string]*mailbox[S])
	m.mu.Unlock()

	for _, a := range actors {
		a.shutdown()
	}
}

// Len returns the number of live actors. Intended for tests and diagnostics.
func (m *Map[S]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.actors)
}

func (m *Map[S]) spawn(key string) *mailbox[S] {
	a := &mailbox[S]{
		key:   key,
		owner: m,
		wake:  make(chan struct{}, 1),
		stop:  make(chan struct{}),
	}
	if m.opts.IdleTimeout > 0 && m.opts.OnIdle != nil {
		onIdle := m.opts.OnIdle
		// AfterFunc runs the callback on its own goroutine, so OnIdle may
		// safely Run against this same key.
		a.idle = time.AfterFunc(m.opts.IdleTimeout, func() { onIdle(key) })
	}
	go a.loop()
	return a
}

func (a *mailbox[S]) enqueue(j *job[S]) error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return ErrActorRemoved
	}
	a.pending = append(a.pending, j)
	a.mu.Unlock()

	select {
	case a.wake <- struct{}{}:
	default:
	}
	return nil
}

func (a *mailbox[S]) shutdown() {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	if a.idle != nil {
		a.idle.Stop()
	}
	a.mu.Unlock()
	close(a.stop)
}

func (a *mailbox[S]) cancelIdle() {
	a.mu.Lock()
	if a.idle != nil {
		a.idle.Stop()
	}
	a.mu.Unlock()
}

func (a *mailbox[S]) touchIdle() {
	a.mu.Lock()
	if a.idle != nil && !a.stopped {
		a.idle.Reset(a.owner.opts.IdleTimeout)
	}
	a.mu.Unlock()
}

func (a *mailbox[S]) loop() {
	for {
		a.mu.Lock()
		if a.stopped {
			remaining := a.pending
			a.pending = nil
			a.mu.Unlock()
			for _, j := range remaining {
				j.done <- ErrActorRemoved
			}
			return
		}
		var j *job[S]
		if len(a.pending) > 0 {
			j = a.pending[0]
			a.pending = a.pending[1:]
		}
		a.mu.Unlock()

		if j == nil {
			select {
			case <-a.wake:
			case <-a.stop:
			}
			continue
		}

		a.runJob(j)
	}
}

func (a *mailbox[S]) runJob(j *job[S]) {
	m := a.owner

	if !a.loaded {
		a.loaded = true
		if m.opts.Load != nil {
			state, err := m.opts.Load(j.ctx, a.key)
			if err != nil {
				m.log.Warn("actor state load failed",
					zap.String("key", a.key),
					zap.Error(err))
			} else {
				a.state = state
			}
		}
	}

	before := a.state
	slot := &Slot[S]{state: before}
	err := j.fn(j.ctx, slot)

	if slot.state != before {
		a.state = slot.state
		if m.opts.Save != nil && slot.state != nil {
			if saveErr := m.opts.Save(j.ctx, a.key, slot.state); saveErr != nil {
				m.log.Warn("actor state save failed",
					zap.String("key", a.key),
					zap.Error(saveErr))
			}
		}
	}

	j.done <- err

	if j.touch {
		a.touchIdle()
	}
}

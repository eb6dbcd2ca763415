package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hyperengineering/sitesync/internal/remote"
	syncengine "github.com/hyperengineering/sitesync/internal/sync"
)

// Cycler runs sync cycles. *sync.Engine satisfies it.
type Cycler interface {
	Push(ctx context.Context) (*syncengine.Result, error)
	Poll(ctx context.Context) (*syncengine.Result, error)
}

// Scheduler decides when the engine pushes and polls. Local mutations are
// debounced into a single push; a fixed ticker polls for remote changes and
// retries failed pushes. All cycles run on the Run goroutine.
type Scheduler struct {
	cycles       Cycler
	debounce     time.Duration
	pollInterval time.Duration
	flushTimeout time.Duration

	kick chan struct{}

	mu        sync.Mutex
	dirty     bool   // local changes not yet pushed
	gen       uint64 // bumped on every SchedulePush
	suspended bool   // auth failure; wait for user action
}

// NewScheduler creates a Scheduler. Zero durations take the defaults of 2s
// debounce and 20s poll interval.
func NewScheduler(cycles Cycler, debounce, pollInterval time.Duration) *Scheduler {
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	if pollInterval <= 0 {
		pollInterval = 20 * time.Second
	}
	return &Scheduler{
		cycles:       cycles,
		debounce:     debounce,
		pollInterval: pollInterval,
		flushTimeout: 5 * time.Second,
		kick:         make(chan struct{}, 1),
	}
}

// SetFlushTimeout bounds the final push made when Run's context ends.
func (s *Scheduler) SetFlushTimeout(d time.Duration) {
	if d > 0 {
		s.flushTimeout = d
	}
}

// SchedulePush records a local change and (re)starts the debounce timer.
// It never blocks. It also lifts an auth suspension, since a new mutation
// is the signal that the user is active again.
func (s *Scheduler) SchedulePush() {
	s.mu.Lock()
	s.dirty = true
	s.gen++
	s.suspended = false
	s.mu.Unlock()

	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Resume lifts an auth suspension. The run daemon calls it when the token
// file is rewritten.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	s.suspended = false
	s.mu.Unlock()
}

// Suspended reports whether automatic cycles are paused after an auth failure.
func (s *Scheduler) Suspended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suspended
}

// Run drives cycles until ctx is cancelled. A pending push is flushed once
// before returning.
func (s *Scheduler) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "sync-scheduler",
		"action", "worker_started",
		"debounce", s.debounce.String(),
		"poll_interval", s.pollInterval.String(),
	)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			s.flush(fire != nil)
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "sync-scheduler",
				"action", "worker_stopped",
				"reason", "context_cancelled",
			)
			return

		case <-s.kick:
			if timer == nil {
				timer = time.NewTimer(s.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(s.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			s.push(ctx)

		case <-ticker.C:
			if s.Suspended() {
				continue
			}
			s.mu.Lock()
			dirty := s.dirty
			s.mu.Unlock()
			if dirty {
				s.push(ctx)
			} else {
				s.poll(ctx)
			}
		}
	}
}

func (s *Scheduler) push(ctx context.Context) {
	if s.Suspended() {
		return
	}
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()

	_, err := s.cycles.Push(ctx)
	if err == nil {
		s.mu.Lock()
		if s.gen == gen {
			s.dirty = false
		}
		s.mu.Unlock()
		return
	}
	s.handleError(ctx, "push", err)
}

func (s *Scheduler) poll(ctx context.Context) {
	if _, err := s.cycles.Poll(ctx); err != nil {
		s.handleError(ctx, "poll", err)
	}
}

// handleError classifies a failed cycle. Failed pushes stay dirty and are
// retried on the next tick.
func (s *Scheduler) handleError(ctx context.Context, cycle string, err error) {
	switch {
	case ctx.Err() != nil:
		// Shutdown in progress.
	case errors.Is(err, remote.ErrAuth), errors.Is(err, syncengine.ErrLocalOnly):
		s.mu.Lock()
		s.suspended = true
		s.mu.Unlock()
		slog.Error("sync suspended until credentials change or next edit",
			"component", "worker",
			"worker", "sync-scheduler",
			"action", cycle+"_suspended",
			"error", err,
		)
	case errors.Is(err, syncengine.ErrBusy):
		slog.Debug("sync cycle skipped, another is running",
			"component", "worker",
			"worker", "sync-scheduler",
			"action", cycle+"_busy",
		)
	case remote.Transient(err):
		slog.Debug("sync cycle will be retried",
			"component", "worker",
			"worker", "sync-scheduler",
			"action", cycle+"_retry_scheduled",
			"error", err,
		)
	default:
		// Refused remote versions and local store failures need a human,
		// but the next tick still tries again.
		slog.Warn("sync cycle failed",
			"component", "worker",
			"worker", "sync-scheduler",
			"action", cycle+"_failed",
			"error", err,
		)
	}
}

// flush makes one last push on shutdown if a debounced push was pending
// or a previous push failed.
func (s *Scheduler) flush(timerPending bool) {
	s.mu.Lock()
	need := (timerPending || s.dirty) && !s.suspended
	s.mu.Unlock()
	if !need {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.flushTimeout)
	defer cancel()
	if _, err := s.cycles.Push(ctx); err != nil {
		slog.Warn("final push before shutdown failed",
			"component", "worker",
			"worker", "sync-scheduler",
			"action", "flush_failed",
			"error", err,
		)
		return
	}
	s.mu.Lock()
	s.dirty = false
	s.mu.Unlock()
}

// Package scheduler drives the rules engine on a calendar-day cadence.
// A one-shot timer fires at local midnight and an hourly ticker catches
// up after missed fires (process suspended through the boundary). The
// daily run is idempotent: every trigger checks the persisted last-run
// date first, so extra fires on the same day are no-ops.
package scheduler

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"pipetrack/internal/domain"
	"pipetrack/internal/report"
	"pipetrack/internal/retry"
)

//go:generate mockgen -source=scheduler.go -destination=mocks/mocks.go -package=mocks

// Evaluator is the rules-engine surface the scheduler drives.
type Evaluator interface {
	EvaluateRules(ctx context.Context) ([]domain.Task, error)
	SweepExpiredTasks(ctx context.Context) (int64, error)
}

// MarkerStore persists the calendar date of the last completed daily
// run. A single active scheduler instance is assumed; there is no
// cross-instance coordination on the marker.
type MarkerStore interface {
	Get(ctx context.Context) (string, error)
	Set(ctx context.Context, date string) error
}

const dateLayout = "Mon Jan 02 2006"

// Scheduler is a two-state machine (stopped/running) owned by the
// composition root. Start and Stop guard timer state only: evaluations
// themselves are not mutually excluded, so a boundary fire racing a
// ForceRun can overlap. Stop cancels future timers without aborting an
// evaluation already in flight.
type Scheduler struct {
	engine          Evaluator
	marker          MarkerStore
	exec            *retry.Executor
	reporter        report.Reporter
	logger          *slog.Logger
	catchupInterval time.Duration
	nowFn           func() time.Time

	mu      sync.Mutex
	running bool
	nextRun time.Time
	stopCh  chan struct{}
}

type Status struct {
	Running bool
	NextRun *time.Time // nil when stopped
}

func New(
	engine Evaluator,
	marker MarkerStore,
	exec *retry.Executor,
	reporter report.Reporter,
	logger *slog.Logger,
	catchupInterval time.Duration,
) *Scheduler {
	return &Scheduler{
		engine:          engine,
		marker:          marker,
		exec:            exec,
		reporter:        reporter,
		logger:          logger.With("component", "scheduler"),
		catchupInterval: catchupInterval,
		nowFn:           time.Now,
	}
}

// Start arms the midnight boundary timer and the hourly catch-up
// ticker. Calling Start on a running scheduler warns and does nothing.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Warn("scheduler already running")
		return
	}
	now := s.nowFn()
	next := nextMidnight(now)
	s.running = true
	s.nextRun = next
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.mu.Unlock()

	s.logger.Info("scheduler started",
		"next_run", next,
		"catchup_interval", s.catchupInterval,
	)

	go s.loop(ctx, stopCh, next.Sub(now))
}

func (s *Scheduler) loop(ctx context.Context, stopCh chan struct{}, boundaryDelay time.Duration) {
	boundary := time.NewTimer(boundaryDelay)
	defer boundary.Stop()

	ticker := time.NewTicker(s.catchupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Stop()
			return
		case <-stopCh:
			return
		case <-boundary.C:
			s.runIfStale(ctx)
			now := s.nowFn()
			next := nextMidnight(now)
			s.mu.Lock()
			s.nextRun = next
			s.mu.Unlock()
			boundary.Reset(next.Sub(now))
		case <-ticker.C:
			s.runIfStale(ctx)
		}
	}
}

// Stop cancels future timers. An in-flight evaluation is not aborted.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	s.nextRun = time.Time{}
	close(s.stopCh)
	s.stopCh = nil
	s.logger.Info("scheduler stopped")
}

// Initialize starts the scheduler and wires it to host lifecycle
// signals: SIGCONT triggers an immediate catch-up check (a suspended
// process may have slept through the boundary fire) and context
// cancellation tears the scheduler down.
func (s *Scheduler) Initialize(ctx context.Context) {
	s.Start(ctx)

	go func() {
		wake := make(chan os.Signal, 1)
		signal.Notify(wake, syscall.SIGCONT)
		defer signal.Stop(wake)

		for {
			select {
			case <-ctx.Done():
				s.Stop()
				return
			case <-wake:
				s.logger.Info("process resumed, running catch-up check")
				s.Wake(ctx)
			}
		}
	}()
}

// Wake performs an immediate catch-up check if the scheduler is
// running.
func (s *Scheduler) Wake(ctx context.Context) {
	if !s.Running() {
		return
	}
	s.runIfStale(ctx)
}

// ForceRun evaluates immediately and rewrites the marker, ignoring the
// date check. It works whether or not the scheduler is running and does
// not change scheduler state.
func (s *Scheduler) ForceRun(ctx context.Context) {
	s.run(ctx, s.nowFn().Format(dateLayout))
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) GetStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{Running: s.running}
	if s.running && !s.nextRun.IsZero() {
		next := s.nextRun
		st.NextRun = &next
	}
	return st
}

func (s *Scheduler) runIfStale(ctx context.Context) {
	today := s.nowFn().Format(dateLayout)

	last, err := s.marker.Get(ctx)
	if err != nil {
		s.reporter.Report(err, "read daily check marker", report.Meta{})
		return
	}
	if last == today {
		s.logger.Debug("daily check already ran", "date", today)
		return
	}

	s.run(ctx, today)
}

func (s *Scheduler) run(ctx context.Context, today string) {
	s.logger.Info("running daily task check", "date", today)

	created, err := s.engine.EvaluateRules(ctx)
	if err != nil {
		// Reported but not fatal: the marker stays stale so the next
		// trigger retries, and future scheduled runs stay armed.
		s.reporter.Report(err, "daily rules evaluation", report.Meta{})
		return
	}

	swept, err := s.engine.SweepExpiredTasks(ctx)
	if err != nil {
		s.reporter.Report(err, "expired task sweep", report.Meta{})
	}

	if err := s.exec.Do(ctx, "write daily check marker", func(ctx context.Context) error {
		return s.marker.Set(ctx, today)
	}); err != nil {
		// Terminal failure already reported by the executor; the stale
		// marker makes the next trigger retry the day.
		return
	}

	s.logger.Info("daily task check completed",
		"date", today,
		"tasks_created", len(created),
		"tasks_swept", swept,
	)
}

func nextMidnight(now time.Time) time.Time {
	year, month, day := now.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
}

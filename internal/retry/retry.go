// Package retry wraps fallible operations with bounded, backed-off
// retries. It is the single point where a terminal failure is reported
// before being returned to the caller.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"pipetrack/internal/domain"
	"pipetrack/internal/report"
)

// Operation is a fallible unit of work.
type Operation func(ctx context.Context) error

type Config struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	BackoffFactor float64
	MaxDelay      time.Duration
	RetryIf       func(error) bool
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:   3,
		BaseDelay:     1 * time.Second,
		BackoffFactor: 2,
		MaxDelay:      10 * time.Second,
		RetryIf:       domain.IsRetryable,
	}
}

// State is a snapshot of the executor's current invocation, exposed for
// observability only.
type State struct {
	Attempt  int
	Retrying bool
	LastErr  error
}

// Executor runs one operation at a time with the configured retry
// policy. It has no internal concurrency; the state snapshot exists so
// observers can watch a long retry sequence from outside.
type Executor struct {
	cfg      Config
	reporter report.Reporter
	logger   *slog.Logger

	mu    sync.Mutex
	state State

	sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, reporter report.Reporter, logger *slog.Logger) *Executor {
	return &Executor{
		cfg:      withDefaults(cfg),
		reporter: reporter,
		logger:   logger,
		sleep:    sleepCtx,
	}
}

func withDefaults(cfg Config) Config {
	return mergeConfig(cfg, DefaultConfig())
}

// mergeConfig fills the zero fields of cfg from base.
func mergeConfig(cfg, base Config) Config {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = base.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = base.BaseDelay
	}
	if cfg.BackoffFactor <= 0 {
		cfg.BackoffFactor = base.BackoffFactor
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = base.MaxDelay
	}
	if cfg.RetryIf == nil {
		cfg.RetryIf = base.RetryIf
	}
	return cfg
}

// Do runs op under the executor's default policy.
func (e *Executor) Do(ctx context.Context, name string, op Operation) error {
	return e.DoWith(ctx, name, e.cfg, op)
}

// DoWith runs op under a one-off policy layered over the executor's
// own: zero fields fall back to the executor's configuration, not the
// package defaults. The executor's policy is never mutated.
func (e *Executor) DoWith(ctx context.Context, name string, cfg Config, op Operation) error {
	cfg = mergeConfig(cfg, e.cfg)

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		e.setState(State{Attempt: attempt, Retrying: attempt > 1, LastErr: lastErr})

		err := op(ctx)
		if err == nil {
			e.setState(State{Attempt: attempt})
			return nil
		}

		lastErr = err
		e.setState(State{Attempt: attempt, Retrying: true, LastErr: err})

		if !cfg.RetryIf(err) {
			e.setState(State{Attempt: attempt, LastErr: err})
			e.reporter.Report(err, fmt.Sprintf("%s failed", name), report.Meta{Attempt: attempt})
			return fmt.Errorf("%s: %w", name, err)
		}

		if attempt == cfg.MaxAttempts {
			break
		}

		backoff := backoffFor(cfg, attempt)
		e.logger.Warn("operation failed, retrying",
			"op", name,
			"attempt", attempt,
			"backoff", backoff,
			"error", err,
		)

		if err := e.sleep(ctx, backoff); err != nil {
			e.setState(State{Attempt: attempt, LastErr: lastErr})
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	e.setState(State{Attempt: cfg.MaxAttempts, LastErr: lastErr})
	e.reporter.Report(lastErr,
		fmt.Sprintf("%s failed after %d attempts", name, cfg.MaxAttempts),
		report.Meta{Attempt: cfg.MaxAttempts},
	)
	return fmt.Errorf("%s: after %d attempts: %w", name, cfg.MaxAttempts, lastErr)
}

// State returns a snapshot of the current invocation.
func (e *Executor) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Executor) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// backoffFor computes the delay before the retry that follows the given
// attempt: BaseDelay doubled per attempt by BackoffFactor, capped at
// MaxDelay. The cap bounds the interval between attempts, not the
// duration of the operation itself.
func backoffFor(cfg Config, attempt int) time.Duration {
	backoff := cfg.BaseDelay
	for i := 1; i < attempt; i++ {
		backoff = time.Duration(float64(backoff) * cfg.BackoffFactor)
		if backoff >= cfg.MaxDelay {
			return cfg.MaxDelay
		}
	}
	if backoff > cfg.MaxDelay {
		backoff = cfg.MaxDelay
	}
	return backoff
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

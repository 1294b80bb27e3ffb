package retry

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipetrack/internal/domain"
	"pipetrack/internal/report"
)

type recordedReport struct {
	err     error
	context string
	meta    report.Meta
}

type fakeReporter struct {
	reports []recordedReport
}

func (r *fakeReporter) Report(err error, context string, meta report.Meta) {
	r.reports = append(r.reports, recordedReport{err: err, context: context, meta: meta})
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// newTestExecutor returns an executor whose sleeps are captured instead
// of slept.
func newTestExecutor(cfg Config, reporter *fakeReporter) (*Executor, *[]time.Duration) {
	exec := New(cfg, reporter, testLogger())
	var delays []time.Duration
	exec.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return ctx.Err()
	}
	return exec, &delays
}

func TestBackoffGrowth(t *testing.T) {
	cfg := withDefaults(Config{
		BaseDelay:     100 * time.Millisecond,
		BackoffFactor: 2,
		MaxDelay:      1000 * time.Millisecond,
	})

	assert.Equal(t, 100*time.Millisecond, backoffFor(cfg, 1))
	assert.Equal(t, 200*time.Millisecond, backoffFor(cfg, 2))
	assert.Equal(t, 400*time.Millisecond, backoffFor(cfg, 3))
	assert.Equal(t, 800*time.Millisecond, backoffFor(cfg, 4))
}

func TestBackoffCappedAtMaxDelay(t *testing.T) {
	cfg := withDefaults(Config{
		BaseDelay:     100 * time.Millisecond,
		BackoffFactor: 2,
		MaxDelay:      250 * time.Millisecond,
	})

	assert.Equal(t, 100*time.Millisecond, backoffFor(cfg, 1))
	assert.Equal(t, 200*time.Millisecond, backoffFor(cfg, 2))
	assert.Equal(t, 250*time.Millisecond, backoffFor(cfg, 3))
	assert.Equal(t, 250*time.Millisecond, backoffFor(cfg, 10))
}

func TestDo_SuccessFirstAttempt(t *testing.T) {
	reporter := &fakeReporter{}
	exec, delays := newTestExecutor(Config{}, reporter)

	calls := 0
	err := exec.Do(context.Background(), "save", func(ctx context.Context) error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *delays)
	assert.Empty(t, reporter.reports)

	state := exec.State()
	assert.Equal(t, 1, state.Attempt)
	assert.False(t, state.Retrying)
	assert.NoError(t, state.LastErr)
}

func TestDo_TransientFailuresThenSuccess(t *testing.T) {
	reporter := &fakeReporter{}
	exec, delays := newTestExecutor(Config{
		BaseDelay:     100 * time.Millisecond,
		BackoffFactor: 2,
		MaxDelay:      1000 * time.Millisecond,
	}, reporter)

	transient := &domain.TransientError{Op: "save", Err: errors.New("connection reset")}
	calls := 0
	err := exec.Do(context.Background(), "save", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return transient
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, *delays)
	assert.Empty(t, reporter.reports)
	assert.Equal(t, 3, exec.State().Attempt)
}

func TestDo_NonRetryableShortCircuits(t *testing.T) {
	reporter := &fakeReporter{}
	exec, delays := newTestExecutor(Config{}, reporter)

	perm := &domain.PermanentError{Op: "save", Err: errors.New("validation failed")}
	calls := 0
	err := exec.Do(context.Background(), "save content", func(ctx context.Context) error {
		calls++
		return perm
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, perm)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *delays)

	require.Len(t, reporter.reports, 1)
	assert.Equal(t, "save content failed", reporter.reports[0].context)
	assert.Equal(t, 1, reporter.reports[0].meta.Attempt)
}

func TestDo_ExhaustedAttemptsReportsOnce(t *testing.T) {
	reporter := &fakeReporter{}
	exec, delays := newTestExecutor(Config{
		MaxAttempts:   3,
		BaseDelay:     100 * time.Millisecond,
		BackoffFactor: 2,
		MaxDelay:      1000 * time.Millisecond,
	}, reporter)

	transient := errors.New("dial tcp: connection refused")
	calls := 0
	err := exec.Do(context.Background(), "save content", func(ctx context.Context) error {
		calls++
		return transient
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, transient)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, *delays)

	require.Len(t, reporter.reports, 1)
	assert.Equal(t, "save content failed after 3 attempts", reporter.reports[0].context)
	assert.Equal(t, 3, reporter.reports[0].meta.Attempt)

	state := exec.State()
	assert.Equal(t, 3, state.Attempt)
	assert.Equal(t, transient, state.LastErr)
}

func TestDoWith_PartialOverrideKeepsExecutorPolicy(t *testing.T) {
	reporter := &fakeReporter{}
	exec, delays := newTestExecutor(Config{
		MaxAttempts:   5,
		BaseDelay:     100 * time.Millisecond,
		BackoffFactor: 2,
		MaxDelay:      time.Second,
	}, reporter)

	// Overriding only the base delay must keep the executor's attempt
	// budget, not fall back to the package default of 3.
	calls := 0
	err := exec.DoWith(context.Background(), "save", Config{BaseDelay: 10 * time.Millisecond}, func(ctx context.Context) error {
		calls++
		return errors.New("timeout")
	})

	require.Error(t, err)
	assert.Equal(t, 5, calls)
	assert.Equal(t, []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		40 * time.Millisecond,
		80 * time.Millisecond,
	}, *delays)
}

func TestDoWith_OverrideDoesNotMutateDefaults(t *testing.T) {
	reporter := &fakeReporter{}
	exec, _ := newTestExecutor(Config{MaxAttempts: 3, BaseDelay: time.Millisecond}, reporter)

	transient := errors.New("timeout")

	calls := 0
	err := exec.DoWith(context.Background(), "probe", Config{MaxAttempts: 1}, func(ctx context.Context) error {
		calls++
		return transient
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)

	// The default policy still retries three times.
	calls = 0
	err = exec.Do(context.Background(), "probe", func(ctx context.Context) error {
		calls++
		return transient
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	reporter := &fakeReporter{}
	exec := New(Config{MaxAttempts: 3, BaseDelay: time.Minute}, reporter, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := exec.Do(ctx, "save", func(ctx context.Context) error {
		calls++
		return errors.New("timeout")
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDefaultRetryCondition(t *testing.T) {
	cfg := DefaultConfig()

	assert.True(t, cfg.RetryIf(errors.New("dial tcp: i/o timeout")))
	assert.True(t, cfg.RetryIf(errors.New("unexpected status: 503 service unavailable")))
	assert.True(t, cfg.RetryIf(&domain.TransientError{Op: "x", Err: errors.New("flaky")}))
	assert.False(t, cfg.RetryIf(&domain.PermanentError{Op: "x", Err: errors.New("forbidden")}))
	assert.False(t, cfg.RetryIf(errors.New("something unexpected")))
}

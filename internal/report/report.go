// Package report defines the error-reporting sink consumed by the
// engine, scheduler and retry executor. The sink owns user-facing
// notification; callers only guarantee that no failure is dropped
// silently.
package report

import "log/slog"

// Meta carries optional context for a report.
type Meta struct {
	Attempt int // last attempt number, zero when not applicable
}

type Reporter interface {
	Report(err error, context string, meta Meta)
}

// LogReporter writes reports to structured logs.
type LogReporter struct {
	logger *slog.Logger
}

func NewLogReporter(logger *slog.Logger) *LogReporter {
	return &LogReporter{logger: logger}
}

func (r *LogReporter) Report(err error, context string, meta Meta) {
	if meta.Attempt > 0 {
		r.logger.Error("operation failed", "context", context, "attempt", meta.Attempt, "error", err)
		return
	}
	r.logger.Error("operation failed", "context", context, "error", err)
}

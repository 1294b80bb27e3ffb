package domain

import "time"

// EvaluationStats holds statistics about one rules-evaluation pass.
type EvaluationStats struct {
	RulesRun    int
	ContentSeen int
	Created     int
	Skipped     int
	Deferred    int // captured by the offline queue
	Errors      int
	Duration    time.Duration
}

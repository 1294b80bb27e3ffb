package domain

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// NotFoundError reports that a referenced entity does not exist.
type NotFoundError struct {
	Kind string // "content", "task"
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.Key)
}

// TransientError marks a failure as retryable regardless of its message.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure as non-retryable (validation,
// authorization and similar).
type PermanentError struct {
	Op  string
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

var transientPatterns = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
	"connection refused",
	"connection reset",
	"broken pipe",
	"no such host",
	"network is unreachable",
	"temporarily unavailable",
	"too many connections",
	"status 500",
	"status 502",
	"status 503",
	"status 504",
	"bad gateway",
	"service unavailable",
}

// IsRetryable classifies an error for the retry executor. Explicitly
// typed errors win; otherwise network/timeout/5xx-looking messages are
// treated as transient. Anything unclassified is not retried, so an
// unknown condition fails fast instead of looping.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var perm *PermanentError
	if errors.As(err, &perm) {
		return false
	}
	var nf *NotFoundError
	if errors.As(err, &nf) {
		return false
	}
	var trans *TransientError
	if errors.As(err, &trans) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}

	return false
}

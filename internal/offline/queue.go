// Package offline buffers mutating operations while the backing
// services are unreachable and replays them on reconnect. The queue is
// memory-resident only: pending operations do not survive a process
// restart. That is a documented limitation, not a bug.
package offline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrDeferred is returned by callers that captured an operation for
// later replay instead of executing it.
var ErrDeferred = errors.New("operation deferred until reconnect")

// Operation is a deferred, zero-argument unit of work.
type Operation func(ctx context.Context) error

type PendingOperation struct {
	Name     string
	Run      Operation
	Enqueued time.Time
}

// Queue tracks connectivity and holds operations captured while
// offline. wasOffline stays set after reconnection until explicitly
// cleared, so a consumer can show a "back online" transition exactly
// once.
type Queue struct {
	logger *slog.Logger

	mu         sync.Mutex
	online     bool
	wasOffline bool
	ops        []PendingOperation
}

func NewQueue(logger *slog.Logger) *Queue {
	return &Queue{
		logger: logger,
		online: true,
	}
}

func (q *Queue) Online() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.online
}

func (q *Queue) WasOffline() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.wasOffline
}

// ClearWasOffline acknowledges the reconnection without touching the
// queue.
func (q *Queue) ClearWasOffline() {
	q.mu.Lock()
	q.wasOffline = false
	q.mu.Unlock()
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// Add appends a deferred operation. It never executes the operation.
func (q *Queue) Add(name string, op Operation) {
	q.mu.Lock()
	q.ops = append(q.ops, PendingOperation{Name: name, Run: op, Enqueued: time.Now()})
	pending := len(q.ops)
	q.mu.Unlock()
	q.logger.Info("operation queued for replay", "op", name, "pending", pending)
}

// SetOnline records a connectivity transition. An offline-to-online
// transition triggers exactly one sync.
func (q *Queue) SetOnline(ctx context.Context, online bool) {
	q.mu.Lock()
	was := q.online
	q.online = online
	if !online {
		q.wasOffline = true
	}
	drain := online && !was && q.wasOffline
	q.mu.Unlock()

	if drain {
		q.Sync(ctx)
	}
}

// Sync replays pending operations in FIFO order. It snapshots the
// current queue first, so operations enqueued during the drain are left
// for a future sync; an operation that fails is re-appended rather than
// dropped.
func (q *Queue) Sync(ctx context.Context) {
	q.mu.Lock()
	if !q.online || len(q.ops) == 0 {
		q.mu.Unlock()
		return
	}
	batch := q.ops
	q.ops = nil
	q.mu.Unlock()

	q.logger.Info("syncing pending operations", "count", len(batch))

	for _, pending := range batch {
		if err := pending.Run(ctx); err != nil {
			q.logger.Warn("pending operation failed, re-queued",
				"op", pending.Name,
				"queued_at", pending.Enqueued,
				"error", err,
			)
			q.mu.Lock()
			q.ops = append(q.ops, pending)
			q.mu.Unlock()
			continue
		}
		q.logger.Debug("pending operation replayed", "op", pending.Name)
	}
}

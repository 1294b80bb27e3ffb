package offline

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Prober reports whether the backing services are reachable.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProbeFunc adapts a function to the Prober interface.
type ProbeFunc func(ctx context.Context) error

func (f ProbeFunc) Probe(ctx context.Context) error { return f(ctx) }

const probeTimeout = 10 * time.Second

// Monitor polls a Prober and pushes online/offline transitions to its
// subscribers.
type Monitor struct {
	prober   Prober
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	online bool

	subs []func(ctx context.Context, online bool)
}

func NewMonitor(prober Prober, interval time.Duration, logger *slog.Logger) *Monitor {
	return &Monitor{
		prober:   prober,
		interval: interval,
		logger:   logger,
		online:   true,
	}
}

// Subscribe registers a transition callback. Must be called before
// Start; callbacks run on the monitor goroutine.
func (m *Monitor) Subscribe(fn func(ctx context.Context, online bool)) {
	m.subs = append(m.subs, fn)
}

func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Start blocks, probing on the configured interval until the context is
// cancelled.
func (m *Monitor) Start(ctx context.Context) error {
	m.logger.Info("connectivity monitor started", "interval", m.interval)

	m.check(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("connectivity monitor stopped")
			return ctx.Err()
		case <-ticker.C:
			m.check(ctx)
		}
	}
}

func (m *Monitor) check(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	err := m.prober.Probe(probeCtx)
	cancel()

	online := err == nil
	m.mu.Lock()
	if online == m.online {
		m.mu.Unlock()
		return
	}
	m.online = online
	m.mu.Unlock()

	if online {
		m.logger.Info("connectivity regained")
	} else {
		m.logger.Warn("connectivity lost", "error", err)
	}

	for _, fn := range m.subs {
		fn(ctx, online)
	}
}

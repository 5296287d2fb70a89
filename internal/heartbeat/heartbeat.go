// Package heartbeat watches how long it has been since the last tick a
// collector's WebSocket session delivered, and signals when a partition
// should be treated as stale.
//
// Grounded on the teacher's risk.Manager: a ticker-driven Run loop that
// periodically re-evaluates state against configured thresholds and emits
// a signal on a channel rather than calling back directly. The portfolio
// risk limits and kill-switch cooldown are replaced with the single
// warn/stale threshold pair from spec §4.6.
package heartbeat

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// checkInterval is how often Run re-evaluates staleness, per spec §4.6
// ("every 10 s, if no tick in 10 s, warn").
const checkInterval = 10 * time.Second

// Monitor tracks the most recent tick time and raises a stale signal when
// WarnAfter/StaleAfter thresholds are crossed.
type Monitor struct {
	warnAfter  time.Duration
	staleAfter time.Duration
	logger     *slog.Logger

	mu         sync.Mutex
	lastTickAt time.Time
	warned     bool
	stale      bool

	staleCh chan struct{}
}

// NewMonitor creates a Monitor. warnAfter and staleAfter come from
// CollectorConfig.HeartbeatWarnSec/HeartbeatStaleSec.
func NewMonitor(warnAfter, staleAfter time.Duration, logger *slog.Logger) *Monitor {
	return &Monitor{
		warnAfter:  warnAfter,
		staleAfter: staleAfter,
		logger:     logger.With("component", "heartbeat"),
		lastTickAt: time.Now(),
		staleCh:    make(chan struct{}, 1),
	}
}

// Tick records that a tick was just received, clearing the warned/stale
// state so a fresh silence starts the thresholds over.
func (m *Monitor) Tick() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastTickAt = time.Now()
	m.warned = false
	m.stale = false
}

// LastTickAt returns the last recorded tick time.
func (m *Monitor) LastTickAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastTickAt
}

// StaleCh fires (non-blocking, buffered 1) the moment silence crosses
// staleAfter. The collector's instrument-refresh activity listens on this
// to trigger a WS close/reopen.
func (m *Monitor) StaleCh() <-chan struct{} {
	return m.staleCh
}

// Run blocks, checking staleness every 10s until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.check()
		}
	}
}

func (m *Monitor) check() {
	m.mu.Lock()
	silence := time.Since(m.lastTickAt)

	if silence >= m.staleAfter {
		alreadyStale := m.stale
		m.stale = true
		m.mu.Unlock()
		if !alreadyStale {
			m.logger.Warn("partition stale, no ticks received", "silence", silence)
			select {
			case m.staleCh <- struct{}{}:
			default:
			}
		}
		return
	}

	if silence >= m.warnAfter && !m.warned {
		m.warned = true
		m.mu.Unlock()
		m.logger.Warn("no ticks received recently", "silence", silence)
		return
	}

	m.mu.Unlock()
}

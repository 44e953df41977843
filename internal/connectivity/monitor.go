// Package connectivity tracks whether the remote backend is reachable and
// tells subscribers when it comes back.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"offline-sync-engine/internal/telemetry"
)

// Probe reports whether the backend is reachable. Errors count as offline.
type Probe func(ctx context.Context) (bool, error)

// Monitor is the single authority on online/offline state. It never fails:
// anything it cannot determine is treated as offline.
type Monitor struct {
	probe    Probe
	interval time.Duration
	debounce time.Duration
	log      logrus.FieldLogger

	mu     sync.Mutex
	online bool
	subs   []func()
	timer  *time.Timer
	gen    uint64
}

// Option customizes a Monitor.
type Option func(*Monitor)

// WithInterval sets how often Run polls the probe.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithDebounce sets how long the state must stay online before subscribers hear about it.
func WithDebounce(d time.Duration) Option {
	return func(m *Monitor) {
		if d >= 0 {
			m.debounce = d
		}
	}
}

// WithLogger replaces the standard logrus logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.log = l
		}
	}
}

// NewMonitor starts offline; the first successful probe or Set(true) flips it.
// A nil probe means the state is only ever pushed through Set.
func NewMonitor(probe Probe, opts ...Option) *Monitor {
	m := &Monitor{
		probe:    probe,
		interval: 10 * time.Second,
		debounce: 2 * time.Second,
		log:      logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// IsOnline returns the current best-known state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// OnOnline registers fn to be called once per offline-to-online transition.
func (m *Monitor) OnOnline(fn func()) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.subs = append(m.subs, fn)
	m.mu.Unlock()
}

// Set records an observation from a push source such as OS network events.
// A transition to online is announced after the debounce window, and only if
// the state is still online then; flaps inside the window collapse into one
// notification.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	was := m.online
	m.online = online
	if online {
		telemetry.OnlineGauge.Set(1)
	} else {
		telemetry.OnlineGauge.Set(0)
	}

	if !online {
		if was {
			m.log.Info("backend went offline")
		}
		m.cancelPendingLocked()
		return
	}
	if was {
		return
	}
	m.cancelPendingLocked()
	gen := m.gen
	m.timer = time.AfterFunc(m.debounce, func() { m.fire(gen) })
}

// cancelPendingLocked drops any scheduled notification. Callers hold mu.
func (m *Monitor) cancelPendingLocked() {
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Monitor) fire(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || !m.online {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	subs := append([]func(){}, m.subs...)
	m.mu.Unlock()

	m.log.Info("backend is online")
	for _, fn := range subs {
		fn()
	}
}

// TriggerCheck probes right away, as for a "retry now" button. When the
// backend is reachable subscribers are notified immediately, transition or
// not, and any pending debounced notification is dropped.
func (m *Monitor) TriggerCheck(ctx context.Context) bool {
	online := m.check(ctx)
	if !online {
		return false
	}
	m.mu.Lock()
	m.cancelPendingLocked()
	subs := append([]func(){}, m.subs...)
	m.mu.Unlock()

	for _, fn := range subs {
		fn()
	}
	return true
}

func (m *Monitor) check(ctx context.Context) bool {
	if m.probe == nil {
		return m.IsOnline()
	}
	online, err := m.probe(ctx)
	if err != nil {
		m.log.WithError(err).Debug("connectivity probe failed")
		online = false
	}
	m.Set(online)
	return online
}

// Run polls the probe until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	defer m.Stop()
	if m.probe == nil {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.check(ctx)
		}
	}
}

// Stop cancels any pending notification.
func (m *Monitor) Stop() {
	m.mu.Lock()
	m.cancelPendingLocked()
	m.mu.Unlock()
}

// Start runs the poll loop in the background.
func (m *Monitor) Start(ctx context.Context) {
	go m.Run(ctx)
}

package client

import (
	"context"
	"sync"
	"time"

	"github.com/rafflelive/raffle-backend/internal/clock"
)

const defaultCoalesce = time.Second

// InactivityMonitor ends an authenticated session after a period with no
// interaction, independent of any reservation deadline. Interaction
// signals (pointer, key, scroll, touch) call Touch; recording is coalesced
// to at most once per short interval to bound work without changing the
// timeout semantics.
type InactivityMonitor struct {
	clk        clock.Clock
	timeout    time.Duration
	warnBefore time.Duration
	coalesce   time.Duration
	onWarning  func()
	onTimeout  func()

	mu           sync.Mutex
	lastActivity time.Time
	lastRecorded time.Time
	warned       bool
	timedOut     bool
}

func NewInactivityMonitor(clk clock.Clock, timeout, warnBefore time.Duration, onWarning, onTimeout func()) *InactivityMonitor {
	if clk == nil {
		clk = clock.NewSystem()
	}
	now := clk.Now()
	return &InactivityMonitor{
		clk:          clk,
		timeout:      timeout,
		warnBefore:   warnBefore,
		coalesce:     defaultCoalesce,
		onWarning:    onWarning,
		onTimeout:    onTimeout,
		lastActivity: now,
		lastRecorded: now,
	}
}

// Touch records a qualifying interaction, resetting both deadlines and
// the warned flag. Calls within the coalescing interval are dropped; a
// timed-out monitor stays timed out.
func (m *InactivityMonitor) Touch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timedOut {
		return
	}
	now := m.clk.Now()
	if now.Sub(m.lastRecorded) < m.coalesce {
		return
	}
	m.lastRecorded = now
	m.lastActivity = now
	m.warned = false
}

// Check fires the warning or timeout callback when their deadline has
// passed. The warning fires exactly once per inactivity period.
func (m *InactivityMonitor) Check() {
	m.mu.Lock()
	if m.timedOut {
		m.mu.Unlock()
		return
	}
	now := m.clk.Now()
	warnAt := m.lastActivity.Add(m.timeout - m.warnBefore)
	timeoutAt := m.lastActivity.Add(m.timeout)

	var fire func()
	switch {
	case !now.Before(timeoutAt):
		m.timedOut = true
		fire = m.onTimeout
	case !m.warned && !now.Before(warnAt):
		m.warned = true
		fire = m.onWarning
	}
	m.mu.Unlock()

	if fire != nil {
		fire()
	}
}

// Deadlines reports the pending warning and hard-timeout instants.
func (m *InactivityMonitor) Deadlines() (warnAt, timeoutAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastActivity.Add(m.timeout - m.warnBefore), m.lastActivity.Add(m.timeout)
}

// TimedOut reports whether the hard deadline has already fired.
func (m *InactivityMonitor) TimedOut() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timedOut
}

// Run polls Check on the given interval until ctx ends or the session
// times out.
func (m *InactivityMonitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check()
			if m.TimedOut() {
				return
			}
		}
	}
}

//
//
// Package watchdog derives the controller's view of the transmitter's
// fail-safe timer from polled status.
//
// The device enforces the fail-safe on its own. The monitor only reports
// it faithfully: once a trip is seen the state latches at TRIGGERED until
// the operator resets it, whatever later reports say.
package watchdog

import (
	"sync"
	"time"
)

// State of the fail-safe as seen by the controller.
type State string

const (
	OK        State = "OK"
	Warning   State = "WARNING"
	Triggered State = "TRIGGERED"
	Disabled  State = "DISABLED"
)

// Config holds the device timeout and the warning threshold, expressed as
// the fraction of the timeout still remaining.
type Config struct {
	Timeout         time.Duration
	WarningFraction float64
}

// Report is the watchdog portion of one parsed status reply.
type Report struct {
	Triggered    bool
	Warning      bool
	Remaining    time.Duration
	HasRemaining bool
}

// Transition describes a state change produced by the monitor.
type Transition struct {
	From State
	To   State
}

// Changed reports whether the state actually moved.
func (t Transition) Changed() bool {
	return t.From != t.To
}

// Monitor is the fail-safe state machine. The trip latch and the
// enabled flag are tracked apart from the reported state so that switching
// monitoring off and on again never clears a trip.
type Monitor struct {
	mu       sync.Mutex
	cfg      Config
	state    State
	latched  bool
	disabled bool
}

// NewMonitor starts in OK.
func NewMonitor(cfg Config) *Monitor {
	return &Monitor{cfg: cfg, state: OK}
}

// State returns the current state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Latched reports whether a trip has been seen and not yet reset.
func (m *Monitor) Latched() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latched
}

// WarningThreshold is the remaining time at or below which WARNING is
// entered.
func (m *Monitor) WarningThreshold() time.Duration {
	return time.Duration(float64(m.cfg.Timeout) * m.cfg.WarningFraction)
}

// settle derives the state. TRIGGERED outranks DISABLED.
func (m *Monitor) settle(level State) {
	switch {
	case m.latched:
		m.state = Triggered
	case m.disabled:
		m.state = Disabled
	default:
		m.state = level
	}
}

// Observe folds one report into the state machine. A reported trip latches
// even while monitoring is disabled.
func (m *Monitor) Observe(r Report) Transition {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.state
	if r.Triggered {
		m.latched = true
	}
	level := OK
	if r.Warning || r.HasRemaining && r.Remaining <= m.WarningThreshold() {
		level = Warning
	}
	m.settle(level)
	return Transition{From: from, To: m.state}
}

// Reset clears a trip or warning. It is the only way out of TRIGGERED.
func (m *Monitor) Reset() Transition {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.state
	m.latched = false
	m.settle(OK)
	return Transition{From: from, To: m.state}
}

// Disable records that the device fail-safe is switched off. A latched
// trip stays TRIGGERED.
func (m *Monitor) Disable() Transition {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.state
	if !m.disabled {
		m.disabled = true
		m.settle(OK)
	}
	return Transition{From: from, To: m.state}
}

// Enable leaves DISABLED. A latched trip is kept.
func (m *Monitor) Enable() Transition {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.state
	if m.disabled {
		m.disabled = false
		m.settle(OK)
	}
	return Transition{From: from, To: m.state}
}

//
//
package state

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tunnel-broadcast/amrc/internal/bus"
	"github.com/tunnel-broadcast/amrc/internal/config"
	"github.com/tunnel-broadcast/amrc/internal/scpi"
	"github.com/tunnel-broadcast/amrc/internal/watchdog"
)

// Reconciler folds parsed status into DeviceState and publishes the edges.
type Reconciler struct {
	mu         sync.RWMutex
	state      DeviceState
	intentAt   time.Time
	armTimeout time.Duration

	monitor *watchdog.Monitor
	bus     *bus.Bus
	logger  zerolog.Logger
	now     func() time.Time
}

// NewReconciler creates a stale state for channels. armTimeout bounds how
// long ARMING and STOPPING wait for a confirming poll.
func NewReconciler(channels []config.Channel, monitor *watchdog.Monitor, b *bus.Bus, armTimeout time.Duration, logger zerolog.Logger) *Reconciler {
	st := DeviceState{
		Broadcast: Idle,
		Source:    scpi.SourceBRAM,
		Watchdog:  monitor.State(),
		Stale:     true,
		Channels:  make([]ChannelState, len(channels)),
	}
	for i, ch := range channels {
		st.Channels[i] = ChannelState{ID: ch.ID, Frequency: ch.DefaultFrequency}
	}

	return &Reconciler{
		state:      st,
		armTimeout: armTimeout,
		monitor:    monitor,
		bus:        b,
		logger:     logger,
		now:        time.Now,
	}
}

// Snapshot returns a copy of the current state.
func (r *Reconciler) Snapshot() DeviceState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.clone()
}

// Tripped reports whether the fail-safe is latched. Only
// AcknowledgeWatchdog clears it.
func (r *Reconciler) Tripped() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tripped()
}

func (r *Reconciler) tripped() bool {
	return r.monitor.Latched() || r.state.Watchdog == watchdog.Triggered || r.state.WatchdogTriggered
}

// Apply commits one parsed status reply.
func (r *Reconciler) Apply(st scpi.Status) DeviceState {
	now := r.now()

	r.mu.Lock()
	prev := r.state.clone()
	s := &r.state

	if st.Broadcasting.Valid {
		s.Broadcasting = st.Broadcasting.V
	}
	if st.Source.Valid {
		s.Source = st.Source.V
	}
	if st.CurrentMessage.Valid {
		s.CurrentMessage = st.CurrentMessage.V
	}
	if st.AudioLoading.Valid {
		s.AudioLoading = st.AudioLoading.V
	}
	if st.AudioError.Valid {
		s.AudioError = st.AudioError.V
	}
	if st.WatchdogEnabled.Valid {
		s.WatchdogEnabled = st.WatchdogEnabled.V
	}
	if st.WatchdogTriggered.Valid {
		s.WatchdogTriggered = st.WatchdogTriggered.V
	}
	if st.WatchdogWarning.Valid {
		s.WatchdogWarning = st.WatchdogWarning.V
	}
	if st.WatchdogRemaining.Valid {
		s.WatchdogRemaining = st.WatchdogRemaining.V
	}
	for i := range s.Channels {
		cs, ok := st.Channels[s.Channels[i].ID]
		if !ok {
			continue
		}
		if cs.Enabled.Valid {
			s.Channels[i].Enabled = cs.Enabled.V
		}
		if cs.Frequency.Valid {
			s.Channels[i].Frequency = cs.Frequency.V
		}
		if cs.Enabled.Valid || cs.Frequency.Valid {
			s.Channels[i].Confirmed = true
		}
	}
	s.Connected = true
	s.Stale = false
	s.LastUpdate = now

	// Monitoring follows the confirmed enable flag, never the request.
	if st.WatchdogEnabled.Valid {
		if st.WatchdogEnabled.V {
			r.monitor.Enable()
		} else {
			r.monitor.Disable()
		}
	}
	obs := r.monitor.Observe(watchdog.Report{
		Triggered:    s.WatchdogTriggered,
		Warning:      s.WatchdogWarning,
		Remaining:    s.WatchdogRemaining,
		HasRemaining: st.WatchdogRemaining.Valid,
	})
	wd := watchdog.Transition{From: prev.Watchdog, To: obs.To}
	s.Watchdog = wd.To

	intentExpired := now.Sub(r.intentAt) >= r.armTimeout
	armFailed := false
	switch {
	case r.tripped():
		// A trip overrides whatever broadcasting value the device reported.
		s.Broadcasting = false
		s.Broadcast = Idle
	case s.Broadcasting && s.Broadcast == Stopping && !intentExpired:
	case s.Broadcasting:
		s.Broadcast = Broadcasting
	case s.Broadcast == Arming && !intentExpired:
	case s.Broadcast == Arming:
		s.Broadcast = Idle
		armFailed = true
	default:
		s.Broadcast = Idle
	}

	next := s.clone()
	r.mu.Unlock()

	r.publishEdges(prev, next, wd, armFailed)
	return next
}

func (r *Reconciler) publishEdges(prev, next DeviceState, wd watchdog.Transition, armFailed bool) {
	if wd.Changed() {
		switch wd.To {
		case watchdog.Warning:
			r.bus.Emit(bus.WatchdogWarning, map[string]interface{}{
				"remainingMs": next.WatchdogRemaining.Milliseconds(),
			})
		case watchdog.Triggered:
			r.logger.Warn().Msg("Device fail-safe tripped, RF disabled")
			r.bus.Emit(bus.WatchdogTriggered, map[string]interface{}{
				"broadcastReported": prev.Broadcasting,
			})
		}
	}

	if !prev.Stale && prev.WatchdogEnabled != next.WatchdogEnabled {
		if next.WatchdogEnabled {
			r.bus.Emit(bus.WatchdogEnabled, nil)
		} else {
			r.bus.Emit(bus.WatchdogDisabled, nil)
		}
	}

	switch {
	case !prev.Broadcasting && next.Broadcasting:
		r.bus.Emit(bus.BroadcastStarted, nil)
	case prev.Broadcasting && !next.Broadcasting:
		reason := "device"
		if next.Watchdog == watchdog.Triggered || next.WatchdogTriggered {
			reason = "watchdog"
		}
		r.bus.Emit(bus.BroadcastStopped, map[string]interface{}{"reason": reason})
	}
	if armFailed {
		r.bus.Emit(bus.BroadcastFailed, map[string]interface{}{"reason": "start not confirmed by device"})
	}

	if prev.Source != next.Source {
		r.bus.Emit(bus.SourceChanged, map[string]interface{}{"source": string(next.Source)})
	}
	if prev.CurrentMessage != next.CurrentMessage {
		r.bus.Emit(bus.MessageChanged, map[string]interface{}{"messageId": next.CurrentMessage})
	}
	for i, ch := range next.Channels {
		old := prev.Channels[i]
		if ch.Confirmed && (!old.Confirmed || old.Frequency != ch.Frequency || old.Enabled != ch.Enabled) {
			r.bus.Emit(bus.ChannelConfirmed, map[string]interface{}{
				"channel":   ch.ID,
				"frequency": ch.Frequency,
				"enabled":   ch.Enabled,
			})
		}
	}

	r.bus.Emit(bus.DeviceStateUpdated, map[string]interface{}{
		"broadcasting":   next.Broadcasting,
		"broadcastState": string(next.Broadcast),
		"watchdogState":  string(next.Watchdog),
		"stale":          next.Stale,
	})
}

// BeginBroadcast records a start request: IDLE moves to ARMING. It
// returns false, leaving the state untouched, when the fail-safe is latched.
func (r *Reconciler) BeginBroadcast() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.tripped() {
		return false
	}
	if r.state.Broadcast != Broadcasting {
		r.state.Broadcast = Arming
		r.intentAt = r.now()
	}
	return true
}

// BeginStop records a stop request.
func (r *Reconciler) BeginStop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state.Broadcasting {
		r.state.Broadcast = Stopping
	} else {
		r.state.Broadcast = Idle
	}
	r.intentAt = r.now()
}

// AcknowledgeWatchdog clears a trip or warning after the operator reset
// the device fail-safe. It is the only optimistic write to DeviceState.
func (r *Reconciler) AcknowledgeWatchdog() watchdog.Transition {
	r.mu.Lock()
	defer r.mu.Unlock()

	tr := r.monitor.Reset()
	r.state.Watchdog = tr.To
	r.state.WatchdogTriggered = false
	r.state.WatchdogWarning = false
	return tr
}

// MarkDisconnected flags the state as no longer verified. Values are kept
// as last confirmed; pending local intents are dropped.
func (r *Reconciler) MarkDisconnected() {
	r.mu.Lock()
	r.state.Connected = false
	r.state.Stale = true
	if r.state.Broadcast == Arming || r.state.Broadcast == Stopping {
		r.state.Broadcast = Idle
	}
	r.mu.Unlock()

	r.bus.Emit(bus.DeviceStateUpdated, map[string]interface{}{"stale": true, "connected": false})
}

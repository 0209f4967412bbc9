package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Device holds the device server collectors.
type Device struct {
	commands      *prometheus.CounterVec // Commands by verb
	watchdogTrips prometheus.Counter     // Fail-safe trips
	audioLoads    *prometheus.CounterVec // Loader runs by result
	sessions      prometheus.Counter     // Accepted control sessions
	preemptions   prometheus.Counter     // Sessions closed by a newer client
	rfEnabled     prometheus.Gauge       // Master enable bit
}

// NewDevice registers the device collectors on reg.
func NewDevice(reg prometheus.Registerer) *Device {
	f := promauto.With(reg)
	return &Device{
		commands: f.NewCounterVec(prometheus.CounterOpts{
			Name: "amscpid_commands_total",
			Help: "SCPI commands handled by verb",
		}, []string{"verb"}),
		watchdogTrips: f.NewCounter(prometheus.CounterOpts{
			Name: "amscpid_watchdog_trips_total",
			Help: "Fail-safe trips that disabled RF",
		}),
		audioLoads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "amscpid_audio_loads_total",
			Help: "Audio loader runs by result",
		}, []string{"result"}),
		sessions: f.NewCounter(prometheus.CounterOpts{
			Name: "amscpid_sessions_total",
			Help: "Accepted control sessions",
		}),
		preemptions: f.NewCounter(prometheus.CounterOpts{
			Name: "amscpid_session_preemptions_total",
			Help: "Sessions closed because a newer client connected",
		}),
		rfEnabled: f.NewGauge(prometheus.GaugeOpts{
			Name: "amscpid_rf_enabled",
			Help: "Master RF enable bit",
		}),
	}
}

func (d *Device) RecordCommand(verb string) {
	if d == nil {
		return
	}
	d.commands.WithLabelValues(verb).Inc()
}

func (d *Device) RecordTrip() {
	if d == nil {
		return
	}
	d.watchdogTrips.Inc()
}

func (d *Device) RecordAudioLoad(result string) {
	if d == nil {
		return
	}
	d.audioLoads.WithLabelValues(result).Inc()
}

func (d *Device) RecordSession(preempted bool) {
	if d == nil {
		return
	}
	d.sessions.Inc()
	if preempted {
		d.preemptions.Inc()
	}
}

func (d *Device) SetRF(on bool) {
	if d == nil {
		return
	}
	d.rfEnabled.Set(boolGauge(on))
}

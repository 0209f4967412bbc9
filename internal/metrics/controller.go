package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tunnel-broadcast/amrc/internal/bus"
	"github.com/tunnel-broadcast/amrc/internal/state"
	"github.com/tunnel-broadcast/amrc/internal/watchdog"
)

var connectionStates = []string{
	string(state.Disconnected),
	string(state.Connecting),
	string(state.Connected),
	string(state.Reconnecting),
	string(state.Error),
}

var watchdogStates = []string{
	string(watchdog.OK),
	string(watchdog.Warning),
	string(watchdog.Triggered),
	string(watchdog.Disabled),
}

// Controller holds the controller collectors.
type Controller struct {
	connectionState   *prometheus.GaugeVec   // One-hot connection state
	watchdogState     *prometheus.GaugeVec   // One-hot fail-safe state
	broadcasting      prometheus.Gauge       // 1 while the device confirms RF on
	stale             prometheus.Gauge       // 1 while DeviceState is unverified
	pollDuration      prometheus.Histogram   // Poll tick latency
	pollErrors        prometheus.Counter     // Poll ticks failed by the transport
	reconnectAttempts prometheus.Counter     // Reconnect attempts
	heartbeatFailures prometheus.Counter     // Heartbeats without a reply
	commands          *prometheus.CounterVec // Operations by op and result
	events            *prometheus.CounterVec // Bus events by type

	mu sync.Mutex
}

// NewController registers the controller collectors on reg.
func NewController(reg prometheus.Registerer) *Controller {
	f := promauto.With(reg)
	c := &Controller{
		connectionState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "amrc_connection_state",
			Help: "Device link state (1 for the current state)",
		}, []string{"state"}),
		watchdogState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "amrc_watchdog_state",
			Help: "Fail-safe state as seen by the controller (1 for the current state)",
		}, []string{"state"}),
		broadcasting: f.NewGauge(prometheus.GaugeOpts{
			Name: "amrc_broadcasting",
			Help: "Whether the device confirms RF output",
		}),
		stale: f.NewGauge(prometheus.GaugeOpts{
			Name: "amrc_state_stale",
			Help: "Whether the device state is unverified",
		}),
		pollDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "amrc_poll_duration_seconds",
			Help:    "Duration of one watchdog reset plus status query",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		pollErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "amrc_poll_errors_total",
			Help: "Poll ticks that failed on the transport",
		}),
		reconnectAttempts: f.NewCounter(prometheus.CounterOpts{
			Name: "amrc_reconnect_attempts_total",
			Help: "Reconnect attempts",
		}),
		heartbeatFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "amrc_heartbeat_failures_total",
			Help: "Heartbeat queries that failed",
		}),
		commands: f.NewCounterVec(prometheus.CounterOpts{
			Name: "amrc_commands_total",
			Help: "Operator operations by op and result",
		}, []string{"op", "result"}),
		events: f.NewCounterVec(prometheus.CounterOpts{
			Name: "amrc_events_total",
			Help: "Events published on the bus by type",
		}, []string{"type"}),
	}

	setOneHot(c.connectionState, connectionStates, string(state.Disconnected))
	setOneHot(c.watchdogState, watchdogStates, string(watchdog.OK))
	c.stale.Set(1)
	return c
}

// ObservePoll records one poll tick.
func (c *Controller) ObservePoll(d time.Duration, err error) {
	if c == nil {
		return
	}
	c.pollDuration.Observe(d.Seconds())
	if err != nil {
		c.pollErrors.Inc()
	}
}

// ObserveCommand counts one operation.
func (c *Controller) ObserveCommand(op, result string) {
	if c == nil {
		return
	}
	c.commands.WithLabelValues(op, result).Inc()
}

// ConnectionState records a link state change.
func (c *Controller) ConnectionState(s state.ConnectionState) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	setOneHot(c.connectionState, connectionStates, string(s))
}

// ReconnectAttempt counts one reconnect attempt.
func (c *Controller) ReconnectAttempt() {
	if c == nil {
		return
	}
	c.reconnectAttempts.Inc()
}

// HeartbeatFailure counts one failed heartbeat.
func (c *Controller) HeartbeatFailure() {
	if c == nil {
		return
	}
	c.heartbeatFailures.Inc()
}

// Attach follows the bus: every event is counted and state updates drive
// the broadcasting, stale and watchdog gauges.
func (c *Controller) Attach(b *bus.Bus) func() {
	return b.SubscribeAll(func(e bus.Event) {
		c.events.WithLabelValues(string(e.Type)).Inc()
		if e.Type != bus.DeviceStateUpdated {
			return
		}
		if v, ok := e.Data["broadcasting"].(bool); ok {
			c.broadcasting.Set(boolGauge(v))
		}
		if v, ok := e.Data["stale"].(bool); ok {
			c.stale.Set(boolGauge(v))
		}
		if v, ok := e.Data["watchdogState"].(string); ok {
			c.mu.Lock()
			setOneHot(c.watchdogState, watchdogStates, v)
			c.mu.Unlock()
		}
	})
}

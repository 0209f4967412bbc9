//
//
// Package controller assembles the control core and exposes the
// collaborator API: connection control, the semantic commands, the
// DeviceState snapshot and the event bus.
package controller

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/tunnel-broadcast/amrc/internal/bus"
	"github.com/tunnel-broadcast/amrc/internal/command"
	"github.com/tunnel-broadcast/amrc/internal/config"
	"github.com/tunnel-broadcast/amrc/internal/logger"
	"github.com/tunnel-broadcast/amrc/internal/poller"
	"github.com/tunnel-broadcast/amrc/internal/state"
	"github.com/tunnel-broadcast/amrc/internal/supervisor"
	"github.com/tunnel-broadcast/amrc/internal/watchdog"
)

// Recorder receives every metric the core produces.
type Recorder interface {
	poller.Recorder
	command.Recorder
	supervisor.Recorder
}

type options struct {
	bus      *bus.Bus
	dialer   supervisor.Dialer
	recorder Recorder
	audit    command.AuditLogger
}

// Option customizes a Controller.
type Option func(*options)

// WithBus uses b instead of a new bus.
func WithBus(b *bus.Bus) Option {
	return func(o *options) { o.bus = b }
}

// WithDialer replaces the TCP dialer.
func WithDialer(d supervisor.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithRecorder records metrics.
func WithRecorder(r Recorder) Option {
	return func(o *options) { o.recorder = r }
}

// WithAuditLogger audits every operator action.
func WithAuditLogger(a command.AuditLogger) Option {
	return func(o *options) { o.audit = a }
}

// Controller is the facade over the control core. The semantic commands
// are promoted from the dispatcher.
type Controller struct {
	command.DispatcherPort

	cfg        *config.Config
	bus        *bus.Bus
	state      *state.Reconciler
	dispatcher *command.Dispatcher
	supervisor *supervisor.Supervisor
	recorder   Recorder
	logger     zerolog.Logger
}

// New wires the core for cfg. Nothing connects until Connect or Start.
func New(cfg *config.Config, log zerolog.Logger, opts ...Option) *Controller {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.bus == nil {
		o.bus = bus.New(cfg.Events.BufferSize, logger.WithComponent(log, "bus"))
	}

	monitor := watchdog.NewMonitor(watchdog.Config{
		Timeout:         cfg.Watchdog.Timeout,
		WarningFraction: cfg.Watchdog.WarningFraction,
	})
	rec := state.NewReconciler(cfg.Channels, monitor, o.bus, cfg.Timing.PendingTimeout, logger.WithComponent(log, "state"))

	c := &Controller{
		cfg:      cfg,
		bus:      o.bus,
		state:    rec,
		recorder: o.recorder,
		logger:   logger.WithComponent(log, "controller"),
	}

	c.supervisor = supervisor.New(cfg.Timing, supervisor.Hooks{
		Poll: c.poll,
		Lost: c.sessionLost,
	}, o.bus, logger.WithComponent(log, "supervisor"))
	if o.dialer != nil {
		c.supervisor.SetDialer(o.dialer)
	}

	c.dispatcher = command.NewDispatcher(cfg, session{c.supervisor}, rec, o.bus, logger.WithComponent(log, "dispatcher"))
	if o.audit != nil {
		c.dispatcher.SetAuditLogger(o.audit)
	}
	if o.recorder != nil {
		c.dispatcher.SetRecorder(o.recorder)
		c.supervisor.SetRecorder(o.recorder)
	}
	c.DispatcherPort = c.dispatcher

	return c
}

// Start connects to the configured device when auto-connect is enabled.
func (c *Controller) Start() error {
	if !c.cfg.Device.AutoConnect {
		return nil
	}
	return c.Connect(c.cfg.Device.Host, c.cfg.Device.Port)
}

// Connect starts connecting in the background. An empty host or zero port
// falls back to the configured device.
func (c *Controller) Connect(host string, port int) error {
	if host == "" {
		host = c.cfg.Device.Host
	}
	if port == 0 {
		port = c.cfg.Device.Port
	}
	return c.supervisor.Connect(host, port)
}

// Disconnect ends the session. RF is switched off first when the device
// is broadcasting or arming.
func (c *Controller) Disconnect(ctx context.Context) error {
	snap := c.state.Snapshot()
	if c.supervisor.State() == state.Connected && (snap.Broadcasting || snap.Broadcast == state.Arming) {
		if err := c.dispatcher.SetBroadcast(ctx, false); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to stop broadcast before disconnect")
		}
	}
	return c.supervisor.Disconnect()
}

// ConnectionState returns the link state.
func (c *Controller) ConnectionState() state.ConnectionState {
	return c.supervisor.State()
}

// DeviceAddr returns the address of the current or last session.
func (c *Controller) DeviceAddr() string {
	return c.supervisor.Addr()
}

// Snapshot returns a copy of the confirmed device state.
func (c *Controller) Snapshot() state.DeviceState {
	return c.state.Snapshot()
}

// Pending lists commands awaiting confirmation.
func (c *Controller) Pending() []command.PendingCommand {
	return c.dispatcher.Tracker().Pending()
}

// Bus returns the event bus.
func (c *Controller) Bus() *bus.Bus {
	return c.bus
}

// Config returns the controller configuration.
func (c *Controller) Config() *config.Config {
	return c.cfg
}

func (c *Controller) poll(ctx context.Context, link supervisor.Link) error {
	opts := []poller.Option{poller.WithConfirmer(c.dispatcher.Tracker())}
	if c.recorder != nil {
		opts = append(opts, poller.WithRecorder(c.recorder))
	}
	p := poller.New(link, c.state, c.bus, c.cfg.Timing.PollInterval, c.logger, opts...)
	return p.Run(ctx)
}

func (c *Controller) sessionLost() {
	c.state.MarkDisconnected()
	c.dispatcher.Tracker().Clear()
}

// session adapts the supervisor to the dispatcher's Session port.
type session struct {
	s *supervisor.Supervisor
}

func (s session) Current() (command.Sender, bool) {
	link, ok := s.s.Current()
	if !ok {
		return nil, false
	}
	return link, true
}

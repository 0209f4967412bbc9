//
//
// Package poller runs the status loop that keeps the device fail-safe fed
// and DeviceState confirmed.
package poller

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tunnel-broadcast/amrc/internal/bus"
	"github.com/tunnel-broadcast/amrc/internal/scpi"
	"github.com/tunnel-broadcast/amrc/internal/state"
)

// Sender is the transport used by the poller.
type Sender interface {
	Send(ctx context.Context, command string) (string, error)
}

// Applier commits parsed status. *state.Reconciler implements it.
type Applier interface {
	Apply(st scpi.Status) state.DeviceState
}

// Confirmer matches parsed status against in-flight commands.
type Confirmer interface {
	Confirm(ctx context.Context, st scpi.Status)
}

// Recorder receives poll timings.
type Recorder interface {
	ObservePoll(d time.Duration, err error)
}

// Poller issues WATCHDOG:RESET then STATUS? on every tick.
type Poller struct {
	sender    Sender
	applier   Applier
	confirmer Confirmer
	recorder  Recorder
	bus       *bus.Bus
	interval  time.Duration
	logger    zerolog.Logger
}

// Option customizes a Poller.
type Option func(*Poller)

// WithConfirmer hands every parsed status to c after it is applied.
func WithConfirmer(c Confirmer) Option {
	return func(p *Poller) { p.confirmer = c }
}

// WithRecorder records tick durations.
func WithRecorder(r Recorder) Option {
	return func(p *Poller) { p.recorder = r }
}

// New creates a poller for one session.
func New(sender Sender, applier Applier, b *bus.Bus, interval time.Duration, logger zerolog.Logger, opts ...Option) *Poller {
	p := &Poller{
		sender:   sender,
		applier:  applier,
		bus:      b,
		interval: interval,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run polls until ctx is cancelled, returning nil, or until the transport
// fails, returning that error so the supervisor can fail the link.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if err := p.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Tick performs one poll cycle. Only transport errors are returned; a
// malformed reply is published and the tick discarded.
func (p *Poller) Tick(ctx context.Context) (err error) {
	start := time.Now()
	defer func() {
		if p.recorder != nil {
			p.recorder.ObservePoll(time.Since(start), err)
		}
	}()

	if _, err := p.sender.Send(ctx, scpi.WatchdogReset); err != nil {
		return fmt.Errorf("watchdog reset: %w", err)
	}
	p.bus.Emit(bus.WatchdogHeartbeatSent, nil)

	reply, err := p.sender.Send(ctx, scpi.StatusQuery)
	if err != nil {
		return fmt.Errorf("status query: %w", err)
	}

	st, perr := scpi.ParseStatus(reply)
	if perr != nil {
		p.logger.Warn().Err(perr).Str("payload", reply).Msg("Discarding status reply")
		p.bus.Emit(bus.StatusParseError, map[string]interface{}{
			"error":   perr.Error(),
			"payload": reply,
		})
		return nil
	}

	p.applier.Apply(st)
	if p.confirmer != nil {
		p.confirmer.Confirm(ctx, st)
	}
	return nil
}

package command

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tunnel-broadcast/amrc/internal/bus"
	"github.com/tunnel-broadcast/amrc/internal/config"
	"github.com/tunnel-broadcast/amrc/internal/scpi"
	"github.com/tunnel-broadcast/amrc/internal/state"
	"github.com/tunnel-broadcast/amrc/internal/transport"
)

// Dispatcher routes validated operator intents to the device.
type Dispatcher struct {
	cfg     *config.Config
	session Session
	state   *state.Reconciler
	pending *Tracker
	bus     *bus.Bus
	logger  zerolog.Logger

	auditLogger AuditLogger
	recorder    Recorder
}

// Compile-time assertion that Dispatcher implements DispatcherPort
var _ DispatcherPort = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher sending through session.
func NewDispatcher(cfg *config.Config, session Session, rec *state.Reconciler, b *bus.Bus, logger zerolog.Logger) *Dispatcher {
	d := &Dispatcher{
		cfg:     cfg,
		session: session,
		state:   rec,
		bus:     b,
		logger:  logger,
	}
	d.pending = NewTracker(cfg.Timing.PendingTimeout, cfg.Timing.PendingMaxRetries, d.resend, b, logger)
	return d
}

// SetAuditLogger sets the audit logger.
func (d *Dispatcher) SetAuditLogger(l AuditLogger) {
	d.auditLogger = l
}

// SetRecorder sets the metrics recorder.
func (d *Dispatcher) SetRecorder(r Recorder) {
	d.recorder = r
}

// Tracker returns the pending command tracker. The poller confirms
// through it.
func (d *Dispatcher) Tracker() *Tracker {
	return d.pending
}

// request describes one non-query operation.
type request struct {
	op        string
	params    map[string]interface{}
	command   string
	key       string
	retryable bool
	expect    Expectation
}

// SetChannelFrequency tunes one carrier.
func (d *Dispatcher) SetChannelFrequency(ctx context.Context, channel int, hz uint32) error {
	params := map[string]interface{}{"channel": channel, "frequency": hz}
	if err := d.validateChannel(channel); err != nil {
		return d.reject(ctx, "setChannelFrequency", params, err)
	}
	if hz < d.cfg.Limits.FreqMinHz || hz > d.cfg.Limits.FreqMaxHz {
		return d.reject(ctx, "setChannelFrequency", params, invalid("frequency", hz, ErrFrequencyOutOfRange))
	}

	err := d.execute(ctx, request{
		op:        "setChannelFrequency",
		params:    params,
		command:   scpi.SetChannelFrequency(channel, hz),
		key:       fmt.Sprintf("ch%d.freq", channel),
		retryable: true,
		expect: func(st scpi.Status) bool {
			f := st.Channel(channel).Frequency
			return f.Valid && f.V == hz
		},
	})
	if err != nil {
		return err
	}

	d.bus.Emit(bus.ChannelPending, map[string]interface{}{"channel": channel, "frequency": hz})
	return nil
}

// SetChannelEnabled switches one carrier on or off.
func (d *Dispatcher) SetChannelEnabled(ctx context.Context, channel int, enabled bool) error {
	params := map[string]interface{}{"channel": channel, "enabled": enabled}
	if err := d.validateChannel(channel); err != nil {
		return d.reject(ctx, "setChannelEnabled", params, err)
	}

	err := d.execute(ctx, request{
		op:        "setChannelEnabled",
		params:    params,
		command:   scpi.SetChannelOutput(channel, enabled),
		key:       fmt.Sprintf("ch%d.enabled", channel),
		retryable: true,
		expect: func(st scpi.Status) bool {
			e := st.Channel(channel).Enabled
			return e.Valid && e.V == enabled
		},
	})
	if err != nil {
		return err
	}

	d.bus.Emit(bus.ChannelPending, map[string]interface{}{"channel": channel, "enabled": enabled})
	return nil
}

// EnablePresetChannels tunes the channels of a preset distribution and
// switches exactly those on with a single mask write. Every channel and
// frequency is checked before anything is sent.
func (d *Dispatcher) EnablePresetChannels(ctx context.Context, count int) ([]int, error) {
	params := map[string]interface{}{"count": count}
	ids, ok := PresetChannels(count)
	if !ok {
		return nil, d.reject(ctx, "enablePresetChannels", params, invalid("count", count, ErrInvalidParameter))
	}
	params["channels"] = ids
	for _, id := range ids {
		if err := d.validateChannel(id); err != nil {
			return nil, d.reject(ctx, "enablePresetChannels", params, err)
		}
		if hz := PresetFrequency(id); hz < d.cfg.Limits.FreqMinHz || hz > d.cfg.Limits.FreqMaxHz {
			return nil, d.reject(ctx, "enablePresetChannels", params, invalid("frequency", hz, ErrFrequencyOutOfRange))
		}
	}

	for _, id := range ids {
		if err := d.SetChannelFrequency(ctx, id, PresetFrequency(id)); err != nil {
			return nil, err
		}
	}

	want := d.state.Snapshot()
	enabled := make(map[int]bool, len(ids))
	for _, id := range ids {
		enabled[id] = true
	}
	for i := range want.Channels {
		want.Channels[i].Enabled = enabled[want.Channels[i].ID]
	}
	mask := want.EnabledMask()
	params["mask"] = mask

	err := d.execute(ctx, request{
		op:        "enablePresetChannels",
		params:    params,
		command:   scpi.SetChannelMask(mask),
		key:       "channels.mask",
		retryable: true,
		expect: func(st scpi.Status) bool {
			for _, ch := range want.Channels {
				e := st.Channel(ch.ID).Enabled
				if !e.Valid || e.V != ch.Enabled {
					return false
				}
			}
			return true
		},
	})
	if err != nil {
		return nil, err
	}

	for _, ch := range want.Channels {
		d.bus.Emit(bus.ChannelPending, map[string]interface{}{"channel": ch.ID, "enabled": ch.Enabled})
	}
	return ids, nil
}

// SetSource selects the live ADC input or the stored BRAM messages.
func (d *Dispatcher) SetSource(ctx context.Context, src scpi.Source) error {
	params := map[string]interface{}{"source": string(src)}
	if src != scpi.SourceADC && src != scpi.SourceBRAM {
		return d.reject(ctx, "setSource", params, invalid("source", src, ErrInvalidParameter))
	}

	err := d.execute(ctx, request{
		op:        "setSource",
		params:    params,
		command:   scpi.SetSource(src),
		key:       "source",
		retryable: true,
		expect: func(st scpi.Status) bool {
			return st.Source.Valid && st.Source.V == src
		},
	})
	if err != nil {
		return err
	}

	d.bus.Emit(bus.SourcePending, map[string]interface{}{"source": string(src)})
	return nil
}

// SetMessage selects a stored message. It starts an audio load on the
// device, so it is never resent.
func (d *Dispatcher) SetMessage(ctx context.Context, id int) error {
	params := map[string]interface{}{"messageId": id}
	msg, ok := d.cfg.Message(id)
	if !ok {
		return d.reject(ctx, "setMessage", params, invalid("message", id, ErrUnknownMessage))
	}

	err := d.execute(ctx, request{
		op:      "setMessage",
		params:  params,
		command: scpi.SelectMessage(id),
		key:     "message",
		expect: func(st scpi.Status) bool {
			return st.CurrentMessage.Valid && st.CurrentMessage.V == id
		},
	})
	if err != nil {
		return err
	}

	d.bus.Emit(bus.MessagePending, map[string]interface{}{"messageId": id, "name": msg.Name})
	return nil
}

// SetBroadcast requests RF on or off. A start is refused locally while the
// fail-safe is latched and only ever moves the local state to ARMING;
// BROADCASTING is set by the confirming poll.
func (d *Dispatcher) SetBroadcast(ctx context.Context, active bool) error {
	params := map[string]interface{}{"active": active}

	if active && d.state.Tripped() {
		d.bus.Emit(bus.CommandRejected, map[string]interface{}{
			"op":     "setBroadcast",
			"reason": "watchdog triggered",
		})
		d.bus.Emit(bus.ErrorOccurred, map[string]interface{}{
			"code":    ErrWatchdogTriggered.Error(),
			"message": "Broadcast refused: watchdog fail-safe is triggered, reset it first",
		})
		return d.reject(ctx, "setBroadcast", params, ErrWatchdogTriggered)
	}

	d.bus.Emit(bus.BroadcastRequested, params)

	req := request{
		op:      "setBroadcast",
		params:  params,
		command: scpi.SetOutput(active),
		key:     "broadcast",
		expect: func(st scpi.Status) bool {
			return st.Broadcasting.Valid && st.Broadcasting.V == active
		},
	}
	// A start must never be replayed after a delay; a stop may.
	req.retryable = !active

	if err := d.execute(ctx, req); err != nil {
		return err
	}

	if active {
		if d.state.BeginBroadcast() {
			d.bus.Emit(bus.BroadcastArming, nil)
		}
	} else {
		d.state.BeginStop()
	}
	return nil
}

// ResetWatchdog feeds the device fail-safe and acknowledges a trip.
func (d *Dispatcher) ResetWatchdog(ctx context.Context) error {
	err := d.execute(ctx, request{op: "resetWatchdog", command: scpi.WatchdogReset})
	if err != nil {
		return err
	}

	tr := d.state.AcknowledgeWatchdog()
	d.bus.Emit(bus.WatchdogReset, map[string]interface{}{
		"from": string(tr.From),
		"to":   string(tr.To),
	})
	return nil
}

// SetWatchdogEnabled switches the device fail-safe on or off. Monitoring
// follows on the poll that confirms the change.
func (d *Dispatcher) SetWatchdogEnabled(ctx context.Context, enabled bool) error {
	err := d.execute(ctx, request{
		op:        "setWatchdogEnabled",
		params:    map[string]interface{}{"enabled": enabled},
		command:   scpi.SetWatchdogEnabled(enabled),
		key:       "watchdog.enabled",
		retryable: true,
		expect: func(st scpi.Status) bool {
			return st.WatchdogEnabled.Valid && st.WatchdogEnabled.V == enabled
		},
	})
	return err
}

// LoadAudio asks the device to load a waveform file into BRAM. The load
// runs on the device; its outcome shows up in polled status.
func (d *Dispatcher) LoadAudio(ctx context.Context, path string) error {
	params := map[string]interface{}{"path": path}
	if path == "" || strings.ContainsAny(path, " \t\r\n;") {
		return d.reject(ctx, "loadAudio", params, invalid("path", path, ErrInvalidParameter))
	}

	err := d.execute(ctx, request{
		op:      "loadAudio",
		params:  params,
		command: scpi.LoadAudio(path),
	})
	if err != nil {
		return err
	}

	d.bus.Emit(bus.AudioLoadRequested, map[string]interface{}{"path": path})
	return nil
}

// QueryIdentity returns the *IDN? reply.
func (d *Dispatcher) QueryIdentity(ctx context.Context) (string, error) {
	return d.query(ctx, "queryIdentity", scpi.Identify)
}

// QueryAudioStatus returns the AUDIO:STATUS? reply.
func (d *Dispatcher) QueryAudioStatus(ctx context.Context) (string, error) {
	return d.query(ctx, "queryAudioStatus", scpi.AudioStatus)
}

func (d *Dispatcher) query(ctx context.Context, op, command string) (string, error) {
	start := time.Now()

	sender, ok := d.session.Current()
	if !ok {
		d.finish(ctx, op, nil, ErrUnavailable, start)
		return "", ErrUnavailable
	}

	reply, err := sender.Send(ctx, command)
	if err != nil {
		d.commandFailed(op, command, err)
		d.finish(ctx, op, nil, err, start)
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if err := scpi.CheckReply(reply); err != nil {
		d.bus.Emit(bus.CommandRejected, map[string]interface{}{
			"op":      op,
			"command": command,
			"reply":   reply,
		})
		d.finish(ctx, op, nil, err, start)
		return "", err
	}

	d.finish(ctx, op, nil, nil, start)
	return strings.TrimSpace(reply), nil
}

func (d *Dispatcher) execute(ctx context.Context, req request) error {
	start := time.Now()

	sender, ok := d.session.Current()
	if !ok {
		d.finish(ctx, req.op, req.params, ErrUnavailable, start)
		return ErrUnavailable
	}

	// The entry is recorded before sending so a poll racing the write can
	// already confirm it.
	var p *PendingCommand
	if req.expect != nil {
		p = d.pending.Add(req.op, req.key, req.command, req.retryable, req.expect)
	}

	if _, err := sender.Send(ctx, req.command); err != nil {
		if p != nil {
			d.pending.Remove(p)
		}
		d.commandFailed(req.op, req.command, err)
		d.finish(ctx, req.op, req.params, err, start)
		return fmt.Errorf("%s: %w", req.op, err)
	}

	data := map[string]interface{}{"op": req.op, "command": req.command}
	if p != nil {
		data["id"] = p.ID
	}
	d.bus.Emit(bus.CommandSent, data)
	d.finish(ctx, req.op, req.params, nil, start)
	return nil
}

// resend is used by the tracker for at-least-once delivery.
func (d *Dispatcher) resend(ctx context.Context, command string) error {
	sender, ok := d.session.Current()
	if !ok {
		return ErrUnavailable
	}
	_, err := sender.Send(ctx, command)
	return err
}

func (d *Dispatcher) validateChannel(channel int) error {
	if _, ok := d.cfg.Channel(channel); !ok {
		return invalid("channel", channel, ErrUnknownChannel)
	}
	return nil
}

func (d *Dispatcher) reject(ctx context.Context, op string, params map[string]interface{}, err error) error {
	d.finish(ctx, op, params, err, time.Now())
	return err
}

func (d *Dispatcher) commandFailed(op, command string, err error) {
	d.logger.Warn().Err(err).Str("op", op).Str("command", command).Msg("Command send failed")
	d.bus.Emit(bus.CommandFailed, map[string]interface{}{
		"op":      op,
		"command": command,
		"error":   err.Error(),
		"reason":  transport.Reason(err),
	})
}

// finish writes the audit record and counts the operation.
func (d *Dispatcher) finish(ctx context.Context, op string, params map[string]interface{}, err error, start time.Time) {
	result := ResultCode(err)
	if d.auditLogger != nil {
		d.auditLogger.LogAction(ctx, op, params, result, time.Since(start))
	}
	if d.recorder != nil {
		d.recorder.ObserveCommand(op, result)
	}
	if err != nil && !errors.Is(err, ErrInvalidParameter) {
		d.logger.Debug().Err(err).Str("op", op).Str("result", result).Msg("Operation failed")
	}
}

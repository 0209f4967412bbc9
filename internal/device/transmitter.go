//
//
package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tunnel-broadcast/amrc/internal/config"
	"github.com/tunnel-broadcast/amrc/internal/metrics"
	"github.com/tunnel-broadcast/amrc/internal/scpi"
)

// ErrWatchdogLatched refuses RF while a fail-safe trip is latched.
var ErrWatchdogLatched = errors.New("watchdog triggered")

// ErrUnknownChannel is returned for a channel outside 1..Channels.
var ErrUnknownChannel = errors.New("unknown channel")

// Transmitter owns the register file and the device-side state that the
// registers cannot hold: carrier frequencies in Hz, the selected message,
// the fail-safe timer and the audio loader.
type Transmitter struct {
	mu       sync.Mutex
	regs     Registers
	ctrl     Ctrl
	freqs    []uint32
	message  int
	failsafe *Failsafe

	clockHz  uint64
	identity string
	files    map[int]string
	loader   *Loader
	metrics  *metrics.Device
	logger   zerolog.Logger
	now      func() time.Time
}

// NewTransmitter initializes the register file with RF off and every
// channel disabled.
func NewTransmitter(regs Registers, cfg *config.DeviceConfig, loader *Loader, m *metrics.Device, logger zerolog.Logger) (*Transmitter, error) {
	t := &Transmitter{
		regs:     regs,
		ctrl:     Ctrl{Watchdog: cfg.Watchdog.Enabled},
		freqs:    make([]uint32, cfg.Hardware.Channels),
		clockHz:  cfg.Hardware.ClockHz,
		identity: cfg.Hardware.Identity,
		files:    cfg.Audio.Files,
		loader:   loader,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
	t.failsafe = NewFailsafe(cfg.Watchdog.Timeout, cfg.Watchdog.WarningFraction, t.now())

	if err := t.writeCtrl(); err != nil {
		return nil, fmt.Errorf("failed to initialize CTRL: %w", err)
	}
	m.SetRF(false)
	return t, nil
}

// Run checks the fail-safe every interval until ctx is cancelled.
func (t *Transmitter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Tick()
		}
	}
}

// Tick runs one fail-safe check. On a trip master enable is cleared.
func (t *Transmitter) Tick() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.failsafe.Check(t.now(), t.ctrl.Watchdog && t.ctrl.Master) {
		return
	}
	t.ctrl.Master = false
	if err := t.writeCtrl(); err != nil {
		t.logger.Error().Err(err).Msg("Failed to clear master enable on watchdog trip")
	}
	t.metrics.RecordTrip()
	t.metrics.SetRF(false)
	t.logger.Error().Msg("Watchdog tripped: no reset received, RF disabled")
}

// writeCtrl must be called with t.mu held.
func (t *Transmitter) writeCtrl() error {
	return t.regs.Write32(RegCtrl, t.ctrl.Pack())
}

func (t *Transmitter) checkChannel(ch int) error {
	if ch < 1 || ch > len(t.freqs) {
		return fmt.Errorf("%w: %d", ErrUnknownChannel, ch)
	}
	return nil
}

// StatusRegister reads the raw FPGA status word.
func (t *Transmitter) StatusRegister() (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.regs.Read32(RegStatus)
}

// SetOutput switches master enable.
func (t *Transmitter) SetOutput(on bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if on && t.failsafe.Tripped() {
		return ErrWatchdogLatched
	}
	if on && !t.ctrl.Master {
		t.failsafe.Arm(t.now())
	}
	t.ctrl.Master = on
	if err := t.writeCtrl(); err != nil {
		return err
	}
	t.metrics.SetRF(on)
	t.logger.Info().Bool("on", on).Msg("Broadcast output")
	return nil
}

// SetChannelEnabled enables or disables one carrier.
func (t *Transmitter) SetChannelEnabled(ch int, on bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkChannel(ch); err != nil {
		return err
	}
	t.ctrl.SetChannel(ch, on)
	return t.writeCtrl()
}

// SetChannelMask replaces the channel enable mask. Bits beyond the
// configured channels are ignored.
func (t *Transmitter) SetChannelMask(mask uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ctrl.Mask = uint16(mask & (1<<len(t.freqs) - 1))
	return t.writeCtrl()
}

// SetChannelFrequency programs a carrier.
func (t *Transmitter) SetChannelFrequency(ch int, hz uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkChannel(ch); err != nil {
		return err
	}
	inc := PhaseIncrement(hz, t.clockHz)
	if err := t.regs.Write32(FreqRegister(ch), inc); err != nil {
		return err
	}
	t.freqs[ch-1] = hz
	t.logger.Debug().Int("channel", ch).Uint32("hz", hz).Uint32("phaseInc", inc).Msg("Channel frequency")
	return nil
}

// SetSource selects the modulator input.
func (t *Transmitter) SetSource(src scpi.Source) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ctrl.ADC = src == scpi.SourceADC
	return t.writeCtrl()
}

// SelectMessage selects a stored message and starts loading its waveform.
// loading is false when no file is configured or the file is missing.
func (t *Transmitter) SelectMessage(id int) (loading bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if id < 0 || id > msgBits {
		return false, fmt.Errorf("message %d out of range", id)
	}
	if t.loader != nil && t.loader.Status().Loading {
		return false, ErrLoaderBusy
	}

	t.ctrl.Message = uint8(id)
	t.message = id
	if err := t.writeCtrl(); err != nil {
		return false, err
	}

	path, ok := t.files[id]
	if !ok || t.loader == nil {
		return false, nil
	}
	if err := t.loader.Start(path); err != nil {
		t.logger.Warn().Err(err).Int("message", id).Msg("Audio not loaded")
		return false, nil
	}
	return true, nil
}

// LoadAudio loads an arbitrary waveform file.
func (t *Transmitter) LoadAudio(path string) error {
	if t.loader == nil {
		return fmt.Errorf("no audio loader configured")
	}
	return t.loader.Start(path)
}

// SetWatchdogEnabled switches the fail-safe. Enabling restarts the timer.
func (t *Transmitter) SetWatchdogEnabled(on bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if on && !t.ctrl.Watchdog {
		t.failsafe.Arm(t.now())
	}
	t.ctrl.Watchdog = on
	return t.writeCtrl()
}

// ResetWatchdog feeds the fail-safe and rewrites CTRL, which refreshes the
// firmware's own register watchdog.
func (t *Transmitter) ResetWatchdog() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.failsafe.Feed(t.now()) {
		t.logger.Info().Msg("Watchdog latch cleared")
	}
	return t.writeCtrl()
}

// Status builds the STATUS? reply and marks a latched trip as reported.
func (t *Transmitter) Status() scpi.Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.watchdogStatusLocked()
	st.Broadcasting = scpi.Some(t.ctrl.Master)
	src := scpi.SourceBRAM
	if t.ctrl.ADC {
		src = scpi.SourceADC
	}
	st.Source = scpi.Some(src)
	st.CurrentMessage = scpi.Some(t.message)

	if t.loader != nil {
		ls := t.loader.Status()
		st.AudioLoading = scpi.Some(ls.Loading)
		st.AudioError = scpi.Some(ls.Error)
	} else {
		st.AudioLoading = scpi.Some(false)
	}

	for i, hz := range t.freqs {
		ch := i + 1
		st.Channels[ch] = scpi.ChannelStatus{
			Enabled:   scpi.Some(t.ctrl.ChannelEnabled(ch)),
			Frequency: scpi.Some(hz),
		}
	}
	return st
}

// WatchdogStatus builds the WATCHDOG:STATUS? reply and marks a latched
// trip as reported.
func (t *Transmitter) WatchdogStatus() scpi.Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.watchdogStatusLocked()
}

func (t *Transmitter) watchdogStatusLocked() scpi.Status {
	now := t.now()
	active := t.ctrl.Watchdog && t.ctrl.Master
	return scpi.Status{
		WatchdogEnabled:   scpi.Some(t.ctrl.Watchdog),
		WatchdogTriggered: scpi.Some(t.failsafe.Report()),
		WatchdogWarning:   scpi.Some(t.failsafe.Warning(now, active)),
		WatchdogRemaining: scpi.Some(t.failsafe.Remaining(now, active)),
		Channels:          make(map[int]scpi.ChannelStatus),
	}
}

// AudioStatus returns the loader state for AUDIO:STATUS?.
func (t *Transmitter) AudioStatus() (LoaderStatus, int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var ls LoaderStatus
	if t.loader != nil {
		ls = t.loader.Status()
	}
	return ls, t.message
}

// Identity returns the *IDN? reply.
func (t *Transmitter) Identity() string {
	return t.identity
}

// Ctrl returns the current CTRL word decoded.
func (t *Transmitter) Ctrl() Ctrl {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ctrl
}

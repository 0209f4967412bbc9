package device

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunnel-broadcast/amrc/internal/config"
	"github.com/tunnel-broadcast/amrc/internal/metrics"
	"github.com/tunnel-broadcast/amrc/internal/scpi"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	tx    *Transmitter
	regs  *SimRegisters
	clock *fakeClock
	reg   *prometheus.Registry
}

func newFixture(t *testing.T, loader *Loader, files map[int]string) *fixture {
	t.Helper()
	cfg := config.DeviceBaseline()
	cfg.Audio.Files = files

	regs := NewSimRegisters(cfg.Hardware.Size)
	reg := prometheus.NewRegistry()
	tx, err := NewTransmitter(regs, cfg, loader, metrics.NewDevice(reg), zerolog.Nop())
	require.NoError(t, err)

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	tx.now = clock.Now
	return &fixture{tx: tx, regs: regs, clock: clock, reg: reg}
}

func (f *fixture) ctrl(t *testing.T) Ctrl {
	t.Helper()
	v, err := f.regs.Read32(RegCtrl)
	require.NoError(t, err)
	return UnpackCtrl(v)
}

func (f *fixture) send(t *testing.T, line, want string) {
	t.Helper()
	reply, _ := f.tx.Handle(line)
	assert.Equal(t, want, reply, line)
}

func statusField(t *testing.T, payload, key string) string {
	t.Helper()
	for _, kv := range strings.Split(payload, ";") {
		if k, v, ok := strings.Cut(kv, "="); ok && k == key {
			return v
		}
	}
	t.Fatalf("%s missing from %q", key, payload)
	return ""
}

func TestTransmitterStartsSafe(t *testing.T) {
	f := newFixture(t, nil, nil)

	c := f.ctrl(t)
	assert.False(t, c.Master)
	assert.True(t, c.Watchdog)
	assert.Zero(t, c.Mask)

	reply, query := f.tx.Handle("STATUS?")
	assert.True(t, query)
	assert.True(t, strings.HasPrefix(reply, "broadcasting=0;source=BRAM;current_msg=0;audio_loading=0;watchdog_enabled=1;watchdog_triggered=0;watchdog_warning=0;watchdog_time=5.0;ch1_enabled=0;ch1_freq=0"), reply)
	assert.Equal(t, "0", statusField(t, reply, "ch12_enabled"))
}

func TestHandleGrammar(t *testing.T) {
	f := newFixture(t, nil, nil)

	tests := []struct {
		line  string
		reply string
		query bool
	}{
		{"*IDN?", "RedPitaya,AMRadio-12CH,v2.0", true},
		{"ch1:freq 700000", "OK", false},
		{"FREQ:CH2 530000", "OK", false},
		{"CH1:OUTPUT ON", "OK", false},
		{"CH12:OUTPUT 1", "OK", false},
		{"CH13:OUTPUT ON", "ERROR", false},
		{"CH1:FREQ abc", "ERROR", false},
		{"CH1:OUTPUT MAYBE", "ERROR", false},
		{"SOURCE:INPUT adc", "OK", false},
		{"SOURCE:INPUT MIC", "ERROR", false},
		{"WATCHDOG:RESET", "OK", false},
		{"BOGUS", "ERROR", false},
		{"BOGUS?", "ERROR", true},
		{"AUDIO:STATUS?", "loading=0;msg=0", true},
	}
	for _, tt := range tests {
		reply, query := f.tx.Handle(tt.line)
		assert.Equal(t, tt.reply, reply, tt.line)
		assert.Equal(t, tt.query, query, tt.line)
	}

	c := f.ctrl(t)
	assert.True(t, c.ChannelEnabled(1))
	assert.True(t, c.ChannelEnabled(12))
	assert.True(t, c.ADC)

	inc, err := f.regs.Read32(FreqRegister(1))
	require.NoError(t, err)
	assert.Equal(t, uint32(24_051_816), inc)

	st := f.tx.Status()
	assert.Equal(t, uint32(700_000), st.Channel(1).Frequency.V)
	assert.Equal(t, uint32(530_000), st.Channel(2).Frequency.V)
	assert.Equal(t, scpi.SourceADC, st.Source.V)
}

func TestChannelMask(t *testing.T) {
	f := newFixture(t, nil, nil)

	f.send(t, "CH:EN 0b101", "OK")
	assert.Equal(t, uint16(0x5), f.ctrl(t).Mask)
	f.send(t, "CH:EN 0xFFFF", "OK")
	assert.Equal(t, uint16(0xFFF), f.ctrl(t).Mask)
	f.send(t, "CH:EN 0", "OK")
	assert.Zero(t, f.ctrl(t).Mask)
	f.send(t, "CH:EN nope", "ERROR")
}

func TestWatchdogTripLatchesUntilReported(t *testing.T) {
	f := newFixture(t, nil, nil)

	f.send(t, "OUTPUT:STATE ON", "OK")
	assert.True(t, f.ctrl(t).Master)

	f.clock.Advance(4500 * time.Millisecond)
	wd, _ := f.tx.Handle("WATCHDOG:STATUS?")
	assert.Equal(t, "watchdog_enabled=1;watchdog_triggered=0;watchdog_warning=1;watchdog_time=0.5", wd)

	f.clock.Advance(time.Second)
	f.tx.Tick()
	assert.False(t, f.ctrl(t).Master)
	f.send(t, "OUTPUT:STATE ON", "ERROR:WATCHDOG_TRIGGERED")

	// A reset before any status query leaves the latch set.
	f.send(t, "WATCHDOG:RESET", "OK")
	f.send(t, "OUTPUT:STATE ON", "ERROR:WATCHDOG_TRIGGERED")

	status, _ := f.tx.Handle("STATUS?")
	assert.Equal(t, "1", statusField(t, status, "watchdog_triggered"))
	assert.Equal(t, "0", statusField(t, status, "broadcasting"))

	f.send(t, "WATCHDOG:RESET", "OK")
	status, _ = f.tx.Handle("STATUS?")
	assert.Equal(t, "0", statusField(t, status, "watchdog_triggered"))
	f.send(t, "OUTPUT:STATE ON", "OK")
}

func TestSystemStatusReadsRegister(t *testing.T) {
	f := newFixture(t, nil, nil)

	f.send(t, "SYST:STAT?", "0x00000000")
	require.NoError(t, f.regs.Write32(RegStatus, 0x6))
	reply, query := f.tx.Handle("syst:stat?")
	assert.True(t, query)
	assert.Equal(t, "0x00000006", reply)

	require.NoError(t, f.regs.Write32(RegStatus, 0xDEADBEEF))
	f.send(t, "SYST:STAT?", "0xDEADBEEF")
}

func TestResetsKeepTransmitterAlive(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.send(t, "OUTPUT:STATE ON", "OK")

	for i := 0; i < 20; i++ {
		f.clock.Advance(time.Second)
		f.send(t, "WATCHDOG:RESET", "OK")
		f.tx.Tick()
	}
	assert.True(t, f.ctrl(t).Master)
}

func TestWatchdogDisabledNeverTrips(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.send(t, "WATCHDOG:ENABLE OFF", "OK")
	f.send(t, "OUTPUT:STATE ON", "OK")

	f.clock.Advance(time.Minute)
	f.tx.Tick()
	assert.True(t, f.ctrl(t).Master)

	// Enabling restarts the timer.
	f.send(t, "WATCHDOG:ENABLE ON", "OK")
	f.clock.Advance(4 * time.Second)
	f.tx.Tick()
	assert.True(t, f.ctrl(t).Master)
	f.clock.Advance(2 * time.Second)
	f.tx.Tick()
	assert.False(t, f.ctrl(t).Master)
}

func TestSelectMessage(t *testing.T) {
	path := waveform(t)
	missing := path + ".missing"
	l := NewLoader(shell("sleep 5"), 10*time.Second, nil, zerolog.Nop())
	defer l.Close()
	f := newFixture(t, l, map[int]string{1: path, 2: missing})

	f.send(t, "SOURCE:MSG 3", "OK:NO_FILE")
	assert.Equal(t, uint8(3), f.ctrl(t).Message)

	f.send(t, "SOURCE:MSG 2", "OK:NO_FILE")
	assert.Equal(t, uint8(2), f.ctrl(t).Message)

	f.send(t, "SOURCE:MSG 1", "OK:LOADING")
	assert.Equal(t, uint8(1), f.ctrl(t).Message)

	// Busy loader rejects a new selection and keeps the message.
	f.send(t, "SOURCE:MSG 2", "ERROR:BUSY")
	assert.Equal(t, uint8(1), f.ctrl(t).Message)
	f.send(t, "AUDIO:LOAD "+path, "ERROR:BUSY")
	f.send(t, "AUDIO:STATUS?", "loading=1;msg=1")

	status, _ := f.tx.Handle("STATUS?")
	assert.Equal(t, "1", statusField(t, status, "audio_loading"))

	f.send(t, "SOURCE:MSG 16", "ERROR")
	f.send(t, "SOURCE:MSG x", "ERROR")
}

func TestAudioLoadMissingFile(t *testing.T) {
	l := NewLoader(shell("exit 0"), time.Second, nil, zerolog.Nop())
	defer l.Close()
	f := newFixture(t, l, nil)

	f.send(t, "AUDIO:LOAD /nonexistent/file.wav", "ERROR:FILE_NOT_FOUND")
	f.send(t, "AUDIO:LOAD", "ERROR")

	status, _ := f.tx.Handle("STATUS?")
	assert.Equal(t, LoadNotFound, statusField(t, status, "audio_error"))
}

func TestHandleCountsVerbs(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.tx.Handle("CH3:FREQ 600000")
	f.tx.Handle("CH4:FREQ 610000")
	f.tx.Handle("FREQ:CH5 620000")
	f.tx.Handle("something-else")

	counts := map[string]float64{}
	families, err := f.reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "amscpid_commands_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				counts[lp.GetValue()] = m.GetCounter().GetValue()
			}
		}
	}
	assert.Equal(t, map[string]float64{"CH:FREQ": 2, "FREQ:CH": 1, "UNKNOWN": 1}, counts)
}

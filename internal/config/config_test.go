package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBaselineIsValid(t *testing.T) {
	cfg := Baseline()
	require.NoError(t, Validate(cfg))

	assert.Equal(t, "192.168.0.100:5000", cfg.Device.Addr())
	assert.Equal(t, 500*time.Millisecond, cfg.Timing.PollInterval)
	assert.Equal(t, time.Second, cfg.Timing.HeartbeatInterval)
	assert.Equal(t, 3*time.Second, cfg.Timing.HeartbeatTimeout)
	assert.Equal(t, 5, cfg.Timing.MaxReconnectAttempts)
	assert.Len(t, cfg.Channels, 12)

	ch, ok := cfg.Channel(3)
	require.True(t, ok)
	assert.Equal(t, uint32(700_000), ch.DefaultFrequency)
	_, ok = cfg.Channel(13)
	assert.False(t, ok)

	msg, ok := cfg.Message(2)
	require.True(t, ok)
	assert.Equal(t, "Fire Alert", msg.Name)
}

func TestLoadYAMLOverlaysBaseline(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "amrc.yaml")
	yaml := `
device:
  host: 10.1.2.3
timing:
  pollInterval: 250ms
  maxReconnectAttempts: 2
channels:
  - id: 1
    defaultFrequency: 700000
  - id: 2
    defaultFrequency: 900000
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "10.1.2.3", cfg.Device.Host)
	assert.Equal(t, 5000, cfg.Device.Port)
	assert.Equal(t, 250*time.Millisecond, cfg.Timing.PollInterval)
	assert.Equal(t, 2, cfg.Timing.MaxReconnectAttempts)
	assert.Equal(t, 3*time.Second, cfg.Timing.HeartbeatTimeout)
	assert.Len(t, cfg.Channels, 2)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("AMRC_DEVICE_HOST", "127.0.0.1")
	t.Setenv("AMRC_DEVICE_PORT", "5025")
	t.Setenv("AMRC_HEARTBEAT_TIMEOUT", "4s")
	t.Setenv("AMRC_AUTO_RECONNECT", "false")
	t.Setenv("AMRC_WATCHDOG_WARNING_FRACTION", "0.3")
	t.Setenv("AMRC_POLL_INTERVAL", "not-a-duration")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing-ok.yaml"))
	require.Error(t, err, "explicit path must exist")
	assert.Nil(t, cfg)

	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:5025", cfg.Device.Addr())
	assert.Equal(t, 4*time.Second, cfg.Timing.HeartbeatTimeout)
	assert.False(t, cfg.Timing.AutoReconnect)
	assert.Equal(t, 0.3, cfg.Watchdog.WarningFraction)
	assert.Equal(t, 500*time.Millisecond, cfg.Timing.PollInterval)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"heartbeat timeout below interval", func(c *Config) { c.Timing.HeartbeatTimeout = 500 * time.Millisecond }},
		{"zero poll interval", func(c *Config) { c.Timing.PollInterval = 0 }},
		{"backoff below one", func(c *Config) { c.Timing.ReconnectBackoff = 0.5 }},
		{"max delay below delay", func(c *Config) { c.Timing.ReconnectMaxDelay = time.Second }},
		{"warning fraction", func(c *Config) { c.Watchdog.WarningFraction = 1.2 }},
		{"inverted limits", func(c *Config) { c.Limits.FreqMinHz = 2_000_000 }},
		{"duplicate channel", func(c *Config) { c.Channels = append(c.Channels, Channel{ID: 1, DefaultFrequency: 700_000}) }},
		{"channel id too high", func(c *Config) { c.Channels = []Channel{{ID: 13, DefaultFrequency: 700_000}} }},
		{"default outside limits", func(c *Config) { c.Channels[0].DefaultFrequency = 100 }},
		{"message id too wide", func(c *Config) { c.Messages = append(c.Messages, Message{ID: 16}) }},
		{"bad port", func(c *Config) { c.Device.Port = 0 }},
		{"bad qos", func(c *Config) { c.MQTT.QoS = 3 }},
		{"poll slower than watchdog", func(c *Config) {
			c.Timing.PollInterval = 10 * time.Second
			c.Watchdog.Timeout = 5 * time.Second
		}},
		{"poll at half the watchdog", func(c *Config) {
			c.Timing.PollInterval = 2500 * time.Millisecond
			c.Watchdog.Timeout = 5 * time.Second
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Baseline()
			tt.mutate(cfg)
			assert.Error(t, Validate(cfg))
		})
	}

	assert.Error(t, Validate(nil))
}

func TestPollIntervalFitsWatchdog(t *testing.T) {
	cfg := Baseline()
	cfg.Watchdog.Timeout = 2 * time.Second
	cfg.Timing.PollInterval = 999 * time.Millisecond
	assert.NoError(t, Validate(cfg))

	cfg.Timing.PollInterval = time.Second
	assert.ErrorContains(t, Validate(cfg), "poll interval")
}

func TestDeviceBaselineAndLoad(t *testing.T) {
	require.NoError(t, ValidateDevice(DeviceBaseline()))

	path := filepath.Join(t.TempDir(), "amscpid.yaml")
	yaml := `
listen:
  addr: 127.0.0.1:5555
  allowedCidrs: ["127.0.0.0/8"]
hardware:
  channels: 2
audio:
  timeout: 5s
  files:
    4: /tmp/tone.wav
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	t.Setenv("AMSCPI_WATCHDOG_TIMEOUT", "2s")

	cfg, err := LoadDevice(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:5555", cfg.Listen.Addr)
	assert.Equal(t, 2, cfg.Hardware.Channels)
	assert.Equal(t, uint64(125_000_000), cfg.Hardware.ClockHz)
	assert.Equal(t, 5*time.Second, cfg.Audio.Timeout)
	assert.Equal(t, "/tmp/tone.wav", cfg.Audio.Files[4])
	assert.Equal(t, 2*time.Second, cfg.Watchdog.Timeout)
}

func TestValidateDeviceRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*DeviceConfig)
	}{
		{"backend", func(c *DeviceConfig) { c.Hardware.Backend = "fpga" }},
		{"clock", func(c *DeviceConfig) { c.Hardware.ClockHz = 0 }},
		{"channels", func(c *DeviceConfig) { c.Hardware.Channels = 13 }},
		{"window", func(c *DeviceConfig) { c.Hardware.Size = 0x10 }},
		{"cidr", func(c *DeviceConfig) { c.Listen.AllowedCIDRs = []string{"nope"} }},
		{"audio timeout", func(c *DeviceConfig) { c.Audio.Timeout = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DeviceBaseline()
			tt.mutate(cfg)
			assert.Error(t, ValidateDevice(cfg))
		})
	}
}

//
//
package config

import (
	"fmt"
	"net"
	"time"
)

// MaxChannels is the number of carriers the FPGA design provides.
const MaxChannels = 12

// Validate checks the controller configuration.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if err := validateTiming(&cfg.Timing); err != nil {
		return fmt.Errorf("timing validation failed: %w", err)
	}
	if err := validateWatchdog(cfg.Watchdog.Timeout, cfg.Watchdog.WarningFraction); err != nil {
		return fmt.Errorf("watchdog validation failed: %w", err)
	}
	// Each poll feeds the device fail-safe, so two polls must fit in one
	// timeout.
	if cfg.Timing.PollInterval >= cfg.Watchdog.Timeout/2 {
		return fmt.Errorf("poll interval %v must be below half the watchdog timeout %v", cfg.Timing.PollInterval, cfg.Watchdog.Timeout)
	}
	if err := validatePlan(cfg); err != nil {
		return fmt.Errorf("channel plan validation failed: %w", err)
	}

	if cfg.Device.Port <= 0 || cfg.Device.Port > 65535 {
		return fmt.Errorf("device port %d out of range", cfg.Device.Port)
	}
	if cfg.Events.BufferSize <= 0 {
		return fmt.Errorf("event buffer size must be positive, got %d", cfg.Events.BufferSize)
	}
	if cfg.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt qos must be 0, 1 or 2, got %d", cfg.MQTT.QoS)
	}

	return nil
}

// validateTiming enforces ordering between the loop cadences.
func validateTiming(t *Timing) error {
	if t.ConnectTimeout <= 0 || t.IOTimeout <= 0 {
		return fmt.Errorf("connect and I/O timeouts must be positive")
	}
	if t.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %v", t.PollInterval)
	}
	if t.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive, got %v", t.HeartbeatInterval)
	}
	if t.HeartbeatTimeout < t.HeartbeatInterval {
		return fmt.Errorf("heartbeat timeout %v must be >= interval %v", t.HeartbeatTimeout, t.HeartbeatInterval)
	}
	if t.ReconnectDelay < 0 {
		return fmt.Errorf("reconnect delay must be non-negative, got %v", t.ReconnectDelay)
	}
	if t.ReconnectBackoff < 1.0 {
		return fmt.Errorf("reconnect backoff must be >= 1.0, got %v", t.ReconnectBackoff)
	}
	if t.ReconnectMaxDelay < t.ReconnectDelay {
		return fmt.Errorf("reconnect max delay %v must be >= delay %v", t.ReconnectMaxDelay, t.ReconnectDelay)
	}
	if t.MaxReconnectAttempts < 0 {
		return fmt.Errorf("max reconnect attempts must be non-negative, got %d", t.MaxReconnectAttempts)
	}
	if t.JoinTimeout <= 0 {
		return fmt.Errorf("join timeout must be positive, got %v", t.JoinTimeout)
	}
	if t.PendingTimeout <= 0 || t.PendingMaxRetries < 0 {
		return fmt.Errorf("pending timeout must be positive and retries non-negative")
	}
	return nil
}

func validateWatchdog(timeout time.Duration, fraction float64) error {
	if timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %v", timeout)
	}
	if fraction <= 0 || fraction >= 1 {
		return fmt.Errorf("warning fraction must be in (0,1), got %v", fraction)
	}
	return nil
}

func validatePlan(cfg *Config) error {
	if cfg.Limits.FreqMinHz == 0 || cfg.Limits.FreqMinHz >= cfg.Limits.FreqMaxHz {
		return fmt.Errorf("frequency limits [%d, %d] invalid", cfg.Limits.FreqMinHz, cfg.Limits.FreqMaxHz)
	}
	if len(cfg.Channels) == 0 {
		return fmt.Errorf("at least one channel is required")
	}

	seen := make(map[int]bool)
	for _, ch := range cfg.Channels {
		if ch.ID < 1 || ch.ID > MaxChannels {
			return fmt.Errorf("channel id %d outside 1..%d", ch.ID, MaxChannels)
		}
		if seen[ch.ID] {
			return fmt.Errorf("duplicate channel id %d", ch.ID)
		}
		seen[ch.ID] = true
		if ch.DefaultFrequency < cfg.Limits.FreqMinHz || ch.DefaultFrequency > cfg.Limits.FreqMaxHz {
			return fmt.Errorf("channel %d default frequency %d outside limits", ch.ID, ch.DefaultFrequency)
		}
	}

	msgs := make(map[int]bool)
	for _, m := range cfg.Messages {
		if m.ID < 0 || m.ID > 15 {
			return fmt.Errorf("message id %d does not fit the 4-bit select field", m.ID)
		}
		if msgs[m.ID] {
			return fmt.Errorf("duplicate message id %d", m.ID)
		}
		msgs[m.ID] = true
	}
	return nil
}

// ValidateDevice checks the server configuration.
func ValidateDevice(cfg *DeviceConfig) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	switch cfg.Hardware.Backend {
	case BackendSim, BackendDevMem:
	default:
		return fmt.Errorf("unknown register backend %q", cfg.Hardware.Backend)
	}
	if cfg.Hardware.ClockHz == 0 {
		return fmt.Errorf("DDS clock must be positive")
	}
	if cfg.Hardware.Channels < 1 || cfg.Hardware.Channels > MaxChannels {
		return fmt.Errorf("channel count %d outside 1..%d", cfg.Hardware.Channels, MaxChannels)
	}
	if cfg.Hardware.Size < 0x3C {
		return fmt.Errorf("register window 0x%X too small", cfg.Hardware.Size)
	}
	if err := validateWatchdog(cfg.Watchdog.Timeout, cfg.Watchdog.WarningFraction); err != nil {
		return fmt.Errorf("watchdog validation failed: %w", err)
	}
	if cfg.Watchdog.CheckInterval <= 0 {
		return fmt.Errorf("watchdog check interval must be positive")
	}
	if cfg.Audio.Timeout <= 0 {
		return fmt.Errorf("audio load timeout must be positive")
	}
	for _, cidr := range cfg.Listen.AllowedCIDRs {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("invalid allowed CIDR %q: %w", cidr, err)
		}
	}
	return nil
}

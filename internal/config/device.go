//
//
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/tunnel-broadcast/amrc/internal/logger"
)

// Register backends.
const (
	BackendSim    = "sim"
	BackendDevMem = "devmem"
)

// DeviceConfig is the SCPI server configuration.
type DeviceConfig struct {
	Listen   ListenConfig         `yaml:"listen"`
	Hardware HardwareConfig       `yaml:"hardware"`
	Watchdog DeviceWatchdogConfig `yaml:"watchdog"`
	Audio    AudioConfig          `yaml:"audio"`
	Metrics  MetricsConfig        `yaml:"metrics"`
	Logging  logger.Config        `yaml:"logging"`
}

// ListenConfig configures the control socket.
type ListenConfig struct {
	Addr         string        `yaml:"addr"`
	AllowedCIDRs []string      `yaml:"allowedCidrs"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
}

// HardwareConfig selects the register backend and DDS clock.
type HardwareConfig struct {
	Backend  string `yaml:"backend"`
	DevMem   string `yaml:"devMem"`
	BaseAddr int64  `yaml:"baseAddr"`
	Size     int    `yaml:"size"`
	ClockHz  uint64 `yaml:"clockHz"`
	Channels int    `yaml:"channels"`
	Identity string `yaml:"identity"`
}

// DeviceWatchdogConfig configures the on-board fail-safe timer.
type DeviceWatchdogConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Timeout         time.Duration `yaml:"timeout"`
	WarningFraction float64       `yaml:"warningFraction"`
	CheckInterval   time.Duration `yaml:"checkInterval"`
}

// AudioConfig configures the external waveform loader. Files maps message
// ids to waveform paths.
type AudioConfig struct {
	Loader  []string       `yaml:"loader"`
	Timeout time.Duration  `yaml:"timeout"`
	Files   map[int]string `yaml:"files"`
}

// MetricsConfig configures the Prometheus listener. Empty disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// DeviceBaseline returns the compiled-in server defaults.
func DeviceBaseline() *DeviceConfig {
	return &DeviceConfig{
		Listen: ListenConfig{
			Addr:        ":5000",
			IdleTimeout: 30 * time.Second,
		},
		Hardware: HardwareConfig{
			Backend:  BackendSim,
			DevMem:   "/dev/mem",
			BaseAddr: 0x40700000,
			Size:     0x1000,
			ClockHz:  125_000_000,
			Channels: 12,
			Identity: "RedPitaya,AMRadio-12CH,v2.0",
		},
		Watchdog: DeviceWatchdogConfig{
			Enabled:         true,
			Timeout:         5 * time.Second,
			WarningFraction: 0.2,
			CheckInterval:   100 * time.Millisecond,
		},
		Audio: AudioConfig{
			Loader:  []string{"python3", "/root/axi_audio_loader.py"},
			Timeout: 30 * time.Second,
			Files: map[int]string{
				1: "/root/alarm_fast.wav",
				2: "/root/0009_part1.wav",
				3: "/root/0009_part2_fast.wav",
			},
		},
		Metrics: MetricsConfig{Addr: ":9105"},
		Logging: logger.Config{Level: "info"},
	}
}

// LoadDevice builds the server configuration. path may be empty, in which
// case AMSCPI_CONFIG is used when set.
func LoadDevice(path string) (*DeviceConfig, error) {
	cfg := DeviceBaseline()

	_ = godotenv.Load()

	if path == "" {
		path = GetEnvVar("AMSCPI_CONFIG", "")
	}
	if path != "" {
		if err := loadYAML(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
	}

	cfg.Listen.Addr = GetEnvVar("AMSCPI_ADDR", cfg.Listen.Addr)
	if cidrs := os.Getenv("AMSCPI_ALLOWED_CIDRS"); cidrs != "" {
		cfg.Listen.AllowedCIDRs = strings.Split(cidrs, ",")
	}
	cfg.Hardware.Backend = GetEnvVar("AMSCPI_BACKEND", cfg.Hardware.Backend)
	cfg.Watchdog.Enabled = GetEnvBool("AMSCPI_WATCHDOG_ENABLED", cfg.Watchdog.Enabled)
	cfg.Watchdog.Timeout = GetEnvDuration("AMSCPI_WATCHDOG_TIMEOUT", cfg.Watchdog.Timeout)
	cfg.Audio.Timeout = GetEnvDuration("AMSCPI_AUDIO_TIMEOUT", cfg.Audio.Timeout)
	cfg.Metrics.Addr = GetEnvVar("AMSCPI_METRICS_ADDR", cfg.Metrics.Addr)
	cfg.Logging.Level = GetEnvVar("AMSCPI_LOG_LEVEL", cfg.Logging.Level)

	if err := ValidateDevice(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

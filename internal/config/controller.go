//
//
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"

	"github.com/tunnel-broadcast/amrc/internal/logger"
)

// Config is the controller configuration.
type Config struct {
	Device   DeviceLink     `yaml:"device"`
	Timing   Timing         `yaml:"timing"`
	Watchdog WatchdogConfig `yaml:"watchdog"`
	Limits   Limits         `yaml:"limits"`
	Channels []Channel      `yaml:"channels"`
	Messages []Message      `yaml:"messages"`
	Events   EventsConfig   `yaml:"events"`
	API      APIConfig      `yaml:"api"`
	Audit    AuditConfig    `yaml:"audit"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Logging  logger.Config  `yaml:"logging"`
}

// DeviceLink addresses the transmitter.
type DeviceLink struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	AutoConnect bool   `yaml:"autoConnect"`
}

// Addr returns host:port.
func (d DeviceLink) Addr() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// Timing holds every timeout and cadence of the control loops.
type Timing struct {
	ConnectTimeout       time.Duration `yaml:"connectTimeout"`
	IOTimeout            time.Duration `yaml:"ioTimeout"`
	PollInterval         time.Duration `yaml:"pollInterval"`
	HeartbeatInterval    time.Duration `yaml:"heartbeatInterval"`
	HeartbeatTimeout     time.Duration `yaml:"heartbeatTimeout"`
	AutoReconnect        bool          `yaml:"autoReconnect"`
	ReconnectDelay       time.Duration `yaml:"reconnectDelay"`
	ReconnectBackoff     float64       `yaml:"reconnectBackoff"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnectMaxDelay"`
	MaxReconnectAttempts int           `yaml:"maxReconnectAttempts"`
	JoinTimeout          time.Duration `yaml:"joinTimeout"`
	PendingTimeout       time.Duration `yaml:"pendingTimeout"`
	PendingMaxRetries    int           `yaml:"pendingMaxRetries"`
}

// WatchdogConfig mirrors the device fail-safe settings. WarningFraction is
// the share of Timeout remaining at which WARNING starts.
type WatchdogConfig struct {
	Timeout         time.Duration `yaml:"timeout"`
	WarningFraction float64       `yaml:"warningFraction"`
}

// Limits bounds operator input.
type Limits struct {
	FreqMinHz uint32 `yaml:"freqMinHz"`
	FreqMaxHz uint32 `yaml:"freqMaxHz"`
}

// Channel is one carrier of the transmitter.
type Channel struct {
	ID               int    `yaml:"id"`
	DefaultFrequency uint32 `yaml:"defaultFrequency"`
}

// Message is a stored waveform selectable with SOURCE:MSG.
type Message struct {
	ID   int    `yaml:"id"`
	Name string `yaml:"name"`
}

// EventsConfig sizes the event ring.
type EventsConfig struct {
	BufferSize int `yaml:"bufferSize"`
}

// APIConfig configures the HTTP surface. An empty JWTSecret disables
// authentication.
type APIConfig struct {
	Addr         string        `yaml:"addr"`
	JWTSecret    string        `yaml:"jwtSecret"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`

	// StreamHeartbeat is the SSE/WebSocket keepalive cadence; StreamBuffer
	// is the per-client queue depth before events are dropped.
	StreamHeartbeat time.Duration `yaml:"streamHeartbeat"`
	StreamBuffer    int           `yaml:"streamBuffer"`
}

// AuditConfig configures the operator audit trail.
type AuditConfig struct {
	Dir        string `yaml:"dir"`
	MaxSizeMB  int    `yaml:"maxSizeMb"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
}

// MQTTConfig configures the optional event bridge. An empty Broker
// disables it.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"clientId"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topicPrefix"`
	QoS         byte   `yaml:"qos"`
}

// Baseline returns the compiled-in controller defaults.
func Baseline() *Config {
	return &Config{
		Device: DeviceLink{
			Host: "192.168.0.100",
			Port: 5000,
		},
		Timing: Timing{
			ConnectTimeout:       5 * time.Second,
			IOTimeout:            5 * time.Second,
			PollInterval:         500 * time.Millisecond,
			HeartbeatInterval:    time.Second,
			HeartbeatTimeout:     3 * time.Second,
			AutoReconnect:        true,
			ReconnectDelay:       2 * time.Second,
			ReconnectBackoff:     1.0,
			ReconnectMaxDelay:    2 * time.Second,
			MaxReconnectAttempts: 5,
			JoinTimeout:          2 * time.Second,
			PendingTimeout:       2 * time.Second,
			PendingMaxRetries:    3,
		},
		Watchdog: WatchdogConfig{
			Timeout:         5 * time.Second,
			WarningFraction: 0.2,
		},
		Limits: Limits{
			FreqMinHz: 530_000,
			FreqMaxHz: 1_700_000,
		},
		Channels: DefaultChannels(),
		Messages: []Message{
			{ID: 1, Name: "Emergency Evacuation"},
			{ID: 2, Name: "Fire Alert"},
			{ID: 3, Name: "Traffic Advisory"},
			{ID: 4, Name: "Test Tone"},
		},
		Events: EventsConfig{BufferSize: 1000},
		API: APIConfig{
			Addr:         ":8000",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,

			StreamHeartbeat: 15 * time.Second,
			StreamBuffer:    100,
		},
		Audit: AuditConfig{
			Dir:        "logs",
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 90,
		},
		MQTT: MQTTConfig{
			ClientID:    "amrc",
			TopicPrefix: "amrc",
			QoS:         1,
		},
		Logging: logger.Config{Level: "info"},
	}
}

// DefaultChannels returns the twelve-carrier plan, 531 kHz to 1.6 MHz.
func DefaultChannels() []Channel {
	freqs := []uint32{531_000, 600_000, 700_000, 800_000, 900_000, 1_000_000,
		1_100_000, 1_200_000, 1_300_000, 1_400_000, 1_500_000, 1_600_000}
	channels := make([]Channel, len(freqs))
	for i, f := range freqs {
		channels[i] = Channel{ID: i + 1, DefaultFrequency: f}
	}
	return channels
}

// Load builds the controller configuration. path may be empty, in which
// case AMRC_CONFIG or ./amrc.yaml is used when present.
func Load(path string) (*Config, error) {
	cfg := Baseline()

	// .env is optional; existing environment variables win.
	_ = godotenv.Load()

	if path == "" {
		path = GetEnvVar("AMRC_CONFIG", "")
	}
	if path == "" {
		if _, err := os.Stat("amrc.yaml"); err == nil {
			path = "amrc.yaml"
		}
	}
	if path != "" {
		if err := loadYAML(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// loadYAML overlays the keys present in the file onto cfg.
func loadYAML(cfg interface{}, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// applyEnvOverrides applies AMRC_* environment variables.
func applyEnvOverrides(cfg *Config) {
	cfg.Device.Host = GetEnvVar("AMRC_DEVICE_HOST", cfg.Device.Host)
	cfg.Device.Port = GetEnvInt("AMRC_DEVICE_PORT", cfg.Device.Port)
	cfg.Device.AutoConnect = GetEnvBool("AMRC_AUTO_CONNECT", cfg.Device.AutoConnect)

	t := &cfg.Timing
	t.ConnectTimeout = GetEnvDuration("AMRC_CONNECT_TIMEOUT", t.ConnectTimeout)
	t.IOTimeout = GetEnvDuration("AMRC_IO_TIMEOUT", t.IOTimeout)
	t.PollInterval = GetEnvDuration("AMRC_POLL_INTERVAL", t.PollInterval)
	t.HeartbeatInterval = GetEnvDuration("AMRC_HEARTBEAT_INTERVAL", t.HeartbeatInterval)
	t.HeartbeatTimeout = GetEnvDuration("AMRC_HEARTBEAT_TIMEOUT", t.HeartbeatTimeout)
	t.AutoReconnect = GetEnvBool("AMRC_AUTO_RECONNECT", t.AutoReconnect)
	t.ReconnectDelay = GetEnvDuration("AMRC_RECONNECT_DELAY", t.ReconnectDelay)
	t.ReconnectBackoff = GetEnvFloat("AMRC_RECONNECT_BACKOFF", t.ReconnectBackoff)
	t.ReconnectMaxDelay = GetEnvDuration("AMRC_RECONNECT_MAX_DELAY", t.ReconnectMaxDelay)
	t.MaxReconnectAttempts = GetEnvInt("AMRC_MAX_RECONNECT_ATTEMPTS", t.MaxReconnectAttempts)
	t.PendingTimeout = GetEnvDuration("AMRC_PENDING_TIMEOUT", t.PendingTimeout)
	t.PendingMaxRetries = GetEnvInt("AMRC_PENDING_MAX_RETRIES", t.PendingMaxRetries)

	cfg.Watchdog.Timeout = GetEnvDuration("AMRC_WATCHDOG_TIMEOUT", cfg.Watchdog.Timeout)
	cfg.Watchdog.WarningFraction = GetEnvFloat("AMRC_WATCHDOG_WARNING_FRACTION", cfg.Watchdog.WarningFraction)

	cfg.Events.BufferSize = GetEnvInt("AMRC_EVENT_BUFFER_SIZE", cfg.Events.BufferSize)

	cfg.API.Addr = GetEnvVar("AMRC_API_ADDR", cfg.API.Addr)
	cfg.API.JWTSecret = GetEnvVar("AMRC_JWT_SECRET", cfg.API.JWTSecret)

	cfg.Audit.Dir = GetEnvVar("AMRC_AUDIT_DIR", cfg.Audit.Dir)

	cfg.MQTT.Broker = GetEnvVar("AMRC_MQTT_BROKER", cfg.MQTT.Broker)
	cfg.MQTT.Username = GetEnvVar("AMRC_MQTT_USERNAME", cfg.MQTT.Username)
	cfg.MQTT.Password = GetEnvVar("AMRC_MQTT_PASSWORD", cfg.MQTT.Password)
	cfg.MQTT.TopicPrefix = GetEnvVar("AMRC_MQTT_TOPIC_PREFIX", cfg.MQTT.TopicPrefix)

	cfg.Logging.Level = GetEnvVar("AMRC_LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Output = GetEnvVar("AMRC_LOG_OUTPUT", cfg.Logging.Output)
}

// Channel returns the configured channel with id.
func (c *Config) Channel(id int) (Channel, bool) {
	for _, ch := range c.Channels {
		if ch.ID == id {
			return ch, true
		}
	}
	return Channel{}, false
}

// Message returns the configured message with id.
func (c *Config) Message(id int) (Message, bool) {
	for _, m := range c.Messages {
		if m.ID == id {
			return m, true
		}
	}
	return Message{}, false
}

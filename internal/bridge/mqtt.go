//
//
package bridge

import (
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/tunnel-broadcast/amrc/internal/config"
)

// publishTimeout bounds the wait for a broker acknowledgement.
const publishTimeout = 5 * time.Second

// ErrPublishTimeout is returned when the broker does not acknowledge in time.
var ErrPublishTimeout = errors.New("mqtt publish timeout")

// Client is a paho-backed Publisher.
type Client struct {
	client mqtt.Client
	logger zerolog.Logger
}

// Dial connects to the broker in cfg. The connection is retried in the
// background, so an unreachable broker does not block startup. The broker
// holds a retained "offline" will on <prefix>/status.
func Dial(cfg config.MQTTConfig, logger zerolog.Logger) (*Client, error) {
	status := cfg.TopicPrefix + "/status"

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(10 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetWill(status, "offline", 1, true)

	opts.SetOnConnectHandler(func(c mqtt.Client) {
		logger.Info().Str("broker", cfg.Broker).Msg("MQTT connected")
		c.Publish(status, 1, true, "online")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn().Err(err).Msg("MQTT connection lost")
	})
	opts.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
		logger.Debug().Msg("MQTT reconnecting")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.WaitTimeout(publishTimeout) {
		if err := token.Error(); err != nil {
			return nil, fmt.Errorf("failed to connect to MQTT broker: %w", err)
		}
	} else {
		logger.Warn().Str("broker", cfg.Broker).Msg("MQTT broker not reachable yet, retrying in background")
	}

	return &Client{client: client, logger: logger}, nil
}

// Publish sends payload and waits for the acknowledgement.
func (c *Client) Publish(topic string, qos byte, retained bool, payload []byte) error {
	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return ErrPublishTimeout
	}
	return token.Error()
}

// Close disconnects, allowing 250ms for in-flight work.
func (c *Client) Close() {
	c.client.Disconnect(250)
}

//
//
// Package bridge forwards bus events to an MQTT broker so that site
// monitoring can follow the transmitter without polling the API.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tunnel-broadcast/amrc/internal/bus"
)

// Publisher sends one MQTT message.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// StateFunc returns the summary published retained on <prefix>/state.
type StateFunc func() interface{}

// stateEvents trigger a refresh of the retained state summary.
var stateEvents = map[bus.Type]bool{
	bus.ConnectSuccess:      true,
	bus.Disconnected:        true,
	bus.ConnectionLost:      true,
	bus.DeviceStateUpdated:  true,
	bus.BroadcastStarted:    true,
	bus.BroadcastStopped:    true,
	bus.BroadcastFailed:     true,
	bus.WatchdogTriggered:   true,
	bus.WatchdogReset:       true,
	bus.DeviceHeartbeatLost: true,
}

// skipped events are too chatty for the broker.
var skipped = map[bus.Type]bool{
	bus.DeviceHeartbeat:       true,
	bus.WatchdogHeartbeatSent: true,
}

// Bridge copies bus events to MQTT. Events are queued and published from
// a single goroutine so that a slow broker never stalls the bus.
type Bridge struct {
	pub    Publisher
	prefix string
	qos    byte
	state  StateFunc
	logger zerolog.Logger

	queue   chan bus.Event
	dropped int
	mu      sync.Mutex
	wg      sync.WaitGroup
}

// New creates a bridge publishing under prefix.
func New(pub Publisher, prefix string, qos byte, state StateFunc, logger zerolog.Logger) *Bridge {
	return &Bridge{
		pub:    pub,
		prefix: prefix,
		qos:    qos,
		state:  state,
		logger: logger,
		queue:  make(chan bus.Event, 256),
	}
}

// Run subscribes to b and publishes until ctx is cancelled.
func (br *Bridge) Run(ctx context.Context, b *bus.Bus) {
	unsubscribe := b.SubscribeAll(br.enqueue)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case e := <-br.queue:
			br.forward(e)
		}
	}
}

// Dropped returns the number of events lost to a full queue.
func (br *Bridge) Dropped() int {
	br.mu.Lock()
	defer br.mu.Unlock()
	return br.dropped
}

func (br *Bridge) enqueue(e bus.Event) {
	if skipped[e.Type] {
		return
	}
	select {
	case br.queue <- e:
	default:
		br.mu.Lock()
		br.dropped++
		br.mu.Unlock()
		br.logger.Warn().Str("event", string(e.Type)).Msg("MQTT queue full, event dropped")
	}
}

func (br *Bridge) forward(e bus.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		br.logger.Error().Err(err).Str("event", string(e.Type)).Msg("Failed to marshal event")
		return
	}
	topic := fmt.Sprintf("%s/events/%s", br.prefix, e.Type)
	if err := br.pub.Publish(topic, br.qos, false, payload); err != nil {
		br.logger.Warn().Err(err).Str("topic", topic).Msg("Failed to publish event")
	}

	if stateEvents[e.Type] && br.state != nil {
		br.publishState()
	}
}

func (br *Bridge) publishState() {
	payload, err := json.Marshal(br.state())
	if err != nil {
		br.logger.Error().Err(err).Msg("Failed to marshal state summary")
		return
	}
	topic := br.prefix + "/state"
	if err := br.pub.Publish(topic, br.qos, true, payload); err != nil {
		br.logger.Warn().Err(err).Str("topic", topic).Msg("Failed to publish state")
	}
}

//
//
package bus

import "time"

// Type tags an event. Subscribers register per type.
type Type string

// Connection lifecycle.
const (
	ConnectRequested    Type = "connectRequested"
	ConnectSuccess      Type = "connectSuccess"
	ConnectFailed       Type = "connectFailed"
	DisconnectRequested Type = "disconnectRequested"
	Disconnected        Type = "disconnected"
	ConnectionLost      Type = "connectionLost"
	ReconnectAttempt    Type = "reconnectAttempt"
)

// Command traffic.
const (
	CommandSent      Type = "commandSent"
	CommandConfirmed Type = "commandConfirmed"
	CommandFailed    Type = "commandFailed"
	CommandTimeout   Type = "commandTimeout"
	CommandRejected  Type = "commandRejected"
)

// Broadcast state.
const (
	BroadcastRequested Type = "broadcastRequested"
	BroadcastArming    Type = "broadcastArming"
	BroadcastStarted   Type = "broadcastStarted"
	BroadcastStopped   Type = "broadcastStopped"
	BroadcastFailed    Type = "broadcastFailed"
)

// Channel, source, message and audio changes.
const (
	ChannelPending     Type = "channelPending"
	ChannelConfirmed   Type = "channelConfirmed"
	SourcePending      Type = "sourcePending"
	SourceChanged      Type = "sourceChanged"
	MessagePending     Type = "messagePending"
	MessageChanged     Type = "messageChanged"
	AudioLoadRequested Type = "audioLoadRequested"
)

// Device state and link health.
const (
	DeviceStateUpdated  Type = "deviceStateUpdated"
	DeviceHeartbeat     Type = "deviceHeartbeat"
	DeviceHeartbeatLost Type = "deviceHeartbeatLost"
	StatusParseError    Type = "statusParseError"
)

// Watchdog fail-safe.
const (
	WatchdogHeartbeatSent Type = "watchdogHeartbeatSent"
	WatchdogWarning       Type = "watchdogWarning"
	WatchdogTriggered     Type = "watchdogTriggered"
	WatchdogReset         Type = "watchdogReset"
	WatchdogEnabled       Type = "watchdogEnabled"
	WatchdogDisabled      Type = "watchdogDisabled"
)

// ErrorOccurred carries operator-visible errors.
const ErrorOccurred Type = "error"

// Event is an immutable notification. ID and Seq are assigned on publish;
// Seq is monotonic per bus and is used for replay.
type Event struct {
	ID   string                 `json:"id"`
	Seq  int64                  `json:"seq"`
	Type Type                   `json:"type"`
	Data map[string]interface{} `json:"data,omitempty"`
	Time time.Time              `json:"ts"`
}

// NewEvent builds an event of type t stamped with the current UTC time.
func NewEvent(t Type, data map[string]interface{}) Event {
	return Event{Type: t, Data: data, Time: time.Now().UTC()}
}

// String returns d[key] when it is a string.
func (e Event) String(key string) string {
	s, _ := e.Data[key].(string)
	return s
}

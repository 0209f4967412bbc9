//
//
// Package state owns the controller's confirmed view of the transmitter.
//
// The Reconciler is the only writer of DeviceState. It changes fields only
// from parsed STATUS replies, plus a small set of local intents (arming,
// stopping, operator watchdog reset, link loss) that other components
// request through its methods.
package state

import (
	"time"

	"github.com/tunnel-broadcast/amrc/internal/scpi"
	"github.com/tunnel-broadcast/amrc/internal/watchdog"
)

// ConnectionState is the link state machine of the supervisor.
type ConnectionState string

const (
	Disconnected ConnectionState = "DISCONNECTED"
	Connecting   ConnectionState = "CONNECTING"
	Connected    ConnectionState = "CONNECTED"
	Reconnecting ConnectionState = "RECONNECTING"
	Error        ConnectionState = "ERROR"
)

// BroadcastState is the local broadcast state machine.
type BroadcastState string

const (
	Idle         BroadcastState = "IDLE"
	Arming       BroadcastState = "ARMING"
	Broadcasting BroadcastState = "BROADCASTING"
	Stopping     BroadcastState = "STOPPING"
	Failed       BroadcastState = "ERROR"
)

// ChannelState is one carrier as last confirmed by the device.
type ChannelState struct {
	ID        int    `json:"id"`
	Frequency uint32 `json:"frequency"`
	Enabled   bool   `json:"enabled"`
	Confirmed bool   `json:"confirmed"`
}

// DeviceState is the confirmed transmitter state.
type DeviceState struct {
	Connected         bool           `json:"connected"`
	Broadcasting      bool           `json:"broadcasting"`
	Broadcast         BroadcastState `json:"broadcastState"`
	Source            scpi.Source    `json:"source"`
	CurrentMessage    int            `json:"currentMessage"`
	AudioLoading      bool           `json:"audioLoading"`
	AudioError        string         `json:"audioError,omitempty"`
	Channels          []ChannelState `json:"channels"`
	Watchdog          watchdog.State `json:"watchdogState"`
	WatchdogEnabled   bool           `json:"watchdogEnabled"`
	WatchdogTriggered bool           `json:"watchdogTriggered"`
	WatchdogWarning   bool           `json:"watchdogWarning"`
	WatchdogRemaining time.Duration  `json:"watchdogRemaining"`
	LastUpdate        time.Time      `json:"lastUpdate"`
	Stale             bool           `json:"stale"`
}

// Channel returns the channel with id.
func (d DeviceState) Channel(id int) (ChannelState, bool) {
	for _, ch := range d.Channels {
		if ch.ID == id {
			return ch, true
		}
	}
	return ChannelState{}, false
}

// EnabledMask packs the enabled channels into a bitmask, bit n-1 for
// channel n.
func (d DeviceState) EnabledMask() uint16 {
	var mask uint16
	for _, ch := range d.Channels {
		if ch.Enabled && ch.ID >= 1 && ch.ID <= 16 {
			mask |= 1 << (ch.ID - 1)
		}
	}
	return mask
}

func (d DeviceState) clone() DeviceState {
	out := d
	out.Channels = append([]ChannelState(nil), d.Channels...)
	return out
}

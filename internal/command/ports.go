// Package command defines ports (interfaces) for dispatcher collaborators.
package command

import (
	"context"
	"time"

	"github.com/tunnel-broadcast/amrc/internal/scpi"
)

// Sender writes one command on the device link.
type Sender interface {
	Send(ctx context.Context, command string) (string, error)
}

// Session yields the link of the current connected session, if any.
type Session interface {
	Current() (Sender, bool)
}

// AuditLogger writes one record per operator action.
type AuditLogger interface {
	LogAction(ctx context.Context, action string, params map[string]interface{}, result string, latency time.Duration)
}

// Recorder counts dispatched operations.
type Recorder interface {
	ObserveCommand(op, result string)
}

// DispatcherPort is the semantic command surface used by the controller
// facade and the API.
type DispatcherPort interface {
	SetChannelFrequency(ctx context.Context, channel int, hz uint32) error
	SetChannelEnabled(ctx context.Context, channel int, enabled bool) error
	EnablePresetChannels(ctx context.Context, count int) ([]int, error)
	SetSource(ctx context.Context, src scpi.Source) error
	SetMessage(ctx context.Context, id int) error
	SetBroadcast(ctx context.Context, active bool) error
	ResetWatchdog(ctx context.Context) error
	SetWatchdogEnabled(ctx context.Context, enabled bool) error
	LoadAudio(ctx context.Context, path string) error
	QueryIdentity(ctx context.Context) (string, error)
	QueryAudioStatus(ctx context.Context) (string, error)
}

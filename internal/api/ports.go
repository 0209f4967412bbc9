// Package api defines ports (interfaces) for API server dependencies.
package api

import (
	"context"
	"net/http"

	"github.com/tunnel-broadcast/amrc/internal/bus"
	"github.com/tunnel-broadcast/amrc/internal/command"
	"github.com/tunnel-broadcast/amrc/internal/controller"
	"github.com/tunnel-broadcast/amrc/internal/state"
	"github.com/tunnel-broadcast/amrc/internal/telemetry"
)

// ControlPort is what the API needs from the controller facade.
type ControlPort interface {
	command.DispatcherPort

	Connect(host string, port int) error
	Disconnect(ctx context.Context) error
	ConnectionState() state.ConnectionState
	DeviceAddr() string
	Snapshot() state.DeviceState
	Pending() []command.PendingCommand
}

// EventsPort reads the retained event history.
type EventsPort interface {
	Recent(limit int) []bus.Event
	RecentOfType(t bus.Type, limit int) []bus.Event
}

// TelemetryPort streams live events.
type TelemetryPort interface {
	Subscribe(ctx context.Context, w http.ResponseWriter, r *http.Request) error
	ServeWS(w http.ResponseWriter, r *http.Request)
}

// Compile-time assertions for port conformance
var _ ControlPort = (*controller.Controller)(nil)
var _ EventsPort = (*bus.Bus)(nil)
var _ TelemetryPort = (*telemetry.Hub)(nil)

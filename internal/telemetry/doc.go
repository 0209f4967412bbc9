// Package telemetry streams bus events to remote observers.
//
// The Hub subscribes to every event on the bus and fans them out to SSE
// and WebSocket clients. Event IDs on the wire are the bus sequence
// numbers, so an SSE client reconnecting with Last-Event-ID is replayed
// whatever the bus ring still holds after that ID.
package telemetry

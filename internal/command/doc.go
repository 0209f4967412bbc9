// Package command implements the command dispatcher of the controller.
//
// The dispatcher validates operator intents, builds the wire command, records
// what the next status poll must show, sends through the active session,
// publishes optimistic pending events and writes audit records. It never
// writes DeviceState: confirmation comes only from the poll, through the
// pending Tracker.
package command

// Package audit implements the operator audit trail of the controller.
//
// Every operator action is appended as one JSON line carrying the user,
// action, parameters, outcome code and latency. Safety events observed on
// the bus (fail-safe trips, lost heartbeats, lost links) are appended too,
// attributed to the "system" user. Files rotate through lumberjack.
package audit

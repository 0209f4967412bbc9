// Package auth implements bearer-token authentication for the controller API.
//
// Tokens are HS256 JWTs carrying a subject, roles (viewer, controller) and
// scopes (read, control, telemetry). Viewers may read state and subscribe to
// telemetry; controllers may also issue commands.
package auth

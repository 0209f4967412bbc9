//
//
package api

import (
	"errors"
	"net/http"

	"github.com/tunnel-broadcast/amrc/internal/command"
	"github.com/tunnel-broadcast/amrc/internal/scpi"
	"github.com/tunnel-broadcast/amrc/internal/supervisor"
	"github.com/tunnel-broadcast/amrc/internal/transport"
)

// ErrBadRequest marks a malformed request body or path.
var ErrBadRequest = errors.New("BAD_REQUEST")

// errorMapping is checked in order; the first match wins.
var errorMapping = []struct {
	err     error
	status  int
	message string
}{
	{command.ErrWatchdogTriggered, http.StatusConflict, "Watchdog triggered; reset before starting broadcast"},
	{command.ErrUnavailable, http.StatusServiceUnavailable, "Device not connected"},
	{supervisor.ErrSessionActive, http.StatusConflict, "A session is already active"},
	{command.ErrUnknownChannel, http.StatusNotFound, "Unknown channel"},
	{command.ErrUnknownMessage, http.StatusNotFound, "Unknown message"},
	{command.ErrFrequencyOutOfRange, http.StatusBadRequest, "Frequency outside the allowed range"},
	{command.ErrInvalidParameter, http.StatusBadRequest, "Malformed or missing required parameter"},
	{ErrBadRequest, http.StatusBadRequest, "Malformed or missing required parameter"},
	{scpi.ErrBusy, http.StatusServiceUnavailable, "Device busy, retry with backoff"},
	{scpi.ErrNotFound, http.StatusNotFound, "Device reported resource not found"},
	{scpi.ErrRejected, http.StatusUnprocessableEntity, "Device rejected the command"},
}

// ToAPIError converts an error to an HTTP status, code and message. The
// code matches the one recorded in the audit log and metrics.
func ToAPIError(err error) (status int, code, message string) {
	if err == nil {
		return http.StatusOK, "SUCCESS", ""
	}

	code = command.ResultCode(err)
	for _, m := range errorMapping {
		if errors.Is(err, m.err) {
			if code == "ERROR" {
				code = m.err.Error()
			}
			return m.status, code, m.message
		}
	}

	var te *transport.Error
	if errors.As(err, &te) {
		return http.StatusBadGateway, code, "Device link error: " + transport.Reason(err)
	}
	return http.StatusInternalServerError, "INTERNAL", err.Error()
}

// writeAPIError writes err in the envelope format.
func writeAPIError(w http.ResponseWriter, err error) {
	status, code, message := ToAPIError(err)
	var details interface{}
	var ve *command.ValidationError
	if errors.As(err, &ve) {
		details = map[string]interface{}{"field": ve.Field, "value": ve.Value}
	}
	WriteError(w, status, code, message, details)
}

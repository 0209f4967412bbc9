package command

import (
	"context"
	"errors"
	"fmt"

	"github.com/tunnel-broadcast/amrc/internal/scpi"
	"github.com/tunnel-broadcast/amrc/internal/transport"
)

// ErrInvalidParameter indicates a parameter is missing or structurally invalid.
var ErrInvalidParameter = errors.New("BAD_REQUEST")

// ErrUnknownChannel indicates a channel id that is not configured.
var ErrUnknownChannel = errors.New("UNKNOWN_CHANNEL")

// ErrFrequencyOutOfRange indicates a frequency outside the configured limits.
var ErrFrequencyOutOfRange = errors.New("INVALID_RANGE")

// ErrUnknownMessage indicates a message id that is not configured.
var ErrUnknownMessage = errors.New("UNKNOWN_MESSAGE")

// ErrUnavailable indicates there is no connected session.
var ErrUnavailable = errors.New("UNAVAILABLE")

// ErrWatchdogTriggered indicates a start refused because the fail-safe is latched.
var ErrWatchdogTriggered = errors.New("WATCHDOG_TRIGGERED")

// ValidationError is a request rejected before any I/O.
type ValidationError struct {
	Field string
	Value interface{}
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %v: %v", e.Field, e.Value, e.Err)
}

// Unwrap exposes both the specific sentinel and ErrInvalidParameter.
func (e *ValidationError) Unwrap() []error {
	if e.Err == ErrInvalidParameter {
		return []error{e.Err}
	}
	return []error{e.Err, ErrInvalidParameter}
}

func invalid(field string, value interface{}, err error) error {
	return &ValidationError{Field: field, Value: value, Err: err}
}

// ResultCode maps an operation outcome to the code used in audit records,
// metrics labels and API responses.
func ResultCode(err error) string {
	if err == nil {
		return "SUCCESS"
	}
	for _, sentinel := range []error{
		ErrWatchdogTriggered,
		ErrUnavailable,
		ErrUnknownChannel,
		ErrFrequencyOutOfRange,
		ErrUnknownMessage,
		ErrInvalidParameter,
		scpi.ErrBusy,
		scpi.ErrNotFound,
		scpi.ErrRejected,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}

	var te *transport.Error
	switch {
	case errors.As(err, &te):
		return "TRANSPORT_" + te.Code.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return "TIMEOUT"
	}
	return "ERROR"
}

//
//
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// Normalized transport failures.
var (
	ErrTimeout = errors.New("TIMEOUT")
	ErrRefused = errors.New("REFUSED")
	ErrReset   = errors.New("RESET")
	ErrClosed  = errors.New("CLOSED")
	ErrIO      = errors.New("IO")
)

// Error is a failed transport operation. Code is one of the normalized
// errors above; Err is the underlying cause.
type Error struct {
	Op   string
	Code error
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport %s: %v: %v", e.Op, e.Code, e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{e.Code, e.Err}
}

// classify maps a net/io/context error onto a normalized *Error.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var netErr net.Error
	code := ErrIO
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		code = ErrTimeout
	case errors.Is(err, context.Canceled), errors.Is(err, net.ErrClosed):
		code = ErrClosed
	case errors.As(err, &netErr) && netErr.Timeout():
		code = ErrTimeout
	case errors.Is(err, syscall.ECONNREFUSED):
		code = ErrRefused
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE),
		errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		code = ErrReset
	}

	return &Error{Op: op, Code: code, Err: err}
}

// Reason returns a short reason string for events and logs.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrRefused):
		return "connection refused"
	case errors.Is(err, ErrReset):
		return "connection reset"
	case errors.Is(err, ErrClosed):
		return "connection closed"
	default:
		return err.Error()
	}
}

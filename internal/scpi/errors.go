//
//
package scpi

import (
	"errors"
	"fmt"
	"strings"
)

// Normalized device reply errors.
var (
	ErrRejected        = errors.New("REJECTED")
	ErrBusy            = errors.New("BUSY")
	ErrNotFound        = errors.New("NOT_FOUND")
	ErrMalformedStatus = errors.New("MALFORMED_STATUS")
)

// replyTokens maps the suffix of an "ERROR:<token>" reply to a normalized
// error. Unknown tokens and a bare "ERROR" map to ErrRejected.
var replyTokens = map[string]error{
	"BUSY":           ErrBusy,
	"LOADING":        ErrBusy,
	"FILE_NOT_FOUND": ErrNotFound,
	"NO_FILE":        ErrNotFound,
	"NOT_FOUND":      ErrNotFound,
}

// ReplyError is a device error token with its normalized code.
type ReplyError struct {
	Code  error
	Token string
	Reply string
}

func (e *ReplyError) Error() string {
	if e.Token == "" {
		return fmt.Sprintf("%v (device: %s)", e.Code, e.Reply)
	}
	return fmt.Sprintf("%v (device: %s, token: %s)", e.Code, e.Reply, e.Token)
}

func (e *ReplyError) Unwrap() error {
	return e.Code
}

// CheckReply returns a *ReplyError when reply is a device error token and
// nil otherwise.
func CheckReply(reply string) error {
	trimmed := strings.TrimSpace(reply)
	upper := strings.ToUpper(trimmed)
	if !strings.HasPrefix(upper, "ERROR") {
		return nil
	}

	token := ""
	if i := strings.IndexByte(upper, ':'); i >= 0 {
		token = strings.TrimSpace(upper[i+1:])
	}

	code, ok := replyTokens[token]
	if !ok {
		code = ErrRejected
	}
	return &ReplyError{Code: code, Token: token, Reply: trimmed}
}

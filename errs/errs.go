package errs

import (
	"errors"
	"fmt"
)

// Code identifies an error across the REST and websocket surfaces. REST
// responses carry it in the body; websocket error events carry it alongside
// the originating client_msg_id.
type Code string

const (
	CodeInvalidCredentials Code = "invalid_credentials"
	CodeTokenExpired       Code = "token_expired"
	CodeTokenRevoked       Code = "token_revoked"
	CodeTokenReuse         Code = "token_reuse_detected"

	CodeNotMember        Code = "not_member"
	CodeMuted            Code = "muted"
	CodeInsufficientRole Code = "insufficient_role"

	CodeContentTooLong  Code = "content_too_long"
	CodeMalformedTarget Code = "malformed_target"

	CodeChannelFull Code = "channel_full"

	CodePersistenceUnavailable Code = "persistence_unavailable"
	CodeBusUnavailable         Code = "bus_unavailable"

	CodeNotFound Code = "not_found"
	CodeConflict Code = "conflict"
)

type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf extracts the code from err, or empty if err is not an *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// HTTPStatus maps an error code to the status its REST wrapper returns.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeInvalidCredentials, CodeTokenExpired, CodeTokenRevoked, CodeTokenReuse:
		return 401
	case CodeNotMember, CodeMuted, CodeInsufficientRole:
		return 403
	case CodeContentTooLong, CodeMalformedTarget:
		return 400
	case CodeChannelFull, CodeConflict:
		return 409
	case CodeNotFound:
		return 404
	case CodePersistenceUnavailable, CodeBusUnavailable:
		return 503
	default:
		return 500
	}
}

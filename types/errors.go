package types

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrChecksumPolicy    = errors.New("network access requires a checksum")
	ErrRemoteUnavailable = errors.New("no remote could serve the request")
	ErrTransport         = errors.New("transport error")
	ErrInvalidArgument   = errors.New("invalid argument")
)

// ErrorCode is the wire identifier of an error.
type ErrorCode string

const (
	CodeNotFound          ErrorCode = "not_found"
	CodeInvalidTransition ErrorCode = "invalid_transition"
	CodeChecksumPolicy    ErrorCode = "checksum_policy"
	CodeRemoteUnavailable ErrorCode = "remote_unavailable"
	CodeTransport         ErrorCode = "transport"
	CodeInvalidArgument   ErrorCode = "invalid_argument"
	CodeInternal          ErrorCode = "internal"

	// Process outcome codes.
	CodeCanceled         ErrorCode = "canceled"
	CodeHeartbeatExpired ErrorCode = "heartbeat_expired"
	CodeRuntime          ErrorCode = "runtime"
)

// Error is the serializable form of an error. It is used both on the wire
// and as a process's recorded error outcome.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message,omitempty"`
}

// NewError builds an Error with a formatted message.
func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is maps wire codes back onto the sentinel errors so errors.Is works on
// errors decoded from a remote.
func (e *Error) Is(target error) bool {
	return sentinelFor(e.Code) == target
}

func sentinelFor(code ErrorCode) error {
	switch code {
	case CodeNotFound:
		return ErrNotFound
	case CodeInvalidTransition:
		return ErrInvalidTransition
	case CodeChecksumPolicy:
		return ErrChecksumPolicy
	case CodeRemoteUnavailable:
		return ErrRemoteUnavailable
	case CodeTransport:
		return ErrTransport
	case CodeInvalidArgument:
		return ErrInvalidArgument
	default:
		return nil
	}
}

// ToError converts any error into its wire form. RemoteUnavailable wins
// over whatever the individual remotes answered.
func ToError(err error) *Error {
	if errors.Is(err, ErrRemoteUnavailable) {
		return &Error{Code: CodeRemoteUnavailable, Message: err.Error()}
	}
	var wire *Error
	if errors.As(err, &wire) {
		return wire
	}
	code := CodeInternal
	switch {
	case errors.Is(err, ErrNotFound):
		code = CodeNotFound
	case errors.Is(err, ErrInvalidTransition):
		code = CodeInvalidTransition
	case errors.Is(err, ErrChecksumPolicy):
		code = CodeChecksumPolicy
	case errors.Is(err, ErrTransport):
		code = CodeTransport
	case errors.Is(err, ErrInvalidArgument):
		code = CodeInvalidArgument
	}
	return &Error{Code: code, Message: err.Error()}
}

// HTTPStatus returns the status code used to report err over HTTP.
func HTTPStatus(err error) int {
	switch ToError(err).Code {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidTransition:
		return http.StatusConflict
	case CodeChecksumPolicy, CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeRemoteUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

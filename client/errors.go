package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/tomyedwab/tangram/types"
)

// ErrorType represents different categories of errors
type ErrorType int

const (
	// ErrorTypeUnknown represents an unknown error
	ErrorTypeUnknown ErrorType = iota
	// ErrorTypeNetwork represents network-related errors
	ErrorTypeNetwork
	// ErrorTypeAuthentication represents authentication-related errors
	ErrorTypeAuthentication
	// ErrorTypeAPI represents errors reported by the server
	ErrorTypeAPI
)

// Error represents a structured error with type information
type Error struct {
	Type       ErrorType
	Message    string
	StatusCode int
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause. For API errors this is the server's
// *types.Error, so errors.Is matches the sentinel it was encoded from.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is makes network failures match types.ErrTransport.
func (e *Error) Is(target error) bool {
	return e.Type == ErrorTypeNetwork && target == types.ErrTransport
}

func (e *Error) IsType(errorType ErrorType) bool {
	return e.Type == errorType
}

func NewNetworkError(message string, cause error) *Error {
	return &Error{Type: ErrorTypeNetwork, Message: message, Cause: cause}
}

// IsNetworkError checks if an error is network-related
func IsNetworkError(err error) bool {
	var cErr *Error
	return errors.As(err, &cErr) && cErr.IsType(ErrorTypeNetwork)
}

// IsAuthenticationError checks if an error is authentication-related
func IsAuthenticationError(err error) bool {
	var cErr *Error
	return errors.As(err, &cErr) && cErr.IsType(ErrorTypeAuthentication)
}

// wrapHTTPError turns a non-2xx response into an Error, decoding the
// server's {code, message} body when present.
func wrapHTTPError(resp *http.Response, message string) *Error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	message = fmt.Sprintf("%s: %s", message, resp.Status)

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &Error{Type: ErrorTypeAuthentication, Message: message, StatusCode: resp.StatusCode}
	}

	var wire types.Error
	if err := json.Unmarshal(body, &wire); err != nil || wire.Code == "" {
		if resp.StatusCode >= http.StatusInternalServerError {
			// A proxy or a crashed handler; the peer could not serve.
			return &Error{Type: ErrorTypeNetwork, Message: message, StatusCode: resp.StatusCode}
		}
		return &Error{Type: ErrorTypeAPI, Message: message, StatusCode: resp.StatusCode}
	}
	return &Error{Type: ErrorTypeAPI, Message: message, StatusCode: resp.StatusCode, Cause: &wire}
}

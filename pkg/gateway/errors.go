package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrNoRefreshToken means a local refresh was attempted without a stored
	// refresh token.
	ErrNoRefreshToken = errors.New("gateway: no refresh token stored")
	// ErrNoLoginMethod means the store carries no login marker, so the
	// refresh path cannot be chosen.
	ErrNoLoginMethod = errors.New("gateway: no login method recorded")
	// ErrFederatedUnavailable means a federated session needs renewal but no
	// identity provider is wired in.
	ErrFederatedUnavailable = errors.New("gateway: federated renewal unavailable")
	// ErrSessionEnded means the credentials were cleared while a request was
	// in flight.
	ErrSessionEnded = errors.New("gateway: session already ended")
	// ErrMalformedResponse reports a 2xx reply that lacks required fields.
	ErrMalformedResponse = errors.New("gateway: malformed response")
)

// APIError is a non-2xx backend reply other than 401.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("gateway: %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("gateway: %d %s", e.StatusCode, e.Code)
}

// AuthError is an authorization failure. Terminated is set when the gateway
// gave up on the session and cleared every stored credential.
type AuthError struct {
	StatusCode int
	Code       string
	Message    string
	Terminated bool
	// Cause is the refresh failure that ended the session, if any.
	Cause error
}

func (e *AuthError) Error() string {
	msg := fmt.Sprintf("gateway: %d %s", e.StatusCode, e.Code)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Terminated {
		msg += " (session terminated)"
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *AuthError) Unwrap() error { return e.Cause }

// NetworkError is a transport failure or timeout. It never mutates stored
// credentials and never triggers a refresh.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("gateway: %s: %v", e.Op, e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// Timeout reports whether the failure was a deadline.
func (e *NetworkError) Timeout() bool {
	var t interface{ Timeout() bool }
	return errors.As(e.Err, &t) && t.Timeout()
}

// IsTerminated reports whether err ended the session.
func IsTerminated(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae) && ae.Terminated
}

// IsNetwork reports whether err is a transport failure.
func IsNetwork(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// IsUnauthorized reports whether err is an authorization failure.
func IsUnauthorized(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// parseErrorResponse maps a failed reply to AuthError (401) or APIError.
// Both {"code","message"} and OAuth2 style {"error","error_description"}
// bodies are understood.
func parseErrorResponse(resp *http.Response, body []byte) error {
	var payload struct {
		Code             string `json:"code"`
		Message          string `json:"message"`
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	_ = json.Unmarshal(body, &payload)

	code := payload.Code
	if code == "" {
		code = payload.Error
	}
	if code == "" {
		code = strings.ToLower(strings.ReplaceAll(http.StatusText(resp.StatusCode), " ", "_"))
	}
	msg := payload.Message
	if msg == "" {
		msg = payload.ErrorDescription
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return &AuthError{StatusCode: resp.StatusCode, Code: code, Message: msg}
	}
	return &APIError{StatusCode: resp.StatusCode, Code: code, Message: msg}
}

package idp

import "errors"

var (
	// ErrDisabled is returned by every adapter operation when federated login
	// is switched off or its configuration is incomplete.
	ErrDisabled = errors.New("idp: federated login disabled")
	// ErrUnavailable wraps provider transport and discovery failures.
	ErrUnavailable = errors.New("idp: provider unavailable")
	// ErrNotAuthenticated means the provider holds no usable session.
	ErrNotAuthenticated = errors.New("idp: not authenticated")
	// ErrStateMismatch means a callback did not belong to the pending login.
	ErrStateMismatch = errors.New("idp: state mismatch")
	// ErrLoginDenied means the provider redirected back with an error.
	ErrLoginDenied = errors.New("idp: login denied by provider")
	// ErrSuperseded means the stored federated session changed while a
	// renewal was in flight; the renewed tokens were dropped.
	ErrSuperseded = errors.New("idp: federated session changed during renewal")
	// ErrConfig reports an incomplete provider configuration.
	ErrConfig = errors.New("idp: invalid configuration")
)

// Package idp bridges the client session to an external OpenID Connect
// identity provider: silent startup check, interactive login via redirect,
// logout, and scheduled token renewal.
package idp

import (
	"context"
	"time"

	"github.com/aussiebroadwan/attendance/pkg/credstore"
)

// ForceRenewal asks UpdateToken to refresh regardless of remaining validity.
const ForceRenewal time.Duration = -1

// InitOptions controls Provider.Init.
type InitOptions struct {
	// SilentCheck restores the session without any interactive step.
	SilentCheck bool
	// Tokens previously persisted by the credential store, if any.
	Tokens credstore.FederatedTokens
}

// Provider is the federated identity client the Adapter drives.
type Provider interface {
	// Init reports whether the provider holds an authenticated session.
	Init(ctx context.Context, opts InitOptions) (bool, error)
	// LoginURL starts an interactive login and returns where to send the user.
	LoginURL(ctx context.Context) (string, error)
	// HandleCallback consumes the URL the provider redirected back to.
	HandleCallback(ctx context.Context, callbackURL string) error
	// LogoutURL drops the local provider session and returns the provider's
	// end-session URL, or "" when it has none.
	LogoutURL(ctx context.Context) (string, error)
	// UpdateToken refreshes when less than minValidity remains and reports
	// whether a refresh happened. It makes no network call otherwise.
	UpdateToken(ctx context.Context, minValidity time.Duration) (bool, error)
	Tokens() credstore.FederatedTokens
	Authenticated() bool
}

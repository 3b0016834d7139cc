package session

import (
	"context"

	"github.com/aussiebroadwan/attendance/pkg/credstore"
	"github.com/aussiebroadwan/attendance/pkg/gateway"
)

// API is the backend surface the manager drives; gateway.Client implements
// it.
type API interface {
	Login(ctx context.Context, account, password string) (*gateway.TokenResponse, error)
	ExchangeFederated(ctx context.Context, tokens credstore.FederatedTokens) (*gateway.TokenResponse, error)
	Refresh(ctx context.Context) (*gateway.TokenResponse, error)
	Logout(ctx context.Context, refreshToken string) error
	ForceLogout(ctx context.Context, app credstore.ApplicationTokens, fed credstore.FederatedTokens) (bool, error)
	Profile(ctx context.Context) (*gateway.UserProfile, error)
}

// IdentityProvider is the federated login surface; idp.Adapter implements
// it.
type IdentityProvider interface {
	Enabled() bool
	Initialize(ctx context.Context) bool
	Login(ctx context.Context) (string, error)
	CompleteLogin(ctx context.Context, callbackURL string) (credstore.FederatedTokens, error)
	Logout(ctx context.Context) (string, error)
	StartRenewal()
	StopRenewal()
}

// Metrics receives state transitions.
type Metrics interface {
	ObserveTransition(to string)
	ObserveForcedLogout(reason string)
}

type nopMetrics struct{}

func (nopMetrics) ObserveTransition(string)   {}
func (nopMetrics) ObserveForcedLogout(string) {}

// RedirectFunc sends the user to authURL and returns the URL the provider
// redirected back to.
type RedirectFunc func(ctx context.Context, authURL string) (callbackURL string, err error)

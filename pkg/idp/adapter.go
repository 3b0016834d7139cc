package idp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aussiebroadwan/attendance/pkg/credstore"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultRenewalInterval = 30 * time.Second
	DefaultMinValidity     = 70 * time.Second
	defaultRenewalTimeout  = 10 * time.Second
)

// Config switches federated login on and tunes the renewal loop.
type Config struct {
	Enabled bool
	OIDC    OIDCConfig

	RenewalInterval time.Duration
	MinValidity     time.Duration
	RenewalTimeout  time.Duration
}

// Metrics receives renewal outcomes.
type Metrics interface {
	ObserveRefresh(method, result string)
}

type nopMetrics struct{}

func (nopMetrics) ObserveRefresh(string, string) {}

// Adapter owns the federated half of the session: it keeps the provider and
// the credential store in step and runs the renewal loop.
//
// A disabled Adapter is a valid value. Every operation then fails with
// ErrDisabled and Initialize reports false, so callers run without
// federated login instead of failing to start.
type Adapter struct {
	cfg      Config
	provider Provider
	store    credstore.Store
	logger   *slog.Logger
	metrics  Metrics
	enabled  bool

	flight singleflight.Group

	mu        sync.Mutex
	renewal   *renewalLoop
	onFailure func(error)
}

type renewalLoop struct {
	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds an Adapter. It never fails: a disabled switch or a config that
// does not validate yields a disabled adapter. When provider is nil an
// OIDCProvider is built from cfg.OIDC.
func New(cfg Config, provider Provider, store credstore.Store, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RenewalInterval <= 0 {
		cfg.RenewalInterval = DefaultRenewalInterval
	}
	if cfg.MinValidity <= 0 {
		cfg.MinValidity = DefaultMinValidity
	}
	if cfg.RenewalTimeout <= 0 {
		cfg.RenewalTimeout = defaultRenewalTimeout
	}

	a := &Adapter{
		cfg:     cfg,
		store:   store,
		logger:  logger.With("component", "idp"),
		metrics: nopMetrics{},
	}

	if !cfg.Enabled {
		a.logger.Info("federated login disabled")
		return a
	}
	if err := cfg.OIDC.Validate(); err != nil {
		a.logger.Warn("federated login configuration incomplete, disabling", "err", err)
		return a
	}
	if provider == nil {
		p, err := NewOIDCProvider(cfg.OIDC)
		if err != nil {
			a.logger.Warn("federated provider unusable, disabling", "err", err)
			return a
		}
		provider = p
	}

	a.provider = provider
	a.enabled = true
	return a
}

// SetMetrics installs a metrics sink.
func (a *Adapter) SetMetrics(m Metrics) {
	if m != nil {
		a.metrics = m
	}
}

// SetRenewalFailureHandler registers fn to run after the renewal loop gave
// up on the federated session. fn runs on the loop goroutine after the loop
// has been detached, so it may call StopRenewal or StartRenewal.
func (a *Adapter) SetRenewalFailureHandler(fn func(error)) {
	a.mu.Lock()
	a.onFailure = fn
	a.mu.Unlock()
}

func (a *Adapter) Enabled() bool { return a.enabled }

// MinValidity is the renewal threshold the adapter was configured with.
func (a *Adapter) MinValidity() time.Duration { return a.cfg.MinValidity }

// Initialize performs the silent startup check. Any failure resolves to false.
func (a *Adapter) Initialize(ctx context.Context) bool {
	if !a.enabled {
		return false
	}

	var stored credstore.FederatedTokens
	if snap, err := a.store.Snapshot(ctx); err != nil {
		a.logger.Warn("read federated tokens failed", "err", err)
	} else if fed := snap.Federated(); fed.Complete() {
		stored = fed
	}

	ok, err := a.provider.Init(ctx, InitOptions{SilentCheck: true, Tokens: stored})
	if err != nil {
		a.logger.Warn("federated provider check failed", "err", err)
		return false
	}
	if !ok {
		return false
	}

	// Init may have renewed expired tokens on the way.
	if current := a.provider.Tokens(); current.Complete() && stored.Complete() && current != stored {
		if err := a.store.Write(ctx, current.Set()); err != nil {
			a.logger.Warn("persist renewed federated tokens failed", "err", err)
		}
	}
	return true
}

// Login returns the provider URL that starts an interactive login.
func (a *Adapter) Login(ctx context.Context) (string, error) {
	if !a.enabled {
		return "", ErrDisabled
	}
	return a.provider.LoginURL(ctx)
}

// CompleteLogin finishes an interactive login from the redirect-back URL.
// It does not touch the store; the caller persists the tokens together with
// the application tokens they are exchanged for.
func (a *Adapter) CompleteLogin(ctx context.Context, callbackURL string) (credstore.FederatedTokens, error) {
	if !a.enabled {
		return credstore.FederatedTokens{}, ErrDisabled
	}
	if err := a.provider.HandleCallback(ctx, callbackURL); err != nil {
		return credstore.FederatedTokens{}, err
	}

	tokens := a.provider.Tokens()
	if !tokens.Complete() {
		return credstore.FederatedTokens{}, fmt.Errorf("%w: provider returned an incomplete token set", ErrNotAuthenticated)
	}
	return tokens, nil
}

// Logout clears the federated tokens and returns the provider end-session
// URL. The store is cleared even when the provider cannot be reached.
func (a *Adapter) Logout(ctx context.Context) (string, error) {
	clearErr := a.store.Clear(ctx, credstore.ScopeFederated)
	if !a.enabled {
		return "", errors.Join(ErrDisabled, clearErr)
	}

	u, err := a.provider.LogoutURL(ctx)
	return u, errors.Join(err, clearErr)
}

// Renew asks the provider to refresh when less than minValidity remains and
// persists the new triple. Concurrent callers share one provider call.
//
// The triple is only written over the federated session it was renewed
// from; if that session was logged out or replaced meanwhile, Renew returns
// ErrSuperseded and the store is left as it is.
func (a *Adapter) Renew(ctx context.Context, minValidity time.Duration) (bool, error) {
	if !a.enabled {
		return false, ErrDisabled
	}

	v, err, _ := a.flight.Do("renew", func() (any, error) {
		held, _, err := a.store.Read(ctx, credstore.KeyFederatedRefresh)
		if err != nil {
			return false, fmt.Errorf("idp: read federated tokens: %w", err)
		}

		refreshed, err := a.provider.UpdateToken(ctx, minValidity)
		if err != nil {
			a.metrics.ObserveRefresh("federated_provider", "failure")
			return false, err
		}
		if !refreshed {
			return false, nil
		}

		tokens := a.provider.Tokens()
		if !tokens.Complete() {
			a.metrics.ObserveRefresh("federated_provider", "failure")
			return false, fmt.Errorf("%w: renewal produced an incomplete token set", ErrNotAuthenticated)
		}
		expect := credstore.Set{
			credstore.KeyFederatedRefresh: held,
			credstore.KeyLoginMethod:      string(credstore.MethodFederated),
		}
		stored, err := a.store.CompareAndWrite(ctx, expect, tokens.Set())
		if err != nil {
			return false, fmt.Errorf("idp: persist renewed tokens: %w", err)
		}
		if !stored {
			a.metrics.ObserveRefresh("federated_provider", "superseded")
			a.logger.Info("federated session changed during renewal, dropping renewed tokens")
			return false, ErrSuperseded
		}
		a.metrics.ObserveRefresh("federated_provider", "success")
		a.logger.Debug("federated tokens renewed")
		return true, nil
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

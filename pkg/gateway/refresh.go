package gateway

import (
	"context"
	"fmt"

	"github.com/aussiebroadwan/attendance/pkg/credstore"
	"github.com/aussiebroadwan/attendance/pkg/cryptox"
)

// Refresh renews the application tokens along the path the login marker
// selects and stores the new pair. Concurrent callers share one refresh; it
// runs detached from the first caller's cancellation, bounded by twice the
// request timeout since the federated path makes two calls.
//
// The new pair is stored only if the session it was refreshed from is still
// the stored one. Otherwise it is dropped and ErrSessionEnded is returned.
func (c *Client) Refresh(ctx context.Context) (*TokenResponse, error) {
	v, err, _ := c.flight.Do("refresh", func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*c.cfg.Timeout)
		defer cancel()
		return c.refresh(fctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*TokenResponse), nil
}

func (c *Client) refresh(ctx context.Context) (*TokenResponse, error) {
	snap, err := c.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	method, _, err := snap.Resolve()
	if err != nil {
		return nil, err
	}

	refreshToken := snap.Application().RefreshToken
	var (
		resp  *TokenResponse
		label string
	)
	switch method {
	case credstore.MethodLocal:
		label = "local"
		resp, err = c.refreshLocal(ctx, refreshToken)
	case credstore.MethodFederated:
		label = "federated"
		resp, err = c.refreshFederated(ctx)
	default:
		return nil, ErrNoLoginMethod
	}
	if err != nil {
		c.metrics.ObserveRefresh(label, "failure")
		return nil, err
	}

	expect := credstore.Set{
		credstore.KeyLoginMethod:  string(method),
		credstore.KeyRefreshToken: refreshToken,
	}
	pair := credstore.ApplicationTokens{AccessToken: resp.AccessToken, RefreshToken: resp.RefreshToken}
	stored, err := c.store.CompareAndWrite(ctx, expect, pair.Set())
	if err != nil {
		c.metrics.ObserveRefresh(label, "failure")
		return nil, fmt.Errorf("gateway: store refreshed tokens: %w", err)
	}
	if !stored {
		c.metrics.ObserveRefresh(label, "superseded")
		c.logger.Info("session changed during refresh, dropping new tokens",
			"method", label,
			"refresh_fp", cryptox.FingerprintToken(refreshToken),
		)
		return nil, ErrSessionEnded
	}

	c.metrics.ObserveRefresh(label, "success")
	c.logger.Debug("application tokens refreshed",
		"method", label,
		"refresh_fp", cryptox.FingerprintToken(refreshToken),
	)
	return resp, nil
}

func (c *Client) refreshLocal(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	if refreshToken == "" {
		return nil, ErrNoRefreshToken
	}
	return c.postTokens(ctx, c.cfg.Paths.Refresh, refreshRequest{RefreshToken: refreshToken})
}

func (c *Client) refreshFederated(ctx context.Context) (*TokenResponse, error) {
	if c.renewer == nil {
		return nil, ErrFederatedUnavailable
	}
	if _, err := c.renewer.Renew(ctx, c.cfg.FederatedMinValidity); err != nil {
		return nil, fmt.Errorf("gateway: renew federated tokens: %w", err)
	}

	snap, err := c.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	fed := snap.Federated()
	if !fed.Complete() {
		return nil, ErrSessionEnded
	}
	return c.ExchangeFederated(ctx, fed)
}

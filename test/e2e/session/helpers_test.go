package session_test

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/aussiebroadwan/attendance/internal/app"
	"github.com/aussiebroadwan/attendance/internal/devstack/backend"
	"github.com/aussiebroadwan/attendance/internal/devstack/provider"
	"github.com/aussiebroadwan/attendance/pkg/credstore"
	"github.com/aussiebroadwan/attendance/pkg/slogx"
	"github.com/stretchr/testify/require"
)

/*
 * Shared fixtures for the session end-to-end tests. Every test gets its own
 * development backend and identity provider on httptest servers, and its own
 * credential store.
 */

const (
	clientID = "attendance-desktop"
	account  = "employee"
	password = "password123"
)

type stack struct {
	api    *backend.Server
	idp    *provider.Server
	apiURL string
	idpURL string
}

type stackOptions struct {
	idpAccessTTL time.Duration
	backend      backend.Config
}

func newStack(t *testing.T, opts stackOptions) *stack {
	t.Helper()

	idp, err := provider.New(provider.Config{
		ClientID:       clientID,
		AccessTokenTTL: opts.idpAccessTTL,
		Logger:         slogx.Discard(),
	})
	require.NoError(t, err)
	idpSrv := httptest.NewServer(idp)
	t.Cleanup(idpSrv.Close)

	cfg := opts.backend
	cfg.FederatedVerifier = idp
	cfg.Logger = slogx.Discard()
	api, err := backend.New(cfg)
	require.NoError(t, err)
	apiSrv := httptest.NewServer(api)
	t.Cleanup(apiSrv.Close)

	return &stack{api: api, idp: idp, apiURL: apiSrv.URL + "/api", idpURL: idpSrv.URL}
}

// config returns an application config pointing at the stack, with SSO
// enabled and a SQLite store in storeDir.
func (s *stack) config(t *testing.T, storeDir string) app.Config {
	t.Helper()
	cfg := app.DefaultConfig()
	cfg.APIURL = s.apiURL
	cfg.APITimeout = 5 * time.Second
	cfg.StoreDriver = credstore.DriverSQLite
	cfg.StorePath = filepath.Join(storeDir, "credentials.db")
	cfg.SSOEnabled = true
	cfg.SSOIssuer = s.idpURL
	cfg.SSOClientID = clientID
	cfg.SSORedirectURL = freeRedirectURL(t)
	return cfg
}

func newApp(t *testing.T, cfg app.Config) *app.Application {
	t.Helper()
	a, err := app.New(context.Background(), cfg, app.WithLogger(slogx.Discard()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Shutdown() })
	return a
}

// freeRedirectURL reserves a loopback port for the login callback.
func freeRedirectURL(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return "http://" + addr + "/callback"
}

// browser opens authURL like a user agent would: it follows the provider
// redirect back to the loopback callback.
func browser(authURL string) error {
	go func() {
		resp, err := http.Get(authURL)
		if err == nil {
			resp.Body.Close()
		}
	}()
	return nil
}

// ssoLogin runs a complete federated login through the loopback callback.
func ssoLogin(t *testing.T, a *app.Application) error {
	t.Helper()
	cb, err := app.ListenCallback(a.Config().SSORedirectURL, slogx.Discard())
	require.NoError(t, err)
	defer cb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return a.Session().SSOLogin(ctx, cb.Redirect(browser))
}

func snapshot(t *testing.T, a *app.Application) credstore.Snapshot {
	t.Helper()
	snap, err := a.Store().Snapshot(context.Background())
	require.NoError(t, err)
	return snap
}

// requireResolves checks that the stored credentials describe exactly the
// expected login method.
func requireResolves(t *testing.T, a *app.Application, want credstore.LoginMethod) {
	t.Helper()
	method, res, err := snapshot(t, a).Resolve()
	require.NoError(t, err)
	require.Equal(t, want, method)
	require.False(t, res.StaleFederated)
}

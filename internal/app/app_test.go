package app

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/aussiebroadwan/attendance/internal/devstack/backend"
	"github.com/aussiebroadwan/attendance/pkg/credstore"
	"github.com/aussiebroadwan/attendance/pkg/session"
	"github.com/aussiebroadwan/attendance/pkg/slogx"
)

func newTestApp(t *testing.T) (*Application, *backend.Server) {
	t.Helper()
	srv, err := backend.New(backend.Config{Logger: slogx.Discard()})
	require.NoError(t, err)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	cfg := DefaultConfig()
	cfg.APIURL = ts.URL + "/api"
	cfg.StoreDriver = credstore.DriverMemory
	cfg.RecheckInterval = 10 * time.Millisecond

	app, err := New(context.Background(), cfg, WithLogger(slogx.Discard()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Shutdown() })
	return app, srv
}

func TestNew_WiresComponents(t *testing.T) {
	t.Parallel()
	app, _ := newTestApp(t)

	require.False(t, app.IdentityProvider().Enabled())
	require.Equal(t, session.StateLoggedOut, app.Session().Status().State)

	require.NoError(t, app.Session().Login(context.Background(), "employee", "password123"))
	require.Equal(t, "acc-1001", app.Session().User().AccountID)

	count, err := testutil.GatherAndCount(app.Registry(), "attendance_auth_transitions_total")
	require.NoError(t, err)
	require.Positive(t, count)
}

func TestRun_NotSignedIn(t *testing.T) {
	t.Parallel()
	app, _ := newTestApp(t)
	require.ErrorIs(t, app.Run(context.Background()), ErrNotSignedIn)
}

func TestRun_StopsOnCancel(t *testing.T) {
	t.Parallel()
	app, srv := newTestApp(t)
	require.NoError(t, app.Session().Login(context.Background(), "employee", "password123"))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- app.Run(ctx) }()

	require.Eventually(t, func() bool { return srv.Calls("/auth/refresh") >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-errCh)
}

func TestRun_EndsWithSession(t *testing.T) {
	t.Parallel()
	app, srv := newTestApp(t)
	require.NoError(t, app.Session().Login(context.Background(), "employee", "password123"))

	errCh := make(chan error, 1)
	go func() { errCh <- app.Run(context.Background()) }()

	require.Eventually(t, func() bool { return srv.Calls("/auth/refresh") >= 1 }, 2*time.Second, 5*time.Millisecond)
	srv.RevokeRefreshTokens()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrSessionEnded)
	case <-time.After(5 * time.Second):
		t.Fatal("keepalive did not notice the revoked session")
	}
}

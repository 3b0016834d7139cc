package app

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aussiebroadwan/attendance/pkg/slogx"
)

func newTestCallback(t *testing.T) *Callback {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	cb := NewCallback(ln, "/callback", slogx.Discard())
	t.Cleanup(func() { _ = cb.Close() })
	return cb
}

func TestCallback_ReturnsRedirectURL(t *testing.T) {
	t.Parallel()
	cb := newTestCallback(t)

	var opened string
	redirect := cb.Redirect(func(authURL string) error {
		opened = authURL
		go func() {
			resp, err := http.Get(cb.URL() + "?code=abc&state=xyz")
			if err == nil {
				resp.Body.Close()
			}
		}()
		return nil
	})

	got, err := redirect(context.Background(), "https://idp.example/authorize")
	require.NoError(t, err)
	require.Equal(t, "https://idp.example/authorize", opened)

	u, err := url.Parse(got)
	require.NoError(t, err)
	require.Equal(t, "/callback", u.Path)
	require.Equal(t, "abc", u.Query().Get("code"))
	require.Equal(t, "xyz", u.Query().Get("state"))
}

func TestCallback_Timeout(t *testing.T) {
	t.Parallel()
	cb := newTestCallback(t)
	cb.timeout = 20 * time.Millisecond

	_, err := cb.Redirect(func(string) error { return nil })(context.Background(), "https://idp.example/authorize")
	require.ErrorIs(t, err, ErrCallbackTimeout)
}

func TestCallback_Cancelled(t *testing.T) {
	t.Parallel()
	cb := newTestCallback(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := cb.Redirect(func(string) error { return nil })(ctx, "https://idp.example/authorize")
	require.ErrorIs(t, err, context.Canceled)
}

func TestListenCallback_InvalidURL(t *testing.T) {
	t.Parallel()
	_, err := ListenCallback("not a url", slogx.Discard())
	require.Error(t, err)
}

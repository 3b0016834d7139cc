package gateway_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aussiebroadwan/attendance/pkg/credstore"
	"github.com/aussiebroadwan/attendance/pkg/cryptox"
	"github.com/aussiebroadwan/attendance/pkg/gateway"
	"github.com/aussiebroadwan/attendance/pkg/slogx"
	"github.com/stretchr/testify/require"
)

// fakeBackend accepts exactly one access token at a time and rotates it on
// refresh.
type fakeBackend struct {
	mu            sync.Mutex
	validAccess   string
	validRefresh  string
	generation    int
	refreshDelay  time.Duration
	refreshStatus int
	rejectAll     bool

	refreshCalls  atomic.Int32
	exchangeCalls atomic.Int32
	lastSSOHeader atomic.Value
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{validAccess: "at-1", validRefresh: "rt-1", generation: 1}
}

func (b *fakeBackend) rotate() gateway.TokenResponse {
	b.generation++
	b.validAccess = "at-" + string(rune('0'+b.generation))
	b.validRefresh = "rt-" + string(rune('0'+b.generation))
	return gateway.TokenResponse{AccessToken: b.validAccess, RefreshToken: b.validRefresh}
}

func (b *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	writeJSON := func(code int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(v)
	}

	switch r.URL.Path {
	case "/api/login":
		var in gateway.LoginRequest
		_ = json.NewDecoder(r.Body).Decode(&in)
		if r.Header.Get("Authorization") != "" {
			writeJSON(http.StatusBadRequest, map[string]string{"code": "unexpected_bearer"})
			return
		}
		if in.Password != "secret" {
			writeJSON(http.StatusUnauthorized, map[string]string{"code": "invalid_credentials", "message": "wrong account or password"})
			return
		}
		b.mu.Lock()
		resp := b.rotate()
		b.mu.Unlock()
		writeJSON(http.StatusOK, resp)

	case "/api/auth/refresh":
		b.refreshCalls.Add(1)
		time.Sleep(b.refreshDelay)
		var in struct {
			RefreshToken string `json:"refreshToken"`
		}
		_ = json.NewDecoder(r.Body).Decode(&in)

		b.mu.Lock()
		defer b.mu.Unlock()
		if b.refreshStatus != 0 {
			writeJSON(b.refreshStatus, map[string]string{"code": "refresh_failed"})
			return
		}
		if in.RefreshToken != b.validRefresh {
			writeJSON(http.StatusUnauthorized, map[string]string{"code": "invalid_refresh_token"})
			return
		}
		writeJSON(http.StatusOK, b.rotate())

	case "/api/sso_token":
		b.exchangeCalls.Add(1)
		b.lastSSOHeader.Store(r.Header.Get(gateway.HeaderFederatedAccessToken))
		if r.Header.Get(gateway.HeaderFederatedIDToken) == "" {
			writeJSON(http.StatusUnauthorized, map[string]string{"code": "missing_sso_tokens"})
			return
		}
		b.mu.Lock()
		resp := b.rotate()
		b.mu.Unlock()
		writeJSON(http.StatusOK, resp)

	case "/api/auth/logout":
		w.WriteHeader(http.StatusNoContent)

	case "/api/auth/force_logout":
		http.NotFound(w, r)

	case "/api/slow":
		time.Sleep(300 * time.Millisecond)
		writeJSON(http.StatusOK, map[string]string{"ok": "late"})

	default:
		b.mu.Lock()
		ok := !b.rejectAll && r.Header.Get("Authorization") == "Bearer "+b.validAccess
		b.mu.Unlock()
		if !ok {
			writeJSON(http.StatusUnauthorized, map[string]string{"code": "token_expired"})
			return
		}
		if r.URL.Path == "/api/echo" {
			body, _ := io.ReadAll(r.Body)
			writeJSON(http.StatusOK, map[string]string{"body": string(body)})
			return
		}
		writeJSON(http.StatusOK, gateway.UserProfile{AccountID: "E001", DisplayName: "Alice", Role: "employee"})
	}
}

func setup(t *testing.T, backend *fakeBackend, renewer gateway.Renewer) (*gateway.Client, credstore.Store) {
	t.Helper()

	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)

	store := credstore.NewMemory()
	client := gateway.New(gateway.Config{
		BaseURL: srv.URL + "/api",
		Timeout: 100 * time.Millisecond,
	}, store, renewer, slogx.Discard())
	return client, store
}

func storeLocal(t *testing.T, store credstore.Store, access, refresh string) {
	t.Helper()
	require.NoError(t, store.Write(context.Background(), credstore.Merge(
		credstore.ApplicationTokens{AccessToken: access, RefreshToken: refresh}.Set(),
		credstore.Set{credstore.KeyLoginMethod: string(credstore.MethodLocal)},
	)))
}

func TestLoginUsesBareTransport(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	backend := newFakeBackend()
	client, store := setup(t, backend, nil)
	storeLocal(t, store, "at-1", "rt-1")

	resp, err := client.Login(ctx, "alice", "secret")
	require.NoError(t, err)
	require.Equal(t, "at-2", resp.AccessToken)

	_, err = client.Login(ctx, "alice", "wrong")
	var authErr *gateway.AuthError
	require.ErrorAs(t, err, &authErr)
	require.Equal(t, "invalid_credentials", authErr.Code)
	require.False(t, authErr.Terminated)
	require.Zero(t, backend.refreshCalls.Load(), "login failures never refresh")
}

func TestBearerIsReadFreshFromStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	backend := newFakeBackend()
	client, store := setup(t, backend, nil)
	storeLocal(t, store, "at-1", "rt-1")

	_, err := client.Profile(ctx)
	require.NoError(t, err)

	backend.mu.Lock()
	backend.validAccess = "at-external"
	backend.mu.Unlock()
	require.NoError(t, store.Write(ctx, credstore.Set{credstore.KeyAccessToken: "at-external"}))

	_, err = client.Profile(ctx)
	require.NoError(t, err)
	require.Zero(t, backend.refreshCalls.Load())
}

func TestUnauthorizedIsRecoveredWithOneRefresh(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	backend := newFakeBackend()
	client, store := setup(t, backend, nil)
	storeLocal(t, store, "at-1", "rt-1")

	// The backend has moved on: at-1 is no longer accepted but rt-1 is.
	backend.mu.Lock()
	backend.validAccess = "at-revoked"
	backend.mu.Unlock()

	profile, err := client.Profile(ctx)
	require.NoError(t, err)
	require.Equal(t, "E001", profile.AccountID)
	require.EqualValues(t, 1, backend.refreshCalls.Load())

	snap, err := store.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, credstore.ApplicationTokens{AccessToken: "at-2", RefreshToken: "rt-2"}, snap.Application())
	require.Equal(t, credstore.MethodLocal, snap.Method())
}

func TestConcurrentUnauthorizedShareOneRefresh(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	backend := newFakeBackend()
	backend.refreshDelay = 30 * time.Millisecond
	client, store := setup(t, backend, nil)
	storeLocal(t, store, "at-1", "rt-1")

	backend.mu.Lock()
	backend.validAccess = "at-revoked"
	backend.mu.Unlock()

	const n = 12
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := client.Profile(ctx)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	require.EqualValues(t, 1, backend.refreshCalls.Load())
}

func TestRejectedRefreshTerminatesSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	backend := newFakeBackend()
	client, store := setup(t, backend, nil)
	storeLocal(t, store, "at-old", "rt-old")

	var terminated atomic.Int32
	client.SetTerminationHandler(func(err error) {
		require.True(t, gateway.IsTerminated(err))
		terminated.Add(1)
	})

	_, err := client.Profile(ctx)
	require.True(t, gateway.IsTerminated(err))

	var authErr *gateway.AuthError
	require.ErrorAs(t, err, &authErr)
	require.Equal(t, http.StatusUnauthorized, authErr.StatusCode)
	require.Equal(t, "token_expired", authErr.Code)
	require.EqualValues(t, 1, terminated.Load())

	snap, err := store.Snapshot(ctx)
	require.NoError(t, err)
	require.True(t, snap.Empty())
}

func TestSecondUnauthorizedAfterRefreshIsTerminal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	backend := newFakeBackend()
	backend.rejectAll = true
	client, store := setup(t, backend, nil)
	storeLocal(t, store, "at-1", "rt-1")

	_, err := client.Profile(ctx)
	require.True(t, gateway.IsTerminated(err))
	require.EqualValues(t, 1, backend.refreshCalls.Load())

	snap, err := store.Snapshot(ctx)
	require.NoError(t, err)
	require.True(t, snap.Empty())
}

func TestTimeoutIsNetworkErrorAndNotRetried(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	backend := newFakeBackend()
	client, store := setup(t, backend, nil)
	storeLocal(t, store, "at-1", "rt-1")

	err := client.DoJSON(ctx, http.MethodGet, "/slow", nil, nil)
	var netErr *gateway.NetworkError
	require.ErrorAs(t, err, &netErr)
	require.True(t, netErr.Timeout())
	require.False(t, gateway.IsUnauthorized(err))
	require.Zero(t, backend.refreshCalls.Load())

	snap, err := store.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, "at-1", snap.Application().AccessToken)
}

func TestRefreshNetworkFailureKeepsCredentials(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	backend := newFakeBackend()
	backend.refreshDelay = 300 * time.Millisecond
	client, store := setup(t, backend, nil)
	storeLocal(t, store, "at-old", "rt-1")

	_, err := client.Profile(ctx)
	require.True(t, gateway.IsNetwork(err))
	require.False(t, gateway.IsTerminated(err))

	snap, err := store.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, "rt-1", snap.Application().RefreshToken)
}

func TestLogoutDuringRefreshDropsNewTokens(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	backend := newFakeBackend()
	backend.refreshDelay = 50 * time.Millisecond
	client, store := setup(t, backend, nil)
	storeLocal(t, store, "at-1", "rt-1")

	done := make(chan error, 1)
	go func() {
		_, err := client.Refresh(ctx)
		done <- err
	}()

	require.Eventually(t, func() bool { return backend.refreshCalls.Load() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, store.Clear(ctx, credstore.ScopeAll))

	require.ErrorIs(t, <-done, gateway.ErrSessionEnded)
	snap, err := store.Snapshot(ctx)
	require.NoError(t, err)
	require.True(t, snap.Empty(), "a logged out store must stay empty")
}

func TestFailedRefreshLeavesNewerSessionAlone(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	backend := newFakeBackend()
	backend.refreshDelay = 50 * time.Millisecond
	backend.refreshStatus = http.StatusUnauthorized
	client, store := setup(t, backend, nil)
	storeLocal(t, store, "at-old", "rt-old")

	var terminated atomic.Int32
	client.SetTerminationHandler(func(error) { terminated.Add(1) })

	done := make(chan error, 1)
	go func() {
		_, err := client.Profile(ctx)
		done <- err
	}()

	// A new login lands while the old session's refresh is in flight.
	require.Eventually(t, func() bool { return backend.refreshCalls.Load() == 1 }, time.Second, time.Millisecond)
	storeLocal(t, store, "at-new", "rt-new")

	require.True(t, gateway.IsTerminated(<-done))
	require.Zero(t, terminated.Load())

	snap, err := store.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, "at-new", snap.Application().AccessToken)
	require.Equal(t, "rt-new", snap.Application().RefreshToken)
}

func TestRefreshAndTerminationLogFingerprints(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	backend := newFakeBackend()
	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	store := credstore.NewMemory()
	client := gateway.New(gateway.Config{BaseURL: srv.URL + "/api", Timeout: time.Second}, store, nil, logger)

	storeLocal(t, store, "at-old", "rt-1")
	_, err := client.Profile(ctx)
	require.NoError(t, err)
	require.Contains(t, buf.String(), `"refresh_fp":"`+cryptox.FingerprintToken("rt-1")+`"`)

	backend.mu.Lock()
	backend.refreshStatus = http.StatusUnauthorized
	backend.mu.Unlock()
	storeLocal(t, store, "at-stale", "rt-2")
	_, err = client.Profile(ctx)
	require.True(t, gateway.IsTerminated(err))
	require.Contains(t, buf.String(), `"access_fp":"`+cryptox.FingerprintToken("at-stale")+`"`)

	for _, raw := range []string{"rt-1", "at-stale", "rt-2"} {
		require.NotContains(t, buf.String(), `"`+raw+`"`)
	}
}

func TestNonReplayableBodyIsNotRetried(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	backend := newFakeBackend()
	client, store := setup(t, backend, nil)
	storeLocal(t, store, "at-old", "rt-1")

	body := io.NopCloser(strings.NewReader(`{"clockIn":true}`))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, client.URL("/echo"), body)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Zero(t, backend.refreshCalls.Load())
}

func TestReplayableBodyIsResent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	backend := newFakeBackend()
	client, store := setup(t, backend, nil)
	storeLocal(t, store, "at-old", "rt-1")

	var out map[string]string
	require.NoError(t, client.DoJSON(ctx, http.MethodPost, "/echo", map[string]bool{"clockIn": true}, &out))
	require.JSONEq(t, `{"clockIn":true}`, out["body"])
}

type fakeRenewer struct {
	calls atomic.Int32
	err   error
}

func (r *fakeRenewer) Renew(context.Context, time.Duration) (bool, error) {
	r.calls.Add(1)
	return false, r.err
}

func TestFederatedRefreshPath(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	backend := newFakeBackend()
	renewer := &fakeRenewer{}
	client, store := setup(t, backend, renewer)

	require.NoError(t, store.Write(ctx, credstore.Merge(
		credstore.ApplicationTokens{AccessToken: "at-old", RefreshToken: "rt-old"}.Set(),
		credstore.FederatedTokens{IDToken: "id", AccessToken: "fat", RefreshToken: "frt"}.Set(),
		credstore.Set{credstore.KeyLoginMethod: string(credstore.MethodFederated)},
	)))

	_, err := client.Profile(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, renewer.calls.Load())
	require.EqualValues(t, 1, backend.exchangeCalls.Load())
	require.Zero(t, backend.refreshCalls.Load(), "federated sessions never use the local refresh endpoint")
	require.Equal(t, "fat", backend.lastSSOHeader.Load())

	t.Run("renewal failure terminates", func(t *testing.T) {
		renewer.err = errors.New("refresh token expired at provider")
		require.NoError(t, store.Write(ctx, credstore.Set{credstore.KeyAccessToken: "at-stale"}))

		_, err := client.Profile(ctx)
		require.True(t, gateway.IsTerminated(err))

		snap, err := store.Snapshot(ctx)
		require.NoError(t, err)
		require.True(t, snap.Empty())
	})
}

func TestRefreshNeedsMarker(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("no marker", func(t *testing.T) {
		client, _ := setup(t, newFakeBackend(), nil)
		_, err := client.Refresh(ctx)
		require.ErrorIs(t, err, gateway.ErrNoLoginMethod)
	})

	t.Run("tokens without marker", func(t *testing.T) {
		client, store := setup(t, newFakeBackend(), nil)
		require.NoError(t, store.Write(ctx, credstore.ApplicationTokens{AccessToken: "a", RefreshToken: "r"}.Set()))
		_, err := client.Refresh(ctx)
		require.ErrorIs(t, err, credstore.ErrInconsistent)
	})

	t.Run("federated without renewer", func(t *testing.T) {
		client, store := setup(t, newFakeBackend(), nil)
		require.NoError(t, store.Write(ctx, credstore.Merge(
			credstore.ApplicationTokens{AccessToken: "a", RefreshToken: "r"}.Set(),
			credstore.FederatedTokens{IDToken: "i", AccessToken: "f", RefreshToken: "g"}.Set(),
			credstore.Set{credstore.KeyLoginMethod: string(credstore.MethodFederated)},
		)))
		_, err := client.Refresh(ctx)
		require.ErrorIs(t, err, gateway.ErrFederatedUnavailable)
	})
}

func TestForceLogoutAbsentEndpoint(t *testing.T) {
	t.Parallel()

	client, _ := setup(t, newFakeBackend(), nil)
	supported, err := client.ForceLogout(context.Background(), credstore.ApplicationTokens{RefreshToken: "rt"}, credstore.FederatedTokens{})
	require.NoError(t, err)
	require.False(t, supported)
}

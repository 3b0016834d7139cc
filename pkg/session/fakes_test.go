package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aussiebroadwan/attendance/pkg/credstore"
	"github.com/aussiebroadwan/attendance/pkg/gateway"
	"github.com/aussiebroadwan/attendance/pkg/slogx"
)

type fakeAPI struct {
	mu sync.Mutex

	login    func(ctx context.Context, account, password string) (*gateway.TokenResponse, error)
	exchange func(ctx context.Context, tokens credstore.FederatedTokens) (*gateway.TokenResponse, error)
	refresh  func(ctx context.Context) (*gateway.TokenResponse, error)
	profile  func(ctx context.Context) (*gateway.UserProfile, error)
	logout   func(ctx context.Context, refreshToken string) error

	refreshCalls  atomic.Int32
	profileCalls  atomic.Int32
	forceLogouts  atomic.Int32
	loggedOut     []string
	onTerminated  func(error)
	lastForcedFed credstore.FederatedTokens
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		login: func(context.Context, string, string) (*gateway.TokenResponse, error) {
			return &gateway.TokenResponse{AccessToken: "at-1", RefreshToken: "rt-1", User: testUser()}, nil
		},
		exchange: func(context.Context, credstore.FederatedTokens) (*gateway.TokenResponse, error) {
			return &gateway.TokenResponse{AccessToken: "at-sso", RefreshToken: "rt-sso", User: testUser()}, nil
		},
		refresh: func(context.Context) (*gateway.TokenResponse, error) {
			return &gateway.TokenResponse{AccessToken: "at-2", RefreshToken: "rt-2"}, nil
		},
		profile: func(context.Context) (*gateway.UserProfile, error) {
			return testUser(), nil
		},
		logout: func(context.Context, string) error { return nil },
	}
}

func testUser() *gateway.UserProfile {
	return &gateway.UserProfile{AccountID: "u-1", DisplayName: "Dana Park", Role: "employee"}
}

func (f *fakeAPI) Login(ctx context.Context, account, password string) (*gateway.TokenResponse, error) {
	return f.login(ctx, account, password)
}

func (f *fakeAPI) ExchangeFederated(ctx context.Context, tokens credstore.FederatedTokens) (*gateway.TokenResponse, error) {
	return f.exchange(ctx, tokens)
}

func (f *fakeAPI) Refresh(ctx context.Context) (*gateway.TokenResponse, error) {
	f.refreshCalls.Add(1)
	return f.refresh(ctx)
}

func (f *fakeAPI) Logout(ctx context.Context, refreshToken string) error {
	f.mu.Lock()
	f.loggedOut = append(f.loggedOut, refreshToken)
	f.mu.Unlock()
	return f.logout(ctx, refreshToken)
}

func (f *fakeAPI) ForceLogout(_ context.Context, _ credstore.ApplicationTokens, fed credstore.FederatedTokens) (bool, error) {
	f.forceLogouts.Add(1)
	f.mu.Lock()
	f.lastForcedFed = fed
	f.mu.Unlock()
	return true, nil
}

func (f *fakeAPI) Profile(ctx context.Context) (*gateway.UserProfile, error) {
	f.profileCalls.Add(1)
	return f.profile(ctx)
}

func (f *fakeAPI) SetTerminationHandler(fn func(error)) { f.onTerminated = fn }

type fakeIdP struct {
	enabled     bool
	initOK      bool
	loginErr    error
	completeErr error
	tokens      credstore.FederatedTokens
	logoutURL   string

	running      atomic.Bool
	starts       atomic.Int32
	logouts      atomic.Int32
	store        credstore.Store
	onRenewalErr func(error)
}

func newFakeIdP(store credstore.Store) *fakeIdP {
	return &fakeIdP{
		enabled:   true,
		initOK:    true,
		tokens:    credstore.FederatedTokens{IDToken: "sso-id", AccessToken: "sso-at", RefreshToken: "sso-rt"},
		logoutURL: "https://idp.example/logout",
		store:     store,
	}
}

func (f *fakeIdP) Enabled() bool                   { return f.enabled }
func (f *fakeIdP) Initialize(context.Context) bool { return f.initOK }

func (f *fakeIdP) Login(context.Context) (string, error) {
	if f.loginErr != nil {
		return "", f.loginErr
	}
	return "https://idp.example/authorize?state=s", nil
}

func (f *fakeIdP) CompleteLogin(context.Context, string) (credstore.FederatedTokens, error) {
	if f.completeErr != nil {
		return credstore.FederatedTokens{}, f.completeErr
	}
	return f.tokens, nil
}

func (f *fakeIdP) Logout(ctx context.Context) (string, error) {
	f.logouts.Add(1)
	return f.logoutURL, f.store.Clear(ctx, credstore.ScopeFederated)
}

func (f *fakeIdP) StartRenewal() {
	f.starts.Add(1)
	f.running.Store(true)
}

func (f *fakeIdP) StopRenewal() { f.running.Store(false) }

func (f *fakeIdP) SetRenewalFailureHandler(fn func(error)) { f.onRenewalErr = fn }

type harness struct {
	mgr   *Manager
	store credstore.Store
	api   *fakeAPI
	idp   *fakeIdP
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	store := credstore.NewMemory()
	api := newFakeAPI()
	provider := newFakeIdP(store)
	mgr, err := New(cfg, Deps{
		Store:            store,
		API:              api,
		IdentityProvider: provider,
		Logger:           slogx.Discard(),
	})
	require.NoError(t, err)
	t.Cleanup(mgr.Dispose)
	return &harness{mgr: mgr, store: store, api: api, idp: provider}
}

func (h *harness) seed(t *testing.T, set credstore.Set) {
	t.Helper()
	require.NoError(t, h.store.Write(context.Background(), set))
}

func (h *harness) snapshot(t *testing.T) credstore.Snapshot {
	t.Helper()
	snap, err := h.store.Snapshot(context.Background())
	require.NoError(t, err)
	return snap
}

// requireConsistent checks that the status and the stored credentials agree:
// an authenticated session is backed by exactly one resolvable method, and
// a signed out one leaves nothing behind.
func requireConsistent(t *testing.T, h *harness) {
	t.Helper()
	st := h.mgr.Status()
	snap := h.snapshot(t)

	switch st.State {
	case StateAuthenticated:
		require.True(t, st.IsAuthenticated)
		method, res, err := snap.Resolve()
		require.NoError(t, err)
		require.Equal(t, st.Method, method)
		require.False(t, res.StaleFederated)
		require.Equal(t, method == credstore.MethodFederated, h.idp.running.Load())
	case StateLoggedOut, StateForcedLogout:
		require.False(t, st.IsAuthenticated)
		require.Nil(t, st.User)
		require.False(t, h.idp.running.Load())
	}
}

func localSet() credstore.Set {
	return credstore.Set{
		credstore.KeyAccessToken:  "at-0",
		credstore.KeyRefreshToken: "rt-0",
		credstore.KeyLoginMethod:  string(credstore.MethodLocal),
	}
}

func federatedSet() credstore.Set {
	return credstore.Set{
		credstore.KeyAccessToken:          "at-0",
		credstore.KeyRefreshToken:         "rt-0",
		credstore.KeyFederatedIDToken:     "sso-id",
		credstore.KeyFederatedAccessToken: "sso-at",
		credstore.KeyFederatedRefresh:     "sso-rt",
		credstore.KeyLoginMethod:          string(credstore.MethodFederated),
	}
}

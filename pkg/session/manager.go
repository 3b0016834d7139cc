// Package session owns the authentication state machine of the attendance
// client. It decides when the user is signed in, with which method, and what
// happens to stored credentials when a login, a check or a renewal fails.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/aussiebroadwan/attendance/pkg/credstore"
	"github.com/aussiebroadwan/attendance/pkg/gateway"
	"github.com/aussiebroadwan/attendance/pkg/idp"
	"github.com/aussiebroadwan/attendance/pkg/idx"
	"github.com/aussiebroadwan/attendance/pkg/slogx"
)

var (
	ErrBusy             = errors.New("session: another login operation is in progress")
	ErrDisposed         = errors.New("session: manager disposed")
	ErrSSODisabled      = errors.New("session: single sign-on is not available")
	ErrNoPendingLogin   = errors.New("session: no single sign-on login in progress")
	ErrSSOExchange      = errors.New("session: federated token exchange failed")
	ErrNotAuthenticated = errors.New("session: not authenticated")
	ErrMissingDep       = errors.New("session: missing dependency")
)

const (
	DefaultRecheckInterval = time.Hour
	DefaultProfileTTL      = time.Minute

	profileKey = "profile"
)

// Config tunes the manager.
type Config struct {
	// RecheckInterval is how often the monitor re-validates an authenticated
	// session.
	RecheckInterval time.Duration
	// ProfileTTL bounds how long a fetched profile is reused.
	ProfileTTL time.Duration
}

// Deps are the collaborators of a Manager. IdentityProvider and Metrics are
// optional.
type Deps struct {
	Store            credstore.Store
	API              API
	IdentityProvider IdentityProvider
	Logger           *slog.Logger
	Metrics          Metrics
}

// Manager is the session state machine. All methods are safe for concurrent
// use; login operations are serialised.
type Manager struct {
	cfg     Config
	store   credstore.Store
	api     API
	idp     IdentityProvider
	logger  *slog.Logger
	metrics Metrics

	profiles *gocache.Cache

	// opMu serialises the operations that move credentials around.
	opMu sync.Mutex

	// notifyMu orders status publication. It is held while subscribers run,
	// so subscribers must not call back into the manager synchronously.
	notifyMu sync.Mutex

	mu       sync.RWMutex
	status   Status
	subs     map[int]func(Status)
	nextSub  int
	monitor  *monitorLoop
	disposed bool
}

// New wires a Manager. When the API or the identity provider expose hooks
// for session termination and renewal failure, the manager registers itself
// on them.
func New(cfg Config, deps Deps) (*Manager, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("%w: store", ErrMissingDep)
	}
	if deps.API == nil {
		return nil, fmt.Errorf("%w: api", ErrMissingDep)
	}
	if cfg.RecheckInterval <= 0 {
		cfg.RecheckInterval = DefaultRecheckInterval
	}
	if cfg.ProfileTTL <= 0 {
		cfg.ProfileTTL = DefaultProfileTTL
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}

	m := &Manager{
		cfg:      cfg,
		store:    deps.Store,
		api:      deps.API,
		idp:      deps.IdentityProvider,
		logger:   deps.Logger.With("component", "session"),
		metrics:  deps.Metrics,
		profiles: gocache.New(cfg.ProfileTTL, 2*cfg.ProfileTTL),
		status:   loggedOut(),
		subs:     make(map[int]func(Status)),
	}

	if h, ok := deps.API.(interface{ SetTerminationHandler(func(error)) }); ok {
		h.SetTerminationHandler(m.onSessionTerminated)
	}
	if h, ok := deps.IdentityProvider.(interface{ SetRenewalFailureHandler(func(error)) }); ok {
		h.SetRenewalFailureHandler(m.onRenewalFailed)
	}
	return m, nil
}

// Dispose stops background work and drops subscribers. It waits for a
// running operation to finish; later operations fail with ErrDisposed,
// except Logout. Stored credentials are left alone. Dispose must not be
// called from a subscriber.
func (m *Manager) Dispose() {
	m.mu.Lock()
	m.disposed = true
	m.mu.Unlock()

	m.StopMonitor()

	m.opMu.Lock()
	defer m.opMu.Unlock()
	m.stopRenewal()

	m.mu.Lock()
	clear(m.subs)
	m.mu.Unlock()
}

// Subscribe registers fn for every status change. The returned function
// removes the subscription.
func (m *Manager) Subscribe(fn func(Status)) (cancel func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// Status returns the current status.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// User returns the profile of the signed in user, or nil.
func (m *Manager) User() *gateway.UserProfile {
	return m.Status().User
}

func (m *Manager) setStatus(s Status) {
	m.setStatusIf(func(Status) bool { return true }, s)
}

// setStatusIf publishes s only if ok accepts the current status, checked and
// swapped as one step.
func (m *Manager) setStatusIf(ok func(Status) bool, s Status) bool {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	prev := m.status
	if !ok(prev) {
		m.mu.Unlock()
		return false
	}
	m.status = s
	subs := make([]func(Status), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	if prev.State != s.State {
		m.metrics.ObserveTransition(s.State.String())
		m.logger.Debug("session state changed", "from", prev.State, "to", s.State, "method", s.Method)
	}
	if s.State == StateForcedLogout {
		m.metrics.ObserveForcedLogout(string(s.Reason))
	}
	for _, fn := range subs {
		fn(s)
	}
	return true
}

func (m *Manager) begin(ctx context.Context, op string, wait bool) (context.Context, func(), error) {
	if m.isDisposed() {
		return ctx, nil, ErrDisposed
	}
	if wait {
		m.opMu.Lock()
	} else if !m.opMu.TryLock() {
		return ctx, nil, ErrBusy
	}
	// Dispose may have taken opMu first.
	if m.isDisposed() {
		m.opMu.Unlock()
		return ctx, nil, ErrDisposed
	}
	return m.withOp(ctx, op), m.opMu.Unlock, nil
}

func (m *Manager) withOp(ctx context.Context, op string) context.Context {
	return slogx.WithContext(ctx, m.logger.With("op", op, "op_id", idx.New()))
}

func (m *Manager) isDisposed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.disposed
}

func (m *Manager) ssoAvailable() bool {
	return m.idp != nil && m.idp.Enabled()
}

func (m *Manager) stopRenewal() {
	if m.idp != nil {
		m.idp.StopRenewal()
	}
}

// Login signs in with account credentials. Any previous session is
// discarded first; on failure nothing is left in the store.
func (m *Manager) Login(ctx context.Context, account, password string) error {
	ctx, done, err := m.begin(ctx, "login", false)
	if err != nil {
		return err
	}
	defer done()
	logger := slogx.FromContext(ctx)

	m.stopRenewal()
	m.profiles.Flush()
	m.setStatus(Status{State: StateAuthenticatingLocal, Method: credstore.MethodLocal})

	if err := m.store.Clear(ctx, credstore.ScopeAll); err != nil {
		m.setStatus(loggedOut())
		return fmt.Errorf("session: clear previous credentials: %w", err)
	}

	resp, err := m.api.Login(ctx, account, password)
	if err != nil {
		logger.Info("local login failed", "error", err)
		m.setStatus(loggedOut())
		return err
	}

	app := credstore.ApplicationTokens{AccessToken: resp.AccessToken, RefreshToken: resp.RefreshToken}
	set := credstore.Merge(app.Set(), credstore.Set{credstore.KeyLoginMethod: string(credstore.MethodLocal)})
	if err := m.store.Write(ctx, set); err != nil {
		m.discard(ctx)
		m.setStatus(loggedOut())
		return fmt.Errorf("session: store credentials: %w", err)
	}

	user, err := m.resolveUser(ctx, resp.User, credstore.MethodLocal)
	if gateway.IsTerminated(err) {
		return err
	}
	logger.Info("local login succeeded")
	m.setStatus(authenticated(credstore.MethodLocal, user))
	return nil
}

// BeginSSOLogin starts a federated login and returns the provider URL the
// user must visit. Application credentials are cleared; federated ones are
// left for the provider to replace.
func (m *Manager) BeginSSOLogin(ctx context.Context) (string, error) {
	ctx, done, err := m.begin(ctx, "sso_begin", false)
	if err != nil {
		return "", err
	}
	defer done()

	if !m.ssoAvailable() {
		return "", fmt.Errorf("%w: %w", ErrSSODisabled, idp.ErrDisabled)
	}

	m.stopRenewal()
	m.profiles.Flush()
	if err := m.store.Clear(ctx, credstore.ScopeApplication); err != nil {
		m.setStatus(loggedOut())
		return "", fmt.Errorf("session: clear application credentials: %w", err)
	}
	m.setStatus(Status{State: StateAuthenticatingFederated, Method: credstore.MethodFederated})

	authURL, err := m.idp.Login(ctx)
	if err != nil {
		m.setStatus(loggedOut())
		return "", err
	}
	return authURL, nil
}

// CompleteSSOLogin finishes a federated login with the URL the provider
// redirected back to, then exchanges the federated tokens with the backend.
// A failed exchange ends the provider session too.
func (m *Manager) CompleteSSOLogin(ctx context.Context, callbackURL string) error {
	ctx, done, err := m.begin(ctx, "sso_complete", false)
	if err != nil {
		return err
	}
	defer done()
	logger := slogx.FromContext(ctx)

	if m.Status().State != StateAuthenticatingFederated {
		return ErrNoPendingLogin
	}

	fed, err := m.idp.CompleteLogin(ctx, callbackURL)
	if err != nil {
		logger.Info("identity provider login failed", "error", err)
		if cerr := m.store.Clear(ctx, credstore.ScopeFederated); cerr != nil {
			logger.Warn("failed to clear federated credentials", "error", cerr)
		}
		m.setStatus(loggedOut())
		return err
	}

	resp, err := m.api.ExchangeFederated(ctx, fed)
	if err != nil {
		logger.Warn("federated exchange failed", "error", err)
		m.unwindFederated(ctx, fed)
		return fmt.Errorf("%w: %w", ErrSSOExchange, err)
	}

	app := credstore.ApplicationTokens{AccessToken: resp.AccessToken, RefreshToken: resp.RefreshToken}
	set := credstore.Merge(app.Set(), fed.Set(), credstore.Set{credstore.KeyLoginMethod: string(credstore.MethodFederated)})
	if err := m.store.Write(ctx, set); err != nil {
		logger.Error("failed to store federated session", "error", err)
		m.unwindFederated(ctx, fed)
		return fmt.Errorf("session: store credentials: %w", err)
	}

	user, err := m.resolveUser(ctx, resp.User, credstore.MethodFederated)
	if gateway.IsTerminated(err) {
		return err
	}
	m.idp.StartRenewal()
	logger.Info("federated login succeeded")
	m.setStatus(authenticated(credstore.MethodFederated, user))
	return nil
}

// SSOLogin runs a whole federated login: it hands the provider URL to
// redirect and completes the login with the callback URL it returns.
func (m *Manager) SSOLogin(ctx context.Context, redirect RedirectFunc) error {
	authURL, err := m.BeginSSOLogin(ctx)
	if err != nil {
		return err
	}
	callbackURL, err := redirect(ctx, authURL)
	if err != nil {
		m.abandonSSOLogin()
		return err
	}
	return m.CompleteSSOLogin(ctx, callbackURL)
}

func (m *Manager) abandonSSOLogin() {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	if m.Status().State == StateAuthenticatingFederated {
		m.setStatus(loggedOut())
	}
}

// unwindFederated tears down a half established federated session. It runs
// with the operation lock held.
func (m *Manager) unwindFederated(ctx context.Context, fed credstore.FederatedTokens) {
	logger := slogx.FromContext(ctx)
	reason := ReasonSSOLoginFailed

	if err := m.store.Clear(ctx, credstore.ScopeAll); err != nil {
		logger.Error("failed to clear credentials after federated failure", "error", err)
		reason = ReasonForceLogoutFailed
	}

	if supported, err := m.api.ForceLogout(ctx, credstore.ApplicationTokens{}, fed); err != nil {
		logger.Warn("backend force logout failed", "error", err)
	} else if !supported {
		logger.Debug("backend has no force logout endpoint")
	}

	logoutURL, err := m.idp.Logout(ctx)
	if err != nil {
		logger.Warn("identity provider logout failed", "error", err)
	}
	m.profiles.Flush()
	m.setStatus(forcedLogout(reason, logoutURL))
}

// Logout ends the session. It never fails: backend and provider calls are
// best effort and local credentials are always cleared, also after Dispose.
// The returned URL is the provider end-session page for federated sessions,
// or "".
func (m *Manager) Logout(ctx context.Context) string {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	ctx = m.withOp(ctx, "logout")
	logger := slogx.FromContext(ctx)

	m.stopRenewal()

	snap, err := m.store.Snapshot(ctx)
	if err != nil {
		logger.Warn("failed to read credentials for logout", "error", err)
	}
	method := m.Status().Method
	if method == credstore.MethodNone {
		method = snap.Method()
	}

	if rt := snap.Application().RefreshToken; rt != "" {
		if err := m.api.Logout(ctx, rt); err != nil {
			logger.Warn("backend logout failed", "error", err)
		}
	}

	var logoutURL string
	if method == credstore.MethodFederated && m.ssoAvailable() {
		if logoutURL, err = m.idp.Logout(ctx); err != nil {
			logger.Warn("identity provider logout failed", "error", err)
		}
	}

	m.profiles.Flush()
	if err := m.store.Clear(ctx, credstore.ScopeAll); err != nil {
		logger.Error("failed to clear credentials on logout", "error", err)
		m.setStatus(forcedLogout(ReasonForceLogoutFailed, logoutURL))
		return logoutURL
	}
	logger.Info("logged out", "method", method)
	m.setStatus(loggedOut())
	return logoutURL
}

// CheckAuth validates the stored session against the backend, refreshing the
// application tokens. It reports whether the user is authenticated
// afterwards. Ambiguous or partial credentials are cleared.
func (m *Manager) CheckAuth(ctx context.Context) bool {
	ctx, done, err := m.begin(ctx, "check_auth", true)
	if err != nil {
		return false
	}
	defer done()
	return m.checkAuth(ctx)
}

func (m *Manager) checkAuth(ctx context.Context) bool {
	logger := slogx.FromContext(ctx)
	prev := m.Status()
	m.setStatus(Status{
		State:           StateChecking,
		Method:          prev.Method,
		User:            prev.User,
		IsAuthenticated: prev.IsAuthenticated,
	})

	snap, err := m.store.Snapshot(ctx)
	if err != nil {
		logger.Error("failed to read credentials", "error", err)
		m.setStatus(loggedOut())
		return false
	}

	method, res, err := snap.Resolve()
	switch {
	case err != nil:
		logger.Warn("stored credentials are inconsistent, clearing", "error", err)
		m.endSession(ctx)
		return false
	case method == credstore.MethodNone:
		m.setStatus(loggedOut())
		return false
	}

	if res.StaleFederated {
		if err := m.store.Clear(ctx, credstore.ScopeFederated); err != nil {
			logger.Warn("failed to clear stale federated credentials", "error", err)
		}
	}

	if method == credstore.MethodFederated {
		if !m.ssoAvailable() {
			logger.Warn("federated session stored but single sign-on is unavailable")
			m.endSession(ctx)
			return false
		}
		if !m.idp.Initialize(ctx) {
			logger.Info("identity provider session could not be restored")
			m.endSession(ctx)
			return false
		}
	}

	resp, err := m.api.Refresh(ctx)
	if err != nil {
		if transient(err) {
			logger.Warn("session check could not reach the backend", "error", err)
			if prev.IsAuthenticated {
				m.setStatus(prev)
				return true
			}
			m.setStatus(loggedOut())
			return false
		}
		logger.Info("session is no longer valid", "error", err)
		m.endSession(ctx)
		return false
	}

	user, err := m.resolveUser(ctx, resp.User, method)
	if gateway.IsTerminated(err) {
		return false
	}
	if method == credstore.MethodFederated {
		m.idp.StartRenewal()
	}
	m.setStatus(authenticated(method, user))
	return true
}

// endSession clears every credential and lands in LoggedOut.
func (m *Manager) endSession(ctx context.Context) {
	m.stopRenewal()
	m.discard(ctx)
	m.setStatus(loggedOut())
}

func (m *Manager) discard(ctx context.Context) {
	m.profiles.Flush()
	if err := m.store.Clear(ctx, credstore.ScopeAll); err != nil {
		slogx.FromContext(ctx).Error("failed to clear credentials", "error", err)
	}
}

// RefreshUser fetches the profile from the backend, bypassing the cache.
func (m *Manager) RefreshUser(ctx context.Context) (*gateway.UserProfile, error) {
	ctx, done, err := m.begin(ctx, "refresh_user", true)
	if err != nil {
		return nil, err
	}
	defer done()

	st := m.Status()
	if !st.IsAuthenticated {
		return nil, ErrNotAuthenticated
	}
	m.profiles.Delete(profileKey)
	user, err := m.fetchProfile(ctx, st.Method)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	cur := m.status
	m.mu.RUnlock()
	if cur.IsAuthenticated {
		cur.User = user
		m.setStatus(cur)
	}
	return user, nil
}

// resolveUser prefers the profile carried by a token response and falls
// back to a profile fetch. A failed fetch is tolerated and yields nil.
func (m *Manager) resolveUser(ctx context.Context, user *gateway.UserProfile, method credstore.LoginMethod) (*gateway.UserProfile, error) {
	if user != nil {
		u := withAuthMethod(*user, method)
		m.profiles.SetDefault(profileKey, &u)
		return &u, nil
	}
	if cached, ok := m.profiles.Get(profileKey); ok {
		return cached.(*gateway.UserProfile), nil
	}
	u, err := m.fetchProfile(ctx, method)
	if err != nil {
		slogx.FromContext(ctx).Warn("profile fetch failed", "error", err)
		return nil, err
	}
	return u, nil
}

func (m *Manager) fetchProfile(ctx context.Context, method credstore.LoginMethod) (*gateway.UserProfile, error) {
	p, err := m.api.Profile(ctx)
	if err != nil {
		return nil, err
	}
	u := withAuthMethod(*p, method)
	m.profiles.SetDefault(profileKey, &u)
	return &u, nil
}

func withAuthMethod(u gateway.UserProfile, method credstore.LoginMethod) gateway.UserProfile {
	if u.AuthMethod != "" {
		return u
	}
	switch method {
	case credstore.MethodLocal:
		u.AuthMethod = gateway.AuthMethodLocal
	case credstore.MethodFederated:
		u.AuthMethod = gateway.AuthMethodSSO
	}
	return u
}

// transient reports failures that say nothing about the session itself.
func transient(err error) bool {
	return gateway.IsNetwork(err) || errors.Is(err, idp.ErrUnavailable)
}

// onSessionTerminated runs when the gateway gave up on the session after a
// failed refresh. The gateway has already cleared the store. It may run
// while an operation holds opMu, so it only touches status.
func (m *Manager) onSessionTerminated(err error) {
	if !signedIn(m.Status()) {
		return
	}
	m.logger.Warn("session terminated by gateway", "error", err)
	m.stopRenewal()
	m.profiles.Flush()
	m.setStatusIf(signedIn, forcedLogout(ReasonSessionExpired, ""))
}

// onRenewalFailed runs on the renewal loop when the provider session could
// not be renewed. The loop has already detached itself and cleared the
// federated tokens; what is left is only cleared if no other login has
// replaced it since.
func (m *Manager) onRenewalFailed(err error) {
	if m.Status().Method != credstore.MethodFederated {
		return
	}
	m.logger.Warn("federated session renewal failed", "error", err)

	expect := credstore.Set{
		credstore.KeyLoginMethod:      string(credstore.MethodFederated),
		credstore.KeyFederatedRefresh: "",
	}
	wipe, _ := credstore.Cleared(credstore.ScopeAll)
	reason := ReasonSSOSessionExpired
	cleared, cerr := m.store.CompareAndWrite(context.Background(), expect, wipe)
	switch {
	case cerr != nil:
		m.logger.Error("failed to clear credentials after renewal failure", "error", cerr)
		reason = ReasonForceLogoutFailed
	case !cleared:
		m.logger.Info("session replaced since the renewal failed, keeping it")
		return
	}

	m.profiles.Flush()
	m.setStatusIf(func(cur Status) bool {
		return cur.Method == credstore.MethodFederated &&
			(cur.State == StateAuthenticated || cur.State == StateChecking)
	}, forcedLogout(reason, ""))
}

// signedIn reports states a termination can still end.
func signedIn(s Status) bool {
	return s.State != StateLoggedOut && s.State != StateForcedLogout
}

// Package backend is an in-memory attendance API for local development and
// end-to-end tests. It implements the authentication endpoints the client
// depends on plus one business endpoint, and exposes fault switches so
// tests can provoke the failure paths of the client.
package backend

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aussiebroadwan/attendance/pkg/cryptox"
	"github.com/aussiebroadwan/attendance/pkg/gateway"
	"github.com/aussiebroadwan/attendance/pkg/httpx"
	"github.com/aussiebroadwan/attendance/pkg/idx"
	"github.com/aussiebroadwan/attendance/pkg/jwtx"
	"github.com/aussiebroadwan/attendance/pkg/slogx"
)

const (
	issuer   = "attendance-devstack"
	audience = "attendance-api"
)

var (
	errUnknownSession = errors.New("backend: unknown session")
	errStaleAccess    = errors.New("backend: access token superseded")
)

// Account is a seeded user. Password is hashed when the server is built.
type Account struct {
	ID          string
	Login       string
	Password    string
	DisplayName string
	Email       string
	Phone       string
	Department  string
	Role        string
	// FederatedSubject links the account to an identity provider subject.
	FederatedSubject string
	GrantedSystems   []gateway.GrantedSystem
}

// DefaultAccounts is used when Config.Accounts is empty.
func DefaultAccounts() []Account {
	return []Account{{
		ID:               "acc-1001",
		Login:            "employee",
		Password:         "password123",
		DisplayName:      "Dana Park",
		Email:            "dana.park@example.com",
		Department:       "Engineering",
		Role:             "employee",
		FederatedSubject: "sso-user-1",
		GrantedSystems:   []gateway.GrantedSystem{{SystemName: "attendance", Roles: []string{"employee"}}},
	}}
}

type Config struct {
	// BasePath prefixes every route. Defaults to "/api".
	BasePath string
	Accounts []Account
	// FederatedVerifier validates provider access tokens presented to
	// /sso_token. Without it the exchange answers 503.
	FederatedVerifier httpx.TokenVerifier

	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	// DisableForceLogout leaves /auth/force_logout unregistered.
	DisableForceLogout bool
	// LoginLimit overrides the per-IP login rate limit.
	LoginLimit *httpx.RateLimitConfig

	Logger *slog.Logger
}

// Faults are switches for provoking client failure paths.
type Faults struct {
	// OmitUser drops the user object from token responses.
	OmitUser bool
	// ProfileFails makes /user/profile answer 500.
	ProfileFails bool
	// SSOExchangeFails makes /sso_token answer 502.
	SSOExchangeFails bool
}

type account struct {
	Account
	hash string
}

type session struct {
	id        string
	accountID string
	method    string
	accessJTI string
	refreshFP string
	expiresAt time.Time
}

// Server is an http.Handler serving the attendance API.
type Server struct {
	cfg    Config
	signer *jwtx.RS256Signer
	logger *slog.Logger
	mux    *http.ServeMux

	accounts map[string]*account // by ID

	mu       sync.Mutex
	sessions map[string]*session // by session ID
	refresh  map[string]string   // refresh fingerprint -> session ID
	faults   Faults
	calls    map[string]int
}

// New builds a server with a fresh signing key and the configured accounts.
func New(cfg Config) (*Server, error) {
	if cfg.BasePath == "" {
		cfg.BasePath = "/api"
	}
	cfg.BasePath = "/" + strings.Trim(cfg.BasePath, "/")
	if len(cfg.Accounts) == 0 {
		cfg.Accounts = DefaultAccounts()
	}
	if cfg.AccessTokenTTL <= 0 {
		cfg.AccessTokenTTL = 15 * time.Minute
	}
	if cfg.RefreshTokenTTL <= 0 {
		cfg.RefreshTokenTTL = 24 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	limit := httpx.LoginLimit
	if cfg.LoginLimit != nil {
		limit = *cfg.LoginLimit
	}

	signer, err := jwtx.GenerateRS256Signer("devstack-api", 2048)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		signer:   signer,
		logger:   cfg.Logger.With("component", "devstack.backend"),
		mux:      http.NewServeMux(),
		accounts: make(map[string]*account, len(cfg.Accounts)),
		sessions: make(map[string]*session),
		refresh:  make(map[string]string),
		calls:    make(map[string]int),
	}

	for _, a := range cfg.Accounts {
		hash, err := cryptox.HashPassword(a.Password)
		if err != nil {
			return nil, fmt.Errorf("hash password for %s: %w", a.Login, err)
		}
		s.accounts[a.ID] = &account{Account: a, hash: hash}
	}

	authn := httpx.AuthnMiddleware(s)
	p := cfg.BasePath
	s.mux.Handle("POST "+p+"/login", httpx.Chain(http.HandlerFunc(s.handleLogin), httpx.RateLimitByIP(limit)))
	s.mux.HandleFunc("POST "+p+"/auth/refresh", s.handleRefresh)
	s.mux.HandleFunc("POST "+p+"/auth/logout", s.handleLogout)
	s.mux.HandleFunc("GET "+p+"/sso_token", s.handleSSOToken)
	s.mux.Handle("GET "+p+"/user/profile", httpx.Chain(http.HandlerFunc(s.handleProfile), authn))
	s.mux.Handle("GET "+p+"/attendance/status", httpx.Chain(http.HandlerFunc(s.handleAttendanceStatus), authn))
	s.mux.Handle("POST "+p+"/attendance/clock", httpx.Chain(http.HandlerFunc(s.handleClock), authn))
	if !cfg.DisableForceLogout {
		s.mux.HandleFunc("POST "+p+"/auth/force_logout", s.handleForceLogout)
	}
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.count(strings.TrimPrefix(r.URL.Path, s.cfg.BasePath))
	httpx.Chain(s.mux, slogx.HTTPMiddleware(s.logger)).ServeHTTP(w, r)
}

// Calls returns how many requests hit path, relative to the base path, e.g.
// "/auth/refresh".
func (s *Server) Calls(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[path]
}

func (s *Server) count(path string) {
	s.mu.Lock()
	s.calls[path]++
	s.mu.Unlock()
}

// SetFaults replaces the active fault switches.
func (s *Server) SetFaults(f Faults) {
	s.mu.Lock()
	s.faults = f
	s.mu.Unlock()
}

func (s *Server) currentFaults() Faults {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.faults
}

// ExpireAccessTokens invalidates every access token issued so far. Refresh
// tokens stay valid.
func (s *Server) ExpireAccessTokens() {
	s.mu.Lock()
	for _, sess := range s.sessions {
		sess.accessJTI = ""
	}
	s.mu.Unlock()
}

// RevokeRefreshTokens invalidates every refresh token, so the next refresh
// fails with 401.
func (s *Server) RevokeRefreshTokens() {
	s.mu.Lock()
	clear(s.refresh)
	s.mu.Unlock()
}

// Sessions returns the number of live sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// VerifyAccessToken checks signature, expiry and that the token is the
// latest one issued for its session.
func (s *Server) VerifyAccessToken(raw string) (*jwtx.Claims, error) {
	claims, err := s.signer.Verify(raw, issuer, []string{audience}, time.Now())
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[claims.SID]
	if !ok {
		return nil, errUnknownSession
	}
	if sess.accessJTI == "" || sess.accessJTI != claims.ID {
		return nil, errStaleAccess
	}
	return claims, nil
}

func (s *Server) findByLogin(login string) *account {
	for _, a := range s.accounts {
		if strings.EqualFold(a.Login, login) {
			return a
		}
	}
	return nil
}

func (s *Server) findBySubject(subject string) *account {
	for _, a := range s.accounts {
		if a.FederatedSubject != "" && a.FederatedSubject == subject {
			return a
		}
	}
	return nil
}

// issue mints a token pair for sess, rotating its refresh token.
func (s *Server) issue(sess *session) (*gateway.TokenResponse, error) {
	now := time.Now()
	acc := s.accounts[sess.accountID]

	claims := jwtx.NewClaims(acc.ID, issuer, []string{audience}, s.cfg.AccessTokenTTL, now)
	claims.SID = sess.id
	claims.Role = acc.Role
	claims.AuthMethod = sess.method
	access, err := s.signer.Sign(claims)
	if err != nil {
		return nil, err
	}
	refresh, err := cryptox.GenerateToken(cryptox.TokenSize256)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if sess.refreshFP != "" {
		delete(s.refresh, sess.refreshFP)
	}
	sess.accessJTI = claims.ID
	sess.refreshFP = cryptox.FingerprintToken(refresh)
	sess.expiresAt = now.Add(s.cfg.RefreshTokenTTL)
	s.sessions[sess.id] = sess
	s.refresh[sess.refreshFP] = sess.id
	omitUser := s.faults.OmitUser
	s.mu.Unlock()

	resp := &gateway.TokenResponse{AccessToken: access, RefreshToken: refresh}
	if !omitUser {
		resp.User = profileOf(acc, sess.method)
	}
	return resp, nil
}

func (s *Server) newSession(acc *account, method string) *session {
	return &session{id: string(idx.New()), accountID: acc.ID, method: method}
}

// endAccountSessions removes every session of accountID.
func (s *Server) endAccountSessions(accountID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, sess := range s.sessions {
		if sess.accountID != accountID {
			continue
		}
		delete(s.refresh, sess.refreshFP)
		delete(s.sessions, id)
		n++
	}
	return n
}

func profileOf(acc *account, method string) *gateway.UserProfile {
	return &gateway.UserProfile{
		AccountID:      acc.ID,
		DisplayName:    acc.DisplayName,
		Email:          acc.Email,
		Phone:          acc.Phone,
		Department:     acc.Department,
		Role:           acc.Role,
		AuthMethod:     method,
		GrantedSystems: acc.GrantedSystems,
	}
}

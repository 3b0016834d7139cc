// Package provider is a small OpenID Connect provider for local development
// and end-to-end tests. It auto-approves every authorization request as the
// configured user and supports the authorization code (with PKCE S256) and
// refresh token grants.
package provider

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/aussiebroadwan/attendance/pkg/cryptox"
	"github.com/aussiebroadwan/attendance/pkg/httpx"
	"github.com/aussiebroadwan/attendance/pkg/jwtx"
	"github.com/aussiebroadwan/attendance/pkg/slogx"
)

// User is the identity the provider logs everyone in as.
type User struct {
	Subject string
	Name    string
	Email   string
}

type Config struct {
	// Issuer is the externally visible base URL. When empty it is derived
	// from each request's Host, which suits httptest servers.
	Issuer       string
	ClientID     string
	ClientSecret string
	User         User

	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	Logger *slog.Logger
}

type authCode struct {
	redirectURI string
	nonce       string
	challenge   string
	user        User
	expiresAt   time.Time
}

type refreshGrant struct {
	user      User
	sessionID string
	expiresAt time.Time
}

// Server is an http.Handler serving the provider endpoints.
type Server struct {
	cfg    Config
	signer *jwtx.RS256Signer
	logger *slog.Logger
	mux    *http.ServeMux

	mu       sync.Mutex
	codes    map[string]authCode
	refresh  map[string]refreshGrant
	denyNext bool
	calls    map[string]int
}

// New builds a provider with a fresh signing key.
func New(cfg Config) (*Server, error) {
	if cfg.ClientID == "" {
		return nil, errors.New("provider: client id is required")
	}
	if cfg.User.Subject == "" {
		cfg.User = User{Subject: "sso-user-1", Name: "Federated User", Email: "sso.user@example.com"}
	}
	if cfg.AccessTokenTTL <= 0 {
		cfg.AccessTokenTTL = 5 * time.Minute
	}
	if cfg.RefreshTokenTTL <= 0 {
		cfg.RefreshTokenTTL = 8 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	signer, err := jwtx.GenerateRS256Signer("devstack-idp", 2048)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:     cfg,
		signer:  signer,
		logger:  cfg.Logger.With("component", "devstack.provider"),
		mux:     http.NewServeMux(),
		codes:   make(map[string]authCode),
		refresh: make(map[string]refreshGrant),
		calls:   make(map[string]int),
	}

	s.mux.HandleFunc("GET /.well-known/openid-configuration", s.handleDiscovery)
	s.mux.HandleFunc("GET /jwks", s.handleJWKS)
	s.mux.HandleFunc("GET /authorize", s.handleAuthorize)
	s.mux.HandleFunc("POST /token", s.handleToken)
	s.mux.HandleFunc("GET /logout", s.handleLogout)
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.count(r.URL.Path)
	httpx.Chain(s.mux, slogx.HTTPMiddleware(s.logger)).ServeHTTP(w, r)
}

// Calls returns how many requests hit path, e.g. "/token".
func (s *Server) Calls(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[path]
}

// DenyNextLogin makes the next authorization request redirect back with
// error=access_denied.
func (s *Server) DenyNextLogin() {
	s.mu.Lock()
	s.denyNext = true
	s.mu.Unlock()
}

// RevokeAll invalidates every refresh token so renewals fail.
func (s *Server) RevokeAll() {
	s.mu.Lock()
	clear(s.refresh)
	s.mu.Unlock()
}

// VerifyAccessToken checks a provider access token. The dev backend uses it
// to validate federated tokens presented for exchange.
func (s *Server) VerifyAccessToken(raw string) (*jwtx.Claims, error) {
	return s.signer.Verify(raw, "", []string{s.cfg.ClientID}, time.Now())
}

func (s *Server) count(path string) {
	s.mu.Lock()
	s.calls[path]++
	s.mu.Unlock()
}

func (s *Server) issuer(r *http.Request) string {
	if s.cfg.Issuer != "" {
		return strings.TrimSuffix(s.cfg.Issuer, "/")
	}
	return "http://" + r.Host
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	iss := s.issuer(r)
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"issuer":                                iss,
		"authorization_endpoint":                iss + "/authorize",
		"token_endpoint":                        iss + "/token",
		"jwks_uri":                              iss + "/jwks",
		"end_session_endpoint":                  iss + "/logout",
		"response_types_supported":              []string{"code"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"code_challenge_methods_supported":      []string{"S256"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
	})
}

func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, s.signer.PublicJWKS())
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	redirectURI := q.Get("redirect_uri")
	target, err := url.Parse(redirectURI)
	if err != nil || redirectURI == "" || q.Get("client_id") != s.cfg.ClientID {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "unknown client or redirect_uri")
		return
	}

	back := target.Query()
	back.Set("state", q.Get("state"))

	s.mu.Lock()
	deny := s.denyNext
	s.denyNext = false
	s.mu.Unlock()

	switch {
	case deny:
		back.Set("error", "access_denied")
		back.Set("error_description", "user cancelled login")
	case q.Get("response_type") != "code" || q.Get("code_challenge_method") != "S256" || q.Get("code_challenge") == "":
		back.Set("error", "invalid_request")
	default:
		code := cryptox.MustGenerateToken(cryptox.TokenSize256)
		s.mu.Lock()
		s.codes[code] = authCode{
			redirectURI: redirectURI,
			nonce:       q.Get("nonce"),
			challenge:   q.Get("code_challenge"),
			user:        s.cfg.User,
			expiresAt:   time.Now().Add(time.Minute),
		}
		s.mu.Unlock()
		back.Set("code", code)
	}

	target.RawQuery = back.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func (s *Server) clientAuthenticated(r *http.Request) bool {
	id, secret, ok := r.BasicAuth()
	if !ok {
		id, secret = r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
	}
	return id == s.cfg.ClientID && secret == s.cfg.ClientSecret
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		httpx.WriteJSON(w, http.StatusBadRequest, oauthError("invalid_request"))
		return
	}
	if !s.clientAuthenticated(r) {
		httpx.WriteJSON(w, http.StatusUnauthorized, oauthError("invalid_client"))
		return
	}

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		s.handleCodeGrant(w, r)
	case "refresh_token":
		s.handleRefreshGrant(w, r)
	default:
		httpx.WriteJSON(w, http.StatusBadRequest, oauthError("unsupported_grant_type"))
	}
}

func (s *Server) handleCodeGrant(w http.ResponseWriter, r *http.Request) {
	code := r.PostForm.Get("code")

	s.mu.Lock()
	grant, ok := s.codes[code]
	delete(s.codes, code)
	s.mu.Unlock()

	if !ok || time.Now().After(grant.expiresAt) || grant.redirectURI != r.PostForm.Get("redirect_uri") {
		httpx.WriteJSON(w, http.StatusBadRequest, oauthError("invalid_grant"))
		return
	}
	sum := sha256.Sum256([]byte(r.PostForm.Get("code_verifier")))
	if base64.RawURLEncoding.EncodeToString(sum[:]) != grant.challenge {
		httpx.WriteJSON(w, http.StatusBadRequest, oauthError("invalid_grant"))
		return
	}

	s.issue(w, r, grant.user, cryptox.MustGenerateToken(cryptox.TokenSize128), grant.nonce)
}

func (s *Server) handleRefreshGrant(w http.ResponseWriter, r *http.Request) {
	token := r.PostForm.Get("refresh_token")

	s.mu.Lock()
	grant, ok := s.refresh[token]
	delete(s.refresh, token)
	s.mu.Unlock()

	if !ok || time.Now().After(grant.expiresAt) {
		httpx.WriteJSON(w, http.StatusBadRequest, oauthError("invalid_grant"))
		return
	}
	s.issue(w, r, grant.user, grant.sessionID, "")
}

func (s *Server) issue(w http.ResponseWriter, r *http.Request, user User, sessionID, nonce string) {
	now := time.Now()
	iss := s.issuer(r)
	aud := []string{s.cfg.ClientID}

	access := jwtx.NewClaims(user.Subject, iss, aud, s.cfg.AccessTokenTTL, now)
	access.SID = sessionID
	accessToken, err := s.signer.Sign(access)
	if err != nil {
		s.logger.Error("sign access token", "err", err)
		httpx.WriteJSON(w, http.StatusInternalServerError, oauthError("server_error"))
		return
	}

	id := jwtx.NewClaims(user.Subject, iss, aud, s.cfg.AccessTokenTTL, now)
	id.SID = sessionID
	id.Nonce = nonce
	id.Name = user.Name
	id.Email = user.Email
	id.PreferredUsername = user.Subject
	idToken, err := s.signer.Sign(id)
	if err != nil {
		s.logger.Error("sign id token", "err", err)
		httpx.WriteJSON(w, http.StatusInternalServerError, oauthError("server_error"))
		return
	}

	refresh := cryptox.MustGenerateToken(cryptox.TokenSize256)
	s.mu.Lock()
	s.refresh[refresh] = refreshGrant{user: user, sessionID: sessionID, expiresAt: now.Add(s.cfg.RefreshTokenTTL)}
	s.mu.Unlock()

	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"access_token":  accessToken,
		"id_token":      idToken,
		"refresh_token": refresh,
		"token_type":    "Bearer",
		"expires_in":    int(s.cfg.AccessTokenTTL.Seconds()),
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if hint := q.Get("id_token_hint"); hint != "" {
		if claims, err := s.signer.Verify(hint, "", nil, time.Time{}); err == nil && claims.SID != "" {
			s.mu.Lock()
			for k, g := range s.refresh {
				if g.sessionID == claims.SID {
					delete(s.refresh, k)
				}
			}
			s.mu.Unlock()
		}
	}

	if target := q.Get("post_logout_redirect_uri"); target != "" {
		http.Redirect(w, r, target, http.StatusFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func oauthError(code string) map[string]string {
	return map[string]string{"error": code}
}

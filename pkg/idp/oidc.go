package idp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/aussiebroadwan/attendance/pkg/credstore"
	"github.com/aussiebroadwan/attendance/pkg/cryptox"
	"github.com/aussiebroadwan/attendance/pkg/jwtx"
	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// OIDCConfig describes a public or confidential OIDC client.
type OIDCConfig struct {
	Issuer                string
	ClientID              string
	ClientSecret          string
	RedirectURL           string
	PostLogoutRedirectURL string
	Scopes                []string

	// HTTPClient is used for discovery, JWKS and token calls.
	HTTPClient *http.Client
	// Now overrides the clock for expiry decisions.
	Now func() time.Time
}

// Validate reports missing mandatory settings.
func (c OIDCConfig) Validate() error {
	var missing []string
	if c.Issuer == "" {
		missing = append(missing, "issuer")
	}
	if c.ClientID == "" {
		missing = append(missing, "client id")
	}
	if c.RedirectURL == "" {
		missing = append(missing, "redirect url")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrConfig, strings.Join(missing, ", "))
	}
	if _, err := url.ParseRequestURI(c.Issuer); err != nil {
		return fmt.Errorf("%w: issuer: %w", ErrConfig, err)
	}
	if _, err := url.ParseRequestURI(c.RedirectURL); err != nil {
		return fmt.Errorf("%w: redirect url: %w", ErrConfig, err)
	}
	return nil
}

type pendingLogin struct {
	state    string
	nonce    string
	verifier string
}

// OIDCProvider implements Provider with the authorization code flow and
// PKCE. Discovery is deferred to the first call that needs the provider so
// construction never touches the network.
type OIDCProvider struct {
	cfg OIDCConfig

	mu         sync.Mutex
	provider   *oidc.Provider
	oauth      *oauth2.Config
	verifier   *oidc.IDTokenVerifier
	endSession string
	pending    *pendingLogin
	token      *oauth2.Token
	idToken    string
}

// NewOIDCProvider validates cfg and returns an undiscovered provider.
func NewOIDCProvider(cfg OIDCConfig) (*OIDCProvider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{oidc.ScopeOpenID, "profile", "email", oidc.ScopeOfflineAccess}
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &OIDCProvider{cfg: cfg}, nil
}

func (p *OIDCProvider) clientContext(ctx context.Context) context.Context {
	return oidc.ClientContext(ctx, p.cfg.HTTPClient)
}

// discover must be called with p.mu held.
func (p *OIDCProvider) discover(ctx context.Context) error {
	if p.provider != nil {
		return nil
	}

	provider, err := oidc.NewProvider(p.clientContext(ctx), p.cfg.Issuer)
	if err != nil {
		return fmt.Errorf("%w: discovery: %w", ErrUnavailable, err)
	}

	var extra struct {
		EndSessionEndpoint string `json:"end_session_endpoint"`
	}
	if err := provider.Claims(&extra); err != nil {
		return fmt.Errorf("%w: discovery claims: %w", ErrUnavailable, err)
	}

	p.provider = provider
	p.endSession = extra.EndSessionEndpoint
	p.oauth = &oauth2.Config{
		ClientID:     p.cfg.ClientID,
		ClientSecret: p.cfg.ClientSecret,
		Endpoint:     provider.Endpoint(),
		RedirectURL:  p.cfg.RedirectURL,
		Scopes:       p.cfg.Scopes,
	}
	p.verifier = provider.Verifier(&oidc.Config{
		ClientID: p.cfg.ClientID,
		Now:      p.cfg.Now,
	})
	return nil
}

func (p *OIDCProvider) Init(ctx context.Context, opts InitOptions) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.discover(ctx); err != nil {
		return false, err
	}
	if !opts.SilentCheck || !opts.Tokens.Complete() {
		return p.token != nil, nil
	}

	// The stored ID token may be past its expiry; only its origin matters
	// here, renewal takes care of freshness.
	restoreVerifier := p.provider.Verifier(&oidc.Config{
		ClientID:        p.cfg.ClientID,
		SkipExpiryCheck: true,
	})
	if _, err := restoreVerifier.Verify(p.clientContext(ctx), opts.Tokens.IDToken); err != nil {
		return false, nil
	}

	tok := &oauth2.Token{
		AccessToken:  opts.Tokens.AccessToken,
		RefreshToken: opts.Tokens.RefreshToken,
		TokenType:    "Bearer",
	}
	if exp, ok := jwtx.ExpiresAt(opts.Tokens.AccessToken); ok {
		tok.Expiry = exp
	}
	p.token = tok
	p.idToken = opts.Tokens.IDToken

	if p.remaining() > 0 {
		return true, nil
	}
	if err := p.refresh(ctx); err != nil {
		p.token, p.idToken = nil, ""
		return false, nil
	}
	return true, nil
}

func (p *OIDCProvider) LoginURL(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.discover(ctx); err != nil {
		return "", err
	}

	state, err := cryptox.GenerateToken(cryptox.TokenSize128)
	if err != nil {
		return "", err
	}
	nonce, err := cryptox.GenerateToken(cryptox.TokenSize128)
	if err != nil {
		return "", err
	}
	verifier := oauth2.GenerateVerifier()

	p.pending = &pendingLogin{state: state, nonce: nonce, verifier: verifier}
	return p.oauth.AuthCodeURL(state, oidc.Nonce(nonce), oauth2.S256ChallengeOption(verifier)), nil
}

func (p *OIDCProvider) HandleCallback(ctx context.Context, callbackURL string) error {
	u, err := url.Parse(callbackURL)
	if err != nil {
		return fmt.Errorf("idp: parse callback: %w", err)
	}
	q := u.Query()

	p.mu.Lock()
	defer p.mu.Unlock()

	pending := p.pending
	if pending == nil || q.Get("state") != pending.state {
		return ErrStateMismatch
	}
	p.pending = nil
	if e := q.Get("error"); e != "" {
		return fmt.Errorf("%w: %s %s", ErrLoginDenied, e, q.Get("error_description"))
	}
	code := q.Get("code")
	if code == "" {
		return fmt.Errorf("%w: callback without code", ErrLoginDenied)
	}

	tok, err := p.oauth.Exchange(p.clientContext(ctx), code, oauth2.VerifierOption(pending.verifier))
	if err != nil {
		return fmt.Errorf("%w: code exchange: %w", ErrUnavailable, err)
	}

	rawID, ok := tok.Extra("id_token").(string)
	if !ok || rawID == "" {
		return errors.New("idp: token response without id_token")
	}
	idToken, err := p.verifier.Verify(p.clientContext(ctx), rawID)
	if err != nil {
		return fmt.Errorf("idp: verify id_token: %w", err)
	}
	if idToken.Nonce != pending.nonce {
		return errors.New("idp: id_token nonce mismatch")
	}

	p.token = tok
	p.idToken = rawID
	return nil
}

func (p *OIDCProvider) LogoutURL(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idToken := p.idToken
	p.token, p.idToken, p.pending = nil, "", nil

	if err := p.discover(ctx); err != nil {
		return "", err
	}
	if p.endSession == "" {
		return "", nil
	}

	u, err := url.Parse(p.endSession)
	if err != nil {
		return "", fmt.Errorf("idp: end_session_endpoint: %w", err)
	}
	q := u.Query()
	q.Set("client_id", p.cfg.ClientID)
	if idToken != "" {
		q.Set("id_token_hint", idToken)
	}
	if p.cfg.PostLogoutRedirectURL != "" {
		q.Set("post_logout_redirect_uri", p.cfg.PostLogoutRedirectURL)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (p *OIDCProvider) UpdateToken(ctx context.Context, minValidity time.Duration) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token == nil || p.token.RefreshToken == "" {
		return false, ErrNotAuthenticated
	}
	if minValidity >= 0 && p.remaining() > minValidity {
		return false, nil
	}
	if err := p.discover(ctx); err != nil {
		return false, err
	}
	if err := p.refresh(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// refresh must be called with p.mu held and discovery done.
func (p *OIDCProvider) refresh(ctx context.Context) error {
	// An already expired token makes the source go straight to the network.
	src := p.oauth.TokenSource(p.clientContext(ctx), &oauth2.Token{
		RefreshToken: p.token.RefreshToken,
		Expiry:       time.Unix(1, 0),
	})
	tok, err := src.Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			return fmt.Errorf("%w: refresh rejected: %s", ErrNotAuthenticated, re.ErrorCode)
		}
		return fmt.Errorf("%w: refresh: %w", ErrUnavailable, err)
	}

	if tok.RefreshToken == "" {
		tok.RefreshToken = p.token.RefreshToken
	}
	if rawID, ok := tok.Extra("id_token").(string); ok && rawID != "" {
		p.idToken = rawID
	}
	p.token = tok
	return nil
}

// remaining must be called with p.mu held.
func (p *OIDCProvider) remaining() time.Duration {
	if p.token == nil {
		return 0
	}
	now := p.cfg.Now()
	if p.token.Expiry.IsZero() {
		return jwtx.Remaining(p.token.AccessToken, now)
	}
	if d := p.token.Expiry.Sub(now); d > 0 {
		return d
	}
	return 0
}

func (p *OIDCProvider) Tokens() credstore.FederatedTokens {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token == nil {
		return credstore.FederatedTokens{}
	}
	return credstore.FederatedTokens{
		IDToken:      p.idToken,
		AccessToken:  p.token.AccessToken,
		RefreshToken: p.token.RefreshToken,
	}
}

func (p *OIDCProvider) Authenticated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.token != nil && p.token.RefreshToken != "" && p.idToken != ""
}

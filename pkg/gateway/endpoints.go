package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/aussiebroadwan/attendance/pkg/credstore"
)

// Login authenticates with account and password. Nothing is stored.
func (c *Client) Login(ctx context.Context, account, password string) (*TokenResponse, error) {
	return c.postTokens(ctx, c.cfg.Paths.Login, LoginRequest{Account: account, Password: password})
}

// ExchangeFederated trades a federated token triple for application tokens.
// Nothing is stored.
func (c *Client) ExchangeFederated(ctx context.Context, tokens credstore.FederatedTokens) (*TokenResponse, error) {
	if !tokens.Complete() {
		return nil, fmt.Errorf("gateway: incomplete federated tokens")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(c.cfg.Paths.SSOToken), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set(HeaderFederatedIDToken, tokens.IDToken)
	req.Header.Set(HeaderFederatedAccessToken, tokens.AccessToken)
	req.Header.Set(HeaderFederatedRefreshToken, tokens.RefreshToken)

	resp, err := c.bare.Do(req)
	if err != nil {
		return nil, err
	}
	return decodeTokens(resp)
}

// Logout revokes refreshToken at the backend.
func (c *Client) Logout(ctx context.Context, refreshToken string) error {
	resp, err := c.sendJSON(ctx, c.bare, http.MethodPost, c.cfg.Paths.Logout, refreshRequest{RefreshToken: refreshToken}, nil)
	if err != nil {
		return err
	}
	return expectSuccess(resp)
}

// ForceLogout asks the backend to invalidate every session of the account
// the given tokens belong to. supported is false when the backend has no
// such endpoint.
func (c *Client) ForceLogout(ctx context.Context, app credstore.ApplicationTokens, fed credstore.FederatedTokens) (supported bool, err error) {
	headers := http.Header{}
	if app.AccessToken != "" {
		headers.Set("Authorization", "Bearer "+app.AccessToken)
	}
	if fed.AccessToken != "" {
		headers.Set(HeaderFederatedIDToken, fed.IDToken)
		headers.Set(HeaderFederatedAccessToken, fed.AccessToken)
		headers.Set(HeaderFederatedRefreshToken, fed.RefreshToken)
	}

	resp, err := c.sendJSON(ctx, c.bare, http.MethodPost, c.cfg.Paths.ForceLogout, refreshRequest{RefreshToken: app.RefreshToken}, headers)
	if err != nil {
		return false, err
	}
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusMethodNotAllowed {
		drain(resp)
		return false, nil
	}
	return true, expectSuccess(resp)
}

// Profile fetches the current account through the authenticated transport.
func (c *Client) Profile(ctx context.Context) (*UserProfile, error) {
	var p UserProfile
	if err := c.DoJSON(ctx, http.MethodGet, c.cfg.Paths.Profile, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// DoJSON sends in as JSON through the authenticated transport and decodes a
// 2xx reply into out. Either may be nil.
func (c *Client) DoJSON(ctx context.Context, method, path string, in, out any) error {
	resp, err := c.sendJSON(ctx, c.auth, method, path, in, nil)
	if err != nil {
		return err
	}

	body := drain(resp)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return parseErrorResponse(resp, body)
	}
	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) postTokens(ctx context.Context, path string, in any) (*TokenResponse, error) {
	resp, err := c.sendJSON(ctx, c.bare, http.MethodPost, path, in, nil)
	if err != nil {
		return nil, err
	}
	return decodeTokens(resp)
}

// sendJSON builds a replayable request (GetBody is set for byte readers).
func (c *Client) sendJSON(ctx context.Context, d Doer, method, path string, in any, headers http.Header) (*http.Response, error) {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url(path), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header[k] = v
	}

	return d.Do(req)
}

func decodeTokens(resp *http.Response) (*TokenResponse, error) {
	body := drain(resp)
	if resp.StatusCode != http.StatusOK {
		return nil, parseErrorResponse(resp, body)
	}

	var tr TokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if tr.AccessToken == "" || tr.RefreshToken == "" {
		return nil, fmt.Errorf("%w: token pair incomplete", ErrMalformedResponse)
	}
	return &tr, nil
}

func expectSuccess(resp *http.Response) error {
	body := drain(resp)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return parseErrorResponse(resp, body)
	}
	return nil
}

// Do sends req through the authenticated transport. A request whose body
// cannot be rebuilt (GetBody unset) is not retried after a 401.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.auth.Do(req)
}

// URL resolves path against the configured base URL.
func (c *Client) URL(path string) string { return c.url(path) }

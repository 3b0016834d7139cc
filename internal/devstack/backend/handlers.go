package backend

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/aussiebroadwan/attendance/pkg/cryptox"
	"github.com/aussiebroadwan/attendance/pkg/gateway"
	"github.com/aussiebroadwan/attendance/pkg/httpx"
	"github.com/aussiebroadwan/attendance/pkg/slogx"
)

type refreshBody struct {
	RefreshToken string `json:"refreshToken"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req gateway.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Account == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "account and password are required")
		return
	}

	acc := s.findByLogin(req.Account)
	if acc == nil || cryptox.VerifyPassword(req.Password, acc.hash) != nil {
		slogx.FromContext(r.Context()).Info("login rejected", "account", req.Account)
		httpx.WriteError(w, http.StatusUnauthorized, "invalid_credentials", "Invalid account or password.")
		return
	}

	s.writeTokens(w, r, s.newSession(acc, gateway.AuthMethodLocal))
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "refreshToken is required")
		return
	}

	fp := cryptox.FingerprintToken(req.RefreshToken)
	s.mu.Lock()
	sess, ok := s.sessions[s.refresh[fp]]
	valid := ok && sess.refreshFP == fp && time.Now().Before(sess.expiresAt)
	// Refresh tokens are single use.
	delete(s.refresh, fp)
	s.mu.Unlock()

	if !valid {
		slogx.FromContext(r.Context()).Info("refresh rejected", "refresh_fp", fp)
		httpx.WriteError(w, http.StatusUnauthorized, "invalid_refresh_token", "Refresh token is invalid or expired.")
		return
	}
	s.writeTokens(w, r, sess)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshBody
	_ = json.NewDecoder(r.Body).Decode(&req)

	fp := cryptox.FingerprintToken(req.RefreshToken)
	s.mu.Lock()
	if id, ok := s.refresh[fp]; ok {
		delete(s.refresh, fp)
		delete(s.sessions, id)
	}
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSSOToken(w http.ResponseWriter, r *http.Request) {
	if s.cfg.FederatedVerifier == nil {
		httpx.WriteError(w, http.StatusServiceUnavailable, "sso_unavailable", "Single sign-on is not configured.")
		return
	}
	if s.currentFaults().SSOExchangeFails {
		httpx.WriteError(w, http.StatusBadGateway, "sso_exchange_failed", "Could not validate the federated session.")
		return
	}

	acc, ok := s.federatedAccount(w, r)
	if !ok {
		return
	}
	s.writeTokens(w, r, s.newSession(acc, gateway.AuthMethodSSO))
}

// federatedAccount resolves the account behind the X-SSO-* headers and
// writes the error response itself when it cannot.
func (s *Server) federatedAccount(w http.ResponseWriter, r *http.Request) (*account, bool) {
	raw := r.Header.Get(gateway.HeaderFederatedAccessToken)
	if raw == "" || r.Header.Get(gateway.HeaderFederatedIDToken) == "" || r.Header.Get(gateway.HeaderFederatedRefreshToken) == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "federated tokens are required")
		return nil, false
	}

	claims, err := s.cfg.FederatedVerifier.VerifyAccessToken(raw)
	if err != nil {
		slogx.FromContext(r.Context()).Info("federated token rejected", "err", err)
		httpx.WriteError(w, http.StatusUnauthorized, "invalid_token", "Federated token verification failed.")
		return nil, false
	}

	acc := s.findBySubject(claims.Subject)
	if acc == nil {
		httpx.WriteError(w, http.StatusForbidden, "account_not_linked", "No account is linked to this identity.")
		return nil, false
	}
	return acc, true
}

func (s *Server) writeTokens(w http.ResponseWriter, r *http.Request, sess *session) {
	resp, err := s.issue(sess)
	if err != nil {
		slogx.FromContext(r.Context()).Error("issue tokens", "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "server_error", "")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	if s.currentFaults().ProfileFails {
		httpx.WriteError(w, http.StatusInternalServerError, "server_error", "Profile service unavailable.")
		return
	}
	claims, _ := httpx.ClaimsFromContext(r.Context())
	acc, ok := s.accounts[claims.Subject]
	if !ok {
		httpx.WriteError(w, http.StatusNotFound, "not_found", "Account not found.")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, profileOf(acc, claims.AuthMethod))
}

// AttendanceStatus is the body of GET /attendance/status.
type AttendanceStatus struct {
	AccountID string     `json:"accountId"`
	Date      string     `json:"date"`
	ClockedIn bool       `json:"clockedIn"`
	Since     *time.Time `json:"since,omitempty"`
}

func (s *Server) handleAttendanceStatus(w http.ResponseWriter, r *http.Request) {
	claims, _ := httpx.ClaimsFromContext(r.Context())
	httpx.WriteJSON(w, http.StatusOK, AttendanceStatus{
		AccountID: claims.Subject,
		Date:      time.Now().Format(time.DateOnly),
	})
}

// ClockRequest is the body of POST /attendance/clock.
type ClockRequest struct {
	Action string `json:"action"`
}

func (s *Server) handleClock(w http.ResponseWriter, r *http.Request) {
	var req ClockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || (req.Action != "in" && req.Action != "out") {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", `action must be "in" or "out"`)
		return
	}
	claims, _ := httpx.ClaimsFromContext(r.Context())
	now := time.Now().UTC()
	status := AttendanceStatus{AccountID: claims.Subject, Date: now.Format(time.DateOnly), ClockedIn: req.Action == "in"}
	if status.ClockedIn {
		status.Since = &now
	}
	httpx.WriteJSON(w, http.StatusOK, status)
}

// handleForceLogout ends every session of the account identified by the
// bearer token or, failing that, by the federated headers.
func (s *Server) handleForceLogout(w http.ResponseWriter, r *http.Request) {
	var accountID string
	if raw, ok := httpx.BearerToken(r); ok {
		if claims, err := s.signer.Verify(raw, issuer, []string{audience}, time.Time{}); err == nil {
			accountID = claims.Subject
		}
	}
	if accountID == "" && s.cfg.FederatedVerifier != nil && r.Header.Get(gateway.HeaderFederatedAccessToken) != "" {
		acc, ok := s.federatedAccount(w, r)
		if !ok {
			return
		}
		accountID = acc.ID
	}
	if accountID == "" {
		httpx.WriteError(w, http.StatusUnauthorized, "invalid_token", "No credential identifies the account.")
		return
	}

	n := s.endAccountSessions(accountID)
	slogx.FromContext(r.Context()).Info("force logout", "account", accountID, "sessions", n)
	w.WriteHeader(http.StatusNoContent)
}

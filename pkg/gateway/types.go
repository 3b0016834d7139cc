package gateway

// LoginRequest is the body of POST /login.
type LoginRequest struct {
	Account  string `json:"account"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// TokenResponse is returned by login, refresh and the federated exchange.
// User is optional; callers fall back to a profile fetch when it is absent.
type TokenResponse struct {
	AccessToken  string       `json:"accessToken"`
	RefreshToken string       `json:"refreshToken"`
	User         *UserProfile `json:"user,omitempty"`
}

// GrantedSystem lists the roles an account holds in one system.
type GrantedSystem struct {
	SystemName string   `json:"systemName"`
	Roles      []string `json:"roles"`
}

// UserProfile is the account as seen by the backend.
type UserProfile struct {
	AccountID      string          `json:"accountId"`
	DisplayName    string          `json:"displayName"`
	Email          string          `json:"email,omitempty"`
	Phone          string          `json:"phone,omitempty"`
	Department     string          `json:"department,omitempty"`
	Role           string          `json:"role"`
	AuthMethod     string          `json:"authMethod,omitempty"`
	GrantedSystems []GrantedSystem `json:"grantedSystems,omitempty"`
}

// Auth methods reported on UserProfile.AuthMethod.
const (
	AuthMethodLocal = "local"
	AuthMethodSSO   = "sso"
)

package session

import (
	"fmt"

	"github.com/aussiebroadwan/attendance/pkg/credstore"
	"github.com/aussiebroadwan/attendance/pkg/gateway"
)

// State is the position of the session state machine.
type State int

const (
	StateLoggedOut State = iota
	StateAuthenticatingLocal
	StateAuthenticatingFederated
	StateAuthenticated
	StateChecking
	StateForcedLogout
)

func (s State) String() string {
	switch s {
	case StateLoggedOut:
		return "logged_out"
	case StateAuthenticatingLocal:
		return "authenticating_local"
	case StateAuthenticatingFederated:
		return "authenticating_federated"
	case StateAuthenticated:
		return "authenticated"
	case StateChecking:
		return "checking"
	case StateForcedLogout:
		return "forced_logout"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Reason explains a forced logout to the user.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonSSOLoginFailed    Reason = "SSO_LOGIN_FAILED"
	ReasonForceLogoutFailed Reason = "FORCE_LOGOUT_FAILED"
	ReasonSessionExpired    Reason = "SESSION_EXPIRED"
	ReasonSSOSessionExpired Reason = "SSO_SESSION_EXPIRED"
)

// Message is the user-facing explanation.
func (r Reason) Message() string {
	switch r {
	case ReasonSSOLoginFailed:
		return "Single sign-on succeeded at the identity provider, but the attendance system could not establish your session. You have been signed out everywhere; please try again or use your account password."
	case ReasonForceLogoutFailed:
		return "Your session could not be cleaned up completely. Please close the application and sign in again."
	case ReasonSessionExpired:
		return "Your session has expired. Please sign in again."
	case ReasonSSOSessionExpired:
		return "Your single sign-on session has ended. Please sign in again."
	default:
		return ""
	}
}

// Status is the observable session state.
type Status struct {
	State           State
	Method          credstore.LoginMethod
	Reason          Reason
	User            *gateway.UserProfile
	IsAuthenticated bool
	// LogoutURL is set after a forced logout of a federated session when the
	// provider end-session page should be visited.
	LogoutURL string
}

func loggedOut() Status { return Status{State: StateLoggedOut} }

func authenticated(method credstore.LoginMethod, user *gateway.UserProfile) Status {
	return Status{State: StateAuthenticated, Method: method, User: user, IsAuthenticated: true}
}

func forcedLogout(reason Reason, logoutURL string) Status {
	return Status{State: StateForcedLogout, Reason: reason, LogoutURL: logoutURL}
}

package credstore

import "fmt"

// Snapshot is a consistent copy of every stored key.
type Snapshot map[Key]string

func (s Snapshot) Get(k Key) (string, bool) {
	v, ok := s[k]
	return v, ok && v != ""
}

func (s Snapshot) Empty() bool {
	for _, v := range s {
		if v != "" {
			return false
		}
	}
	return true
}

func (s Snapshot) Application() ApplicationTokens {
	return ApplicationTokens{AccessToken: s[KeyAccessToken], RefreshToken: s[KeyRefreshToken]}
}

func (s Snapshot) Federated() FederatedTokens {
	return FederatedTokens{
		IDToken:      s[KeyFederatedIDToken],
		AccessToken:  s[KeyFederatedAccessToken],
		RefreshToken: s[KeyFederatedRefresh],
	}
}

// Method returns the raw marker value.
func (s Snapshot) Method() LoginMethod {
	return LoginMethod(s[KeyLoginMethod])
}

// Resolution carries the repairs a caller must make after a successful
// Resolve.
type Resolution struct {
	// StaleFederated is set when a local session still has federated tokens
	// lying around. They must be cleared.
	StaleFederated bool
}

// Resolve decides which login method the stored credentials describe. The
// marker is authoritative; token presence alone never selects a method.
// Any state that does not describe exactly one valid session yields
// ErrInconsistent and the caller is expected to clear everything.
func (s Snapshot) Resolve() (LoginMethod, Resolution, error) {
	if s.Empty() {
		return MethodNone, Resolution{}, nil
	}

	app, fed := s.Application(), s.Federated()
	appAny := app.AccessToken != "" || app.RefreshToken != ""
	fedAny := fed.IDToken != "" || fed.AccessToken != "" || fed.RefreshToken != ""

	if appAny && !app.Complete() {
		return MethodNone, Resolution{}, fmt.Errorf("%w: partial application tokens", ErrInconsistent)
	}
	if fedAny && !fed.Complete() {
		return MethodNone, Resolution{}, fmt.Errorf("%w: partial federated tokens", ErrInconsistent)
	}

	method := s.Method()
	switch method {
	case MethodNone:
		return MethodNone, Resolution{}, fmt.Errorf("%w: tokens without login method", ErrInconsistent)
	case MethodLocal:
		if !app.Complete() {
			return MethodNone, Resolution{}, fmt.Errorf("%w: local marker without application tokens", ErrInconsistent)
		}
		return MethodLocal, Resolution{StaleFederated: fedAny}, nil
	case MethodFederated:
		if !app.Complete() || !fed.Complete() {
			return MethodNone, Resolution{}, fmt.Errorf("%w: federated marker without both token sets", ErrInconsistent)
		}
		return MethodFederated, Resolution{}, nil
	default:
		return MethodNone, Resolution{}, fmt.Errorf("%w: unknown login method %q", ErrInconsistent, method)
	}
}

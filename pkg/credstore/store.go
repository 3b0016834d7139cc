// Package credstore persists the identity artifacts of a client session: the
// application token pair, the federated token triple and the login method
// marker. Drivers differ only in where the values live; every driver makes a
// Write visible as a whole.
package credstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
)

// Key names one stored credential.
type Key string

const (
	KeyAccessToken          Key = "access_token"
	KeyRefreshToken         Key = "refresh_token"
	KeyFederatedIDToken     Key = "sso_id_token"
	KeyFederatedAccessToken Key = "sso_access_token"
	KeyFederatedRefresh     Key = "sso_refresh_token"
	KeyLoginMethod          Key = "login_method"
)

// AllKeys lists every key a store may hold, in a stable order.
var AllKeys = []Key{
	KeyAccessToken,
	KeyRefreshToken,
	KeyFederatedIDToken,
	KeyFederatedAccessToken,
	KeyFederatedRefresh,
	KeyLoginMethod,
}

var (
	ErrUnknownKey   = errors.New("credstore: unknown key")
	ErrUnknownScope = errors.New("credstore: unknown scope")
	ErrInconsistent = errors.New("credstore: inconsistent credential state")
	ErrClosed       = errors.New("credstore: store closed")
)

// Set is a group of values written together. An empty value removes the key.
type Set map[Key]string

// Scope selects which keys Clear removes.
type Scope int

const (
	// ScopeApplication removes the application pair and the login marker,
	// since the marker describes the application session.
	ScopeApplication Scope = iota
	// ScopeFederated removes the federated triple only.
	ScopeFederated
	// ScopeAll removes everything.
	ScopeAll
)

func (s Scope) String() string {
	switch s {
	case ScopeApplication:
		return "application"
	case ScopeFederated:
		return "federated"
	case ScopeAll:
		return "all"
	default:
		return fmt.Sprintf("scope(%d)", int(s))
	}
}

// Keys returns the keys covered by the scope.
func (s Scope) Keys() ([]Key, error) {
	switch s {
	case ScopeApplication:
		return []Key{KeyAccessToken, KeyRefreshToken, KeyLoginMethod}, nil
	case ScopeFederated:
		return []Key{KeyFederatedIDToken, KeyFederatedAccessToken, KeyFederatedRefresh}, nil
	case ScopeAll:
		return slices.Clone(AllKeys), nil
	default:
		return nil, ErrUnknownScope
	}
}

// LoginMethod is the value of the login marker.
type LoginMethod string

const (
	MethodNone      LoginMethod = ""
	MethodLocal     LoginMethod = "local"
	MethodFederated LoginMethod = "federated"
)

func (m LoginMethod) Valid() bool {
	return m == MethodLocal || m == MethodFederated
}

// ApplicationTokens is the pair issued by the backend.
type ApplicationTokens struct {
	AccessToken  string
	RefreshToken string
}

// Complete reports whether both halves of the pair are set.
func (t ApplicationTokens) Complete() bool {
	return t.AccessToken != "" && t.RefreshToken != ""
}

// Set returns the pair as a writable Set.
func (t ApplicationTokens) Set() Set {
	return Set{KeyAccessToken: t.AccessToken, KeyRefreshToken: t.RefreshToken}
}

// FederatedTokens is the triple issued by the identity provider.
type FederatedTokens struct {
	IDToken      string
	AccessToken  string
	RefreshToken string
}

func (t FederatedTokens) Complete() bool {
	return t.IDToken != "" && t.AccessToken != "" && t.RefreshToken != ""
}

func (t FederatedTokens) Set() Set {
	return Set{
		KeyFederatedIDToken:     t.IDToken,
		KeyFederatedAccessToken: t.AccessToken,
		KeyFederatedRefresh:     t.RefreshToken,
	}
}

// Merge returns a new Set holding the keys of every given set; later sets
// win on conflicts.
func Merge(sets ...Set) Set {
	out := Set{}
	for _, s := range sets {
		for k, v := range s {
			out[k] = v
		}
	}
	return out
}

// Cleared returns a Set that deletes every key of scope when written.
func Cleared(scope Scope) (Set, error) {
	keys, err := scope.Keys()
	if err != nil {
		return nil, err
	}
	out := make(Set, len(keys))
	for _, k := range keys {
		out[k] = ""
	}
	return out, nil
}

// Store is the credential store contract.
//
// Write applies every key of the set at once: a concurrent Read or Snapshot
// sees either none or all of them. Concurrent writers are last-write-wins.
//
// CompareAndWrite applies set the same way, but only while every key of
// expect holds the expected value; "" expects the key to be absent. It
// reports whether set was applied.
type Store interface {
	Write(ctx context.Context, set Set) error
	CompareAndWrite(ctx context.Context, expect, set Set) (bool, error)
	Read(ctx context.Context, key Key) (string, bool, error)
	Clear(ctx context.Context, scope Scope) error
	Snapshot(ctx context.Context) (Snapshot, error)
	Close() error
}

func validateSet(set Set) error {
	for k := range set {
		if !slices.Contains(AllKeys, k) {
			return fmt.Errorf("%w: %q", ErrUnknownKey, k)
		}
	}
	return nil
}

func validateKey(k Key) error {
	if !slices.Contains(AllKeys, k) {
		return fmt.Errorf("%w: %q", ErrUnknownKey, k)
	}
	return nil
}

// Driver names accepted by New.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

// Config selects and configures a driver.
type Config struct {
	Driver string

	// SQLite
	Path string

	// Redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
}

// New opens the store named by cfg.Driver. An empty driver means memory.
func New(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", DriverMemory:
		return NewMemory(), nil
	case DriverSQLite:
		return OpenSQLite(ctx, cfg.Path)
	case DriverRedis:
		return OpenRedis(ctx, RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
		})
	default:
		return nil, fmt.Errorf("credstore: unsupported driver %q", cfg.Driver)
	}
}

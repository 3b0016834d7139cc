// Package gateway is the HTTP client for the attendance backend. Business
// calls go through an authenticated transport that injects the stored access
// token and recovers from a single 401 by refreshing the session; login,
// refresh and logout calls use a bare transport that does neither.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aussiebroadwan/attendance/pkg/credstore"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL = "http://localhost:3000/api"
	DefaultTimeout = 10 * time.Second
)

// Headers carrying federated tokens to the exchange endpoint.
const (
	HeaderFederatedIDToken      = "X-SSO-ID-Token"
	HeaderFederatedAccessToken  = "X-SSO-Access-Token"
	HeaderFederatedRefreshToken = "X-SSO-Refresh-Token"
)

// Paths are the backend routes, relative to BaseURL.
type Paths struct {
	Login       string
	Refresh     string
	Logout      string
	SSOToken    string
	Profile     string
	ForceLogout string
}

// DefaultPaths returns the standard routes.
func DefaultPaths() Paths {
	return Paths{
		Login:       "/login",
		Refresh:     "/auth/refresh",
		Logout:      "/auth/logout",
		SSOToken:    "/sso_token",
		Profile:     "/user/profile",
		ForceLogout: "/auth/force_logout",
	}
}

type Config struct {
	BaseURL string
	// Timeout bounds every single request.
	Timeout time.Duration
	Paths   Paths

	// MaxRPS throttles the authenticated transport; zero disables it.
	MaxRPS float64
	Burst  int

	// FederatedMinValidity is passed to the renewer before a federated
	// exchange.
	FederatedMinValidity time.Duration

	// HTTPClient overrides the default client; its Timeout is left alone.
	HTTPClient *http.Client
}

// Renewer renews federated tokens; idp.Adapter implements it.
type Renewer interface {
	Renew(ctx context.Context, minValidity time.Duration) (bool, error)
}

// Metrics receives refresh and retry outcomes.
type Metrics interface {
	ObserveRefresh(method, result string)
	ObserveRetry(outcome string)
}

type nopMetrics struct{}

func (nopMetrics) ObserveRefresh(string, string) {}
func (nopMetrics) ObserveRetry(string)           {}

// Client talks to the backend on behalf of one credential store.
type Client struct {
	cfg     Config
	store   credstore.Store
	renewer Renewer
	logger  *slog.Logger
	metrics Metrics

	auth Doer
	bare Doer

	flight singleflight.Group
	// retryMu makes the stale-token check and the refresh it may trigger one
	// step, so a burst of 401s on the same token yields one refresh.
	retryMu sync.Mutex

	mu           sync.Mutex
	onTerminated func(error)
}

// New builds a Client. renewer may be nil when federated login is not used.
func New(cfg Config, store credstore.Store, renewer Renewer, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Paths == (Paths{}) {
		cfg.Paths = DefaultPaths()
	}
	if cfg.FederatedMinValidity <= 0 {
		cfg.FederatedMinValidity = 70 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	c := &Client{
		cfg:     cfg,
		store:   store,
		renewer: renewer,
		logger:  logger.With("component", "gateway"),
		metrics: nopMetrics{},
	}

	base := transport(httpClient)
	c.bare = Decorate(base, WithRequestID(), WithLogging(c.logger))

	decs := []Decorator{WithRequestID()}
	if cfg.MaxRPS > 0 {
		burst := max(cfg.Burst, 1)
		decs = append(decs, WithThrottle(rate.NewLimiter(rate.Limit(cfg.MaxRPS), burst)))
	}
	decs = append(decs, c.retryOnUnauthorized, WithBearer(store), WithLogging(c.logger))
	c.auth = Decorate(base, decs...)

	return c
}

// SetMetrics installs a metrics sink.
func (c *Client) SetMetrics(m Metrics) {
	if m != nil {
		c.metrics = m
	}
}

// SetTerminationHandler registers fn to run whenever the authenticated
// transport ends the session. fn runs synchronously on the failing request's
// goroutine after credentials were cleared.
func (c *Client) SetTerminationHandler(fn func(error)) {
	c.mu.Lock()
	c.onTerminated = fn
	c.mu.Unlock()
}

func (c *Client) url(path string) string {
	return c.cfg.BaseURL + path
}

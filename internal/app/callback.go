package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/aussiebroadwan/attendance/pkg/httpx"
	"github.com/aussiebroadwan/attendance/pkg/session"
	"github.com/aussiebroadwan/attendance/pkg/slogx"
)

var ErrCallbackTimeout = errors.New("app: timed out waiting for the login callback")

const callbackPage = `<!doctype html><html><body><p>Login received. You can close this window.</p></body></html>`

// Callback receives the identity provider redirect on a loopback address.
type Callback struct {
	ln      net.Listener
	base    *url.URL
	logger  *slog.Logger
	timeout time.Duration
}

// ListenCallback listens on the host and port of redirectURL.
func ListenCallback(redirectURL string, logger *slog.Logger) (*Callback, error) {
	u, err := url.Parse(redirectURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("app: invalid redirect url %q", redirectURL)
	}
	ln, err := net.Listen("tcp", u.Host)
	if err != nil {
		return nil, fmt.Errorf("app: listen for login callback: %w", err)
	}
	return NewCallback(ln, u.Path, logger), nil
}

// NewCallback serves path on an existing listener.
func NewCallback(ln net.Listener, path string, logger *slog.Logger) *Callback {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		path = "/"
	}
	return &Callback{
		ln:      ln,
		base:    &url.URL{Scheme: "http", Host: ln.Addr().String(), Path: path},
		logger:  logger.With("component", "callback"),
		timeout: 5 * time.Minute,
	}
}

// URL is the redirect URL to register with the provider.
func (c *Callback) URL() string { return c.base.String() }

// Close stops listening.
func (c *Callback) Close() error { return c.ln.Close() }

// Redirect returns a RedirectFunc that hands the provider URL to open and
// waits for the provider to redirect back. The listener is closed once the
// RedirectFunc returns, so a Callback serves a single login.
func (c *Callback) Redirect(open func(authURL string) error) session.RedirectFunc {
	return func(ctx context.Context, authURL string) (string, error) {
		got := make(chan string, 1)
		mux := http.NewServeMux()
		mux.HandleFunc("GET "+c.base.Path, func(w http.ResponseWriter, r *http.Request) {
			cb := *c.base
			cb.RawQuery = r.URL.RawQuery
			select {
			case got <- cb.String():
			default:
			}
			httpx.NoCache(w)
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = w.Write([]byte(callbackPage))
		})

		srv := &http.Server{
			Handler:           httpx.Chain(mux, slogx.HTTPMiddleware(c.logger)),
			ReadHeaderTimeout: 3 * time.Second,
		}
		go func() {
			if err := srv.Serve(c.ln); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
				c.logger.Error("callback server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		if err := open(authURL); err != nil {
			return "", err
		}

		timer := time.NewTimer(c.timeout)
		defer timer.Stop()
		select {
		case cb := <-got:
			return cb, nil
		case <-timer.C:
			return "", ErrCallbackTimeout
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

package gateway

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/aussiebroadwan/attendance/pkg/credstore"
	"github.com/aussiebroadwan/attendance/pkg/idx"
	"github.com/aussiebroadwan/attendance/pkg/slogx"
	"golang.org/x/time/rate"
)

// Doer sends one HTTP request.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// DoerFunc adapts a function to Doer.
type DoerFunc func(req *http.Request) (*http.Response, error)

func (f DoerFunc) Do(req *http.Request) (*http.Response, error) { return f(req) }

// Decorator wraps a Doer with one cross-cutting behaviour.
type Decorator func(Doer) Doer

// Decorate wraps d with decs; the first decorator is the outermost.
func Decorate(d Doer, decs ...Decorator) Doer {
	for i := len(decs) - 1; i >= 0; i-- {
		d = decs[i](d)
	}
	return d
}

// transport turns client failures into NetworkError.
func transport(c *http.Client) Doer {
	return DoerFunc(func(req *http.Request) (*http.Response, error) {
		resp, err := c.Do(req)
		if err != nil {
			return nil, &NetworkError{Op: req.Method + " " + req.URL.Path, Err: err}
		}
		return resp, nil
	})
}

// WithRequestID sets X-Request-ID when the caller did not.
func WithRequestID() Decorator {
	return func(next Doer) Doer {
		return DoerFunc(func(req *http.Request) (*http.Response, error) {
			if req.Header.Get(slogx.RequestIDHeader) == "" {
				req = req.Clone(req.Context())
				req.Header.Set(slogx.RequestIDHeader, idx.New().String())
			}
			return next.Do(req)
		})
	}
}

// WithThrottle delays requests beyond limiter's budget. A request whose
// context ends while waiting fails as a NetworkError.
func WithThrottle(limiter *rate.Limiter) Decorator {
	return func(next Doer) Doer {
		return DoerFunc(func(req *http.Request) (*http.Response, error) {
			if err := limiter.Wait(req.Context()); err != nil {
				return nil, &NetworkError{Op: "throttle", Err: err}
			}
			return next.Do(req)
		})
	}
}

type attemptKey struct{}

// attempt records which access token a request went out with.
type attempt struct {
	token string
}

// WithBearer injects the access token read from store at call time.
func WithBearer(store credstore.Store) Decorator {
	return func(next Doer) Doer {
		return DoerFunc(func(req *http.Request) (*http.Response, error) {
			token, _, err := store.Read(req.Context(), credstore.KeyAccessToken)
			if err != nil {
				return nil, err
			}
			if a, ok := req.Context().Value(attemptKey{}).(*attempt); ok {
				a.token = token
			}

			req = req.Clone(req.Context())
			if token != "" {
				req.Header.Set("Authorization", "Bearer "+token)
			}
			return next.Do(req)
		})
	}
}

// WithLogging logs every exchange. Headers and bodies are never logged.
func WithLogging(logger *slog.Logger) Decorator {
	return func(next Doer) Doer {
		return DoerFunc(func(req *http.Request) (*http.Response, error) {
			start := time.Now()
			resp, err := next.Do(req)

			attrs := []any{
				"req_id", req.Header.Get(slogx.RequestIDHeader),
				"method", req.Method,
				"path", req.URL.Path,
				"duration_ms", time.Since(start).Milliseconds(),
			}
			if err != nil {
				logger.Warn("backend request failed", append(attrs, "err", err)...)
				return nil, err
			}
			logger.Debug("backend request", append(attrs, "status", resp.StatusCode)...)
			return resp, nil
		})
	}
}

func withAttempt(ctx context.Context) (context.Context, *attempt) {
	a := &attempt{}
	return context.WithValue(ctx, attemptKey{}, a), a
}

func drain(resp *http.Response) []byte {
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	return b
}

package slogx

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/aussiebroadwan/attendance/pkg/idx"
)

// RequestIDHeader is propagated by the gateway and honoured by HTTPMiddleware
// so a client call and the server log line share one req_id.
const RequestIDHeader = "X-Request-ID"

// HTTPMiddleware logs inbound requests and attaches a contextual logger to the
// request context. It fronts the SSO callback listener and the dev stack.
func HTTPMiddleware(base *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}

			reqID, err := idx.Parse(r.Header.Get(RequestIDHeader))
			if err != nil {
				reqID = idx.New()
			}

			logger := base.With(
				"req_id", reqID.String(),
				"method", r.Method,
				"path", r.URL.Path,
			)
			r = r.WithContext(WithContext(r.Context(), logger))

			next.ServeHTTP(rw, r)

			logger.Info("http_request",
				"status", rw.status,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter

	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

package gateway

import (
	"context"
	"errors"
	"net/http"

	"github.com/aussiebroadwan/attendance/pkg/credstore"
	"github.com/aussiebroadwan/attendance/pkg/cryptox"
)

// retryOnUnauthorized re-issues a request once after a 401, refreshing the
// session first unless another caller already rotated the token this request
// went out with. Either the retry succeeds or the session is terminated.
func (c *Client) retryOnUnauthorized(next Doer) Doer {
	return DoerFunc(func(req *http.Request) (*http.Response, error) {
		ctx, first := withAttempt(req.Context())
		resp, err := next.Do(req.WithContext(ctx))
		if err != nil || resp.StatusCode != http.StatusUnauthorized {
			return resp, err
		}

		if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
			c.metrics.ObserveRetry("not_replayable")
			return resp, nil
		}

		original := parseErrorResponse(resp, drain(resp)).(*AuthError)

		if err := c.refreshAfter(req.Context(), first.token); err != nil {
			var netErr *NetworkError
			switch {
			case errors.As(err, &netErr):
				c.metrics.ObserveRetry("network")
				return nil, err
			case errors.Is(err, ErrSessionEnded):
				// Logged out or replaced underneath us; nothing left to clear.
				c.metrics.ObserveRetry("session_ended")
				return nil, endedError(original, err)
			}
			c.metrics.ObserveRetry("terminated")
			return nil, c.terminate(req.Context(), original, first.token, err)
		}

		rctx, second := withAttempt(req.Context())
		retry := req.Clone(rctx)
		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, err
			}
			retry.Body = body
		}

		resp, err = next.Do(retry)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusUnauthorized {
			rejected := parseErrorResponse(resp, drain(resp)).(*AuthError)
			c.metrics.ObserveRetry("terminated")
			return nil, c.terminate(req.Context(), rejected, second.token, errors.New("rejected after refresh"))
		}

		c.metrics.ObserveRetry("recovered")
		return resp, nil
	})
}

// refreshAfter refreshes unless the stored token already differs from stale.
func (c *Client) refreshAfter(ctx context.Context, stale string) error {
	c.retryMu.Lock()
	defer c.retryMu.Unlock()

	current, ok, err := c.store.Read(ctx, credstore.KeyAccessToken)
	if err != nil {
		return err
	}
	if !ok {
		return ErrSessionEnded
	}
	if current != stale {
		return nil
	}
	_, err = c.Refresh(ctx)
	return err
}

// terminate clears every credential and reports the end of the session,
// provided stale is still the stored access token. A session that moved on
// since the request went out is left alone and the hook does not fire.
func (c *Client) terminate(ctx context.Context, original *AuthError, stale string, cause error) error {
	authErr := endedError(original, cause)
	fp := cryptox.FingerprintToken(stale)

	wipe, err := credstore.Cleared(credstore.ScopeAll)
	if err != nil {
		return authErr
	}
	cleared, err := c.store.CompareAndWrite(context.WithoutCancel(ctx), credstore.Set{credstore.KeyAccessToken: stale}, wipe)
	switch {
	case err != nil:
		c.logger.Error("clear credentials after failed refresh", "err", err, "access_fp", fp)
	case !cleared:
		c.logger.Info("session changed before termination, keeping credentials", "cause", cause, "access_fp", fp)
		return authErr
	}
	c.logger.Warn("session terminated", "cause", cause, "access_fp", fp)

	c.mu.Lock()
	fn := c.onTerminated
	c.mu.Unlock()
	if fn != nil {
		fn(authErr)
	}
	return authErr
}

func endedError(original *AuthError, cause error) *AuthError {
	return &AuthError{
		StatusCode: http.StatusUnauthorized,
		Code:       original.Code,
		Message:    original.Message,
		Terminated: true,
		Cause:      cause,
	}
}

package jwtx

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ExpiresAt reads the exp claim of raw WITHOUT verifying the signature.
//
// Clients only use this to decide when to renew a token they already hold;
// the issuer remains the one who verifies it. ok is false for opaque tokens
// or tokens without exp.
func ExpiresAt(raw string) (exp time.Time, ok bool) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// Remaining returns how long raw stays valid after now. Tokens with an
// unknown expiry report zero so callers treat them as due for renewal.
func Remaining(raw string, now time.Time) time.Duration {
	exp, ok := ExpiresAt(raw)
	if !ok {
		return 0
	}
	if d := exp.Sub(now); d > 0 {
		return d
	}
	return 0
}

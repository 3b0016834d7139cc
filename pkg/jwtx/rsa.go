package jwtx

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWK is the public half of a signing key as published on a jwks_uri.
type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use,omitempty"`
	Alg string `json:"alg,omitempty"`
	Kid string `json:"kid,omitempty"`
	N   string `json:"n,omitempty"`
	E   string `json:"e,omitempty"`
}

// JWKS is a JSON Web Key Set (RFC 7517).
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// RS256Signer signs tokens for the dev stack. RS256 is the one algorithm every
// OIDC relying party must accept, so the dev identity provider uses it too.
type RS256Signer struct {
	kid string
	key *rsa.PrivateKey
}

// GenerateRS256Signer creates a signer with a fresh in-memory key.
func GenerateRS256Signer(kid string, bits int) (*RS256Signer, error) {
	if bits == 0 {
		bits = 2048
	}
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("jwtx: generate RSA key: %w", err)
	}
	return &RS256Signer{kid: kid, key: key}, nil
}

func (s *RS256Signer) KID() string { return s.kid }

// Sign serialises claims into a compact JWS with the kid header set.
func (s *RS256Signer) Sign(claims Claims) (string, error) {
	t := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	t.Header["kid"] = s.kid
	return t.SignedString(s.key)
}

// PublicJWKS returns the key set to serve from a jwks_uri.
func (s *RS256Signer) PublicJWKS() JWKS {
	pub := s.key.PublicKey
	return JWKS{Keys: []JWK{{
		Kty: "RSA",
		Use: "sig",
		Alg: jwt.SigningMethodRS256.Alg(),
		Kid: s.kid,
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}}}
}

// Verify checks signature, issuer, audience and expiry of raw against the
// signer's own public key. A zero now skips the time checks, which suits
// hints such as id_token_hint that are allowed to be expired.
func (s *RS256Signer) Verify(raw, issuer string, audience []string, now time.Time) (*Claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)

	token, err := parser.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		if kid, _ := t.Header["kid"].(string); kid != s.kid {
			return nil, fmt.Errorf("jwtx: unknown kid %q", kid)
		}
		return &s.key.PublicKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("jwtx: invalid token claims")
	}

	if err := claims.ValidateIssuer(issuer); err != nil {
		return nil, err
	}
	if err := claims.ValidateAudience(audience); err != nil {
		return nil, err
	}
	if !now.IsZero() {
		if err := claims.ValidateExpiry(now); err != nil {
			return nil, err
		}
	}
	return claims, nil
}

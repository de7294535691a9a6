// Package tokenauth extracts expiry and subject metadata from session
// tokens that happen to be JWTs. Session tokens are opaque to the store;
// introspection is an opt-in refinement and opaque tokens must never be
// rejected for failing to parse.
package tokenauth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// ErrNotAJWT indicates the token is not JWT-shaped; callers treat the token
// as opaque and keep whatever metadata they already have.
var ErrNotAJWT = errors.New("tokenauth: token is not a JWT")

// ErrTokenInvalid indicates a JWT-shaped token that failed verification
// against the configured key set.
var ErrTokenInvalid = errors.New("tokenauth: token invalid")

// Claims is the session metadata recoverable from a JWT session token.
type Claims struct {
	Subject   string
	ExpiresAt time.Time
}

// Introspector parses JWT-shaped session tokens. With a JWKS configured it
// verifies signatures; without one it extracts claims unverified, which is
// all an embedding client can do for server-issued tokens.
type Introspector struct {
	keyfunc jwt.Keyfunc
	leeway  time.Duration
	algs    []string
}

// Option configures an Introspector.
type Option func(*Introspector)

// WithLeeway sets clock-skew tolerance for verified parsing.
func WithLeeway(d time.Duration) Option {
	return func(i *Introspector) { i.leeway = d }
}

// WithAllowedAlgs restricts acceptable signing algorithms for verified
// parsing. Default: EdDSA and RS256.
func WithAllowedAlgs(algs ...string) Option {
	return func(i *Introspector) { i.algs = algs }
}

// New creates an unverified-parse Introspector.
func New(opts ...Option) *Introspector {
	i := &Introspector{
		leeway: 60 * time.Second,
		algs:   []string{"EdDSA", "RS256"},
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// NewWithJWKS creates an Introspector that verifies tokens against an
// auto-refreshing JWKS fetched from jwksURL.
func NewWithJWKS(ctx context.Context, jwksURL string, opts ...Option) (*Introspector, error) {
	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("tokenauth: jwks init failed: %w", err)
	}
	i := New(opts...)
	i.keyfunc = kf.Keyfunc
	return i, nil
}

// Introspect parses token and returns its session claims. Non-JWT tokens
// return ErrNotAJWT; JWT-shaped tokens that fail verification (when a key
// set is configured) return an error wrapping ErrTokenInvalid.
func (i *Introspector) Introspect(token string) (*Claims, error) {
	if strings.Count(token, ".") != 2 {
		return nil, ErrNotAJWT
	}

	var claims jwt.RegisteredClaims
	if i.keyfunc != nil {
		parser := jwt.NewParser(
			jwt.WithValidMethods(i.algs),
			jwt.WithLeeway(i.leeway),
			jwt.WithExpirationRequired(),
		)
		if _, err := parser.ParseWithClaims(token, &claims, i.keyfunc); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
		}
	} else {
		parser := jwt.NewParser()
		if _, _, err := parser.ParseUnverified(token, &claims); err != nil {
			return nil, ErrNotAJWT
		}
	}

	out := &Claims{Subject: claims.Subject}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	return out, nil
}

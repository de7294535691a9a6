package tokenauth

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signedToken(t *testing.T, claims jwt.RegisteredClaims) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(priv)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return tok
}

func TestIntrospectOpaqueToken(t *testing.T) {
	i := New()
	if _, err := i.Introspect("not-a-jwt-at-all"); !errors.Is(err, ErrNotAJWT) {
		t.Fatalf("Introspect() = %v, want ErrNotAJWT", err)
	}
}

func TestIntrospectUnverified(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	tok := signedToken(t, jwt.RegisteredClaims{
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(exp),
	})

	claims, err := New().Introspect(tok)
	if err != nil {
		t.Fatalf("Introspect() failed: %v", err)
	}
	if claims.Subject != "user-1" {
		t.Fatalf("subject = %q, want user-1", claims.Subject)
	}
	if !claims.ExpiresAt.Equal(exp) {
		t.Fatalf("expiry = %v, want %v", claims.ExpiresAt, exp)
	}
}

func TestIntrospectMissingExpiry(t *testing.T) {
	tok := signedToken(t, jwt.RegisteredClaims{Subject: "user-2"})

	claims, err := New().Introspect(tok)
	if err != nil {
		t.Fatalf("Introspect() failed: %v", err)
	}
	if !claims.ExpiresAt.IsZero() {
		t.Fatalf("expiry = %v, want zero", claims.ExpiresAt)
	}
}

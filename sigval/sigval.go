// Package sigval rejects forged request messages before they reach the
// proxy layer. Signatures are compact JWS (EdDSA) over the canonical
// payload encoding; validation reconstructs the exact signed structure and
// compares byte-for-byte, so field presence and order must match what was
// signed.
package sigval

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	jose "github.com/go-jose/go-jose/v4"
)

// ErrSignatureInvalid is the sentinel wrapped by all validation failures
// surfaced through ValidateErr.
var ErrSignatureInvalid = errors.New("sigval: signature invalid")

// DefaultMaxAge bounds how old a signed request timestamp may be.
const DefaultMaxAge = 5 * time.Minute

// DefaultPublicKeyJWK is the baked-in verification key used when no key is
// supplied at construction.
const DefaultPublicKeyJWK = `{"kty":"OKP","crv":"Ed25519","x":"11qYAYKxCrfVS_7TyWQHOg7hcvPapiMlrwIaaPcHURo"}`

// SigningPayload is the exact structure covered by a request signature.
// Params is included only when the request carried params at signing time;
// a presence mismatch fails validation.
type SigningPayload struct {
	Method    string          `json:"method"`
	IframeUID string          `json:"iframeUid"`
	RequestID string          `json:"requestId"`
	Timestamp int64           `json:"timestamp"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// Canonical returns the byte encoding that signatures cover.
func (p SigningPayload) Canonical() ([]byte, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("sigval: failed to encode canonical payload: %w", err)
	}
	return raw, nil
}

// Validator verifies request signatures against one trusted public key.
type Validator struct {
	key    ed25519.PublicKey
	maxAge time.Duration
	now    func() time.Time
	log    *slog.Logger
}

// Option configures a Validator.
type Option func(*Validator)

// WithMaxAge overrides the timestamp staleness bound. Zero disables the
// staleness check.
func WithMaxAge(d time.Duration) Option {
	return func(v *Validator) { v.maxAge = d }
}

// WithLogger sets the diagnostics logger.
func WithLogger(log *slog.Logger) Option {
	return func(v *Validator) { v.log = log }
}

// New creates a Validator for the given public key. A nil key falls back to
// the baked-in default.
func New(key ed25519.PublicKey, opts ...Option) (*Validator, error) {
	if key == nil {
		parsed, err := ParsePublicKeyJWK([]byte(DefaultPublicKeyJWK))
		if err != nil {
			return nil, err
		}
		key = parsed
	}
	if len(key) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("sigval: public key must be %d bytes, got %d", ed25519.PublicKeySize, len(key))
	}
	v := &Validator{
		key:    key,
		maxAge: DefaultMaxAge,
		now:    time.Now,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// NewFromJWK creates a Validator from a JSON-encoded Ed25519 JWK.
func NewFromJWK(jwkJSON []byte, opts ...Option) (*Validator, error) {
	key, err := ParsePublicKeyJWK(jwkJSON)
	if err != nil {
		return nil, err
	}
	return New(key, opts...)
}

// ParsePublicKeyJWK decodes an Ed25519 public key from JWK JSON.
func ParsePublicKeyJWK(jwkJSON []byte) (ed25519.PublicKey, error) {
	var jwk jose.JSONWebKey
	if err := jwk.UnmarshalJSON(jwkJSON); err != nil {
		return nil, fmt.Errorf("sigval: failed to parse JWK: %w", err)
	}
	key, ok := jwk.Key.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("sigval: JWK is not an Ed25519 public key")
	}
	return key, nil
}

// Validate reports whether signature is a valid JWS over exactly the
// canonical encoding of payload. False means "reject the request"; callers
// must not fall back to trusting unsigned data.
func (v *Validator) Validate(payload SigningPayload, signature string) bool {
	return v.ValidateErr(payload, signature) == nil
}

// ValidateErr is Validate with the failure reason, for logging call sites.
// All failures wrap ErrSignatureInvalid.
func (v *Validator) ValidateErr(payload SigningPayload, signature string) error {
	if signature == "" {
		return fmt.Errorf("%w: empty signature", ErrSignatureInvalid)
	}
	if v.maxAge > 0 {
		ts := time.UnixMilli(payload.Timestamp)
		if age := v.now().Sub(ts); age > v.maxAge || age < -v.maxAge {
			return fmt.Errorf("%w: stale timestamp (age %s)", ErrSignatureInvalid, v.now().Sub(ts))
		}
	}

	jws, err := jose.ParseSigned(signature, []jose.SignatureAlgorithm{jose.EdDSA})
	if err != nil {
		return fmt.Errorf("%w: malformed JWS: %v", ErrSignatureInvalid, err)
	}
	if len(jws.Signatures) != 1 {
		return fmt.Errorf("%w: unexpected signature count %d", ErrSignatureInvalid, len(jws.Signatures))
	}
	signed, err := jws.Verify(v.key)
	if err != nil {
		return fmt.Errorf("%w: verification failed: %v", ErrSignatureInvalid, err)
	}

	canonical, err := payload.Canonical()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	if !bytes.Equal(signed, canonical) {
		return fmt.Errorf("%w: signed payload does not match request", ErrSignatureInvalid)
	}
	return nil
}

package sigval

import (
	"crypto/ed25519"
	"fmt"

	jose "github.com/go-jose/go-jose/v4"
)

// Signer produces request signatures compatible with Validator. The forum
// surface signs with the matching private key; in this module the signer is
// used by tests and in-process context simulations.
type Signer struct {
	priv ed25519.PrivateKey
}

// NewSigner wraps an Ed25519 private key.
func NewSigner(priv ed25519.PrivateKey) (*Signer, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("sigval: private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(priv))
	}
	return &Signer{priv: priv}, nil
}

// Sign returns the compact JWS over the canonical encoding of payload.
func (s *Signer) Sign(payload SigningPayload) (string, error) {
	canonical, err := payload.Canonical()
	if err != nil {
		return "", err
	}
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.EdDSA, Key: s.priv}, nil)
	if err != nil {
		return "", fmt.Errorf("sigval: failed to create signer: %w", err)
	}
	jws, err := signer.Sign(canonical)
	if err != nil {
		return "", fmt.Errorf("sigval: failed to sign payload: %w", err)
	}
	compact, err := jws.CompactSerialize()
	if err != nil {
		return "", fmt.Errorf("sigval: failed to serialize jws: %w", err)
	}
	return compact, nil
}

package sessionstore

import (
	"errors"
	"fmt"
	"time"
)

// IdentityKind names how a session's identity was established.
type IdentityKind string

const (
	IdentityENS              IdentityKind = "ens"
	IdentityUniversalProfile IdentityKind = "universal_profile"
	IdentityAnonymous        IdentityKind = "anonymous"
)

// Valid reports whether k is a known identity kind.
func (k IdentityKind) Valid() bool {
	switch k {
	case IdentityENS, IdentityUniversalProfile, IdentityAnonymous:
		return true
	}
	return false
}

// minTokenLength guards against obviously truncated tokens being persisted.
const minTokenLength = 8

// Record is one authenticated identity. The token is opaque and is the
// source of truth for authorization. A record is only usable while it is
// flagged active and unexpired.
type Record struct {
	Token           string       `json:"sessionToken"`
	UserID          string       `json:"userId"`
	Identity        IdentityKind `json:"identityType"`
	WalletAddress   string       `json:"walletAddress,omitempty"`
	DomainName      string       `json:"domainName,omitempty"`
	Name            string       `json:"name,omitempty"`
	ProfileImageURL string       `json:"profileImageUrl,omitempty"`
	ExpiresAt       time.Time    `json:"expiresAt"`
	LastAccessedAt  time.Time    `json:"lastAccessedAt"`
	IsActive        bool         `json:"isActive"`
}

// Usable reports whether the record can authorize requests at instant now.
func (r Record) Usable(now time.Time) bool {
	return r.IsActive && r.ExpiresAt.After(now)
}

// ErrValidation is returned for malformed records; such records are
// rejected and never persisted.
var ErrValidation = errors.New("sessionstore: invalid record")

// ErrNotFound is returned when an operation references an unknown or
// expired token; the store is left untouched.
var ErrNotFound = errors.New("sessionstore: session not found")

func validateRecord(r Record, now time.Time) error {
	if len(r.Token) < minTokenLength {
		return fmt.Errorf("%w: token too short", ErrValidation)
	}
	if r.UserID == "" {
		return fmt.Errorf("%w: empty user id", ErrValidation)
	}
	if !r.Identity.Valid() {
		return fmt.Errorf("%w: unknown identity kind %q", ErrValidation, r.Identity)
	}
	if !r.ExpiresAt.After(now) {
		return fmt.Errorf("%w: already expired", ErrValidation)
	}
	return nil
}

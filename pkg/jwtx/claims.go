package jwtx

import (
	"crypto/rand"
	"encoding/base64"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultAccessTokenTTL is the access token lifetime used when none is
// configured. Refresh tokens live DefaultRefreshMultiplier times longer.
const (
	DefaultAccessTokenTTL    = 15 * time.Minute
	DefaultRefreshMultiplier = 10
)

// Kind separates access tokens from refresh tokens. A token minted as one
// kind is never accepted as the other.
type Kind string

const (
	KindAccess  Kind = "access"
	KindRefresh Kind = "refresh"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindAccess || k == KindRefresh
}

func (k Kind) String() string { return string(k) }

// Claims carry the subject and the client fingerprint the token was issued
// to. Expiry is in-band (exp) and is cross-checked against the stored record
// by the caller.
type Claims struct {
	jwt.RegisteredClaims

	Kind Kind `json:"kind"`

	// Fingerprint of the client at issuance.
	UserAgent     string `json:"ua"`
	SourceAddress string `json:"src"`

	// Username is informational only, the subject is authoritative.
	Username string `json:"username,omitempty"`
}

// NewClaims builds claims for a single token of the given kind.
func NewClaims(
	kind Kind,
	subject, username string,
	userAgent, sourceAddress string,
	ttl time.Duration,
	issuer string,
	now time.Time,
) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        NewJTI(),
		},
		Kind:          kind,
		UserAgent:     userAgent,
		SourceAddress: sourceAddress,
		Username:      username,
	}
}

// NewJTI returns a URL-safe random identifier for the "jti" claim. Two tokens
// minted for the same subject in the same second still differ because of it.
func NewJTI() string {
	var b [20]byte
	_, _ = rand.Read(b[:])
	return base64.RawURLEncoding.EncodeToString(b[:])
}

// ValidateIssuer checks if the issuer matches expected value.
func (c *Claims) ValidateIssuer(expected string) error {
	if expected == "" {
		return nil // nothing to enforce
	}

	if c.Issuer != expected {
		return ErrIssuer
	}

	return nil
}

// ExpiredAt reports whether the in-band expiry has passed at t. Claims
// without an exp never count as live.
func (c *Claims) ExpiredAt(t time.Time) bool {
	if c.ExpiresAt == nil {
		return true
	}
	return !t.Before(c.ExpiresAt.Time)
}

// ExpiresAtTime returns the in-band expiry or the zero time.
func (c *Claims) ExpiresAtTime() time.Time {
	if c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}

// MatchesFingerprint reports whether both halves of the fingerprint embedded
// at issuance equal the presented ones.
func (c *Claims) MatchesFingerprint(userAgent, sourceAddress string) bool {
	return c.UserAgent == userAgent && c.SourceAddress == sourceAddress
}

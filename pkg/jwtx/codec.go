package jwtx

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MinSecretSize is the shortest HMAC secret NewHS256Codec accepts.
const MinSecretSize = 32

var (
	ErrEncoding    = errors.New("jwtx: encoding failed")
	ErrMalformed   = errors.New("jwtx: malformed token")
	ErrExpired     = errors.New("jwtx: token expired")
	ErrUnsupported = errors.New("jwtx: unsupported token")
	ErrIssuer      = errors.New("jwtx: issuer mismatch")
	ErrWeakSecret  = errors.New("jwtx: secret too short")
)

// Codec turns claims into signed tokens and back.
type Codec interface {
	Encode(Claims) (string, error)
	Decode(raw string) (Claims, error)
	Expired(raw string) bool
}

// HS256Codec signs with a single process-wide HMAC secret. Replacing the
// secret invalidates every token signed with the previous one.
type HS256Codec struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewHS256Codec creates a codec. An empty issuer disables the iss check.
func NewHS256Codec(secret []byte, issuer string) (*HS256Codec, error) {
	if len(secret) < MinSecretSize {
		return nil, fmt.Errorf("%w: got %d bytes, need %d", ErrWeakSecret, len(secret), MinSecretSize)
	}

	key := make([]byte, len(secret))
	copy(key, secret)

	return &HS256Codec{
		secret: key,
		issuer: issuer,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// WithClock returns a copy of the codec that reads time from now. Used by
// tests that need tokens to expire without sleeping.
func (c *HS256Codec) WithClock(now func() time.Time) *HS256Codec {
	cp := *c
	cp.now = now
	return &cp
}

// Issuer returns the configured issuer.
func (c *HS256Codec) Issuer() string { return c.issuer }

// Encode signs the claims.
func (c *HS256Codec) Encode(claims Claims) (string, error) {
	if !claims.Kind.Valid() {
		return "", fmt.Errorf("%w: unknown kind %q", ErrEncoding, claims.Kind)
	}

	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrEncoding, err)
	}
	return raw, nil
}

// Decode verifies the signature and shape of raw. When the in-band expiry has
// passed the decoded claims are returned together with ErrExpired so callers
// can still find the stored record.
func (c *HS256Codec) Decode(raw string) (Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Claims{}, ErrMalformed
	}

	// Time based checks are done below against c.now so that exp is the
	// only field that can yield ErrExpired.
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())

	var claims Claims
	_, err := parser.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		if t.Method == nil || t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, ErrUnsupported
		}
		return c.secret, nil
	})
	switch {
	case err == nil:
	case errors.Is(err, ErrUnsupported):
		return Claims{}, ErrUnsupported
	default:
		return Claims{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	if !claims.Kind.Valid() {
		return Claims{}, ErrUnsupported
	}
	if claims.Subject == "" || claims.ExpiresAt == nil {
		return Claims{}, fmt.Errorf("%w: missing sub or exp", ErrMalformed)
	}
	if err := claims.ValidateIssuer(c.issuer); err != nil {
		return Claims{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if claims.ExpiredAt(c.now()) {
		return claims, ErrExpired
	}

	return claims, nil
}

// Expired reports whether the in-band expiry of raw has passed. A token that
// cannot be decoded at all counts as expired.
func (c *HS256Codec) Expired(raw string) bool {
	_, err := c.Decode(raw)
	return err != nil
}

// GenerateSecret returns a random secret suitable for NewHS256Codec.
func GenerateSecret() ([]byte, error) {
	b := make([]byte, MinSecretSize*2)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("jwtx: generate secret: %w", err)
	}
	return b, nil
}

// DecodeSecret parses a base64 (std or url, padded or not) encoded secret.
func DecodeSecret(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, errors.New("jwtx: secret is not valid base64")
}

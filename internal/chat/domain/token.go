package domain

import (
	"time"

	"github.com/aussiebroadwan/simplechat/pkg/jwtx"
)

// IssuedToken is the stored record of an access or refresh token. Flags only
// ever move from false to true and rows are never deleted.
type IssuedToken struct {
	ID        string // ULID
	Kind      jwtx.Kind
	UserID    int64
	Token     string // raw signed token, unique per kind
	Expired   bool
	ExpiredAt *time.Time
	Revoked   bool
	RevokedAt *time.Time
	IssuedAt  time.Time
}

// Active reports whether the record is neither expired nor revoked.
func (t IssuedToken) Active() bool {
	return !t.Expired && !t.Revoked
}

// TokenPair is what issuance and rotation hand back to the caller.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

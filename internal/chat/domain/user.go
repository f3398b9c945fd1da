package domain

import (
	"strconv"
	"time"
)

const RoleUser = "ROLE_USER"

type User struct {
	ID           int64
	Username     string // stored lower-cased
	Email        string
	FirstName    string
	LastName     string
	PasswordHash string // argon2id PHC string
	Roles        []string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Identity returns the subject reference tokens and connections bind to.
func (u User) Identity() Identity {
	return Identity{ID: u.ID, Username: u.Username}
}

// Identity is an immutable subject reference.
type Identity struct {
	ID       int64
	Username string
}

// Subject is the identity as carried in the token "sub" claim.
func (i Identity) Subject() string {
	return strconv.FormatInt(i.ID, 10)
}

// ParseSubject is the inverse of Identity.Subject.
func ParseSubject(sub string) (int64, error) {
	return strconv.ParseInt(sub, 10, 64)
}

// Fingerprint identifies the client a token was issued to.
type Fingerprint struct {
	UserAgent     string
	SourceAddress string
}

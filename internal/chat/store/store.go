package store

import (
	"context"
	"errors"
	"time"

	"github.com/aussiebroadwan/simplechat/internal/chat/domain"
	"github.com/aussiebroadwan/simplechat/pkg/jwtx"
)

var (
	ErrNotFound      = errors.New("store: not found")
	ErrAlreadyExists = errors.New("store: already exists")
)

// Store is the root data access interface. Sub-repositories are reached
// through accessors so a Tx hands out repos bound to the same transaction.
type Store interface {
	Users() Users
	Tokens() Tokens

	ApplyMigrations() error

	// Tx starts a read/write transaction and returns a Tx-scoped Store.
	// The caller MUST call Commit() or Rollback() on the returned Tx.
	Tx(ctx context.Context) (Tx, error)

	// WithTx runs fn in a transaction, committing when fn returns nil.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	Close() error
	Ping(ctx context.Context) error
}

// Tx is a transactional store. Nested transactions are not supported.
type Tx interface {
	Store
	Commit() error
	Rollback() error
}

type Users interface {
	// CreateUser inserts u and returns it with its assigned id. A taken
	// username or email yields ErrAlreadyExists.
	CreateUser(ctx context.Context, u domain.User) (domain.User, error)

	GetUserByID(ctx context.Context, id int64) (domain.User, error)

	// GetUserByUsername expects the lower-cased username.
	GetUserByUsername(ctx context.Context, username string) (domain.User, error)

	GetUserByEmail(ctx context.Context, email string) (domain.User, error)

	// UpdatePasswordHash sets the password_hash and bumps updated_at.
	UpdatePasswordHash(ctx context.Context, id int64, hash string) error
}

// Tokens persists issued access and refresh tokens. The two mutators are
// compare-and-set updates: they report false when the row was already in
// the target state, so concurrent callers can tell who won.
type Tokens interface {
	// CreateToken inserts a new active record. A raw token already stored
	// for the same kind yields ErrAlreadyExists.
	CreateToken(ctx context.Context, t domain.IssuedToken) error

	GetTokenByRaw(ctx context.Context, kind jwtx.Kind, raw string) (domain.IssuedToken, error)

	// ListActiveTokensForUser returns every non-revoked record of both kinds.
	ListActiveTokensForUser(ctx context.Context, userID int64) ([]domain.IssuedToken, error)

	// ListNonExpiredTokens returns every record of kind not yet flagged expired.
	ListNonExpiredTokens(ctx context.Context, kind jwtx.Kind) ([]domain.IssuedToken, error)

	// ExpireToken sets expired=1, expired_at=at if not already expired.
	ExpireToken(ctx context.Context, id string, at time.Time) (bool, error)

	// RevokeToken sets revoked=1, revoked_at=at if not already revoked, and
	// marks the row expired at the same time if it was not.
	RevokeToken(ctx context.Context, id string, at time.Time) (bool, error)
}

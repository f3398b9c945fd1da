package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"regexp"
	"strings"

	"github.com/aussiebroadwan/simplechat/internal/chat/domain"
	"github.com/aussiebroadwan/simplechat/internal/chat/store"
	"github.com/aussiebroadwan/simplechat/pkg/cryptox"
	"github.com/aussiebroadwan/simplechat/pkg/slogx"
)

const MinPasswordLength = 8

var usernamePattern = regexp.MustCompile(`^[a-z0-9_.-]{3,32}$`)

type UserService struct {
	Store  store.Store
	Hasher *cryptox.Hasher
	Tokens *TokenService
}

// SignUpRequest carries the fields accepted at registration.
type SignUpRequest struct {
	Username  string
	Email     string
	Password  string
	FirstName string
	LastName  string
}

// SignUp registers a user and issues their first token pair.
func (s *UserService) SignUp(ctx context.Context, req SignUpRequest, fp domain.Fingerprint) (domain.User, domain.TokenPair, error) {
	log := slogx.FromContext(ctx)

	// 1. Normalise and validate input
	username := strings.ToLower(strings.TrimSpace(req.Username))
	email := strings.TrimSpace(req.Email)

	if !usernamePattern.MatchString(username) {
		return domain.User{}, domain.TokenPair{}, fmt.Errorf("%w: username must be 3-32 characters of a-z, 0-9, '_', '.', '-'", ErrInvalidInput)
	}
	if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
		return domain.User{}, domain.TokenPair{}, fmt.Errorf("%w: invalid email address", ErrInvalidInput)
	}
	if len(req.Password) < MinPasswordLength {
		return domain.User{}, domain.TokenPair{}, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, MinPasswordLength)
	}

	// 2. Hash and store
	hash, err := s.Hasher.Hash(req.Password)
	if err != nil {
		log.Error("failed to hash password", slog.Any("error", err))
		return domain.User{}, domain.TokenPair{}, err
	}

	u, err := s.Store.Users().CreateUser(ctx, domain.User{
		Username:     username,
		Email:        email,
		FirstName:    strings.TrimSpace(req.FirstName),
		LastName:     strings.TrimSpace(req.LastName),
		PasswordHash: hash,
		Roles:        []string{domain.RoleUser},
	})
	if errors.Is(err, store.ErrAlreadyExists) {
		log.Info("sign up with taken username or email", slog.String("username", username))
		return domain.User{}, domain.TokenPair{}, ErrUserExists
	}
	if err != nil {
		log.Error("failed to create user", slog.Any("error", err))
		return domain.User{}, domain.TokenPair{}, err
	}

	log.Info("user registered", slog.Int64("user_id", u.ID), slog.String("username", u.Username))

	// 3. Issue the first pair
	pair, err := s.Tokens.Issue(ctx, u.Identity(), fp)
	if err != nil {
		return domain.User{}, domain.TokenPair{}, err
	}

	return u, pair, nil
}

// SignIn checks credentials and issues a token pair. A login containing '@'
// is treated as an email address.
func (s *UserService) SignIn(ctx context.Context, login, password string, fp domain.Fingerprint) (domain.User, domain.TokenPair, error) {
	log := slogx.FromContext(ctx)

	login = strings.TrimSpace(login)
	if login == "" || password == "" {
		return domain.User{}, domain.TokenPair{}, ErrInvalidCredentials
	}

	var (
		u   domain.User
		err error
	)
	if strings.Contains(login, "@") {
		u, err = s.Store.Users().GetUserByEmail(ctx, login)
	} else {
		u, err = s.Store.Users().GetUserByUsername(ctx, strings.ToLower(login))
	}
	if errors.Is(err, store.ErrNotFound) {
		// Keep timing close to the known-user path
		_ = s.Hasher.VerifyDummy(password)
		log.Info("sign in for unknown user")
		return domain.User{}, domain.TokenPair{}, ErrInvalidCredentials
	}
	if err != nil {
		log.Error("failed to load user", slog.Any("error", err))
		return domain.User{}, domain.TokenPair{}, err
	}

	if err := s.Hasher.Verify(password, u.PasswordHash); err != nil {
		log.Info("sign in with wrong password", slog.Int64("user_id", u.ID))
		return domain.User{}, domain.TokenPair{}, ErrInvalidCredentials
	}

	pair, err := s.Tokens.Issue(ctx, u.Identity(), fp)
	if err != nil {
		return domain.User{}, domain.TokenPair{}, err
	}

	return u, pair, nil
}

// ChangePassword replaces the credential of userID and revokes every token
// the identity holds. It returns the number of tokens revoked.
func (s *UserService) ChangePassword(ctx context.Context, userID int64, oldPassword, newPassword string) (int, error) {
	log := slogx.FromContext(ctx)

	if len(newPassword) < MinPasswordLength {
		return 0, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, MinPasswordLength)
	}

	u, err := s.Store.Users().GetUserByID(ctx, userID)
	if err != nil {
		return 0, err
	}

	if err := s.Hasher.Verify(oldPassword, u.PasswordHash); err != nil {
		log.Info("password change with wrong current password", slog.Int64("user_id", u.ID))
		return 0, ErrInvalidCredentials
	}

	hash, err := s.Hasher.Hash(newPassword)
	if err != nil {
		return 0, err
	}
	if err := s.Store.Users().UpdatePasswordHash(ctx, u.ID, hash); err != nil {
		log.Error("failed to update password", slog.Any("error", err))
		return 0, err
	}

	n, err := s.Tokens.RevokeAll(ctx, u.Identity())
	if err != nil {
		return 0, err
	}

	log.Info("password changed", slog.Int64("user_id", u.ID), slog.Int("revoked", n))
	return n, nil
}

// GetUser fetches a user by id.
func (s *UserService) GetUser(ctx context.Context, userID int64) (domain.User, error) {
	return s.Store.Users().GetUserByID(ctx, userID)
}

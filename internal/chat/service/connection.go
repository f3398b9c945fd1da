package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/aussiebroadwan/simplechat/internal/chat/domain"
	"github.com/aussiebroadwan/simplechat/internal/chat/store"
	"github.com/aussiebroadwan/simplechat/pkg/jwtx"
)

// AuthenticateConnection checks an access token presented on a broadcast
// connection on behalf of userID. Any validation failure is returned as
// ErrInvalidToken wrapping the reason.
func (s *TokenService) AuthenticateConnection(
	ctx context.Context,
	userID int64,
	raw string,
	fp domain.Fingerprint,
) (domain.Identity, error) {
	if raw == "" {
		return domain.Identity{}, ErrNoTokenPresent
	}

	u, err := s.Store.Users().GetUserByID(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Identity{}, fmt.Errorf("%w: %w", ErrInvalidToken, ErrUnknownToken)
	}
	if err != nil {
		return domain.Identity{}, fmt.Errorf("load user: %w", err)
	}

	v, err := s.Validate(ctx, jwtx.KindAccess, raw, u.Identity(), fp)
	if err != nil {
		return domain.Identity{}, err
	}
	if !v.OK {
		return domain.Identity{}, fmt.Errorf("%w: %w", ErrInvalidToken, v.Reason)
	}

	return u.Identity(), nil
}

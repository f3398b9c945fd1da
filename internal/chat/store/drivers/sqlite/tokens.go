package sqlite

import (
	"context"
	"time"

	"github.com/aussiebroadwan/simplechat/internal/chat/domain"
	"github.com/aussiebroadwan/simplechat/internal/chat/store/drivers/sqlite/gen"
	"github.com/aussiebroadwan/simplechat/pkg/jwtx"
)

type tokensRepo struct {
	q *gen.Queries
}

func (r *tokensRepo) CreateToken(ctx context.Context, t domain.IssuedToken) error {
	err := r.q.CreateIssuedToken(ctx, gen.CreateIssuedTokenParams{
		ID:       t.ID,
		Kind:     t.Kind.String(),
		UserID:   t.UserID,
		Token:    t.Token,
		IssuedAt: t.IssuedAt,
	})
	return mapConstraint(err)
}

func (r *tokensRepo) GetTokenByRaw(ctx context.Context, kind jwtx.Kind, raw string) (domain.IssuedToken, error) {
	row, err := r.q.GetIssuedTokenByRaw(ctx, gen.GetIssuedTokenByRawParams{
		Kind:  kind.String(),
		Token: raw,
	})
	if err != nil {
		return domain.IssuedToken{}, mapNotFound(err)
	}
	return mapIssuedToken(row), nil
}

func (r *tokensRepo) ListActiveTokensForUser(ctx context.Context, userID int64) ([]domain.IssuedToken, error) {
	rows, err := r.q.ListActiveIssuedTokensForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return mapIssuedTokens(rows), nil
}

func (r *tokensRepo) ListNonExpiredTokens(ctx context.Context, kind jwtx.Kind) ([]domain.IssuedToken, error) {
	rows, err := r.q.ListNonExpiredIssuedTokens(ctx, kind.String())
	if err != nil {
		return nil, err
	}
	return mapIssuedTokens(rows), nil
}

func (r *tokensRepo) ExpireToken(ctx context.Context, id string, at time.Time) (bool, error) {
	n, err := r.q.ExpireIssuedToken(ctx, gen.ExpireIssuedTokenParams{At: at, ID: id})
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *tokensRepo) RevokeToken(ctx context.Context, id string, at time.Time) (bool, error) {
	n, err := r.q.RevokeIssuedToken(ctx, gen.RevokeIssuedTokenParams{At: at, ID: id})
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aussiebroadwan/simplechat/internal/chat/domain"
	"github.com/aussiebroadwan/simplechat/internal/chat/metrics"
	"github.com/aussiebroadwan/simplechat/internal/chat/store"
	"github.com/aussiebroadwan/simplechat/pkg/idx"
	"github.com/aussiebroadwan/simplechat/pkg/jwtx"
	"github.com/aussiebroadwan/simplechat/pkg/slogx"
)

// TokenService owns the lifecycle of issued access and refresh tokens.
type TokenService struct {
	Store             store.Store
	Codec             jwtx.Codec
	Issuer            string
	AccessTTL         time.Duration
	RefreshMultiplier int
	Metrics           *metrics.Metrics

	// Now defaults to time.Now in UTC.
	Now func() time.Time
}

// Validation is the outcome of Validate. Routine "not currently valid"
// results are reported here, never as an error.
type Validation struct {
	OK     bool
	Reason error

	// Token is the stored record, zero when no record was found.
	Token domain.IssuedToken
}

func (s *TokenService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *TokenService) accessTTL() time.Duration {
	if s.AccessTTL <= 0 {
		return jwtx.DefaultAccessTokenTTL
	}
	return s.AccessTTL
}

func (s *TokenService) refreshTTL() time.Duration {
	n := s.RefreshMultiplier
	if n <= 0 {
		n = jwtx.DefaultRefreshMultiplier
	}
	return s.accessTTL() * time.Duration(n)
}

// Issue mints and stores a fresh access and refresh token pair.
func (s *TokenService) Issue(ctx context.Context, id domain.Identity, fp domain.Fingerprint) (domain.TokenPair, error) {
	var pair domain.TokenPair
	err := s.Store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		pair, err = s.issue(ctx, tx, id, fp, s.now())
		return err
	})
	if err != nil {
		return domain.TokenPair{}, err
	}

	s.Metrics.IncIssued(jwtx.KindAccess.String())
	s.Metrics.IncIssued(jwtx.KindRefresh.String())
	slogx.FromContext(ctx).Info("token pair issued", "user_id", id.ID)

	return pair, nil
}

// issue encodes and inserts both tokens using tx.
func (s *TokenService) issue(
	ctx context.Context,
	tx store.Tx,
	id domain.Identity,
	fp domain.Fingerprint,
	now time.Time,
) (domain.TokenPair, error) {
	access, accessExp, err := s.mint(ctx, tx, jwtx.KindAccess, s.accessTTL(), id, fp, now)
	if err != nil {
		return domain.TokenPair{}, err
	}

	refresh, refreshExp, err := s.mint(ctx, tx, jwtx.KindRefresh, s.refreshTTL(), id, fp, now)
	if err != nil {
		return domain.TokenPair{}, err
	}

	return domain.TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

func (s *TokenService) mint(
	ctx context.Context,
	tx store.Tx,
	kind jwtx.Kind,
	ttl time.Duration,
	id domain.Identity,
	fp domain.Fingerprint,
	now time.Time,
) (string, time.Time, error) {
	claims := jwtx.NewClaims(kind, id.Subject(), id.Username, fp.UserAgent, fp.SourceAddress, ttl, s.Issuer, now)

	raw, err := s.Codec.Encode(claims)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("encode %s token: %w", kind, err)
	}

	err = tx.Tokens().CreateToken(ctx, domain.IssuedToken{
		ID:       idx.NewAt(now).String(),
		Kind:     kind,
		UserID:   id.ID,
		Token:    raw,
		IssuedAt: now,
	})
	if errors.Is(err, store.ErrAlreadyExists) {
		// Signature plus random jti make this practically impossible, so
		// a hit means something is badly wrong with the codec or store.
		slogx.FromContext(ctx).Error("duplicate raw token on insert", "kind", kind, "user_id", id.ID)
		return "", time.Time{}, ErrDuplicateToken
	}
	if err != nil {
		return "", time.Time{}, fmt.Errorf("store %s token: %w", kind, err)
	}

	return raw, claims.ExpiresAtTime(), nil
}

// Validate checks raw against its stored record, the expected identity and
// the presenting client's fingerprint. The error return is reserved for
// store failures.
//
// Presenting a token whose record is already expired or revoked revokes it
// (if it was not yet) before reporting the failure.
func (s *TokenService) Validate(
	ctx context.Context,
	kind jwtx.Kind,
	raw string,
	id domain.Identity,
	fp domain.Fingerprint,
) (Validation, error) {
	v, err := s.validate(ctx, kind, raw, id, fp)
	if err != nil {
		return Validation{}, err
	}
	if !v.OK {
		s.Metrics.IncValidationFailure(reasonLabel(v.Reason))
		slogx.FromContext(ctx).Debug("token validation failed",
			"kind", kind,
			"user_id", id.ID,
			"reason", reasonLabel(v.Reason),
		)
	}
	return v, nil
}

func (s *TokenService) validate(
	ctx context.Context,
	kind jwtx.Kind,
	raw string,
	id domain.Identity,
	fp domain.Fingerprint,
) (Validation, error) {
	if raw == "" {
		return Validation{Reason: ErrNoTokenPresent}, nil
	}

	claims, err := s.Codec.Decode(raw)
	switch {
	case err == nil:
	case errors.Is(err, jwtx.ErrExpired):
		return s.inBandExpired(ctx, kind, raw)
	case errors.Is(err, jwtx.ErrUnsupported):
		return Validation{Reason: ErrUnsupportedToken}, nil
	default:
		return Validation{Reason: ErrMalformedToken}, nil
	}

	if claims.Kind != kind {
		return Validation{Reason: ErrUnsupportedToken}, nil
	}

	rec, err := s.Store.Tokens().GetTokenByRaw(ctx, kind, raw)
	if errors.Is(err, store.ErrNotFound) {
		return Validation{Reason: ErrUnknownToken}, nil
	}
	if err != nil {
		return Validation{}, fmt.Errorf("lookup token: %w", err)
	}

	if !rec.Active() {
		return s.deadTokenPresented(ctx, rec)
	}

	if claims.Subject != id.Subject() || rec.UserID != id.ID {
		return Validation{Reason: ErrSubjectMismatch, Token: rec}, nil
	}

	if !claims.MatchesFingerprint(fp.UserAgent, fp.SourceAddress) {
		slogx.FromContext(ctx).Warn("token presented from a different client",
			"kind", kind,
			"user_id", id.ID,
			"token_id", rec.ID,
		)
		return Validation{Reason: ErrFingerprintMismatch, Token: rec}, nil
	}

	// Time moved on since decode; both expiries must agree the token is live.
	now := s.now()
	if claims.ExpiredAt(now) {
		if _, err := s.Store.Tokens().ExpireToken(ctx, rec.ID, now); err != nil {
			return Validation{}, fmt.Errorf("expire token: %w", err)
		}
		return Validation{Reason: ErrExpiredClaim, Token: rec}, nil
	}

	return Validation{OK: true, Token: rec}, nil
}

// inBandExpired handles a token whose exp claim has passed. The stored record
// is flagged expired if it was still active.
func (s *TokenService) inBandExpired(ctx context.Context, kind jwtx.Kind, raw string) (Validation, error) {
	rec, err := s.Store.Tokens().GetTokenByRaw(ctx, kind, raw)
	if errors.Is(err, store.ErrNotFound) {
		return Validation{Reason: ErrExpiredClaim}, nil
	}
	if err != nil {
		return Validation{}, fmt.Errorf("lookup token: %w", err)
	}

	if rec.Revoked {
		return Validation{Reason: ErrTokenRevoked, Token: rec}, nil
	}

	if !rec.Expired {
		if _, err := s.Store.Tokens().ExpireToken(ctx, rec.ID, s.now()); err != nil {
			return Validation{}, fmt.Errorf("expire token: %w", err)
		}
	}
	return Validation{Reason: ErrExpiredClaim, Token: rec}, nil
}

// deadTokenPresented revokes a record that is already expired or revoked.
func (s *TokenService) deadTokenPresented(ctx context.Context, rec domain.IssuedToken) (Validation, error) {
	reason := ErrStoredExpired
	if rec.Revoked {
		reason = ErrTokenRevoked
	}

	if !rec.Revoked {
		flipped, err := s.Store.Tokens().RevokeToken(ctx, rec.ID, s.now())
		if err != nil {
			return Validation{}, fmt.Errorf("revoke dead token: %w", err)
		}
		if flipped {
			s.Metrics.AddRevoked("reuse", 1)
			slogx.FromContext(ctx).Warn("expired token presented, revoked",
				"kind", rec.Kind,
				"user_id", rec.UserID,
				"token_id", rec.ID,
			)
		}
	}

	return Validation{Reason: reason, Token: rec}, nil
}

// Authenticate resolves the identity behind an access token and validates
// it for that identity.
func (s *TokenService) Authenticate(ctx context.Context, raw string, fp domain.Fingerprint) (domain.User, Validation, error) {
	if raw == "" {
		return domain.User{}, Validation{Reason: ErrNoTokenPresent}, nil
	}

	userID, reason := s.subject(raw)
	if reason != nil {
		s.Metrics.IncValidationFailure(reasonLabel(reason))
		return domain.User{}, Validation{Reason: reason}, nil
	}

	u, err := s.Store.Users().GetUserByID(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		s.Metrics.IncValidationFailure(reasonLabel(ErrUnknownToken))
		return domain.User{}, Validation{Reason: ErrUnknownToken}, nil
	}
	if err != nil {
		return domain.User{}, Validation{}, fmt.Errorf("load user: %w", err)
	}

	v, err := s.Validate(ctx, jwtx.KindAccess, raw, u.Identity(), fp)
	if err != nil {
		return domain.User{}, Validation{}, err
	}
	return u, v, nil
}

// subject reads the subject out of raw without judging expiry.
func (s *TokenService) subject(raw string) (int64, error) {
	claims, err := s.Codec.Decode(raw)
	switch {
	case err == nil, errors.Is(err, jwtx.ErrExpired):
	case errors.Is(err, jwtx.ErrUnsupported):
		return 0, ErrUnsupportedToken
	default:
		return 0, ErrMalformedToken
	}

	id, err := domain.ParseSubject(claims.Subject)
	if err != nil {
		return 0, ErrMalformedToken
	}
	return id, nil
}

// Rotate exchanges an access and refresh pair for a new one. The refresh
// token must be fully valid; the access token may have run out (see
// rotatingAccess). Both old records are revoked with compare-and-set updates
// in the same transaction that stores the new pair, so a pair can mint at
// most one successor.
func (s *TokenService) Rotate(
	ctx context.Context,
	oldAccess, oldRefresh string,
	fp domain.Fingerprint,
) (domain.TokenPair, domain.User, error) {
	l := slogx.FromContext(ctx)

	if oldAccess == "" || oldRefresh == "" {
		return domain.TokenPair{}, domain.User{}, ErrNoTokenPresent
	}

	userID, reason := s.subject(oldRefresh)
	if reason != nil {
		s.Metrics.IncRotation("invalid")
		return domain.TokenPair{}, domain.User{}, fmt.Errorf("%w: %w", ErrInvalidToken, reason)
	}

	u, err := s.Store.Users().GetUserByID(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		s.Metrics.IncRotation("invalid")
		return domain.TokenPair{}, domain.User{}, fmt.Errorf("%w: %w", ErrInvalidToken, ErrUnknownToken)
	}
	if err != nil {
		return domain.TokenPair{}, domain.User{}, fmt.Errorf("load user: %w", err)
	}
	id := u.Identity()

	vr, err := s.Validate(ctx, jwtx.KindRefresh, oldRefresh, id, fp)
	if err != nil {
		return domain.TokenPair{}, domain.User{}, err
	}
	va, err := s.rotatingAccess(ctx, oldAccess, id, fp)
	if err != nil {
		return domain.TokenPair{}, domain.User{}, err
	}

	if errors.Is(vr.Reason, ErrTokenRevoked) || errors.Is(va.Reason, ErrTokenRevoked) {
		s.Metrics.IncRotation("revoked")
		l.Warn("rotation attempted with a revoked token", "user_id", id.ID)
		return domain.TokenPair{}, domain.User{}, ErrTokenRevoked
	}
	for _, v := range []Validation{vr, va} {
		if !v.OK {
			s.Metrics.IncRotation("invalid")
			return domain.TokenPair{}, domain.User{}, fmt.Errorf("%w: %w", ErrInvalidToken, v.Reason)
		}
	}

	now := s.now()
	var pair domain.TokenPair
	err = s.Store.WithTx(ctx, func(tx store.Tx) error {
		for _, rec := range []domain.IssuedToken{vr.Token, va.Token} {
			flipped, err := tx.Tokens().RevokeToken(ctx, rec.ID, now)
			if err != nil {
				return fmt.Errorf("revoke %s token: %w", rec.Kind, err)
			}
			if !flipped {
				// Another rotation or revocation got there first.
				return ErrTokenRevoked
			}
		}

		pair, err = s.issue(ctx, tx, id, fp, now)
		return err
	})
	if errors.Is(err, ErrTokenRevoked) {
		s.Metrics.IncRotation("revoked")
		l.Warn("concurrent rotation lost the race", "user_id", id.ID)
		return domain.TokenPair{}, domain.User{}, ErrTokenRevoked
	}
	if err != nil {
		return domain.TokenPair{}, domain.User{}, err
	}

	s.Metrics.IncRotation("ok")
	s.Metrics.AddRevoked("rotation", 2)
	s.Metrics.IncIssued(jwtx.KindAccess.String())
	s.Metrics.IncIssued(jwtx.KindRefresh.String())
	l.Info("token pair rotated", "user_id", id.ID)

	return pair, u, nil
}

// rotatingAccess checks the access half of a rotation. Unlike Validate it
// accepts an access token whose lifetime is over, in-band or stored, and
// writes nothing. It must still be on record for id, presented by the same
// client, and not revoked.
func (s *TokenService) rotatingAccess(
	ctx context.Context,
	raw string,
	id domain.Identity,
	fp domain.Fingerprint,
) (Validation, error) {
	v, err := s.checkRotatingAccess(ctx, raw, id, fp)
	if err != nil {
		return Validation{}, err
	}
	if !v.OK {
		s.Metrics.IncValidationFailure(reasonLabel(v.Reason))
	}
	return v, nil
}

func (s *TokenService) checkRotatingAccess(
	ctx context.Context,
	raw string,
	id domain.Identity,
	fp domain.Fingerprint,
) (Validation, error) {
	claims, err := s.Codec.Decode(raw)
	switch {
	case err == nil, errors.Is(err, jwtx.ErrExpired):
	case errors.Is(err, jwtx.ErrUnsupported):
		return Validation{Reason: ErrUnsupportedToken}, nil
	default:
		return Validation{Reason: ErrMalformedToken}, nil
	}

	if claims.Kind != jwtx.KindAccess {
		return Validation{Reason: ErrUnsupportedToken}, nil
	}

	rec, err := s.Store.Tokens().GetTokenByRaw(ctx, jwtx.KindAccess, raw)
	if errors.Is(err, store.ErrNotFound) {
		return Validation{Reason: ErrUnknownToken}, nil
	}
	if err != nil {
		return Validation{}, fmt.Errorf("lookup token: %w", err)
	}

	if rec.Revoked {
		return Validation{Reason: ErrTokenRevoked, Token: rec}, nil
	}
	if claims.Subject != id.Subject() || rec.UserID != id.ID {
		return Validation{Reason: ErrSubjectMismatch, Token: rec}, nil
	}
	if !claims.MatchesFingerprint(fp.UserAgent, fp.SourceAddress) {
		slogx.FromContext(ctx).Warn("token presented from a different client",
			"kind", jwtx.KindAccess,
			"user_id", id.ID,
			"token_id", rec.ID,
		)
		return Validation{Reason: ErrFingerprintMismatch, Token: rec}, nil
	}

	return Validation{OK: true, Token: rec}, nil
}

// RevokeAll revokes every non-revoked token of both kinds held by id and
// returns how many records this call flipped.
func (s *TokenService) RevokeAll(ctx context.Context, id domain.Identity) (int, error) {
	now := s.now()
	var n int

	err := s.Store.WithTx(ctx, func(tx store.Tx) error {
		recs, err := tx.Tokens().ListActiveTokensForUser(ctx, id.ID)
		if err != nil {
			return fmt.Errorf("list tokens: %w", err)
		}

		for _, rec := range recs {
			flipped, err := tx.Tokens().RevokeToken(ctx, rec.ID, now)
			if err != nil {
				return fmt.Errorf("revoke token %s: %w", rec.ID, err)
			}
			if flipped {
				n++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.Metrics.AddRevoked("revoke_all", n)
	slogx.FromContext(ctx).Info("revoked all tokens", "user_id", id.ID, slog.Int("count", n))

	return n, nil
}

// RevokeSession revokes the access token and, when supplied, the refresh
// token of a single session. Both records must exist and belong to the same
// identity. Records that are already revoked are left untouched.
func (s *TokenService) RevokeSession(ctx context.Context, rawAccess, rawRefresh string) error {
	if rawAccess == "" {
		return ErrNoTokenPresent
	}

	recs := make([]domain.IssuedToken, 0, 2)

	access, err := s.Store.Tokens().GetTokenByRaw(ctx, jwtx.KindAccess, rawAccess)
	if errors.Is(err, store.ErrNotFound) {
		return ErrTokenNotFound
	}
	if err != nil {
		return fmt.Errorf("lookup access token: %w", err)
	}
	recs = append(recs, access)

	if rawRefresh != "" {
		refresh, err := s.Store.Tokens().GetTokenByRaw(ctx, jwtx.KindRefresh, rawRefresh)
		if errors.Is(err, store.ErrNotFound) {
			return ErrTokenNotFound
		}
		if err != nil {
			return fmt.Errorf("lookup refresh token: %w", err)
		}
		if refresh.UserID != access.UserID {
			return ErrTokenNotFound
		}
		recs = append(recs, refresh)
	}

	now := s.now()
	var n int
	err = s.Store.WithTx(ctx, func(tx store.Tx) error {
		for _, rec := range recs {
			flipped, err := tx.Tokens().RevokeToken(ctx, rec.ID, now)
			if err != nil {
				return fmt.Errorf("revoke %s token: %w", rec.Kind, err)
			}
			if flipped {
				n++
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.Metrics.AddRevoked("logout", n)
	slogx.FromContext(ctx).Info("session revoked", "user_id", access.UserID, "count", n)
	return nil
}

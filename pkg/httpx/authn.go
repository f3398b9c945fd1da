package httpx

import (
	"context"
	"net/http"
	"strings"

	"github.com/aussiebroadwan/simplechat/pkg/slogx"
)

// Principal is the authenticated caller attached to the request context.
type Principal struct {
	UserID   string
	Username string

	// Token is the raw bearer token the request carried.
	Token string
}

// BearerAuthenticator resolves a raw bearer token for a request.
type BearerAuthenticator interface {
	AuthenticateBearer(r *http.Request, raw string) (Principal, error)
}

// BearerAuthenticatorFunc adapts a function to BearerAuthenticator.
type BearerAuthenticatorFunc func(r *http.Request, raw string) (Principal, error)

func (f BearerAuthenticatorFunc) AuthenticateBearer(r *http.Request, raw string) (Principal, error) {
	return f(r, raw)
}

type principalKey struct{}

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the authenticated caller, if any.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, bool) {
	authz := r.Header.Get("Authorization")
	if len(authz) < len("Bearer ") || !strings.EqualFold(authz[:len("Bearer ")], "Bearer ") {
		return "", false
	}
	raw := strings.TrimSpace(authz[len("Bearer "):])
	return raw, raw != ""
}

// AuthnMiddleware rejects requests without a valid bearer token.
func AuthnMiddleware(a BearerAuthenticator) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log := slogx.FromContext(r.Context())

			raw, ok := BearerToken(r)
			if !ok {
				WriteBearerError(w, "missing bearer token")
				return
			}

			p, err := a.AuthenticateBearer(r, raw)
			if err != nil {
				log.Warn("bearer authentication failed", "err", err)
				WriteBearerError(w, "token verification failed")
				return
			}
			p.Token = raw

			ctx := WithPrincipal(r.Context(), p)
			ctx = slogx.With(ctx, "user_id", p.UserID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// WriteBearerError writes an RFC 6750 style 401.
func WriteBearerError(w http.ResponseWriter, desc string) {
	w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token", error_description="`+desc+`"`)
	ErrInvalidToken.WithDescription(desc).WriteError(w)
}

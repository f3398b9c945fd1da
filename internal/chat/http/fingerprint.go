package http

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/mssola/useragent"

	"github.com/aussiebroadwan/simplechat/internal/chat/domain"
	"github.com/aussiebroadwan/simplechat/internal/chat/service"
	"github.com/aussiebroadwan/simplechat/pkg/httpx"
)

// Fingerprint derives the client fingerprint tokens are bound to from the
// request's User-Agent and source address.
func Fingerprint(r *http.Request) domain.Fingerprint {
	return domain.Fingerprint{
		UserAgent:     r.UserAgent(),
		SourceAddress: httpx.ClientIP(r),
	}
}

// deviceLabel summarises a user agent for logs. Binding always compares the
// raw header, never this label.
func deviceLabel(userAgent string) string {
	if strings.TrimSpace(userAgent) == "" {
		return "unknown"
	}

	ua := useragent.New(userAgent)
	if ua.Bot() {
		return "bot"
	}

	name, version := ua.Browser()
	label := strings.TrimSpace(name + " " + version)
	if platform := ua.OS(); platform != "" {
		label += " on " + platform
	}
	if ua.Mobile() {
		label += " (mobile)"
	}
	return label
}

// BearerAuthenticator validates bearer access tokens with the token service.
func BearerAuthenticator(tokens *service.TokenService) httpx.BearerAuthenticator {
	return httpx.BearerAuthenticatorFunc(func(r *http.Request, raw string) (httpx.Principal, error) {
		u, v, err := tokens.Authenticate(r.Context(), raw, Fingerprint(r))
		if err != nil {
			return httpx.Principal{}, err
		}
		if !v.OK {
			return httpx.Principal{}, fmt.Errorf("%w: %w", service.ErrInvalidToken, v.Reason)
		}

		return httpx.Principal{
			UserID:   strconv.FormatInt(u.ID, 10),
			Username: u.Username,
		}, nil
	})
}

// principalUserID returns the numeric id of the authenticated caller.
func principalUserID(r *http.Request) (int64, bool) {
	p, ok := httpx.PrincipalFromContext(r.Context())
	if !ok {
		return 0, false
	}
	id, err := domain.ParseSubject(p.UserID)
	if err != nil {
		return 0, false
	}
	return id, true
}

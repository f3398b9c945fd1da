package http

import (
	"errors"
	"net/http"
	"strings"

	"github.com/aussiebroadwan/simplechat/internal/chat/service"
	"github.com/aussiebroadwan/simplechat/internal/chat/store"
	"github.com/aussiebroadwan/simplechat/pkg/httpx"
	"github.com/aussiebroadwan/simplechat/pkg/slogx"
)

// writeServiceError maps service errors onto API errors. Anything unexpected
// is logged and reported as a server error.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, service.ErrTokenRevoked):
		httpx.ErrTokenRevoked.WriteError(w)
	case errors.Is(err, service.ErrNoTokenPresent):
		httpx.ErrInvalidRequest.WithDescription("no token supplied").WriteError(w)
	case errors.Is(err, service.ErrTokenNotFound):
		httpx.ErrNotFound.WithDescription("token not found").WriteError(w)
	case errors.Is(err, service.ErrInvalidToken):
		httpx.ErrInvalidToken.WriteError(w)
	case errors.Is(err, service.ErrInvalidCredentials):
		httpx.ErrInvalidCredentials.WriteError(w)
	case errors.Is(err, service.ErrUserExists):
		httpx.ErrConflict.WithDescription("username or email already taken").WriteError(w)
	case errors.Is(err, service.ErrInvalidInput):
		desc := strings.TrimPrefix(err.Error(), service.ErrInvalidInput.Error()+": ")
		httpx.ErrInvalidRequest.WithDescription(desc).WriteError(w)
	case errors.Is(err, store.ErrNotFound):
		httpx.ErrNotFound.WriteError(w)
	default:
		slogx.FromContext(r.Context()).Error("request failed", "error", err)
		httpx.ErrServerError.WriteError(w)
	}
}

package http

import (
	"net/http"

	"github.com/aussiebroadwan/simplechat/internal/chat/service"
	"github.com/aussiebroadwan/simplechat/pkg/httpx"
)

// PasswordHandler serves POST /api/v1/account/password. Changing the
// password signs the caller out everywhere, including the current session.
type PasswordHandler struct {
	Users *service.UserService
}

type ChangePasswordRequest struct {
	OldPassword string `json:"oldPassword"`
	NewPassword string `json:"newPassword"`
}

func (h *PasswordHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, ok := principalUserID(r)
	if !ok {
		httpx.WriteBearerError(w, "missing principal")
		return
	}

	var req ChangePasswordRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.ErrInvalidRequest.WithDescription(err.Error()).WriteError(w)
		return
	}

	n, err := h.Users.ChangePassword(r.Context(), userID, req.OldPassword, req.NewPassword)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, LogoutAllResponse{Revoked: n})
}

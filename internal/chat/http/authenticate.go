package http

import (
	"net/http"

	"github.com/aussiebroadwan/simplechat/internal/chat/domain"
	"github.com/aussiebroadwan/simplechat/internal/chat/service"
	"github.com/aussiebroadwan/simplechat/pkg/httpx"
	"github.com/aussiebroadwan/simplechat/pkg/slogx"
)

// AuthHandler serves /api/v1/authenticate.
type AuthHandler struct {
	Users  *service.UserService
	Tokens *service.TokenService
}

type SignInRequest struct {
	// Login is a username or an email address.
	Login    string `json:"login"`
	Password string `json:"password"`
}

type SignUpRequest struct {
	Username  string `json:"username"`
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// LogoutRequest carries the refresh token of the session being closed. The
// access token travels in the Authorization header.
type LogoutRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// TokenResponse is returned by every endpoint that issues a token pair.
type TokenResponse struct {
	AccessToken  string   `json:"accessToken"`
	RefreshToken string   `json:"refreshToken"`
	IdentityID   int64    `json:"identityId"`
	Username     string   `json:"username"`
	Email        string   `json:"email"`
	Roles        []string `json:"roles"`
}

type IdentityResponse struct {
	IdentityID int64    `json:"identityId"`
	Username   string   `json:"username"`
	Email      string   `json:"email"`
	FirstName  string   `json:"firstName,omitempty"`
	LastName   string   `json:"lastName,omitempty"`
	Roles      []string `json:"roles"`
}

type LogoutAllResponse struct {
	Revoked int `json:"revoked"`
}

func newTokenResponse(u domain.User, pair domain.TokenPair) TokenResponse {
	return TokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		IdentityID:   u.ID,
		Username:     u.Username,
		Email:        u.Email,
		Roles:        roles(u),
	}
}

func roles(u domain.User) []string {
	if len(u.Roles) == 0 {
		return []string{domain.RoleUser}
	}
	return u.Roles
}

// HandleSignIn serves POST /api/v1/authenticate/signin.
func (h *AuthHandler) HandleSignIn(w http.ResponseWriter, r *http.Request) {
	var req SignInRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.ErrInvalidRequest.WithDescription(err.Error()).WriteError(w)
		return
	}

	u, pair, err := h.Users.SignIn(r.Context(), req.Login, req.Password, Fingerprint(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, newTokenResponse(u, pair))
}

// HandleSignUp serves POST /api/v1/authenticate/signup.
func (h *AuthHandler) HandleSignUp(w http.ResponseWriter, r *http.Request) {
	var req SignUpRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.ErrInvalidRequest.WithDescription(err.Error()).WriteError(w)
		return
	}

	u, pair, err := h.Users.SignUp(r.Context(), service.SignUpRequest{
		Username:  req.Username,
		Email:     req.Email,
		Password:  req.Password,
		FirstName: req.FirstName,
		LastName:  req.LastName,
	}, Fingerprint(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	httpx.WriteJSON(w, http.StatusCreated, newTokenResponse(u, pair))
}

// HandleRefresh serves POST /api/v1/authenticate/refresh-token. The current
// access token is read from the Authorization header and the refresh token
// from the body; both are revoked and a new pair returned.
func (h *AuthHandler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	access, ok := httpx.BearerToken(r)
	if !ok {
		httpx.WriteBearerError(w, "missing bearer token")
		return
	}

	var req RefreshRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.ErrInvalidRequest.WithDescription(err.Error()).WriteError(w)
		return
	}
	if req.RefreshToken == "" {
		httpx.ErrInvalidRequest.WithDescription("refreshToken is required").WriteError(w)
		return
	}

	pair, u, err := h.Tokens.Rotate(r.Context(), access, req.RefreshToken, Fingerprint(r))
	if err != nil {
		slogx.FromContext(r.Context()).Info("token rotation refused", "error", err)
		writeServiceError(w, r, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, newTokenResponse(u, pair))
}

// HandleLogout serves POST /api/v1/authenticate/logout and revokes the
// presented session only.
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	access, ok := httpx.BearerToken(r)
	if !ok {
		httpx.WriteBearerError(w, "missing bearer token")
		return
	}

	var req LogoutRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.ErrInvalidRequest.WithDescription(err.Error()).WriteError(w)
		return
	}

	if err := h.Tokens.RevokeSession(r.Context(), access, req.RefreshToken); err != nil {
		writeServiceError(w, r, err)
		return
	}

	httpx.NoCache(w)
	w.WriteHeader(http.StatusNoContent)
}

// HandleLogoutAll serves POST /api/v1/authenticate/logout-all and revokes
// every token of the caller.
func (h *AuthHandler) HandleLogoutAll(w http.ResponseWriter, r *http.Request) {
	userID, ok := principalUserID(r)
	if !ok {
		httpx.WriteBearerError(w, "missing principal")
		return
	}

	u, err := h.Users.GetUser(r.Context(), userID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	n, err := h.Tokens.RevokeAll(r.Context(), u.Identity())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, LogoutAllResponse{Revoked: n})
}

// HandleVerify serves GET /api/v1/authenticate/verify and describes the
// caller's identity.
func (h *AuthHandler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	userID, ok := principalUserID(r)
	if !ok {
		httpx.WriteBearerError(w, "missing principal")
		return
	}

	u, err := h.Users.GetUser(r.Context(), userID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, IdentityResponse{
		IdentityID: u.ID,
		Username:   u.Username,
		Email:      u.Email,
		FirstName:  u.FirstName,
		LastName:   u.LastName,
		Roles:      roles(u),
	})
}

package http_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	chathttp "github.com/aussiebroadwan/simplechat/internal/chat/http"
	"github.com/aussiebroadwan/simplechat/internal/chat/hub"
	"github.com/aussiebroadwan/simplechat/internal/chat/metrics"
	"github.com/aussiebroadwan/simplechat/internal/chat/service"
	"github.com/aussiebroadwan/simplechat/internal/chat/store/drivers/sqlite"
	"github.com/aussiebroadwan/simplechat/pkg/cryptox"
	"github.com/aussiebroadwan/simplechat/pkg/httpx"
	"github.com/aussiebroadwan/simplechat/pkg/jwtx"
	"github.com/aussiebroadwan/simplechat/pkg/slogx"
)

const (
	browser = "Mozilla/5.0 (X11; Linux x86_64) Firefox/131.0"
	other   = "curl/8.9.1"
)

type server struct {
	*httptest.Server
	hub *hub.Registry
}

func newServer(t *testing.T) *server {
	t.Helper()

	st, err := sqlite.NewStore(":memory:")
	require.NoError(t, err)
	require.NoError(t, st.ApplyMigrations())
	t.Cleanup(func() { _ = st.Close() })

	secret, err := jwtx.GenerateSecret()
	require.NoError(t, err)
	codec, err := jwtx.NewHS256Codec(secret, "simplechat-test")
	require.NoError(t, err)

	hasher, err := cryptox.NewHasher("pepper")
	require.NoError(t, err)

	prom := prometheus.NewRegistry()
	m := metrics.New(prom)
	logger := slogx.Discard()

	tokens := &service.TokenService{
		Store:   st,
		Codec:   codec,
		Issuer:  "simplechat-test",
		Metrics: m,
	}
	users := &service.UserService{Store: st, Hasher: hasher, Tokens: tokens}
	reg := hub.NewRegistry(tokens, logger, m, hub.Config{})

	router := chathttp.NewRouter(codec, "test", st, prom, logger)
	router.TokenService = tokens
	router.UserService = users
	router.Hub = reg
	router.ApplyRoutes()

	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		reg.Close()
		srv.Close()
	})

	return &server{Server: srv, hub: reg}
}

func (s *server) do(t *testing.T, method, path, ua, bearer string, body any) *http.Response {
	t.Helper()

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, s.URL+path, rdr)
	require.NoError(t, err)
	req.Header.Set("User-Agent", ua)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := s.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()

	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (s *server) signUp(t *testing.T, username string) chathttp.TokenResponse {
	t.Helper()

	resp := s.do(t, http.MethodPost, "/api/v1/authenticate/signup", browser, "", chathttp.SignUpRequest{
		Username: username,
		Email:    username + "@example.com",
		Password: "correct horse battery",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[chathttp.TokenResponse](t, resp)
}

func TestSessionLifecycle(t *testing.T) {
	s := newServer(t)

	signup := s.signUp(t, "alice")
	require.NotEmpty(t, signup.AccessToken)
	require.NotEmpty(t, signup.RefreshToken)
	require.Equal(t, "alice", signup.Username)
	require.Equal(t, "alice@example.com", signup.Email)
	require.Equal(t, []string{"ROLE_USER"}, signup.Roles)

	resp := s.do(t, http.MethodGet, "/api/v1/authenticate/verify", browser, signup.AccessToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
	who := decode[chathttp.IdentityResponse](t, resp)
	require.Equal(t, signup.IdentityID, who.IdentityID)

	// Sign in by email gives a second, independent session
	resp = s.do(t, http.MethodPost, "/api/v1/authenticate/signin", browser, "", chathttp.SignInRequest{
		Login: "alice@example.com", Password: "correct horse battery",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	second := decode[chathttp.TokenResponse](t, resp)

	resp = s.do(t, http.MethodPost, "/api/v1/authenticate/refresh-token", browser, signup.AccessToken,
		chathttp.RefreshRequest{RefreshToken: signup.RefreshToken})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rotated := decode[chathttp.TokenResponse](t, resp)
	require.NotEqual(t, signup.AccessToken, rotated.AccessToken)

	t.Run("rotated pair cannot be rotated again", func(t *testing.T) {
		resp := s.do(t, http.MethodPost, "/api/v1/authenticate/refresh-token", browser, signup.AccessToken,
			chathttp.RefreshRequest{RefreshToken: signup.RefreshToken})
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		require.Equal(t, httpx.ErrorCodeTokenRevoked, decode[httpx.APIError](t, resp).Code)
	})

	t.Run("old access token no longer verifies", func(t *testing.T) {
		resp := s.do(t, http.MethodGet, "/api/v1/authenticate/verify", browser, signup.AccessToken, nil)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		require.Contains(t, resp.Header.Get("WWW-Authenticate"), "invalid_token")
	})

	t.Run("logout closes only the current session", func(t *testing.T) {
		resp := s.do(t, http.MethodPost, "/api/v1/authenticate/logout", browser, rotated.AccessToken,
			chathttp.LogoutRequest{RefreshToken: rotated.RefreshToken})
		require.Equal(t, http.StatusNoContent, resp.StatusCode)

		resp = s.do(t, http.MethodGet, "/api/v1/authenticate/verify", browser, rotated.AccessToken, nil)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

		resp = s.do(t, http.MethodGet, "/api/v1/authenticate/verify", browser, second.AccessToken, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("logout everywhere", func(t *testing.T) {
		resp := s.do(t, http.MethodPost, "/api/v1/authenticate/logout-all", browser, second.AccessToken, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, 2, decode[chathttp.LogoutAllResponse](t, resp).Revoked)

		resp = s.do(t, http.MethodGet, "/api/v1/authenticate/verify", browser, second.AccessToken, nil)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
}

func TestTokenBoundToClient(t *testing.T) {
	s := newServer(t)
	alice := s.signUp(t, "alice")

	resp := s.do(t, http.MethodGet, "/api/v1/authenticate/verify", other, alice.AccessToken, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = s.do(t, http.MethodPost, "/api/v1/authenticate/refresh-token", other, alice.AccessToken,
		chathttp.RefreshRequest{RefreshToken: alice.RefreshToken})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, httpx.ErrorCodeInvalidToken, decode[httpx.APIError](t, resp).Code)

	// The failed attempts revoked nothing
	resp = s.do(t, http.MethodGet, "/api/v1/authenticate/verify", browser, alice.AccessToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRequestErrors(t *testing.T) {
	s := newServer(t)
	alice := s.signUp(t, "alice")

	tests := []struct {
		name   string
		method string
		path   string
		bearer string
		body   any
		status int
		code   string
	}{
		{"duplicate signup", http.MethodPost, "/api/v1/authenticate/signup", "",
			chathttp.SignUpRequest{Username: "alice", Email: "a2@example.com", Password: "long enough"},
			http.StatusConflict, httpx.ErrorCodeConflict},
		{"invalid signup", http.MethodPost, "/api/v1/authenticate/signup", "",
			chathttp.SignUpRequest{Username: "x", Email: "x@example.com", Password: "long enough"},
			http.StatusBadRequest, httpx.ErrorCodeInvalidRequest},
		{"unknown field", http.MethodPost, "/api/v1/authenticate/signin", "",
			map[string]string{"login": "alice", "password": "x", "otp": "123"},
			http.StatusBadRequest, httpx.ErrorCodeInvalidRequest},
		{"wrong password", http.MethodPost, "/api/v1/authenticate/signin", "",
			chathttp.SignInRequest{Login: "alice", Password: "nope nope"},
			http.StatusUnauthorized, httpx.ErrorCodeInvalidGrant},
		{"refresh without bearer", http.MethodPost, "/api/v1/authenticate/refresh-token", "",
			chathttp.RefreshRequest{RefreshToken: alice.RefreshToken},
			http.StatusUnauthorized, httpx.ErrorCodeInvalidToken},
		{"refresh without body token", http.MethodPost, "/api/v1/authenticate/refresh-token", alice.AccessToken,
			chathttp.RefreshRequest{},
			http.StatusBadRequest, httpx.ErrorCodeInvalidRequest},
		{"logout unknown session", http.MethodPost, "/api/v1/authenticate/logout", "not-a-token",
			chathttp.LogoutRequest{},
			http.StatusNotFound, httpx.ErrorCodeNotFound},
		{"verify without bearer", http.MethodGet, "/api/v1/authenticate/verify", "", nil,
			http.StatusUnauthorized, httpx.ErrorCodeInvalidToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := s.do(t, tt.method, tt.path, browser, tt.bearer, tt.body)
			require.Equal(t, tt.status, resp.StatusCode)
			require.Equal(t, tt.code, decode[httpx.APIError](t, resp).Code)
		})
	}
}

func TestChangePassword(t *testing.T) {
	s := newServer(t)
	alice := s.signUp(t, "alice")

	resp := s.do(t, http.MethodPost, "/api/v1/account/password", browser, alice.AccessToken,
		chathttp.ChangePasswordRequest{OldPassword: "wrong", NewPassword: "brand new password"})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = s.do(t, http.MethodPost, "/api/v1/account/password", browser, alice.AccessToken,
		chathttp.ChangePasswordRequest{OldPassword: "correct horse battery", NewPassword: "brand new password"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 2, decode[chathttp.LogoutAllResponse](t, resp).Revoked)

	resp = s.do(t, http.MethodGet, "/api/v1/authenticate/verify", browser, alice.AccessToken, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = s.do(t, http.MethodPost, "/api/v1/authenticate/signin", browser, "", chathttp.SignInRequest{
		Login: "alice", Password: "brand new password",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSystemEndpoints(t *testing.T) {
	s := newServer(t)
	s.signUp(t, "alice")

	resp := s.do(t, http.MethodGet, "/livez", browser, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", decode[chathttp.HealthResponse](t, resp).Status)

	resp = s.do(t, http.MethodGet, "/readyz", browser, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ready := decode[chathttp.HealthResponse](t, resp)
	require.Equal(t, "ok", ready.Checks.Database)
	require.Equal(t, "ok", ready.Checks.Signer)

	resp = s.do(t, http.MethodGet, "/metrics", browser, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `simplechat_tokens_issued_total{kind="access"} 1`)

	resp = s.do(t, http.MethodGet, "/livez", browser, "", nil)
	require.NotEmpty(t, resp.Header.Get(slogx.RequestIDHeader))
}

func (s *server) dial(t *testing.T, ua string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(s.URL, "http") + "/chat"
	ws, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"User-Agent": {ua}})
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func authorize(t *testing.T, ws *websocket.Conn, tok chathttp.TokenResponse) {
	t.Helper()

	require.NoError(t, ws.WriteJSON(map[string]any{
		"type":   "authorization",
		"userId": tok.IdentityID,
		"token":  tok.AccessToken,
	}))
}

func TestChatBroadcast(t *testing.T) {
	s := newServer(t)
	alice := s.signUp(t, "alice")
	bob := s.signUp(t, "bob")

	a := s.dial(t, browser)
	b := s.dial(t, browser)
	thief := s.dial(t, other)

	authorize(t, a, alice)
	authorize(t, b, bob)
	authorize(t, thief, alice)

	require.Eventually(t, func() bool {
		conns, bound := s.hub.Stats()
		return conns == 3 && bound == 2
	}, 2*time.Second, 10*time.Millisecond, "the replayed token from another client must not bind")

	require.NoError(t, a.WriteJSON(map[string]any{"type": "text", "message": "hello"}))

	_ = b.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got map[string]any
	require.NoError(t, b.ReadJSON(&got))
	require.Equal(t, "text", got["type"])
	require.Equal(t, "hello", got["message"])
	require.Equal(t, "alice", got["username"])
	require.Equal(t, float64(alice.IdentityID), got["userId"])

	// Neither the sender nor the unbound connection hears it
	for _, ws := range []*websocket.Conn{a, thief} {
		_ = ws.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		_, _, err := ws.ReadMessage()
		require.Error(t, err)
		var netErr interface{ Timeout() bool }
		require.ErrorAs(t, err, &netErr, fmt.Sprintf("expected a read timeout, got %v", err))
		require.True(t, netErr.Timeout())
	}

	// Bob leaves; alice can keep talking
	require.NoError(t, b.Close())
	require.Eventually(t, func() bool {
		conns, _ := s.hub.Stats()
		return conns == 2
	}, 2*time.Second, 10*time.Millisecond)
}

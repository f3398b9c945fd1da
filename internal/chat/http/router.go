package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/aussiebroadwan/simplechat/internal/chat/hub"
	"github.com/aussiebroadwan/simplechat/internal/chat/service"
	"github.com/aussiebroadwan/simplechat/internal/chat/store"
	"github.com/aussiebroadwan/simplechat/pkg/httpx"
	"github.com/aussiebroadwan/simplechat/pkg/jwtx"
	"github.com/aussiebroadwan/simplechat/pkg/slogx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Router holds shared dependencies for HTTP handlers.
type Router struct {
	Mux         *http.ServeMux
	middlewares []httpx.Middleware

	codec        jwtx.Codec
	buildVersion string
	startTime    time.Time
	logger       *slog.Logger
	gatherer     prometheus.Gatherer

	store        store.Store
	TokenService *service.TokenService
	UserService  *service.UserService
	Hub          *hub.Registry
}

func NewRouter(
	codec jwtx.Codec,
	buildVersion string,
	st store.Store,
	gatherer prometheus.Gatherer,
	logger *slog.Logger,
) *Router {
	r := &Router{
		Mux:          http.NewServeMux(),
		codec:        codec,
		buildVersion: buildVersion,
		startTime:    time.Now(),
		store:        st,
		gatherer:     gatherer,
		logger:       logger,
	}

	r.middlewares = []httpx.Middleware{
		slogx.HTTPMiddleware(r.logger),
	}

	return r
}

func (r *Router) ApplyRoutes() {
	r.registerAuthenticate()
	r.registerAccount()
	r.registerChat()
	r.registerSystem()
}

// ServeHTTP applies the global middleware chain.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	httpx.Chain(r.Mux, r.middlewares...).ServeHTTP(w, req)
}

// bearer authenticates access tokens against the presenting client.
func (r *Router) bearer() httpx.BearerAuthenticator {
	return BearerAuthenticator(r.TokenService)
}

func (r *Router) registerAuthenticate() {
	h := &AuthHandler{
		Users:  r.UserService,
		Tokens: r.TokenService,
	}

	// Credential endpoints - strict per IP limits against guessing
	r.Mux.Handle("POST /api/v1/authenticate/signin",
		httpx.Chain(http.HandlerFunc(h.HandleSignIn),
			httpx.RateLimitByIP(httpx.StrictLimit),
		),
	)
	r.Mux.Handle("POST /api/v1/authenticate/signup",
		httpx.Chain(http.HandlerFunc(h.HandleSignUp),
			httpx.RateLimitByIP(httpx.StrictLimit),
		),
	)

	// Rotation and logout read the bearer token themselves; an access token
	// that no longer validates must still be able to log out.
	r.Mux.Handle("POST /api/v1/authenticate/refresh-token",
		httpx.Chain(http.HandlerFunc(h.HandleRefresh),
			httpx.RateLimitByIP(httpx.ModerateLimit),
		),
	)
	r.Mux.Handle("POST /api/v1/authenticate/logout",
		httpx.Chain(http.HandlerFunc(h.HandleLogout),
			httpx.RateLimitByIP(httpx.ModerateLimit),
		),
	)

	r.Mux.Handle("POST /api/v1/authenticate/logout-all",
		httpx.Chain(http.HandlerFunc(h.HandleLogoutAll),
			httpx.AuthnMiddleware(r.bearer()),
			httpx.RateLimitByPrincipal(httpx.ModerateLimit),
		),
	)
	r.Mux.Handle("GET /api/v1/authenticate/verify",
		httpx.Chain(http.HandlerFunc(h.HandleVerify),
			httpx.AuthnMiddleware(r.bearer()),
			httpx.RateLimitByPrincipal(httpx.LenientLimit),
		),
	)
}

func (r *Router) registerAccount() {
	h := &PasswordHandler{Users: r.UserService}

	r.Mux.Handle("POST /api/v1/account/password",
		httpx.Chain(h,
			httpx.AuthnMiddleware(r.bearer()),
			httpx.RateLimitByPrincipal(httpx.StrictLimit),
		),
	)
}

func (r *Router) registerChat() {
	r.Mux.Handle("GET /chat",
		httpx.Chain(NewChatHandler(r.Hub),
			httpx.RateLimitByIP(httpx.ModerateLimit),
		),
	)
}

func (r *Router) registerSystem() {
	// Health check endpoints - lenient rate limits (monitoring systems may poll frequently)
	r.Mux.Handle("GET /livez",
		httpx.Chain(LivezHandler(r.startTime, r.buildVersion),
			httpx.RateLimitByIP(httpx.LenientLimit),
		),
	)
	r.Mux.Handle("GET /readyz",
		httpx.Chain(ReadyzHandler(r.startTime, r.buildVersion, r.store, r.codec),
			httpx.RateLimitByIP(httpx.LenientLimit),
		),
	)

	if r.gatherer != nil {
		r.Mux.Handle("GET /metrics", promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{}))
	}
}

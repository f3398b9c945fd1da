package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	httpapi "github.com/aussiebroadwan/simplechat/internal/chat/http"
	"github.com/aussiebroadwan/simplechat/internal/chat/hub"
	"github.com/aussiebroadwan/simplechat/internal/chat/metrics"
	"github.com/aussiebroadwan/simplechat/internal/chat/service"
	"github.com/aussiebroadwan/simplechat/internal/chat/store"
	"github.com/aussiebroadwan/simplechat/internal/chat/store/drivers/sqlite"
	"github.com/aussiebroadwan/simplechat/pkg/cryptox"
	"github.com/aussiebroadwan/simplechat/pkg/httpx"
	"github.com/aussiebroadwan/simplechat/pkg/jwtx"
	"github.com/aussiebroadwan/simplechat/pkg/slogx"
)

const (
	// BuildVersion should be set at build time via ldflags. Later problem
	BuildVersion = "v0.1.0"
)

// Application holds the chat server and everything it depends on.
type Application struct {
	cfg    Config
	logger *slog.Logger

	// Core dependencies
	db       store.Store
	codec    *jwtx.HS256Codec
	hasher   *cryptox.Hasher
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	// Services
	tokenService *service.TokenService
	userService  *service.UserService
	sweepService *service.SweepService
	hub          *hub.Registry

	// HTTP server
	server *http.Server
	router *httpapi.Router
}

// New creates a new Application instance with all dependencies initialized
func New(cfg Config) (*Application, error) {
	app := &Application{
		cfg: cfg,
		logger: slogx.New(slogx.Config{
			Service: "simplechat",
			Version: BuildVersion,
			Env:     cfg.Env,
			Level:   cfg.LogLevel,
			Format:  cfg.LogFormat,
		}),
	}

	// The source-address half of every fingerprint comes from here.
	httpx.SetTrustProxyHeaders(cfg.TrustProxyHeaders)
	if cfg.TrustProxyHeaders {
		app.logger.Info("client addresses taken from proxy headers")
	}

	app.initMetrics()

	if err := app.initDatabase(); err != nil {
		return nil, err
	}

	if err := app.initCrypto(); err != nil {
		_ = app.db.Close()
		return nil, err
	}

	app.initServices()
	app.initHTTP()

	return app, nil
}

// Run starts the application and blocks until shutdown is requested
func (app *Application) Run() error {
	app.sweepService.Start()

	app.logger.Info("chat server starting", "port", app.cfg.Port, "version", BuildVersion)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- app.server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			app.sweepService.Stop()
			app.hub.Close()
			_ = app.db.Close()
			return fmt.Errorf("server failed: %w", err)
		}
	case sig := <-shutdown:
		app.logger.Info("shutdown signal received", "signal", sig)

		if err := app.Shutdown(); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
	}

	return nil
}

// Shutdown gracefully shuts down the application
func (app *Application) Shutdown() error {
	app.logger.Info("shutting down chat server...")

	ctx, cancel := context.WithTimeout(context.Background(), app.cfg.ShutdownGracePeriod)
	defer cancel()

	// Hijacked websocket connections are invisible to server.Shutdown, so
	// the registry closes them first with a going-away frame.
	app.hub.Close()

	if err := app.server.Shutdown(ctx); err != nil {
		app.logger.Error("graceful server shutdown failed", "error", err)
		if err := app.server.Close(); err != nil {
			app.logger.Error("error closing server", "error", err)
		}
	}

	app.sweepService.Stop()

	if err := app.db.Close(); err != nil {
		app.logger.Error("error closing database", "error", err)
		return err
	}

	app.logger.Info("chat server stopped")
	return nil
}

func (app *Application) initMetrics() {
	app.registry = prometheus.NewRegistry()
	app.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	app.metrics = metrics.New(app.registry)
}

// initDatabase initializes the database and applies migrations
func (app *Application) initDatabase() error {
	db, err := sqlite.NewStore(sqlite.FileDSN(app.cfg.DatabaseFile))
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	app.db = db

	if err := db.ApplyMigrations(); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to apply database migrations: %w", err)
	}

	app.logger.Info("database migrations applied successfully", "file", app.cfg.DatabaseFile)
	return nil
}

// initCrypto loads the password pepper and the token signing secret.
func (app *Application) initCrypto() error {
	pepper, err := cryptox.LoadPepper(app.cfg.PepperFile)
	if err != nil {
		return fmt.Errorf("failed to load pepper: %w", err)
	}
	if app.hasher, err = cryptox.NewHasher(pepper); err != nil {
		return fmt.Errorf("failed to create password hasher: %w", err)
	}

	if app.codec, err = InitCodec(app.cfg, app.logger); err != nil {
		return fmt.Errorf("failed to initialize token codec: %w", err)
	}
	return nil
}

// initServices initializes all business logic services
func (app *Application) initServices() {
	app.tokenService = &service.TokenService{
		Store:             app.db,
		Codec:             app.codec,
		Issuer:            app.cfg.Issuer,
		AccessTTL:         app.cfg.AccessTTL,
		RefreshMultiplier: app.cfg.RefreshMultiplier,
		Metrics:           app.metrics,
	}

	app.userService = &service.UserService{
		Store:  app.db,
		Hasher: app.hasher,
		Tokens: app.tokenService,
	}

	app.sweepService = service.NewSweepService(
		app.db.Tokens(),
		app.codec,
		app.logger,
		app.cfg.SweepInterval,
		app.metrics,
	)

	app.hub = hub.NewRegistry(app.tokenService, app.logger, app.metrics, hub.Config{
		SendTimeout: app.cfg.SendTimeout,
		QueueSize:   app.cfg.SendQueue,
	})
}

// initHTTP initializes the HTTP router and server
func (app *Application) initHTTP() {
	router := httpapi.NewRouter(
		app.codec,
		BuildVersion,
		app.db,
		app.registry,
		app.logger,
	)

	router.TokenService = app.tokenService
	router.UserService = app.userService
	router.Hub = app.hub
	router.ApplyRoutes()

	app.router = router

	app.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", app.cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 3 * time.Second,
	}
}

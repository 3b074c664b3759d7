// Package app wires every formbar component together and owns their
// startup and shutdown order.
package app

import (
	"context"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/labstack/gommon/log"
	"github.com/pkg/errors"

	"formbar/internal/api"
	"formbar/internal/auth"
	"formbar/internal/broadcast"
	"formbar/internal/classroom"
	"formbar/internal/config"
	"formbar/internal/database"
	"formbar/internal/hub"
	"formbar/internal/logging"
	"formbar/internal/membership"
	"formbar/internal/polls"
	"formbar/internal/router"
	"formbar/internal/websocket"
)

// Version is stamped at build time and reported to Rollbar.
var Version = "dev"

const limiterSweepInterval = time.Minute

// Application coordinates all system components.
type Application struct {
	config      *config.Config
	store       *database.Manager
	registry    *classroom.Registry
	subscribers *websocket.Registry
	limiter     *router.RateLimiter
	hub         *hub.Hub
	server      *api.Server

	stopSweep chan struct{}
	wg        sync.WaitGroup
}

// New builds the application from cfg. Initialization follows dependency
// order: store, registries, services, router, hub, HTTP.
func New(cfg *config.Config) (*Application, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	host, _ := os.Hostname()
	if err := logging.Setup(logging.Options{
		Level:        cfg.Log.Level,
		RollbarToken: cfg.Rollbar.Token,
		Environment:  cfg.Rollbar.Environment,
		ServerHost:   host,
		CodeVersion:  Version,
	}); err != nil {
		return nil, errors.Wrap(err, "failed to set up logging")
	}

	store, err := database.NewManager(cfg.DatabaseConfig())
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize database manager")
	}
	if err := store.Migrate(); err != nil {
		_ = store.Close()
		return nil, errors.Wrap(err, "failed to apply database migrations")
	}
	log.Infof("database ready: driver=%s", cfg.Database.Driver)

	registry := classroom.NewRegistry(store)
	subscribers := websocket.NewRegistry()
	broadcaster := broadcast.New(registry, subscribers)
	pollService := polls.New(store, registry, broadcaster, polls.Rewards{
		Threshold:   cfg.Rewards.Threshold,
		MinDigipogs: cfg.Rewards.MinDigipogs,
		MaxDigipogs: cfg.Rewards.MaxDigipogs,
	})
	members := membership.New(store, registry, broadcaster, pollService)

	limiter := router.NewRateLimiter(cfg.WebSocket.RateLimit, time.Minute)
	eventRouter := router.NewRouter(registry, broadcaster, members, pollService, limiter)
	eventHub := hub.NewHub(subscribers, eventRouter, members, hub.Options{})

	authenticator := auth.New(cfg.Auth.SecretKey, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	wsHandler := websocket.NewHandler(authenticator, eventHub, websocket.Options{
		PingInterval: cfg.WebSocket.PingInterval,
		ReadTimeout:  cfg.WebSocket.ReadTimeout,
		WriteTimeout: cfg.WebSocket.WriteTimeout,
		BufferSize:   cfg.WebSocket.BufferSize,
	})

	server := api.NewServer(api.Options{
		Address:            cfg.Address(),
		ReadTimeout:        cfg.HTTP.ReadTimeout,
		WriteTimeout:       cfg.HTTP.WriteTimeout,
		DisableRequestLogs: cfg.HTTP.DisableRequestLogs,
		Debug:              cfg.Env == "dev",
	}, api.Services{
		Auth:        authenticator,
		Store:       store,
		Registry:    registry,
		Connections: subscribers,
		Broadcaster: broadcaster,
		Membership:  members,
		Polls:       pollService,
		WebSocket:   wsHandler.HandleWebSocket,
	})

	return &Application{
		config:      cfg,
		store:       store,
		registry:    registry,
		subscribers: subscribers,
		limiter:     limiter,
		hub:         eventHub,
		server:      server,
		stopSweep:   make(chan struct{}),
	}, nil
}

// Start runs the hub and then the HTTP server. It returns once the server
// is accepting connections or has failed to start.
func (app *Application) Start(ctx context.Context) error {
	log.Infof("starting formbar on %s", app.config.Address())

	if err := app.hub.Start(ctx); err != nil {
		return errors.Wrap(err, "failed to start hub")
	}

	app.wg.Add(1)
	go app.sweepLimiter()

	serverErrCh := make(chan error, 1)
	go func() {
		if err := app.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- errors.Wrap(err, "HTTP server error")
		}
	}()

	select {
	case err := <-serverErrCh:
		app.stopBackground()
		return err
	case <-time.After(100 * time.Millisecond):
		log.Infof("formbar started")
		return nil
	case <-ctx.Done():
		app.stopBackground()
		return ctx.Err()
	}
}

// Stop shuts down in reverse order: HTTP, hub, store.
func (app *Application) Stop(ctx context.Context) error {
	log.Infof("shutting down formbar")

	if err := app.server.Stop(ctx); err != nil {
		log.Warnf("HTTP server shutdown error: %v", err)
	}
	app.stopBackground()
	if err := app.store.Close(); err != nil {
		log.Warnf("database shutdown error: %v", err)
	}
	logging.Close()

	log.Infof("formbar shutdown complete")
	return nil
}

func (app *Application) stopBackground() {
	select {
	case <-app.stopSweep:
	default:
		close(app.stopSweep)
	}
	app.wg.Wait()
	if err := app.hub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		log.Warnf("hub shutdown error: %v", err)
	}
}

// sweepLimiter drops rate-limit windows of connections that went quiet.
func (app *Application) sweepLimiter() {
	defer app.wg.Done()
	ticker := time.NewTicker(limiterSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			app.limiter.Cleanup()
		case <-app.stopSweep:
			return
		}
	}
}

// Handler exposes the HTTP handler, mainly for tests.
func (app *Application) Handler() http.Handler {
	return app.server
}

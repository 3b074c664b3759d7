// Package api is the echo REST surface. Handlers only bind and validate
// input, resolve the caller and delegate to the services.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"

	"formbar/internal/auth"
	"formbar/internal/broadcast"
	"formbar/internal/classroom"
	"formbar/internal/membership"
	"formbar/internal/metrics"
	"formbar/internal/polls"
)

// HealthChecker reports whether persistence is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ConnectionStats exposes the live connection counters.
type ConnectionStats interface {
	GetStats() map[string]int
}

// Options configure the HTTP listener.
type Options struct {
	Address            string
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	DisableRequestLogs bool
	Debug              bool
}

// Services are the collaborators the handlers delegate to.
type Services struct {
	Auth        *auth.Authenticator
	Store       HealthChecker
	Registry    *classroom.Registry
	Connections ConnectionStats
	Broadcaster *broadcast.Broadcaster
	Membership  *membership.Service
	Polls       *polls.Service
	WebSocket   http.HandlerFunc
}

// Server is the HTTP entry point of formbar.
type Server struct {
	opts    Options
	svc     Services
	app     *echo.Echo
	started time.Time
}

// NewServer creates a server with every route registered.
func NewServer(opts Options, svc Services) *Server {
	s := &Server{
		opts:    opts,
		svc:     svc,
		app:     echo.New(),
		started: time.Now(),
	}
	s.setup()
	return s
}

func (s *Server) setup() {
	s.app.HideBanner = true
	s.app.HidePort = true
	s.app.Debug = s.opts.Debug
	s.app.HTTPErrorHandler = s.errorHandler
	s.app.Server.ReadTimeout = s.opts.ReadTimeout
	s.app.Server.WriteTimeout = s.opts.WriteTimeout

	s.app.Pre(middleware.RemoveTrailingSlash())
	if !s.opts.DisableRequestLogs {
		s.app.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
			Format: "method=${method} uri=${uri} status=${status} latency=${latency_human}\n",
			Skipper: func(c echo.Context) bool {
				return c.Path() == "/health" || c.Path() == "/metrics"
			},
		}))
	}
	s.app.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{LogLevel: log.ERROR}))
	s.app.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAuthorization},
		MaxAge:       86400,
	}))

	s.app.GET("/health", s.health)
	s.app.GET("/metrics", echo.WrapHandler(metrics.Handler()))
	if s.svc.WebSocket != nil {
		s.app.GET("/ws", echo.WrapHandler(s.svc.WebSocket))
	}

	api := s.app.Group("/api", s.svc.Auth.Middleware())
	s.registerClassRoutes(api)
	s.registerPollRoutes(api)
}

// Start serves until Stop is called. It returns http.ErrServerClosed after
// a clean shutdown.
func (s *Server) Start() error {
	log.Infof("HTTP server listening on %s", s.opts.Address)
	return s.app.Start(s.opts.Address)
}

// Stop drains in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	return s.app.Shutdown(ctx)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.app.ServeHTTP(w, r)
}

type healthResponse struct {
	Status      string                 `json:"status"`
	Timestamp   time.Time              `json:"timestamp"`
	Uptime      string                 `json:"uptime"`
	Database    string                 `json:"database"`
	Connections map[string]int         `json:"connections"`
	Classrooms  map[string]interface{} `json:"classrooms"`
}

// health reports store reachability and in-memory counters. An unreachable
// store answers 503.
func (s *Server) health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	response := healthResponse{
		Status:      "healthy",
		Timestamp:   time.Now(),
		Uptime:      time.Since(s.started).Round(time.Second).String(),
		Database:    "healthy",
		Connections: s.svc.Connections.GetStats(),
		Classrooms:  s.svc.Registry.GetStats(),
	}
	code := http.StatusOK
	if err := s.svc.Store.HealthCheck(ctx); err != nil {
		response.Status = "unhealthy"
		response.Database = err.Error()
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, response)
}

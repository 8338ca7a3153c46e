package api

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/basekick-labs/airlookup/internal/circuitbreaker"
	"github.com/basekick-labs/airlookup/internal/logger"
	"github.com/basekick-labs/airlookup/internal/metrics"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"
)

// Server represents the HTTP API server
type Server struct {
	app     *fiber.App
	config  *ServerConfig
	logger  zerolog.Logger
	breaker *circuitbreaker.CircuitBreaker
	client  string
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	BodyLimit    int
	TLSEnabled   bool
	TLSCertFile  string
	TLSKeyFile   string
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Host:         "0.0.0.0",
		Port:         8080,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
		BodyLimit:    1 << 20,
	}
}

var startTime = time.Now()

// NewServer creates a new HTTP server with Fiber
func NewServer(config *ServerConfig, logger zerolog.Logger) *Server {
	if config == nil {
		config = DefaultServerConfig()
	}
	if config.BodyLimit <= 0 {
		config.BodyLimit = 1 << 20
	}

	app := fiber.New(fiber.Config{
		AppName:               "airlookup",
		ReadTimeout:           config.ReadTimeout,
		WriteTimeout:          config.WriteTimeout,
		IdleTimeout:           config.IdleTimeout,
		BodyLimit:             config.BodyLimit,
		DisableStartupMessage: true,
		ErrorHandler:          customErrorHandler(logger),
	})

	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	app.Use(cors.New(cors.Config{
		AllowOrigins:  "*",
		AllowMethods:  "GET,POST,OPTIONS",
		AllowHeaders:  "Origin,Content-Type,Content-Encoding,Accept,Authorization,X-Request-ID",
		ExposeHeaders: HeaderRequestID,
	}))

	app.Use(securityHeaders())
	app.Use(requestID())
	app.Use(requestLogger(logger))

	return &Server{
		app:    app,
		config: config,
		logger: logger.With().Str("component", "api-server").Logger(),
	}
}

// SetUpstream records the executor strategy and breaker reported by /ready
func (s *Server) SetUpstream(client string, breaker *circuitbreaker.CircuitBreaker) {
	s.client = client
	s.breaker = breaker
}

// RegisterRoutes registers the operational routes. Call it after
// LookupRoutes.RegisterRoutes so /api/v1/logs sits behind the group guards.
func (s *Server) RegisterRoutes() {
	s.app.Get("/health", s.healthHandler)
	s.app.Get("/ready", s.readyHandler)
	s.app.Get("/metrics", s.metricsHandler)
	s.app.Get("/api/v1/logs", s.logsHandler)
}

// GetApp returns the underlying Fiber app (for registering custom routes)
func (s *Server) GetApp() *fiber.App {
	return s.app
}

// healthHandler returns server health status
func (s *Server) healthHandler(c *fiber.Ctx) error {
	uptime := time.Since(startTime)
	return c.JSON(fiber.Map{
		"status":     "ok",
		"time":       time.Now().UTC().Format(time.RFC3339),
		"uptime":     uptime.String(),
		"uptime_sec": uptime.Seconds(),
	})
}

// readyHandler reports not ready while the upstream breaker is open
func (s *Server) readyHandler(c *fiber.Ctx) error {
	resp := fiber.Map{
		"status":     "ready",
		"time":       time.Now().UTC().Format(time.RFC3339),
		"uptime_sec": time.Since(startTime).Seconds(),
	}
	if s.client != "" {
		resp["client"] = s.client
	}

	if s.breaker != nil {
		snap := s.breaker.Snapshot()
		resp["circuit_breaker"] = snap
		if snap.State == circuitbreaker.StateOpen.String() {
			resp["status"] = "degraded"
			return c.Status(fiber.StatusServiceUnavailable).JSON(resp)
		}
	}
	return c.JSON(resp)
}

// metricsHandler returns metrics in Prometheus format or JSON
func (s *Server) metricsHandler(c *fiber.Ctx) error {
	m := metrics.Get()

	if c.Get(fiber.HeaderAccept) == fiber.MIMEApplicationJSON {
		snapshot := m.Snapshot()
		snapshot["timestamp"] = time.Now().UTC().Format(time.RFC3339)
		return c.JSON(snapshot)
	}

	c.Set(fiber.HeaderContentType, "text/plain; version=0.0.4; charset=utf-8")
	return c.SendString(m.PrometheusFormat())
}

// logsHandler returns recent application logs
func (s *Server) logsHandler(c *fiber.Ctx) error {
	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}

	level := c.Query("level")

	sinceMinutes := 60
	if sm := c.Query("since_minutes"); sm != "" {
		if parsed, err := strconv.Atoi(sm); err == nil && parsed > 0 && parsed <= 1440 {
			sinceMinutes = parsed
		}
	}

	entries := logger.GetBuffer().GetRecent(limit, level, sinceMinutes)

	return c.JSON(fiber.Map{
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
		"count":         len(entries),
		"limit":         limit,
		"level_filter":  level,
		"since_minutes": sinceMinutes,
		"logs":          entries,
	})
}

// Addr returns the listen address
func (s *Server) Addr() string {
	return net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
}

// Start listens in the background. Listener errors are sent on the returned channel.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)

	s.logger.Info().
		Str("addr", s.Addr()).
		Bool("tls", s.config.TLSEnabled).
		Msg("Starting airlookup HTTP server")

	go func() {
		var err error
		if s.config.TLSEnabled {
			err = s.app.ListenTLS(s.Addr(), s.config.TLSCertFile, s.config.TLSKeyFile)
		} else {
			err = s.app.Listen(s.Addr())
		}
		if err != nil {
			errCh <- fmt.Errorf("listen %s: %w", s.Addr(), err)
		}
		close(errCh)
	}()

	return errCh
}

// Shutdown drains in-flight requests until ctx expires
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down server gracefully...")

	if err := s.app.ShutdownWithContext(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.logger.Info().Msg("Server stopped")
	return nil
}

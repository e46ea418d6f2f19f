// Package status serves the client's local status endpoints: probes,
// Prometheus metrics and a read-only view of the session.
package status

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/chatsync/internal/chat"
	"github.com/p-blackswan/chatsync/internal/health"
	"github.com/p-blackswan/chatsync/internal/metrics"
	"github.com/p-blackswan/chatsync/internal/requestid"
)

// SessionView is the read side of *chat.Session.
type SessionView interface {
	Snapshot() chat.Snapshot
}

// Config holds status server configuration.
type Config struct {
	ListenAddr string
}

// Server is the status Fiber application.
type Server struct {
	app     *fiber.App
	checker *health.Checker
	session SessionView
	logger  zerolog.Logger
	config  Config
}

// ProblemDetail is the error body of every failed request.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// New creates the status server. m may be nil.
func New(cfg Config, checker *health.Checker, session SessionView, m *metrics.Metrics, logger zerolog.Logger) *Server {
	logger = logger.With().Str("component", "status_server").Logger()

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler(logger),
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
	})

	s := &Server{
		app:     app,
		checker: checker,
		session: session,
		logger:  logger,
		config:  cfg,
	}

	app.Use(recover.New(recover.Config{EnableStackTrace: true}))

	app.Use(func(c *fiber.Ctx) error {
		reqID := c.Get(requestid.Header)
		if reqID == "" {
			_, reqID = requestid.New(c.Context())
		}
		c.Set(requestid.Header, reqID)
		c.Locals("request_id", reqID)
		return c.Next()
	})

	app.Use(func(c *fiber.Ctx) error {
		path := c.Path()
		if path == "/healthz" || path == "/readyz" || path == "/metrics" {
			return c.Next()
		}
		logger.Debug().
			Str("method", c.Method()).
			Str("path", path).
			Str("request_id", fmt.Sprintf("%v", c.Locals("request_id"))).
			Msg("status request")
		return c.Next()
	})

	app.Get("/healthz", s.liveness)
	app.Get("/readyz", s.readiness)
	app.Get("/metrics", adaptor.HTTPHandler(m.Handler()))

	v1 := app.Group("/v1")
	v1.Get("/session", s.sessionView)

	return s
}

// Start listens until Shutdown.
func (s *Server) Start() error {
	addr := s.config.ListenAddr
	if addr == "" {
		addr = "127.0.0.1:9464"
	}
	s.logger.Info().Str("addr", addr).Msg("status server starting")
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	s.logger.Info().Msg("status server shutting down")
	return s.app.Shutdown()
}

// App returns the underlying Fiber app (useful for testing).
func (s *Server) App() *fiber.App {
	return s.app
}

func errorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		var fe *fiber.Error
		if errors.As(err, &fe) {
			code = fe.Code
		}

		detail := err.Error()
		if code == fiber.StatusInternalServerError {
			logger.Error().
				Err(err).
				Str("path", c.Path()).
				Str("method", c.Method()).
				Msg("unhandled error")
			detail = "An internal error occurred"
		}

		return c.Status(code).JSON(ProblemDetail{
			Type:     "about:blank",
			Title:    "status error",
			Status:   code,
			Detail:   detail,
			Instance: c.Path(),
		})
	}
}

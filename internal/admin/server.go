// Package admin exposes the read-only administrative query surface:
// budget-window state, tier health scores, per-task circuit-breaker
// state, and recent events. Reads never mutate engine state.
package admin

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/orchestd/internal/budget"
	"github.com/fyrsmithlabs/orchestd/internal/events"
	"github.com/fyrsmithlabs/orchestd/internal/guardrail"
	"github.com/fyrsmithlabs/orchestd/internal/routing"
)

// Config holds admin server configuration.
type Config struct {
	Host string
	Port int
}

// Server provides the administrative HTTP endpoints.
type Server struct {
	echo   *echo.Echo
	ledger *budget.Ledger
	health *routing.HealthTracker
	guard  *guardrail.Monitor
	bus    *events.Bus
	logger *zap.Logger
	config *Config
}

// NewServer creates the admin server over the shared engine state.
func NewServer(ledger *budget.Ledger, health *routing.HealthTracker,
	guard *guardrail.Monitor, bus *events.Bus, logger *zap.Logger, cfg *Config) (*Server, error) {

	if ledger == nil || health == nil || guard == nil {
		return nil, fmt.Errorf("ledger, health tracker, and guard monitor are required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Host: "127.0.0.1", Port: 9090}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s := &Server{
		echo:   e,
		ledger: ledger,
		health: health,
		guard:  guard,
		bus:    bus,
		logger: logger,
		config: cfg,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/budget", s.handleBudget)
	v1.GET("/tiers/health", s.handleTierHealth)
	v1.GET("/breakers", s.handleBreakers)
	v1.GET("/events/recent", s.handleRecentEvents)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// BudgetResponse is the response body for GET /api/v1/budget.
type BudgetResponse struct {
	Windows budget.Snapshot        `json:"windows"`
	Metrics budget.MetricsSnapshot `json:"metrics"`
}

func (s *Server) handleBudget(c echo.Context) error {
	return c.JSON(http.StatusOK, BudgetResponse{
		Windows: s.ledger.Snapshot(),
		Metrics: s.ledger.Metrics(),
	})
}

// TierHealthResponse is the response body for GET /api/v1/tiers/health.
type TierHealthResponse struct {
	Tiers []routing.TierHealthSnapshot `json:"tiers"`
}

func (s *Server) handleTierHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, TierHealthResponse{Tiers: s.health.Snapshot()})
}

// BreakersResponse is the response body for GET /api/v1/breakers.
type BreakersResponse struct {
	Breakers []guardrail.BreakerSnapshot `json:"breakers"`
}

func (s *Server) handleBreakers(c echo.Context) error {
	return c.JSON(http.StatusOK, BreakersResponse{Breakers: s.guard.Snapshot()})
}

// EventsResponse is the response body for GET /api/v1/events/recent.
type EventsResponse struct {
	Events []events.Event `json:"events"`
}

func (s *Server) handleRecentEvents(c echo.Context) error {
	return c.JSON(http.StatusOK, EventsResponse{Events: s.bus.History()})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting admin server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down admin server")
	return s.echo.Shutdown(ctx)
}

// Handler exposes the underlying handler for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

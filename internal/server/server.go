package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"channel-relay-bot/internal/conversation"
)

// StatusSource reports bot status for the liveness endpoints
type StatusSource interface {
	Status(ctx context.Context) (*conversation.Status, error)
}

// StatusResponse is the JSON body of GET /status
type StatusResponse struct {
	Status               string `json:"status"`
	Model                string `json:"model,omitempty"`
	ActiveChannelThreads int    `json:"active_channel_threads"`
	VectorStoreFiles     int    `json:"vector_store_files"`
	VectorStoreID        string `json:"vector_store_id"`
	UptimeSeconds        int64  `json:"uptime_seconds"`
	Error                string `json:"error,omitempty"`
}

// Server is the HTTP liveness surface used by container health checks
type Server struct {
	echo   *echo.Echo
	addr   string
	source StatusSource
	logger *slog.Logger
}

// NewServer builds the liveness server. An empty addr listens on :8080.
func NewServer(addr string, source StatusSource, logger *slog.Logger) *Server {
	if addr == "" {
		addr = ":8080"
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{
		echo:   e,
		addr:   addr,
		source: source,
		logger: logger.With(slog.String("component", "server")),
	}
	s.register(e)
	return s
}

func (s *Server) register(e *echo.Echo) {
	e.GET("/health", s.Health)
	e.HEAD("/health", s.HealthHead)
	e.GET("/status", s.Status)
}

// Health answers as long as the process is serving
func (s *Server) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

func (s *Server) HealthHead(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

// Status reports conversation counts; an unreachable store yields 503
func (s *Server) Status(c echo.Context) error {
	status, err := s.source.Status(c.Request().Context())
	if err != nil {
		s.logger.Warn("Status check failed", slog.Any("error", err))
		return c.JSON(http.StatusServiceUnavailable, StatusResponse{
			Status: "unavailable",
			Error:  err.Error(),
		})
	}

	return c.JSON(http.StatusOK, StatusResponse{
		Status:               "ok",
		Model:                status.Model,
		ActiveChannelThreads: status.ActiveThreads,
		VectorStoreFiles:     status.IndexedDocuments,
		VectorStoreID:        status.IndexID,
		UptimeSeconds:        int64(status.Uptime.Seconds()),
	})
}

// ServeHTTP exposes the router, mainly for tests
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Start blocks serving until Shutdown is called
func (s *Server) Start() error {
	s.logger.Info("Liveness server listening", slog.String("addr", s.addr))
	if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

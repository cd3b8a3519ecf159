package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/elonfeng/newsradar/internal/store"
)

const (
	defaultNewsLimit = 50
	maxNewsLimit     = 500
)

// Store is the read-only view the server needs.
type Store interface {
	Counts(ctx context.Context) (store.Stats, error)
	ListEnriched(ctx context.Context, opts store.NewsListOpts) ([]store.EnrichedNewsItem, error)
}

// StageStatus describes one running pipeline loop.
type StageStatus struct {
	Name      string     `json:"name"`
	State     string     `json:"state"`
	Batches   int64      `json:"batches"`
	Processed int64      `json:"processed"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	LastError string     `json:"last_error,omitempty"`
}

// StageReporter exposes live stage status.
type StageReporter interface {
	Stages() []StageStatus
}

type Options struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
}

// Server provides the read-only status API.
type Server struct {
	store    Store
	reporter StageReporter
	logger   zerolog.Logger
	opts     Options
	started  time.Time
}

type response struct {
	Status  string `json:"status"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

// New creates a new HTTP server. reporter may be nil.
func New(s Store, reporter StageReporter, logger zerolog.Logger, opts Options) *Server {
	if opts.Port == 0 {
		opts.Port = 8080
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	return &Server{
		store:    s,
		reporter: reporter,
		logger:   logger.With().Str("component", "server").Logger(),
		opts:     opts,
		started:  time.Now().UTC(),
	}
}

// Handler builds the echo router.
func (s *Server) Handler() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.httpErrorHandler

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			ev := s.logger.Debug()
			if v.Error != nil {
				ev = s.logger.Error().Err(v.Error)
			}
			ev.Str("method", v.Method).Str("uri", v.URI).Int("status", v.Status).
				Dur("latency", v.Latency).Msg("http request")
			return nil
		},
	}))

	e.GET("/health", s.handleHealth)
	api := e.Group("/api/v1")
	api.GET("/stats", s.handleStats)
	api.GET("/stages", s.handleStages)
	api.GET("/news", s.handleNews)
	return e
}

// ListenAndServe serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	e := s.Handler()
	addr := fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			s.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}()

	s.logger.Info().Str("addr", addr).Msg("status server listening")
	if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("start server: %w", err)
	}
	return nil
}

func (s *Server) httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status := http.StatusInternalServerError
	message := "internal server error"
	var he *echo.HTTPError
	if errors.As(err, &he) {
		status = he.Code
		if m, ok := he.Message.(string); ok && strings.TrimSpace(m) != "" {
			message = m
		} else {
			message = strings.ToLower(http.StatusText(status))
		}
	}
	_ = c.JSON(status, response{Status: "error", Message: message})
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "newsradar",
		"uptime":  time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleStats(c echo.Context) error {
	stats, err := s.store.Counts(c.Request().Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("load stats failed")
		return c.JSON(http.StatusInternalServerError, response{Status: "error", Message: "failed to load stats"})
	}
	return c.JSON(http.StatusOK, response{Status: "success", Data: stats})
}

func (s *Server) handleStages(c echo.Context) error {
	stages := []StageStatus{}
	if s.reporter != nil {
		stages = s.reporter.Stages()
	}
	return c.JSON(http.StatusOK, response{Status: "success", Data: stages})
}

func (s *Server) handleNews(c echo.Context) error {
	opts := store.NewsListOpts{
		Ticker: strings.ToUpper(strings.TrimSpace(c.QueryParam("ticker"))),
		Limit:  defaultNewsLimit,
	}
	if since := c.QueryParam("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return c.JSON(http.StatusBadRequest, response{Status: "fail", Message: "since must be RFC3339"})
		}
		opts.Since = t
	}
	if limit := c.QueryParam("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n <= 0 {
			return c.JSON(http.StatusBadRequest, response{Status: "fail", Message: "limit must be a positive integer"})
		}
		opts.Limit = min(n, maxNewsLimit)
	}

	items, err := s.store.ListEnriched(c.Request().Context(), opts)
	if err != nil {
		s.logger.Error().Err(err).Msg("list news failed")
		return c.JSON(http.StatusInternalServerError, response{Status: "error", Message: "failed to load news"})
	}
	if items == nil {
		items = []store.EnrichedNewsItem{}
	}
	return c.JSON(http.StatusOK, response{Status: "success", Data: map[string]any{
		"items": items,
		"count": len(items),
	}})
}

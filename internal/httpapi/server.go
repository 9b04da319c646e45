// Package httpapi exposes the document service over HTTP.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echoMiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"ragdocs/internal/domain"
	"ragdocs/internal/metrics"
	"ragdocs/internal/service"
)

// Service is what the handlers need from service.RAGService.
type Service interface {
	Upload(ctx context.Context, req service.UploadRequest) (domain.Document, error)
	ListDocuments(ctx context.Context) ([]domain.Document, error)
	GetDocument(ctx context.Context, id string) (domain.Document, error)
	DeleteDocument(ctx context.Context, id string) error
	Search(ctx context.Context, query string, maxResults int) ([]domain.SearchResult, error)
	Answer(ctx context.Context, query, model string) (domain.AnswerResult, error)
	History(ctx context.Context) ([]domain.AnswerRecord, error)
	Stats(ctx context.Context) (service.Stats, error)
}

// Options configures the HTTP server.
type Options struct {
	BodyLimit    string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server routes HTTP requests to the service.
type Server struct {
	e       *echo.Echo
	svc     Service
	metrics *metrics.Metrics
	log     zerolog.Logger
	opts    Options
}

// New creates a server with every route registered.
func New(svc Service, m *metrics.Metrics, log zerolog.Logger, opts Options) *Server {
	s := &Server{
		e:       echo.New(),
		svc:     svc,
		metrics: m,
		log:     log.With().Str("component", "http").Logger(),
		opts:    opts,
	}
	s.e.HideBanner = true
	s.e.HidePort = true
	s.e.HTTPErrorHandler = s.handleError
	s.e.Server.ReadTimeout = opts.ReadTimeout
	s.e.Server.WriteTimeout = opts.WriteTimeout

	s.e.Use(s.observe)
	s.e.Use(echoMiddleware.Recover())
	if opts.BodyLimit != "" {
		s.e.Use(echoMiddleware.BodyLimit(opts.BodyLimit))
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.e.GET("/health", s.health)
	s.e.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))

	api := s.e.Group("/api")
	api.POST("/documents/upload", s.upload)
	api.GET("/documents", s.listDocuments)
	api.GET("/documents/:id", s.getDocument)
	api.DELETE("/documents/:id", s.deleteDocument)
	api.POST("/search", s.search)
	api.POST("/ask-documents", s.ask)
	api.GET("/answers/history", s.history)
	api.GET("/admin/metrics", s.adminMetrics)
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.e }

// Start serves on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.log.Info().Str("addr", addr).Msg("listening")
	if err := s.e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}

// observe logs every request and records it in the metrics.
func (s *Server) observe(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		if err := next(c); err != nil {
			c.Error(err)
		}
		route := c.Path()
		if route == "" {
			route = "unmatched"
		}
		status := c.Response().Status
		elapsed := time.Since(start)
		s.metrics.RecordHTTPRequest(c.Request().Method, route, status, elapsed)

		ev := s.log.Debug()
		if status >= http.StatusInternalServerError {
			ev = s.log.Warn()
		}
		ev.Str("method", c.Request().Method).
			Str("route", route).
			Int("status", status).
			Dur("duration", elapsed).
			Msg("request")
		return nil
	}
}

// Package server provides the HTTP surface of coursed: document
// submission and status, search, course selection, health, and
// metrics, on an Echo router with graceful shutdown.
package server

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/studylabs/coursed/internal/courses"
	"github.com/studylabs/coursed/internal/embeddings"
	"github.com/studylabs/coursed/internal/indexer"
	"github.com/studylabs/coursed/internal/taskqueue"
	"github.com/studylabs/coursed/internal/vectorstore"
)

// Config holds HTTP server configuration.
type Config struct {
	Port            int
	ServiceName     string
	ShutdownTimeout time.Duration
}

// Server is the coursed HTTP server.
type Server struct {
	config   Config
	echo     *echo.Echo
	indexer  *indexer.Service
	selector *courses.Selector
	logger   *zap.Logger
}

// HealthResponse is the JSON response for the /health endpoint.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// NewServer creates the HTTP server and registers all routes.
func NewServer(cfg Config, indexerService *indexer.Service, selector *courses.Selector, logger *zap.Logger) *Server {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	s := &Server{
		config:   cfg,
		echo:     e,
		indexer:  indexerService,
		selector: selector,
		logger:   logger,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/v1")
	v1.POST("/documents", s.handlePrepare)
	v1.GET("/documents/:id", s.handleStatus)
	v1.DELETE("/documents/:id", s.handleDelete)
	v1.POST("/search", s.handleSearch)
	v1.POST("/courses/bulk_index", s.handleBulkIndex)
	v1.POST("/courses/select", s.handleSelect)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:  "ok",
		Service: s.config.ServiceName,
	})
}

// prepareRequest is the body of POST /v1/documents. Text content goes
// in content; binary formats (pdf, docx) in content_base64.
type prepareRequest struct {
	Content       string            `json:"content"`
	ContentBase64 string            `json:"content_base64"`
	ContentType   string            `json:"content_type"`
	Collection    string            `json:"collection"`
	CourseID      int64             `json:"course_id"`
	Metadata      map[string]string `json:"metadata"`
}

type prepareResponse struct {
	DocumentID string `json:"document_id"`
}

func (s *Server) handlePrepare(c echo.Context) error {
	var req prepareRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	content := []byte(req.Content)
	if req.ContentBase64 != "" {
		decoded, err := base64.StdEncoding.DecodeString(req.ContentBase64)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid base64 content")
		}
		content = decoded
	}

	documentID, err := s.indexer.Prepare(c.Request().Context(), indexer.PrepareRequest{
		Content:     content,
		ContentType: req.ContentType,
		Collection:  req.Collection,
		CourseID:    req.CourseID,
		Metadata:    req.Metadata,
	})
	if err != nil {
		return s.mapError(err)
	}

	return c.JSON(http.StatusAccepted, prepareResponse{DocumentID: documentID})
}

func (s *Server) handleStatus(c echo.Context) error {
	rec, err := s.indexer.Status(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (s *Server) handleDelete(c echo.Context) error {
	if err := s.indexer.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return s.mapError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

type searchRequest struct {
	Query      string            `json:"query"`
	Collection string            `json:"collection"`
	CourseID   int64             `json:"course_id"`
	Limit      int               `json:"limit"`
	Filter     map[string]string `json:"filter"`
}

type searchResponse struct {
	Matches []indexer.Match `json:"matches"`
}

func (s *Server) handleSearch(c echo.Context) error {
	var req searchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}

	matches, err := s.indexer.Search(c.Request().Context(), req.Query, req.Collection, req.CourseID, req.Limit, req.Filter)
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, searchResponse{Matches: matches})
}

type bulkIndexRequest struct {
	Courses []courses.CourseDescriptor `json:"courses"`
}

func (s *Server) handleBulkIndex(c echo.Context) error {
	var req bulkIndexRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Courses) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "courses is required")
	}

	result, err := s.selector.BulkIndex(c.Request().Context(), req.Courses)
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, result)
}

type selectRequest struct {
	Query               string  `json:"query"`
	SubscribedCourseIDs []int64 `json:"subscribed_course_ids"`
	MinScore            float64 `json:"min_score"`
	Limit               int     `json:"limit"`
}

func (s *Server) handleSelect(c echo.Context) error {
	var req selectRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}

	result, err := s.selector.Select(c.Request().Context(), req.Query, req.SubscribedCourseIDs, req.MinScore, req.Limit)
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, result)
}

// mapError translates domain errors to HTTP status codes.
func (s *Server) mapError(err error) error {
	switch {
	case errors.Is(err, indexer.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, indexer.ErrUnsupportedType),
		errors.Is(err, courses.ErrInvalidDescriptor),
		errors.Is(err, vectorstore.ErrInvalidCollectionName):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, vectorstore.ErrStoreUnavailable),
		errors.Is(err, embeddings.ErrEmbeddingUnavailable),
		errors.Is(err, taskqueue.ErrQueueUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("request failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}

// Echo exposes the router, for tests and route inspection.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Start starts the HTTP server and blocks until the context is
// cancelled, then shuts down gracefully within the configured timeout.
// Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.config.Port)

	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server start: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.echo.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return http.ErrServerClosed
	}
}

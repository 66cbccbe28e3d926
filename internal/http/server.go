// Package http provides the HTTP API for researchd.
package http

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/researchd/internal/events"
	"github.com/fyrsmithlabs/researchd/internal/pipeline"
	"github.com/fyrsmithlabs/researchd/internal/registry"
	"github.com/fyrsmithlabs/researchd/internal/research"
)

const (
	maxDomainLength = 200
	maxSources      = 20
)

// Tasks is the registry surface the API needs.
type Tasks interface {
	Create(ctx context.Context, domain string, sources []string) (*research.Task, error)
	Get(ctx context.Context, id string) (*research.Task, error)
	Update(ctx context.Context, id string, mutate registry.Mutator) (*research.Task, error)
	List(ctx context.Context) iter.Seq[research.Summary]
}

// Server provides HTTP endpoints for researchd.
type Server struct {
	echo     *echo.Echo
	tasks    Tasks
	launcher pipeline.Launcher
	bus      events.Bus
	logger   *zap.Logger
	config   *Config
	metrics  *serverMetrics
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// NewServer creates a new HTTP server. bus may be nil, in which case the
// stream endpoint is not registered.
func NewServer(tasks Tasks, launcher pipeline.Launcher, bus events.Bus, logger *zap.Logger, cfg *Config) (*Server, error) {
	if tasks == nil {
		return nil, fmt.Errorf("task registry cannot be nil")
	}
	if launcher == nil {
		return nil, fmt.Errorf("launcher cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 8000,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	metrics := newServerMetrics(nil, logger)
	e.Use(metrics.middleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", responseStatus(c, err)),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s := &Server{
		echo:     e,
		tasks:    tasks,
		launcher: launcher,
		bus:      bus,
		logger:   logger,
		config:   cfg,
		metrics:  metrics,
	}

	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	r := s.echo.Group("/research")
	r.POST("/start", s.handleStart)
	r.GET("/status/:id", s.handleStatus)
	r.GET("/report/:id", s.handleReport)
	r.GET("/list", s.handleList)
	if s.bus != nil {
		r.GET("/stream/:id", s.handleStream)
	}
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleStart creates a task and hands it to the launcher.
func (s *Server) handleStart(c echo.Context) error {
	var req StartRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid start request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := req.validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx := c.Request().Context()
	task, err := s.tasks.Create(ctx, req.Domain, req.Sources)
	if err != nil {
		return s.httpError(err)
	}

	if err := s.launcher.Launch(ctx, task.ID); err != nil {
		s.logger.Error("launching research task failed", zap.String("task_id", task.ID), zap.Error(err))
		s.abandon(ctx, task.ID, err)
		s.metrics.submitted(ctx, req.Domain, false)
		return s.httpError(err)
	}
	s.metrics.submitted(ctx, req.Domain, true)

	s.logger.Info("research task accepted",
		zap.String("task_id", task.ID),
		zap.String("domain", task.Domain),
		zap.Int("sources", len(task.Sources)),
	)
	return c.JSON(http.StatusAccepted, StartResponse{TaskID: task.ID, Status: task.Status})
}

// abandon marks a task that could not be launched as failed so it does not
// sit in pending until the next restart.
func (s *Server) abandon(ctx context.Context, taskID string, cause error) {
	_, err := s.tasks.Update(context.WithoutCancel(ctx), taskID, func(t *research.Task) error {
		t.Status = research.StatusFailed
		t.Error = &research.ErrorDetail{Stage: research.StatusPending, Message: "not started: " + cause.Error()}
		return nil
	})
	if err != nil {
		s.logger.Warn("marking unlaunched task failed", zap.String("task_id", taskID), zap.Error(err))
	}
}

// handleStatus returns the status of a single task.
func (s *Server) handleStatus(c echo.Context) error {
	task, err := s.tasks.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.httpError(err)
	}
	return c.JSON(http.StatusOK, newStatusResponse(task))
}

// handleReport returns the final report as JSON, or as Markdown when asked.
func (s *Server) handleReport(c echo.Context) error {
	task, err := s.tasks.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.httpError(err)
	}
	if task.Status != research.StatusCompleted {
		return s.httpError(&research.NotReadyError{ID: task.ID, Status: task.Status})
	}

	if wantsMarkdown(c) {
		return c.Blob(http.StatusOK, "text/markdown; charset=utf-8", []byte(task.Report))
	}
	return c.JSON(http.StatusOK, ReportResponse{
		TaskID:     task.ID,
		Domain:     task.Domain,
		Report:     task.Report,
		ReportPath: task.ReportPath,
	})
}

// handleList returns every task, newest first.
func (s *Server) handleList(c echo.Context) error {
	resp := ListResponse{Tasks: []research.Summary{}}
	for summary := range s.tasks.List(c.Request().Context()) {
		resp.Tasks = append(resp.Tasks, summary)
	}
	resp.Count = len(resp.Tasks)
	return c.JSON(http.StatusOK, resp)
}

// httpError maps domain errors to HTTP errors.
func (s *Server) httpError(err error) error {
	switch {
	case research.IsNotFound(err):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, research.ErrNotReady):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, pipeline.ErrQueueFull), errors.Is(err, pipeline.ErrDispatcherClosed):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("request failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}

func wantsMarkdown(c echo.Context) bool {
	if strings.EqualFold(c.QueryParam("format"), "markdown") {
		return true
	}
	return strings.Contains(c.Request().Header.Get(echo.HeaderAccept), "text/markdown")
}

func (r *StartRequest) validate() error {
	r.Domain = strings.TrimSpace(r.Domain)
	if len(r.Domain) > maxDomainLength {
		return fmt.Errorf("domain must be at most %d characters", maxDomainLength)
	}
	if len(r.Sources) > maxSources {
		return fmt.Errorf("at most %d sources are allowed", maxSources)
	}
	for _, src := range r.Sources {
		u, err := url.Parse(src)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("source %q is not an http(s) URL", src)
		}
	}
	return nil
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

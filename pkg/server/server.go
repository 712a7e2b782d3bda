// Package server exposes the ingestion service over HTTP: probes, metrics
// and run control.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/soundprediction/go-docgraph/pkg/config"
	"github.com/soundprediction/go-docgraph/pkg/server/handlers"
)

// Server is the HTTP surface of a running ingestion service.
type Server struct {
	cfg        config.ServerConfig
	router     *gin.Engine
	httpServer *http.Server
	logger     *slog.Logger

	scheduler *Scheduler
	graph     handlers.Pinger
	gatherer  prometheus.Gatherer
}

// New creates a server. gatherer may be nil to serve the default registry.
func New(cfg config.ServerConfig, scheduler *Scheduler, graph handlers.Pinger, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{cfg: cfg, scheduler: scheduler, graph: graph, gatherer: gatherer, logger: logger}
	s.setup()
	return s
}

func (s *Server) setup() {
	if s.cfg.Mode != "" {
		gin.SetMode(s.cfg.Mode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())

	health := handlers.NewHealthHandler(s.graph)
	router.GET("/health", health.HealthCheck)
	router.GET("/ready", health.ReadinessCheck)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{EnableOpenMetrics: true})))

	runs := handlers.NewRunsHandler(s.scheduler)
	group := router.Group("/runs")
	{
		group.POST("", runs.Trigger)
		group.GET("/latest", runs.Latest)
		group.GET("/current/documents", runs.Documents)
	}

	s.router = router
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("starting server", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Stop shuts the HTTP server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping server")
	return s.httpServer.Shutdown(ctx)
}

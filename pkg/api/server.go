// Package api exposes the BeamLens HTTP surface: health, status,
// alerts and investigations, watchers, schedules, and breaker control.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/beamlens/beamlens/pkg/supervisor"
)

// Server wraps the gin engine around a running supervisor.
type Server struct {
	sup    *supervisor.Supervisor
	engine *gin.Engine
	srv    *http.Server
}

// NewServer builds the router. The supervisor must already be started.
func NewServer(sup *supervisor.Supervisor) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())

	s := &Server{sup: sup, engine: engine}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", s.health)

	v1 := s.engine.Group("/api/v1")
	{
		v1.GET("/status", s.status)
		v1.GET("/alerts", s.listAlerts)
		v1.POST("/investigate", s.investigate)
		v1.POST("/ask", s.ask)

		v1.GET("/watchers", s.listWatchers)
		v1.GET("/watchers/:name", s.watcherStatus)
		v1.POST("/watchers/:name/trigger", s.triggerWatcher)

		v1.GET("/schedules", s.listSchedules)
		v1.POST("/schedules/:name/run", s.runSchedule)

		v1.GET("/circuit-breaker", s.circuitBreaker)
		v1.POST("/circuit-breaker/reset", s.resetCircuitBreaker)

		v1.GET("/baselines", s.baselines)
	}
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until ctx is cancelled, then drains with a shutdown grace
// period.
func (s *Server) Run(ctx context.Context, addr string) error {
	s.srv = &http.Server{Addr: addr, Handler: s.engine}

	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	slog.Info("API server listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}

// requestLogger logs each request at debug with method, path and status.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Debug("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

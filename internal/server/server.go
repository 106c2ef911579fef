// Package server exposes the kernel's control surface over HTTP:
// submission execute/validate/infer, audit queries, capability
// management, and object introspection. The approval UI and the real
// renderer live elsewhere; this surface is for supervisors and tools.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/wardenproject/warden/internal/kernel"
	"github.com/wardenproject/warden/internal/logging"
	"github.com/wardenproject/warden/internal/version"
)

// Server wraps the HTTP server and its kernel.
type Server struct {
	router *gin.Engine
	kernel *kernel.Kernel
	logger *logging.Logger
	srv    *http.Server
}

// NewServer builds the router over an initialized kernel.
func NewServer(k *kernel.Kernel) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	s := &Server{
		router: router,
		kernel: k,
		logger: k.Logger.Component("server"),
	}

	router.Use(gin.Recovery())
	router.Use(cors.Default())
	router.Use(s.observe())

	router.GET("/health", s.health)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(k.Metrics.Registry(), promhttp.HandlerOpts{})))

	router.POST("/v1/execute", s.execute)
	router.POST("/v1/validate", s.validate)
	router.POST("/v1/infer", s.infer)

	router.GET("/v1/audit", s.auditQuery)
	router.GET("/v1/audit/export", s.auditExport)

	router.GET("/v1/capabilities/:principal", s.listCapabilities)
	router.POST("/v1/capabilities/grant", s.grant)
	router.POST("/v1/capabilities/revoke", s.revoke)

	router.GET("/v1/objects", s.listObjects)

	return s
}

// observe records request metrics and structured access logs.
func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		elapsed := time.Since(start)
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		s.kernel.Metrics.RequestsTotal.WithLabelValues(
			c.Request.Method, path, http.StatusText(c.Writer.Status()),
		).Inc()
		s.kernel.Metrics.RequestDuration.WithLabelValues(c.Request.Method, path).Observe(elapsed.Seconds())
		s.logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", elapsed),
		)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": version.KernelVersion,
		"uptime":  s.kernel.Metrics.Uptime().String(),
	})
}

// Run serves until the context is cancelled, then drains.
func (s *Server) Run(ctx context.Context, addr string) error {
	s.srv = &http.Server{Addr: addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("control surface listening", zap.String("addr", addr))
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}

// Router exposes the gin engine for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

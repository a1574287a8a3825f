package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/core"
	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/database"
	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/logger"
)

// StatusProvider reports the scheduler's live counters.
type StatusProvider interface {
	Status() core.SchedulerStatus
}

// NewRouter builds the status surface: /health, /status and read-only views
// of the stored scans.
func NewRouter(status StatusProvider, store *database.Store, log *logger.Logger) *gin.Engine {
	router := gin.New()
	router.Use(RecoveryMiddleware(log))
	router.Use(LoggingMiddleware(log))

	router.GET("/health", func(c *gin.Context) {
		healthy := true
		checks := make(map[string]interface{})

		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if err := store.DB().PingContext(ctx); err != nil {
			healthy = false
			checks["database"] = map[string]interface{}{
				"status": "unhealthy",
				"error":  err.Error(),
			}
		} else {
			checks["database"] = map[string]interface{}{
				"status": "healthy",
				"driver": store.Driver(),
			}
		}

		code := http.StatusOK
		if !healthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"healthy":   healthy,
			"checks":    checks,
			"timestamp": time.Now().Unix(),
		})
	})

	router.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, status.Status())
	})

	registerScanRoutes(router, store, log)
	return router
}

// Server runs the status router until shut down.
type Server struct {
	srv    *http.Server
	logger *logger.Logger
}

func NewServer(addr string, handler http.Handler, log *logger.Logger) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
			MaxHeaderBytes:    1 << 20,
		},
		logger: log.WithComponent("status-server"),
	}
}

// Start binds the listener and serves in the background. Bind errors are
// returned; later serve errors are logged.
func (s *Server) Start() (net.Addr, error) {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", s.srv.Addr, err)
	}

	go func() {
		s.logger.Infow("Status server listening", "address", ln.Addr().String())
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorw("Status server failed", "error", err)
		}
	}()
	return ln.Addr(), nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("status server shutdown failed: %w", err)
	}
	s.logger.Infow("Status server stopped")
	return nil
}

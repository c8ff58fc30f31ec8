package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"pgstream/internal/api/handlers"

	"github.com/gin-gonic/gin"
	"github.com/pterm/pterm"
)

// Server is the HTTP surface of a running engine
type Server struct {
	router *gin.Engine
	server *http.Server
	logger *pterm.Logger
	port   int

	// Cancels every request context on shutdown so feed streams end
	baseCancel context.CancelFunc
}

// Config is the listen address and gin mode
type Config struct {
	Host       string
	Port       int
	Production bool
}

// NewServer builds the router and registers the session and feed routes
func NewServer(cfg *Config, sessionHandler *handlers.SessionHandler, realtimeHandler *handlers.RealtimeHandler, logger *pterm.Logger) *Server {
	if cfg.Production {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()

	router.Use(requestLogger(logger))
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "time": time.Now()})
	})

	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"service": "pgstream", "api": "/api/v1", "feed_stream": "/api/v1/feed/stream"})
	})

	api := router.Group("/api/v1")
	{
		// Session control
		api.GET("/session", sessionHandler.GetStatus)
		api.POST("/session/start", sessionHandler.Start)
		api.POST("/session/stop", sessionHandler.Stop)
		api.POST("/activity", sessionHandler.Activity)

		// Session journal
		api.GET("/sessions", sessionHandler.GetSessions)

		// Feed
		api.GET("/feed", realtimeHandler.QueryFeed)
		api.DELETE("/feed", realtimeHandler.ClearFeed)
		api.GET("/feed/stream", realtimeHandler.StreamFeed)

		api.GET("/metrics", realtimeHandler.GetMetrics)
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	return &Server{
		router: router,
		server: &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       10 * time.Second,
			// No write timeout: feed streams stay open for the whole session
			MaxHeaderBytes:    1 << 20,
			BaseContext:       func(net.Listener) context.Context { return baseCtx },
		},
		logger:     logger,
		port:       cfg.Port,
		baseCancel: baseCancel,
	}
}

// Handler exposes the router for in-process tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run blocks serving HTTP until Shutdown
func (s *Server) Run() error {
	s.logger.Info("HTTP API listening", s.logger.Args("address", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.logger.WithCaller().Error("HTTP API stopped unexpectedly", s.logger.Args("error", err))
		return err
	}
	return nil
}

// Shutdown ends open feed streams, then drains the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Stopping HTTP API")
	s.baseCancel()
	return s.server.Shutdown(ctx)
}

// requestLogger routes gin access logs through pterm at trace level
func requestLogger(logger *pterm.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Trace("HTTP request",
			logger.Args(
				"method", c.Request.Method,
				"path", c.Request.URL.Path,
				"status", c.Writer.Status(),
				"duration", time.Since(start),
				"client_ip", c.ClientIP(),
			))
	}
}

// corsMiddleware allows browser consumers of the feed stream
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, Last-Event-ID, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

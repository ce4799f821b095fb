// Package api exposes the engine over HTTP with gin and streams its
// notifications over websockets.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"perfwatch/internal/config"
	"perfwatch/internal/engine"
	"perfwatch/internal/logger"
)

// Server represents the API server
type Server struct {
	cfg        config.ServerConfig
	engine     *engine.Engine
	router     *gin.Engine
	httpServer *http.Server
	handlers   *Handlers
	stream     *StreamHandler
	log        logger.Logger
}

// NewServer creates a new API server around e.
func NewServer(e *engine.Engine, log logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	cfg := e.Config().Server

	s := &Server{
		cfg:      cfg,
		engine:   e,
		router:   gin.New(),
		handlers: NewHandlers(e, log.WithField("component", "api")),
		log:      log.WithField("component", "api"),
	}
	s.stream = NewStreamHandler(websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}, e.Bus(), e.Metrics(), cfg.StreamBuffer, s.log)

	s.setupRoutes()
	return s
}

// Router exposes the route table for tests and embedding.
func (s *Server) Router() http.Handler {
	return s.router
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.Use(gin.CustomRecovery(recoverHandler(s.log)))
	s.router.Use(requestLogging(logger.NewRequestLogger(s.log)))
	s.router.Use(corsMiddleware())
	s.router.Use(s.engine.Metrics().MetricsMiddleware())

	s.router.GET("/metrics", gin.WrapH(s.engine.Metrics().Handler()))
	s.router.GET("/health", s.health)

	v1 := s.router.Group("/v1")
	{
		v1.POST("/events", s.handlers.Ingest)

		timers := v1.Group("/timers")
		{
			timers.POST("/begin", s.handlers.BeginTimer)
			timers.POST("/end", s.handlers.EndTimer)
		}

		v1.GET("/snapshot", s.handlers.Snapshot)
		v1.GET("/aggregates/:level", s.handlers.Aggregates)
		v1.GET("/segments", s.handlers.Segments)
		v1.GET("/bottlenecks", s.handlers.Bottlenecks)
		v1.GET("/predictions", s.handlers.Predictions)
		v1.GET("/recommendations", s.handlers.Recommendations)
		v1.GET("/quality", s.handlers.Quality)
		v1.GET("/tasks", s.handlers.Tasks)
		v1.POST("/context", s.handlers.SetContext)

		ab := v1.Group("/ab")
		{
			ab.GET("", s.handlers.ABResults)
			ab.GET("/:id", s.handlers.ABResults)
			ab.POST("", s.handlers.RegisterABTest)
		}

		alerts := v1.Group("/alerts")
		{
			alerts.GET("", s.handlers.ActiveAlerts)
			alerts.GET("/history", s.handlers.AlertHistory)
			alerts.GET("/:id", s.handlers.GetAlert)
			alerts.POST("/:id/ack", s.handlers.Acknowledge)
			alerts.POST("/:id/resolve", s.handlers.Resolve)
		}

		v1.GET("/stream", s.stream.Stream)
	}
}

func (s *Server) health(c *gin.Context) {
	status := "ok"
	code := http.StatusOK
	if s.engine.Stopped() {
		status = "stopped"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":  status,
		"time":    time.Now().UTC(),
		"clients": s.stream.Clients(),
	})
}

// Start serves HTTP until Stop is called.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	s.log.Info("starting API server", "addr", s.cfg.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop closes the notification streams and gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	s.log.Info("shutting down API server")
	s.stream.CloseAll()

	if s.httpServer == nil {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.log.Info("API server stopped")
	return nil
}

// corsMiddleware adds CORS headers
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func requestLogging(rl *logger.RequestLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		rl.LogRequest(c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start), map[string]interface{}{
			"client_ip": c.ClientIP(),
		})
	}
}

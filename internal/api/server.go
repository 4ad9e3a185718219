package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"signal-pipeline/internal/metrics"
)

// StreamDownGrace is how long the WebSocket may stay down before /health
// reports the engine unhealthy.
const StreamDownGrace = 2 * time.Minute

// Engine is the slice of the pipeline the ops server reports on and
// controls.
type Engine interface {
	StreamConnected() bool
	StreamDownFor() time.Duration
	StoreHealthy() bool
	ReloadStrategies(ctx context.Context) (int, error)
	RequestShutdown()
}

// Server is the ops HTTP surface: health, metrics, strategy reload and
// shutdown.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	engine     Engine
	metrics    *metrics.Metrics
	logger     zerolog.Logger
	port       int
}

// NewServer builds the router. Call Start to begin serving.
func NewServer(engine Engine, m *metrics.Metrics, port int, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		router:  router,
		engine:  engine,
		metrics: m,
		logger:  logger.With().Str("component", "API").Logger(),
		port:    port,
	}

	router.GET("/health", s.handleHealth)
	router.GET("/metrics", gin.WrapH(m.Handler()))
	router.POST("/reload-strategies", s.handleReload)
	router.POST("/shutdown", s.handleShutdown)
	return s
}

func (s *Server) handleHealth(c *gin.Context) {
	status := http.StatusOK
	streamOK := true
	if !s.engine.StreamConnected() && s.engine.StreamDownFor() > StreamDownGrace {
		streamOK = false
		status = http.StatusServiceUnavailable
	}
	storeOK := s.engine.StoreHealthy()
	if !storeOK {
		status = http.StatusServiceUnavailable
	}

	word := "ok"
	if status != http.StatusOK {
		word = "degraded"
	}
	c.JSON(status, gin.H{
		"status": word,
		"stream": streamOK,
		"store":  storeOK,
	})
}

func (s *Server) handleReload(c *gin.Context) {
	n, err := s.engine.ReloadStrategies(c.Request.Context())
	if err != nil {
		s.logger.Warn().Err(err).Msg("Strategy reload failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"strategies": n})
}

func (s *Server) handleShutdown(c *gin.Context) {
	s.logger.Info().Msg("Shutdown requested over HTTP")
	c.JSON(http.StatusOK, gin.H{"status": "shutting down"})
	s.engine.RequestShutdown()
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Int("port", s.port).Msg("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

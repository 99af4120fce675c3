package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/David-Botos/endo-ingress/pkg/config"
)

// Server owns the HTTP listener
type Server struct {
	httpServer *http.Server
	cfg        config.ServerConfig
	log        *zap.Logger
}

// NewRouter wires the routes. gatherer backs /metrics; nil uses the
// default registry.
func NewRouter(h *Handler, gatherer prometheus.Gatherer, log *zap.Logger) *gin.Engine {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(log))

	router.GET("/health", h.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	api := router.Group("/api")
	{
		api.POST("/images", h.UploadImage)
		api.GET("/images/:id", h.GetImage)
		api.GET("/images/:id/log", h.GetLog)
		api.POST("/images/:id/annotations", h.CreateAnnotation)
		api.POST("/dataset/reassign", h.ReassignSplits)
		api.GET("/stats", h.Stats)
	}

	return router
}

// New creates a Server listening on cfg.Addr()
func New(cfg config.ServerConfig, h *Handler, gatherer prometheus.Gatherer, log *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	log = log.Named("server")

	s := &Server{
		httpServer: &http.Server{
			Addr:           cfg.Addr(),
			Handler:        NewRouter(h, gatherer, log),
			ReadTimeout:    cfg.ReadTimeout,
			WriteTimeout:   cfg.WriteTimeout,
			MaxHeaderBytes: 1 << 20, // 1 MB
		},
		cfg: cfg,
		log: log,
	}

	log.Info("Server created successfully",
		zap.String("host", cfg.Host),
		zap.String("port", cfg.Port))
	return s
}

// Run serves until Shutdown. It returns nil after a graceful shutdown.
func (s *Server) Run() error {
	s.log.Info("Server is running", zap.String("address", s.httpServer.Addr))

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down server")
	return s.httpServer.Shutdown(ctx)
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			log.Warn("Request failed", fields...)
			return
		}
		log.Debug("Request handled", fields...)
	}
}

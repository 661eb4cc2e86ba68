package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"peerelect/pkg/api/middleware"
	"peerelect/pkg/auth"
	"peerelect/pkg/coordination"
	"peerelect/pkg/storage"
	"peerelect/pkg/transport"
)

// Cluster is the coordinator surface the API reads and pokes.
type Cluster interface {
	coordination.Leadership
	KnownPeers() []string
	Status() coordination.Status
	StartElection() (string, error)
}

// Server encapsulates the HTTP API server and its dependencies.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	log        *zap.Logger

	cluster Cluster
	runs    storage.RunStore
	duty    string
	scope   string
}

// Config holds API server configuration.
type Config struct {
	Port    string
	Cluster Cluster
	Scope   string

	// Runs and Duty enable GET /api/v1/duty/runs.
	Runs storage.RunStore
	Duty string

	// JWT guards the mutating endpoints; nil disables auth.
	JWT     *auth.JWTService
	Limiter *transport.SenderLimiter
	Tracer  trace.Tracer
	Logger  *zap.Logger
}

// NewServer creates a new API server with all dependencies.
func NewServer(cfg Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("peerelect/api")
	}
	if cfg.Limiter == nil {
		cfg.Limiter = transport.NewSenderLimiter(transport.LimiterConfig{
			OpsPerSecond: 100,
			Burst:        200,
			IdleTimeout:  5 * time.Minute,
		}, nil)
	}
	log := cfg.Logger.Named("api")

	router := gin.New()

	// Middleware stack (order matters)
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.Metrics())
	router.Use(middleware.Tracing(cfg.Tracer))
	router.Use(middleware.RequestLogger(log))
	router.Use(middleware.RateLimit(cfg.Limiter))
	router.Use(middleware.BodySizeLimit(1 << 20)) // 1MB body limit

	s := &Server{
		router:  router,
		log:     log,
		cluster: cfg.Cluster,
		runs:    cfg.Runs,
		duty:    cfg.Duty,
		scope:   cfg.Scope,
	}

	s.registerRoutes(cfg.JWT)

	s.httpServer = &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	s.log.Info("Starting server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes(jwt *auth.JWTService) {
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	{
		cluster := v1.Group("/cluster")
		{
			cluster.GET("/leader", s.getLeader)
			cluster.GET("/peers", s.listPeers)
			cluster.GET("/status", s.getStatus)
			cluster.POST("/elections",
				middleware.BearerAuth(jwt),
				middleware.RequireRole(jwt != nil, auth.RoleOperator, s.scope),
				s.startElection,
			)
		}

		if s.runs != nil {
			v1.GET("/duty/runs", s.listRuns)
		}
	}
}

// healthCheck always answers 200 while the process serves; leadership is
// reported but never makes a peer unhealthy.
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"clientId":  s.cluster.ClientID(),
		"isLeader":  s.cluster.IsCurrentlyLeader(),
		"timestamp": time.Now().UTC(),
	})
}

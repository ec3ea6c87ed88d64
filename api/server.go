package api

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/Aidin1998/swapflow/internal/infrastructure/health"
	"github.com/Aidin1998/swapflow/internal/infrastructure/ratelimit"
	"github.com/Aidin1998/swapflow/internal/infrastructure/ws"
	"github.com/Aidin1998/swapflow/internal/orders"
	"github.com/Aidin1998/swapflow/internal/queue"
	apperrors "github.com/Aidin1998/swapflow/pkg/errors"
	"github.com/Aidin1998/swapflow/pkg/validation"
)

// Options tunes the HTTP surface
type Options struct {
	ServiceName    string
	AllowedOrigins []string
	// Attempts and Backoff are stamped on every enqueued swap job
	Attempts int
	Backoff  queue.Backoff
	// RateLimit throttles order submission per client IP
	RateLimit ratelimit.Config
	// Readiness backs GET /ready; a queue probe is used when nil
	Readiness *health.Checker
}

// Server represents the API server
type Server struct {
	router    *gin.Engine
	logger    *zap.Logger
	store     orders.Store
	queue     queue.Queue
	relay     *ws.Relay
	validator *validation.Validator
	limiter   *ratelimit.Limiter
	readiness *health.Checker
	jobOpts   []queue.Option
}

// NewServer wires the ingestion, lookup and live status routes
func NewServer(logger *zap.Logger, store orders.Store, q queue.Queue, relay *ws.Relay, opts Options) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "swapflow-api"
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}

	server := &Server{
		logger:    logger,
		store:     store,
		queue:     q,
		relay:     relay,
		validator: validation.NewValidator(logger.Named("validation")),
		limiter:   ratelimit.NewLimiter(opts.RateLimit, logger.Named("ratelimit")),
		readiness: opts.Readiness,
	}
	if server.readiness == nil {
		server.readiness = health.NewChecker(logger.Named("health"), 0)
		server.readiness.Register("queue", health.Queue(q))
	}
	if opts.Attempts > 0 {
		server.jobOpts = append(server.jobOpts, queue.WithAttempts(opts.Attempts))
	}
	if opts.Backoff.Delay > 0 {
		server.jobOpts = append(server.jobOpts, queue.WithBackoff(opts.Backoff))
	}

	router := gin.New()
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))
	router.Use(otelgin.Middleware(opts.ServiceName))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     opts.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: !allowsAny(opts.AllowedOrigins),
		MaxAge:           12 * time.Hour,
	}))

	server.router = router
	server.registerRoutes()
	return server
}

func allowsAny(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}

// Handler exposes the router for an http.Server
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the internal Gin engine for testing purposes
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/ready", gin.WrapF(s.readiness.Handler()))
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.router.Group("/api")
	{
		orderRoutes := api.Group("/orders")
		{
			orderRoutes.POST("/execute", s.limiter.Middleware(), s.executeOrder)
			orderRoutes.GET("", s.listOrders)
			orderRoutes.GET("/:id", s.getOrder)
		}
		api.GET("/queue/counts", s.queueCounts)
	}

	// The relay blocks for the life of the connection
	s.router.GET("/ws/status", func(c *gin.Context) {
		s.relay.ServeWS(c.Writer, c.Request)
	})

	s.router.NoRoute(func(c *gin.Context) {
		s.writeProblem(c, apperrors.NewNotFoundError("no route for "+c.Request.Method+" "+c.Request.URL.Path, c.Request.URL.Path))
	})
}

// healthCheck handles the health check endpoint
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now(),
	})
}

package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"runtime/debug"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/spendguard/spendguard/internal/logging"
	"github.com/spendguard/spendguard/internal/metrics"
	"github.com/spendguard/spendguard/internal/service/governor"
	"github.com/spendguard/spendguard/pkg/models"
)

// BudgetStore reads and writes the budget configuration
type BudgetStore interface {
	Get(ctx context.Context) (*models.BudgetConfig, error)
	Update(ctx context.Context, cfg *models.BudgetConfig) error
}

// ChannelRegistry manages alert channels
type ChannelRegistry interface {
	Create(ctx context.Context, ch *models.AlertChannel) error
	Get(ctx context.Context, id string) (*models.AlertChannel, error)
	List(ctx context.Context, enabledOnly bool) ([]*models.AlertChannel, error)
	SetEnabled(ctx context.Context, id string, enabled bool) error
	Delete(ctx context.Context, id string) error
}

// EventLog lists breaker events
type EventLog interface {
	Recent(ctx context.Context, limit int) ([]*models.BreakerEvent, error)
}

// UsageLister lists usage records
type UsageLister interface {
	List(ctx context.Context, q models.UsageQuery, limit int) ([]*models.UsageRecord, error)
}

// Server is the HTTP API server
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	logger     *slog.Logger

	governor *governor.Governor
	budgets  BudgetStore
	channels ChannelRegistry
	events   EventLog
	usage    UsageLister

	// Configuration
	host string
	port int

	// Readiness state (atomic for thread-safe access)
	ready atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithHost sets the server host
func WithHost(host string) Option {
	return func(s *Server) {
		s.host = host
	}
}

// WithPort sets the server port
func WithPort(port int) Option {
	return func(s *Server) {
		s.port = port
	}
}

// New creates a new API server
func New(
	gov *governor.Governor,
	budgets BudgetStore,
	channels ChannelRegistry,
	events EventLog,
	usage UsageLister,
	opts ...Option,
) *Server {
	s := &Server{
		logger:   slog.Default(),
		governor: gov,
		budgets:  budgets,
		channels: channels,
		events:   events,
		usage:    usage,
		host:     "0.0.0.0",
		port:     8080,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.setupRouter()
	return s
}

// SetReady sets the server readiness state
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
	s.logger.Info("server readiness changed", slog.Bool("ready", ready))
}

// IsReady returns whether the server is ready to accept traffic
func (s *Server) IsReady() bool {
	return s.ready.Load()
}

// setupRouter configures the Gin router
func (s *Server) setupRouter() {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	// Add middleware
	router.Use(s.requestIDMiddleware())
	router.Use(s.metricsMiddleware())
	router.Use(s.bodySizeLimitMiddleware(1 << 20)) // 1MB limit
	router.Use(s.loggingMiddleware())
	router.Use(s.recoveryMiddleware())

	// Health and readiness endpoints
	router.GET("/health", s.handleHealth)
	router.GET("/ready", s.handleReady)

	// Prometheus metrics endpoint
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		// Host hooks
		v1.POST("/hooks/start", s.handleHookStart)
		v1.POST("/hooks/end", s.handleHookEnd)
		v1.GET("/admit", s.handleAdmit)

		// Reports
		v1.GET("/status", s.handleStatus)
		v1.GET("/usage", s.handleListUsage)
		v1.GET("/usage/summary", s.handleUsageSummary)

		// Breaker
		v1.GET("/breaker", s.handleGetBreaker)
		v1.POST("/breaker/trip", s.handleTripBreaker)
		v1.POST("/breaker/reset", s.handleResetBreaker)

		// Budget
		v1.GET("/budget", s.handleGetBudget)
		v1.PUT("/budget", s.handleUpdateBudget)

		// Alert channels
		v1.GET("/channels", s.handleListChannels)
		v1.POST("/channels", s.handleCreateChannel)
		v1.PATCH("/channels/:id", s.handleUpdateChannel)
		v1.DELETE("/channels/:id", s.handleDeleteChannel)
		v1.POST("/channels/:id/test", s.handleTestChannel)

		// Payments and licenses
		v1.GET("/payments/tiers", s.handleListTiers)
		v1.POST("/payments/requests", s.handleCreatePaymentRequest)
		v1.POST("/payments/verify", s.handleVerifyPayment)
		v1.GET("/licenses/:wallet", s.handleGetLicense)
	}

	s.router = router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	s.logger.Info("starting API server", slog.String("addr", addr))
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Router returns the Gin router (for testing)
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Middleware

// validRequestIDRegex allows alphanumeric, dots, underscores, and hyphens up to 128 chars.
var validRequestIDRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,128}$`)

func isValidRequestID(id string) bool {
	return id != "" && validRequestIDRegex.MatchString(id)
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if !isValidRequestID(requestID) {
			requestID = uuid.New().String()
		}
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)
		c.Request = c.Request.WithContext(logging.WithTraceID(c.Request.Context(), requestID))
		c.Next()
	}
}

func (s *Server) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		// Use the matched route pattern to keep path labels bounded
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		metrics.RecordHTTPRequest(c.Request.Method, path, strconv.Itoa(c.Writer.Status()), time.Since(start))
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		s.logger.InfoContext(c.Request.Context(), "request completed",
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("latency", time.Since(start)),
			slog.String("client_ip", c.ClientIP()))
	}
}

func (s *Server) recoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("panic recovered",
					slog.Any("error", err),
					slog.String("stack", string(debug.Stack())),
					slog.String("request_id", c.GetString("request_id")))

				c.JSON(http.StatusInternalServerError, ErrorResponse{
					Error:     "internal server error",
					RequestID: c.GetString("request_id"),
				})
				c.Abort()
			}
		}()
		c.Next()
	}
}

func (s *Server) bodySizeLimitMiddleware(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

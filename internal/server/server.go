// Package server wires the scoring pipeline, its stores and its transports
// into one HTTP service.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/cognativeshield/fraudguard/internal/circuitbreaker"
	"github.com/cognativeshield/fraudguard/internal/config"
	"github.com/cognativeshield/fraudguard/internal/fraud"
	"github.com/cognativeshield/fraudguard/internal/health"
	"github.com/cognativeshield/fraudguard/internal/idgen"
	"github.com/cognativeshield/fraudguard/internal/ingest"
	"github.com/cognativeshield/fraudguard/internal/logging"
	"github.com/cognativeshield/fraudguard/internal/metrics"
	"github.com/cognativeshield/fraudguard/internal/model"
	"github.com/cognativeshield/fraudguard/internal/ratelimit"
	"github.com/cognativeshield/fraudguard/internal/realtime"
	"github.com/cognativeshield/fraudguard/internal/retry"
	"github.com/cognativeshield/fraudguard/internal/security"
	"github.com/cognativeshield/fraudguard/internal/traces"
	"github.com/cognativeshield/fraudguard/internal/validation"
	"github.com/cognativeshield/fraudguard/internal/webhooks"
)

// Version is reported by /health and the tracer resource. Set by ldflags
// through cmd/server.
var Version = "dev"

// startupPolicy retries dependency pings while containers come up.
var startupPolicy = retry.Policy{MaxAttempts: 5, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second}

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	artifact    *model.Artifact
	store       fraud.Store
	pipeline    *fraud.Pipeline
	realtimeHub *realtime.Hub
	consumer    *ingest.Consumer
	alerts      *ingest.AlertPublisher
	webhooks    *webhooks.Dispatcher
	health      *health.Registry
	rateLimiter *ratelimit.Limiter
	db          *sql.DB       // nil if using in-memory
	rdb         *redis.Client // nil without a profile cache
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger
	drainDelay  time.Duration

	cancelRunCtx    context.CancelFunc // cancels background goroutines started in Run
	shutdownTracing func(context.Context) error

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithStore sets the backing store, bypassing DATABASE_URL (for testing).
func WithStore(store fraud.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// WithArtifact sets the model artifact, bypassing MODEL_PATH.
func WithArtifact(a *model.Artifact) Option {
	return func(s *Server) {
		s.artifact = a
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers to stop
// routing traffic before closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		health:     health.NewRegistry(),
		drainDelay: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	if err := s.loadModel(); err != nil {
		return nil, err
	}

	// Storage: Postgres if DATABASE_URL is set, otherwise in-memory
	if s.store == nil {
		if cfg.DatabaseURL != "" {
			if err := s.openPostgres(ctx); err != nil {
				return nil, err
			}
		} else {
			s.store = fraud.NewMemoryStore()
			s.logger.Warn("using in-memory storage (data will not persist)")
		}
	}

	// Profile cache in front of the store
	if cfg.RedisURL != "" {
		if err := s.openRedis(ctx); err != nil {
			s.closeStores()
			return nil, err
		}
	}

	// Notifiers run after every persisted prediction
	s.realtimeHub = realtime.NewHub(s.logger, realtime.WithAllowedOrigins(cfg.CORSOrigins))
	pipelineOpts := []fraud.Option{
		fraud.WithLogger(s.logger),
		fraud.WithStoreTimeout(cfg.StoreTimeout),
		fraud.WithVelocityWindow(cfg.VelocityWindow),
		fraud.WithStrictVocabulary(cfg.StrictVocabulary),
		fraud.WithNotifier(s.realtimeHub),
	}

	// Alert sinks share one breaker, keyed per sink
	breaker := circuitbreaker.New(cfg.AlertBreakerThreshold, cfg.AlertBreakerCooldown)
	breaker.OnTransition(func(sink string, from, to circuitbreaker.State) {
		s.logger.Warn("alert sink circuit changed", "sink", sink, "from", from.String(), "to", to.String())
	})
	if cfg.KafkaEnabled() && cfg.KafkaAlertsTopic != "" {
		s.alerts = ingest.NewAlertPublisher(
			ingest.NewWriter(cfg.KafkaBrokers, cfg.KafkaAlertsTopic), s.logger,
			ingest.WithBreaker(breaker),
		)
		pipelineOpts = append(pipelineOpts, fraud.WithNotifier(s.alerts))
		s.logger.Info("fraud alert publishing enabled", "topic", cfg.KafkaAlertsTopic)
	}
	if len(cfg.AlertWebhookURLs) > 0 {
		targets := make([]webhooks.Target, len(cfg.AlertWebhookURLs))
		for i, u := range cfg.AlertWebhookURLs {
			targets[i] = webhooks.Target{URL: u, Secret: cfg.AlertWebhookSecret}
		}
		s.webhooks = webhooks.NewDispatcher(targets, s.logger, webhooks.WithBreaker(breaker))
		pipelineOpts = append(pipelineOpts, fraud.WithNotifier(s.webhooks))
		s.logger.Info("fraud alert webhooks enabled", "targets", len(targets))
	}

	pipeline, err := fraud.NewPipeline(s.store, s.artifact, pipelineOpts...)
	if err != nil {
		s.closeStores()
		return nil, fmt.Errorf("failed to build pipeline: %w", err)
	}
	s.pipeline = pipeline
	s.logger.Info("scoring pipeline ready",
		"model_version", s.artifact.Version,
		"threshold", s.artifact.Threshold,
		"features", s.artifact.NumFeatures(),
		"strict_vocabulary", cfg.StrictVocabulary,
	)

	if cfg.KafkaEnabled() {
		reader := ingest.NewReader(ingest.ReaderConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTransactionsTopic,
			GroupID: cfg.KafkaGroupID,
		})
		policy := retry.DefaultPolicy
		policy.OnRetry = func(attempt int, err error) {
			s.logger.Warn("retrying transaction after store failure", "attempt", attempt, "error", err)
		}
		s.consumer = ingest.NewConsumer(reader, s.pipeline, policy, s.logger)
		s.logger.Info("kafka ingestion enabled",
			"brokers", cfg.KafkaBrokers,
			"topic", cfg.KafkaTransactionsTopic,
			"group", cfg.KafkaGroupID,
		)
	}

	s.registerHealthChecks()

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

func (s *Server) loadModel() error {
	if s.artifact != nil {
		return nil
	}
	var err error
	if s.cfg.ModelPath != "" {
		s.artifact, err = model.Load(s.cfg.ModelPath)
	} else {
		s.artifact, err = model.Default()
		s.logger.Info("using embedded default model artifact")
	}
	if err != nil {
		return fmt.Errorf("failed to load model: %w", err)
	}
	return nil
}

func (s *Server) openPostgres(ctx context.Context) error {
	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	err = startupPolicy.Do(ctx, func(ctx context.Context) error {
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		return db.PingContext(pingCtx)
	})
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	store := fraud.NewPostgresStore(db)
	if !s.cfg.IsProduction() {
		if err := store.Migrate(ctx); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to migrate fraud store: %w", err)
		}
	}

	s.db = db
	s.store = store
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	return nil
}

func (s *Server) openRedis(ctx context.Context) error {
	opts, err := redis.ParseURL(s.cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opts)

	err = startupPolicy.Do(ctx, func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	})
	if err != nil {
		_ = rdb.Close()
		return fmt.Errorf("failed to connect to redis: %w", err)
	}

	s.rdb = rdb
	s.store = fraud.NewCachedStore(s.store, rdb, s.cfg.RedisProfileTTL, s.logger)
	s.logger.Info("profile cache enabled", "addr", opts.Addr, "ttl", s.cfg.RedisProfileTTL)
	return nil
}

func (s *Server) registerHealthChecks() {
	s.health.Register("model", health.Static("model", s.artifact.Version))
	if s.db != nil {
		s.health.Register("database", health.Ping("database", s.db.PingContext))
	}
	if s.rdb != nil {
		s.health.Register("redis", health.Ping("redis", func(ctx context.Context) error {
			return s.rdb.Ping(ctx).Err()
		}))
	}
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.rateLimiter = ratelimit.New(ratelimit.ForRate(s.cfg.RateLimitRPM))
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || !validation.IsValidIdentifier(requestID) {
			requestID = idgen.RequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger.With("request_id", requestID))
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Debug("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	handler := fraud.NewHandler(s.pipeline, s.store, s.cfg.AdminSecret)

	v1 := s.router.Group("/v1")
	handler.RegisterRoutes(v1)
	handler.RegisterAdminRoutes(v1.Group("/admin"))
	v1.GET("/realtime/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"realtime": s.realtimeHub.Stats()})
	})

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No route for " + c.Request.Method + " " + c.Request.URL.Path,
		})
	})
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    statuses,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	if healthy, statuses := s.health.CheckAll(c.Request.Context()); !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": statuses})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and background workers, and blocks until ctx
// is cancelled, a signal arrives, or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	shutdownTracing, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		s.logger.Error("failed to initialize tracing, continuing without it", "error", err)
	} else {
		s.shutdownTracing = shutdownTracing
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 2)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "version", Version)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)

	if s.consumer != nil {
		go func() {
			if err := s.consumer.Run(runCtx); err != nil {
				errChan <- fmt.Errorf("kafka consumer: %w", err)
			}
		}()
	}

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Stop the hub and the consumer loop
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	if s.consumer != nil {
		if err := s.consumer.Close(); err != nil {
			s.logger.Error("kafka consumer close error", "error", err)
		} else {
			s.logger.Info("kafka consumer stopped")
		}
	}

	// Flush pending alerts after the HTTP server stops producing them
	if s.alerts != nil {
		if err := s.alerts.Close(); err != nil {
			s.logger.Error("alert publisher close error", "error", err)
		} else {
			s.logger.Info("alert publisher stopped")
		}
	}

	if s.webhooks != nil {
		if err := s.webhooks.Close(ctx); err != nil {
			s.logger.Error("webhook deliveries did not finish", "error", err)
		}
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.shutdownTracing != nil {
		if err := s.shutdownTracing(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

	s.closeStores()

	s.logger.Info("server stopped")
	return shutdownErr
}

func (s *Server) closeStores() {
	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
		s.rdb = nil
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
		s.db = nil
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Pipeline returns the scoring pipeline, for in-process drivers such as the
// simulator.
func (s *Server) Pipeline() *fraud.Pipeline {
	return s.pipeline
}

// Hub returns the realtime hub. In-process drivers that skip Run must run
// it themselves so prediction events are drained.
func (s *Server) Hub() *realtime.Hub {
	return s.realtimeHub
}

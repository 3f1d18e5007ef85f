// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
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

	"github.com/mbd888/topupledger/internal/admin"
	"github.com/mbd888/topupledger/internal/auth"
	"github.com/mbd888/topupledger/internal/balancecache"
	"github.com/mbd888/topupledger/internal/circuitbreaker"
	"github.com/mbd888/topupledger/internal/commission"
	"github.com/mbd888/topupledger/internal/config"
	"github.com/mbd888/topupledger/internal/events"
	"github.com/mbd888/topupledger/internal/health"
	"github.com/mbd888/topupledger/internal/ledger"
	"github.com/mbd888/topupledger/internal/logging"
	"github.com/mbd888/topupledger/internal/metrics"
	"github.com/mbd888/topupledger/internal/orders"
	"github.com/mbd888/topupledger/internal/ratelimit"
	"github.com/mbd888/topupledger/internal/realtime"
	"github.com/mbd888/topupledger/internal/recharge"
	"github.com/mbd888/topupledger/internal/reconciliation"
	"github.com/mbd888/topupledger/internal/security"
	"github.com/mbd888/topupledger/internal/traces"
	"github.com/mbd888/topupledger/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg     *config.Config
	version string

	db    *sql.DB // nil if using in-memory
	cache balancecache.Cache

	ledger     *ledger.Engine
	orders     *orders.Service
	recharge   *recharge.Service
	commission *commission.Engine
	orderStore orders.Store

	refundSweeper  *orders.RefundSweeper
	reconciler     *reconciliation.Runner
	reconcileTimer *reconciliation.Timer

	realtimeHub *realtime.Hub
	dispatcher  *events.Dispatcher
	kafka       *events.KafkaPublisher
	health      *health.Registry
	rateLimiter *ratelimit.Limiter // nil when disabled

	shutdownTracing func(context.Context) error
	closeRedis      func() error

	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	drainDelay   time.Duration

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

// WithVersion sets the build version reported by /health and traces.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithDB injects an open database instead of dialing DATABASE_URL.
func WithDB(db *sql.DB) Option {
	return func(s *Server) {
		s.db = db
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		version:    "dev",
		health:     health.NewRegistry(),
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	}

	ctx := context.Background()

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.shutdownTracing = shutdown

	if err := s.setupStorage(ctx); err != nil {
		return nil, err
	}
	if err := s.setupCache(ctx); err != nil {
		return nil, err
	}
	s.setupEvents()
	s.setupServices()

	validation.RegisterBindings()
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

func (s *Server) setupStorage(ctx context.Context) error {
	if s.db == nil && s.cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", s.cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	}
	if s.db != nil {
		s.health.Register("database", health.PingChecker("database", s.db))
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
	}
	return nil
}

func (s *Server) setupCache(ctx context.Context) error {
	if s.cfg.RedisURL == "" {
		s.cache = balancecache.NewMemoryCache(s.cfg.BalanceCacheTTL)
		s.logger.Info("balance cache in-process", "ttl", s.cfg.BalanceCacheTTL)
		return nil
	}

	rdb, err := balancecache.ConnectRedis(ctx, s.cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	rc := balancecache.NewRedisCache(rdb, s.cfg.BalanceCacheTTL)
	s.cache = rc
	s.closeRedis = rdb.Close
	s.health.Register("redis", health.PingChecker("redis", rc))
	s.logger.Info("balance cache on redis", "ttl", s.cfg.BalanceCacheTTL)
	return nil
}

// setupEvents builds the publish path: workflows enqueue on the dispatcher,
// which fans out to the websocket hub and, when configured, to Kafka behind
// a circuit breaker.
func (s *Server) setupEvents() {
	s.realtimeHub = realtime.NewHub(s.logger)

	sinks := events.Fanout{s.realtimeHub}
	if len(s.cfg.KafkaBrokers) > 0 {
		s.kafka = events.NewKafkaPublisher(s.cfg.KafkaBrokers, s.cfg.KafkaTopic)
		sinks = append(sinks, events.NewGuarded("kafka", s.kafka, circuitbreaker.New(5, 30*time.Second)))
		s.logger.Info("publishing events to kafka",
			"brokers", s.cfg.KafkaBrokers,
			"topic", s.cfg.KafkaTopic,
		)
	}
	s.dispatcher = events.NewDispatcher(sinks, 4096, s.logger)
}

func (s *Server) setupServices() {
	var (
		ledgerStore     ledger.Store
		orderStore      orders.Store
		rechargeStore   recharge.Store
		commissionStore commission.Store
	)
	if s.db != nil {
		ledgerStore = ledger.NewPostgresStore(s.db).WithLockTimeout(s.cfg.LockTimeout)
		orderStore = orders.NewPostgresStore(s.db)
		rechargeStore = recharge.NewPostgresStore(s.db)
		commissionStore = commission.NewPostgresStore(s.db)
	} else {
		ledgerStore = ledger.NewMemoryStore(ledger.WithMemoryLockTimeout(s.cfg.LockTimeout))
		orderStore = orders.NewMemoryStore()
		rechargeStore = recharge.NewMemoryStore()
		commissionStore = commission.NewMemoryStore()
	}

	s.ledger = ledger.NewEngine(ledgerStore,
		ledger.WithCache(s.cache),
		ledger.WithPublisher(s.dispatcher),
		ledger.WithLogger(s.logger),
	)
	s.commission = commission.NewEngine(commissionStore, s.ledger, s.logger).
		WithPublisher(s.dispatcher)
	s.orders = orders.NewService(orderStore, s.ledger, s.logger).
		WithCommission(s.commission).
		WithPublisher(s.dispatcher)
	s.recharge = recharge.NewService(rechargeStore, s.ledger, s.logger).
		WithPublisher(s.dispatcher)

	s.orderStore = orderStore
	s.refundSweeper = orders.NewRefundSweeper(s.orders, orderStore, s.cfg.RefundSweepInterval, s.logger)
	s.reconciler = reconciliation.NewRunner(s.ledger, s.logger).
		WithRefunds(orderStore, 10*time.Minute)
	s.reconcileTimer = reconciliation.NewTimer(s.reconciler, s.cfg.ReconcileInterval, s.logger)
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
	s.router.Use(security.CORSMiddleware(s.cfg.CORSAllowedOrigins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Reuse an upstream request ID (gateway, load balancer) when present.
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

// callerContext copies the authenticated caller into the request context so
// service-layer log lines carry it. Runs after auth.Middleware.
func callerContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := auth.CallerID(c); id != "" {
			c.Request = c.Request.WithContext(logging.WithCallerID(c.Request.Context(), id))
		}
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
			logger.Info("request completed",
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
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1", auth.Middleware(s.cfg.InternalToken), callerContext())
	if s.cfg.RateLimitPerMinute > 0 {
		s.rateLimiter = ratelimit.New(ratelimit.Config{
			RequestsPerMinute: s.cfg.RateLimitPerMinute,
			BurstSize:         s.cfg.RateLimitBurst,
		})
		v1.Use(s.rateLimiter.Middleware())
	}

	ledgerHandler := ledger.NewHandler(s.ledger, s.logger)
	ledgerHandler.RegisterRoutes(v1)
	ledgerHandler.RegisterAdminRoutes(v1)

	orderHandler := orders.NewHandler(s.orders, s.logger)
	orderHandler.RegisterRoutes(v1)
	orderHandler.RegisterAdminRoutes(v1)

	rechargeHandler := recharge.NewHandler(s.recharge, s.logger)
	rechargeHandler.RegisterRoutes(v1)
	rechargeHandler.RegisterAdminRoutes(v1)

	commission.NewHandler(s.commission, s.logger).RegisterAdminRoutes(v1)

	s.realtimeHub.RegisterRoutes(v1)

	admin.NewHandler(s.logger).
		WithReconciler(s.reconciler).
		WithStuckOrders(s.orderStore).
		WithRefundSweeper(s.refundSweeper).
		WithStreamStats(s.realtimeHub).
		RegisterRoutes(v1)
}

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ok, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   s.version,
		Checks:    checks,
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
	if ok, checks := s.health.CheckAll(c.Request.Context()); !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": checks})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "version", s.version)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.startBackground(runCtx)

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

func (s *Server) startBackground(ctx context.Context) {
	go s.dispatcher.Run(ctx)
	go s.realtimeHub.Run(ctx)
	go s.refundSweeper.Start(ctx)
	go s.reconcileTimer.Start(ctx)
	go metrics.StartDBStatsCollector(ctx, s.db, 15*time.Second)
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

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

	s.refundSweeper.Stop()
	s.reconcileTimer.Stop()
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	// Stop background goroutines; the dispatcher flushes its queue on exit.
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
		s.dispatcher.Wait()
		s.logger.Info("event dispatcher drained")
	}

	if s.kafka != nil {
		if err := s.kafka.Close(); err != nil {
			s.logger.Error("kafka close error", "error", err)
		}
	}
	if s.closeRedis != nil {
		if err := s.closeRedis(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}
	if s.shutdownTracing != nil {
		if err := s.shutdownTracing(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

	s.logger.Info("server stopped")
	return shutdownErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}

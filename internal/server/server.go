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

	"github.com/crossclaim/crossclaim/internal/broker"
	"github.com/crossclaim/crossclaim/internal/collab"
	"github.com/crossclaim/crossclaim/internal/config"
	"github.com/crossclaim/crossclaim/internal/dispute"
	"github.com/crossclaim/crossclaim/internal/escrow"
	"github.com/crossclaim/crossclaim/internal/events"
	"github.com/crossclaim/crossclaim/internal/health"
	"github.com/crossclaim/crossclaim/internal/ledger"
	"github.com/crossclaim/crossclaim/internal/logging"
	"github.com/crossclaim/crossclaim/internal/metrics"
	"github.com/crossclaim/crossclaim/internal/nonce"
	"github.com/crossclaim/crossclaim/internal/realtime"
	"github.com/crossclaim/crossclaim/internal/resolver"
	"github.com/crossclaim/crossclaim/internal/traces"
	"github.com/crossclaim/crossclaim/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	bus          *events.Bus
	ledger       *ledger.Ledger
	nonces       nonce.Store
	escrows      *escrow.Service
	resolvers    *resolver.Service
	disputes     *dispute.Service
	disputeTimer *dispute.Timer
	broker       *broker.Broker
	collabClient *collab.Client
	hub          *realtime.Hub
	checks       *health.Registry
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	tracesStop   func(context.Context) error

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

// WithCollaborator injects a pre-built collaborator client (for testing)
func WithCollaborator(c *collab.Client) Option {
	return func(s *Server) {
		s.collabClient = c
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set logger/collaborator)
	for _, opt := range opts {
		opt(s)
	}

	s.bus = events.NewBus(s.logger)
	s.checks = health.NewRegistry()

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		escrowStore   escrow.Store
		resolverStore resolver.Store
		disputeStore  dispute.Store
		ledgerStore   ledger.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		escrowStore = escrow.NewPostgresStore(db)
		resolverStore = resolver.NewPostgresStore(db)
		disputeStore = dispute.NewPostgresStore(db)
		ledgerStore = ledger.NewPostgresStore(db)
		s.nonces = nonce.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		s.checks.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Unhealthy("database", err.Error())
			}
			return health.OK("database")
		})
	} else {
		escrowStore = escrow.NewMemoryStore()
		resolverStore = resolver.NewMemoryStore()
		disputeStore = dispute.NewMemoryStore()
		ledgerStore = ledger.NewMemoryStore()
		s.nonces = nonce.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	s.ledger = ledger.New(ledgerStore)

	// Resolver registry (bonded third-party refund rights)
	s.resolvers = resolver.NewService(resolverStore, s.ledger, s.nonces, cfg.MinBond).
		WithBus(s.bus)

	// Escrow state machine
	s.escrows = escrow.NewService(escrowStore, s.ledger, s.nonces, escrow.Config{
		MinTimelock:   cfg.MinTimelock,
		MaxTimelock:   cfg.MaxTimelock,
		FeeBps:        cfg.FeeBps,
		FeeCollector:  cfg.FeeCollector,
		OriginChainID: cfg.OriginChainID,
	}).WithResolvers(s.resolvers).WithBus(s.bus)
	s.logger.Info("escrow state machine enabled",
		"minTimelock", cfg.MinTimelock,
		"maxTimelock", cfg.MaxTimelock,
		"feeBps", cfg.FeeBps,
	)

	// Dispute arbiter
	s.disputes = dispute.NewService(
		disputeStore,
		dispute.NewEscrowSettler(s.escrows),
		dispute.NewEscrowActivity(s.escrows),
		s.nonces,
		cfg.DisputeMaxAge,
	).WithArbiter(cfg.ArbiterAddress).WithBus(s.bus)
	s.disputeTimer = dispute.NewTimer(s.disputes, 0, s.logger)
	s.logger.Info("dispute arbiter enabled",
		"maxAge", cfg.DisputeMaxAge, "arbiter", cfg.ArbiterAddress)

	// Collaborator chain client (dataset registry + settlement asset reads).
	// Optional: without an RPC endpoint the broker skips ownership checks.
	if s.collabClient == nil && cfg.RPCURL != "" && cfg.RegistryContract != "" {
		c, err := collab.New(collab.Config{
			RPCURL:           cfg.RPCURL,
			RegistryContract: cfg.RegistryContract,
			AssetContract:    cfg.AssetContract,
		})
		if err != nil {
			s.logger.Warn("collaborator client unavailable, verification degraded", "error", err)
		} else {
			s.collabClient = c
			s.logger.Info("collaborator verification enabled",
				"registry", cfg.RegistryContract,
				"asset", cfg.AssetContract,
			)
		}
	}

	// Settlement broker. The sink settles through the escrow service and the
	// broker feeds it disclosed preimages, hence the two-step wiring.
	sink := broker.NewServiceSink(s.escrows, nil, cfg.OperatorAddress)
	var chainRegistry collab.Registry
	if s.collabClient != nil {
		chainRegistry = s.collabClient
	}
	s.broker = broker.New(s.escrows, chainRegistry, sink, s.bus, broker.Config{
		DisputeWindow:   cfg.DisputeWindow,
		MonitorInterval: cfg.MonitorInterval,
		DrainInterval:   cfg.DrainInterval,
		MaxRetries:      cfg.MaxSettleRetries,
		OperatorAddress: cfg.OperatorAddress,
	}).WithDisputes(s.disputes).WithBalances(s.ledger)
	if s.collabClient != nil {
		s.broker.WithAsset(s.collabClient)
	}
	sink.WithSecrets(s.broker)
	s.logger.Info("settlement broker enabled",
		"disputeWindow", cfg.DisputeWindow,
		"operator", cfg.OperatorAddress,
	)

	// Realtime hub for WebSocket streaming of lifecycle events
	s.hub = realtime.NewHub(s.bus, s.logger)
	s.logger.Info("realtime streaming enabled")

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

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
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
	// Health & metrics endpoints
	s.router.GET("/healthz", s.healthHandler)
	s.router.GET("/readyz", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")
	// Validate :address URL params on all v1 routes (no-op when param absent)
	v1.Use(validation.AddressParamMiddleware())

	escrow.NewHandler(s.escrows).RegisterRoutes(v1)
	resolver.NewHandler(s.resolvers).RegisterRoutes(v1)
	dispute.NewHandler(s.disputes).RegisterRoutes(v1)
	broker.NewHandler(s.broker).RegisterRoutes(v1)

	// Operator ledger balance (deposits are recorded out of band)
	v1.GET("/accounts/:address/balance", s.balanceHandler)

	// WebSocket stream of lifecycle events
	v1.GET("/events/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
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
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	ok, statuses := s.checks.CheckAll(ctx)
	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    statuses,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Crossclaim",
		"description": "Hash-time-locked escrow settlement for dataset exchange",
		"version":     "0.1.0",
		"chainId":     s.cfg.OriginChainID,
		"operator":    s.cfg.OperatorAddress,
	})
}

func (s *Server) balanceHandler(c *gin.Context) {
	addr := c.Param("address")
	if !validation.IsValidAddress(addr) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": "address must be a valid 0x-prefixed 20-byte hex address",
		})
		return
	}

	available, err := s.ledger.AvailableBalance(c.Request.Context(), addr)
	if err != nil {
		logging.L(c.Request.Context()).Error("balance lookup failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to read balance",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"address":   addr,
		"available": available,
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// Tracing is optional; without an endpoint Init is a no-op.
	if stop, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger); err != nil {
		s.logger.Warn("tracing disabled", "error", err)
	} else {
		s.tracesStop = stop
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"operator", s.cfg.OperatorAddress,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start event fan-out hub
	go s.hub.Run(runCtx)

	// Start settlement broker (subscribes to the bus, so after hub startup
	// ordering does not matter; each subscriber has its own channel)
	go s.broker.Run(runCtx)

	// Start dispute aging timer
	go s.disputeTimer.Start(runCtx)

	// Export connection pool stats
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
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

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, broker, timer)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop the broker loop; Stop waits for in-flight settlement work
	s.broker.Stop()
	s.logger.Info("settlement broker stopped")

	// Stop dispute timer
	s.disputeTimer.Stop()
	s.logger.Info("dispute timer stopped")

	// Close the event bus after all publishers are done
	s.bus.Close()

	// Close collaborator RPC connection
	if s.collabClient != nil {
		s.collabClient.Close()
	}

	// Flush traces
	if s.tracesStop != nil {
		if err := s.tracesStop(ctx); err != nil {
			s.logger.Error("trace flush error", "error", err)
		}
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
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
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}

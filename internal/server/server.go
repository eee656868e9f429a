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
	"github.com/shopspring/decimal"

	"github.com/tradesafe/tradesafe/internal/auth"
	"github.com/tradesafe/tradesafe/internal/config"
	"github.com/tradesafe/tradesafe/internal/dispute"
	"github.com/tradesafe/tradesafe/internal/escrow"
	"github.com/tradesafe/tradesafe/internal/gateway"
	"github.com/tradesafe/tradesafe/internal/health"
	"github.com/tradesafe/tradesafe/internal/logging"
	"github.com/tradesafe/tradesafe/internal/message"
	"github.com/tradesafe/tradesafe/internal/metrics"
	"github.com/tradesafe/tradesafe/internal/money"
	"github.com/tradesafe/tradesafe/internal/notify"
	"github.com/tradesafe/tradesafe/internal/ratelimit"
	"github.com/tradesafe/tradesafe/internal/realtime"
	"github.com/tradesafe/tradesafe/internal/security"
	"github.com/tradesafe/tradesafe/internal/traces"
	"github.com/tradesafe/tradesafe/internal/user"
	"github.com/tradesafe/tradesafe/internal/validation"
	"github.com/tradesafe/tradesafe/internal/wallet"
	"github.com/tradesafe/tradesafe/internal/webhooks"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	authMgr     *auth.Manager
	users       *user.Service
	wallets     *wallet.Service
	gw          gateway.PaymentGateway
	escrowSvc   *escrow.Service
	disputes    *dispute.Manager
	messages    *message.Service
	notifyStore notify.Store
	emitter     *notify.Emitter
	webhookSub  webhooks.Store
	realtimeHub *realtime.Hub
	checks      *health.Registry
	rateLimiter *ratelimit.Limiter
	db          *sql.DB // nil if using in-memory
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger
	traceFlush  func(context.Context) error
	cancelRun   context.CancelFunc // cancels background goroutines started in Run

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

// WithGateway sets a custom payment gateway (for testing)
func WithGateway(gw gateway.PaymentGateway) Option {
	return func(s *Server) {
		s.gw = gw
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		checks: health.NewRegistry(),
	}

	// Apply options first (may set gateway/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		authStore    auth.Store
		userStore    user.Store
		walletStore  wallet.Store
		txnStore     escrow.Store
		disputeStore dispute.Store
		messageStore message.Store
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

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.checks.Register("database", health.DBChecker(db))
		authStore = auth.NewPostgresStore(db)
		userStore = user.NewPostgresStore(db)
		walletStore = wallet.NewPostgresStore(db)
		txnStore = escrow.NewPostgresStore(db)
		disputeStore = dispute.NewPostgresStore(db)
		messageStore = message.NewPostgresStore(db)
		s.notifyStore = notify.NewPostgresStore(db)
		s.webhookSub = webhooks.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		authStore = auth.NewMemoryStore()
		userStore = user.NewMemoryStore()
		walletStore = wallet.NewMemoryStore()
		txnStore = escrow.NewMemoryStore()
		disputeStore = dispute.NewMemoryStore()
		messageStore = message.NewMemoryStore()
		s.notifyStore = notify.NewMemoryStore()
		s.webhookSub = webhooks.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Payment gateway: Stripe in production, mock when no key is set
	if s.gw == nil {
		if cfg.StripeSecretKey != "" {
			s.gw = gateway.NewStripeGateway(cfg.StripeSecretKey, cfg.GatewayTimeout)
			s.logger.Info("stripe payment gateway enabled")
		} else {
			mock := gateway.NewMock()
			mock.AutoSucceed = true
			s.gw = mock
			s.logger.Warn("no STRIPE_SECRET_KEY set, using mock payment gateway")
		}
	}

	s.authMgr = auth.NewManager(authStore)
	s.wallets = wallet.NewService(walletStore)

	signupBonus, ok := money.Parse(cfg.SignupBonus)
	if !ok {
		signupBonus = decimal.Zero
	}
	s.users = user.NewService(userStore, s.authMgr, s.wallets, signupBonus)

	// Realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(s.logger)

	// Notification emitter feeds the store, connected clients, and
	// user-registered webhooks
	webhookEmitter := webhooks.NewEmitter(webhooks.NewDispatcher(s.webhookSub), s.logger)
	s.emitter = notify.NewEmitter(s.notifyStore, s.realtimeHub, s.logger).
		WithWebhooks(webhookEmitter)

	s.escrowSvc = escrow.NewService(txnStore, s.users, s.wallets, s.gw).
		WithEmitter(s.emitter).
		WithHub(s.realtimeHub)
	s.disputes = dispute.NewManager(disputeStore, s.escrowSvc).WithEmitter(s.emitter)
	s.messages = message.NewService(messageStore, s.escrowSvc).
		WithEmitter(s.emitter).
		WithHub(s.realtimeHub)

	// Account deletion is blocked while the user has open transactions
	s.users.SetActivityChecker(s.escrowSvc.HasActiveTransactions)

	// Seed the dispute-authority role from configuration
	if cfg.AdminAPIKey != "" {
		if err := s.bootstrapAdmin(ctx, cfg.AdminAPIKey); err != nil {
			s.logger.Warn("failed to bootstrap admin key", "error", err)
		} else {
			s.logger.Info("admin key bootstrapped")
		}
	}

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

// bootstrapAdmin creates the admin account and registers the configured
// raw key against it.
func (s *Server) bootstrapAdmin(ctx context.Context, rawKey string) error {
	admin, err := s.users.GetByEmail(ctx, "admin@tradesafe.local")
	if err != nil {
		if !errors.Is(err, user.ErrNotFound) {
			return err
		}
		result, err := s.users.Register(ctx, "admin@tradesafe.local", "TradeSafe Admin", auth.RoleAdmin)
		if err != nil {
			return err
		}
		admin = result.User
	}
	return s.authMgr.Bootstrap(ctx, rawKey, admin.ID)
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

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS
	s.router.Use(security.CORSMiddleware(s.cfg.AllowedOrigins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitPerMin > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitPerMin
	}
	s.rateLimiter = ratelimit.New(rlCfg)
	s.router.Use(s.rateLimiter.Middleware())

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

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
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
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.router.GET("/api", s.infoHandler)

	// WebSocket for real-time streaming. The API key travels as a query
	// parameter because browsers cannot set headers on WebSocket dials.
	s.router.GET("/ws", s.websocketHandler)

	v1 := s.router.Group("/v1")

	authHandler := auth.NewHandler(s.authMgr)
	userHandler := user.NewHandler(s.users)
	walletHandler := wallet.NewHandler(s.wallets, s.gw, s.emitter)
	escrowHandler := escrow.NewHandler(s.escrowSvc)
	disputeHandler := dispute.NewHandler(s.disputes)
	messageHandler := message.NewHandler(s.messages)
	notifyHandler := notify.NewHandler(s.notifyStore)
	webhookHandler := webhooks.NewHandler(s.webhookSub)

	// PUBLIC ROUTES (no auth required)
	v1.GET("/auth/info", authHandler.Info)
	v1.POST("/users", userHandler.Register) // registration returns the API key
	v1.GET("/users/:id", userHandler.Get)   // public profile, no email

	// PROTECTED ROUTES (require API key)
	protected := v1.Group("")
	protected.Use(auth.Middleware(s.authMgr), auth.RequireAuth())
	{
		// Account
		protected.GET("/users/me", userHandler.Me)
		protected.PATCH("/users/me", userHandler.Update)
		protected.DELETE("/users/me", userHandler.Delete)
		protected.GET("/auth/me", authHandler.Whoami)

		// API key management
		protected.GET("/auth/keys", authHandler.ListKeys)
		protected.POST("/auth/keys", authHandler.CreateKey)
		protected.DELETE("/auth/keys/:keyId", authHandler.RevokeKey)

		// Wallet
		protected.GET("/wallet", walletHandler.GetBalance)
		protected.GET("/wallet/history", walletHandler.History)
		protected.POST("/wallet/deposit", walletHandler.Deposit)
		protected.POST("/wallet/deposit/confirm", walletHandler.ConfirmDeposit)
		protected.POST("/wallet/withdraw", walletHandler.Withdraw)

		// Transactions, disputes, messages
		escrowHandler.RegisterRoutes(protected)
		disputeHandler.RegisterRoutes(protected)
		messageHandler.RegisterRoutes(protected)

		// Webhook subscriptions
		webhookHandler.RegisterRoutes(protected)

		// Notifications
		protected.GET("/notifications", notifyHandler.List)
		protected.GET("/notifications/unread", notifyHandler.UnreadCount)
		protected.POST("/notifications/:id/read", notifyHandler.MarkRead)
		protected.POST("/notifications/read-all", notifyHandler.MarkAllRead)
	}

	// ADMIN ROUTES (dispute authority)
	admin := v1.Group("/admin")
	admin.Use(auth.Middleware(s.authMgr), auth.RequireAdmin())
	{
		disputeHandler.RegisterAdminRoutes(admin)
		admin.POST("/withdrawals/finalize", walletHandler.FinalizeWithdrawal)
		admin.GET("/stats", s.statsHandler)
	}
}

// websocketHandler authenticates the API key, then upgrades and attaches
// the client to the hub scoped to its user.
func (s *Server) websocketHandler(c *gin.Context) {
	rawKey := c.Query("apiKey")
	if rawKey == "" {
		rawKey = c.GetHeader("Authorization")
	}
	key, err := s.authMgr.ValidateKey(c.Request.Context(), rawKey)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Valid API key required",
		})
		return
	}
	s.realtimeHub.HandleWebSocket(c.Writer, c.Request, key.UserID)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	allHealthy, statuses := s.checks.CheckAll(c.Request.Context())

	checks := make(map[string]string)
	for _, st := range statuses {
		if st.Healthy {
			checks[st.Name] = "healthy"
		} else {
			checks[st.Name] = "unhealthy"
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !allHealthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
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
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "TradeSafe",
		"description": "Peer-to-peer escrow for buying and selling with strangers",
		"version":     "0.1.0",
		"currency":    s.cfg.Currency,
	})
}

// statsHandler returns platform totals for the admin dashboard.
func (s *Server) statsHandler(c *gin.Context) {
	ctx := c.Request.Context()

	stats := gin.H{
		"realtime": s.realtimeHub.Stats(),
	}
	if count, err := s.users.Count(ctx); err == nil {
		stats["totalUsers"] = count
	}
	if queue, err := s.disputes.ListUnresolved(ctx, 200); err == nil {
		stats["unresolvedDisputes"] = len(queue)
	}

	c.JSON(http.StatusOK, stats)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRun = cancel

	// Tracing (no-op when no collector endpoint is configured)
	flush, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.traceFlush = flush
	}

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
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Recover wallet debits stranded by a crash mid-funding
	go s.escrowSvc.RunReconciler(runCtx, 10*time.Minute)

	// Periodic DB pool stats for the metrics endpoint
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

	// Cancel the context for all background goroutines (hub, collectors)
	if s.cancelRun != nil {
		s.cancelRun()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	// Flush pending trace spans
	if s.traceFlush != nil {
		if err := s.traceFlush(ctx); err != nil {
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

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
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/arena/internal/arena"
	"github.com/mbd888/arena/internal/config"
	"github.com/mbd888/arena/internal/events"
	"github.com/mbd888/arena/internal/ledger"
	"github.com/mbd888/arena/internal/logging"
	"github.com/mbd888/arena/internal/metrics"
	"github.com/mbd888/arena/internal/ports"
	"github.com/mbd888/arena/internal/signer"
	"github.com/mbd888/arena/internal/traces"
	"github.com/mbd888/arena/internal/validation"
	"github.com/mbd888/arena/internal/wallet"
)

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg      *config.Config
	registry *arena.Registry
	bus      *events.Bus
	hub      *events.Hub

	backend     *wallet.Backend
	platform    *wallet.Wallet
	queue       *signer.Queue
	provisioner *wallet.Provisioner
	funder      *wallet.Funder
	feed        *ports.SimMarket
	swaps       ports.SwapExecutor
	encryptor   ports.Encryptor
	career      *ledger.Service

	roundsMu sync.RWMutex
	rounds   map[string]*roundState

	db             *sql.DB // nil if using in-memory
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run
	tracesShutdown func(context.Context) error

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

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:      cfg,
		logger:   logging.New(cfg.LogLevel, cfg.LogFormat),
		registry: arena.NewRegistry(),
		rounds:   make(map[string]*roundState),
	}

	// Apply options first (may set logger)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var careerStore ledger.Store
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

		pgStore := ledger.NewPostgresStore(db)
		if err := pgStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate career store", "error", err)
		}
		careerStore = pgStore
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		careerStore = ledger.NewMemoryStore()
		s.logger.Info("using in-memory storage (careers will not persist)")
	}
	s.career = ledger.NewService(careerStore, s.logger)

	// Wallet backend: offline mode when no RPC is configured
	backend, err := wallet.NewBackend(wallet.Config{
		RPCURL:        cfg.RPCURL,
		ChainID:       cfg.ChainID,
		TokenContract: cfg.TokenContract,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create wallet backend: %w", err)
	}
	s.backend = backend
	if backend.Offline() {
		s.logger.Info("signer stack in offline mode (no RPC_URL)")
	}

	// Platform treasury wallet behind the single-worker signing queue
	if cfg.PrivateKey != "" {
		s.platform, err = wallet.NewWallet(backend, cfg.PrivateKey)
	} else {
		s.platform, err = wallet.GenerateWallet(backend)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create platform wallet: %w", err)
	}
	s.queue = signer.NewQueue(s.platform, s.logger)
	s.provisioner = wallet.NewProvisioner(backend)
	s.funder = wallet.NewFunder(s.queue, s.logger)

	// Market ports: simulated feed and venue seeded per process
	s.feed = ports.NewSimMarket(cfg.Pairs, 150, time.Now().UnixNano())
	s.swaps = ports.NewSimSwap(s.feed, cfg.BaseAsset)
	s.encryptor = ports.NewSimEncryptor(s.platform.Address())

	// Event plumbing: bus fan-out into the WebSocket hub
	s.bus = events.NewBus(s.logger)
	s.hub = events.NewHub(s.logger)
	s.bus.AddSink(s.hub)

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

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time event streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")
	v1.GET("/platform", s.platformHandler)

	// Arena lifecycle
	v1.POST("/arenas", s.createArena)
	v1.GET("/arenas", s.listArenas)

	arenas := v1.Group("/arenas/:id")
	arenas.Use(validation.IDParamMiddleware("id"))
	{
		arenas.GET("", s.getArena)
		arenas.GET("/entries", s.listEntries)
		arenas.GET("/events", s.listEvents)
		arenas.GET("/market", s.arenaMarket)
		arenas.GET("/leaderboard", s.arenaLeaderboard)
		arenas.POST("/resolve", s.resolveArena)
		arenas.POST("/sellers", s.registerSeller)
	}

	// Agent careers (persist across rounds)
	agents := v1.Group("/agents/:id")
	agents.Use(validation.IDParamMiddleware("id"))
	{
		agents.GET("/career", s.getCareer)
		agents.GET("/pairs", s.getPairStats)
		agents.GET("/trust", s.getTrust)
		agents.GET("/lessons", s.getLessons)
	}

	// Cross-round career leaderboard
	v1.GET("/leaderboard", s.careerLeaderboard)
}

func (s *Server) healthHandler(c *gin.Context) {
	checks := make(map[string]string)

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if s.backend.Offline() {
		checks["chain"] = "offline"
	} else if _, err := s.platform.BalanceOf(ctx, s.platform.Address()); err != nil {
		checks["chain"] = "unhealthy"
	} else {
		checks["chain"] = "healthy"
	}

	if s.db != nil {
		if err := s.db.PingContext(ctx); err != nil {
			checks["database"] = "unhealthy"
		} else {
			checks["database"] = "healthy"
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	for _, v := range checks {
		if v == "unhealthy" {
			status = "degraded"
			httpStatus = http.StatusServiceUnavailable
			break
		}
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
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
		"name":        "arena",
		"description": "Timed multi-agent trading competition",
		"version":     "0.1.0",
		"endpoints": gin.H{
			"arenas":      "/v1/arenas",
			"leaderboard": "/v1/leaderboard",
			"events":      "/v1/arenas/:id/events",
			"websocket":   "/ws",
			"health":      "/health",
			"metrics":     "/metrics",
		},
	})
}

func (s *Server) platformHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"treasury":   s.platform.Address(),
		"chain_id":   s.cfg.ChainID,
		"token":      s.cfg.TokenContract,
		"offline":    s.backend.Offline(),
		"base_asset": s.cfg.BaseAsset,
		"pairs":      s.cfg.Pairs,
	})
}

// Run starts the HTTP server and blocks until shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// Tracing (no-op when no OTLP endpoint configured)
	shutdown, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.tracesShutdown = shutdown
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
			"treasury", s.platform.Address(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start the WebSocket hub
	go s.hub.Run(runCtx)

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

	// Cancel the context for background goroutines (hub, rounds)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	// Resolve any round still running so careers are not lost
	s.roundsMu.RLock()
	running := make([]*roundState, 0, len(s.rounds))
	for _, rs := range s.rounds {
		running = append(running, rs)
	}
	s.roundsMu.RUnlock()
	for _, rs := range running {
		if rs.ar.Phase() == arena.PhaseTrading {
			if err := rs.round.Resolve(ctx, "shutdown"); err != nil {
				s.logger.Error("round resolution on shutdown failed", "arena_id", rs.ar.ID, "error", err)
			}
		}
	}

	// Drain the signing queue
	if s.queue != nil {
		s.queue.Close()
		s.logger.Info("signing queue drained")
	}

	if s.tracesShutdown != nil {
		if err := s.tracesShutdown(ctx); err != nil {
			s.logger.Error("traces shutdown error", "error", err)
		}
	}

	// Close wallet backend connection
	if err := s.backend.Close(); err != nil {
		s.logger.Error("wallet backend close error", "error", err)
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

func generateRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

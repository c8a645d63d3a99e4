// Package server wires the trade engine together and runs the HTTP server.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/peerswap/tradecore/internal/auth"
	"github.com/peerswap/tradecore/internal/config"
	"github.com/peerswap/tradecore/internal/health"
	"github.com/peerswap/tradecore/internal/ledger"
	"github.com/peerswap/tradecore/internal/logging"
	"github.com/peerswap/tradecore/internal/metrics"
	"github.com/peerswap/tradecore/internal/notify"
	"github.com/peerswap/tradecore/internal/ratelimit"
	"github.com/peerswap/tradecore/internal/realtime"
	"github.com/peerswap/tradecore/internal/review"
	"github.com/peerswap/tradecore/internal/security"
	"github.com/peerswap/tradecore/internal/storage"
	"github.com/peerswap/tradecore/internal/trade"
	"github.com/peerswap/tradecore/internal/validation"
)

// Server wraps the HTTP server and its dependencies.
type Server struct {
	cfg *config.Config

	tradeService  *trade.Service
	reviewService *review.Service
	hub           *realtime.Hub
	settler       *trade.Settler
	ledgerClient  *ledger.Client // nil when using the in-process ledger
	storageClient *storage.Client
	rateLimiter   *ratelimit.Limiter
	healthReg     *health.Registry

	db           *sql.DB // nil if using in-memory stores
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates a server instance with all subsystems wired.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		logger:    logging.New(cfg.LogLevel, "json"),
		healthReg: health.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}

	// Storage: Postgres when DATABASE_URL is set, in-memory otherwise.
	var tradeStore trade.Store
	var reviewStore review.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		s.db = db
		tradeStore = trade.NewPostgresStore(db)
		reviewStore = review.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		s.healthReg.Register("db", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "db", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "db", Healthy: true}
		})
	} else {
		tradeStore = trade.NewMemoryStore()
		reviewStore = review.NewMemoryStore()
		s.logger.Info("using in-memory storage")
	}

	// Escrow ledger: real service when configured, in-process otherwise.
	var escrowLedger trade.Ledger
	if cfg.LedgerURL != "" {
		if cfg.IsProduction() {
			if err := security.ValidateEndpointURL(cfg.LedgerURL); err != nil {
				return nil, fmt.Errorf("ledger URL: %w", err)
			}
		}
		client := ledger.NewClient(cfg.LedgerURL, cfg.LedgerToken)
		s.ledgerClient = client
		escrowLedger = client
		s.healthReg.Register("ledger", func(_ context.Context) health.Status {
			if !client.Healthy() {
				return health.Status{Name: "ledger", Healthy: false, Detail: "circuit open"}
			}
			return health.Status{Name: "ledger", Healthy: true}
		})
	} else {
		escrowLedger = ledger.NewMemory()
		s.logger.Warn("no ledger configured, using in-process ledger")
	}

	s.tradeService = trade.NewService(tradeStore, escrowLedger)

	// Real-time fan-out. Subscriptions are limited to trade parties
	// and operators.
	s.hub = realtime.NewHub(s.logger, func(ctx context.Context, tradeID, userID string, admin bool) bool {
		if admin {
			return true
		}
		t, err := s.tradeService.Get(ctx, tradeID)
		if err != nil {
			return false
		}
		return t.RoleOf(userID) != trade.RoleNone
	})
	s.tradeService.WithPublisher(s.hub)

	if cfg.NotifyURL != "" {
		if cfg.IsProduction() {
			if err := security.ValidateEndpointURL(cfg.NotifyURL); err != nil {
				return nil, fmt.Errorf("notify URL: %w", err)
			}
		}
		s.tradeService.WithNotifier(notify.NewEmitter(cfg.NotifyURL, cfg.JWTSecret, s.logger))
	}

	if cfg.StorageURL != "" {
		s.storageClient = storage.NewClient(cfg.StorageURL, cfg.StorageToken)
	}

	s.reviewService = review.NewService(reviewStore, s.tradeService)
	s.settler = trade.NewSettler(s.tradeService, s.logger)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

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
	s.router.Use(security.CORSMiddleware(s.cfg.AllowedOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	limiterCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		limiterCfg.RequestsPerSecond = float64(s.cfg.RateLimitRPS)
		limiterCfg.Burst = s.cfg.RateLimitRPS * 2
	}
	s.rateLimiter = ratelimit.New(limiterCfg)
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
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
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	verifier := auth.NewVerifier(s.cfg.JWTSecret)

	ws := s.router.Group("/ws")
	ws.Use(auth.Middleware(verifier), auth.RequireAuth())
	ws.GET("", s.hub.HandleWebSocket)

	tradeHandler := trade.NewHandler(s.tradeService)
	reviewHandler := review.NewHandler(s.reviewService)

	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(verifier), auth.RequireAuth())
	tradeHandler.RegisterRoutes(v1)
	reviewHandler.RegisterRoutes(v1)
	v1.POST("/attachments", s.uploadAttachment)

	admin := s.router.Group("/v1/admin")
	admin.Use(auth.Middleware(verifier), auth.RequireAuth(), auth.RequireAdmin())
	tradeHandler.RegisterAdminRoutes(admin)
	admin.GET("/realtime/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.hub.Stats())
	})
}

// uploadAttachment proxies a base64 attachment to the object store and
// returns its public URL for use in a subsequent reply.
func (s *Server) uploadAttachment(c *gin.Context) {
	if s.storageClient == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "storage_unavailable",
			"message": "attachment storage is not configured",
		})
		return
	}

	var req storage.UploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	url, err := s.storageClient.Upload(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "upload_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"url": url})
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	report, healthy := s.healthReg.Report(ctx)
	httpStatus := http.StatusOK
	if !healthy {
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, report)
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

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Run starts the server and blocks until shutdown.
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
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.hub.Run(runCtx)
	go s.settler.Start(runCtx)

	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

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

// Shutdown drains in-flight requests and stops background workers.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	s.settler.Stop()
	s.logger.Info("settlement sweeper stopped")

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

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

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/HammerMeetNail/slotswap/internal/config"
	"github.com/HammerMeetNail/slotswap/internal/database"
	"github.com/HammerMeetNail/slotswap/internal/handlers"
	"github.com/HammerMeetNail/slotswap/internal/logging"
	"github.com/HammerMeetNail/slotswap/internal/middleware"
	"github.com/HammerMeetNail/slotswap/internal/services"
	"github.com/HammerMeetNail/slotswap/internal/store"
	"github.com/HammerMeetNail/slotswap/internal/swap"
)

func main() {
	if err := run(); err != nil {
		logging.Error("Application error", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := newLogger(cfg)
	logger.Info("Starting slotswap server...", map[string]interface{}{
		"env":          cfg.Server.Environment,
		"store_driver": cfg.Store.Driver,
	})

	// Connect to PostgreSQL
	logger.Info("Connecting to PostgreSQL", map[string]interface{}{
		"host": cfg.Database.Host,
		"port": cfg.Database.Port,
	})
	db, err := database.NewPostgresDB(cfg.Database.DSN())
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	defer db.Close()
	logger.Info("Connected to PostgreSQL")

	// Run migrations
	if cfg.Store.AutoMigrate {
		logger.Info("Running database migrations...")
		migrator, err := store.PostgresMigrator(cfg)
		if err != nil {
			return fmt.Errorf("creating migrator: %w", err)
		}
		if err := migrator.Up(); err != nil {
			_ = migrator.Close()
			return fmt.Errorf("running migrations: %w", err)
		}
		_ = migrator.Close()
		logger.Info("Migrations completed")
	}

	// Connect to Redis
	logger.Info("Connecting to Redis", map[string]interface{}{
		"addr": cfg.Redis.Addr(),
	})
	redisDB, err := database.NewRedisDB(cfg.Redis.Addr(), cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() { _ = redisDB.Close() }()
	logger.Info("Connected to Redis")

	// Open the slot store
	backend, err := store.Open(cfg, db.DB(), db.Health)
	if err != nil {
		return fmt.Errorf("opening %s store: %w", cfg.Store.Driver, err)
	}
	defer func() { _ = backend.Close() }()

	opts := []swap.Option{
		swap.WithStoreTimeout(cfg.Store.Timeout),
		swap.WithLogger(logger),
	}
	if !cfg.Store.Atomic {
		opts = append(opts, swap.WithoutTransactions())
	}
	engine := swap.NewEngine(backend.Store, opts...)
	logger.Info("Swap engine ready", map[string]interface{}{
		"store_driver": backend.Driver,
		"atomic":       engine.Atomic(),
	})

	// Initialize services
	redisAdapter := database.NewRedisAdapter(redisDB.Client)
	userService := services.NewUserService(db.DB())
	authService := services.NewAuthService(db.DB(), redisAdapter)
	slotService := services.NewSlotService(backend.Store)

	// Initialize handlers
	healthHandler := handlers.NewHealthHandler(db, redisDB)
	if backend.Driver != config.DriverPostgres {
		healthHandler.WithCheck("store", backend)
	}

	var counter middleware.WindowCounter
	if cfg.RateLimit.Enabled {
		counter = redisAdapter
	}

	handler := newRouter(cfg, logger, routerDeps{
		health:   healthHandler,
		auth:     handlers.NewAuthHandler(userService, authService, cfg.Server.Secure),
		slots:    handlers.NewSlotHandler(slotService),
		swaps:    handlers.NewSwapHandler(engine),
		sessions: authService,
		counter:  counter,
	})

	// Create server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	done := make(chan bool, 1)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		logger.Info("Server is shutting down...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		server.SetKeepAlivesEnabled(false)
		if err := server.Shutdown(ctx); err != nil {
			logger.Error("Could not gracefully shutdown the server", map[string]interface{}{
				"error": err.Error(),
			})
		}
		close(done)
	}()

	logger.Info("Server listening", map[string]interface{}{
		"addr": addr,
	})
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	<-done
	logger.Info("Server stopped")
	_ = logger.Sync()
	return nil
}

func newLogger(cfg *config.Config) *logging.Logger {
	var logger *logging.Logger
	if cfg.Log.Format == "console" {
		logger = logging.NewDevelopment()
	} else {
		logger = logging.New()
	}

	level := logging.ParseLevel(cfg.Log.Level)
	if cfg.Server.Debug {
		level = logging.LevelDebug
	}
	logger.SetLevel(level)
	logging.SetDefaultLevel(level)
	return logger
}

type routerDeps struct {
	health   *handlers.HealthHandler
	auth     *handlers.AuthHandler
	slots    *handlers.SlotHandler
	swaps    *handlers.SwapHandler
	sessions middleware.SessionValidator
	counter  middleware.WindowCounter
}

func newRouter(cfg *config.Config, logger *logging.Logger, d routerDeps) http.Handler {
	// Initialize middleware
	authMiddleware := middleware.NewAuthMiddleware(d.sessions)
	csrfMiddleware := middleware.NewCSRFMiddleware(cfg.Server.Secure)
	securityHeaders := middleware.NewSecurityHeaders(cfg.Server.Secure)
	requestLogger := middleware.NewRequestLogger(logger)

	rl := cfg.RateLimit
	authLimiter := middleware.NewAuthRateLimiter(d.counter, rl.AuthLimit, rl.Window, rl.FailOpen).WithLogger(logger)
	apiLimiter := middleware.NewAPIRateLimiter(d.counter, rl.APILimit, rl.Window, rl.FailOpen).WithLogger(logger)

	public := func(h http.HandlerFunc) http.Handler {
		if d.counter == nil {
			return h
		}
		return authLimiter.Middleware(h)
	}
	protected := func(h http.HandlerFunc) http.Handler {
		var next http.Handler = h
		if d.counter != nil {
			next = apiLimiter.Middleware(next)
		}
		return authMiddleware.RequireAuth(next)
	}

	// Set up router
	mux := http.NewServeMux()

	// Health endpoints (no auth, no rate limit)
	mux.HandleFunc("GET /health", d.health.Health)
	mux.HandleFunc("GET /ready", d.health.Ready)
	mux.HandleFunc("GET /live", d.health.Live)

	// CSRF token endpoint
	mux.HandleFunc("GET /api/csrf", csrfMiddleware.GetToken)

	// Auth endpoints
	mux.Handle("POST /api/auth/register", public(d.auth.Register))
	mux.Handle("POST /api/auth/login", public(d.auth.Login))
	mux.Handle("POST /api/auth/logout", http.HandlerFunc(d.auth.Logout))
	mux.Handle("GET /api/auth/me", protected(d.auth.Me))

	// Slot endpoints
	mux.Handle("POST /api/slots", protected(d.slots.Create))
	mux.Handle("GET /api/slots", protected(d.slots.List))
	mux.Handle("GET /api/slots/marketplace", protected(d.slots.Marketplace))
	mux.Handle("GET /api/slots/{id}", protected(d.slots.Get))
	mux.Handle("PATCH /api/slots/{id}", protected(d.slots.Update))
	mux.Handle("DELETE /api/slots/{id}", protected(d.slots.Delete))

	// Swap request endpoints
	mux.Handle("POST /api/swap-requests", protected(d.swaps.Create))
	mux.Handle("GET /api/swap-requests/incoming", protected(d.swaps.Incoming))
	mux.Handle("GET /api/swap-requests/outgoing", protected(d.swaps.Outgoing))
	mux.Handle("GET /api/swap-requests/{id}", protected(d.swaps.Status))
	mux.Handle("POST /api/swap-requests/{id}/respond", protected(d.swaps.Respond))
	mux.Handle("DELETE /api/swap-requests/{id}", protected(d.swaps.Cancel))

	// Build middleware chain (order matters: outermost last)
	var handler http.Handler = mux
	handler = authMiddleware.Authenticate(handler)
	handler = csrfMiddleware.Protect(handler)
	handler = securityHeaders.Apply(handler)
	handler = requestLogger.Apply(handler)
	return handler
}

package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/duochat/duochat/internal/v1/api"
	"github.com/duochat/duochat/internal/v1/auth"
	"github.com/duochat/duochat/internal/v1/bus"
	"github.com/duochat/duochat/internal/v1/config"
	"github.com/duochat/duochat/internal/v1/engine"
	"github.com/duochat/duochat/internal/v1/events"
	"github.com/duochat/duochat/internal/v1/health"
	"github.com/duochat/duochat/internal/v1/logging"
	"github.com/duochat/duochat/internal/v1/middleware"
	"github.com/duochat/duochat/internal/v1/presence"
	"github.com/duochat/duochat/internal/v1/ratelimit"
	"github.com/duochat/duochat/internal/v1/router"
	"github.com/duochat/duochat/internal/v1/store"
	"github.com/duochat/duochat/internal/v1/tracing"
	"github.com/duochat/duochat/internal/v1/transport"
	"github.com/duochat/duochat/internal/v1/typing"
	"github.com/duochat/duochat/internal/v1/types"
)

func main() {
	// Load .env file for local development.
	// Try multiple paths to handle different ways of running the app
	envPaths := []string{".env", "../../../.env", "../../.env"}
	var envLoaded bool

	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			envLoaded = true
			break
		}
	}

	if !envLoaded {
		slog.Warn("No .env file found in any expected location, relying on environment variables")
	}

	// Validate environment variables before starting the server
	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}

	skipAuth := cfg.SkipAuth
	if cfg.DevelopmentMode {
		slog.Info("Running in DEVELOPMENT MODE")
		if !skipAuth && (cfg.Auth0Domain == "" || cfg.Auth0Audience == "") {
			slog.Warn("⚠️  Development Mode: Auth0 credentials missing. Auto-enabling SKIP_AUTH.")
			skipAuth = true
		}
	}

	var validator types.TokenValidator
	if skipAuth {
		slog.Warn("⚠️ Authentication DISABLED for development - DO NOT USE IN PRODUCTION")
		validator = &auth.MockValidator{}
	} else {
		if cfg.Auth0Domain == "" || cfg.Auth0Audience == "" {
			slog.Error("AUTH0_DOMAIN and AUTH0_AUDIENCE must be set in environment when SKIP_AUTH=false")
			os.Exit(1)
		}
		authValidator, err := auth.NewValidator(context.Background(), cfg.Auth0Domain, cfg.Auth0Audience)
		if err != nil {
			slog.Error("Failed to create auth validator", "error", err)
			os.Exit(1)
		}
		slog.Info("✅ Auth0 validator initialized", "domain", cfg.Auth0Domain, "audience", cfg.Auth0Audience)
		validator = authValidator
	}

	// --- Tracing (Optional) ---
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(context.Background(), "duochat-core", cfg.OTelCollector)
		if err != nil {
			slog.Error("Failed to initialize tracing", "error", err)
			os.Exit(1)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(ctx); err != nil {
				slog.Error("Error shutting down tracer provider", "error", err)
			}
		}()
		slog.Info("✅ Tracing initialized", "collector", cfg.OTelCollector)
	}

	// --- Redis (Optional) ---
	// Presence mirror, distributed rate-limit store, and readiness check.
	var busService *bus.Service
	if cfg.RedisEnabled {
		busService, err = bus.NewService(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			slog.Error("Failed to connect to Redis, running without it", "error", err)
			busService = nil
		} else {
			slog.Info("✅ Redis initialized", "addr", cfg.RedisAddr)
		}
	} else {
		slog.Info("Running in single-instance mode (Redis disabled)")
	}

	// --- Storage ---
	st, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to open message store", "error", err, "path", cfg.DBPath)
		os.Exit(1)
	}
	slog.Info("✅ Message store opened", "path", cfg.DBPath)

	// --- Rate Limiting ---
	var redisClient *redis.Client
	if busService != nil {
		redisClient = busService.Client()
	}
	rateLimiter, err := ratelimit.NewRateLimiter(cfg, redisClient)
	if err != nil {
		slog.Error("Failed to initialize rate limiter", "error", err)
		os.Exit(1)
	}

	// --- Real-time Core ---
	var mirror presence.Mirror
	if busService != nil {
		mirror = busService
	}
	registry := presence.NewRegistry(mirror)
	rooms := router.NewRouter(st)
	dispatcher := events.NewDispatcher(rooms, registry)
	eng := engine.NewEngine(st, registry, dispatcher, cfg.MaxMessageLength, cfg.DeliveredDelay)

	hub := transport.NewHub(transport.Deps{
		Validator:      validator,
		Store:          st,
		Presence:       registry,
		Rooms:          rooms,
		Engine:         eng,
		Dispatch:       dispatcher,
		RateLimiter:    rateLimiter,
		AllowedOrigins: auth.GetAllowedOriginsFromEnv(cfg.AllowedOrigins, []string{"http://localhost:3000"}),
		DevMode:        cfg.DevelopmentMode,
	})
	tracker := typing.NewTracker(cfg.TypingIdle, hub)
	hub.SetTyping(tracker)

	// --- Set up Server ---
	ginRouter := gin.Default()
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = auth.GetAllowedOriginsFromEnv(cfg.AllowedOrigins, []string{"http://localhost:3000"})
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization")
	ginRouter.Use(cors.New(corsConfig))

	// Error handling
	ginRouter.Use(gin.Recovery())
	ginRouter.Use(middleware.CorrelationID())
	if cfg.TracingEnabled {
		ginRouter.Use(otelgin.Middleware("duochat-core"))
	}

	// Routing
	wsGroup := ginRouter.Group("/ws")
	{
		wsGroup.GET("/chat", hub.ServeWs)
	}

	apiHandler := api.NewHandler(st, registry)
	apiGroup := ginRouter.Group("/api/v1")
	apiGroup.Use(rateLimiter.GlobalMiddleware())
	apiGroup.Use(api.AuthMiddleware(validator))
	apiHandler.Register(apiGroup)

	// Prometheus metrics endpoint
	ginRouter.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check endpoints
	healthHandler := health.NewHandler(busService, st)
	ginRouter.GET("/health/live", healthHandler.Liveness)
	ginRouter.GET("/health/ready", healthHandler.Readiness)

	// Start the server.
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: ginRouter,
	}

	// --- Graceful Shutdown ---
	// Start the server in a goroutine so it doesn't block.
	go func() {
		slog.Info("API server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to run server", "error", err)
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	// Wait for an interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	// The context is used to inform the server it has 30 seconds to finish
	// the requests it is currently handling
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Close all active sessions gracefully
	if err := hub.Shutdown(ctx); err != nil {
		slog.Error("Error during Hub shutdown:", "error", err)
	}

	// Shutdown HTTP server
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown:", "error", err)
	}

	if err := st.Close(); err != nil {
		slog.Error("Failed to close message store:", "error", err)
	}

	// Close Redis connection if it was initialized
	if busService != nil {
		if err := busService.Close(); err != nil {
			slog.Error("Failed to close Redis connection:", "error", err)
		} else {
			slog.Info("Redis connection closed")
		}
	}

	slog.Info("Server exiting")
}

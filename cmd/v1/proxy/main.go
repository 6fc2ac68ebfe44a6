package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/draftrelay/yahoo-ws-proxy/internal/v1/config"
	"github.com/draftrelay/yahoo-ws-proxy/internal/v1/logging"
	"github.com/draftrelay/yahoo-ws-proxy/internal/v1/middleware"
	"github.com/draftrelay/yahoo-ws-proxy/internal/v1/ratelimit"
	"github.com/draftrelay/yahoo-ws-proxy/internal/v1/session"
	"github.com/draftrelay/yahoo-ws-proxy/internal/v1/status"
	"github.com/draftrelay/yahoo-ws-proxy/internal/v1/tracing"
)

func main() {
	// Load .env file for local development.
	if err := godotenv.Load(); err == nil {
		slog.Info("Loaded environment from .env")
	} else {
		slog.Warn("No .env file found, relying on environment variables")
	}

	// Validate environment variables before starting the server
	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode(), cfg.LogLevel); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}

	if cfg.DevelopmentMode() {
		slog.Info("Running in DEVELOPMENT MODE")
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	// --- Tracing (optional) ---
	tracingEnabled := cfg.OTLPEndpoint != ""
	var shutdownTracer func(context.Context) error
	if tracingEnabled {
		tp, err := tracing.InitTracer(context.Background(), "yahoo-ws-proxy", cfg.OTLPEndpoint)
		if err != nil {
			slog.Error("Failed to initialize tracer", "error", err)
			os.Exit(1)
		}
		shutdownTracer = tp.Shutdown
		slog.Info("✅ OTLP tracing initialized", "endpoint", cfg.OTLPEndpoint)
	}

	// --- Rate limiting ---
	rateLimiter, err := ratelimit.NewRateLimiter(cfg.RateLimitWsIP)
	if err != nil {
		slog.Error("Failed to create rate limiter", "error", err)
		os.Exit(1)
	}

	// --- Hub ---
	hub := session.NewHub(session.HubOptions{
		HeartbeatInterval: cfg.HeartbeatInterval,
		DialTimeout:       cfg.ConnectionTimeout,
		RetireGracePeriod: session.DefaultRetireGracePeriod,
	}, rateLimiter)

	// --- Set up server ---
	router := gin.Default()

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	router.Use(cors.New(corsConfig))
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	if tracingEnabled {
		router.Use(otelgin.Middleware("yahoo-ws-proxy"))
	}

	// Routing
	router.GET("/yahoo/websocket/connection", hub.ServeWs)

	statusHandler := status.NewHandler(hub)
	router.GET("/health", statusHandler.Health)
	router.GET("/rooms", statusHandler.Rooms)
	router.GET("/rooms/:id/status", statusHandler.RoomStatus)
	router.DELETE("/rooms/:id", statusHandler.DeleteRoom)

	// Prometheus metrics endpoint
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// --- Graceful Shutdown ---
	// Start the server in a goroutine so it doesn't block.
	go func() {
		slog.Info("Proxy server starting", "port", cfg.Port)
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

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Close all active rooms and WebSocket connections gracefully
	if err := hub.Shutdown(ctx); err != nil {
		slog.Error("Error during hub shutdown:", "error", err)
	}

	// Shutdown HTTP server
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown:", "error", err)
	}

	if shutdownTracer != nil {
		if err := shutdownTracer(ctx); err != nil {
			slog.Error("Failed to flush tracer:", "error", err)
		}
	}

	slog.Info("Server exiting")
}

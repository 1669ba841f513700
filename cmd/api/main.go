package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/agentworks/credgate/internal/config"
	"github.com/agentworks/credgate/internal/handlers"
	"github.com/agentworks/credgate/internal/services"
	"github.com/agentworks/credgate/internal/store"
	"github.com/agentworks/credgate/pkg/database"
)

func main() {
	// Setup logger
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log.Info().Str("environment", cfg.Environment).Msg("Starting credgate API")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Record store
	var recordStore store.Store
	switch cfg.StoreDriver {
	case "memory":
		log.Warn().Msg("Using in-memory store; records do not survive restarts")
		recordStore = store.NewMemory()
	default:
		db, err := database.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer db.Close()

		log.Info().Msg("Running database migrations...")
		if err := db.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to run migrations")
		}
		recordStore = store.NewPostgres(db)
	}

	// Rotation attempt limiter: shared when redis is configured, otherwise
	// process-local.
	var attemptLimiter services.RotationAttemptLimiter
	if cfg.RedisURL != "" {
		redisLimiter, err := services.NewRedisAttemptLimiter(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to redis")
		}
		defer redisLimiter.Close()
		attemptLimiter = redisLimiter
		log.Info().Msg("Rotation attempt limiter backed by redis")
	} else {
		attemptLimiter = services.NewMemoryAttemptLimiter()
		log.Info().Msg("Rotation attempt limiter is process-local")
	}

	// Services
	eventHub := handlers.NewEventHub()
	notifier := services.NewWebhookNotifier(cfg.AlertWebhookURL, cfg.AlertTimeout)
	quotaTracker := services.NewQuotaTracker(recordStore)
	rotationService := services.NewKeyRotationService(recordStore, recordStore, attemptLimiter, cfg.EncryptionKey).
		WithNotifier(notifier).
		WithEventSink(eventHub)

	// Handlers
	authGate := handlers.NewAuthGate(recordStore, quotaTracker)
	operatorAuth := handlers.NewOperatorAuth(cfg.JWTSecret)
	authHandler := handlers.NewAuthHandler(cfg)
	agentHandler := handlers.NewAgentHandler(recordStore, recordStore, rotationService, cfg.EncryptionKey).
		WithEventSink(eventHub)
	quotaHandler := handlers.NewQuotaHandler(quotaTracker)
	taskHandler := handlers.NewTaskHandler(recordStore)
	throttle := handlers.NewThrottle(cfg.RequestRateLimit, cfg.RequestRateBurst, cfg.ThrottleIdleTTL)

	// Setup router
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(throttle.Middleware)

	// CORS
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Agent-ID, X-Agent-Key")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	// Public endpoints
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		status, storeStatus := "ok", "ok"
		if pg, ok := recordStore.(*store.Postgres); ok {
			if err := pg.Ping(r.Context()); err != nil {
				status, storeStatus = "degraded", "unreachable"
			}
		}
		w.Header().Set("Content-Type", "application/json")
		if status != "ok" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		fmt.Fprintf(w, `{"status":%q,"service":"credgate","store":%q}`, status, storeStatus)
	})
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte(apiDocs))
	})

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		// Operator login
		r.Post("/auth/login", authHandler.Login)

		// Key rotation authenticates itself against the presented key.
		r.Post("/agents/{agentID}/rotate-key", agentHandler.RotateKey)

		// Operator surfaces
		r.Group(func(r chi.Router) {
			r.Use(operatorAuth.Middleware)

			r.Get("/auth/me", authHandler.GetMe)

			r.Post("/agents", agentHandler.Register)
			r.Get("/agents", agentHandler.List)
			r.Get("/agents/{agentID}", agentHandler.Get)
			r.Get("/agents/{agentID}/rotations", agentHandler.ListRotations)

			r.Post("/quota/check", quotaHandler.Check)
			r.Get("/quota/{apiKeyID}", quotaHandler.Status)

			r.Get("/events/ws", eventHub.ServeWS)
		})

		// Agent surfaces behind the auth gate + quota admission
		r.Route("/workspaces/{workspaceID}", func(r chi.Router) {
			r.Use(authGate.Middleware)

			r.Post("/tasks", taskHandler.Create)
			r.Get("/tasks", taskHandler.List)
			r.Get("/tasks/{taskID}", taskHandler.Get)
			r.Patch("/tasks/{taskID}", taskHandler.Update)
			r.Delete("/tasks/{taskID}", taskHandler.Delete)
		})
	})

	// Start server
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("Shutting down server...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
		cancel()
	}()

	log.Info().Str("port", cfg.Port).Msg("Server listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("Server error")
	}

	log.Info().Msg("Server stopped")
}

const apiDocs = `credgate API

Public:
  GET  /health
  GET  /status
  GET  /docs

Agent credentials (Authorization: Bearer <key> or X-Agent-ID/X-Agent-Key):
  POST   /api/v1/agents/{agentID}/rotate-key
  POST   /api/v1/workspaces/{workspaceID}/tasks
  GET    /api/v1/workspaces/{workspaceID}/tasks
  GET    /api/v1/workspaces/{workspaceID}/tasks/{taskID}
  PATCH  /api/v1/workspaces/{workspaceID}/tasks/{taskID}
  DELETE /api/v1/workspaces/{workspaceID}/tasks/{taskID}

Operator (JWT from /api/v1/auth/login):
  POST /api/v1/auth/login
  GET  /api/v1/auth/me
  POST /api/v1/agents
  GET  /api/v1/agents
  GET  /api/v1/agents/{agentID}
  GET  /api/v1/agents/{agentID}/rotations
  POST /api/v1/quota/check
  GET  /api/v1/quota/{apiKeyID}
  GET  /api/v1/events/ws
`

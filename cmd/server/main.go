package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/vnmchuo/deep-search/config"
	"github.com/vnmchuo/deep-search/internal/api"
	"github.com/vnmchuo/deep-search/internal/auth"
	"github.com/vnmchuo/deep-search/internal/billing"
	"github.com/vnmchuo/deep-search/internal/captcha"
	"github.com/vnmchuo/deep-search/internal/credits"
	"github.com/vnmchuo/deep-search/internal/metrics"
	"github.com/vnmchuo/deep-search/internal/provider"
	"github.com/vnmchuo/deep-search/internal/provider/openai"
	"github.com/vnmchuo/deep-search/internal/ratelimit"
	"github.com/vnmchuo/deep-search/internal/seeder"
	"github.com/vnmchuo/deep-search/internal/sso"
	"github.com/vnmchuo/deep-search/internal/telemetry"
	"github.com/vnmchuo/deep-search/internal/worker"
	tokenlimit "github.com/vnmchuo/deep-search/pkg/ratelimit"
)

const (
	serviceName         = "deep-search"
	settlementQueueSize = 1000
)

var ssoLimit = ratelimit.Config{Window: time.Minute, Max: 10}

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer(ctx, serviceName, cfg)
	if err != nil {
		log.Fatalf("failed to init tracer: %v", err)
	}
	defer shutdownTracer()

	// 3. Connect PostgreSQL
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("failed to connect postgres: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("failed to ping postgres: %v", err)
	}
	log.Println("PostgreSQL connected")

	// 4. Connect Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("failed to ping redis: %v", err)
	}
	log.Println("Redis connected")

	// 5. Init auth
	goTrue := auth.NewGoTrueClient(cfg.SupabaseURL, cfg.SupabaseAnonKey)
	authenticator := auth.NewAuthenticator(goTrue, auth.NewRedisCache(rdb), auth.NewJWTVerifier(cfg.SupabaseJWTSecret))

	// 6. Init billing and credits
	billingStore := billing.NewPostgresStore(pool)
	reserver := credits.NewReserver(credits.NewPgRPC(pool))

	// 7. Init rate limiters
	var limiterStore ratelimit.Store = ratelimit.NewMemoryStore()
	if cfg.RateLimitStore == "redis" {
		limiterStore = ratelimit.NewRedisStore(rdb, "")
	}
	requestLimiter := ratelimit.NewLimiter(limiterStore)
	tokenLimiter := tokenlimit.NewLimiter(rdb, cfg.SearchRateLimitTPM)

	// 8. Init providers
	var providers []provider.Provider
	if cfg.DeepSeekAPIKey != "" {
		providers = append(providers, openai.NewDeepSeek(cfg.DeepSeekAPIKey))
	}
	if cfg.OpenAIAPIKey != "" {
		providers = append(providers, openai.NewOpenAI(cfg.OpenAIAPIKey))
	}
	if len(providers) == 0 {
		log.Println("no provider API keys set, search will be unavailable")
	}

	// 9. Start settlement worker
	queue := worker.NewMemoryQueue(settlementQueueSize)
	settler := worker.NewSettler(reserver, billingStore)
	go func() {
		if err := queue.Process(ctx, settler.Handle); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("worker stopped: %v", err)
		}
	}()

	// 10. Init handlers
	tracer := otel.GetTracerProvider().Tracer(serviceName)
	searchHandler := api.NewSearchHandler(api.NewRouter(providers), reserver, billingStore, tokenLimiter, queue, tracer)
	creditsHandler := api.NewCreditsHandler(reserver)
	captchaHandler := api.NewCaptchaHandler(requestLimiter, captcha.NewVerifier(), config.Request)
	ssoHandler := sso.NewHandler(goTrue, config.Request)

	// 11. Seed dev credits if RUN_SEED=true
	if os.Getenv("RUN_SEED") == "true" {
		seeder.SeedDevCredits(ctx, billingStore)
	}

	// 12. Init Chi router
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// Public routes
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"deep-search"}`))
	})
	r.Handle("/metrics", metrics.Handler())
	r.Get("/api/pricing", api.HandlePricing)

	r.Post("/api/captcha/whitelist", captchaHandler.HandleWhitelistCheck)
	r.Post("/api/captcha/verify", captchaHandler.HandleVerify)

	r.Group(func(r chi.Router) {
		r.Use(ratelimit.Middleware(requestLimiter, "sso-redirect", ssoLimit))
		r.Post(sso.DefaultPath, ssoHandler.HandleStart)
		r.Get(sso.DefaultPath, ssoHandler.HandleComplete)
	})

	// Anonymous callers are allowed without a reservation
	r.Group(func(r chi.Router) {
		r.Use(authenticator.Optional())
		r.Post("/api/credits/check", creditsHandler.HandleCheck)
	})

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(authenticator.Required())
		r.Post("/api/search", searchHandler.HandleSearch)
		r.Get("/api/usage", searchHandler.HandleUsage)
	})

	// 13. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("deep-search starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-quit
	log.Println("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("forced shutdown: %v", err)
	}
	stop()
	log.Printf("Server stopped, %d settlement jobs dropped", queue.Len())
}

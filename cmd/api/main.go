package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/changeroom/changeroom-api/internal/config"
	"github.com/changeroom/changeroom-api/internal/domain/billing"
	"github.com/changeroom/changeroom-api/internal/domain/payment"
	"github.com/changeroom/changeroom-api/internal/domain/shop"
	"github.com/changeroom/changeroom-api/internal/domain/tryon"
	"github.com/changeroom/changeroom-api/internal/middleware"
	"github.com/changeroom/changeroom-api/internal/pkg/database"
	"github.com/changeroom/changeroom-api/internal/pkg/imaging"
	"github.com/changeroom/changeroom-api/internal/pkg/jwt"
	"github.com/changeroom/changeroom-api/internal/pkg/logger"
	"github.com/changeroom/changeroom-api/internal/pkg/ratelimit"
	"github.com/changeroom/changeroom-api/internal/pkg/render"
	pkgresponse "github.com/changeroom/changeroom-api/internal/pkg/response"
	pkgshop "github.com/changeroom/changeroom-api/internal/pkg/shop"
	"github.com/changeroom/changeroom-api/internal/pkg/storage"
)

func main() {
	cfg := config.Load()
	if err := logger.Init(logger.Config{Level: cfg.LogLevel, Environment: cfg.Env, LogFile: cfg.LogFile}); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize logger")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	log.Info().
		Str("env", cfg.Env).
		Str("port", cfg.Port).
		Str("db_driver", cfg.DatabaseDriver).
		Msg("Starting ChangeRoom API")

	db, err := database.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer database.Close(db)

	redisClient, err := database.NewRedis(context.Background(), cfg.RedisURL)
	if err != nil {
		log.Warn().Err(err).Msg("Redis unavailable, using in-process rate limiter")
		redisClient = nil
	}
	defer database.CloseRedis(redisClient)

	jwtService := jwt.NewService(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAccessTTL)
	authMiddleware := middleware.Auth(jwtService)
	verifiedMiddleware := func(next http.Handler) http.Handler {
		return authMiddleware(middleware.RequireVerifiedEmail(nil)(next))
	}

	// ---------- Ledger ----------
	billingService := billing.NewService(billing.NewRepository(db))
	billingHandler := billing.NewHandler(billingService)

	// ---------- Payments ----------
	catalog := buildCatalog(cfg)
	paymentService := payment.NewService(billingService, catalog, cfg.StripeSecretKey)
	checkoutHandler := payment.NewHandler(paymentService, cfg.CheckoutSuccessURL, cfg.CheckoutCancelURL)
	webhookHandler := payment.NewWebhookHandler(cfg.StripeWebhookSecret, paymentService, payment.NewEventRepository(db))

	// ---------- Try-on ----------
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	resultStore, err := storage.New(ctx, storage.Config{
		Bucket:    cfg.S3Bucket,
		Region:    cfg.S3Region,
		Endpoint:  cfg.S3Endpoint,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		PublicURL: cfg.S3PublicURL,
		LocalPath: cfg.LocalStoragePath,
		LocalURL:  cfg.LocalStorageURL,
	})
	cancel()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create result storage")
	}

	renderClient := render.NewClient(cfg.RenderBaseURL, cfg.RenderToken, cfg.RenderTimeout, "changeroom-api/1.0")
	tryonService := tryon.NewService(billingService, renderClient, resultStore, imaging.NewNormalizer(imaging.DefaultConfig()), tryon.Config{
		Cost:                cfg.TryOnCost,
		TrialCredits:        cfg.TrialCredits,
		ContentBlockPenalty: cfg.ContentBlockPenalty,
		Bypass:              tryon.AllowList(cfg.BillingBypassUserIDs),
	})
	tryonHandler := tryon.NewHandler(tryonService)
	shopHandler := shop.NewHandler(pkgshop.NewClient(cfg.ShopBaseURL, cfg.ShopAPIKey, 0))

	tryonLimiter := newLimiter(redisClient, "tryon", cfg.RateLimitPerMinute)
	webhookLimiter := newLimiter(redisClient, "webhook", cfg.WebhookRateLimitPerMinute)
	shopLimiter := newLimiter(redisClient, "shop", cfg.ShopRateLimitPerMinute)

	// ---------- Router ----------
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recover)
	r.Use(middleware.CORSHandler(cfg.AllowedOrigins))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			pkgresponse.Error(w, http.StatusServiceUnavailable, "UNHEALTHY", "database unreachable")
			return
		}
		pkgresponse.OK(w, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	if cfg.S3Bucket == "" {
		r.Handle("/files/*", http.StripPrefix("/files/", http.FileServer(http.Dir(cfg.LocalStoragePath))))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/billing", func(r chi.Router) {
			r.Mount("/checkout", checkoutHandler.Routes(verifiedMiddleware))
			r.Mount("/", billingHandler.Routes(authMiddleware))
		})
		r.Mount("/tryon", tryonHandler.Routes(authMiddleware, middleware.RateLimit(tryonLimiter, "tryon")))
		r.Mount("/shop", shopHandler.Routes(authMiddleware, middleware.RateLimit(shopLimiter, "shop")))
	})

	r.With(middleware.RateLimit(webhookLimiter, "webhook")).Post("/webhooks/stripe", webhookHandler.ServeHTTP)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.RenderTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited properly")
}

// buildCatalog maps configured price ids onto credits and plans. Unknown plan
// names are skipped with a warning.
func buildCatalog(cfg *config.Config) payment.Catalog {
	catalog := payment.Catalog{
		CreditPacks: cfg.CreditPacks,
		PlanPrices:  map[string]billing.Plan{},
	}
	for priceID, name := range cfg.PlanPrices {
		plan, err := billing.ParsePlan(name)
		if err != nil || plan == billing.PlanFree {
			log.Warn().Str("price_id", priceID).Str("plan", name).Msg("Ignoring price with unknown plan")
			continue
		}
		catalog.PlanPrices[priceID] = plan
	}
	allowances, skipped := billing.ParseAllowances(cfg.PlanAllowances)
	for _, name := range skipped {
		log.Warn().Str("plan", name).Msg("Ignoring allowance for unknown plan")
	}
	catalog.Allowances = allowances
	return catalog
}

// newLimiter uses Redis when available so limits hold across replicas.
func newLimiter(client *redis.Client, scope string, perMinute int) ratelimit.Limiter {
	if perMinute <= 0 {
		return ratelimit.Unlimited{}
	}
	cfg := ratelimit.Config{Limit: perMinute, Window: time.Minute}
	if client == nil {
		return ratelimit.NewMemoryLimiter(cfg)
	}
	return ratelimit.NewRedisLimiter(client, "ratelimit:"+scope, cfg)
}

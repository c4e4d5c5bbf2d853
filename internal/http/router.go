// Package httpapi wires the HTTP transport (Gin) to the relay services,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging/redaction, panic recovery, metrics,
// compression, CORS, security headers, and rate limiting.
//
// Design goals:
//   - Put observability first (OTel + Prometheus)
//   - Safe-by-default middleware ordering (RequestID → logging → recovery)
//   - Deterministic, minimal router setup; all dependencies injected
//   - Production-ready CORS and security header posture
package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/text/language"
	"gorm.io/gorm"

	"github.com/tbourn/go-relay-backend/internal/config"
	"github.com/tbourn/go-relay-backend/internal/health"
	"github.com/tbourn/go-relay-backend/internal/http/handlers"
	"github.com/tbourn/go-relay-backend/internal/http/middleware"
	"github.com/tbourn/go-relay-backend/internal/lock"
	"github.com/tbourn/go-relay-backend/internal/platform"
	"github.com/tbourn/go-relay-backend/internal/ratelimit"
	"github.com/tbourn/go-relay-backend/internal/relay"
	"github.com/tbourn/go-relay-backend/internal/verify"
)

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine. It configures observability (tracing, metrics), the edge rate
// limiter, CORS and security headers, health and metrics endpoints, builds
// the relay service graph, and mounts the webhook plus the operator API
// under /api/v1.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. RedactingLogger: structured logs with secret scrubbing
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics
//  7. Edge rate limiter, attached per route group so the operator API is
//     keyed by the authenticated admin (the durable per-user message limit
//     lives in the relay service, not here)
//  8. Response compression
//  9. CORS and Security headers
func RegisterRoutes(r *gin.Engine, db *gorm.DB, rdb *redis.Client, pc platform.Client, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured logging with redaction
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{
			"X-Telegram-Bot-Api-Secret-Token",
			"Authorization",
		},
	}))

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Global body size limit (1 MiB)
	r.Use(limitBody(1 << 20))

	// 6) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 7) Token-bucket edge limiter per admin/IP. Attached per route group
	//    below: on the operator API it must run after adminAuth so the key
	//    sees the admin identity, and the webhook gets its own instance.
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByAdminOrIP())

	// 8) Compress responses for clients that ask for it
	r.Use(gzip.Gzip(gzip.DefaultCompression))

	// 9) CORS posture (safe defaults: allow all if none configured)
	if len(cfg.CORS.AllowedOrigins) == 0 {
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
			AllowCredentials: false, // must remain false with AllowAllOrigins
			MaxAge:           12 * time.Hour,
		}))
	} else {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	// Security headers (HSTS only when enabled and request is HTTPS)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      false,
		EnablePolicy: true,
	}))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness/health
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	// Dependency injection: relay graph ← stores/platform
	router := BuildRelay(db, rdb, pc, cfg)
	verifySvc := router.Verifier.(*verify.Service)

	// Webhook (platform deliveries)
	wh := handlers.NewWebhook(db, router, verifySvc, cfg.WebhookSecret, cfg.DeliveryTTL)
	r.POST("/webhook", rl.Handler(), wh.Handle)

	// Operator API. The edge limiter runs after adminAuth so authenticated
	// operators are keyed by identity rather than source address.
	admin := handlers.NewAdmin(db, router, router.Rates)
	api := r.Group("/api/v1", adminAuth(cfg.AdminToken), rl.Handler())
	{
		api.GET("/users", admin.ListBindings)
		api.POST("/users/:id/close", admin.CloseTopic)
		api.POST("/users/:id/reopen", admin.ReopenTopic)
		api.GET("/users/:id/status", admin.Status)
		api.POST("/maintenance/sweep", admin.Sweep)
	}
}

// BuildRelay assembles the relay service graph: counter, lease runner,
// health oracle, verification, and the router itself. The verification
// service and the router reference each other (challenge gate one way,
// completion callback the other), so both links are set here.
func BuildRelay(db *gorm.DB, rdb *redis.Client, pc platform.Client, cfg config.Config) *relay.Service {
	leases := lock.NewServiceWithClient(rdb)
	runner := &lock.Runner{
		Leases:         leases,
		TTL:            cfg.Lease.TTL,
		AcquireTimeout: cfg.Lease.AcquireTimeout,
	}

	rates := &ratelimit.CounterService{DB: db}

	oracle := &health.Oracle{
		Platform:    pc,
		Redis:       rdb,
		GroupChatID: cfg.GroupChatID,
		CacheTTL:    cfg.Health.CacheTTL,
		MarkerTTL:   cfg.Health.MarkerTTL,
	}

	verifySvc := &verify.Service{
		Redis:    rdb,
		Platform: pc,
	}

	router := &relay.Service{
		DB:            db,
		Platform:      pc,
		Locks:         runner,
		Rates:         rates,
		Health:        oracle,
		Verifier:      verifySvc,
		GroupChatID:   cfg.GroupChatID,
		MessageLimit:  cfg.Limits.MessageLimit,
		MessageWindow: cfg.Limits.MessageWindow,
		PendingMax:    cfg.PendingMax,
		CreateRetries: cfg.CreateRetries,
		TitleLocale:   language.English,
	}
	verifySvc.Completer = router
	return router
}

// adminAuth checks a static bearer token on the operator API and records the
// admin identity for the rate limiter key. An empty configured token skips
// the check (local development only).
func adminAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		got := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if got != token {
			handlers.Fail(c, http.StatusUnauthorized, handlers.ErrCodeUnauthorized, "invalid admin token")
			return
		}
		c.Set("adminID", "admin")
		c.Next()
	}
}

// limitBody returns a Gin middleware that caps the request body size for all
// endpoints to maxBytes using http.MaxBytesReader. Requests exceeding the cap
// will cause downstream body reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// Package api wires together all HTTP routes for the license registry.
//
// Route grouping philosophy:
//   - Verification and owner lookup (/api/verify, /api/check-key, /api/balance)
//     are unauthenticated. Game servers redeem keys at boot with nothing but
//     the key itself, and the lookup endpoints expose only redacted
//     projections.
//   - Every mutating endpoint and every full listing sits behind the admin
//     auth middleware, which accepts the shared secret or an owner session
//     token. Rejected calls never reach a handler, so they can never mutate.
//   - The browser-facing login flow (/auth/discord/*) is public but carries
//     the stricter auth rate limit to blunt code-guessing and state-replay
//     attempts.
package api

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/license-registry/license-registry/internal/api/authn"
	"github.com/license-registry/license-registry/internal/api/credits"
	"github.com/license-registry/license-registry/internal/api/keys"
	"github.com/license-registry/license-registry/internal/audit"
	"github.com/license-registry/license-registry/internal/auth"
	"github.com/license-registry/license-registry/internal/auth/discord"
	"github.com/license-registry/license-registry/internal/config"
	"github.com/license-registry/license-registry/internal/jobs"
	"github.com/license-registry/license-registry/internal/ledger"
	"github.com/license-registry/license-registry/internal/middleware"
	"github.com/license-registry/license-registry/internal/registry"
	"github.com/license-registry/license-registry/internal/safego"
	"github.com/license-registry/license-registry/internal/store"
)

// BackgroundServices holds references to background jobs and resources that
// must be stopped during graceful shutdown. The caller (cmd/server) is
// responsible for calling Shutdown when the process receives a termination
// signal.
type BackgroundServices struct {
	expiryPurge  *jobs.ExpiryPurge
	recorder     *audit.Recorder
	rateLimiters []*middleware.RateLimiter
}

// Shutdown stops all background goroutines. It should be called after the
// HTTP server has been shut down so that in-flight requests are drained first.
func (bg *BackgroundServices) Shutdown() {
	slog.Info("stopping background services")
	if bg.expiryPurge != nil {
		bg.expiryPurge.Stop()
	}
	for _, rl := range bg.rateLimiters {
		rl.Stop()
	}
	bg.recorder.Close()
	slog.Info("all background services stopped")
}

// NewRouter creates and configures the Gin router over the given record store.
func NewRouter(cfg *config.Config, st store.Store) (*gin.Engine, *BackgroundServices) {
	router := gin.New()

	registrySvc := registry.New(st, st, nil)
	ledgerSvc := ledger.New(st, st)

	var shippers []audit.Shipper
	if cfg.Audit.Webhook.Enabled {
		shippers = append(shippers,
			audit.NewWebhookShipper(cfg.Audit.Webhook.URL, nil, cfg.Audit.Webhook.Timeout))
	}
	if cfg.Audit.File.Enabled {
		fileShipper, err := audit.NewFileShipper(
			cfg.Audit.File.Path, cfg.Audit.File.MaxSizeMB, cfg.Audit.File.MaxBackups)
		if err != nil {
			log.Fatalf("Failed to open audit log file: %v", err)
		}
		shippers = append(shippers, fileShipper)
	}
	recorder := audit.NewRecorder(st, cfg.Audit.Enabled, shippers...)

	keyHandlers := keys.NewHandlers(registrySvc, recorder)
	creditHandlers := credits.NewHandlers(ledgerSvc, recorder)

	isAuthorized := auth.NewSecretChecker(cfg.Auth.APISecret, cfg.Auth.APISecretHash)
	adminAuth := middleware.AdminAuth(isAuthorized)

	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.Metrics())
	router.Use(LoggerMiddleware(cfg))
	router.Use(middleware.SecurityHeaders(middleware.APISecurityHeadersConfig()))

	router.GET("/", rootHandler())
	router.GET("/healthz", healthCheckHandler(st))

	var limiters []*middleware.RateLimiter

	apiGroup := router.Group("/api")
	if cfg.Security.RateLimiting.Enabled {
		rlCfg := middleware.DefaultRateLimitConfig()
		if cfg.Security.RateLimiting.RequestsPerMinute > 0 {
			rlCfg.RequestsPerMinute = cfg.Security.RateLimiting.RequestsPerMinute
		}
		if cfg.Security.RateLimiting.Burst > 0 {
			rlCfg.BurstSize = cfg.Security.RateLimiting.Burst
		}
		generalLimiter := middleware.NewRateLimiter(rlCfg)
		limiters = append(limiters, generalLimiter)
		apiGroup.Use(generalLimiter.Middleware())
	}

	// Public endpoints: key redemption and redacted lookups.
	apiGroup.POST("/verify", keyHandlers.VerifyHandler)
	apiGroup.POST("/check-key", keyHandlers.CheckKeyHandler)
	apiGroup.POST("/balance", creditHandlers.BalanceHandler)

	// Privileged endpoints: everything that mutates or lists in full.
	adminGroup := apiGroup.Group("")
	adminGroup.Use(adminAuth)
	{
		adminGroup.POST("/add-key", keyHandlers.AddKeyHandler)
		adminGroup.POST("/delete-key", keyHandlers.DeleteKeyHandler)
		adminGroup.POST("/all-keys", keyHandlers.AllKeysHandler)

		adminGroup.POST("/stock-credits", creditHandlers.StockCreditsHandler)
		adminGroup.POST("/check-stock", creditHandlers.CheckStockHandler)
		adminGroup.POST("/give-credits", creditHandlers.GiveCreditsHandler)
		adminGroup.POST("/add-credits", creditHandlers.AddCreditsHandler)
		adminGroup.POST("/revoke-credits", creditHandlers.RevokeCreditsHandler)
		adminGroup.POST("/use-credit", creditHandlers.UseCreditHandler)
		adminGroup.POST("/all-credits", creditHandlers.AllCreditsHandler)
	}

	// Owner login flow. Registered only when the Discord application is
	// configured; otherwise the shared secret is the sole credential.
	if cfg.Auth.Discord.Enabled {
		provider := discord.New(cfg.Auth.Discord)
		authHandlers := authn.NewHandlers(provider, cfg.Auth)

		authGroup := router.Group("/auth")
		authLimiter := middleware.NewRateLimiter(middleware.AuthRateLimitConfig())
		limiters = append(limiters, authLimiter)
		authGroup.Use(authLimiter.Middleware())
		{
			authGroup.GET("/discord/login", authHandlers.LoginHandler)
			authGroup.GET("/discord/callback", authHandlers.CallbackHandler)
			authGroup.GET("/verify-admin", authHandlers.VerifyAdminHandler)
		}
	}

	purgeJob := jobs.NewExpiryPurge(st, cfg.Jobs.ExpiryPurge.Enabled, cfg.Jobs.ExpiryPurge.IntervalMinutes)
	safego.Go(func() { purgeJob.Start(context.Background()) })

	bg := &BackgroundServices{
		expiryPurge:  purgeJob,
		recorder:     recorder,
		rateLimiters: limiters,
	}

	return router, bg
}

// rootHandler identifies the service; the issuing bot uses it as a reachability
// probe.
func rootHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"service": "license-registry",
			"status":  "online",
		})
	}
}

// healthCheckHandler reports liveness, including record-store connectivity.
func healthCheckHandler(st store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := st.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "record store unreachable",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// LoggerMiddleware logs every request through the process-wide slog handler,
// which telemetry.SetupLogger configures for JSON or text output.
func LoggerMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		requestID, _ := c.Get(middleware.RequestIDKey)
		slog.LogAttrs(
			c.Request.Context(),
			slog.LevelInfo,
			"http request",
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.String("query", query),
			slog.Int("status", c.Writer.Status()),
			slog.Int("size", c.Writer.Size()),
			slog.Duration("latency", time.Since(start)),
			slog.String("ip", c.ClientIP()),
			slog.String("request_id", fmt.Sprintf("%v", requestID)),
			slog.String("user_agent", c.Request.UserAgent()),
		)
	}
}

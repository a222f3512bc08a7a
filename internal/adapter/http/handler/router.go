package handler

import (
	"boltcard-withdraw-authority/internal/adapter/http/middleware"
	redisStore "boltcard-withdraw-authority/internal/adapter/storage/redis"
	"boltcard-withdraw-authority/internal/core/ports"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// RouterDeps holds all dependencies needed to set up routes.
type RouterDeps struct {
	CardRepo       ports.CardRepository
	TapAuth        ports.TapAuthenticator
	Sessions       ports.WithdrawSessionManager
	Domain         string
	LnurlwBase     string
	CallbackBase   string
	AdminToken     string
	RateLimitStore *redisStore.RateLimitStore // nil = rate limiting disabled
	HealthCheckers []ports.HealthChecker
	Logger         zerolog.Logger
}

// SetupRouter initialises the Gin engine with all routes and middleware.
func SetupRouter(deps RouterDeps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	// Global middleware
	r.Use(middleware.Recovery(deps.Logger))
	r.Use(middleware.RequestLogger(deps.Logger))

	// Health check (deep — verifies PostgreSQL + Redis)
	r.GET("/health", HealthCheck(deps.HealthCheckers...))

	// Rate limit rules
	rules := middleware.DefaultRateLimitRules()

	// rl returns the rate limiter middleware for a group, or a no-op if
	// rate limiting is disabled (no Redis store configured).
	rl := func(group string) gin.HandlerFunc {
		if deps.RateLimitStore == nil {
			return func(c *gin.Context) { c.Next() }
		}
		rule, ok := rules[group]
		if !ok {
			return func(c *gin.Context) { c.Next() }
		}
		return middleware.RateLimiter(deps.RateLimitStore, group, rule, deps.Logger)
	}

	cardHandler := NewCardHandler(deps.CardRepo, deps.Domain, deps.LnurlwBase)
	lnurlHandler := NewLnurlHandler(deps.TapAuth, deps.Sessions, deps.CallbackBase)

	// --- Admin (bearer-token authenticated) ---
	adminAuth := middleware.AdminAuth(deps.AdminToken)
	r.POST("/api/createboltcard", adminAuth, rl("admin"), cardHandler.CreateBoltCard)

	// --- LNURL protocol endpoints (unauthenticated; secured by the NFC
	// tap's own MAC and the one-time code's single-use guarantee) ---
	r.GET("/new", rl("new"), cardHandler.FetchProvisioning)
	r.GET("/ln", rl("ln"), lnurlHandler.Withdraw)
	r.GET("/ln/callback", rl("ln_callback"), lnurlHandler.Callback)

	return r
}

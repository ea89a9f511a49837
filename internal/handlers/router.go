package handlers

import (
	"net/http"

	"github.com/decred/slog"
	"github.com/gin-gonic/gin"

	"community-wager-backend/internal/config"
	"community-wager-backend/internal/middleware"
	"community-wager-backend/internal/services"
)

type RouterDeps struct {
	Config     *config.Config
	Store      services.DocumentStore
	Identities services.IdentityProvider
	Limiter    services.RateLimiter
	Challenges *services.ChallengeService
	Index      *services.ChallengeIndex
	Ledger     *services.Ledger
	Scheduler  *services.ExpirationScheduler
	Hub        *WebSocketHub
	Log        slog.Logger
}

func NewRouter(d RouterDeps) *gin.Engine {
	if d.Config.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(d.Log))

	challengeHandler := NewChallengeHandler(d.Challenges, d.Log)
	walletHandler := NewWalletHandler(d.Ledger, d.Log)
	adminHandler := NewAdminHandler(d.Challenges, d.Index, d.Scheduler, d.Ledger, d.Log)

	router.GET("/healthz", func(c *gin.Context) {
		if err := d.Store.Ping(c.Request.Context()); err != nil {
			d.Log.Warnf("Health check failed: %v", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	protected := router.Group("/")
	protected.Use(middleware.AuthMiddleware(d.Identities))
	{
		if d.Hub != nil {
			wsHandler := NewWebSocketHandler(d.Ledger, d.Hub, d.Config.AllowedOrigins, d.Log)
			protected.GET("/ws", wsHandler.HandleWebSocket)
		}

		challenges := protected.Group("/challenges")
		{
			challenges.POST("", challengeHandler.Create)
			challenges.POST("/score", challengeHandler.SubmitScore)
			challenges.GET("/history", challengeHandler.History)
			challenges.GET("/:id", challengeHandler.Get)
			challenges.GET("/:id/audit", challengeHandler.Audit)
			challenges.POST("/:id/accept", challengeHandler.Accept)
			challenges.POST("/:id/reject", challengeHandler.Reject)
			challenges.DELETE("/:id", challengeHandler.Cancel)
		}

		wallet := protected.Group("/wallet")
		{
			wallet.GET("", walletHandler.GetBalance)
			wallet.GET("/transactions", walletHandler.Transactions)
			wallet.POST("/withdraw",
				middleware.RateLimitMiddleware(d.Limiter, d.Config.RateLimits[config.OpWithdraw], config.OpWithdraw, d.Log),
				walletHandler.Withdraw)
		}

		admin := protected.Group("/admin")
		admin.Use(middleware.AdminOnly())
		{
			admin.GET("/challenges/stuck", adminHandler.StuckChallenges)
			admin.POST("/index/rebuild", adminHandler.RebuildIndex)
			admin.POST("/sweep", adminHandler.Sweep)
			admin.POST("/wallets/:userId/deposit", adminHandler.Deposit)
		}
	}

	return router
}

func requestLogger(log slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		log.Debugf("%s %s -> %d", c.Request.Method, c.Request.URL.Path, c.Writer.Status())
	}
}

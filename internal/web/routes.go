package web

import (
	"github.com/gin-gonic/gin"
)

// SetupRoutes configures all application routes.
func SetupRoutes(r *gin.Engine, h *Handlers, ah *AccountHandlers) {
	// Health endpoints (no rate limit)
	r.GET("/healthz", h.Liveness)
	r.GET("/ready", h.Readiness)

	// Webhook ingestion. Google retries aggressively on errors, so this
	// gets its own generous limiter instead of the API one.
	webhookRateLimiter := RateLimiter(50, 100)
	r.POST("/webhooks/google", webhookRateLimiter, h.GoogleWebhook)

	// API routes with rate limiting and content-type validation
	apiRateLimiter := RateLimiter(30, 60)
	api := r.Group("/api")
	api.Use(apiRateLimiter)
	api.Use(RequireJSONContentType())
	{
		api.GET("/stats", h.GetStats)
		api.GET("/accounts/:accountID", ah.GetAccount)
		api.POST("/accounts/:accountID/token", ah.RotateToken)
		api.DELETE("/accounts/:accountID", ah.UnlinkAccount)
		api.GET("/sync/runs/:syncID", h.GetSyncRun)
		api.GET("/accounts/:accountID/sync/history", h.GetSyncHistory)
		api.GET("/accounts/:accountID/conflicts", h.ListConflicts)
		api.POST("/accounts/:accountID/conflicts/resolve", h.ResolveAllConflicts)
		api.POST("/conflicts/:conflictID/resolve", h.ResolveConflict)
	}

	// Sync triggers hit the provider, so rate limit them harder
	triggerRateLimiter := RateLimiter(2, 5)
	triggers := r.Group("/api")
	triggers.Use(triggerRateLimiter)
	triggers.Use(RequireJSONContentType())
	{
		triggers.POST("/accounts", ah.LinkAccount)
		triggers.POST("/accounts/:accountID/sync", h.TriggerSync)
	}
}

package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"cleaning-sync-backend/config"
	"cleaning-sync-backend/internal/mw"
)

// NewRouter creates and configures a new Gin router.
func NewRouter(h *Handler, verifier *mw.TokenVerifier, cfg config.ServerConfig) *gin.Engine {
	r := gin.Default()

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/api/vapid_public_key", h.GetVAPIDPublicKey)

	rateLimiter := mw.RateLimiter(rate.Limit(cfg.RateLimitPerSec), cfg.RateLimitBurst)

	// Timing reports are recomputed from segments on every call; a short
	// per-caller cache absorbs dashboard polling.
	ttl := time.Duration(cfg.CacheTTLSeconds) * time.Second
	cacheStore := cache.New(ttl, 2*ttl)
	caching := mw.Cache(cacheStore, ttl)

	api := r.Group("/api")
	api.Use(mw.Authenticate(verifier), rateLimiter)
	{
		api.POST("/sync/batch", h.PostSyncBatch)
		api.GET("/sync/status", h.GetSyncStatus)

		api.GET("/tasks/:task_id", h.GetTask)
		api.POST("/tasks/:task_id/start", h.StartTask)
		api.POST("/tasks/:task_id/complete", h.CompleteTask)
		api.POST("/tasks/:task_id/checklist", h.UpdateChecklist)
		api.GET("/tasks/:task_id/timing", caching, h.GetTaskTiming)

		api.POST("/sites/:site_id/checkin", h.CheckIn())
		api.POST("/sites/:site_id/ping", h.Ping())
		api.POST("/sites/:site_id/checkout", h.CheckOut())
		api.GET("/sites/:site_id/timing/today", caching, h.GetTodayTiming)
		api.GET("/presence/status", h.GetPresenceStatus)

		api.GET("/subscriptions", h.GetSubscription)
		api.PUT("/subscriptions", h.PutSubscription)
		api.DELETE("/subscriptions", h.DeleteSubscription)
	}

	return r
}

package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"cleaning-sync-backend/internal/model"
	"cleaning-sync-backend/internal/store"
)

type putSubscriptionRequest struct {
	Endpoint string `json:"endpoint" binding:"required"`
	P256DH   string `json:"p256dh" binding:"required"`
	Auth     string `json:"auth" binding:"required"`
}

// PutSubscription registers the caller's browser for violation alerts of
// their tenant.
func (h *Handler) PutSubscription(c *gin.Context) {
	var req putSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_request", "message": "endpoint, p256dh and auth are required"})
		return
	}

	id := identity(c)
	subscription := model.PushSubscription{
		Endpoint: req.Endpoint,
		P256DH:   req.P256DH,
		Auth:     req.Auth,
		TenantID: id.TenantID,
		UserID:   id.CleanerID,
	}
	if err := h.store.UpsertSubscription(c.Request.Context(), &subscription); err != nil {
		h.writeError(c, err)
		return
	}

	c.Status(http.StatusCreated)
}

type deleteSubscriptionRequest struct {
	Endpoint string `json:"endpoint" binding:"required"`
}

// DeleteSubscription handles the deletion of a subscription.
func (h *Handler) DeleteSubscription(c *gin.Context) {
	var req deleteSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_request", "message": "endpoint is required"})
		return
	}

	if _, ok := h.ownSubscription(c, req.Endpoint); !ok {
		return
	}
	if err := h.store.DeleteSubscription(c.Request.Context(), req.Endpoint); err != nil {
		h.writeError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func rawQueryParam(rawQuery, key string) (string, bool) {
	for _, kv := range strings.Split(rawQuery, "&") {
		if strings.HasPrefix(kv, key+"=") {
			// Push endpoints are matched byte for byte, so no URL decoding.
			return kv[len(key)+1:], true
		}
	}
	return "", false
}

// GetSubscription reports whether an endpoint is registered for the caller.
func (h *Handler) GetSubscription(c *gin.Context) {
	raw, ok := rawQueryParam(c.Request.URL.RawQuery, "endpoint")
	if !ok || raw == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_request", "message": "endpoint is required"})
		return
	}

	sub, ok := h.ownSubscription(c, raw)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"endpoint": sub.Endpoint, "tenant_id": sub.TenantID, "created_at": sub.CreatedAt})
}

// ownSubscription loads endpoint and hides subscriptions of other tenants.
func (h *Handler) ownSubscription(c *gin.Context, endpoint string) (*model.PushSubscription, bool) {
	sub, err := h.store.GetSubscription(c.Request.Context(), endpoint)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"code": "subscription_not_found", "message": "subscription not found"})
		} else {
			h.writeError(c, err)
		}
		return nil, false
	}
	if sub.TenantID != identity(c).TenantID {
		c.JSON(http.StatusNotFound, gin.H{"code": "subscription_not_found", "message": "subscription not found"})
		return nil, false
	}
	return sub, true
}

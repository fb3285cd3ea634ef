// Package notification pushes geofence violation alerts to supervisors.
package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"
	"go.uber.org/zap"

	"cleaning-sync-backend/internal/model"
	"cleaning-sync-backend/internal/store"
)

// NotificationSender defines the interface for sending a web push notification.
type NotificationSender interface {
	Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

// WebPushSender is a real implementation of NotificationSender using the webpush library.
type WebPushSender struct{}

// Send sends a notification using the webpush library.
func (s *WebPushSender) Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	return webpush.SendNotification(payload, sub, options)
}

// Alert is the push payload shown to supervisors.
type Alert struct {
	Title     string  `json:"title"`
	Body      string  `json:"body"`
	SiteID    int64   `json:"site_id"`
	TaskID    *int64  `json:"task_id,omitempty"`
	CleanerID int64   `json:"cleaner_id"`
	Phase     string  `json:"phase"`
	Reason    string  `json:"reason"`
	Distance  float64 `json:"distance_meters,omitempty"`
}

// WorkerPool fans violation alerts out to the tenant's push subscriptions.
type WorkerPool struct {
	size    int
	jobs    chan *model.GeofenceViolation
	store   store.Store
	webpush *webpush.Options
	sender  NotificationSender
	logger  *zap.Logger
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(size, queueSize int, s store.Store, webpushOptions *webpush.Options, logger *zap.Logger) *WorkerPool {
	return &WorkerPool{
		size:    size,
		jobs:    make(chan *model.GeofenceViolation, queueSize),
		store:   s,
		webpush: webpushOptions,
		sender:  &WebPushSender{},
		logger:  logger,
	}
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < wp.size; i++ {
		go wp.worker(ctx, i)
	}
}

func (wp *WorkerPool) worker(ctx context.Context, id int) {
	wp.logger.Debug("alert worker started", zap.Int("worker", id))
	for {
		select {
		case v := <-wp.jobs:
			wp.notifyTenant(ctx, v)
		case <-ctx.Done():
			wp.logger.Debug("alert worker shutting down", zap.Int("worker", id))
			return
		}
	}
}

// Alert queues a violation for delivery. A full queue drops the alert; the
// violation row itself is already persisted.
func (wp *WorkerPool) Alert(v *model.GeofenceViolation) {
	if v == nil {
		return
	}
	select {
	case wp.jobs <- v:
	default:
		wp.logger.Warn("alert queue full; dropping push",
			zap.Int64("site_id", v.SiteID),
			zap.Int64("cleaner_id", v.CleanerID),
		)
	}
}

func (wp *WorkerPool) notifyTenant(ctx context.Context, v *model.GeofenceViolation) {
	subscriptions, err := wp.store.ListTenantSubscriptions(ctx, v.TenantID)
	if err != nil {
		wp.logger.Error("failed to fetch subscriptions", zap.Int64("tenant_id", v.TenantID), zap.Error(err))
		return
	}
	if len(subscriptions) == 0 {
		return
	}

	siteLabel := fmt.Sprintf("#%d", v.SiteID)
	if site, err := wp.store.GetSiteByID(ctx, v.SiteID); err != nil {
		wp.logger.Warn("failed to load site for alert", zap.Int64("site_id", v.SiteID), zap.Error(err))
	} else if site.Name != "" {
		siteLabel = site.Name
	}

	payload, err := json.Marshal(buildAlert(v, siteLabel))
	if err != nil {
		wp.logger.Error("failed to encode alert", zap.Error(err))
		return
	}

	wp.logger.Info("sending violation alerts",
		zap.Int("subscriptions", len(subscriptions)),
		zap.Int64("site_id", v.SiteID),
		zap.String("phase", string(v.Phase)),
	)
	for _, sub := range subscriptions {
		wp.sendNotification(ctx, sub, payload)
	}
}

func buildAlert(v *model.GeofenceViolation, siteLabel string) Alert {
	a := Alert{
		Title:     "Geofence violation",
		Body:      fmt.Sprintf("Cleaner %d was outside %s during %s (%s)", v.CleanerID, siteLabel, v.Phase, v.Reason),
		SiteID:    v.SiteID,
		TaskID:    v.TaskID,
		CleanerID: v.CleanerID,
		Phase:     string(v.Phase),
		Reason:    v.Reason,
	}
	if v.DistanceMeters != nil {
		a.Distance = *v.DistanceMeters
	}
	return a
}

func (wp *WorkerPool) sendNotification(ctx context.Context, sub model.PushSubscription, payload []byte) {
	wpSub := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256DH,
			Auth:   sub.Auth,
		},
	}

	resp, err := wp.sender.Send(payload, wpSub, wp.webpush)
	if err != nil {
		wp.logger.Warn("failed to send alert", zap.String("endpoint", sub.Endpoint), zap.Error(err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusGone {
		wp.logger.Info("subscription expired; deleting", zap.String("endpoint", sub.Endpoint))
		if err := wp.store.DeleteSubscription(ctx, sub.Endpoint); err != nil {
			wp.logger.Error("failed to delete expired subscription", zap.String("endpoint", sub.Endpoint), zap.Error(err))
		}
	}
}

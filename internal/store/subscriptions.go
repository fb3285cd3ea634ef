package store

import (
	"context"
	"fmt"

	"gorm.io/gorm/clause"

	"cleaning-sync-backend/internal/model"
)

// UpsertSubscription creates or refreshes a supervisor push subscription.
func (s *gormStore) UpsertSubscription(ctx context.Context, sub *model.PushSubscription) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "endpoint"}},
		DoUpdates: clause.AssignmentColumns([]string{"p256dh", "auth", "tenant_id", "user_id"}),
	}).Create(sub).Error
	if err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return nil
}

// GetSubscription loads a subscription by endpoint.
func (s *gormStore) GetSubscription(ctx context.Context, endpoint string) (*model.PushSubscription, error) {
	var sub model.PushSubscription
	if err := s.db.WithContext(ctx).First(&sub, "endpoint = ?", endpoint).Error; err != nil {
		return nil, notFound(err, "subscription")
	}
	return &sub, nil
}

// DeleteSubscription removes a subscription. Missing endpoints are not an error.
func (s *gormStore) DeleteSubscription(ctx context.Context, endpoint string) error {
	if err := s.db.WithContext(ctx).Delete(&model.PushSubscription{Endpoint: endpoint}).Error; err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	return nil
}

// ListTenantSubscriptions returns every subscription of a tenant.
func (s *gormStore) ListTenantSubscriptions(ctx context.Context, tenantID int64) ([]model.PushSubscription, error) {
	var subs []model.PushSubscription
	if err := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Find(&subs).Error; err != nil {
		return nil, fmt.Errorf("failed to list subscriptions of tenant %d: %w", tenantID, err)
	}
	return subs, nil
}

package store

import (
	"context"
	"fmt"

	"cleaning-sync-backend/internal/model"
)

// AppendEvent writes an audit event. Events are never updated.
func (s *gormStore) AppendEvent(ctx context.Context, event *model.TaskEvent) error {
	if err := s.db.WithContext(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("failed to append %s event for task %d: %w", event.EventType, event.TaskID, err)
	}
	return nil
}

// LogViolation writes a geofence violation row.
func (s *gormStore) LogViolation(ctx context.Context, violation *model.GeofenceViolation) error {
	if err := s.db.WithContext(ctx).Create(violation).Error; err != nil {
		return fmt.Errorf("failed to log %s geofence violation: %w", violation.Phase, err)
	}
	return nil
}

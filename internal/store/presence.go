package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"cleaning-sync-backend/internal/model"
)

// SegmentEnd describes how an open presence segment is closed.
type SegmentEnd struct {
	At             time.Time
	Lat            *float64
	Lng            *float64
	DistanceMeters *float64
}

// FindActiveSession returns the cleaner's active session, or nil.
func (s *gormStore) FindActiveSession(ctx context.Context, cleanerID int64) (*model.ObjectSession, error) {
	var session model.ObjectSession
	err := s.db.WithContext(ctx).
		Where("cleaner_id = ? AND status = ?", cleanerID, model.SessionActive).
		First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up active session of cleaner %d: %w", cleanerID, err)
	}
	return &session, nil
}

// GetSession loads a session by id.
func (s *gormStore) GetSession(ctx context.Context, sessionID int64) (*model.ObjectSession, error) {
	var session model.ObjectSession
	if err := s.db.WithContext(ctx).First(&session, sessionID).Error; err != nil {
		return nil, notFound(err, fmt.Sprintf("session %d", sessionID))
	}
	return &session, nil
}

// CreateSession inserts an active session together with its first segment.
// A unique violation means the cleaner already holds an active session.
func (s *gormStore) CreateSession(ctx context.Context, session *model.ObjectSession, first *model.ObjectPresenceSegment) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(session).Error; err != nil {
			return fmt.Errorf("failed to create session for cleaner %d: %w", session.CleanerID, err)
		}
		if first == nil {
			return nil
		}
		first.SessionID = session.ID
		if err := tx.Omit("Session").Create(first).Error; err != nil {
			return fmt.Errorf("failed to open first segment of session %d: %w", session.ID, err)
		}
		return nil
	})
}

// UpdateSession applies updates to a session.
func (s *gormStore) UpdateSession(ctx context.Context, sessionID int64, updates map[string]any) error {
	if err := s.db.WithContext(ctx).Model(&model.ObjectSession{}).Where("id = ?", sessionID).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to update session %d: %w", sessionID, err)
	}
	return nil
}

// FindOpenSegment returns the open segment of a session, or nil.
func (s *gormStore) FindOpenSegment(ctx context.Context, sessionID int64) (*model.ObjectPresenceSegment, error) {
	var segment model.ObjectPresenceSegment
	err := s.db.WithContext(ctx).
		Where("session_id = ? AND ended_at IS NULL", sessionID).
		Order("started_at DESC").
		First(&segment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up open segment of session %d: %w", sessionID, err)
	}
	return &segment, nil
}

// OpenSegment inserts a new open segment. A unique violation means another
// request opened one concurrently.
func (s *gormStore) OpenSegment(ctx context.Context, segment *model.ObjectPresenceSegment) error {
	if err := s.db.WithContext(ctx).Omit("Session").Create(segment).Error; err != nil {
		return fmt.Errorf("failed to open segment for session %d: %w", segment.SessionID, err)
	}
	return nil
}

// CloseSegment closes an open segment. It reports false when the segment was
// already closed by someone else.
func (s *gormStore) CloseSegment(ctx context.Context, segmentID int64, end SegmentEnd) (bool, error) {
	updates := map[string]any{"ended_at": end.At}
	if end.Lat != nil && end.Lng != nil {
		updates["end_lat"] = *end.Lat
		updates["end_lng"] = *end.Lng
	}
	if end.DistanceMeters != nil {
		updates["end_distance_meters"] = *end.DistanceMeters
	}

	res := s.db.WithContext(ctx).
		Model(&model.ObjectPresenceSegment{}).
		Where("id = ? AND ended_at IS NULL", segmentID).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("failed to close segment %d: %w", segmentID, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// ListSessionSegments returns every segment of a session in time order.
func (s *gormStore) ListSessionSegments(ctx context.Context, sessionID int64) ([]model.ObjectPresenceSegment, error) {
	var segments []model.ObjectPresenceSegment
	if err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("started_at ASC, id ASC").
		Find(&segments).Error; err != nil {
		return nil, fmt.Errorf("failed to list segments of session %d: %w", sessionID, err)
	}
	return segments, nil
}

// ListSegmentsInWindow returns the cleaner's segments at a site that overlap [from, to).
func (s *gormStore) ListSegmentsInWindow(ctx context.Context, cleanerID, siteID int64, from, to time.Time) ([]model.ObjectPresenceSegment, error) {
	var segments []model.ObjectPresenceSegment
	if err := s.db.WithContext(ctx).
		Where("cleaner_id = ? AND site_id = ?", cleanerID, siteID).
		Where("started_at < ? AND (ended_at IS NULL OR ended_at > ?)", to.UTC(), from.UTC()).
		Order("started_at ASC, id ASC").
		Find(&segments).Error; err != nil {
		return nil, fmt.Errorf("failed to list segments of cleaner %d at site %d: %w", cleanerID, siteID, err)
	}
	return segments, nil
}

// Package presence turns discrete location pings into continuous on-site and
// off-site segments of a check-in session.
package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"cleaning-sync-backend/internal/apperr"
	"cleaning-sync-backend/internal/audit"
	"cleaning-sync-backend/internal/geofence"
	"cleaning-sync-backend/internal/model"
	"cleaning-sync-backend/internal/store"
)

// Coordinates is a reported position. Both fields are optional.
type Coordinates struct {
	Lat *float64 `json:"lat,omitempty"`
	Lng *float64 `json:"lng,omitempty"`
}

// SessionStatus is a session with its segments and timing.
type SessionStatus struct {
	Session  *model.ObjectSession          `json:"session"`
	Segments []model.ObjectPresenceSegment `json:"segments"`
	Timing   Timing                        `json:"timing"`
	Geofence *geofence.Result              `json:"geofence,omitempty"`
}

// Tracker manages check-in sessions and their presence segments.
type Tracker struct {
	store         store.Store
	recorder      *audit.Recorder
	defaultRadius float64
	loc           *time.Location
	logger        *zap.Logger
	now           func() time.Time
}

// NewTracker creates a presence tracker. Daily reports use loc.
func NewTracker(s store.Store, recorder *audit.Recorder, defaultRadius float64, loc *time.Location, logger *zap.Logger) *Tracker {
	if loc == nil {
		loc = time.UTC
	}
	return &Tracker{
		store:         s,
		recorder:      recorder,
		defaultRadius: defaultRadius,
		loc:           loc,
		logger:        logger,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// CheckIn opens a session at siteID. An active session at the same site is
// returned as is.
func (t *Tracker) CheckIn(ctx context.Context, id model.Identity, siteID int64, c Coordinates) (*SessionStatus, error) {
	st, err := t.checkIn(ctx, id, siteID, c)
	return st, normalize(err)
}

func (t *Tracker) checkIn(ctx context.Context, id model.Identity, siteID int64, c Coordinates) (*SessionStatus, error) {
	site, err := t.site(ctx, id, siteID)
	if err != nil {
		return nil, err
	}

	active, err := t.store.FindActiveSession(ctx, id.CleanerID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return t.existing(ctx, active, siteID)
	}

	reported := geofence.NewPoint(c.Lat, c.Lng)
	res := t.evaluate(site, reported)
	if !res.Allowed {
		if err := t.recorder.Violation(ctx, audit.Denial{
			Identity: id,
			SiteID:   site.ID,
			Phase:    model.PhaseCheckin,
			Result:   res,
			Reported: reported,
		}); err != nil {
			return nil, err
		}
		return nil, apperr.GeofenceBlocked(fmt.Sprintf("check-in denied: %s", res.Reason))
	}

	now := t.now()
	distance := geofence.Round2Ptr(res.DistanceMeters)
	session := &model.ObjectSession{
		TenantID:              id.TenantID,
		SiteID:                site.ID,
		CleanerID:             id.CleanerID,
		Status:                model.SessionActive,
		CheckinAt:             now,
		CheckinLat:            c.Lat,
		CheckinLng:            c.Lng,
		CheckinDistanceMeters: distance,
		LastLat:               c.Lat,
		LastLng:               c.Lng,
		LastDistanceMeters:    distance,
		IsInside:              true,
		LastPresenceAt:        &now,
	}
	first := &model.ObjectPresenceSegment{
		SiteID:              site.ID,
		CleanerID:           id.CleanerID,
		IsInside:            true,
		StartedAt:           now,
		StartLat:            c.Lat,
		StartLng:            c.Lng,
		StartDistanceMeters: distance,
	}

	if err := t.store.CreateSession(ctx, session, first); err != nil {
		if !store.IsUniqueViolation(err) {
			return nil, err
		}
		// Another check-in won the race; its session is canonical.
		active, findErr := t.store.FindActiveSession(ctx, id.CleanerID)
		if findErr != nil {
			return nil, findErr
		}
		if active == nil {
			return nil, fmt.Errorf("active session vanished after conflict: %w", err)
		}
		return t.existing(ctx, active, siteID)
	}

	t.logger.Info("checked in",
		zap.Int64("cleaner_id", id.CleanerID),
		zap.Int64("site_id", site.ID),
		zap.Int64("session_id", session.ID),
	)
	st, err := t.status(ctx, session, now)
	if err != nil {
		return nil, err
	}
	st.Geofence = &res
	return st, nil
}

// Ping records a presence reading. Readings outside the geofence are logged
// as violations but never rejected.
func (t *Tracker) Ping(ctx context.Context, id model.Identity, siteID int64, c Coordinates) (*SessionStatus, error) {
	st, err := t.ping(ctx, id, siteID, c)
	return st, normalize(err)
}

func (t *Tracker) ping(ctx context.Context, id model.Identity, siteID int64, c Coordinates) (*SessionStatus, error) {
	site, err := t.site(ctx, id, siteID)
	if err != nil {
		return nil, err
	}
	session, err := t.activeAt(ctx, id, siteID)
	if err != nil {
		return nil, err
	}

	reported := geofence.NewPoint(c.Lat, c.Lng)
	res := t.evaluate(site, reported)
	inside := res.Inside()
	if !inside {
		sessionID := session.ID
		if err := t.recorder.Violation(ctx, audit.Denial{
			Identity:  id,
			SiteID:    site.ID,
			SessionID: &sessionID,
			Phase:     model.PhasePresence,
			Result:    res,
			Reported:  reported,
		}); err != nil {
			t.logger.Warn("failed to log presence violation", zap.Int64("session_id", session.ID), zap.Error(err))
		}
	}

	now := t.now()
	distance := geofence.Round2Ptr(res.DistanceMeters)
	err = t.store.Transaction(ctx, func(tx store.Store) error {
		open, err := tx.FindOpenSegment(ctx, session.ID)
		if err != nil {
			return err
		}
		if open != nil && open.IsInside != inside {
			if _, err := tx.CloseSegment(ctx, open.ID, store.SegmentEnd{At: now, Lat: c.Lat, Lng: c.Lng, DistanceMeters: distance}); err != nil {
				return err
			}
			open = nil
		}
		if open == nil {
			if err := t.openSegment(ctx, tx, session, inside, now, c, distance); err != nil {
				return err
			}
		}

		updates := map[string]any{"is_inside": inside, "last_presence_at": now}
		if reported != nil {
			updates["last_lat"] = reported.Lat
			updates["last_lng"] = reported.Lng
			updates["last_distance_meters"] = distance
		}
		return tx.UpdateSession(ctx, session.ID, updates)
	})
	if err != nil {
		return nil, err
	}

	updated, err := t.store.GetSession(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	st, err := t.status(ctx, updated, now)
	if err != nil {
		return nil, err
	}
	st.Geofence = &res
	return st, nil
}

// CheckOut closes the active session at siteID. Without coordinates the last
// known position of the session is used.
func (t *Tracker) CheckOut(ctx context.Context, id model.Identity, siteID int64, c Coordinates) (*SessionStatus, error) {
	st, err := t.checkOut(ctx, id, siteID, c)
	return st, normalize(err)
}

func (t *Tracker) checkOut(ctx context.Context, id model.Identity, siteID int64, c Coordinates) (*SessionStatus, error) {
	site, err := t.site(ctx, id, siteID)
	if err != nil {
		return nil, err
	}
	session, err := t.activeAt(ctx, id, siteID)
	if err != nil {
		return nil, err
	}

	lat, lng, distance, inside := session.LastLat, session.LastLng, session.LastDistanceMeters, session.IsInside
	var res *geofence.Result
	if reported := geofence.NewPoint(c.Lat, c.Lng); reported != nil {
		r := t.evaluate(site, reported)
		res = &r
		if !r.Allowed {
			sessionID := session.ID
			if err := t.recorder.Violation(ctx, audit.Denial{
				Identity:  id,
				SiteID:    site.ID,
				SessionID: &sessionID,
				Phase:     model.PhaseCheckout,
				Result:    r,
				Reported:  reported,
			}); err != nil {
				return nil, err
			}
			return nil, apperr.GeofenceBlocked(fmt.Sprintf("check-out denied: %s", r.Reason))
		}
		lat, lng, distance, inside = c.Lat, c.Lng, geofence.Round2Ptr(r.DistanceMeters), true
	}

	now := t.now()
	err = t.store.Transaction(ctx, func(tx store.Store) error {
		open, err := tx.FindOpenSegment(ctx, session.ID)
		if err != nil {
			return err
		}
		if open != nil {
			if _, err := tx.CloseSegment(ctx, open.ID, store.SegmentEnd{At: now, Lat: lat, Lng: lng, DistanceMeters: distance}); err != nil {
				return err
			}
		}
		return tx.UpdateSession(ctx, session.ID, map[string]any{
			"status":                   model.SessionClosed,
			"checkout_at":              now,
			"checkout_lat":             lat,
			"checkout_lng":             lng,
			"checkout_distance_meters": distance,
			"is_inside":                inside,
			"last_presence_at":         now,
		})
	})
	if err != nil {
		return nil, err
	}

	closed, err := t.store.GetSession(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	t.logger.Info("checked out",
		zap.Int64("cleaner_id", id.CleanerID),
		zap.Int64("site_id", site.ID),
		zap.Int64("session_id", session.ID),
	)
	st, err := t.status(ctx, closed, now)
	if err != nil {
		return nil, err
	}
	st.Geofence = res
	return st, nil
}

// Status returns the cleaner's active session, or an empty status when the
// cleaner is not checked in anywhere.
func (t *Tracker) Status(ctx context.Context, id model.Identity) (*SessionStatus, error) {
	active, err := t.store.FindActiveSession(ctx, id.CleanerID)
	if err != nil {
		return nil, normalize(err)
	}
	if active == nil {
		return &SessionStatus{Segments: []model.ObjectPresenceSegment{}}, nil
	}
	st, err := t.status(ctx, active, t.now())
	return st, normalize(err)
}

// TodayTiming reports the cleaner's presence at siteID during the current day
// in the configured timezone.
func (t *Tracker) TodayTiming(ctx context.Context, id model.Identity, siteID int64, now time.Time) (Timing, error) {
	if _, err := t.site(ctx, id, siteID); err != nil {
		return Timing{}, normalize(err)
	}

	local := now.In(t.loc)
	dayStart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, t.loc)
	dayEnd := dayStart.AddDate(0, 0, 1)

	segments, err := t.store.ListSegmentsInWindow(ctx, id.CleanerID, siteID, dayStart, dayEnd)
	if err != nil {
		return Timing{}, normalize(err)
	}
	return Aggregate(segments, now, &Window{Start: dayStart, End: dayEnd}), nil
}

// TaskTiming reports the cleaner's presence during a task's own interval.
// A task that has not started has zero timing.
func (t *Tracker) TaskTiming(ctx context.Context, id model.Identity, taskID int64, now time.Time) (Timing, error) {
	task, err := t.store.GetTaskForCleaner(ctx, taskID, id.CleanerID, id.TenantID)
	if errors.Is(err, store.ErrNotFound) {
		return Timing{}, apperr.NotFound(apperr.CodeTaskNotFound, fmt.Sprintf("task %d not found", taskID))
	}
	if err != nil {
		return Timing{}, normalize(err)
	}
	if task.StartedAt == nil {
		return Timing{}, nil
	}

	end := now
	if task.CompletedAt != nil {
		end = *task.CompletedAt
	}
	segments, err := t.store.ListSegmentsInWindow(ctx, id.CleanerID, task.SiteID, *task.StartedAt, end)
	if err != nil {
		return Timing{}, normalize(err)
	}
	return ForInterval(segments, *task.StartedAt, task.CompletedAt, now), nil
}

func (t *Tracker) site(ctx context.Context, id model.Identity, siteID int64) (*model.Site, error) {
	site, err := t.store.GetSite(ctx, id.TenantID, siteID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound(apperr.CodeSiteNotFound, fmt.Sprintf("site %d not found", siteID))
	}
	return site, err
}

func (t *Tracker) activeAt(ctx context.Context, id model.Identity, siteID int64) (*model.ObjectSession, error) {
	session, err := t.store.FindActiveSession(ctx, id.CleanerID)
	if err != nil {
		return nil, err
	}
	if session == nil || session.SiteID != siteID {
		return nil, apperr.NotFound(apperr.CodeSessionNotFound, fmt.Sprintf("no active session at site %d", siteID))
	}
	return session, nil
}

// existing answers a check-in when the cleaner already holds an active session.
func (t *Tracker) existing(ctx context.Context, active *model.ObjectSession, siteID int64) (*SessionStatus, error) {
	if active.SiteID != siteID {
		return nil, apperr.Conflict(apperr.CodeActiveSessionConflict,
			fmt.Sprintf("already checked in at site %d", active.SiteID))
	}
	return t.status(ctx, active, t.now())
}

func (t *Tracker) evaluate(site *model.Site, reported *geofence.Point) geofence.Result {
	return geofence.Evaluate(geofence.NewPoint(site.Latitude, site.Longitude), site.RadiusOr(t.defaultRadius), reported)
}

// openSegment opens a segment. Losing the race on the open-segment index
// means a concurrent ping opened it, which is just as good.
func (t *Tracker) openSegment(ctx context.Context, tx store.Store, session *model.ObjectSession, inside bool, now time.Time, c Coordinates, distance *float64) error {
	segment := &model.ObjectPresenceSegment{
		SessionID:           session.ID,
		SiteID:              session.SiteID,
		CleanerID:           session.CleanerID,
		IsInside:            inside,
		StartedAt:           now,
		StartLat:            c.Lat,
		StartLng:            c.Lng,
		StartDistanceMeters: distance,
	}
	err := tx.Transaction(ctx, func(sp store.Store) error {
		return sp.OpenSegment(ctx, segment)
	})
	if store.IsUniqueViolation(err) {
		return nil
	}
	return err
}

func (t *Tracker) status(ctx context.Context, session *model.ObjectSession, now time.Time) (*SessionStatus, error) {
	segments, err := t.store.ListSessionSegments(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	if session.CheckoutAt != nil {
		now = *session.CheckoutAt
	}
	return &SessionStatus{
		Session:  session,
		Segments: segments,
		Timing:   Aggregate(segments, now, nil),
	}, nil
}

func normalize(err error) error {
	if err == nil {
		return nil
	}
	return apperr.Normalize(err)
}

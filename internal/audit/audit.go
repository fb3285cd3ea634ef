// Package audit records denied geofence checks and raises supervisor alerts.
package audit

import (
	"context"

	"go.uber.org/zap"

	"cleaning-sync-backend/internal/events"
	"cleaning-sync-backend/internal/geofence"
	"cleaning-sync-backend/internal/model"
	"cleaning-sync-backend/internal/store"
)

// Alerter notifies supervisors about a logged violation without blocking.
type Alerter interface {
	Alert(violation *model.GeofenceViolation)
}

// Recorder writes violation rows, their task-scoped audit events and alerts.
type Recorder struct {
	store   store.Store
	emitter *events.Emitter
	alerter Alerter
	logger  *zap.Logger
}

// NewRecorder creates a recorder. alerter may be nil.
func NewRecorder(s store.Store, emitter *events.Emitter, alerter Alerter, logger *zap.Logger) *Recorder {
	return &Recorder{store: s, emitter: emitter, alerter: alerter, logger: logger}
}

// Denial describes a denied geofence check.
type Denial struct {
	Identity  model.Identity
	SiteID    int64
	TaskID    *int64
	SessionID *int64
	Phase     model.GeofencePhase
	Result    geofence.Result
	Reported  *geofence.Point
}

// Violation logs a denied check. When the denial concerns a task, a
// geofence_violation event is appended to the task's audit trail as well.
func (r *Recorder) Violation(ctx context.Context, d Denial) error {
	v := &model.GeofenceViolation{
		TenantID:            d.Identity.TenantID,
		SiteID:              d.SiteID,
		TaskID:              d.TaskID,
		SessionID:           d.SessionID,
		CleanerID:           d.Identity.CleanerID,
		Phase:               d.Phase,
		Reason:              d.Result.Reason,
		DistanceMeters:      geofence.Round2Ptr(d.Result.DistanceMeters),
		AllowedRadiusMeters: d.Result.AllowedRadiusMeters,
	}
	if d.Reported != nil {
		lat, lng := d.Reported.Lat, d.Reported.Lng
		v.Latitude, v.Longitude = &lat, &lng
	}

	var event *model.TaskEvent
	err := r.store.Transaction(ctx, func(tx store.Store) error {
		if err := tx.LogViolation(ctx, v); err != nil {
			return err
		}
		if d.TaskID == nil {
			return nil
		}
		event = &model.TaskEvent{
			TaskID:    *d.TaskID,
			ActorID:   d.Identity.CleanerID,
			EventType: model.EventGeofenceViolation,
			Metadata: events.Metadata(map[string]any{
				"phase":                 d.Phase,
				"reason":                v.Reason,
				"distance_meters":       v.DistanceMeters,
				"allowed_radius_meters": v.AllowedRadiusMeters,
			}),
		}
		return tx.AppendEvent(ctx, event)
	})
	if err != nil {
		return err
	}

	r.logger.Info("geofence violation",
		zap.Int64("cleaner_id", v.CleanerID),
		zap.Int64("site_id", v.SiteID),
		zap.String("phase", string(v.Phase)),
		zap.String("reason", v.Reason),
	)
	r.emitter.Emit(ctx, event)
	if r.alerter != nil {
		r.alerter.Alert(v)
	}
	return nil
}

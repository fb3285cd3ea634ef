// Package task implements the cleaner-facing task state machine:
// pending -> in_progress -> completed.
package task

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"cleaning-sync-backend/internal/apperr"
	"cleaning-sync-backend/internal/audit"
	"cleaning-sync-backend/internal/blob"
	"cleaning-sync-backend/internal/checklist"
	"cleaning-sync-backend/internal/events"
	"cleaning-sync-backend/internal/geofence"
	"cleaning-sync-backend/internal/model"
	"cleaning-sync-backend/internal/store"
)

// Photo references a task photo. Either URL is set, or Data holds the base64
// encoded image and ContentType its MIME type.
type Photo struct {
	URL         string `json:"url,omitempty"`
	Data        string `json:"data,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

// StartInput is the payload of a start action.
type StartInput struct {
	Lat         *float64 `json:"lat,omitempty"`
	Lng         *float64 `json:"lng,omitempty"`
	PhotoBefore *Photo   `json:"photo_before,omitempty"`
}

// CompleteInput is the payload of a complete action.
type CompleteInput struct {
	Lat        *float64 `json:"lat,omitempty"`
	Lng        *float64 `json:"lng,omitempty"`
	PhotoAfter *Photo   `json:"photo_after,omitempty"`
}

// ChecklistInput is the payload of an update_checklist action.
type ChecklistInput struct {
	Items []model.ChecklistItem `json:"items"`
}

// CommitHook runs inside the action's transaction after the task mutation and
// its audit event were written. Returning an error rolls the action back.
type CommitHook func(ctx context.Context, tx store.Store, task *model.Task) error

// RatingDispatcher hands completed tasks to the asynchronous photo rater.
type RatingDispatcher interface {
	Enabled() bool
	// Dispatch queues the task without blocking. It reports false when the
	// queue is full.
	Dispatch(taskID int64) bool
}

// Service executes task actions for an authenticated cleaner.
type Service struct {
	store         store.Store
	checklists    checklist.Provider
	blobs         blob.Store
	rater         RatingDispatcher
	recorder      *audit.Recorder
	emitter       *events.Emitter
	defaultRadius float64
	logger        *zap.Logger
	now           func() time.Time
}

// Deps groups the collaborators of a Service.
type Deps struct {
	Store         store.Store
	Checklists    checklist.Provider
	Blobs         blob.Store
	Rater         RatingDispatcher
	Recorder      *audit.Recorder
	Emitter       *events.Emitter
	DefaultRadius float64
	Logger        *zap.Logger
}

// NewService creates a task service.
func NewService(d Deps) *Service {
	return &Service{
		store:         d.Store,
		checklists:    d.Checklists,
		blobs:         d.Blobs,
		rater:         d.Rater,
		recorder:      d.Recorder,
		emitter:       d.Emitter,
		defaultRadius: d.DefaultRadius,
		logger:        d.Logger,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Snapshot returns the current state of a task owned by the caller.
func (s *Service) Snapshot(ctx context.Context, id model.Identity, taskID int64) (*model.Task, error) {
	t, err := s.load(ctx, id, taskID)
	if err != nil {
		return nil, apperr.Normalize(err)
	}
	return t, nil
}

// Start moves a task to in_progress. Starting an in_progress task again keeps
// the original start time.
func (s *Service) Start(ctx context.Context, id model.Identity, taskID int64, in StartInput, hook CommitHook) (*model.Task, error) {
	t, err := s.start(ctx, id, taskID, in, hook)
	return t, normalize(err)
}

func (s *Service) start(ctx context.Context, id model.Identity, taskID int64, in StartInput, hook CommitHook) (*model.Task, error) {
	t, err := s.load(ctx, id, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status == model.TaskStatusCompleted {
		return nil, apperr.Precondition(apperr.CodeTaskCompleted, "task is already completed")
	}

	res, err := s.gate(ctx, id, t, model.PhaseStart, in.Lat, in.Lng)
	if err != nil {
		return nil, err
	}

	photoURL, err := s.storePhoto(ctx, in.PhotoBefore)
	if err != nil {
		return nil, err
	}
	if _, err := s.checklists.GetOrCreate(ctx, t); err != nil {
		return nil, err
	}

	now := s.now()
	updates := map[string]any{
		"status":     model.TaskStatusInProgress,
		"started_at": gorm.Expr("COALESCE(started_at, ?)", now),
	}
	setCoordinates(updates, "checkin", in.Lat, in.Lng, res.DistanceMeters)
	if photoURL != "" {
		updates["photo_before_url"] = photoURL
	}

	event := &model.TaskEvent{
		TaskID:    t.ID,
		ActorID:   id.CleanerID,
		EventType: model.EventTaskStarted,
		Metadata: events.Metadata(map[string]any{
			"distance_meters": geofence.Round2Ptr(res.DistanceMeters),
			"photo_before":    photoURL != "",
		}),
	}

	err = s.store.Transaction(ctx, func(tx store.Store) error {
		ok, err := tx.UpdateTaskIfStatus(ctx, t.ID,
			[]model.TaskStatus{model.TaskStatusPending, model.TaskStatusInProgress}, updates)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.Precondition(apperr.CodeTaskCompleted, "task is already completed")
		}
		if err := tx.AppendEvent(ctx, event); err != nil {
			return err
		}
		return runHook(ctx, hook, tx, t)
	})
	if err != nil {
		return nil, err
	}

	s.emitter.Emit(ctx, event)
	s.logger.Info("task started", zap.Int64("task_id", t.ID), zap.Int64("cleaner_id", id.CleanerID))
	return s.store.GetTask(ctx, t.ID)
}

// Complete moves an in_progress task to completed and hands its photos to the
// rater. Rating problems never fail the completion.
func (s *Service) Complete(ctx context.Context, id model.Identity, taskID int64, in CompleteInput, hook CommitHook) (*model.Task, error) {
	t, err := s.complete(ctx, id, taskID, in, hook)
	return t, normalize(err)
}

func (s *Service) complete(ctx context.Context, id model.Identity, taskID int64, in CompleteInput, hook CommitHook) (*model.Task, error) {
	t, err := s.load(ctx, id, taskID)
	if err != nil {
		return nil, err
	}
	switch t.Status {
	case model.TaskStatusPending:
		return nil, apperr.Precondition(apperr.CodeTaskNotStarted, "task has not been started")
	case model.TaskStatusCompleted:
		return nil, apperr.Precondition(apperr.CodeTaskCompleted, "task is already completed")
	}

	res, err := s.gate(ctx, id, t, model.PhaseComplete, in.Lat, in.Lng)
	if err != nil {
		return nil, err
	}

	photoURL, err := s.storePhoto(ctx, in.PhotoAfter)
	if err != nil {
		return nil, err
	}
	afterURL := t.PhotoAfterURL
	if photoURL != "" {
		afterURL = photoURL
	}

	aiStatus, skipReason := s.ratingDecision(t.PhotoBeforeURL, afterURL)

	now := s.now()
	updates := map[string]any{
		"status":       model.TaskStatusCompleted,
		"completed_at": now,
		"ai_status":    aiStatus,
	}
	setCoordinates(updates, "checkout", in.Lat, in.Lng, res.DistanceMeters)
	if photoURL != "" {
		updates["photo_after_url"] = photoURL
	}

	committed := []*model.TaskEvent{{
		TaskID:    t.ID,
		ActorID:   id.CleanerID,
		EventType: model.EventTaskCompleted,
		Metadata: events.Metadata(map[string]any{
			"distance_meters": geofence.Round2Ptr(res.DistanceMeters),
			"photo_after":     afterURL != "",
			"ai_status":       aiStatus,
		}),
	}}
	if skipReason != "" {
		committed = append(committed, &model.TaskEvent{
			TaskID:    t.ID,
			ActorID:   id.CleanerID,
			EventType: model.EventAIRatingSkipped,
			Metadata:  events.Metadata(map[string]any{"reason": skipReason}),
		})
	}

	err = s.store.Transaction(ctx, func(tx store.Store) error {
		ok, err := tx.UpdateTaskIfStatus(ctx, t.ID, []model.TaskStatus{model.TaskStatusInProgress}, updates)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.Precondition(apperr.CodeTaskCompleted, "task is already completed")
		}
		for _, event := range committed {
			if err := tx.AppendEvent(ctx, event); err != nil {
				return err
			}
		}
		return runHook(ctx, hook, tx, t)
	})
	if err != nil {
		return nil, err
	}

	s.emitter.Emit(ctx, committed...)
	s.logger.Info("task completed",
		zap.Int64("task_id", t.ID),
		zap.Int64("cleaner_id", id.CleanerID),
		zap.String("ai_status", string(aiStatus)),
	)

	if aiStatus == model.AIStatusPending && !s.rater.Dispatch(t.ID) {
		s.ratingQueueFull(ctx, t.ID)
	}
	return s.store.GetTask(ctx, t.ID)
}

// UpdateChecklist replaces the checklist items of a task that is not yet completed.
func (s *Service) UpdateChecklist(ctx context.Context, id model.Identity, taskID int64, in ChecklistInput, hook CommitHook) (*model.Task, error) {
	t, err := s.updateChecklist(ctx, id, taskID, in, hook)
	return t, normalize(err)
}

func (s *Service) updateChecklist(ctx context.Context, id model.Identity, taskID int64, in ChecklistInput, hook CommitHook) (*model.Task, error) {
	t, err := s.load(ctx, id, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status == model.TaskStatusCompleted {
		return nil, apperr.Precondition(apperr.CodeTaskCompleted, "checklist is frozen once the task is completed")
	}

	var event *model.TaskEvent
	err = s.store.Transaction(ctx, func(tx store.Store) error {
		// Touching the row under the status guard serializes against a
		// concurrent complete.
		ok, err := tx.UpdateTaskIfStatus(ctx, t.ID,
			[]model.TaskStatus{model.TaskStatusPending, model.TaskStatusInProgress},
			map[string]any{"updated_at": s.now()})
		if err != nil {
			return err
		}
		if !ok {
			return apperr.Precondition(apperr.CodeTaskCompleted, "checklist is frozen once the task is completed")
		}

		list, err := s.checklists.WithTx(tx).ReplaceItems(ctx, t, in.Items)
		if err != nil {
			return err
		}
		event = &model.TaskEvent{
			TaskID:    t.ID,
			ActorID:   id.CleanerID,
			EventType: model.EventTaskChecklistUpdated,
			Metadata: events.Metadata(map[string]any{
				"completion_percent": list.CompletionPercent,
				"items":              len(in.Items),
			}),
		}
		if err := tx.AppendEvent(ctx, event); err != nil {
			return err
		}
		return runHook(ctx, hook, tx, t)
	})
	if err != nil {
		return nil, err
	}

	s.emitter.Emit(ctx, event)
	return s.store.GetTask(ctx, t.ID)
}

// load finds the task by id, assigned cleaner and tenant.
func (s *Service) load(ctx context.Context, id model.Identity, taskID int64) (*model.Task, error) {
	t, err := s.store.GetTaskForCleaner(ctx, taskID, id.CleanerID, id.TenantID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound(apperr.CodeTaskNotFound, fmt.Sprintf("task %d not found", taskID))
	}
	return t, err
}

// gate evaluates the geofence of the task's site. A denial is recorded before
// the geofence_blocked failure is returned.
func (s *Service) gate(ctx context.Context, id model.Identity, t *model.Task, phase model.GeofencePhase, lat, lng *float64) (geofence.Result, error) {
	site, err := s.store.GetSite(ctx, id.TenantID, t.SiteID)
	if errors.Is(err, store.ErrNotFound) {
		return geofence.Result{}, apperr.NotFound(apperr.CodeTaskNotFound, fmt.Sprintf("task %d not found", t.ID))
	}
	if err != nil {
		return geofence.Result{}, err
	}

	reported := geofence.NewPoint(lat, lng)
	res := geofence.Evaluate(geofence.NewPoint(site.Latitude, site.Longitude), site.RadiusOr(s.defaultRadius), reported)
	if res.Allowed {
		return res, nil
	}

	taskID := t.ID
	if err := s.recorder.Violation(ctx, audit.Denial{
		Identity: id,
		SiteID:   site.ID,
		TaskID:   &taskID,
		Phase:    phase,
		Result:   res,
		Reported: reported,
	}); err != nil {
		return res, err
	}
	return res, apperr.GeofenceBlocked(fmt.Sprintf("%s denied: %s", phase, res.Reason))
}

// storePhoto returns the URL of a photo, uploading inline data first.
func (s *Service) storePhoto(ctx context.Context, p *Photo) (string, error) {
	if p == nil {
		return "", nil
	}
	if p.Data == "" {
		return strings.TrimSpace(p.URL), nil
	}

	data, err := base64.StdEncoding.DecodeString(p.Data)
	if err != nil {
		return "", apperr.Invalid(apperr.CodeInvalidPayload, "photo data is not valid base64")
	}
	contentType := p.ContentType
	if contentType == "" {
		contentType = "image/jpeg"
	}
	url, err := s.blobs.Put(ctx, data, contentType)
	if err != nil {
		return "", fmt.Errorf("failed to store photo: %w", err)
	}
	return url, nil
}

func (s *Service) ratingDecision(beforeURL, afterURL string) (model.AIStatus, string) {
	switch {
	case beforeURL == "" || afterURL == "":
		return model.AIStatusNotRequested, "missing_photo"
	case s.rater == nil || !s.rater.Enabled():
		return model.AIStatusNotConfigured, "rater_not_configured"
	default:
		return model.AIStatusPending, ""
	}
}

// ratingQueueFull records a rating that could not be queued as failed.
func (s *Service) ratingQueueFull(ctx context.Context, taskID int64) {
	s.logger.Warn("rating queue full", zap.Int64("task_id", taskID))
	event := &model.TaskEvent{
		TaskID:    taskID,
		EventType: model.EventAIRatingFailed,
		Metadata:  events.Metadata(map[string]any{"error": "rating queue full"}),
	}
	var written bool
	err := s.store.Transaction(ctx, func(tx store.Store) error {
		ok, err := tx.UpdateTaskIfAIStatus(ctx, taskID, model.AIStatusPending, map[string]any{"ai_status": model.AIStatusFailed})
		if err != nil || !ok {
			return err
		}
		written = true
		return tx.AppendEvent(ctx, event)
	})
	if err != nil {
		s.logger.Error("failed to record rating failure", zap.Int64("task_id", taskID), zap.Error(err))
		return
	}
	if written {
		s.emitter.Emit(ctx, event)
	}
}

// setCoordinates stores the reported position under prefix when one was supplied.
func setCoordinates(updates map[string]any, prefix string, lat, lng, distance *float64) {
	if lat == nil || lng == nil {
		return
	}
	updates[prefix+"_lat"] = *lat
	updates[prefix+"_lng"] = *lng
	if distance != nil {
		updates[prefix+"_distance_meters"] = geofence.Round2(*distance)
	}
}

func runHook(ctx context.Context, hook CommitHook, tx store.Store, t *model.Task) error {
	if hook == nil {
		return nil
	}
	return hook(ctx, tx, t)
}

func normalize(err error) error {
	if err == nil {
		return nil
	}
	return apperr.Normalize(err)
}

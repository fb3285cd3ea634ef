package rating

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"cleaning-sync-backend/internal/events"
	"cleaning-sync-backend/internal/model"
	"cleaning-sync-backend/internal/store"
)

const (
	// sweepInterval is how often tasks left pending are queued again.
	sweepInterval = time.Minute
	sweepBatch    = 100
	// writeBackTimeout bounds recording an outcome after shutdown began.
	writeBackTimeout = 5 * time.Second
)

// WorkerPool rates completed tasks in the background. Jobs live only in
// memory; tasks still pending after a restart or a dropped job are picked
// up again by the sweep.
type WorkerPool struct {
	size          int
	jobs          chan int64
	store         store.Store
	rater         Rater
	emitter       *events.Emitter
	timeout       time.Duration
	sweepInterval time.Duration
	logger        *zap.Logger

	mu       sync.Mutex
	inflight map[int64]struct{}
}

// NewWorkerPool creates a new worker pool. A nil rater yields a pool that
// reports itself as disabled and never accepts jobs.
func NewWorkerPool(size, queueSize int, s store.Store, rater Rater, emitter *events.Emitter, timeout time.Duration, logger *zap.Logger) *WorkerPool {
	return &WorkerPool{
		size:    size,
		jobs:          make(chan int64, queueSize), // Buffered channel
		store:         s,
		rater:         rater,
		emitter:       emitter,
		timeout:       timeout,
		sweepInterval: sweepInterval,
		logger:        logger,
		inflight:      make(map[int64]struct{}),
	}
}

// Enabled reports whether a rater is configured.
func (wp *WorkerPool) Enabled() bool {
	return wp.rater != nil
}

// Start launches the worker goroutines and the sweep that re-queues tasks
// whose rating is still pending.
func (wp *WorkerPool) Start(ctx context.Context) {
	if !wp.Enabled() {
		return
	}
	for i := 0; i < wp.size; i++ {
		go wp.worker(ctx, i)
	}
	go wp.sweep(ctx)
}

func (wp *WorkerPool) sweep(ctx context.Context) {
	ticker := time.NewTicker(wp.sweepInterval)
	defer ticker.Stop()
	for {
		wp.requeuePending(ctx)
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// requeuePending dispatches pending tasks that are not already queued.
func (wp *WorkerPool) requeuePending(ctx context.Context) {
	ids, err := wp.store.ListTaskIDsByAIStatus(ctx, model.AIStatusPending, sweepBatch)
	if err != nil {
		if ctx.Err() == nil {
			wp.logger.Error("failed to list pending ratings", zap.Error(err))
		}
		return
	}
	queued := 0
	for _, id := range ids {
		if !wp.Dispatch(id) {
			break
		}
		queued++
	}
	if queued > 0 {
		wp.logger.Info("re-queued pending ratings", zap.Int("tasks", queued))
	}
}

func (wp *WorkerPool) worker(ctx context.Context, id int) {
	wp.logger.Debug("rating worker started", zap.Int("worker", id))
	for {
		select {
		case taskID := <-wp.jobs:
			wp.rate(ctx, taskID)
			wp.done(taskID)
		case <-ctx.Done():
			wp.logger.Debug("rating worker shutting down", zap.Int("worker", id))
			return
		}
	}
}

// Dispatch queues a task without blocking. It reports false when the queue is
// full or no rater is configured. A task already queued or being rated is
// not queued twice.
func (wp *WorkerPool) Dispatch(taskID int64) bool {
	if !wp.Enabled() {
		return false
	}
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if _, ok := wp.inflight[taskID]; ok {
		return true
	}
	select {
	case wp.jobs <- taskID:
		wp.inflight[taskID] = struct{}{}
		return true
	default:
		return false
	}
}

func (wp *WorkerPool) done(taskID int64) {
	wp.mu.Lock()
	delete(wp.inflight, taskID)
	wp.mu.Unlock()
}

// rate runs one rating and writes the outcome back. The write-back only
// applies while the task is still pending, so a repeated job is harmless.
func (wp *WorkerPool) rate(ctx context.Context, taskID int64) {
	log := wp.logger.With(zap.Int64("task_id", taskID))

	task, err := wp.store.GetTask(ctx, taskID)
	if err != nil {
		log.Error("failed to load task for rating", zap.Error(err))
		return
	}
	if task.AIStatus != model.AIStatusPending {
		return
	}

	req := Request{
		PhotoBeforeURL: task.PhotoBeforeURL,
		PhotoAfterURL:  task.PhotoAfterURL,
		RoomType:       task.RoomType,
	}
	if site, err := wp.store.GetSiteByID(ctx, task.SiteID); err == nil {
		req.Standard = site.CleaningStandard
	}

	rateCtx, cancel := context.WithTimeout(ctx, wp.timeout)
	result, rateErr := wp.rater.Rate(rateCtx, req)
	cancel()
	if rateErr != nil && ctx.Err() != nil {
		// Interrupted by shutdown, not a verdict. The task stays pending for
		// the next sweep.
		log.Info("rating interrupted; left pending", zap.Error(rateErr))
		return
	}

	var (
		updates map[string]any
		event   *model.TaskEvent
	)
	if rateErr != nil {
		log.Warn("rating failed", zap.Error(rateErr))
		updates = map[string]any{"ai_status": model.AIStatusFailed}
		event = &model.TaskEvent{
			TaskID:    taskID,
			EventType: model.EventAIRatingFailed,
			Metadata:  events.Metadata(map[string]any{"error": rateErr.Error()}),
		}
	} else {
		now := time.Now().UTC()
		updates = map[string]any{
			"ai_status":     model.AIStatusRated,
			"ai_score":      result.Score,
			"ai_feedback":   result.Feedback,
			"ai_model":      result.Model,
			"ai_confidence": result.Confidence,
			"ai_rated_at":   now,
		}
		event = &model.TaskEvent{
			TaskID:    taskID,
			EventType: model.EventAIRated,
			Metadata: events.Metadata(map[string]any{
				"score":      result.Score,
				"model":      result.Model,
				"confidence": result.Confidence,
			}),
		}
	}

	// The outcome is recorded even when shutdown starts mid-write.
	writeCtx, cancelWrite := context.WithTimeout(context.WithoutCancel(ctx), writeBackTimeout)
	defer cancelWrite()

	var written bool
	err = wp.store.Transaction(writeCtx, func(tx store.Store) error {
		ok, err := tx.UpdateTaskIfAIStatus(writeCtx, taskID, model.AIStatusPending, updates)
		if err != nil || !ok {
			return err
		}
		written = true
		return tx.AppendEvent(writeCtx, event)
	})
	if err != nil {
		log.Error("failed to record rating outcome", zap.Error(err))
		return
	}
	if written {
		wp.emitter.Emit(writeCtx, event)
		log.Info("rating recorded", zap.String("event_type", event.EventType))
	}
}

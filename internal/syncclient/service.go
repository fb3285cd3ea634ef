package syncclient

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"cleaning-sync-backend/internal/queue"
)

// Pusher submits a batch to the server. *Client implements it.
type Pusher interface {
	PushBatch(ctx context.Context, ops []Operation) ([]Result, error)
}

// DrainReport summarizes one drain pass.
type DrainReport struct {
	Sent      int
	Done      int
	Retrying  int
	Rejected  int
	Transport bool
}

// Service drains the local queue against the server.
type Service struct {
	queue     *queue.Queue
	pusher    Pusher
	batchSize int
	interval  time.Duration
	prune     bool
	logger    *zap.Logger
}

// NewService creates a drain service.
func NewService(q *queue.Queue, pusher Pusher, batchSize int, interval time.Duration, prune bool, logger *zap.Logger) *Service {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Service{
		queue:     q,
		pusher:    pusher,
		batchSize: batchSize,
		interval:  interval,
		prune:     prune,
		logger:    logger,
	}
}

// Run drains immediately, then again on every interval until ctx is done.
func (s *Service) Run(ctx context.Context) {
	s.logger.Info("starting queue drain loop", zap.Duration("interval", s.interval))

	s.drainLogged(ctx)

	timer := time.NewTimer(s.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("queue drain loop shutting down")
			return
		case <-timer.C:
			s.drainLogged(ctx)
			timer.Reset(s.interval)
		}
	}
}

func (s *Service) drainLogged(ctx context.Context) {
	report, err := s.DrainOnce(ctx)
	if err != nil {
		s.logger.Error("drain cycle failed", zap.Error(err))
		return
	}
	if report.Sent > 0 {
		s.logger.Info("drain cycle finished",
			zap.Int("sent", report.Sent),
			zap.Int("done", report.Done),
			zap.Int("retrying", report.Retrying),
			zap.Int("rejected", report.Rejected),
			zap.Bool("transport_error", report.Transport),
		)
	}
}

// DrainOnce sends eligible entries batch by batch until none remain or the
// server becomes unreachable.
func (s *Service) DrainOnce(ctx context.Context) (DrainReport, error) {
	var report DrainReport
	// Entries sent in this pass are not resent in the same pass even if they
	// became eligible again.
	seen := make(map[string]bool)

	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		eligible, err := s.queue.Eligible(ctx, 0)
		if err != nil {
			return report, err
		}
		// One entry per task per batch, so a later action never runs on the
		// server before the verdict on the earlier one is recorded locally.
		batch := make([]queue.Entry, 0, s.batchSize)
		tasks := make(map[int64]bool)
		for _, e := range eligible {
			if seen[e.OperationID] || tasks[e.TaskID] {
				tasks[e.TaskID] = true
				continue
			}
			tasks[e.TaskID] = true
			batch = append(batch, e)
			if len(batch) == s.batchSize {
				break
			}
		}
		if len(batch) == 0 {
			break
		}

		if err := s.queue.MarkSyncing(ctx, batch); err != nil {
			return report, err
		}
		ops := make([]Operation, len(batch))
		for i, e := range batch {
			seen[e.OperationID] = true
			ops[i] = Operation{
				OperationID:   e.OperationID,
				TaskID:        e.TaskID,
				OperationType: e.OperationType,
				Payload:       []byte(e.Payload),
			}
		}
		report.Sent += len(batch)

		results, err := s.pusher.PushBatch(ctx, ops)
		if err != nil {
			s.logger.Warn("sync server unreachable; backing off", zap.Int("batch", len(batch)), zap.Error(err))
			report.Transport = true
			if applyErr := s.queue.ApplyTransportError(ctx, batch, err); applyErr != nil {
				return report, errors.Join(err, applyErr)
			}
			break
		}

		if err := s.apply(ctx, batch, results, &report); err != nil {
			return report, err
		}
	}

	if s.prune {
		if _, err := s.queue.Prune(ctx); err != nil {
			return report, err
		}
	}
	return report, nil
}

func (s *Service) apply(ctx context.Context, batch []queue.Entry, results []Result, report *DrainReport) error {
	byID := make(map[string]Result, len(results))
	for _, r := range results {
		byID[r.OperationID] = r
	}

	for i := range batch {
		e := &batch[i]
		r, ok := byID[e.OperationID]
		if !ok {
			r = Result{OperationID: e.OperationID, Status: "retryable_error", Retryable: true, ErrorCode: "missing_result"}
		}
		outcome := queue.Outcome{
			Status:       r.Status,
			Retryable:    r.Retryable,
			ErrorCode:    r.ErrorCode,
			ErrorMessage: r.ErrorMessage,
		}
		if err := s.queue.ApplyOutcome(ctx, e, outcome); err != nil {
			return err
		}

		switch {
		case e.Status == queue.StatusDone:
			report.Done++
		case e.Rejected:
			report.Rejected++
			s.logger.Warn("operation rejected by server",
				zap.String("operation_id", e.OperationID),
				zap.Int64("task_id", e.TaskID),
				zap.String("error_code", e.ErrorCode),
				zap.String("error", e.LastError),
			)
		default:
			report.Retrying++
		}
	}
	return nil
}

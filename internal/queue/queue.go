// Package queue is the client-side durable log of operations waiting to be
// replayed against the sync server.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Retry policy.
const (
	MaxAttempts = 8
	BaseDelay   = 1500 * time.Millisecond
	MaxDelay    = 60 * time.Second
)

// maxErrorLength matches the size of Entry.LastError.
const maxErrorLength = 512

// Backoff is the delay before the next attempt after attempts failures:
// min(60s, 1.5s * 2^(attempts-1)).
func Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := BaseDelay
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= MaxDelay {
			return MaxDelay
		}
	}
	return delay
}

// Outcome is the server's verdict on a sent entry.
type Outcome struct {
	Status       string
	Retryable    bool
	ErrorCode    string
	ErrorMessage string
}

// Queue applies the retry policy on top of a Store.
type Queue struct {
	store Store
	now   func() time.Time
}

// New creates a queue over s.
func New(s Store) *Queue {
	return &Queue{store: s, now: func() time.Time { return time.Now().UTC() }}
}

// Enqueue records a new operation with a fresh operation id.
func (q *Queue) Enqueue(ctx context.Context, taskID int64, operationType string, payload any) (*Entry, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	e := &Entry{
		OperationID:   uuid.NewString(),
		TaskID:        taskID,
		OperationType: operationType,
		Payload:       raw,
		Status:        StatusPending,
	}
	if err := q.store.Put(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// List returns every entry in enqueue order.
func (q *Queue) List(ctx context.Context) ([]Entry, error) {
	return q.store.List(ctx)
}

// Eligible returns up to limit entries that may be sent now, in enqueue
// order. A task's later entries are held back while an earlier unfinished
// entry of the same task is waiting.
func (q *Queue) Eligible(ctx context.Context, limit int) ([]Entry, error) {
	entries, err := q.store.List(ctx)
	if err != nil {
		return nil, err
	}

	now := q.now()
	held := make(map[int64]bool)
	var out []Entry
	for _, e := range entries {
		if limit > 0 && len(out) >= limit {
			break
		}
		if e.Status == StatusDone || e.Rejected {
			continue
		}
		if held[e.TaskID] {
			continue
		}
		if !e.eligible(now) {
			held[e.TaskID] = true
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (e *Entry) eligible(now time.Time) bool {
	switch e.Status {
	case StatusPending, StatusSyncing:
		return true
	case StatusFailed:
		if e.Rejected || e.Attempts >= MaxAttempts {
			return false
		}
		return e.NextRetryAt == nil || !now.Before(*e.NextRetryAt)
	default:
		return false
	}
}

// MarkSyncing flags entries as in flight.
func (q *Queue) MarkSyncing(ctx context.Context, entries []Entry) error {
	for i := range entries {
		entries[i].Status = StatusSyncing
		if err := q.store.Update(ctx, &entries[i]); err != nil {
			return err
		}
	}
	return nil
}

// ApplyOutcome records the server's verdict. Applied and duplicate entries
// are done; retryable failures back off; other failures are rejected for good.
func (q *Queue) ApplyOutcome(ctx context.Context, e *Entry, o Outcome) error {
	switch {
	case o.Status == "applied" || o.Status == "duplicate":
		e.Status = StatusDone
		e.NextRetryAt = nil
		e.LastError = ""
		e.ErrorCode = ""
	case o.Retryable:
		q.fail(e, o.ErrorCode, o.ErrorMessage)
	default:
		e.Attempts++
		e.Status = StatusFailed
		e.Rejected = true
		e.NextRetryAt = nil
		e.ErrorCode = o.ErrorCode
		e.LastError = truncate(o.ErrorMessage, maxErrorLength)
	}
	return q.store.Update(ctx, e)
}

// ApplyTransportError backs off every entry of a batch that never reached
// the server.
func (q *Queue) ApplyTransportError(ctx context.Context, entries []Entry, cause error) error {
	for i := range entries {
		q.fail(&entries[i], "transport_error", cause.Error())
		if err := q.store.Update(ctx, &entries[i]); err != nil {
			return err
		}
	}
	return nil
}

// Prune deletes done entries.
func (q *Queue) Prune(ctx context.Context) (int64, error) {
	return q.store.DeleteDone(ctx)
}

func (q *Queue) fail(e *Entry, code, message string) {
	e.Attempts++
	e.Status = StatusFailed
	next := q.now().Add(Backoff(e.Attempts))
	e.NextRetryAt = &next
	e.ErrorCode = code
	e.LastError = truncate(message, maxErrorLength)
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

package syncclient

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"cleaning-sync-backend/internal/queue"
)

// scriptedPusher answers each operation from a per-operation-type verdict.
type scriptedPusher struct {
	mu       sync.Mutex
	verdicts map[string]Result
	err      error
	batches  [][]Operation
}

func (p *scriptedPusher) PushBatch(_ context.Context, ops []Operation) ([]Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches = append(p.batches, ops)
	if p.err != nil {
		return nil, p.err
	}
	out := make([]Result, len(ops))
	for i, op := range ops {
		r := p.verdicts[op.OperationType]
		r.OperationID = op.OperationID
		r.TaskID = op.TaskID
		out[i] = r
	}
	return out, nil
}

func newQueue(t *testing.T) *queue.Queue {
	t.Helper()
	store, err := queue.OpenLocal("file:" + uuid.NewString() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return queue.New(store)
}

func TestDrainOnce_AppliesVerdicts(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, 1, "start", map[string]any{"lat": 50.0})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, 1, "complete", map[string]any{})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, 2, "update_checklist", map[string]any{"items": []any{}})
	require.NoError(t, err)

	pusher := &scriptedPusher{verdicts: map[string]Result{
		"start":            {Status: "applied", Applied: true},
		"complete":         {Status: "rejected", ErrorCode: "geofence_blocked"},
		"update_checklist": {Status: "duplicate"},
	}}
	svc := NewService(q, pusher, 10, time.Minute, false, zap.NewNop())

	report, err := svc.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Sent)
	assert.Equal(t, 2, report.Done)
	assert.Equal(t, 1, report.Rejected)

	// Task 1's complete waits for its start's verdict.
	require.Len(t, pusher.batches, 2)
	assert.Len(t, pusher.batches[0], 2)
	assert.Equal(t, "complete", pusher.batches[1][0].OperationType)

	entries, err := q.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusDone, entries[0].Status)
	assert.True(t, entries[1].Rejected)
	assert.Equal(t, queue.StatusDone, entries[2].Status)

	// Nothing left to send.
	report, err = svc.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Sent)
}

func TestDrainOnce_RetryableHoldsLaterEntries(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()

	start, err := q.Enqueue(ctx, 1, "start", map[string]any{})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, 1, "complete", map[string]any{})
	require.NoError(t, err)

	pusher := &scriptedPusher{verdicts: map[string]Result{
		"start": {Status: "retryable_error", Retryable: true, ErrorCode: "internal_error"},
	}}
	svc := NewService(q, pusher, 10, time.Minute, false, zap.NewNop())

	report, err := svc.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sent)
	assert.Equal(t, 1, report.Retrying)
	require.Len(t, pusher.batches, 1)
	assert.Equal(t, start.OperationID, pusher.batches[0][0].OperationID)
}

func TestDrainOnce_TransportErrorKeepsOperationIDs(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()

	e, err := q.Enqueue(ctx, 1, "start", map[string]any{})
	require.NoError(t, err)

	pusher := &scriptedPusher{err: errors.New("dial tcp: connection refused")}
	svc := NewService(q, pusher, 10, time.Minute, true, zap.NewNop())

	report, err := svc.DrainOnce(ctx)
	require.NoError(t, err)
	assert.True(t, report.Transport)

	entries, err := q.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, e.OperationID, entries[0].OperationID)
	assert.Equal(t, queue.StatusFailed, entries[0].Status)
	assert.Equal(t, 1, entries[0].Attempts)
	assert.False(t, entries[0].Rejected)
}

func TestDrainOnce_PrunesDone(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, 1, "start", map[string]any{})
	require.NoError(t, err)

	pusher := &scriptedPusher{verdicts: map[string]Result{"start": {Status: "applied", Applied: true}}}
	svc := NewService(q, pusher, 10, time.Minute, true, zap.NewNop())

	_, err = svc.DrainOnce(ctx)
	require.NoError(t, err)

	entries, err := q.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRun_StopsOnCancel(t *testing.T) {
	q := newQueue(t)
	_, err := q.Enqueue(context.Background(), 1, "start", map[string]any{})
	require.NoError(t, err)

	pusher := &scriptedPusher{verdicts: map[string]Result{"start": {Status: "applied", Applied: true}}}
	svc := NewService(q, pusher, 10, 10*time.Millisecond, false, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		pusher.mu.Lock()
		defer pusher.mu.Unlock()
		return len(pusher.batches) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

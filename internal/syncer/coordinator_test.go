package syncer

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"cleaning-sync-backend/config"
	"cleaning-sync-backend/internal/apperr"
	"cleaning-sync-backend/internal/audit"
	"cleaning-sync-backend/internal/blob"
	"cleaning-sync-backend/internal/checklist"
	"cleaning-sync-backend/internal/events"
	"cleaning-sync-backend/internal/model"
	"cleaning-sync-backend/internal/store"
	"cleaning-sync-backend/internal/task"
	"cleaning-sync-backend/internal/testutil"
)

var (
	siteLat = 50.0
	siteLng = 8.0
)

const insidePayload = `{"lat": 50.00045, "lng": 8.0}`

type noRater struct{}

func (noRater) Enabled() bool         { return false }
func (noRater) Dispatch(_ int64) bool { return false }

// staleLedger hides existing ledger rows from the first lookups, like a
// concurrent request that checked the ledger before the winner committed.
type staleLedger struct {
	store.Store
	misses int
}

func (s *staleLedger) FindOperation(ctx context.Context, operationID string) (*model.SyncOperation, error) {
	if s.misses > 0 {
		s.misses--
		return nil, nil
	}
	return s.Store.FindOperation(ctx, operationID)
}

type fixture struct {
	db      *gorm.DB
	store   store.Store
	coord   *Coordinator
	task    *model.Task
	cleaner model.Identity
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewDB(t)
	s := store.NewGormStore(db)
	blobs, err := blob.NewDiskStore(t.TempDir())
	require.NoError(t, err)
	emitter := events.NewEmitter(nil, zap.NewNop())

	svc := task.NewService(task.Deps{
		Store:         s,
		Checklists:    checklist.NewGormProvider(db, config.ChecklistConfig{}),
		Blobs:         blobs,
		Rater:         noRater{},
		Recorder:      audit.NewRecorder(s, emitter, nil, zap.NewNop()),
		Emitter:       emitter,
		DefaultRadius: 100,
		Logger:        zap.NewNop(),
	})
	validator, err := NewValidator()
	require.NoError(t, err)

	site := testutil.SeedSite(t, db, testutil.SiteOpts{TenantID: 1, Lat: &siteLat, Lng: &siteLng, Radius: 100})
	return &fixture{
		db:      db,
		store:   s,
		coord:   NewCoordinator(s, svc, validator, emitter, zap.NewNop()),
		task:    testutil.SeedTask(t, db, site, 10, model.TaskStatusPending),
		cleaner: model.Identity{CleanerID: 10, TenantID: 1},
	}
}

func (f *fixture) op(id string, typ OperationType, payload string) Operation {
	return Operation{OperationID: id, TaskID: f.task.ID, OperationType: typ, Payload: json.RawMessage(payload)}
}

func (f *fixture) countEvents(t *testing.T, eventType string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(&model.TaskEvent{}).Where("task_id = ? AND event_type = ?", f.task.ID, eventType).Count(&n).Error)
	return n
}

func (f *fixture) ledger(t *testing.T, operationID string) *model.SyncOperation {
	t.Helper()
	row, err := f.store.FindOperation(context.Background(), operationID)
	require.NoError(t, err)
	return row
}

func TestProcess_AppliedThenDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	op := f.op("op-start-1", OpStart, insidePayload)

	first := f.coord.Process(ctx, f.cleaner, op)
	assert.Equal(t, model.LedgerApplied, first.Status)
	assert.True(t, first.Applied)
	require.NotNil(t, first.Task)
	startedAt := *first.Task.StartedAt

	second := f.coord.Process(ctx, f.cleaner, op)
	assert.Equal(t, model.LedgerDuplicate, second.Status)
	assert.False(t, second.Applied)
	assert.Equal(t, http.StatusOK, second.HTTPStatus)
	require.NotNil(t, second.Task)
	assert.True(t, startedAt.Equal(*second.Task.StartedAt))

	assert.Equal(t, int64(1), f.countEvents(t, model.EventTaskStarted))
	assert.Equal(t, int64(1), f.countEvents(t, model.EventSyncOperationDuplicate))

	row := f.ledger(t, "op-start-1")
	require.NotNil(t, row)
	assert.Equal(t, model.LedgerApplied, row.Status)
	assert.Equal(t, PayloadHash([]byte(insidePayload)), row.PayloadHash)
}

func TestProcess_DuplicateReturnsCurrentSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	start := f.op("op-start", OpStart, insidePayload)

	require.True(t, f.coord.Process(ctx, f.cleaner, start).Applied)
	require.True(t, f.coord.Process(ctx, f.cleaner, f.op("op-complete", OpComplete, insidePayload)).Applied)

	replay := f.coord.Process(ctx, f.cleaner, start)
	assert.Equal(t, model.LedgerDuplicate, replay.Status)
	require.NotNil(t, replay.Task)
	assert.Equal(t, model.TaskStatusCompleted, replay.Task.Status)
}

func TestProcess_ConcurrentDuplicateWritesOneStartEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	op := f.op("op-race", OpStart, insidePayload)

	require.True(t, f.coord.Process(ctx, f.cleaner, op).Applied)

	// The second delivery misses the ledger row and executes; its ledger
	// insert then loses on the unique index and the whole action rolls back.
	f.coord.store = &staleLedger{Store: f.store, misses: 1}
	res := f.coord.Process(ctx, f.cleaner, op)

	assert.Equal(t, model.LedgerDuplicate, res.Status)
	assert.Equal(t, int64(1), f.countEvents(t, model.EventTaskStarted))

	var rows int64
	f.db.Model(&model.SyncOperation{}).Where("operation_id = ?", "op-race").Count(&rows)
	assert.Equal(t, int64(1), rows)
}

func TestProcess_ConflictingReuse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.True(t, f.coord.Process(ctx, f.cleaner, f.op("op-shared", OpStart, insidePayload)).Applied)

	otherTask := f.op("op-shared", OpStart, insidePayload)
	otherTask.TaskID = f.task.ID + 100
	res := f.coord.Process(ctx, f.cleaner, otherTask)
	assert.Equal(t, apperr.CodeOperationTaskConflict, res.ErrorCode)
	assert.Equal(t, http.StatusConflict, res.HTTPStatus)
	assert.False(t, res.Retryable)

	res = f.coord.Process(ctx, model.Identity{CleanerID: 11, TenantID: 1}, f.op("op-shared", OpStart, insidePayload))
	assert.Equal(t, apperr.CodeOperationIDConflict, res.ErrorCode)
	assert.Equal(t, http.StatusConflict, res.HTTPStatus)
}

func TestProcess_InvalidOperations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.coord.Process(ctx, f.cleaner, f.op("op-x", "teleport", `{}`))
	assert.Equal(t, apperr.CodeUnsupportedOperation, res.ErrorCode)
	assert.Equal(t, http.StatusBadRequest, res.HTTPStatus)
	assert.Nil(t, f.ledger(t, "op-x"))

	res = f.coord.Process(ctx, f.cleaner, f.op("  ", OpStart, insidePayload))
	assert.Equal(t, apperr.CodeInvalidOperation, res.ErrorCode)

	res = f.coord.Process(ctx, f.cleaner, f.op("op-bad", OpUpdateChecklist, `{"items": [{"title": "no id"}]}`))
	assert.Equal(t, apperr.CodeInvalidPayload, res.ErrorCode)
	assert.Equal(t, model.LedgerRejected, res.Status)
	row := f.ledger(t, "op-bad")
	require.NotNil(t, row)
	assert.Equal(t, model.LedgerRejected, row.Status)
	assert.Equal(t, apperr.CodeInvalidPayload, row.ErrorCode)
}

func TestProcess_RejectionIsReplayedWithoutExecuting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	blocked := f.coord.Process(ctx, f.cleaner, f.op("op-far", OpStart, `{"lat": 50.00135, "lng": 8.0}`))
	assert.Equal(t, apperr.CodeGeofenceBlocked, blocked.ErrorCode)
	assert.Equal(t, model.LedgerRejected, blocked.Status)
	assert.Equal(t, http.StatusForbidden, blocked.HTTPStatus)

	// Same operation id, now from inside: the stored rejection stands.
	replay := f.coord.Process(ctx, f.cleaner, f.op("op-far", OpStart, insidePayload))
	assert.Equal(t, apperr.CodeGeofenceBlocked, replay.ErrorCode)
	assert.Equal(t, model.LedgerRejected, replay.Status)
	assert.Equal(t, int64(0), f.countEvents(t, model.EventTaskStarted))
	assert.Equal(t, int64(1), f.countEvents(t, model.EventGeofenceViolation))
}

func TestProcess_StoredRetryableErrorIsSurfaced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.InsertOperation(ctx, &model.SyncOperation{
		OperationID:   "op-flaky",
		CleanerID:     10,
		TaskID:        f.task.ID,
		OperationType: string(OpStart),
		Status:        model.LedgerRetryableError,
		HTTPStatus:    http.StatusInternalServerError,
		ErrorCode:     apperr.CodeInternal,
		ErrorMessage:  "internal error",
		ProcessedAt:   time.Now(),
	}))

	res := f.coord.Process(ctx, f.cleaner, f.op("op-flaky", OpStart, insidePayload))
	assert.Equal(t, model.LedgerRetryableError, res.Status)
	assert.True(t, res.Retryable)
	assert.Equal(t, apperr.CodeInternal, res.ErrorCode)
	assert.Equal(t, int64(0), f.countEvents(t, model.EventTaskStarted))
}

func TestProcess_UnknownTaskLedgerWriteIsSwallowed(t *testing.T) {
	f := newFixture(t)
	op := f.op("op-ghost", OpStart, insidePayload)
	op.TaskID = 424242

	res := f.coord.Process(context.Background(), f.cleaner, op)
	assert.Equal(t, apperr.CodeTaskNotFound, res.ErrorCode)
	assert.Equal(t, http.StatusNotFound, res.HTTPStatus)
	assert.Nil(t, f.ledger(t, "op-ghost"), "foreign key keeps the row out")
}

func TestProcessBatch_NeverAborts(t *testing.T) {
	f := newFixture(t)
	results := f.coord.ProcessBatch(context.Background(), f.cleaner, []Operation{
		f.op("b-1", OpComplete, insidePayload),
		f.op("b-2", OpStart, insidePayload),
		f.op("b-3", "unknown", `{}`),
		f.op("b-4", OpUpdateChecklist, `{"items": [{"id": "floor", "required": true, "done": true}]}`),
		f.op("b-5", OpComplete, insidePayload),
	})

	require.Len(t, results, 5)
	assert.Equal(t, apperr.CodeTaskNotStarted, results[0].ErrorCode)
	assert.True(t, results[1].Applied)
	assert.Equal(t, apperr.CodeUnsupportedOperation, results[2].ErrorCode)
	assert.True(t, results[3].Applied)
	assert.True(t, results[4].Applied)
	assert.Equal(t, model.TaskStatusCompleted, results[4].Task.Status)

	for i, r := range results {
		assert.Equal(t, []string{"b-1", "b-2", "b-3", "b-4", "b-5"}[i], r.OperationID)
	}

	// Replaying b-1 after the task progressed still reports its recorded rejection.
	replay := f.coord.Process(context.Background(), f.cleaner, f.op("b-1", OpComplete, insidePayload))
	assert.Equal(t, apperr.CodeTaskNotStarted, replay.ErrorCode)
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.coord.ProcessBatch(ctx, f.cleaner, []Operation{
		f.op("s-1", OpStart, insidePayload),
		f.op("s-1", OpStart, insidePayload),
		f.op("s-2", OpComplete, `{"lat": 50.00135, "lng": 8.0}`),
		f.op("s-3", OpUpdateChecklist, `{"items": []}`),
	})

	counts, err := f.coord.Status(ctx, f.cleaner)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts.Applied)
	assert.Equal(t, int64(1), counts.Rejected)
	assert.Equal(t, int64(0), counts.RetryableError)
	assert.Equal(t, int64(1), counts.Duplicate)
	assert.NotNil(t, counts.LastProcessedAt)

	other, err := f.coord.Status(ctx, model.Identity{CleanerID: 77, TenantID: 1})
	require.NoError(t, err)
	assert.Zero(t, other.Applied)
	assert.Nil(t, other.LastProcessedAt)
}

func TestPayloadHash_IsCanonical(t *testing.T) {
	a := PayloadHash([]byte(`{"lat": 1.5, "lng": 2, "photo_before": {"url": "x"}}`))
	b := PayloadHash([]byte(`{"photo_before":{"url":"x"},"lng":2,"lat":1.5}`))
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, PayloadHash([]byte(`{"lat": 1.6}`)))
}

func TestValidator(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	assert.NoError(t, v.Validate(OpStart, []byte(`{}`)))
	assert.NoError(t, v.Validate(OpStart, []byte(`{"lat": null, "lng": null}`)))
	assert.NoError(t, v.Validate(OpComplete, []byte(`{"lat": 1, "lng": 2, "photo_after": {"data": "aGk=", "content_type": "image/png"}}`)))
	assert.Error(t, v.Validate(OpStart, []byte(`{"lat": 91}`)))
	assert.Error(t, v.Validate(OpComplete, []byte(`{"photo_after": {"content_type": "image/png"}}`)))
	assert.Error(t, v.Validate(OpComplete, []byte(`{"photo_after": {"data": "aGk=", "content_type": "text/plain"}}`)))
	assert.Error(t, v.Validate(OpUpdateChecklist, []byte(`{}`)))
	assert.Error(t, v.Validate(OpStart, []byte(`not json`)))
}

func TestTruncate_KeepsRunesWhole(t *testing.T) {
	testCases := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{name: "short string untouched", in: "héllo", n: 10, want: "héllo"},
		{name: "ascii cut", in: "abcdef", n: 3, want: "abc"},
		{name: "cut inside two-byte rune backs off", in: "abü", n: 3, want: "ab"},
		{name: "cut inside three-byte rune backs off", in: "a€b", n: 3, want: "a"},
		{name: "cut after whole rune", in: "a€b", n: 4, want: "a€"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := truncate(tc.in, tc.n)
			assert.Equal(t, tc.want, got)
			assert.True(t, utf8.ValidString(got))
		})
	}
}

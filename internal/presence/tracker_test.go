package presence

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"cleaning-sync-backend/internal/apperr"
	"cleaning-sync-backend/internal/audit"
	"cleaning-sync-backend/internal/model"
	"cleaning-sync-backend/internal/store"
	"cleaning-sync-backend/internal/testutil"
)

var (
	siteLat   = 50.0
	siteLng   = 8.0
	insideLat = 50.00045 // ~50 m north of the site
	outerLat  = 50.00135 // ~150 m north of the site
)

var (
	insideFix  = Coordinates{Lat: &insideLat, Lng: &siteLng}
	outsideFix = Coordinates{Lat: &outerLat, Lng: &siteLng}
)

type fixture struct {
	db      *gorm.DB
	tracker *Tracker
	site    *model.Site
	cleaner model.Identity
	clock   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewDB(t)
	s := store.NewGormStore(db)
	f := &fixture{
		db:      db,
		tracker: NewTracker(s, audit.NewRecorder(s, nil, nil, zap.NewNop()), 100, time.UTC, zap.NewNop()),
		site:    testutil.SeedSite(t, db, testutil.SiteOpts{TenantID: 1, Lat: &siteLat, Lng: &siteLng, Radius: 100}),
		cleaner: model.Identity{CleanerID: 21, TenantID: 1},
		clock:   time.Date(2024, 5, 6, 8, 0, 0, 0, time.UTC),
	}
	f.tracker.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) advance(d time.Duration) {
	f.clock = f.clock.Add(d)
}

func (f *fixture) violations(t *testing.T, phase model.GeofencePhase) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(&model.GeofenceViolation{}).Where("phase = ?", phase).Count(&n).Error)
	return n
}

func requireCode(t *testing.T, err error, status int, code string) {
	t.Helper()
	require.Error(t, err)
	var appErr *apperr.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, status, appErr.Status)
	assert.Equal(t, code, appErr.Code)
}

func TestScenario_CheckInPingCheckOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	st, err := f.tracker.CheckIn(ctx, f.cleaner, f.site.ID, insideFix)
	require.NoError(t, err)
	assert.Equal(t, model.SessionActive, st.Session.Status)
	require.Len(t, st.Segments, 1)
	assert.True(t, st.Segments[0].IsInside)
	assert.Nil(t, st.Segments[0].EndedAt)

	f.advance(20 * time.Minute)
	st, err = f.tracker.Ping(ctx, f.cleaner, f.site.ID, outsideFix)
	require.NoError(t, err, "pings outside the geofence are advisory")
	assert.False(t, st.Session.IsInside)
	require.Len(t, st.Segments, 2)
	assert.NotNil(t, st.Segments[0].EndedAt)
	assert.False(t, st.Segments[1].IsInside)
	assert.Equal(t, int64(1), f.violations(t, model.PhasePresence))

	f.advance(10 * time.Minute)
	st, err = f.tracker.CheckOut(ctx, f.cleaner, f.site.ID, Coordinates{})
	require.NoError(t, err)
	assert.Equal(t, model.SessionClosed, st.Session.Status)
	require.NotNil(t, st.Session.CheckoutAt)
	for _, seg := range st.Segments {
		assert.NotNil(t, seg.EndedAt)
	}
	assert.Equal(t, int64(1200), st.Timing.OnSiteSeconds)
	assert.Equal(t, int64(600), st.Timing.OffSiteSeconds)
	assert.Equal(t, int64(1800), st.Timing.ElapsedSeconds)

	active, err := f.tracker.Status(ctx, f.cleaner)
	require.NoError(t, err)
	assert.Nil(t, active.Session)
}

func TestPing_AlternatingSegmentsAreContiguous(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	t0 := f.clock

	_, err := f.tracker.CheckIn(ctx, f.cleaner, f.site.ID, insideFix)
	require.NoError(t, err)
	f.advance(7 * time.Minute)
	_, err = f.tracker.Ping(ctx, f.cleaner, f.site.ID, outsideFix)
	require.NoError(t, err)
	f.advance(5 * time.Minute)
	_, err = f.tracker.Ping(ctx, f.cleaner, f.site.ID, insideFix)
	require.NoError(t, err)
	// Same reading again does not create a boundary.
	f.advance(3 * time.Minute)
	_, err = f.tracker.Ping(ctx, f.cleaner, f.site.ID, insideFix)
	require.NoError(t, err)
	f.advance(11 * time.Minute)
	st, err := f.tracker.CheckOut(ctx, f.cleaner, f.site.ID, insideFix)
	require.NoError(t, err)
	t3 := f.clock

	require.Len(t, st.Segments, 3)
	var total time.Duration
	for i, seg := range st.Segments {
		require.NotNil(t, seg.EndedAt)
		total += seg.EndedAt.Sub(seg.StartedAt)
		if i > 0 {
			assert.True(t, st.Segments[i-1].EndedAt.Equal(seg.StartedAt), "segment %d must start where %d ended", i, i-1)
		}
	}
	assert.Equal(t, t3.Sub(t0), total)
	assert.Equal(t, []bool{true, false, true}, []bool{st.Segments[0].IsInside, st.Segments[1].IsInside, st.Segments[2].IsInside})
}

func TestCheckIn_Rules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.tracker.CheckIn(ctx, f.cleaner, f.site.ID, outsideFix)
	requireCode(t, err, http.StatusForbidden, apperr.CodeGeofenceBlocked)
	assert.Equal(t, int64(1), f.violations(t, model.PhaseCheckin))

	first, err := f.tracker.CheckIn(ctx, f.cleaner, f.site.ID, insideFix)
	require.NoError(t, err)

	again, err := f.tracker.CheckIn(ctx, f.cleaner, f.site.ID, insideFix)
	require.NoError(t, err)
	assert.Equal(t, first.Session.ID, again.Session.ID)

	other := testutil.SeedSite(t, f.db, testutil.SiteOpts{TenantID: 1})
	_, err = f.tracker.CheckIn(ctx, f.cleaner, other.ID, Coordinates{})
	requireCode(t, err, http.StatusConflict, apperr.CodeActiveSessionConflict)

	foreign := testutil.SeedSite(t, f.db, testutil.SiteOpts{TenantID: 2})
	_, err = f.tracker.CheckIn(ctx, model.Identity{CleanerID: 22, TenantID: 1}, foreign.ID, Coordinates{})
	requireCode(t, err, http.StatusNotFound, apperr.CodeSiteNotFound)

	var sessions int64
	f.db.Model(&model.ObjectSession{}).Where("cleaner_id = ?", f.cleaner.CleanerID).Count(&sessions)
	assert.Equal(t, int64(1), sessions)
}

func TestCheckIn_LosingRaceReturnsWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := store.NewGormStore(f.db)

	winner := &model.ObjectSession{
		TenantID: 1, SiteID: f.site.ID, CleanerID: f.cleaner.CleanerID,
		Status: model.SessionActive, CheckinAt: f.clock, IsInside: true,
	}
	require.NoError(t, s.CreateSession(ctx, winner, nil))

	// The tracker's own lookup misses the winner and its insert hits the
	// one-active-session index.
	f.tracker.store = &blindActive{Store: s, misses: 1}
	st, err := f.tracker.CheckIn(ctx, f.cleaner, f.site.ID, insideFix)
	require.NoError(t, err)
	assert.Equal(t, winner.ID, st.Session.ID)
}

type blindActive struct {
	store.Store
	misses int
}

func (b *blindActive) FindActiveSession(ctx context.Context, cleanerID int64) (*model.ObjectSession, error) {
	if b.misses > 0 {
		b.misses--
		return nil, nil
	}
	return b.Store.FindActiveSession(ctx, cleanerID)
}

func TestPing_RequiresActiveSession(t *testing.T) {
	f := newFixture(t)
	_, err := f.tracker.Ping(context.Background(), f.cleaner, f.site.ID, insideFix)
	requireCode(t, err, http.StatusNotFound, apperr.CodeSessionNotFound)

	_, err = f.tracker.CheckOut(context.Background(), f.cleaner, f.site.ID, insideFix)
	requireCode(t, err, http.StatusNotFound, apperr.CodeSessionNotFound)
}

func TestCheckOut_OutsideIsBlocked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.tracker.CheckIn(ctx, f.cleaner, f.site.ID, insideFix)
	require.NoError(t, err)

	_, err = f.tracker.CheckOut(ctx, f.cleaner, f.site.ID, outsideFix)
	requireCode(t, err, http.StatusForbidden, apperr.CodeGeofenceBlocked)
	assert.Equal(t, int64(1), f.violations(t, model.PhaseCheckout))

	st, err := f.tracker.Status(ctx, f.cleaner)
	require.NoError(t, err)
	require.NotNil(t, st.Session)
	assert.Equal(t, model.SessionActive, st.Session.Status)
}

func TestTodayTiming(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Yesterday evening until this morning, then a flip outside.
	f.clock = time.Date(2024, 5, 5, 23, 0, 0, 0, time.UTC)
	_, err := f.tracker.CheckIn(ctx, f.cleaner, f.site.ID, insideFix)
	require.NoError(t, err)
	f.clock = time.Date(2024, 5, 6, 1, 0, 0, 0, time.UTC)
	_, err = f.tracker.Ping(ctx, f.cleaner, f.site.ID, outsideFix)
	require.NoError(t, err)

	timing, err := f.tracker.TodayTiming(ctx, f.cleaner, f.site.ID, time.Date(2024, 5, 6, 1, 30, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(3600), timing.OnSiteSeconds, "clipped at midnight")
	assert.Equal(t, int64(1800), timing.OffSiteSeconds)
}

func TestTaskTiming(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.tracker.CheckIn(ctx, f.cleaner, f.site.ID, insideFix)
	require.NoError(t, err)
	f.advance(time.Hour)
	_, err = f.tracker.Ping(ctx, f.cleaner, f.site.ID, outsideFix)
	require.NoError(t, err)

	task := testutil.SeedTask(t, f.db, f.site, f.cleaner.CleanerID, model.TaskStatusPending)
	zero, err := f.tracker.TaskTiming(ctx, f.cleaner, task.ID, f.clock)
	require.NoError(t, err)
	assert.Equal(t, Timing{}, zero)

	started := f.clock.Add(-30 * time.Minute)
	completed := f.clock.Add(15 * time.Minute)
	require.NoError(t, f.db.Model(task).Updates(map[string]any{
		"status":       model.TaskStatusCompleted,
		"started_at":   started,
		"completed_at": completed,
	}).Error)

	timing, err := f.tracker.TaskTiming(ctx, f.cleaner, task.ID, f.clock.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, Timing{ElapsedSeconds: 2700, OnSiteSeconds: 1800, OffSiteSeconds: 900}, timing)

	_, err = f.tracker.TaskTiming(ctx, model.Identity{CleanerID: 99, TenantID: 1}, task.ID, f.clock)
	requireCode(t, err, http.StatusNotFound, apperr.CodeTaskNotFound)
}

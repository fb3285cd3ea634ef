package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/SherClockHolmes/webpush-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"cleaning-sync-backend/internal/model"
	"cleaning-sync-backend/internal/store"
)

// mockSender is a mock implementation of the NotificationSender interface.
type mockSender struct {
	SendFunc func(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

func (m *mockSender) Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	return m.SendFunc(payload, sub, options)
}

func newTestDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn: db,
	}), &gorm.Config{})
	require.NoError(t, err)

	return gormDB, mock
}

func emptyResponse(status int) *http.Response {
	return &http.Response{StatusCode: status, Body: io.NopCloser(bytes.NewBufferString(""))}
}

func subscriptionRows(endpoint string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"endpoint", "p256dh", "auth", "tenant_id", "user_id", "created_at"}).
		AddRow(endpoint, "test_p256dh", "test_auth", 7, 70, time.Now())
}

const (
	listSubscriptionsSQL = `SELECT \* FROM "push_subscriptions" WHERE tenant_id = \$1`
	getSiteSQL           = `SELECT \* FROM "sites" WHERE "sites"."id" = \$1 ORDER BY "sites"."id" LIMIT \$[0-9]+`
)

func violation(siteID int64) *model.GeofenceViolation {
	distance := 412.5
	return &model.GeofenceViolation{
		TenantID:       7,
		SiteID:         siteID,
		CleanerID:      42,
		Phase:          model.PhaseStart,
		Reason:         "outside_radius",
		DistanceMeters: &distance,
	}
}

func TestWorkerPool_AlertDoesNotBlock(t *testing.T) {
	db, _ := newTestDB(t)
	wp := NewWorkerPool(1, 1, store.NewGormStore(db), &webpush.Options{}, zap.NewNop())

	wp.Alert(violation(1))
	wp.Alert(violation(2)) // queue full, dropped
	wp.Alert(nil)

	select {
	case v := <-wp.jobs:
		assert.Equal(t, int64(1), v.SiteID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for alert to be queued")
	}
	assert.Empty(t, wp.jobs)
}

func TestWorkerPool_WorkerLogic(t *testing.T) {
	gormDB, mock := newTestDB(t)
	wp := NewWorkerPool(1, 8, store.NewGormStore(gormDB), &webpush.Options{}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wp.Start(ctx)

	t.Run("sends alert to tenant subscription", func(t *testing.T) {
		var wg sync.WaitGroup
		wg.Add(1)

		wp.sender = &mockSender{
			SendFunc: func(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
				defer wg.Done()
				assert.Equal(t, "https://example.com/push", sub.Endpoint)

				var a Alert
				assert.NoError(t, json.Unmarshal(payload, &a))
				assert.Equal(t, "Cleaner 42 was outside Main Office during start (outside_radius)", a.Body)
				assert.Equal(t, 412.5, a.Distance)
				return emptyResponse(http.StatusCreated), nil
			},
		}

		mock.ExpectQuery(listSubscriptionsSQL).
			WithArgs(int64(7)).
			WillReturnRows(subscriptionRows("https://example.com/push"))
		mock.ExpectQuery(getSiteSQL).
			WithArgs(int64(101), 1).
			WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "name"}).AddRow(101, 7, "Main Office"))

		wp.Alert(violation(101))
		wg.Wait()
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("deletes expired subscription", func(t *testing.T) {
		wp.sender = &mockSender{
			SendFunc: func(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
				return emptyResponse(http.StatusGone), nil
			},
		}

		mock.ExpectQuery(listSubscriptionsSQL).
			WithArgs(int64(7)).
			WillReturnRows(subscriptionRows("https://example.com/expired"))
		mock.ExpectQuery(getSiteSQL).
			WithArgs(int64(102), 1).
			WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "name"}).AddRow(102, 7, "Depot"))
		mock.ExpectBegin()
		mock.ExpectExec(`DELETE FROM "push_subscriptions" WHERE "push_subscriptions"."endpoint" = \$1`).
			WithArgs("https://example.com/expired").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		wp.Alert(violation(102))

		assert.Eventually(t, func() bool {
			return mock.ExpectationsWereMet() == nil
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("falls back to site id when lookup fails", func(t *testing.T) {
		var wg sync.WaitGroup
		wg.Add(1)

		wp.sender = &mockSender{
			SendFunc: func(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
				defer wg.Done()
				var a Alert
				assert.NoError(t, json.Unmarshal(payload, &a))
				assert.Equal(t, "Cleaner 42 was outside #103 during start (outside_radius)", a.Body)
				return emptyResponse(http.StatusCreated), nil
			},
		}

		mock.ExpectQuery(listSubscriptionsSQL).
			WithArgs(int64(7)).
			WillReturnRows(subscriptionRows("https://example.com/fallback"))
		mock.ExpectQuery(getSiteSQL).
			WithArgs(int64(103), 1).
			WillReturnError(fmt.Errorf("connection reset"))

		wp.Alert(violation(103))
		wg.Wait()
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

package checklist

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"cleaning-sync-backend/config"
	"cleaning-sync-backend/internal/model"
	"cleaning-sync-backend/internal/store"
)

func TestCompletionPercent(t *testing.T) {
	testCases := []struct {
		name  string
		items []model.ChecklistItem
		want  int
	}{
		{name: "empty checklist is complete", items: nil, want: 100},
		{name: "only optional items", items: []model.ChecklistItem{{ID: "a"}, {ID: "b", Done: true}}, want: 100},
		{name: "none done", items: []model.ChecklistItem{{ID: "a", Required: true}, {ID: "b", Required: true}}, want: 0},
		{
			name: "one of three rounds to 33",
			items: []model.ChecklistItem{
				{ID: "a", Required: true, Done: true},
				{ID: "b", Required: true},
				{ID: "c", Required: true},
			},
			want: 33,
		},
		{
			name: "two of three rounds to 67",
			items: []model.ChecklistItem{
				{ID: "a", Required: true, Done: true},
				{ID: "b", Required: true, Done: true},
				{ID: "c", Required: true},
				{ID: "d", Done: false},
			},
			want: 67,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, CompletionPercent(tc.items))
		})
	}
}

func newTestDB(t *testing.T) *gorm.DB {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.Checklist{}))
	t.Cleanup(func() {
		sqlDB, _ := db.DB()
		sqlDB.Close()
	})
	return db
}

func TestGormProvider_GetOrCreateUsesTemplate(t *testing.T) {
	db := newTestDB(t)
	provider := NewGormProvider(db, config.ChecklistConfig{
		Templates: map[string][]config.ChecklistTemplateItem{
			"bathroom": {
				{ID: "sink", Title: "Clean sink", Required: true},
				{ID: "mirror", Title: "Polish mirror"},
			},
		},
	})
	task := &model.Task{ID: 7, RoomType: "bathroom"}

	first, err := provider.GetOrCreate(context.Background(), task)
	require.NoError(t, err)
	items, err := first.DecodeItems()
	require.NoError(t, err)
	assert.Len(t, items, 2)
	assert.Equal(t, 0, first.CompletionPercent)

	again, err := provider.GetOrCreate(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	var count int64
	db.Model(&model.Checklist{}).Where("task_id = ?", 7).Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestGormProvider_ReplaceItems(t *testing.T) {
	db := newTestDB(t)
	provider := NewGormProvider(db, config.ChecklistConfig{})
	task := &model.Task{ID: 9, RoomType: "office"}

	list, err := provider.ReplaceItems(context.Background(), task, []model.ChecklistItem{
		{ID: "desk", Required: true, Done: true},
		{ID: "floor", Required: true},
	})
	require.NoError(t, err)
	assert.Equal(t, 50, list.CompletionPercent)

	var stored model.Checklist
	require.NoError(t, db.Where("task_id = ?", 9).First(&stored).Error)
	assert.Equal(t, 50, stored.CompletionPercent)
	items, err := stored.DecodeItems()
	require.NoError(t, err)
	assert.Equal(t, "floor", items[1].ID)
}

func TestMergeItems(t *testing.T) {
	known := []model.ChecklistItem{
		{ID: "sink", Title: "Clean sink", Required: true},
		{ID: "mirror", Title: "Polish mirror"},
		{ID: "floor", Title: "Mop floor", Required: true},
	}

	got := mergeItems(known, []model.ChecklistItem{
		{ID: "sink", Done: true},
		{ID: "mirror", Required: true, Done: true},
		{ID: "extra", Title: "Water plants", Required: true},
	})

	assert.Equal(t, []model.ChecklistItem{
		{ID: "sink", Title: "Clean sink", Required: true, Done: true},
		{ID: "mirror", Title: "Polish mirror", Done: true},
		{ID: "extra", Title: "Water plants", Required: true},
		{ID: "floor", Title: "Mop floor", Required: true},
	}, got)
	assert.Equal(t, 33, CompletionPercent(got))
}

func TestGormProvider_ReplaceItemsKeepsTemplateRequirements(t *testing.T) {
	db := newTestDB(t)
	provider := NewGormProvider(db, config.ChecklistConfig{
		Templates: map[string][]config.ChecklistTemplateItem{
			"default": {{ID: "floor", Title: "Mop floor", Required: true}},
		},
	})
	task := &model.Task{ID: 11, RoomType: "kitchen"}

	list, err := provider.ReplaceItems(context.Background(), task, []model.ChecklistItem{
		{ID: "floor", Required: false},
		{ID: "hob", Done: true},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, list.CompletionPercent)
}

func TestGormProvider_WithTxRollsBack(t *testing.T) {
	db := newTestDB(t)
	provider := NewGormProvider(db, config.ChecklistConfig{})
	task := &model.Task{ID: 12, RoomType: "office"}

	err := store.NewGormStore(db).Transaction(context.Background(), func(tx store.Store) error {
		if _, err := provider.WithTx(tx).ReplaceItems(context.Background(), task, []model.ChecklistItem{{ID: "desk"}}); err != nil {
			return err
		}
		return errors.New("abort")
	})
	require.EqualError(t, err, "abort")

	var count int64
	require.NoError(t, db.Model(&model.Checklist{}).Where("task_id = ?", 12).Count(&count).Error)
	assert.Zero(t, count)
}

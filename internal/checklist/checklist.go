// Package checklist persists per-task checklists and computes their completion.
package checklist

import (
	"context"
	"errors"
	"fmt"
	"math"

	"gorm.io/gorm"

	"cleaning-sync-backend/config"
	"cleaning-sync-backend/internal/model"
	"cleaning-sync-backend/internal/store"
)

// Provider creates and updates task checklists.
type Provider interface {
	GetOrCreate(ctx context.Context, task *model.Task) (*model.Checklist, error)
	ReplaceItems(ctx context.Context, task *model.Task, items []model.ChecklistItem) (*model.Checklist, error)
	// WithTx returns a provider whose writes join tx.
	WithTx(tx store.Store) Provider
}

// GormProvider stores checklists in the relational store and seeds new ones
// from the configured room-type templates.
type GormProvider struct {
	db        *gorm.DB
	templates map[string][]config.ChecklistTemplateItem
}

// NewGormProvider creates a checklist provider.
func NewGormProvider(db *gorm.DB, cfg config.ChecklistConfig) *GormProvider {
	return &GormProvider{db: db, templates: cfg.Templates}
}

// WithTx implements Provider.
func (p *GormProvider) WithTx(tx store.Store) Provider {
	return &GormProvider{db: tx.DB(), templates: p.templates}
}

// GetOrCreate returns the task's checklist, creating it from the template of
// the task's room type when it does not exist yet.
func (p *GormProvider) GetOrCreate(ctx context.Context, task *model.Task) (*model.Checklist, error) {
	existing, err := p.find(ctx, task.ID)
	if err != nil || existing != nil {
		return existing, err
	}

	items := p.templateItems(task.RoomType)
	list := &model.Checklist{TaskID: task.ID, CompletionPercent: CompletionPercent(items)}
	if err := list.SetItems(items); err != nil {
		return nil, fmt.Errorf("failed to encode checklist items: %w", err)
	}

	// The savepoint keeps a lost race from aborting an enclosing transaction.
	err = p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(list).Error
	})
	if err != nil {
		if store.IsUniqueViolation(err) {
			// Created concurrently; the stored row wins.
			return p.find(ctx, task.ID)
		}
		return nil, fmt.Errorf("failed to create checklist for task %d: %w", task.ID, err)
	}
	return list, nil
}

// ReplaceItems overwrites the checklist items and recomputes the completion.
// Whether an item is required is decided by the stored checklist and the
// room template, never by the caller, and required items cannot be dropped.
func (p *GormProvider) ReplaceItems(ctx context.Context, task *model.Task, items []model.ChecklistItem) (*model.Checklist, error) {
	list, err := p.GetOrCreate(ctx, task)
	if err != nil {
		return nil, err
	}
	stored, err := list.DecodeItems()
	if err != nil {
		return nil, fmt.Errorf("failed to decode checklist of task %d: %w", task.ID, err)
	}
	items = mergeItems(append(stored, p.templateItems(task.RoomType)...), items)

	if err := list.SetItems(items); err != nil {
		return nil, fmt.Errorf("failed to encode checklist items: %w", err)
	}
	list.CompletionPercent = CompletionPercent(items)

	if err := p.db.WithContext(ctx).
		Model(&model.Checklist{}).
		Where("id = ?", list.ID).
		Updates(map[string]any{
			"items":              list.Items,
			"completion_percent": list.CompletionPercent,
		}).Error; err != nil {
		return nil, fmt.Errorf("failed to replace checklist items of task %d: %w", task.ID, err)
	}
	return list, nil
}

// mergeItems applies the caller's items over the known ones. Known ids keep
// their required flag; required known items missing from incoming are kept
// as they were.
func mergeItems(known, incoming []model.ChecklistItem) []model.ChecklistItem {
	byID := make(map[string]model.ChecklistItem, len(known))
	for _, item := range known {
		if _, ok := byID[item.ID]; !ok {
			byID[item.ID] = item
		}
	}

	merged := make([]model.ChecklistItem, 0, len(incoming))
	seen := make(map[string]bool, len(incoming))
	for _, item := range incoming {
		if k, ok := byID[item.ID]; ok {
			item.Required = k.Required
			if item.Title == "" {
				item.Title = k.Title
			}
		}
		seen[item.ID] = true
		merged = append(merged, item)
	}
	for _, item := range known {
		if item.Required && !seen[item.ID] {
			seen[item.ID] = true
			merged = append(merged, item)
		}
	}
	return merged
}

func (p *GormProvider) find(ctx context.Context, taskID int64) (*model.Checklist, error) {
	var list model.Checklist
	err := p.db.WithContext(ctx).Where("task_id = ?", taskID).First(&list).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checklist of task %d: %w", taskID, err)
	}
	return &list, nil
}

func (p *GormProvider) templateItems(roomType string) []model.ChecklistItem {
	tpl, ok := p.templates[roomType]
	if !ok {
		tpl = p.templates["default"]
	}
	items := make([]model.ChecklistItem, 0, len(tpl))
	for _, t := range tpl {
		items = append(items, model.ChecklistItem{ID: t.ID, Title: t.Title, Required: t.Required})
	}
	return items
}

// CompletionPercent is done required items over all required items, rounded
// to the nearest percent. A checklist without required items is complete.
func CompletionPercent(items []model.ChecklistItem) int {
	var required, done int
	for _, item := range items {
		if !item.Required {
			continue
		}
		required++
		if item.Done {
			done++
		}
	}
	if required == 0 {
		return 100
	}
	return int(math.Round(float64(done) * 100 / float64(required)))
}

package model

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// ChecklistItem is a single line of a task checklist.
type ChecklistItem struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Required bool   `json:"required"`
	Done     bool   `json:"done"`
}

// Checklist holds the items of one task. It is frozen once the task completes.
type Checklist struct {
	ID                int64          `gorm:"primaryKey" json:"id"`
	TaskID            int64          `gorm:"not null;uniqueIndex" json:"task_id"`
	Items             datatypes.JSON `json:"items"`
	CompletionPercent int            `gorm:"not null;default:0" json:"completion_percent"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// DecodeItems returns the checklist items.
func (c *Checklist) DecodeItems() ([]ChecklistItem, error) {
	if len(c.Items) == 0 {
		return []ChecklistItem{}, nil
	}
	var items []ChecklistItem
	if err := json.Unmarshal(c.Items, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// SetItems replaces the encoded checklist items.
func (c *Checklist) SetItems(items []ChecklistItem) error {
	if items == nil {
		items = []ChecklistItem{}
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return err
	}
	c.Items = datatypes.JSON(raw)
	return nil
}

package draft

import (
	"context"
	"fmt"

	"github.com/zulandar/atlasfeed/internal/models"
	"gorm.io/gorm"
)

// GormJournal stores draft actions in the draft_actions table.
type GormJournal struct {
	db *gorm.DB
}

// NewJournal creates a journal backed by db. The table must already be
// migrated (see db.AutoMigrate).
func NewJournal(db *gorm.DB) *GormJournal {
	return &GormJournal{db: db}
}

// Record appends one action.
func (j *GormJournal) Record(ctx context.Context, action models.DraftAction) error {
	if err := j.db.WithContext(ctx).Create(&action).Error; err != nil {
		return fmt.Errorf("draft: journal record %s: %w", action.DraftID, err)
	}
	return nil
}

// Restore returns the terminal state of every draft that reached one. A
// send only counts when it succeeded; a dismissal counts regardless since
// it is applied locally first.
func (j *GormJournal) Restore(ctx context.Context) (map[string]models.DraftState, error) {
	var rows []models.DraftAction
	err := j.db.WithContext(ctx).
		Where("(to_state = ? AND error = '') OR to_state = ?", string(models.DraftSent), string(models.DraftDismissed)).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("draft: journal restore: %w", err)
	}
	states := make(map[string]models.DraftState, len(rows))
	for _, r := range rows {
		if _, done := states[r.DraftID]; done {
			continue
		}
		states[r.DraftID] = models.DraftState(r.ToState)
	}
	return states, nil
}

// Recent returns the newest actions, newest first. draftID narrows the
// result to one draft when non-empty.
func (j *GormJournal) Recent(ctx context.Context, draftID string, limit int) ([]models.DraftAction, error) {
	q := j.db.WithContext(ctx).Order("id DESC")
	if draftID != "" {
		q = q.Where("draft_id = ?", draftID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []models.DraftAction
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("draft: journal recent: %w", err)
	}
	return rows, nil
}

package repo

import (
	"gorm.io/gorm"

	"swim/internal/models"
)

type ZTPStore struct {
	db *gorm.DB
}

func NewZTPStore(db *gorm.DB) *ZTPStore {
	return &ZTPStore{db: db}
}

func (s *ZTPStore) PolicyByToken(token string) (*models.ZTPWorkflow, error) {
	var m models.ZTPWorkflow
	err := s.db.
		Preload("Workflow").
		Preload("Workflow.Steps", orderedSteps).
		Preload("PreChecks").
		Preload("PostChecks").
		Where("webhook_token = ?", token).
		First(&m).Error
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// BumpCounters — атомарные инкременты; total растёт вместе с исходом,
// чтобы completed+failed+skipped == total держалось в любой момент.
func (s *ZTPStore) BumpCounters(id uint, completed, failed, skipped int64) error {
	delta := completed + failed + skipped
	if delta == 0 {
		return nil
	}
	return s.db.Model(&models.ZTPWorkflow{}).Where("id = ?", id).
		Updates(map[string]any{
			"total":     gorm.Expr("total + ?", delta),
			"completed": gorm.Expr("completed + ?", completed),
			"failed":    gorm.Expr("failed + ?", failed),
			"skipped":   gorm.Expr("skipped + ?", skipped),
		}).Error
}

package repo

import (
	"errors"

	"gorm.io/gorm"

	"swim/internal/models"
)

// ErrLastWorkflow guards the invariant that at least one workflow exists.
var ErrLastWorkflow = errors.New("cannot delete the last workflow")

type WorkflowStore struct {
	db *gorm.DB
}

func NewWorkflowStore(db *gorm.DB) *WorkflowStore {
	return &WorkflowStore{db: db}
}

func orderedSteps(db *gorm.DB) *gorm.DB {
	return db.Order("step_order ASC, id ASC")
}

func (s *WorkflowStore) GetWorkflow(id uint) (*models.Workflow, error) {
	var m models.Workflow
	if err := s.db.Preload("Steps", orderedSteps).First(&m, id).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// DefaultWorkflow — помеченный is_default, иначе самый старый.
func (s *WorkflowStore) DefaultWorkflow() (*models.Workflow, error) {
	var m models.Workflow
	err := s.db.Preload("Steps", orderedSteps).
		Where("is_default = ?", true).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		err = s.db.Preload("Steps", orderedSteps).Order("id ASC").First(&m).Error
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *WorkflowStore) ListWorkflows() ([]models.Workflow, error) {
	var ws []models.Workflow
	err := s.db.Preload("Steps", orderedSteps).Order("id ASC").Find(&ws).Error
	return ws, err
}

func (s *WorkflowStore) CreateWorkflow(w *models.Workflow) error {
	return s.db.Create(w).Error
}

func (s *WorkflowStore) SaveWorkflow(w *models.Workflow) error {
	return s.db.Save(w).Error
}

// SetDefault — ровно один default за раз.
func (s *WorkflowStore) SetDefault(id uint) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Workflow{}).
			Where("is_default = ?", true).
			Update("is_default", false).Error; err != nil {
			return err
		}
		res := tx.Model(&models.Workflow{}).
			Where("id = ?", id).
			Update("is_default", true)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
}

// DeleteWorkflow refuses to delete the last remaining workflow; if the
// deleted one was the default, the oldest survivor inherits the flag.
func (s *WorkflowStore) DeleteWorkflow(id uint) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var total int64
		if err := tx.Model(&models.Workflow{}).Count(&total).Error; err != nil {
			return err
		}
		if total <= 1 {
			return ErrLastWorkflow
		}
		var m models.Workflow
		if err := tx.First(&m, id).Error; err != nil {
			return err
		}
		if err := tx.Where("workflow_id = ?", id).
			Delete(&models.WorkflowStep{}).Error; err != nil {
			return err
		}
		if err := tx.Delete(&m).Error; err != nil {
			return err
		}
		if m.IsDefault {
			var next models.Workflow
			if err := tx.Order("id ASC").First(&next).Error; err != nil {
				return err
			}
			return tx.Model(&next).Update("is_default", true).Error
		}
		return nil
	})
}

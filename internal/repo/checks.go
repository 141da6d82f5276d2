package repo

import (
	"gorm.io/gorm"

	"swim/internal/models"
)

type CheckStore struct {
	db *gorm.DB
}

func NewCheckStore(db *gorm.DB) *CheckStore {
	return &CheckStore{db: db}
}

// ChecksForJob — выбранные для job проверки, иначе дефолтный набор.
// phase filters on CheckType (pre | post | both).
func (s *CheckStore) ChecksForJob(j *models.Job, phase string) ([]models.ValidationCheck, error) {
	matches := func(c models.ValidationCheck) bool {
		return c.CheckType == "both" || c.CheckType == phase
	}

	if len(j.SelectedChecks) > 0 {
		out := make([]models.ValidationCheck, 0, len(j.SelectedChecks))
		for _, c := range j.SelectedChecks {
			if matches(c) {
				out = append(out, c)
			}
		}
		return out, nil
	}

	var all []models.ValidationCheck
	err := s.db.Where("is_default = ?", true).Order("id ASC").Find(&all).Error
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, c := range all {
		if matches(c) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *CheckStore) CreateCheckRun(r *models.CheckRun) error {
	return s.db.Create(r).Error
}

func (s *CheckStore) FinishCheckRun(id uint, status, output string) error {
	return s.db.Model(&models.CheckRun{}).Where("id = ?", id).
		Updates(map[string]any{"status": status, "output": output}).Error
}

// RunsForJob — все прогоны фазы по job, в порядке создания.
func (s *CheckStore) RunsForJob(jobID uint, phase string) ([]models.CheckRun, error) {
	var runs []models.CheckRun
	err := s.db.Preload("ValidationCheck").
		Where("job_id = ? AND phase = ?", jobID, phase).
		Order("id ASC").
		Find(&runs).Error
	return runs, err
}

package repo

import (
	"time"

	"gorm.io/gorm"

	"swim/internal/models"
)

type JobStore struct {
	db *gorm.DB
}

func NewJobStore(db *gorm.DB) *JobStore {
	return &JobStore{db: db}
}

func (s *JobStore) CreateJob(j *models.Job) error {
	return s.db.Create(j).Error
}

func (s *JobStore) SaveJob(j *models.Job) error {
	return s.db.Save(j).Error
}

func (s *JobStore) GetJob(id uint) (*models.Job, error) {
	var m models.Job
	err := s.db.
		Preload("Device").
		Preload("Device.Hw").
		Preload("Device.Hw.DefaultImage").
		Preload("Device.Site").
		Preload("Image").
		Preload("Image.FileServer").
		Preload("FileServer").
		Preload("Workflow").
		Preload("Workflow.Steps", func(db *gorm.DB) *gorm.DB {
			return db.Order("step_order ASC, id ASC")
		}).
		Preload("SelectedChecks").
		First(&m, id).Error
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// JobStatus re-reads only the status column. The engine calls this between
// steps, so it must observe cancellations made by other processes.
func (s *JobStore) JobStatus(id uint) (string, error) {
	var status string
	err := s.db.Model(&models.Job{}).Where("id = ?", id).
		Pluck("status", &status).Error
	return status, err
}

func (s *JobStore) SetJobStatus(id uint, status string) error {
	return s.db.Model(&models.Job{}).Where("id = ?", id).
		Update("status", status).Error
}

// TransitionStatus — условный переход from→to одним UPDATE.
// false = кто-то успел раньше (job уже не в from).
func (s *JobStore) TransitionStatus(id uint, from, to string) (bool, error) {
	tx := s.db.Model(&models.Job{}).
		Where("id = ? AND status = ?", id, from).
		Update("status", to)
	return tx.RowsAffected == 1, tx.Error
}

// AppendJobLog grows the log column in place. Concat happens in SQL so that
// concurrent writers never clobber each other's lines.
func (s *JobStore) AppendJobLog(id uint, line string) error {
	var expr any
	switch s.db.Dialector.Name() {
	case "mysql":
		expr = gorm.Expr("CONCAT(COALESCE(log, ''), ?)", line)
	default: // postgres, sqlite
		expr = gorm.Expr("COALESCE(log, '') || ?", line)
	}
	return s.db.Model(&models.Job{}).Where("id = ?", id).
		Update("log", expr).Error
}

// SetJobSteps replaces the whole execution record (used when the plan is
// first resolved).
func (s *JobStore) SetJobSteps(id uint, steps models.StepList) error {
	return s.db.Model(&models.Job{}).Where("id = ?", id).
		Update("steps", steps).Error
}

// UpsertJobStep updates the step record at plan position idx, or appends
// when idx is out of range. Positional: a plan may carry two steps with the
// same name. Read-modify-write inside a transaction: Steps is a JSON column.
func (s *JobStore) UpsertJobStep(id uint, idx int, rec models.StepRecord) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var m models.Job
		if err := tx.Select("id", "steps").First(&m, id).Error; err != nil {
			return err
		}
		if idx >= 0 && idx < len(m.Steps) {
			m.Steps[idx].Status = rec.Status
			m.Steps[idx].Timestamp = rec.Timestamp
			if rec.StepType != "" {
				m.Steps[idx].StepType = rec.StepType
			}
		} else {
			m.Steps = append(m.Steps, rec)
		}
		return tx.Model(&models.Job{}).Where("id = ?", id).
			Update("steps", m.Steps).Error
	})
}

// ScheduleJob pins the distribution window and status in one update.
func (s *JobStore) ScheduleJob(id uint, at time.Time, status string) error {
	return s.db.Model(&models.Job{}).Where("id = ?", id).
		Updates(map[string]any{"distribution_time": at, "status": status}).Error
}

// DueScheduledJobs — scheduled-джобы с подошедшим distribution_time.
// Limit bounds one tick's worth of work.
func (s *JobStore) DueScheduledJobs(now time.Time, limit int) ([]models.Job, error) {
	var jobs []models.Job
	err := s.db.
		Where("status = ? AND distribution_time IS NOT NULL AND distribution_time <= ?",
			models.JobScheduled, now).
		Order("distribution_time ASC").
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}

func (s *JobStore) JobsByBatch(batchID string) ([]models.Job, error) {
	var jobs []models.Job
	err := s.db.Where("batch_id = ?", batchID).Order("id ASC").Find(&jobs).Error
	return jobs, err
}

func (s *JobStore) ListJobs(status string, limit, offset int) ([]models.Job, error) {
	q := s.db.Preload("Device").Order("id DESC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if limit > 0 {
		q = q.Limit(limit).Offset(offset)
	}
	var jobs []models.Job
	err := q.Find(&jobs).Error
	return jobs, err
}

func (s *JobStore) CountJobs(statuses ...string) (map[string]int64, error) {
	out := make(map[string]int64, len(statuses))
	for _, st := range statuses {
		var n int64
		if err := s.db.Model(&models.Job{}).Where("status = ?", st).Count(&n).Error; err != nil {
			return nil, err
		}
		out[st] = n
	}
	return out, nil
}

package models

import "gorm.io/gorm"

// Check phases and categories.
const (
	CheckPhasePre    = "pre"
	CheckPhasePost   = "post"
	CheckPhaseManual = "manual"

	CheckCategoryScript  = "script"
	CheckCategoryGenie   = "genie"
	CheckCategoryCommand = "command"
)

const (
	CheckRunPending = "pending"
	CheckRunRunning = "running"
	CheckRunSuccess = "success"
	CheckRunFailed  = "failed"
	CheckRunSkipped = "skipped"
)

// ValidationCheck — именованная валидация (команда, скрипт, genie-фича).
type ValidationCheck struct {
	gorm.Model
	Name        string `gorm:"size:100"`
	Description string
	CheckType   string `gorm:"size:10;default:both"`   // pre | post | both
	Category    string `gorm:"size:20;default:script"` // script | genie | command
	Command     string `gorm:"size:255"`
	IsDefault   bool
}

// CheckRun — одно выполнение валидации на устройстве.
type CheckRun struct {
	gorm.Model
	DeviceID uint `gorm:"index"`
	Device   *Device

	JobID *uint `gorm:"index"`
	Job   *Job

	ValidationCheckID uint `gorm:"index"`
	ValidationCheck   *ValidationCheck

	Phase  string `gorm:"size:10"` // pre | post | manual
	Status string `gorm:"size:20;default:pending"`
	Output string `gorm:"type:text"`
}

// GoldenImage — соответствие платформа/сайт → образ (compliance lookup).
type GoldenImage struct {
	gorm.Model
	Platform string `gorm:"size:50;index:idx_golden,unique,priority:1"`
	Site     string `gorm:"size:100;default:Global;index:idx_golden,unique,priority:2"`
	ImageID  uint
	Image    *Image
}

// ZTPWorkflow — политика авто-провижининга по вебхуку.
type ZTPWorkflow struct {
	gorm.Model
	Name string `gorm:"uniqueIndex;size:100"`

	WorkflowID *uint
	Workflow   *Workflow

	// Optional filters; empty = match anything.
	SiteFilter     string `gorm:"size:100"`
	PlatformFilter string `gorm:"size:50"`
	ModelFilter    string `gorm:"size:100"`
	FamilyFilter   string `gorm:"size:20"`

	WebhookToken string `gorm:"uniqueIndex;size:64"`

	PreChecks  []ValidationCheck `gorm:"many2many:ztp_pre_checks"`
	PostChecks []ValidationCheck `gorm:"many2many:ztp_post_checks"`

	// Running totals; completed+failed+skipped == total at all times.
	Total     int64
	Completed int64
	Failed    int64
	Skipped   int64
}

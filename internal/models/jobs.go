package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// Job statuses. Terminal: success, failed, cancelled.
const (
	JobPending      = "pending"
	JobScheduled    = "scheduled"
	JobRunning      = "running"
	JobDistributing = "distributing"
	JobDistributed  = "distributed"
	JobActivating   = "activating"
	JobSuccess      = "success"
	JobFailed       = "failed"
	JobCancelled    = "cancelled"
)

// Step types understood by the engine dispatch table.
const (
	StepReadiness    = "readiness"
	StepDistribution = "distribution"
	StepPreCheck     = "precheck"
	StepActivation   = "activation"
	StepPostCheck    = "postcheck"
	StepPing         = "ping"
	StepWait         = "wait"
	StepVerification = "verification"
	StepCustom       = "custom"
)

// Step statuses recorded into Job.Steps.
const (
	StepStatusPending = "pending"
	StepStatusRunning = "running"
	StepStatusSuccess = "success"
	StepStatusFailed  = "failed"
	StepStatusWarning = "warning"
	StepStatusSkipped = "skipped"
)

const (
	ModeParallel   = "parallel"
	ModeSequential = "sequential"
)

func IsTerminal(status string) bool {
	switch status {
	case JobSuccess, JobFailed, JobCancelled:
		return true
	}
	return false
}

// Workflow — именованный шаблон шагов; job снимает с него копию.
type Workflow struct {
	gorm.Model
	Name        string `gorm:"size:100"`
	Description string
	IsDefault   bool `gorm:"index"`

	Steps []WorkflowStep `gorm:"constraint:OnDelete:CASCADE"`
}

type WorkflowStep struct {
	gorm.Model
	WorkflowID uint   `gorm:"index"`
	Name       string `gorm:"size:100"`
	StepType   string `gorm:"size:50"`
	StepOrder  int    `gorm:"column:step_order;default:0;index"`
	Config     StepConfig
}

// Job — одна попытка апгрейда одного устройства.
type Job struct {
	gorm.Model
	DeviceID uint `gorm:"index"`
	Device   *Device

	ImageID *uint
	Image   *Image

	FileServerID *uint
	FileServer   *FileServer

	WorkflowID *uint
	Workflow   *Workflow

	Status   string `gorm:"size:20;default:pending;index"`
	TaskName string `gorm:"size:100;default:Upgrade-Task"`

	ExecutionMode string `gorm:"size:20;default:parallel"` // parallel | sequential
	BatchID       string `gorm:"size:36;index"`

	DistributionTime *time.Time `gorm:"index"`
	ActivationTime   *time.Time

	ActivateAfterDistribute bool `gorm:"default:true"`
	CleanupFlash            bool

	SelectedChecks []ValidationCheck `gorm:"many2many:job_checks"`

	// Execution record: snapshot of the plan plus per-step status.
	// Single source of truth for both the engine and the UI.
	Steps StepList

	// Append-only; never overwritten, only grown.
	Log string `gorm:"type:text"`
}

// StepRecord — один элемент execution record внутри Job.Steps.
type StepRecord struct {
	Name      string     `json:"name"`
	StepType  string     `json:"step_type,omitempty"`
	Status    string     `json:"status"`
	Timestamp string     `json:"timestamp,omitempty"`
	Config    StepConfig `json:"config,omitempty"`
}

// StepList хранится как JSON-колонка (см. Valuer/Scanner ниже).
type StepList []StepRecord

func (l StepList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	ba, err := json.Marshal([]StepRecord(l))
	return string(ba), err
}

func (l *StepList) Scan(val any) error {
	ba, err := jsonBytes(val)
	if err != nil {
		return err
	}
	t := []StepRecord{}
	if err := json.Unmarshal(ba, &t); err != nil {
		return err
	}
	*l = StepList(t)
	return nil
}

func (StepList) GormDataType() string { return "steplist" }

func (StepList) GormDBDataType(db *gorm.DB, field *schema.Field) string { return "text" }

// StepConfig — произвольный конфиг шага из workflow-шаблона.
type StepConfig map[string]any

func (c StepConfig) Value() (driver.Value, error) {
	if c == nil {
		return "{}", nil
	}
	ba, err := json.Marshal(map[string]any(c))
	return string(ba), err
}

func (c *StepConfig) Scan(val any) error {
	ba, err := jsonBytes(val)
	if err != nil {
		return err
	}
	t := map[string]any{}
	if err := json.Unmarshal(ba, &t); err != nil {
		return err
	}
	*c = StepConfig(t)
	return nil
}

func (StepConfig) GormDataType() string { return "stepconfig" }

func (StepConfig) GormDBDataType(db *gorm.DB, field *schema.Field) string { return "text" }

// Bool reads a boolean flag tolerating JSON's float/string decoding.
func (c StepConfig) Bool(key string) bool {
	switch v := c[key].(type) {
	case bool:
		return v
	case string:
		return v == "true" || v == "1" || v == "yes"
	case float64:
		return v != 0
	}
	return false
}

// Int reads an integer with a default; JSON numbers decode as float64.
func (c StepConfig) Int(key string, def int) int {
	switch v := c[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return def
}

func jsonBytes(val any) ([]byte, error) {
	switch v := val.(type) {
	case nil:
		return []byte("null"), nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, errors.New(fmt.Sprint("failed to unmarshal JSON value:", val))
	}
}

package models

import (
	"time"

	"gorm.io/datatypes"
)

type SyncRunStatus string

const (
	SyncRunStarted SyncRunStatus = "started"
	SyncRunSuccess SyncRunStatus = "success"
	SyncRunFailed  SyncRunStatus = "failed"
)

// Sync kinds recorded on a run
const (
	SyncKindFull        = "full"
	SyncKindIncremental = "incremental"
)

type SyncRun struct {
	ID          string            `gorm:"column:id;primaryKey"`
	CompanyID   int64             `gorm:"column:company_id;index"`
	Provider    string            `gorm:"column:provider"`
	Environment string            `gorm:"column:wise_environment"`
	Kind        string            `gorm:"column:kind"`
	Status      SyncRunStatus     `gorm:"column:status;index"`
	Counts      datatypes.JSONMap `gorm:"column:counts"`
	Error       *string           `gorm:"column:error_summary"`
	TraceID     string            `gorm:"column:trace_id"`
	StartedAt   time.Time         `gorm:"column:started_at"`
	FinishedAt  *time.Time        `gorm:"column:finished_at"`
}

// TableName specifies the table name for GORM
func (SyncRun) TableName() string {
	return "sync_run"
}

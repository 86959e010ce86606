package models

import (
	"time"

	"gorm.io/datatypes"
)

type AuditLog struct {
	ID          string            `gorm:"column:id;primaryKey"`
	CompanyID   *int64            `gorm:"column:company_id;index"`
	ActorUserID *int64            `gorm:"column:actor_user_id"`
	Action      string            `gorm:"column:action;index"`
	EntityType  string            `gorm:"column:entity_type"`
	EntityID    string            `gorm:"column:entity_id"`
	Metadata    datatypes.JSONMap `gorm:"column:metadata"`
	CreatedAt   time.Time         `gorm:"column:created_at;autoCreateTime"`
}

// TableName specifies the table name for GORM
func (AuditLog) TableName() string {
	return "audit_log"
}

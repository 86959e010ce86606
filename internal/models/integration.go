package models

import "time"

const ProviderWise = "wise"

// Integration status constants
const (
	IntegrationConnected    = "connected"
	IntegrationDisconnected = "disconnected"
)

// Integration tracks whether a company has a provider connected at all
type Integration struct {
	ID        string    `gorm:"column:id;primaryKey"`
	CompanyID int64     `gorm:"column:company_id;uniqueIndex:idx_integration_company_type"`
	Type      string    `gorm:"column:type;uniqueIndex:idx_integration_company_type"`
	Status    string    `gorm:"column:status"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for GORM
func (Integration) TableName() string {
	return "integration"
}

package models

import "time"

// ProviderSettings are per-company overrides for the Wise app credentials
type ProviderSettings struct {
	ID                     string    `gorm:"column:id;primaryKey"`
	CompanyID              int64     `gorm:"column:company_id;uniqueIndex:idx_wise_settings_company_env"`
	Environment            string    `gorm:"column:wise_environment;uniqueIndex:idx_wise_settings_company_env"`
	ClientID               *string   `gorm:"column:client_id"`
	ClientSecretEncrypted  *string   `gorm:"column:client_secret_encrypted"`
	WebhookSecretEncrypted *string   `gorm:"column:webhook_secret_encrypted"`
	CreatedAt              time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt              time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for GORM
func (ProviderSettings) TableName() string {
	return "wise_settings"
}

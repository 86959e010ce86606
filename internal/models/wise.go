package models

import (
	"time"

	"gorm.io/datatypes"
)

type WiseProfile struct {
	ID          string         `gorm:"column:id;primaryKey"`
	CompanyID   int64          `gorm:"column:company_id;uniqueIndex:idx_wise_profile_company_native"`
	ProfileID   string         `gorm:"column:wise_profile_id;uniqueIndex:idx_wise_profile_company_native"`
	Environment string         `gorm:"column:wise_environment"`
	ProfileType string         `gorm:"column:profile_type"`
	Details     datatypes.JSON `gorm:"column:details"`
	FetchedAt   time.Time      `gorm:"column:fetched_at"`
}

// TableName specifies the table name for GORM
func (WiseProfile) TableName() string {
	return "wise_profile"
}

type WiseBalanceAccount struct {
	ID               string         `gorm:"column:id;primaryKey"`
	CompanyID        int64          `gorm:"column:company_id;uniqueIndex:idx_wise_balance_account_company_native"`
	BalanceAccountID string         `gorm:"column:wise_balance_account_id;uniqueIndex:idx_wise_balance_account_company_native"`
	Environment      string         `gorm:"column:wise_environment;index"`
	ProfileID        string         `gorm:"column:wise_profile_id"`
	Currency         string         `gorm:"column:currency"`
	Name             *string        `gorm:"column:name"`
	Status           *string        `gorm:"column:status"`
	Details          datatypes.JSON `gorm:"column:details"`
	FetchedAt        time.Time      `gorm:"column:fetched_at"`
}

// TableName specifies the table name for GORM
func (WiseBalanceAccount) TableName() string {
	return "wise_balance_account"
}

// WiseBalance is an append-only balance observation
type WiseBalance struct {
	ID               string    `gorm:"column:id;primaryKey"`
	CompanyID        int64     `gorm:"column:company_id;index"`
	BalanceAccountID string    `gorm:"column:wise_balance_account_id;index"`
	Currency         string    `gorm:"column:currency"`
	Amount           float64   `gorm:"column:amount"`
	ObservedAt       time.Time `gorm:"column:observed_at"`
	FetchedAt        time.Time `gorm:"column:fetched_at"`
}

// TableName specifies the table name for GORM
func (WiseBalance) TableName() string {
	return "wise_balance"
}

type WiseTransaction struct {
	ID               string         `gorm:"column:id;primaryKey"`
	CompanyID        int64          `gorm:"column:company_id;uniqueIndex:idx_wise_transaction_company_native"`
	TransactionID    string         `gorm:"column:wise_transaction_id;uniqueIndex:idx_wise_transaction_company_native"`
	BalanceAccountID string         `gorm:"column:wise_balance_account_id;index"`
	OccurredAt       time.Time      `gorm:"column:occurred_at"`
	Amount           float64        `gorm:"column:amount"`
	Currency         string         `gorm:"column:currency"`
	Description      *string        `gorm:"column:description"`
	Raw              datatypes.JSON `gorm:"column:raw"`
	FetchedAt        time.Time      `gorm:"column:fetched_at"`
}

// TableName specifies the table name for GORM
func (WiseTransaction) TableName() string {
	return "wise_transaction_raw"
}

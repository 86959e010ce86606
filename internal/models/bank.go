package models

import "time"

// BankAccount is the provider-neutral account the rest of the platform reads
type BankAccount struct {
	ID                string    `gorm:"column:id;primaryKey"`
	CompanyID         int64     `gorm:"column:company_id;uniqueIndex:idx_bank_account_provider_native"`
	Provider          string    `gorm:"column:provider;uniqueIndex:idx_bank_account_provider_native"`
	ProviderAccountID string    `gorm:"column:provider_account_id;uniqueIndex:idx_bank_account_provider_native"`
	Name              string    `gorm:"column:name"`
	Currency          string    `gorm:"column:currency"`
	Balance           float64   `gorm:"column:balance"`
	CreatedAt         time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for GORM
func (BankAccount) TableName() string {
	return "bank_account"
}

type BankBalance struct {
	ID                string    `gorm:"column:id;primaryKey"`
	CompanyID         int64     `gorm:"column:company_id;index"`
	BankAccountID     string    `gorm:"column:bank_account_id;index"`
	Provider          string    `gorm:"column:provider"`
	ProviderAccountID string    `gorm:"column:provider_account_id"`
	Currency          string    `gorm:"column:currency"`
	Balance           float64   `gorm:"column:balance"`
	CapturedAt        time.Time `gorm:"column:captured_at"`
}

// TableName specifies the table name for GORM
func (BankBalance) TableName() string {
	return "bank_balance"
}

type BankTransaction struct {
	ID                    string    `gorm:"column:id;primaryKey"`
	CompanyID             int64     `gorm:"column:company_id;uniqueIndex:idx_bank_transaction_provider_native"`
	Provider              string    `gorm:"column:provider;uniqueIndex:idx_bank_transaction_provider_native"`
	ProviderTransactionID string    `gorm:"column:provider_transaction_id;uniqueIndex:idx_bank_transaction_provider_native"`
	BankAccountID         string    `gorm:"column:bank_account_id;index"`
	PostedAt              time.Time `gorm:"column:posted_at"`
	Amount                float64   `gorm:"column:amount"`
	Currency              string    `gorm:"column:currency"`
	Description           *string   `gorm:"column:description"`
	Category              *string   `gorm:"column:category"`
	RawReference          *string   `gorm:"column:raw_reference"`
	CreatedAt             time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt             time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for GORM
func (BankTransaction) TableName() string {
	return "bank_transaction"
}

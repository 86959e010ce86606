package models

import (
	"time"

	"gorm.io/datatypes"
)

// Transfer status constants. Wise reports more states than these; anything
// not final is refreshed by the transfer refresh task.
const (
	TransferCreated             = "created"
	TransferOutgoingPaymentSent = "outgoing_payment_sent"
	TransferCancelled           = "cancelled"
	TransferFundsRefunded       = "funds_refunded"
	TransferBouncedBack         = "bounced_back"
	TransferChargedBack         = "charged_back"
)

// FinalTransferStatuses lists states that never change again
var FinalTransferStatuses = []string{
	TransferOutgoingPaymentSent,
	TransferCancelled,
	TransferFundsRefunded,
	TransferBouncedBack,
	TransferChargedBack,
}

type WiseTransfer struct {
	ID              string         `gorm:"column:id;primaryKey"`
	CompanyID       int64          `gorm:"column:company_id;uniqueIndex:idx_wise_transfer_company_key"`
	IdempotencyKey  string         `gorm:"column:idempotency_key;uniqueIndex:idx_wise_transfer_company_key"`
	Environment     string         `gorm:"column:wise_environment"`
	Status          string         `gorm:"column:status"`
	Reference       string         `gorm:"column:reference"`
	WiseTransferID  *string        `gorm:"column:wise_transfer_id"`
	CreatedByUserID *int64         `gorm:"column:created_by_user_id"`
	Approvals       datatypes.JSON `gorm:"column:approvals"`
	Raw             datatypes.JSON `gorm:"column:raw"`
	CreatedAt       time.Time      `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time      `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for GORM
func (WiseTransfer) TableName() string {
	return "wise_transfer"
}

type WiseBatch struct {
	ID              string         `gorm:"column:id;primaryKey"`
	CompanyID       int64          `gorm:"column:company_id;uniqueIndex:idx_wise_batch_company_key"`
	IdempotencyKey  string         `gorm:"column:idempotency_key;uniqueIndex:idx_wise_batch_company_key"`
	Environment     string         `gorm:"column:wise_environment"`
	Status          string         `gorm:"column:status"`
	Reference       string         `gorm:"column:reference"`
	WiseBatchID     *string        `gorm:"column:wise_batch_id"`
	CreatedByUserID *int64         `gorm:"column:created_by_user_id"`
	Approvals       datatypes.JSON `gorm:"column:approvals"`
	Raw             datatypes.JSON `gorm:"column:raw"`
	CreatedAt       time.Time      `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time      `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for GORM
func (WiseBatch) TableName() string {
	return "wise_batch"
}

package models

import (
	"time"

	"gorm.io/datatypes"
)

// Webhook subscription status constants
const (
	SubscriptionActive   = "active"
	SubscriptionInactive = "inactive"
)

// Webhook receipt status constants
const (
	ReceiptReceived = "received"
	ReceiptRejected = "rejected"
)

type WebhookSubscription struct {
	ID              string         `gorm:"column:id;primaryKey"`
	CompanyID       int64          `gorm:"column:company_id;index"`
	Environment     string         `gorm:"column:wise_environment"`
	SubscriptionID  string         `gorm:"column:wise_subscription_id;uniqueIndex"`
	EventTypes      datatypes.JSON `gorm:"column:event_types"`
	Status          string         `gorm:"column:status"`
	SecretEncrypted *string        `gorm:"column:secret_encrypted"`
	CreatedAt       time.Time      `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time      `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for GORM
func (WebhookSubscription) TableName() string {
	return "wise_webhook_subscription"
}

// WebhookReceipt is an append-only record of every delivery, including ones
// that could not be routed to a company
type WebhookReceipt struct {
	ID             string         `gorm:"column:id;primaryKey"`
	CompanyID      *int64         `gorm:"column:company_id;index"`
	SubscriptionID *string        `gorm:"column:wise_subscription_id"`
	EventType      string         `gorm:"column:event_type"`
	Status         string         `gorm:"column:status"`
	Reason         *string        `gorm:"column:reason"`
	Payload        datatypes.JSON `gorm:"column:payload"`
	ReceivedAt     time.Time      `gorm:"column:received_at"`
}

// TableName specifies the table name for GORM
func (WebhookReceipt) TableName() string {
	return "wise_webhook_event"
}

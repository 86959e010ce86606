package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/vipul43/finsync-worker/internal/models"
)

var ErrSubscriptionNotFound = errors.New("webhook subscription not found")

type WebhookRepository struct {
	db *gorm.DB
}

func NewWebhookRepository(db *gorm.DB) *WebhookRepository {
	return &WebhookRepository{db: db}
}

// GetActiveSubscription returns the active subscription for (company, environment)
func (r *WebhookRepository) GetActiveSubscription(ctx context.Context, companyID int64, environment string) (*models.WebhookSubscription, error) {
	var sub models.WebhookSubscription
	result := r.db.WithContext(ctx).
		Where("company_id = ? AND wise_environment = ? AND status = ?", companyID, environment, models.SubscriptionActive).
		First(&sub)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to get webhook subscription: %w", result.Error)
	}
	return &sub, nil
}

// GetBySubscriptionID looks up a subscription by its Wise id
func (r *WebhookRepository) GetBySubscriptionID(ctx context.Context, subscriptionID string) (*models.WebhookSubscription, error) {
	var sub models.WebhookSubscription
	result := r.db.WithContext(ctx).Where("wise_subscription_id = ?", subscriptionID).First(&sub)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to get webhook subscription: %w", result.Error)
	}
	return &sub, nil
}

func (r *WebhookRepository) CreateSubscription(ctx context.Context, sub *models.WebhookSubscription) error {
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	if sub.Status == "" {
		sub.Status = models.SubscriptionActive
	}
	if err := r.db.WithContext(ctx).Create(sub).Error; err != nil {
		return fmt.Errorf("failed to create webhook subscription: %w", err)
	}
	return nil
}

// DeactivateByEnvironment marks every subscription of (company, environment) inactive
func (r *WebhookRepository) DeactivateByEnvironment(ctx context.Context, companyID int64, environment string) error {
	result := r.db.WithContext(ctx).Model(&models.WebhookSubscription{}).
		Where("company_id = ? AND wise_environment = ?", companyID, environment).
		Updates(map[string]interface{}{
			"status":     models.SubscriptionInactive,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to deactivate webhook subscriptions: %w", result.Error)
	}
	return nil
}

// RecordReceipt appends a delivery to the webhook audit table
func (r *WebhookRepository) RecordReceipt(ctx context.Context, receipt *models.WebhookReceipt) error {
	if receipt.ID == "" {
		receipt.ID = uuid.New().String()
	}
	if receipt.ReceivedAt.IsZero() {
		receipt.ReceivedAt = time.Now()
	}
	if err := r.db.WithContext(ctx).Create(receipt).Error; err != nil {
		return fmt.Errorf("failed to record webhook receipt: %w", err)
	}
	return nil
}

package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/vipul43/finsync-worker/internal/models"
)

var ErrIntegrationNotFound = errors.New("integration not found")

type IntegrationRepository struct {
	db *gorm.DB
}

func NewIntegrationRepository(db *gorm.DB) *IntegrationRepository {
	return &IntegrationRepository{db: db}
}

func (r *IntegrationRepository) Get(ctx context.Context, companyID int64, integrationType string) (*models.Integration, error) {
	var integration models.Integration
	result := r.db.WithContext(ctx).
		Where("company_id = ? AND type = ?", companyID, integrationType).
		First(&integration)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrIntegrationNotFound
		}
		return nil, fmt.Errorf("failed to get integration: %w", result.Error)
	}
	return &integration, nil
}

// SetStatus creates the integration row on first connect and updates it after
func (r *IntegrationRepository) SetStatus(ctx context.Context, companyID int64, integrationType, status string) error {
	integration := models.Integration{
		ID:        uuid.New().String(),
		CompanyID: companyID,
		Type:      integrationType,
		Status:    status,
		UpdatedAt: time.Now(),
	}
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "company_id"}, {Name: "type"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "updated_at"}),
	}).Create(&integration)
	if result.Error != nil {
		return fmt.Errorf("failed to set integration status: %w", result.Error)
	}
	return nil
}

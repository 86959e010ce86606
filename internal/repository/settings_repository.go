package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/vipul43/finsync-worker/internal/models"
)

var ErrSettingsNotFound = errors.New("wise settings not found")

type SettingsRepository struct {
	db *gorm.DB
}

func NewSettingsRepository(db *gorm.DB) *SettingsRepository {
	return &SettingsRepository{db: db}
}

func (r *SettingsRepository) Get(ctx context.Context, companyID int64, environment string) (*models.ProviderSettings, error) {
	var s models.ProviderSettings
	result := r.db.WithContext(ctx).
		Where("company_id = ? AND wise_environment = ?", companyID, environment).
		First(&s)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrSettingsNotFound
		}
		return nil, fmt.Errorf("failed to get settings: %w", result.Error)
	}
	return &s, nil
}

// Upsert writes the full settings row for (company, environment)
func (r *SettingsRepository) Upsert(ctx context.Context, s *models.ProviderSettings) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "company_id"}, {Name: "wise_environment"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"client_id",
			"client_secret_encrypted",
			"webhook_secret_encrypted",
			"updated_at",
		}),
	}).Create(s)
	if result.Error != nil {
		return fmt.Errorf("failed to upsert settings: %w", result.Error)
	}
	return nil
}

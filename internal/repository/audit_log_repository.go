package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/vipul43/finsync-worker/internal/models"
)

// AuditEntry is one business event worth keeping beyond the logs
type AuditEntry struct {
	CompanyID   *int64
	ActorUserID *int64
	Action      string
	EntityType  string
	EntityID    string
	Metadata    map[string]interface{}
}

type AuditLogRepository struct {
	db *gorm.DB
}

func NewAuditLogRepository(db *gorm.DB) *AuditLogRepository {
	return &AuditLogRepository{db: db}
}

// Log persists the entry and mirrors it to the structured log
func (r *AuditLogRepository) Log(ctx context.Context, entry AuditEntry) error {
	row := models.AuditLog{
		ID:          uuid.New().String(),
		CompanyID:   entry.CompanyID,
		ActorUserID: entry.ActorUserID,
		Action:      entry.Action,
		EntityType:  entry.EntityType,
		EntityID:    entry.EntityID,
		Metadata:    datatypes.JSONMap(entry.Metadata),
	}

	evt := log.Info().Str("audit_action", entry.Action).Str("entity_type", entry.EntityType).Str("entity_id", entry.EntityID)
	if entry.CompanyID != nil {
		evt = evt.Int64("company_id", *entry.CompanyID)
	}
	evt.Msg("audit")

	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to write audit log: %w", err)
	}
	return nil
}

// ListByCompany returns recent entries, newest first
func (r *AuditLogRepository) ListByCompany(ctx context.Context, companyID int64, limit int) ([]models.AuditLog, error) {
	var rows []models.AuditLog
	result := r.db.WithContext(ctx).
		Where("company_id = ?", companyID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list audit log: %w", result.Error)
	}
	return rows, nil
}

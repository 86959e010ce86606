package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/vipul43/finsync-worker/internal/models"
)

var (
	ErrSyncRunNotFound = errors.New("sync run not found")
	ErrSyncRunFinished = errors.New("sync run already finished")
)

type SyncRunRepository struct {
	db *gorm.DB
}

func NewSyncRunRepository(db *gorm.DB) *SyncRunRepository {
	return &SyncRunRepository{db: db}
}

// Start records a new attempt in the started state
func (r *SyncRunRepository) Start(ctx context.Context, companyID int64, provider, environment, kind, traceID string) (*models.SyncRun, error) {
	run := models.SyncRun{
		ID:          uuid.New().String(),
		CompanyID:   companyID,
		Provider:    provider,
		Environment: environment,
		Kind:        kind,
		Status:      models.SyncRunStarted,
		Counts:      datatypes.JSONMap{},
		TraceID:     traceID,
		StartedAt:   time.Now(),
	}
	if err := r.db.WithContext(ctx).Create(&run).Error; err != nil {
		return nil, fmt.Errorf("failed to start sync run: %w", err)
	}
	return &run, nil
}

// Finish closes a started run. A run can be finished only once.
func (r *SyncRunRepository) Finish(ctx context.Context, runID string, status models.SyncRunStatus, counts map[string]int, errMsg *string) error {
	m := make(datatypes.JSONMap, len(counts))
	for k, v := range counts {
		m[k] = v
	}
	result := r.db.WithContext(ctx).Model(&models.SyncRun{}).
		Where("id = ? AND status = ?", runID, models.SyncRunStarted).
		Updates(map[string]interface{}{
			"status":        status,
			"counts":        m,
			"error_summary": errMsg,
			"finished_at":   time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to finish sync run: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := r.Get(ctx, runID); err != nil {
			return err
		}
		return ErrSyncRunFinished
	}
	return nil
}

func (r *SyncRunRepository) Get(ctx context.Context, runID string) (*models.SyncRun, error) {
	var run models.SyncRun
	result := r.db.WithContext(ctx).First(&run, "id = ?", runID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrSyncRunNotFound
		}
		return nil, fmt.Errorf("failed to get sync run: %w", result.Error)
	}
	return &run, nil
}

// ListByCompany returns the most recent runs first
func (r *SyncRunRepository) ListByCompany(ctx context.Context, companyID int64, limit int) ([]models.SyncRun, error) {
	var runs []models.SyncRun
	result := r.db.WithContext(ctx).
		Where("company_id = ?", companyID).
		Order("started_at DESC").
		Limit(limit).
		Find(&runs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list sync runs: %w", result.Error)
	}
	return runs, nil
}

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
	ErrTransferNotFound = errors.New("wise transfer not found")
	ErrBatchNotFound    = errors.New("wise batch not found")
)

// TransferRepository stores locally initiated transfers and batch groups
type TransferRepository struct {
	db *gorm.DB
}

func NewTransferRepository(db *gorm.DB) *TransferRepository {
	return &TransferRepository{db: db}
}

func (r *TransferRepository) GetTransferByKey(ctx context.Context, companyID int64, idempotencyKey string) (*models.WiseTransfer, error) {
	var transfer models.WiseTransfer
	result := r.db.WithContext(ctx).
		Where("company_id = ? AND idempotency_key = ?", companyID, idempotencyKey).
		First(&transfer)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrTransferNotFound
		}
		return nil, fmt.Errorf("failed to get transfer: %w", result.Error)
	}
	return &transfer, nil
}

func (r *TransferRepository) CreateTransfer(ctx context.Context, transfer *models.WiseTransfer) error {
	if transfer.ID == "" {
		transfer.ID = uuid.New().String()
	}
	if transfer.Approvals == nil {
		transfer.Approvals = datatypes.JSON("[]")
	}
	if err := r.db.WithContext(ctx).Create(transfer).Error; err != nil {
		return fmt.Errorf("failed to create transfer: %w", err)
	}
	return nil
}

// AttachTransferRemote links the local row to the Wise transfer it created
func (r *TransferRepository) AttachTransferRemote(ctx context.Context, id, remoteID, status string, raw datatypes.JSON) error {
	result := r.db.WithContext(ctx).Model(&models.WiseTransfer{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"wise_transfer_id": remoteID,
			"status":           status,
			"raw":              raw,
			"updated_at":       time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to attach remote transfer: %w", result.Error)
	}
	return nil
}

// ListRefreshable returns transfers that exist remotely and are not final
func (r *TransferRepository) ListRefreshable(ctx context.Context, companyID int64, environment string) ([]models.WiseTransfer, error) {
	var transfers []models.WiseTransfer
	result := r.db.WithContext(ctx).
		Where("company_id = ? AND wise_environment = ?", companyID, environment).
		Where("wise_transfer_id IS NOT NULL AND status NOT IN ?", models.FinalTransferStatuses).
		Order("created_at ASC").
		Find(&transfers)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list refreshable transfers: %w", result.Error)
	}
	return transfers, nil
}

func (r *TransferRepository) UpdateTransferStatus(ctx context.Context, id, status string, raw datatypes.JSON) error {
	result := r.db.WithContext(ctx).Model(&models.WiseTransfer{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     status,
			"raw":        raw,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update transfer status: %w", result.Error)
	}
	return nil
}

func (r *TransferRepository) GetBatchByKey(ctx context.Context, companyID int64, idempotencyKey string) (*models.WiseBatch, error) {
	var batch models.WiseBatch
	result := r.db.WithContext(ctx).
		Where("company_id = ? AND idempotency_key = ?", companyID, idempotencyKey).
		First(&batch)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrBatchNotFound
		}
		return nil, fmt.Errorf("failed to get batch: %w", result.Error)
	}
	return &batch, nil
}

func (r *TransferRepository) CreateBatch(ctx context.Context, batch *models.WiseBatch) error {
	if batch.ID == "" {
		batch.ID = uuid.New().String()
	}
	if batch.Approvals == nil {
		batch.Approvals = datatypes.JSON("[]")
	}
	if err := r.db.WithContext(ctx).Create(batch).Error; err != nil {
		return fmt.Errorf("failed to create batch: %w", err)
	}
	return nil
}

func (r *TransferRepository) AttachBatchRemote(ctx context.Context, id, remoteID, status string, raw datatypes.JSON) error {
	result := r.db.WithContext(ctx).Model(&models.WiseBatch{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"wise_batch_id": remoteID,
			"status":        status,
			"raw":           raw,
			"updated_at":    time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to attach remote batch: %w", result.Error)
	}
	return nil
}

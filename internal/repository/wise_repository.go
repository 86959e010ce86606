package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/vipul43/finsync-worker/internal/models"
)

// WiseRepository stores the raw Wise snapshots: profiles, balance accounts,
// balance observations and transactions
type WiseRepository struct {
	db *gorm.DB
}

func NewWiseRepository(db *gorm.DB) *WiseRepository {
	return &WiseRepository{db: db}
}

// UpsertProfile is keyed by (company, Wise profile id)
func (r *WiseRepository) UpsertProfile(ctx context.Context, p *models.WiseProfile) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "company_id"}, {Name: "wise_profile_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"wise_environment", "profile_type", "details", "fetched_at"}),
	}).Create(p)
	if result.Error != nil {
		return fmt.Errorf("failed to upsert profile: %w", result.Error)
	}
	return nil
}

// UpsertBalanceAccount is keyed by (company, Wise balance account id)
func (r *WiseRepository) UpsertBalanceAccount(ctx context.Context, a *models.WiseBalanceAccount) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "company_id"}, {Name: "wise_balance_account_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"wise_environment", "wise_profile_id", "currency", "name", "status", "details", "fetched_at",
		}),
	}).Create(a)
	if result.Error != nil {
		return fmt.Errorf("failed to upsert balance account: %w", result.Error)
	}
	return nil
}

// ListBalanceAccounts returns the known balance accounts of one environment
func (r *WiseRepository) ListBalanceAccounts(ctx context.Context, companyID int64, environment string) ([]models.WiseBalanceAccount, error) {
	var accounts []models.WiseBalanceAccount
	result := r.db.WithContext(ctx).
		Where("company_id = ? AND wise_environment = ?", companyID, environment).
		Order("wise_balance_account_id ASC").
		Find(&accounts)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list balance accounts: %w", result.Error)
	}
	return accounts, nil
}

// AppendBalance inserts a new balance observation; snapshots are never updated
func (r *WiseRepository) AppendBalance(ctx context.Context, b *models.WiseBalance) error {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	if err := r.db.WithContext(ctx).Create(b).Error; err != nil {
		return fmt.Errorf("failed to append balance: %w", err)
	}
	return nil
}

// UpsertTransaction is keyed by (company, Wise transaction id); a re-sync
// refreshes the mutable fields
func (r *WiseRepository) UpsertTransaction(ctx context.Context, tx *models.WiseTransaction) error {
	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "company_id"}, {Name: "wise_transaction_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"occurred_at", "amount", "currency", "description", "raw", "fetched_at",
		}),
	}).Create(tx)
	if result.Error != nil {
		return fmt.Errorf("failed to upsert transaction: %w", result.Error)
	}
	return nil
}

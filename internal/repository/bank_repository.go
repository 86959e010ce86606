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

var ErrBankAccountNotFound = errors.New("bank account not found")

// BankRepository writes the provider-neutral account, balance and transaction
// tables shared with other connectors
type BankRepository struct {
	db *gorm.DB
}

func NewBankRepository(db *gorm.DB) *BankRepository {
	return &BankRepository{db: db}
}

func (r *BankRepository) GetAccount(ctx context.Context, companyID int64, provider, providerAccountID string) (*models.BankAccount, error) {
	var account models.BankAccount
	result := r.db.WithContext(ctx).
		Where("company_id = ? AND provider = ? AND provider_account_id = ?", companyID, provider, providerAccountID).
		First(&account)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrBankAccountNotFound
		}
		return nil, fmt.Errorf("failed to get bank account: %w", result.Error)
	}
	return &account, nil
}

// UpsertAccount refreshes name and currency but leaves the balance alone
func (r *BankRepository) UpsertAccount(ctx context.Context, account *models.BankAccount) (*models.BankAccount, error) {
	if account.ID == "" {
		account.ID = uuid.New().String()
	}
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "company_id"}, {Name: "provider"}, {Name: "provider_account_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "currency", "updated_at"}),
	}).Create(account)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to upsert bank account: %w", result.Error)
	}
	return r.GetAccount(ctx, account.CompanyID, account.Provider, account.ProviderAccountID)
}

// UpdateBalance overwrites the current balance with the latest observation
func (r *BankRepository) UpdateBalance(ctx context.Context, accountID string, balance float64) error {
	result := r.db.WithContext(ctx).Model(&models.BankAccount{}).
		Where("id = ?", accountID).
		Updates(map[string]interface{}{
			"balance":    balance,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update bank balance: %w", result.Error)
	}
	return nil
}

func (r *BankRepository) AppendBalance(ctx context.Context, b *models.BankBalance) error {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	if err := r.db.WithContext(ctx).Create(b).Error; err != nil {
		return fmt.Errorf("failed to append bank balance: %w", err)
	}
	return nil
}

// UpsertTransaction is keyed by (company, provider, provider transaction id)
func (r *BankRepository) UpsertTransaction(ctx context.Context, tx *models.BankTransaction) error {
	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "company_id"}, {Name: "provider"}, {Name: "provider_transaction_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"posted_at", "amount", "currency", "description", "raw_reference", "updated_at",
		}),
	}).Create(tx)
	if result.Error != nil {
		return fmt.Errorf("failed to upsert bank transaction: %w", result.Error)
	}
	return nil
}

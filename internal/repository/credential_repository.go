package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/vipul43/finsync-worker/internal/models"
)

var ErrCredentialNotFound = errors.New("wise credential not found")

type CredentialRepository struct {
	db *gorm.DB
}

func NewCredentialRepository(db *gorm.DB) *CredentialRepository {
	return &CredentialRepository{db: db}
}

// Get retrieves the credential for a company and environment
func (r *CredentialRepository) Get(ctx context.Context, companyID int64, environment string) (*models.Credential, error) {
	var cred models.Credential
	result := r.db.WithContext(ctx).
		Where("company_id = ? AND wise_environment = ?", companyID, environment).
		First(&cred)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrCredentialNotFound
		}
		return nil, fmt.Errorf("failed to get credential: %w", result.Error)
	}
	return &cred, nil
}

// FirstForCompany returns the oldest credential of a company in any environment
func (r *CredentialRepository) FirstForCompany(ctx context.Context, companyID int64) (*models.Credential, error) {
	var cred models.Credential
	result := r.db.WithContext(ctx).
		Where("company_id = ?", companyID).
		Order("created_at ASC").
		First(&cred)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrCredentialNotFound
		}
		return nil, fmt.Errorf("failed to get credential: %w", result.Error)
	}
	return &cred, nil
}

// ListAll returns every stored credential, used by the scheduler
func (r *CredentialRepository) ListAll(ctx context.Context) ([]models.Credential, error) {
	var creds []models.Credential
	if err := r.db.WithContext(ctx).Order("company_id ASC, wise_environment ASC").Find(&creds).Error; err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	return creds, nil
}

// Upsert inserts or replaces the token material for (company, environment)
// and returns the stored row
func (r *CredentialRepository) Upsert(ctx context.Context, cred *models.Credential) (*models.Credential, error) {
	if cred.ID == "" {
		cred.ID = uuid.New().String()
	}
	if cred.KeyVersion == 0 {
		cred.KeyVersion = 1
	}
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "company_id"}, {Name: "wise_environment"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"access_token_encrypted",
			"refresh_token_encrypted",
			"api_token_encrypted",
			"token_expires_at",
			"scope",
			"key_version",
			"updated_at",
		}),
	}).Create(cred)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to upsert credential: %w", result.Error)
	}
	return r.Get(ctx, cred.CompanyID, cred.Environment)
}

// SwapTokens replaces the OAuth tokens only if the stored refresh token is
// still the one the caller refreshed from. It reports whether the swap won.
func (r *CredentialRepository) SwapTokens(ctx context.Context, credentialID string, expectedRefresh *string, accessToken, refreshToken string, expiresAt *time.Time) (bool, error) {
	q := r.db.WithContext(ctx).Model(&models.Credential{}).Where("id = ?", credentialID)
	if expectedRefresh == nil {
		q = q.Where("refresh_token_encrypted IS NULL")
	} else {
		q = q.Where("refresh_token_encrypted = ?", *expectedRefresh)
	}
	result := q.Updates(map[string]interface{}{
		"access_token_encrypted":  accessToken,
		"refresh_token_encrypted": refreshToken,
		"token_expires_at":        expiresAt,
		"updated_at":              time.Now(),
	})
	if result.Error != nil {
		return false, fmt.Errorf("failed to update tokens: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// SetProfile stores the selected Wise profile id
func (r *CredentialRepository) SetProfile(ctx context.Context, credentialID, profileID string) error {
	result := r.db.WithContext(ctx).Model(&models.Credential{}).
		Where("id = ?", credentialID).
		Updates(map[string]interface{}{
			"wise_profile_id": profileID,
			"updated_at":      time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to set profile: %w", result.Error)
	}
	return nil
}

// SaveCursors replaces the per-account transaction cursor map
func (r *CredentialRepository) SaveCursors(ctx context.Context, credentialID string, cursors map[string]string) error {
	m := make(datatypes.JSONMap, len(cursors))
	for k, v := range cursors {
		m[k] = v
	}
	result := r.db.WithContext(ctx).Model(&models.Credential{}).
		Where("id = ?", credentialID).
		Updates(map[string]interface{}{
			"sync_cursor_transactions": m,
			"updated_at":               time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to save cursors: %w", result.Error)
	}
	return nil
}

// MarkSynced records the time of the last successful sync
func (r *CredentialRepository) MarkSynced(ctx context.Context, credentialID string, at time.Time) error {
	result := r.db.WithContext(ctx).Model(&models.Credential{}).
		Where("id = ?", credentialID).
		Updates(map[string]interface{}{
			"last_sync_at": at,
			"updated_at":   time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to mark credential synced: %w", result.Error)
	}
	return nil
}

// SetAPIToken switches a credential to static-token mode, creating it if needed
func (r *CredentialRepository) SetAPIToken(ctx context.Context, companyID int64, environment string, encrypted string) error {
	cred, err := r.Get(ctx, companyID, environment)
	if errors.Is(err, ErrCredentialNotFound) {
		_, err = r.Upsert(ctx, &models.Credential{
			CompanyID:         companyID,
			Environment:       environment,
			APITokenEncrypted: &encrypted,
			Scope:             "api_token",
		})
		return err
	}
	if err != nil {
		return err
	}
	result := r.db.WithContext(ctx).Model(&models.Credential{}).
		Where("id = ?", cred.ID).
		Updates(map[string]interface{}{
			"api_token_encrypted": encrypted,
			"updated_at":          time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to set api token: %w", result.Error)
	}
	return nil
}

// DeleteByEnvironment removes the company's credential for one environment
func (r *CredentialRepository) DeleteByEnvironment(ctx context.Context, companyID int64, environment string) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("company_id = ? AND wise_environment = ?", companyID, environment).
		Delete(&models.Credential{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete credential: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// CountByCompany counts credentials across all environments
func (r *CredentialRepository) CountByCompany(ctx context.Context, companyID int64) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&models.Credential{}).Where("company_id = ?", companyID).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count credentials: %w", err)
	}
	return count, nil
}

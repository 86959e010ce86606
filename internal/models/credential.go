package models

import (
	"time"

	"gorm.io/datatypes"
)

// Credential holds the encrypted Wise tokens for one company and environment.
// Token columns store ciphertext only.
type Credential struct {
	ID                    string            `gorm:"column:id;primaryKey"`
	CompanyID             int64             `gorm:"column:company_id;uniqueIndex:idx_wise_credential_company_env"`
	Environment           string            `gorm:"column:wise_environment;uniqueIndex:idx_wise_credential_company_env"`
	AccessTokenEncrypted  *string           `gorm:"column:access_token_encrypted"`
	RefreshTokenEncrypted *string           `gorm:"column:refresh_token_encrypted"`
	APITokenEncrypted     *string           `gorm:"column:api_token_encrypted"`
	TokenExpiresAt        *time.Time        `gorm:"column:token_expires_at"`
	Scope                 string            `gorm:"column:scope"`
	ProfileID             *string           `gorm:"column:wise_profile_id"`
	SyncCursors           datatypes.JSONMap `gorm:"column:sync_cursor_transactions"`
	LastSyncAt            *time.Time        `gorm:"column:last_sync_at"`
	KeyVersion            int               `gorm:"column:key_version;default:1"`
	CreatedAt             time.Time         `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt             time.Time         `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for GORM
func (Credential) TableName() string {
	return "integration_credential_wise"
}

// Cursor returns the stored transaction cursor for a balance account
func (c *Credential) Cursor(balanceAccountID string) string {
	if c.SyncCursors == nil {
		return ""
	}
	v, ok := c.SyncCursors[balanceAccountID].(string)
	if !ok {
		return ""
	}
	return v
}

// Cursors returns a copy of the cursor map with string values only
func (c *Credential) Cursors() map[string]string {
	out := make(map[string]string, len(c.SyncCursors))
	for k, v := range c.SyncCursors {
		if s, ok := v.(string); ok && s != "" {
			out[k] = s
		}
	}
	return out
}

// UsesAPIToken reports whether the credential is in static API-token mode
func (c *Credential) UsesAPIToken() bool {
	return c.APITokenEncrypted != nil && *c.APITokenEncrypted != ""
}

package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	"github.com/vipul43/finsync-worker/internal/apperr"
	"github.com/vipul43/finsync-worker/internal/config"
	"github.com/vipul43/finsync-worker/internal/lock"
	"github.com/vipul43/finsync-worker/internal/models"
	"github.com/vipul43/finsync-worker/internal/oauthstate"
	"github.com/vipul43/finsync-worker/internal/repository"
	"github.com/vipul43/finsync-worker/internal/tasks"
	"github.com/vipul43/finsync-worker/internal/wise"
)

// Identity is the caller as asserted by the upstream gateway
type Identity struct {
	CompanyID int64
	UserID    int64
}

// ProviderClient is the per-call Wise client used outside sync runs
type ProviderClient interface {
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
	Ping(ctx context.Context) error
}

type CredentialStore interface {
	Get(ctx context.Context, companyID int64, environment string) (*models.Credential, error)
	Upsert(ctx context.Context, cred *models.Credential) (*models.Credential, error)
	SetAPIToken(ctx context.Context, companyID int64, environment string, encrypted string) error
	DeleteByEnvironment(ctx context.Context, companyID int64, environment string) (int64, error)
	CountByCompany(ctx context.Context, companyID int64) (int64, error)
}

type SettingsStore interface {
	Get(ctx context.Context, companyID int64, environment string) (*models.ProviderSettings, error)
	Upsert(ctx context.Context, s *models.ProviderSettings) error
}

type IntegrationStore interface {
	Get(ctx context.Context, companyID int64, integrationType string) (*models.Integration, error)
	SetStatus(ctx context.Context, companyID int64, integrationType, status string) error
}

type SubscriptionDeactivator interface {
	DeactivateByEnvironment(ctx context.Context, companyID int64, environment string) error
}

type ConnectDeps struct {
	Config        config.WiseConfig
	Signer        *oauthstate.Signer
	Cipher        wise.Cipher
	Credentials   CredentialStore
	Settings      SettingsStore
	Integrations  IntegrationStore
	Subscriptions SubscriptionDeactivator
	Audit         Auditor
	Dispatcher    tasks.Dispatcher
	Locker        lock.Locker
	Clients       func(companyID int64, environment string) ProviderClient
}

// ConnectService handles connection lifecycle and settings for a company
type ConnectService struct {
	ConnectDeps
	nonces   *ttlcache.Cache[string, struct{}]
	validate *validator.Validate
	now      func() time.Time
}

func NewConnectService(deps ConnectDeps) *ConnectService {
	nonces := ttlcache.New(
		ttlcache.WithTTL[string, struct{}](oauthstate.TTL),
		ttlcache.WithDisableTouchOnHit[string, struct{}](),
	)
	go nonces.Start()

	return &ConnectService{
		ConnectDeps: deps,
		nonces:      nonces,
		validate:    validator.New(),
		now:         time.Now,
	}
}

// Stop ends the nonce cache cleanup goroutine
func (s *ConnectService) Stop() {
	s.nonces.Stop()
}

type StartRequest struct {
	Environment  string
	ReturnURL    string
	IncludeWrite bool
}

// StartOAuth returns the provider authorization URL carrying a signed state
func (s *ConnectService) StartOAuth(ctx context.Context, id Identity, req StartRequest) (string, error) {
	if !config.ValidEnvironment(req.Environment) {
		return "", apperr.Validation("environment must be sandbox or production")
	}
	if req.IncludeWrite && !s.Config.WriteEnabled {
		return "", apperr.Validation("Write scopes are disabled")
	}
	apiToken, err := s.apiTokenMode(ctx, id.CompanyID, req.Environment)
	if err != nil {
		return "", err
	}
	if apiToken {
		return "", apperr.Validation("OAuth disabled when API token is configured")
	}
	if s.Config.RedirectURI == "" {
		return "", apperr.Config("oauth_start", "WISE_REDIRECT_URI not configured")
	}

	scopes := append([]string{}, s.Config.ScopesRead...)
	if req.IncludeWrite {
		scopes = append(scopes, s.Config.ScopesWrite...)
	}
	oauthCfg, err := wise.BuildOAuthConfig(ctx, id.CompanyID, req.Environment, s.Settings, s.Cipher, s.Config, scopes)
	if err != nil {
		return "", err
	}

	state, err := s.Signer.Create(oauthstate.Payload{
		CompanyID:    id.CompanyID,
		UserID:       id.UserID,
		Environment:  req.Environment,
		Nonce:        uuid.New().String(),
		ReturnURL:    req.ReturnURL,
		IncludeWrite: req.IncludeWrite,
	}, s.now())
	if err != nil {
		return "", apperr.Config("oauth_start", "OAuth state signing not configured")
	}
	return oauthCfg.AuthCodeURL(state), nil
}

type CallbackResult struct {
	Status    string `json:"status"`
	ReturnURL string `json:"return_url,omitempty"`
}

// CompleteOAuth verifies the state, exchanges the code and stores the
// company's credential
func (s *ConnectService) CompleteOAuth(ctx context.Context, code, state string) (*CallbackResult, error) {
	payload, err := s.Signer.Verify(state, s.now())
	if err != nil {
		if errors.Is(err, oauthstate.ErrMissingSecret) {
			return nil, apperr.Config("oauth_callback", "OAuth state signing not configured")
		}
		return nil, apperr.Validation(err.Error())
	}
	if payload.CompanyID == 0 || !config.ValidEnvironment(payload.Environment) {
		return nil, apperr.Validation("Invalid state payload")
	}
	if s.nonces.Has(payload.Nonce) {
		return nil, apperr.Validation("state already used")
	}
	if code == "" {
		return nil, apperr.Validation("missing authorization code")
	}
	apiToken, err := s.apiTokenMode(ctx, payload.CompanyID, payload.Environment)
	if err != nil {
		return nil, err
	}
	if apiToken {
		return nil, apperr.Validation("OAuth disabled when API token is configured")
	}

	// the nonce is spent once the code is presented to Wise
	s.nonces.Set(payload.Nonce, struct{}{}, ttlcache.DefaultTTL)
	tok, err := s.Clients(payload.CompanyID, payload.Environment).Exchange(ctx, code)
	if err != nil {
		if apperr.Is(err, apperr.KindTransient) {
			s.nonces.Delete(payload.Nonce)
		}
		return nil, err
	}

	access, err := s.encrypt(tok.AccessToken)
	if err != nil {
		return nil, err
	}
	var refresh *string
	if tok.RefreshToken != "" {
		enc, err := s.encrypt(tok.RefreshToken)
		if err != nil {
			return nil, err
		}
		refresh = &enc
	}
	var expiresAt *time.Time
	if !tok.Expiry.IsZero() {
		exp := tok.Expiry.UTC()
		expiresAt = &exp
	}
	scope, _ := tok.Extra("scope").(string)

	if _, err := s.Credentials.Upsert(ctx, &models.Credential{
		CompanyID:             payload.CompanyID,
		Environment:           payload.Environment,
		AccessTokenEncrypted:  &access,
		RefreshTokenEncrypted: refresh,
		TokenExpiresAt:        expiresAt,
		Scope:                 scope,
	}); err != nil {
		return nil, err
	}
	if err := s.Integrations.SetStatus(ctx, payload.CompanyID, models.ProviderWise, models.IntegrationConnected); err != nil {
		return nil, err
	}

	actor := payload.UserID
	s.logAudit(ctx, payload.CompanyID, &actor, "wise.oauth.connected", map[string]interface{}{
		"environment": payload.Environment,
		"scope":       scope,
	})
	log.Info().Int64("company_id", payload.CompanyID).Str("environment", payload.Environment).Msg("Wise connected")
	return &CallbackResult{Status: models.IntegrationConnected, ReturnURL: payload.ReturnURL}, nil
}

// Disconnect removes the environment's credential. The integration is marked
// disconnected once no environment remains.
func (s *ConnectService) Disconnect(ctx context.Context, id Identity, environment string) error {
	if !config.ValidEnvironment(environment) {
		return apperr.Validation("environment must be sandbox or production")
	}
	if _, err := s.Credentials.DeleteByEnvironment(ctx, id.CompanyID, environment); err != nil {
		return err
	}
	if s.Subscriptions != nil {
		if err := s.Subscriptions.DeactivateByEnvironment(ctx, id.CompanyID, environment); err != nil {
			return err
		}
	}

	remaining, err := s.Credentials.CountByCompany(ctx, id.CompanyID)
	if err != nil {
		return err
	}
	if remaining == 0 {
		_, err := s.Integrations.Get(ctx, id.CompanyID, models.ProviderWise)
		switch {
		case err == nil:
			if err := s.Integrations.SetStatus(ctx, id.CompanyID, models.ProviderWise, models.IntegrationDisconnected); err != nil {
				return err
			}
		case !errors.Is(err, repository.ErrIntegrationNotFound):
			return err
		}
	}

	actor := id.UserID
	s.logAudit(ctx, id.CompanyID, &actor, "wise.oauth.disconnected", map[string]interface{}{"environment": environment})
	return nil
}

type Status struct {
	Connected        bool       `json:"connected"`
	Environment      string     `json:"environment"`
	LastSyncAt       *time.Time `json:"last_sync_at"`
	TokenExpiresAt   *time.Time `json:"token_expires_at"`
	HasClientSecret  bool       `json:"has_client_secret"`
	HasWebhookSecret bool       `json:"has_webhook_secret"`
	HasAPIToken      bool       `json:"has_api_token"`
}

// Status reports connectivity and which secrets exist, never their values
func (s *ConnectService) Status(ctx context.Context, companyID int64, environment string) (*Status, error) {
	if !config.ValidEnvironment(environment) {
		return nil, apperr.Validation("environment must be sandbox or production")
	}
	integration, err := s.Integrations.Get(ctx, companyID, models.ProviderWise)
	if err != nil && !errors.Is(err, repository.ErrIntegrationNotFound) {
		return nil, err
	}
	cred, err := s.credential(ctx, companyID, environment)
	if err != nil {
		return nil, err
	}
	stored, err := s.settings(ctx, companyID, environment)
	if err != nil {
		return nil, err
	}

	status := &Status{
		Environment: environment,
		Connected:   integration != nil && integration.Status == models.IntegrationConnected && cred != nil,
		HasAPIToken: s.Config.APIToken != "",
	}
	if cred != nil {
		status.LastSyncAt = cred.LastSyncAt
		status.TokenExpiresAt = cred.TokenExpiresAt
		status.HasAPIToken = status.HasAPIToken || cred.UsesAPIToken()
	}
	if stored != nil {
		status.HasClientSecret = stored.ClientSecretEncrypted != nil
		status.HasWebhookSecret = stored.WebhookSecretEncrypted != nil
	}
	return status, nil
}

type TestResult struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// TestConnection performs one authenticated read against the provider
func (s *ConnectService) TestConnection(ctx context.Context, companyID int64, environment string) (*TestResult, error) {
	if !config.ValidEnvironment(environment) {
		return nil, apperr.Validation("environment must be sandbox or production")
	}
	cred, err := s.credential(ctx, companyID, environment)
	if err != nil {
		return nil, err
	}
	if cred == nil {
		return &TestResult{OK: false, Message: "Not connected. Complete OAuth flow first."}, nil
	}
	if err := s.Clients(companyID, environment).Ping(ctx); err != nil {
		return nil, err
	}
	return &TestResult{OK: true, Message: "Connection successful."}, nil
}

// TriggerSync queues a full sync unless one is already running
func (s *ConnectService) TriggerSync(ctx context.Context, id Identity, environment string) (Outcome, error) {
	if !config.ValidEnvironment(environment) {
		return "", apperr.Validation("environment must be sandbox or production")
	}
	key := lock.Key{CompanyID: id.CompanyID, Provider: models.ProviderWise, Environment: environment}
	if !s.Locker.TryAcquire(ctx, key) {
		return OutcomeLocked, nil
	}
	s.Locker.Release(ctx, key)

	if err := s.Dispatcher.Dispatch(ctx, tasks.FullSync, tasks.Args{CompanyID: id.CompanyID, Environment: environment}); err != nil {
		return "", fmt.Errorf("failed to queue sync: %w", err)
	}
	actor := id.UserID
	s.logAudit(ctx, id.CompanyID, &actor, "wise.sync.triggered", map[string]interface{}{"environment": environment})
	return OutcomeQueued, nil
}

type SettingsView struct {
	ClientID         *string `json:"wise_client_id"`
	Environment      string  `json:"wise_environment"`
	HasClientSecret  bool    `json:"has_client_secret"`
	HasWebhookSecret bool    `json:"has_webhook_secret"`
	HasAPIToken      bool    `json:"has_api_token"`
}

type SettingsUpdate struct {
	ClientID      *string `json:"wise_client_id" validate:"omitempty,max=255"`
	ClientSecret  string  `json:"wise_client_secret" validate:"max=1024"`
	Environment   string  `json:"wise_environment" validate:"omitempty,oneof=sandbox production"`
	WebhookSecret string  `json:"webhook_secret" validate:"max=1024"`
	APIToken      string  `json:"wise_api_token" validate:"max=2048"`
	AuthMode      string  `json:"auth_mode" validate:"omitempty,oneof=oauth api_token"`
}

func (s *ConnectService) GetSettings(ctx context.Context, companyID int64, environment string) (*SettingsView, error) {
	if !config.ValidEnvironment(environment) {
		return nil, apperr.Validation("environment must be sandbox or production")
	}
	stored, err := s.settings(ctx, companyID, environment)
	if err != nil {
		return nil, err
	}
	cred, err := s.credential(ctx, companyID, environment)
	if err != nil {
		return nil, err
	}

	view := &SettingsView{Environment: environment, HasAPIToken: s.Config.APIToken != ""}
	if cred != nil && cred.UsesAPIToken() {
		view.HasAPIToken = true
	}
	if stored != nil {
		view.ClientID = stored.ClientID
		view.HasClientSecret = stored.ClientSecretEncrypted != nil
		view.HasWebhookSecret = stored.WebhookSecretEncrypted != nil
	}
	return view, nil
}

// UpdateSettings applies a partial update. Secret fields are write-only and
// empty values leave the stored secret untouched.
func (s *ConnectService) UpdateSettings(ctx context.Context, id Identity, req SettingsUpdate) (*SettingsView, error) {
	if err := s.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fe.Field())
			}
			return nil, apperr.Validation("invalid fields: " + strings.Join(fields, ", "))
		}
		return nil, apperr.Validation(err.Error())
	}
	environment := req.Environment
	if environment == "" {
		environment = config.EnvSandbox
	}

	stored, err := s.settings(ctx, id.CompanyID, environment)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		stored = &models.ProviderSettings{CompanyID: id.CompanyID, Environment: environment}
	}

	changed := []string{}
	if req.ClientID != nil {
		stored.ClientID = req.ClientID
		changed = append(changed, "wise_client_id")
	}
	apiTokenMode := req.AuthMode == "api_token"
	if apiTokenMode {
		stored.ClientID = nil
		stored.ClientSecretEncrypted = nil
		changed = append(changed, "auth_mode")
	}
	if req.ClientSecret != "" && !apiTokenMode {
		enc, err := s.encrypt(req.ClientSecret)
		if err != nil {
			return nil, err
		}
		stored.ClientSecretEncrypted = &enc
		changed = append(changed, "wise_client_secret")
	}
	if req.WebhookSecret != "" {
		enc, err := s.encrypt(req.WebhookSecret)
		if err != nil {
			return nil, err
		}
		stored.WebhookSecretEncrypted = &enc
		changed = append(changed, "webhook_secret")
	}
	if err := s.Settings.Upsert(ctx, stored); err != nil {
		return nil, err
	}

	token := req.APIToken
	// api_token mode without a token adopts the process-wide one
	if token == "" && apiTokenMode && s.Config.APIToken != "" {
		cred, err := s.credential(ctx, id.CompanyID, environment)
		if err != nil {
			return nil, err
		}
		if cred == nil || !cred.UsesAPIToken() {
			token = s.Config.APIToken
		}
	}
	if token != "" {
		enc, err := s.encrypt(token)
		if err != nil {
			return nil, err
		}
		if err := s.Credentials.SetAPIToken(ctx, id.CompanyID, environment, enc); err != nil {
			return nil, err
		}
		if err := s.Integrations.SetStatus(ctx, id.CompanyID, models.ProviderWise, models.IntegrationConnected); err != nil {
			return nil, err
		}
		changed = append(changed, "wise_api_token")
	}

	actor := id.UserID
	s.logAudit(ctx, id.CompanyID, &actor, "wise.settings.updated", map[string]interface{}{
		"environment": environment,
		"fields":      changed,
	})
	return s.GetSettings(ctx, id.CompanyID, environment)
}

// apiTokenMode reports whether a static token is in use for the environment
func (s *ConnectService) apiTokenMode(ctx context.Context, companyID int64, environment string) (bool, error) {
	if s.Config.APIToken != "" {
		return true, nil
	}
	cred, err := s.credential(ctx, companyID, environment)
	if err != nil {
		return false, err
	}
	return cred != nil && cred.UsesAPIToken(), nil
}

func (s *ConnectService) credential(ctx context.Context, companyID int64, environment string) (*models.Credential, error) {
	cred, err := s.Credentials.Get(ctx, companyID, environment)
	if errors.Is(err, repository.ErrCredentialNotFound) {
		return nil, nil
	}
	return cred, err
}

func (s *ConnectService) settings(ctx context.Context, companyID int64, environment string) (*models.ProviderSettings, error) {
	stored, err := s.Settings.Get(ctx, companyID, environment)
	if errors.Is(err, repository.ErrSettingsNotFound) {
		return nil, nil
	}
	return stored, err
}

func (s *ConnectService) encrypt(plaintext string) (string, error) {
	enc, err := s.Cipher.Encrypt(plaintext)
	if err != nil {
		return "", apperr.Config("encrypt", "credential encryption unavailable")
	}
	return enc, nil
}

func (s *ConnectService) logAudit(ctx context.Context, companyID int64, actor *int64, action string, meta map[string]interface{}) {
	if s.Audit == nil {
		return
	}
	if err := s.Audit.Log(ctx, repository.AuditEntry{
		CompanyID:   &companyID,
		ActorUserID: actor,
		Action:      action,
		EntityType:  "integration",
		EntityID:    fmt.Sprint(companyID),
		Metadata:    meta,
	}); err != nil {
		log.Error().Err(err).Str("audit_action", action).Msg("Failed to write audit log")
	}
}

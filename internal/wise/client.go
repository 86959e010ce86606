package wise

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	"github.com/vipul43/finsync-worker/internal/apperr"
	"github.com/vipul43/finsync-worker/internal/config"
	"github.com/vipul43/finsync-worker/internal/metrics"
	"github.com/vipul43/finsync-worker/internal/models"
	"github.com/vipul43/finsync-worker/internal/repository"
	"github.com/vipul43/finsync-worker/internal/secrets"
)

// refreshMargin is how close to expiry an access token may get before it is
// refreshed ahead of the request
const refreshMargin = 2 * time.Minute

// CredentialStore is the subset of the credential repository the client needs
type CredentialStore interface {
	Get(ctx context.Context, companyID int64, environment string) (*models.Credential, error)
	SwapTokens(ctx context.Context, credentialID string, expectedRefresh *string, accessToken, refreshToken string, expiresAt *time.Time) (bool, error)
}

// SettingsStore supplies per-company OAuth app overrides
type SettingsStore interface {
	Get(ctx context.Context, companyID int64, environment string) (*models.ProviderSettings, error)
}

// Cipher encrypts and decrypts stored token material
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// Client talks to the Wise REST API on behalf of one company and environment.
// Every request resolves the company's credential from the store.
type Client struct {
	companyID   int64
	environment string
	creds       CredentialStore
	settings    SettingsStore
	cipher      Cipher
	cfg         config.WiseConfig
	httpClient  *http.Client
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
}

type Option func(*Client)

// WithHTTPClient replaces the default client built from the configured timeout
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithClock overrides time.Now, used by tests to pin token expiry checks
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithSleep overrides the backoff sleep
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = sleep }
}

func NewClient(companyID int64, environment string, creds CredentialStore, settings SettingsStore, cipher Cipher, cfg config.WiseConfig, opts ...Option) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &Client{
		companyID:   companyID,
		environment: environment,
		creds:       creds,
		settings:    settings,
		cipher:      cipher,
		cfg:         cfg,
		httpClient:  &http.Client{Timeout: timeout},
		now:         time.Now,
		sleep:       sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) CompanyID() int64 { return c.companyID }
func (c *Client) Environment() string { return c.environment }

type authState struct {
	cred  *models.Credential
	token string
	oauth bool
}

// Do performs one logical API call and returns the raw JSON response.
// A 401 triggers a single refresh that does not count against the retry
// budget. 429/500/502/503 and transport errors are retried with backoff.
func (c *Client) Do(ctx context.Context, method, path string, query url.Values, body interface{}) (json.RawMessage, error) {
	op := method + " " + path

	auth, err := c.resolve(ctx)
	if err != nil {
		return nil, err
	}

	var payload []byte
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	endpoint := strings.TrimRight(c.cfg.APIBase(c.environment), "/") + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	refreshed := false
	attempt := 0
	for {
		status, respBody, sendErr := c.send(ctx, method, endpoint, auth.token, payload)

		if sendErr != nil {
			if ctx.Err() != nil {
				return nil, apperr.Transient(op, 0, "", ctx.Err())
			}
			if attempt < c.cfg.MaxRetries {
				if err := c.backoff(ctx, op, attempt, 0); err != nil {
					return nil, apperr.Transient(op, 0, "", err)
				}
				attempt++
				continue
			}
			return nil, apperr.Transient(op, 0, "", sendErr)
		}

		if status == http.StatusUnauthorized && auth.oauth && !refreshed {
			token, err := c.refresh(ctx, auth.cred)
			if err != nil {
				return nil, err
			}
			auth.token = token
			refreshed = true
			continue
		}

		if isTransientStatus(status) {
			if attempt < c.cfg.MaxRetries {
				if err := c.backoff(ctx, op, attempt, status); err != nil {
					return nil, apperr.Transient(op, status, string(respBody), err)
				}
				attempt++
				continue
			}
			return nil, apperr.Transient(op, status, string(respBody), nil)
		}

		if status >= 400 {
			return nil, apperr.Hard(op, status, string(respBody))
		}

		if len(bytes.TrimSpace(respBody)) == 0 {
			return json.RawMessage("{}"), nil
		}
		if !json.Valid(respBody) {
			return nil, apperr.Hard(op, status, string(respBody))
		}
		return json.RawMessage(respBody), nil
	}
}

// Ping performs a cheap authenticated read
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Do(ctx, http.MethodGet, pathProfiles, nil, nil)
	return err
}

func (c *Client) send(ctx context.Context, method, endpoint, token string, payload []byte) (int, []byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

func (c *Client) backoff(ctx context.Context, op string, attempt, status int) error {
	delay := c.cfg.RetryBaseDelay * time.Duration(1<<attempt)
	metrics.ProviderRetriesTotal.Inc()
	log.Debug().
		Int64("company_id", c.companyID).
		Str("environment", c.environment).
		Str("op", op).
		Int("status", status).
		Int("attempt", attempt+1).
		Dur("delay", delay).
		Msg("Retrying Wise request")
	return c.sleep(ctx, delay)
}

// resolve picks the bearer token: the credential's API token, then the
// process-wide API token, then the OAuth access token (refreshed if close to
// expiry).
func (c *Client) resolve(ctx context.Context) (*authState, error) {
	cred, err := c.creds.Get(ctx, c.companyID, c.environment)
	if err != nil {
		if errors.Is(err, repository.ErrCredentialNotFound) {
			return nil, apperr.Credential("resolve", "Wise credentials not found", err)
		}
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}

	if cred.UsesAPIToken() {
		token, err := c.decrypt(*cred.APITokenEncrypted)
		if err != nil {
			return nil, err
		}
		return &authState{cred: cred, token: token}, nil
	}
	if c.cfg.APIToken != "" {
		return &authState{cred: cred, token: c.cfg.APIToken}, nil
	}

	if cred.AccessTokenEncrypted == nil || *cred.AccessTokenEncrypted == "" {
		return nil, apperr.Credential("resolve", "Wise access token missing", nil)
	}

	if cred.TokenExpiresAt != nil && !cred.TokenExpiresAt.After(c.now().Add(refreshMargin)) {
		token, err := c.refresh(ctx, cred)
		if err != nil {
			return nil, err
		}
		return &authState{cred: cred, token: token, oauth: true}, nil
	}

	token, err := c.decrypt(*cred.AccessTokenEncrypted)
	if err != nil {
		return nil, err
	}
	return &authState{cred: cred, token: token, oauth: true}, nil
}

// refresh exchanges the stored refresh token and persists the new pair with a
// compare-and-swap. When another refresher won, the winner's token is used.
func (c *Client) refresh(ctx context.Context, cred *models.Credential) (string, error) {
	if cred.RefreshTokenEncrypted == nil || *cred.RefreshTokenEncrypted == "" {
		metrics.TokenRefreshTotal.WithLabelValues("failed").Inc()
		return "", apperr.Credential("refresh", "Wise refresh token missing", nil)
	}
	refreshToken, err := c.decrypt(*cred.RefreshTokenEncrypted)
	if err != nil {
		return "", err
	}

	oauthCfg, err := c.OAuthConfig(ctx, nil)
	if err != nil {
		return "", err
	}

	tok, err := oauthCfg.TokenSource(c.oauthContext(ctx), &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		metrics.TokenRefreshTotal.WithLabelValues("failed").Inc()
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			return "", apperr.Credential("refresh", "Wise token refresh failed", err)
		}
		return "", apperr.Transient("refresh", 0, "", err)
	}

	encAccess, err := c.cipher.Encrypt(tok.AccessToken)
	if err != nil {
		return "", apperr.Config("refresh", "credential encryption unavailable")
	}
	newRefresh := tok.RefreshToken
	if newRefresh == "" {
		newRefresh = refreshToken
	}
	encRefresh, err := c.cipher.Encrypt(newRefresh)
	if err != nil {
		return "", apperr.Config("refresh", "credential encryption unavailable")
	}
	var expiresAt *time.Time
	if !tok.Expiry.IsZero() {
		exp := tok.Expiry
		expiresAt = &exp
	}

	won, err := c.creds.SwapTokens(ctx, cred.ID, cred.RefreshTokenEncrypted, encAccess, encRefresh, expiresAt)
	if err != nil {
		return "", err
	}
	if !won {
		metrics.TokenRefreshTotal.WithLabelValues("lost_race").Inc()
		log.Info().Int64("company_id", c.companyID).Str("environment", c.environment).Msg("Concurrent Wise token refresh detected, using stored token")
		latest, err := c.creds.Get(ctx, c.companyID, c.environment)
		if err != nil {
			return "", fmt.Errorf("failed to reload credential: %w", err)
		}
		if latest.AccessTokenEncrypted == nil {
			return "", apperr.Credential("refresh", "Wise access token missing", nil)
		}
		return c.decrypt(*latest.AccessTokenEncrypted)
	}

	metrics.TokenRefreshTotal.WithLabelValues("success").Inc()
	cred.AccessTokenEncrypted = &encAccess
	cred.RefreshTokenEncrypted = &encRefresh
	cred.TokenExpiresAt = expiresAt
	return tok.AccessToken, nil
}

// OAuthConfig builds the oauth2 config from company settings, falling back to
// the process configuration. scopes may be nil for refresh and exchange.
func (c *Client) OAuthConfig(ctx context.Context, scopes []string) (*oauth2.Config, error) {
	return BuildOAuthConfig(ctx, c.companyID, c.environment, c.settings, c.cipher, c.cfg, scopes)
}

// Exchange trades an authorization code for tokens
func (c *Client) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	oauthCfg, err := c.OAuthConfig(ctx, nil)
	if err != nil {
		return nil, err
	}
	tok, err := oauthCfg.Exchange(c.oauthContext(ctx), code)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			return nil, apperr.Credential("exchange", "Wise OAuth exchange failed", err)
		}
		return nil, apperr.Transient("exchange", 0, "", err)
	}
	return tok, nil
}

func (c *Client) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

func (c *Client) decrypt(ciphertext string) (string, error) {
	plain, err := c.cipher.Decrypt(ciphertext)
	if err != nil {
		return "", decryptError("decrypt", "stored Wise credential could not be decrypted", err)
	}
	return plain, nil
}

// decryptError separates missing key material, which no reconnect can fix,
// from ciphertext that no longer decrypts
func decryptError(op, msg string, err error) error {
	if errors.Is(err, secrets.ErrMissingPrivateKey) {
		return &apperr.Error{Kind: apperr.KindConfig, Op: op, Message: "encryption private key is not configured", Err: err}
	}
	return apperr.Credential(op, msg, err)
}

// BuildOAuthConfig resolves client id and secret for (company, environment)
func BuildOAuthConfig(ctx context.Context, companyID int64, environment string, settings SettingsStore, cipher Cipher, cfg config.WiseConfig, scopes []string) (*oauth2.Config, error) {
	clientID := cfg.ClientID
	clientSecret := cfg.ClientSecret

	if settings != nil {
		stored, err := settings.Get(ctx, companyID, environment)
		if err != nil && !errors.Is(err, repository.ErrSettingsNotFound) {
			return nil, err
		}
		if stored != nil {
			if stored.ClientID != nil && *stored.ClientID != "" {
				clientID = *stored.ClientID
			}
			if stored.ClientSecretEncrypted != nil && *stored.ClientSecretEncrypted != "" {
				secret, err := cipher.Decrypt(*stored.ClientSecretEncrypted)
				if err != nil {
					return nil, decryptError("oauth_config", "stored Wise client secret could not be decrypted", err)
				}
				clientSecret = secret
			}
		}
	}

	if clientID == "" || clientSecret == "" {
		return nil, apperr.Config("oauth_config", "Wise OAuth client not configured")
	}

	base := strings.TrimRight(cfg.OAuthBase(environment), "/")
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  cfg.RedirectURI,
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   base + "/oauth/authorize",
			TokenURL:  base + "/oauth/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}, nil
}

func isTransientStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable:
		return true
	}
	return false
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

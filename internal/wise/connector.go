package wise

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/datatypes"

	"github.com/vipul43/finsync-worker/internal/apperr"
	"github.com/vipul43/finsync-worker/internal/config"
	"github.com/vipul43/finsync-worker/internal/models"
	"github.com/vipul43/finsync-worker/internal/repository"
)

// Requester is satisfied by *Client
type Requester interface {
	Do(ctx context.Context, method, path string, query url.Values, body interface{}) (json.RawMessage, error)
}

type ConnectorCredentials interface {
	Get(ctx context.Context, companyID int64, environment string) (*models.Credential, error)
	SetProfile(ctx context.Context, credentialID, profileID string) error
	SaveCursors(ctx context.Context, credentialID string, cursors map[string]string) error
}

type DataStore interface {
	UpsertProfile(ctx context.Context, p *models.WiseProfile) error
	UpsertBalanceAccount(ctx context.Context, a *models.WiseBalanceAccount) error
	ListBalanceAccounts(ctx context.Context, companyID int64, environment string) ([]models.WiseBalanceAccount, error)
	AppendBalance(ctx context.Context, b *models.WiseBalance) error
	UpsertTransaction(ctx context.Context, tx *models.WiseTransaction) error
}

type BankStore interface {
	GetAccount(ctx context.Context, companyID int64, provider, providerAccountID string) (*models.BankAccount, error)
	UpsertAccount(ctx context.Context, account *models.BankAccount) (*models.BankAccount, error)
	UpdateBalance(ctx context.Context, accountID string, balance float64) error
	AppendBalance(ctx context.Context, b *models.BankBalance) error
	UpsertTransaction(ctx context.Context, tx *models.BankTransaction) error
}

type SubscriptionStore interface {
	GetActiveSubscription(ctx context.Context, companyID int64, environment string) (*models.WebhookSubscription, error)
	CreateSubscription(ctx context.Context, sub *models.WebhookSubscription) error
}

type TransferStore interface {
	GetTransferByKey(ctx context.Context, companyID int64, idempotencyKey string) (*models.WiseTransfer, error)
	CreateTransfer(ctx context.Context, transfer *models.WiseTransfer) error
	AttachTransferRemote(ctx context.Context, id, remoteID, status string, raw datatypes.JSON) error
	ListRefreshable(ctx context.Context, companyID int64, environment string) ([]models.WiseTransfer, error)
	UpdateTransferStatus(ctx context.Context, id, status string, raw datatypes.JSON) error
	GetBatchByKey(ctx context.Context, companyID int64, idempotencyKey string) (*models.WiseBatch, error)
	CreateBatch(ctx context.Context, batch *models.WiseBatch) error
	AttachBatchRemote(ctx context.Context, id, remoteID, status string, raw datatypes.JSON) error
}

type AuditSink interface {
	Log(ctx context.Context, entry repository.AuditEntry) error
}

// Stores groups the persistence the connector writes to
type Stores struct {
	Credentials ConnectorCredentials
	Data        DataStore
	Bank        BankStore
	Webhooks    SubscriptionStore
	Transfers   TransferStore
	Audit       AuditSink
}

// Counts is what a sync pass touched. It is kept up to date as steps
// complete so a failed pass still reports partial progress.
type Counts struct {
	Profiles     int
	Accounts     int
	Balances     int
	Transactions int
	WebhookID    string
}

func (c Counts) Map() map[string]int {
	return map[string]int{
		"profiles":     c.Profiles,
		"accounts":     c.Accounts,
		"balances":     c.Balances,
		"transactions": c.Transactions,
	}
}

// Connector runs idempotent sync passes for one company and environment
type Connector struct {
	client      Requester
	companyID   int64
	environment string
	stores      Stores
	cipher      Cipher
	cfg         config.WiseConfig
	actorUserID *int64
	now         func() time.Time
}

func NewConnector(client Requester, companyID int64, environment string, stores Stores, cipher Cipher, cfg config.WiseConfig) *Connector {
	return &Connector{
		client:      client,
		companyID:   companyID,
		environment: environment,
		stores:      stores,
		cipher:      cipher,
		cfg:         cfg,
		now:         time.Now,
	}
}

// WithActor records the user on audit entries for write operations
func (c *Connector) WithActor(userID int64) *Connector {
	c.actorUserID = &userID
	return c
}

func (c *Connector) credential(ctx context.Context) (*models.Credential, error) {
	cred, err := c.stores.Credentials.Get(ctx, c.companyID, c.environment)
	if err != nil {
		if errors.Is(err, repository.ErrCredentialNotFound) {
			return nil, apperr.Credential("connector", "Wise credentials not found", err)
		}
		return nil, err
	}
	return cred, nil
}

// SyncProfiles upserts every profile and selects the primary one: the first
// business profile, else the first profile returned
func (c *Connector) SyncProfiles(ctx context.Context) (int, error) {
	raw, err := c.client.Do(ctx, http.MethodGet, pathProfiles, nil, nil)
	if err != nil {
		return 0, err
	}
	profiles, _ := items(raw, "profiles")

	now := c.now()
	selected := ""
	count := 0
	for _, item := range profiles {
		id := str(item, "id")
		if id == "" {
			continue
		}
		profileType := firstNonEmpty(str(item, "type"), "unknown")
		if err := c.stores.Data.UpsertProfile(ctx, &models.WiseProfile{
			CompanyID:   c.companyID,
			ProfileID:   id,
			Environment: c.environment,
			ProfileType: profileType,
			Details:     datatypes.JSON(mustJSON(item)),
			FetchedAt:   now,
		}); err != nil {
			return count, err
		}
		count++
		if selected == "" && profileType == "business" {
			selected = id
		}
	}
	if selected == "" && len(profiles) > 0 {
		selected = str(profiles[0], "id")
	}

	if selected != "" {
		cred, err := c.credential(ctx)
		if err != nil {
			return count, err
		}
		if err := c.stores.Credentials.SetProfile(ctx, cred.ID, selected); err != nil {
			return count, err
		}
	}
	return count, nil
}

// SyncAccounts upserts the balance accounts of the selected profile and the
// matching provider-neutral bank accounts
func (c *Connector) SyncAccounts(ctx context.Context) (int, error) {
	cred, err := c.credential(ctx)
	if err != nil {
		return 0, err
	}
	if cred.ProfileID == nil || *cred.ProfileID == "" {
		return 0, apperr.Hard("sync_accounts", 0, "Wise profile not set")
	}
	profileID := *cred.ProfileID

	raw, err := c.client.Do(ctx, http.MethodGet, balanceAccountsPath(profileID), nil, nil)
	if err != nil {
		return 0, err
	}
	accounts, _ := items(raw, "balanceAccounts")

	now := c.now()
	count := 0
	for _, item := range accounts {
		id := str(item, "id")
		if id == "" {
			continue
		}
		currency := str(item, "currency")
		if currency == "" {
			if nested, ok := item["balances"].([]interface{}); ok && len(nested) > 0 {
				if first, ok := nested[0].(map[string]interface{}); ok {
					currency = str(first, "currency")
				}
			}
		}
		name := optStr(item, "name")

		if err := c.stores.Data.UpsertBalanceAccount(ctx, &models.WiseBalanceAccount{
			CompanyID:        c.companyID,
			BalanceAccountID: id,
			Environment:      c.environment,
			ProfileID:        profileID,
			Currency:         firstNonEmpty(currency, "UNKNOWN"),
			Name:             name,
			Status:           optStr(item, "status"),
			Details:          datatypes.JSON(mustJSON(item)),
			FetchedAt:        now,
		}); err != nil {
			return count, err
		}

		displayName := "Wise " + id
		if name != nil {
			displayName = *name
		}
		if _, err := c.stores.Bank.UpsertAccount(ctx, &models.BankAccount{
			CompanyID:         c.companyID,
			Provider:          models.ProviderWise,
			ProviderAccountID: id,
			Name:              displayName,
			Currency:          firstNonEmpty(currency, "USD"),
		}); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// SyncBalances appends a snapshot for every balance reported on every known
// account and overwrites the bank account's current balance
func (c *Connector) SyncBalances(ctx context.Context) (int, error) {
	accounts, err := c.stores.Data.ListBalanceAccounts(ctx, c.companyID, c.environment)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, account := range accounts {
		raw, err := c.client.Do(ctx, http.MethodGet, balancesPath(account.BalanceAccountID), nil, nil)
		if err != nil {
			return count, err
		}
		balances, _ := items(raw, "balances")

		bankAccount, err := c.stores.Bank.GetAccount(ctx, c.companyID, models.ProviderWise, account.BalanceAccountID)
		if err != nil && !errors.Is(err, repository.ErrBankAccountNotFound) {
			return count, err
		}

		for _, item := range balances {
			now := c.now()
			currency := firstNonEmpty(str(item, "currency"), amountCurrency(item, "amount"), account.Currency)
			amount := num(item, "amount", "value")
			observed := timestamp(item, now, "timestamp", "date")

			if err := c.stores.Data.AppendBalance(ctx, &models.WiseBalance{
				CompanyID:        c.companyID,
				BalanceAccountID: account.BalanceAccountID,
				Currency:         currency,
				Amount:           amount,
				ObservedAt:       observed,
				FetchedAt:        now,
			}); err != nil {
				return count, err
			}

			if bankAccount != nil {
				if err := c.stores.Bank.UpdateBalance(ctx, bankAccount.ID, amount); err != nil {
					return count, err
				}
				if err := c.stores.Bank.AppendBalance(ctx, &models.BankBalance{
					CompanyID:         c.companyID,
					BankAccountID:     bankAccount.ID,
					Provider:          models.ProviderWise,
					ProviderAccountID: account.BalanceAccountID,
					Currency:          currency,
					Balance:           amount,
					CapturedAt:        observed,
				}); err != nil {
					return count, err
				}
			}
			count++
		}
	}
	return count, nil
}

// SyncTransactions fetches each account's transactions from its stored
// cursor. The cursor map is committed only after every account succeeded, so
// a failed pass re-reads from the old cursors.
func (c *Connector) SyncTransactions(ctx context.Context) (int, error) {
	cred, err := c.credential(ctx)
	if err != nil {
		return 0, err
	}
	accounts, err := c.stores.Data.ListBalanceAccounts(ctx, c.companyID, c.environment)
	if err != nil {
		return 0, err
	}

	cursors := cred.Cursors()
	total := 0
	for _, account := range accounts {
		query := url.Values{}
		query.Set("balanceAccountId", account.BalanceAccountID)
		if cursor := cursors[account.BalanceAccountID]; cursor != "" {
			query.Set("cursor", cursor)
		}

		raw, err := c.client.Do(ctx, http.MethodGet, pathStatement, query, nil)
		if err != nil {
			return total, err
		}
		transactions, wrapper := items(raw, "transactions")

		bankAccount, err := c.stores.Bank.GetAccount(ctx, c.companyID, models.ProviderWise, account.BalanceAccountID)
		if err != nil && !errors.Is(err, repository.ErrBankAccountNotFound) {
			return total, err
		}

		for _, item := range transactions {
			id := str(item, "id", "transactionId", "referenceNumber")
			if id == "" {
				continue
			}
			now := c.now()
			occurred := timestamp(item, now, "date", "occurred_at", "createdAt")
			amount := num(item, "amount", "value")
			currency := firstNonEmpty(str(item, "currency"), amountCurrency(item, "amount"), account.Currency, "USD")
			description := optStr(item, "description")

			if err := c.stores.Data.UpsertTransaction(ctx, &models.WiseTransaction{
				CompanyID:        c.companyID,
				TransactionID:    id,
				BalanceAccountID: account.BalanceAccountID,
				OccurredAt:       occurred,
				Amount:           amount,
				Currency:         currency,
				Description:      description,
				Raw:              datatypes.JSON(mustJSON(item)),
				FetchedAt:        now,
			}); err != nil {
				return total, err
			}

			if bankAccount != nil {
				posted := time.Date(occurred.Year(), occurred.Month(), occurred.Day(), 0, 0, 0, 0, time.UTC)
				if err := c.stores.Bank.UpsertTransaction(ctx, &models.BankTransaction{
					CompanyID:             c.companyID,
					Provider:              models.ProviderWise,
					ProviderTransactionID: id,
					BankAccountID:         bankAccount.ID,
					PostedAt:              posted,
					Amount:                amount,
					Currency:              currency,
					Description:           description,
					Category:              optStr(item, "type"),
					RawReference:          optStr(item, "reference"),
				}); err != nil {
					return total, err
				}
			}
			total++
		}

		// a missing next cursor keeps the previous one
		if next := str(wrapper, "nextCursor", "next_cursor"); next != "" {
			cursors[account.BalanceAccountID] = next
		}
	}

	if err := c.stores.Credentials.SaveCursors(ctx, cred.ID, cursors); err != nil {
		return total, err
	}
	return total, nil
}

// RegisterWebhook creates the company's subscription once per environment
func (c *Connector) RegisterWebhook(ctx context.Context) (string, error) {
	existing, err := c.stores.Webhooks.GetActiveSubscription(ctx, c.companyID, c.environment)
	if err == nil {
		return existing.SubscriptionID, nil
	}
	if !errors.Is(err, repository.ErrSubscriptionNotFound) {
		return "", err
	}

	callbackURL := c.cfg.WebhookCallbackURL()
	if callbackURL == "" {
		return "", apperr.Config("register_webhook", "Wise webhook callback URL not configured")
	}

	payload := map[string]interface{}{
		"name":        fmt.Sprintf("finsync-%d", c.companyID),
		"callbackURL": callbackURL,
		"eventTypes":  WebhookEventTypes,
	}
	raw, err := c.client.Do(ctx, http.MethodPost, pathSubscriptions, nil, payload)
	if err != nil {
		return "", err
	}
	resp := decodeObject(raw)
	subscriptionID := str(resp, "id")
	if subscriptionID == "" {
		return "", apperr.Hard("register_webhook", http.StatusOK, string(raw))
	}

	var secretEncrypted *string
	if secret := firstNonEmpty(str(resp, "secret"), c.cfg.WebhookSecret); secret != "" {
		enc, err := c.cipher.Encrypt(secret)
		if err != nil {
			return "", apperr.Config("register_webhook", "credential encryption unavailable")
		}
		secretEncrypted = &enc
	}

	if err := c.stores.Webhooks.CreateSubscription(ctx, &models.WebhookSubscription{
		CompanyID:       c.companyID,
		Environment:     c.environment,
		SubscriptionID:  subscriptionID,
		EventTypes:      datatypes.JSON(mustJSON(WebhookEventTypes)),
		Status:          models.SubscriptionActive,
		SecretEncrypted: secretEncrypted,
	}); err != nil {
		return "", err
	}
	log.Info().Int64("company_id", c.companyID).Str("environment", c.environment).Str("subscription_id", subscriptionID).Msg("Registered Wise webhook subscription")
	return subscriptionID, nil
}

// FullSync runs profiles, accounts, balances, transactions and webhook
// registration in order. counts reflects the steps completed before any error.
func (c *Connector) FullSync(ctx context.Context, counts *Counts) error {
	var err error
	if counts.Profiles, err = c.SyncProfiles(ctx); err != nil {
		return err
	}
	if counts.Accounts, err = c.SyncAccounts(ctx); err != nil {
		return err
	}
	if counts.Balances, err = c.SyncBalances(ctx); err != nil {
		return err
	}
	if counts.Transactions, err = c.SyncTransactions(ctx); err != nil {
		return err
	}
	if counts.WebhookID, err = c.RegisterWebhook(ctx); err != nil {
		return err
	}
	return nil
}

// IncrementalSync refreshes balances and transactions only
func (c *Connector) IncrementalSync(ctx context.Context, counts *Counts) error {
	var err error
	if counts.Balances, err = c.SyncBalances(ctx); err != nil {
		return err
	}
	if counts.Transactions, err = c.SyncTransactions(ctx); err != nil {
		return err
	}
	return nil
}
